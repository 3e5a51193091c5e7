// Package transport handles TCP listening and websocket upgrades
// using gobwas/ws, and drives each connection's read loop into the
// broker's protocol dispatcher.
//
// Grounded on go-server-3's internal/transport/server.go, generalized
// from a broadcast-only hub into per-connection lobby protocol
// dispatch: instead of handing every frame to a shared broadcast
// queue, each frame is routed through broker.Broker so JOIN/SEAL/
// signaling semantics and binary snapshot uploads are honored.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/rossunger/lobby-broker/internal/broker"
	"github.com/rossunger/lobby-broker/internal/config"
	"github.com/rossunger/lobby-broker/internal/metrics"
	"github.com/rossunger/lobby-broker/internal/protocol"
)

// Server handles TCP listening and websocket upgrades, dispatching
// every frame to a Broker.
type Server struct {
	cfg     config.ServerConfig
	logger  *zap.Logger
	broker  *broker.Broker
	metrics *metrics.Registry

	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a Server bound to the given broker.
func New(cfg config.ServerConfig, logger *zap.Logger, b *broker.Broker, reg *metrics.Registry) *Server {
	return &Server{cfg: cfg, logger: logger, broker: b, metrics: reg}
}

// Start begins listening and accepting connections in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("transport listening", zap.String("addr", addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, raw net.Conn) {
	defer raw.Close()

	handshakeTimeout := s.cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	_ = raw.SetDeadline(time.Now().Add(handshakeTimeout))

	if _, err := ws.Upgrade(raw); err != nil {
		if s.metrics != nil {
			s.metrics.ProtocolErrors.Inc()
		}
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	_ = raw.SetDeadline(time.Time{})

	conn := NewConn(raw)
	peer, err := s.broker.Accept(conn)
	if err != nil {
		s.closeForError(conn, err)
		return
	}
	defer s.broker.Disconnect(ctx, peer)

	s.readLoop(ctx, peer, raw, conn)
}

func (s *Server) readLoop(ctx context.Context, peer *broker.Peer, raw net.Conn, conn *Conn) {
	reader := wsutil.NewReader(raw, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read frame error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = conn.Close(protocol.CloseNormal, "")
			return

		case ws.OpPing:
			if err := conn.write(ws.OpPong, nil); err != nil {
				s.logger.Debug("write pong error", zap.Error(err))
				return
			}

		case ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.logger.Debug("read binary frame error", zap.Error(err))
				return
			}
			if err := s.broker.HandleBinary(peer, payload); err != nil {
				s.closeForError(conn, err)
				return
			}

		case ws.OpText:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.logger.Debug("read text frame error", zap.Error(err))
				return
			}
			if err := s.broker.HandleText(ctx, peer, payload); err != nil {
				s.closeForError(conn, err)
				return
			}

		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				s.logger.Debug("drain frame error", zap.Error(err))
				return
			}
		}
	}
}

// closeForError terminates the connection per §4.F's exception
// containment rule: a *protocol.Error carries its own close code and
// message; anything else is logged and closed as a generic protocol
// error.
func (s *Server) closeForError(conn *Conn, err error) {
	if s.metrics != nil {
		s.metrics.ProtocolErrors.Inc()
	}

	var protoErr *protocol.Error
	if errors.As(err, &protoErr) {
		_ = conn.Close(protoErr.Code, protoErr.Reason)
		return
	}

	s.logger.Error("unhandled dispatch error", zap.Error(err))
	_ = conn.Close(protocol.CloseProtocol, "Internal server error")
}
