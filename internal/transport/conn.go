package transport

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// writeWait bounds how long a single frame write may take.
const writeWait = 10 * time.Second

// Conn adapts a raw net.Conn upgraded to the websocket protocol into
// broker.Transport. Writes are serialized: the broker's liveness-ping
// loop and a connection's own message handling may call Send*/Ping
// concurrently, and the underlying frame writer is not safe for
// concurrent use.
type Conn struct {
	raw net.Conn

	mu     sync.Mutex
	closed bool
}

// NewConn wraps raw, which must already have completed the websocket
// handshake server-side.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// SendText writes a textual frame.
func (c *Conn) SendText(data []byte) error {
	return c.write(ws.OpText, data)
}

// SendBinary writes a binary frame.
func (c *Conn) SendBinary(data []byte) error {
	return c.write(ws.OpBinary, data)
}

// Ping writes a ping frame.
func (c *Conn) Ping() error {
	return c.write(ws.OpPing, nil)
}

func (c *Conn) write(op ws.OpCode, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(c.raw, op, data)
}

// Close sends a close frame carrying code and reason, then closes the
// underlying connection. Safe to call more than once.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	_ = wsutil.WriteServerMessage(c.raw, ws.OpClose, body)
	return c.raw.Close()
}
