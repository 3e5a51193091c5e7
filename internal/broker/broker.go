// Package broker implements the process-wide registry of lobbies and
// peers, the protocol dispatcher, and per-connection lifecycle
// management described by the lobby signaling specification.
package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rossunger/lobby-broker/internal/config"
	"github.com/rossunger/lobby-broker/internal/lobbycode"
	"github.com/rossunger/lobby-broker/internal/logging"
	"github.com/rossunger/lobby-broker/internal/metrics"
	"github.com/rossunger/lobby-broker/internal/protocol"
	"github.com/rossunger/lobby-broker/internal/snapshot"
)

// Store is the subset of the persistent store client the broker uses
// for batch flush of the snapshot cache.
type Store interface {
	UpsertBatch(ctx context.Context, pairs map[string][]byte) error
}

// Broker owns the process-global lobby registry and peer set, and
// dispatches every inbound frame to the lobby state machine.
type Broker struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Registry
	codeGen *lobbycode.Generator
	cache   *snapshot.Cache
	store   Store

	mu      sync.Mutex
	peers   map[uint32]*Peer
	lobbies map[string]*Lobby

	identitySource func() uint32
}

// New builds a Broker. Peer identities are drawn from
// randomIdentity, a cryptographically-unimportant random 31-bit
// generator — identity collisions are a connect failure per spec, not
// a security property.
func New(cfg config.Config, logger *zap.Logger, reg *metrics.Registry, codeGen *lobbycode.Generator, cache *snapshot.Cache, st Store) *Broker {
	return &Broker{
		cfg:     cfg,
		logger:  logger,
		metrics: reg,
		codeGen: codeGen,
		cache:   cache,
		store:   st,
		peers:   make(map[uint32]*Peer),
		lobbies: make(map[string]*Lobby),
	}
}

// Accept registers a newly-upgraded transport as a Peer with a fresh
// identity. Returns an error if the peer-count limit has been reached.
func (b *Broker) Accept(transport Transport) (*Peer, error) {
	b.mu.Lock()
	if len(b.peers) >= b.cfg.Limits.MaxPeers {
		b.mu.Unlock()
		return nil, protocol.NewError("Too many peers connected")
	}

	identity, err := b.freshIdentityLocked()
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}

	peer := newPeer(identity, transport, b.cfg.Timeouts.NoLobby)
	b.peers[identity] = peer
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.PeersActive.Set(float64(b.peerCount()))
	}
	return peer, nil
}

// freshIdentityLocked draws a random 31-bit peer identity unique
// among connected peers. Identities in {0, 1} are rejected and
// redrawn per §9 to preserve the reserved-host-id invariant.
func (b *Broker) freshIdentityLocked() (uint32, error) {
	for attempt := 0; attempt < 64; attempt++ {
		id := randomIdentity()
		if id == 0 || id == protocol.HostID {
			continue
		}
		if _, taken := b.peers[id]; taken {
			continue
		}
		return id, nil
	}
	return 0, protocol.NewError("Could not allocate a peer identity")
}

func (b *Broker) peerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Disconnect removes peer from the registry and, if it was in a
// lobby, runs the lobby's leave/migration/teardown logic.
func (b *Broker) Disconnect(ctx context.Context, peer *Peer) {
	peer.cancelJoinTimer()

	b.mu.Lock()
	delete(b.peers, peer.Identity)
	lobbyName := peer.Lobby()
	lobby, ok := b.lobbies[lobbyName]
	var shouldClose bool
	if ok {
		shouldClose = lobby.Leave(ctx, peer)
		if shouldClose {
			delete(b.lobbies, lobbyName)
		}
	}
	peerCount := len(b.peers)
	lobbyCount := len(b.lobbies)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.PeersActive.Set(float64(peerCount))
		b.metrics.LobbiesActive.Set(float64(lobbyCount))
	}
}

// HandleBinary processes a binary frame as a game-state snapshot
// upload. Valid only when the sender is a lobby's current host.
func (b *Broker) HandleBinary(peer *Peer, data []byte) error {
	lobbyName := peer.Lobby()
	if lobbyName == "" {
		return protocol.NewError("Invalid message when not in a lobby")
	}

	b.mu.Lock()
	lobby, ok := b.lobbies[lobbyName]
	if !ok {
		b.mu.Unlock()
		return protocol.NewError("Server error, lobby not found")
	}
	if lobby.Host() != peer.Identity {
		b.mu.Unlock()
		return protocol.NewError("Only host can save the game state")
	}
	lobby.UpdateGameState(data)
	b.mu.Unlock()
	return nil
}

// HandleText parses and dispatches a textual envelope frame.
func (b *Broker) HandleText(ctx context.Context, peer *Peer, raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		return err
	}

	if env.Type == protocol.Join {
		mesh := env.ID == 0
		return b.joinLobby(ctx, peer, env.Data, mesh)
	}

	lobbyName := peer.Lobby()
	if lobbyName == "" {
		return protocol.NewError("Invalid message when not in a lobby")
	}

	b.mu.Lock()
	lobby, ok := b.lobbies[lobbyName]
	b.mu.Unlock()
	if !ok {
		return protocol.NewError("Server error, lobby not found")
	}

	switch env.Type {
	case protocol.Seal:
		b.mu.Lock()
		err := lobby.Seal(peer, func() { b.tearDownSealedLobby(lobbyName, lobby) })
		b.mu.Unlock()
		return err

	case protocol.Offer, protocol.Answer, protocol.Candidate:
		b.mu.Lock()
		destIdentity := lobby.ResolveDestination(env.ID)
		dest, ok := lobby.MemberByIdentity(destIdentity)
		senderID := lobby.InLobbyID(peer.Identity)
		b.mu.Unlock()
		if !ok {
			return protocol.NewError("Invalid destination")
		}
		if err := sendEnvelope(dest, env.Type, senderID, env.Data); err != nil {
			return err
		}
		if b.metrics != nil {
			b.metrics.MessagesRouted.Inc()
		}
		return nil

	default:
		return protocol.NewError("Invalid command")
	}
}

// tearDownSealedLobby runs when a lobby's seal-close timer fires. It
// is invoked from a timer goroutine with no lock held, so it must
// acquire the registry lock itself before touching lobby.members —
// the same lock every other mutator of that slice (Join, Leave) holds.
func (b *Broker) tearDownSealedLobby(name string, lobby *Lobby) {
	b.mu.Lock()
	lobby.CloseMembers(protocol.CloseNormal, "Seal complete")
	delete(b.lobbies, name)
	count := len(b.lobbies)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.LobbiesActive.Set(float64(count))
	}
}

// joinLobby implements the join routine of §4.F: create on empty
// code, attach on hit, restore from the snapshot cache on miss.
func (b *Broker) joinLobby(ctx context.Context, peer *Peer, requestedCode string, mesh bool) error {
	if requestedCode == "" {
		return b.createLobby(ctx, peer, mesh)
	}
	return b.attachOrRestore(ctx, peer, requestedCode, mesh)
}

func (b *Broker) createLobby(ctx context.Context, peer *Peer, mesh bool) error {
	b.mu.Lock()
	if len(b.lobbies) >= b.cfg.Limits.MaxLobbies {
		b.mu.Unlock()
		return protocol.NewError("Too many lobbies")
	}
	if peer.Lobby() != "" {
		b.mu.Unlock()
		return protocol.NewError("Already in a lobby")
	}
	b.mu.Unlock()

	code, err := b.codeGen.Next(ctx)
	if err != nil {
		return protocol.NewErrorCode(protocol.CloseProtocol, "Server error, could not allocate lobby code")
	}
	if b.metrics != nil {
		b.metrics.CodesIssued.Inc()
	}

	lobby := newLobby(code, peer, mesh, b.cfg.Lobby, b.cfg.Timeouts, b.cache, b.logger)
	if err := lobby.Join(peer); err != nil {
		return err
	}

	b.mu.Lock()
	b.lobbies[code] = lobby
	lobbyCount := len(b.lobbies)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.LobbiesActive.Set(float64(lobbyCount))
	}

	return b.finishJoin(peer, code)
}

func (b *Broker) attachOrRestore(ctx context.Context, peer *Peer, code string, mesh bool) error {
	b.mu.Lock()
	lobby, ok := b.lobbies[code]
	b.mu.Unlock()

	if ok {
		// Lobby.Join itself rejects a sealed lobby under b.mu; checking
		// Sealed() out here would read it unsynchronized against Seal's
		// own write.
		b.mu.Lock()
		err := lobby.Join(peer)
		b.mu.Unlock()
		if err != nil {
			return err
		}
		return b.finishJoin(peer, code)
	}

	blob, found, err := b.cache.Load(ctx, code)
	if err != nil {
		b.logger.Warn("snapshot restore lookup failed", logging.Lobby(code), zap.Error(err))
	}
	if !found {
		return protocol.NewError("Lobby does not exists")
	}

	restored := newLobby(code, peer, mesh, b.cfg.Lobby, b.cfg.Timeouts, b.cache, b.logger)
	restored.UpdateGameState(blob)
	if err := restored.Join(peer); err != nil {
		return err
	}

	b.mu.Lock()
	b.lobbies[code] = restored
	lobbyCount := len(b.lobbies)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.LobbiesActive.Set(float64(lobbyCount))
	}

	if err := b.finishJoin(peer, code); err != nil {
		return err
	}
	return peer.Transport.SendBinary(blob)
}

func (b *Broker) finishJoin(peer *Peer, code string) error {
	peer.setLobby(code)
	return sendEnvelope(peer, protocol.Join, 0, code)
}

// StartBackgroundTasks launches the liveness-ping loop and the
// periodic bulk-flush of the snapshot cache. Both stop when ctx is
// cancelled.
func (b *Broker) StartBackgroundTasks(ctx context.Context) {
	go b.pingLoop(ctx)
	go b.bulkFlushLoop(ctx)
}

func (b *Broker) pingLoop(ctx context.Context) {
	interval := b.cfg.Timeouts.PingInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			peers := make([]*Peer, 0, len(b.peers))
			for _, p := range b.peers {
				peers = append(peers, p)
			}
			b.mu.Unlock()

			for _, p := range peers {
				if err := p.Transport.Ping(); err != nil {
					b.logger.Debug("ping failed", logging.Peer(p.Identity), zap.Error(err))
				}
			}
		}
	}
}

func (b *Broker) bulkFlushLoop(ctx context.Context) {
	interval := b.cfg.Snapshot.BulkFlushInterval
	if interval <= 0 {
		interval = 90 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.store == nil {
				continue
			}
			if err := b.cache.FlushAll(ctx, b.store.UpsertBatch); err != nil {
				b.logger.Warn("bulk snapshot flush failed", zap.Error(err))
			}
		}
	}
}

// Stats reports the current peer and lobby counts.
func (b *Broker) Stats() (peers int, lobbies int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers), len(b.lobbies)
}
