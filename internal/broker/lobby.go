package broker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rossunger/lobby-broker/internal/config"
	"github.com/rossunger/lobby-broker/internal/logging"
	"github.com/rossunger/lobby-broker/internal/protocol"
	"github.com/rossunger/lobby-broker/internal/snapshot"
)

// Lobby is one live session: members, host, sealed flag, opaque game
// state, and the routing/migration logic that addresses members by
// their in-lobby id.
type Lobby struct {
	Code string
	Mesh bool

	host      uint32
	members   []*Peer
	sealed    bool
	sealTimer *time.Timer
	gameState []byte

	cfg      config.LobbyConfig
	timeouts config.TimeoutsConfig
	cache    *snapshot.Cache
	logger   *zap.Logger
}

func newLobby(code string, host *Peer, mesh bool, cfg config.LobbyConfig, timeouts config.TimeoutsConfig, cache *snapshot.Cache, logger *zap.Logger) *Lobby {
	return &Lobby{
		Code:     code,
		Mesh:     mesh,
		host:     host.Identity,
		cfg:      cfg,
		timeouts: timeouts,
		cache:    cache,
		logger:   logger,
	}
}

// Host returns the current host's raw peer identity.
func (l *Lobby) Host() uint32 { return l.host }

// MemberCount returns the number of current members.
func (l *Lobby) MemberCount() int { return len(l.members) }

// InLobbyID returns the reserved id 1 for the host, else the raw peer identity.
func (l *Lobby) InLobbyID(identity uint32) int64 {
	if identity == l.host {
		return protocol.HostID
	}
	return int64(identity)
}

// ResolveDestination rewrites a client-addressed destination id per
// the routing rule: id 1 always means the current host.
func (l *Lobby) ResolveDestination(id int64) uint32 {
	if id == protocol.HostID {
		return l.host
	}
	return uint32(id)
}

// MemberByIdentity returns the member peer with the given raw identity.
func (l *Lobby) MemberByIdentity(identity uint32) (*Peer, bool) {
	for _, m := range l.members {
		if m.Identity == identity {
			return m, true
		}
	}
	return nil, false
}

// HasMember reports whether a member with the given raw identity is present.
func (l *Lobby) HasMember(identity uint32) bool {
	_, ok := l.MemberByIdentity(identity)
	return ok
}

// Join appends peer to the lobby, in join order, and emits the
// ID/PEER_CONNECT notifications required by the join protocol.
// Rejects if the lobby is sealed.
func (l *Lobby) Join(peer *Peer) error {
	if l.sealed {
		return protocol.NewError("Lobby is sealed")
	}
	if l.HasMember(peer.Identity) {
		return protocol.NewError("Already a member of this lobby")
	}
	// §9: a non-host peer whose raw identity collides with an existing
	// non-host member's would make in-lobby routing ambiguous.
	if peer.Identity != l.host {
		for _, m := range l.members {
			if m.Identity != l.host && l.InLobbyID(m.Identity) == l.InLobbyID(peer.Identity) {
				return protocol.NewError("Peer identity collision")
			}
		}
	}

	existing := make([]*Peer, len(l.members))
	copy(existing, l.members)

	l.members = append(l.members, peer)

	newID := l.InLobbyID(peer.Identity)
	data := ""
	if l.Mesh {
		data = "true"
	}
	if err := sendEnvelope(peer, protocol.ID, newID, data); err != nil {
		return err
	}

	for _, other := range existing {
		if err := sendEnvelope(other, protocol.PeerConnect, newID, ""); err != nil {
			l.logger.Warn("notify existing member of new peer failed", zap.Error(err))
		}
	}
	for _, other := range existing {
		otherID := l.InLobbyID(other.Identity)
		if err := sendEnvelope(peer, protocol.PeerConnect, otherID, ""); err != nil {
			l.logger.Warn("notify new peer of existing member failed", zap.Error(err))
		}
	}

	return nil
}

// Leave removes peer from the lobby by identity. If the departing
// peer was the host, the lobby either migrates to the first remaining
// member or (if empty) persists its game state and signals it should
// be destroyed.
func (l *Lobby) Leave(ctx context.Context, peer *Peer) (shouldClose bool) {
	idx := -1
	for i, m := range l.members {
		if m.Identity == peer.Identity {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}
	wasHost := peer.Identity == l.host
	l.members = append(l.members[:idx], l.members[idx+1:]...)

	if !wasHost {
		departedID := l.InLobbyID(peer.Identity)
		l.broadcast(protocol.PeerDisconnect, departedID, "")
		return false
	}

	if len(l.members) == 0 {
		if l.gameState != nil && l.cache != nil {
			l.cache.Save(ctx, l.Code, l.gameState)
		}
		return true
	}

	newHost := l.members[0]
	l.host = newHost.Identity
	if err := sendEnvelope(newHost, protocol.HostChanged, protocol.HostID, "You are now the host"); err != nil {
		l.logger.Warn("notify new host failed", zap.Error(err))
	}
	if l.cfg.NotifyHostChangeToAll {
		for _, m := range l.members[1:] {
			if err := sendEnvelope(m, protocol.HostChanged, protocol.HostID, "Host changed"); err != nil {
				l.logger.Warn("notify member of host change failed", zap.Error(err))
			}
		}
	}
	return false
}

// Seal latches the lobby closed to new entrants, broadcasts SEAL to
// every member, and arms the non-cancellable teardown timer. Only the
// host may seal. onSealTimeout fires from a timer goroutine, not under
// any lock the caller may be holding at Seal time — it must acquire
// the broker's registry lock itself before touching members.
func (l *Lobby) Seal(peer *Peer, onSealTimeout func()) error {
	if peer.Identity != l.host {
		return protocol.NewError("Only host can seal the lobby")
	}
	l.sealed = true
	l.broadcast(protocol.Seal, 0, "")

	sealCloseTimeout := l.timeouts.SealClose
	if sealCloseTimeout <= 0 {
		sealCloseTimeout = 10 * time.Second
	}
	l.sealTimer = time.AfterFunc(sealCloseTimeout, onSealTimeout)
	return nil
}

// CloseMembers closes every member's transport with the given close
// code and reason, in join order. Callers must hold the broker's
// registry lock — this mutates nothing but reads l.members, which is
// otherwise only ever touched under that lock.
func (l *Lobby) CloseMembers(code int, reason string) {
	for _, m := range l.members {
		_ = m.Transport.Close(code, reason)
	}
}

// UpdateGameState stores blob verbatim as the lobby's opaque
// game-state. Only the host may invoke this; enforced by the caller.
func (l *Lobby) UpdateGameState(blob []byte) {
	l.gameState = blob
}

// broadcast sends an envelope to every current member, in join order.
func (l *Lobby) broadcast(cmd protocol.Command, id int64, data string) {
	for _, m := range l.members {
		if err := sendEnvelope(m, cmd, id, data); err != nil {
			l.logger.Warn("broadcast failed", logging.Peer(m.Identity), zap.Error(err))
		}
	}
}

func sendEnvelope(p *Peer, cmd protocol.Command, id int64, data string) error {
	raw, err := protocol.Encode(protocol.Envelope{Type: cmd, ID: id, Data: data})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	return p.Transport.SendText(raw)
}
