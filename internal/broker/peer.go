package broker

import (
	"sync"
	"time"
)

// Peer is one connected client: identity, transport handle, and
// join-deadline timer.
type Peer struct {
	Identity  uint32
	Transport Transport

	mu    sync.Mutex
	lobby string

	joinTimer     *time.Timer
	joinTimerOnce sync.Once
}

// newPeer constructs a Peer and arms its NO_LOBBY_TIMEOUT deadline:
// if lobby is still empty when it fires, the transport is closed
// with code 4000. The timer is cancelled on the first successful
// JOIN, and again (idempotently) on transport close.
func newPeer(identity uint32, transport Transport, noLobbyTimeout time.Duration) *Peer {
	p := &Peer{Identity: identity, Transport: transport}
	p.joinTimer = time.AfterFunc(noLobbyTimeout, func() {
		p.mu.Lock()
		empty := p.lobby == ""
		p.mu.Unlock()
		if empty {
			_ = transport.Close(4000, "Have not joined lobby yet")
		}
	})
	return p
}

// Lobby returns the peer's current lobby name, empty if unjoined.
func (p *Peer) Lobby() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lobby
}

// setLobby records the peer's lobby and cancels the join-deadline timer.
func (p *Peer) setLobby(name string) {
	p.mu.Lock()
	p.lobby = name
	p.mu.Unlock()
	p.cancelJoinTimer()
}

// cancelJoinTimer stops the join-deadline timer. Idempotent.
func (p *Peer) cancelJoinTimer() {
	p.joinTimerOnce.Do(func() {
		if p.joinTimer != nil {
			p.joinTimer.Stop()
		}
	})
}
