package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rossunger/lobby-broker/internal/config"
	"github.com/rossunger/lobby-broker/internal/lobbycode"
	"github.com/rossunger/lobby-broker/internal/protocol"
	"github.com/rossunger/lobby-broker/internal/snapshot"
)

type fakeTransport struct {
	mu       sync.Mutex
	texts    [][]byte
	binaries [][]byte
	closed   bool
	closeCode int
	closeReason string
}

func (f *fakeTransport) SendText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, data)
	return nil
}

func (f *fakeTransport) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binaries = append(f.binaries, data)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeTransport) Ping() error { return nil }

func (f *fakeTransport) envelopes(t *testing.T) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.texts))
	for _, raw := range f.texts {
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		Limits: config.LimitsConfig{MaxPeers: 16, MaxLobbies: 16, MaxSaveGames: 16},
		Timeouts: config.TimeoutsConfig{
			NoLobby:      time.Hour,
			SealClose:    20 * time.Millisecond,
			PingInterval: time.Hour,
		},
		Snapshot: config.SnapshotConfig{BulkFlushInterval: time.Hour},
	}
}

func newTestBroker() *Broker {
	cache := snapshot.New(16, nil, zap.NewNop(), nil)
	codeGen := lobbycode.New(zap.NewNop())
	return New(testConfig(), zap.NewNop(), nil, codeGen, cache, nil)
}

func acceptPeer(t *testing.T, b *Broker) (*Peer, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	peer, err := b.Accept(ft)
	require.NoError(t, err)
	return peer, ft
}

func joinAsHost(t *testing.T, b *Broker, peer *Peer) string {
	t.Helper()
	env := protocol.Envelope{Type: protocol.Join, ID: 0, Data: ""}
	raw := protocol.MustEncode(env)
	require.NoError(t, b.HandleText(context.Background(), peer, raw))
	return peer.Lobby()
}

func joinByCode(t *testing.T, b *Broker, peer *Peer, code string) error {
	t.Helper()
	env := protocol.Envelope{Type: protocol.Join, ID: 1, Data: code}
	raw := protocol.MustEncode(env)
	return b.HandleText(context.Background(), peer, raw)
}

func TestCreateLobbyAssignsHostAndSendsID(t *testing.T) {
	b := newTestBroker()
	host, hostTransport := acceptPeer(t, b)

	code := joinAsHost(t, b, host)
	assert.Len(t, code, 6)

	envs := hostTransport.envelopes(t)
	require.Len(t, envs, 2) // ID, then JOIN confirmation
	assert.Equal(t, protocol.ID, envs[0].Type)
	assert.Equal(t, int64(protocol.HostID), envs[0].ID)
	assert.Equal(t, protocol.Join, envs[1].Type)
	assert.Equal(t, code, envs[1].Data)
}

func TestSecondPeerJoinsByCodeAndBothSeeEachOther(t *testing.T) {
	b := newTestBroker()
	host, hostTransport := acceptPeer(t, b)
	code := joinAsHost(t, b, host)

	guest, guestTransport := acceptPeer(t, b)
	require.NoError(t, joinByCode(t, b, guest, code))

	envs := guestTransport.envelopes(t)
	require.GreaterOrEqual(t, len(envs), 2)
	assert.Equal(t, protocol.ID, envs[0].Type)
	assert.NotEqual(t, int64(protocol.HostID), envs[0].ID, "a non-host peer must never receive the reserved host id")
	assert.Contains(t, envs, protocol.Envelope{Type: protocol.PeerConnect, ID: protocol.HostID}, "guest should be told about the host")
	assert.Contains(t, hostTransport.envelopes(t), protocol.Envelope{Type: protocol.PeerConnect, ID: int64(guest.Identity)}, "host should be told about the guest")
}

func TestJoinRejectsUnknownCode(t *testing.T) {
	b := newTestBroker()
	guest, _ := acceptPeer(t, b)

	err := joinByCode(t, b, guest, "ZZZZZZ")
	require.Error(t, err)
}

func TestJoinRejectsAlreadySealedLobby(t *testing.T) {
	b := newTestBroker()
	host, _ := acceptPeer(t, b)
	code := joinAsHost(t, b, host)

	sealEnv := protocol.MustEncode(protocol.Envelope{Type: protocol.Seal})
	require.NoError(t, b.HandleText(context.Background(), host, sealEnv))

	guest, _ := acceptPeer(t, b)
	err := joinByCode(t, b, guest, code)
	require.Error(t, err)
}

func TestHostDisconnectMigratesToNextMember(t *testing.T) {
	b := newTestBroker()
	host, _ := acceptPeer(t, b)
	code := joinAsHost(t, b, host)

	guest, guestTransport := acceptPeer(t, b)
	require.NoError(t, joinByCode(t, b, guest, code))

	b.Disconnect(context.Background(), host)

	envs := guestTransport.envelopes(t)
	var migrated bool
	for _, e := range envs {
		if e.Type == protocol.HostChanged {
			migrated = true
			assert.Equal(t, int64(protocol.HostID), e.ID)
		}
	}
	assert.True(t, migrated, "remaining member should be notified it is now host")

	peers, lobbies := b.Stats()
	assert.Equal(t, 1, peers)
	assert.Equal(t, 1, lobbies)
}

func TestLastMemberLeavingDestroysLobbyAndSavesState(t *testing.T) {
	b := newTestBroker()
	host, _ := acceptPeer(t, b)
	code := joinAsHost(t, b, host)

	require.NoError(t, b.HandleBinary(host, []byte("save-blob")))

	b.Disconnect(context.Background(), host)

	_, lobbies := b.Stats()
	assert.Equal(t, 0, lobbies)

	newcomer, _ := acceptPeer(t, b)
	require.NoError(t, joinByCode(t, b, newcomer, code), "a restored lobby should accept a fresh join on its code")
}

func TestOnlyHostMaySaveGameState(t *testing.T) {
	b := newTestBroker()
	host, _ := acceptPeer(t, b)
	code := joinAsHost(t, b, host)

	guest, _ := acceptPeer(t, b)
	require.NoError(t, joinByCode(t, b, guest, code))

	err := b.HandleBinary(guest, []byte("cheat"))
	require.Error(t, err)
}

func TestSignalingMessageIsRoutedToResolvedDestination(t *testing.T) {
	b := newTestBroker()
	host, hostTransport := acceptPeer(t, b)
	code := joinAsHost(t, b, host)

	guest, _ := acceptPeer(t, b)
	require.NoError(t, joinByCode(t, b, guest, code))

	offer := protocol.MustEncode(protocol.Envelope{Type: protocol.Offer, ID: protocol.HostID, Data: "sdp"})
	require.NoError(t, b.HandleText(context.Background(), guest, offer))

	envs := hostTransport.envelopes(t)
	var delivered bool
	for _, e := range envs {
		if e.Type == protocol.Offer && e.Data == "sdp" {
			delivered = true
		}
	}
	assert.True(t, delivered)
}

func TestSealBroadcastsThenClosesAllMembersAfterTimeout(t *testing.T) {
	b := newTestBroker()
	host, hostTransport := acceptPeer(t, b)
	code := joinAsHost(t, b, host)

	guest, guestTransport := acceptPeer(t, b)
	require.NoError(t, joinByCode(t, b, guest, code))

	sealEnv := protocol.MustEncode(protocol.Envelope{Type: protocol.Seal})
	require.NoError(t, b.HandleText(context.Background(), host, sealEnv))

	assert.Contains(t, hostTransport.envelopes(t), protocol.Envelope{Type: protocol.Seal})
	assert.Contains(t, guestTransport.envelopes(t), protocol.Envelope{Type: protocol.Seal})

	assert.Eventually(t, func() bool {
		hostTransport.mu.Lock()
		guestTransport.mu.Lock()
		defer hostTransport.mu.Unlock()
		defer guestTransport.mu.Unlock()
		return hostTransport.closed && guestTransport.closed
	}, time.Second, 5*time.Millisecond)

	_, lobbies := b.Stats()
	assert.Equal(t, 0, lobbies)
}

func TestOnlyHostMaySeal(t *testing.T) {
	b := newTestBroker()
	host, _ := acceptPeer(t, b)
	code := joinAsHost(t, b, host)

	guest, _ := acceptPeer(t, b)
	require.NoError(t, joinByCode(t, b, guest, code))

	sealEnv := protocol.MustEncode(protocol.Envelope{Type: protocol.Seal})
	err := b.HandleText(context.Background(), guest, sealEnv)
	require.Error(t, err)
}

func TestMessageBeforeJoinIsRejected(t *testing.T) {
	b := newTestBroker()
	peer, _ := acceptPeer(t, b)

	offer := protocol.MustEncode(protocol.Envelope{Type: protocol.Offer, ID: 1, Data: "x"})
	err := b.HandleText(context.Background(), peer, offer)
	require.Error(t, err)
}
