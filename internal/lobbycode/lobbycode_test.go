package lobbycode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, 33, 34, 1000000, modulus - 1} {
		code := Encode(n)
		assert.Len(t, code, 6)
		assert.True(t, Valid(code))

		got, err := Decode(code)
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestValidRejectsWrongLengthAndAlphabet(t *testing.T) {
	assert.False(t, Valid("ABC"))
	assert.False(t, Valid("ABCDEFG"))
	assert.False(t, Valid("ABCDEI")) // I excluded from the alphabet
	assert.False(t, Valid("ABCDE0")) // 0 excluded from the alphabet
	assert.True(t, Valid("ABCDEF"))
}

func TestNextProducesDistinctCodesAndAdvancesCounter(t *testing.T) {
	g := New(zap.NewNop(), WithSeed(7))
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code, err := g.Next(ctx)
		require.NoError(t, err)
		require.True(t, Valid(code))
		require.False(t, seen[code], "code %q repeated at iteration %d", code, i)
		seen[code] = true
	}
}

func TestDifferentSeedsProduceDifferentSequences(t *testing.T) {
	ctx := context.Background()
	a := New(zap.NewNop(), WithSeed(1))
	b := New(zap.NewNop(), WithSeed(2))

	codeA, err := a.Next(ctx)
	require.NoError(t, err)
	codeB, err := b.Next(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, codeA, codeB)
}

type memCounterStore struct {
	counter uint64
	loads   int
	saves   int
}

func (m *memCounterStore) LoadCounter(ctx context.Context) (uint64, error) {
	m.loads++
	return m.counter, nil
}

func (m *memCounterStore) SaveCounter(ctx context.Context, k uint64) error {
	m.saves++
	m.counter = k
	return nil
}

func TestLoadRestoresCounterFromStore(t *testing.T) {
	ctx := context.Background()
	store := &memCounterStore{counter: 500}

	g := New(zap.NewNop(), WithCounterStore(store))
	require.NoError(t, g.Load(ctx))

	first, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, Encode(mix(500, g.a, g.c, g.seed)), first)
	assert.Equal(t, uint64(501), store.counter)
}

func TestNextPersistsCounterOnEveryCall(t *testing.T) {
	ctx := context.Background()
	store := &memCounterStore{}
	g := New(zap.NewNop(), WithCounterStore(store))

	_, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)
}
