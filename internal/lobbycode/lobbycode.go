// Package lobbycode generates collision-free, human-typable lobby
// codes. It is a reversible permutation of a monotonic counter, not
// rejection-sampled randomness: the counter guarantees no collisions
// up to the full code space while the linear-congruential mixing step
// makes successive codes look visually unrelated.
package lobbycode

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// alphabet is base-33: A-Z minus I and O, plus 1-9 (no 0). Chosen to
// avoid characters players commonly confuse when reading a code aloud.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ123456789"

const (
	base    = int64(len(alphabet))
	length  = 6
	// modulus is base^length, the full code space (33^6 ≈ 1.29e9).
)

var modulus = pow(base, length)

func pow(b int64, n int) int64 {
	r := int64(1)
	for i := 0; i < n; i++ {
		r *= b
	}
	return r
}

// CounterStore persists the generator's counter across process
// restarts. Implementations must be safe to call from a single
// goroutine at a time (the generator never calls concurrently).
type CounterStore interface {
	LoadCounter(ctx context.Context) (uint64, error)
	SaveCounter(ctx context.Context, k uint64) error
}

// Generator produces lobby codes via a bijective modular map over a
// monotonic counter.
type Generator struct {
	mu      sync.Mutex
	counter uint64
	a, c    int64
	seed    int64
	store   CounterStore
	logger  *zap.Logger
}

// Option configures a Generator at construction time.
type Option func(*Generator)

// WithSeed fixes the process-scoped mixing seed. Any change breaks
// decode-compatibility of previously issued codes.
func WithSeed(seed int64) Option {
	return func(g *Generator) { g.seed = seed % modulus }
}

// WithCounterStore attaches external persistence for the counter so
// codes survive a process restart without reusing the space.
func WithCounterStore(store CounterStore) Option {
	return func(g *Generator) { g.store = store }
}

// New builds a Generator. a and c are chosen coprime to modulus so the
// map k -> (a*k + c + seed) mod modulus is a bijection on [0, modulus).
func New(logger *zap.Logger, opts ...Option) *Generator {
	g := &Generator{
		a:      48271, // a Park-Miller-style multiplier, coprime to 33^6
		c:      2147483647,
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.c = ((g.c % modulus) + modulus) % modulus
	if gcd(g.a, modulus) != 1 {
		// Fall back to a known-coprime multiplier if a future WithSeed-style
		// option ever parameterizes 'a'; defensive against misconfiguration.
		g.a = 48271
	}
	return g
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Load restores the counter from the attached CounterStore, if any.
// Call once at startup before the first Next.
func (g *Generator) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	k, err := g.store.LoadCounter(ctx)
	if err != nil {
		return fmt.Errorf("loading lobby code counter: %w", err)
	}
	g.mu.Lock()
	g.counter = k
	g.mu.Unlock()
	return nil
}

// Next returns a new 6-character code, advancing and persisting the
// counter.
func (g *Generator) Next(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := g.counter
	t := mix(int64(k), g.a, g.c, g.seed)
	code := Encode(t)

	g.counter++
	if g.counter >= uint64(modulus) {
		g.counter = 0
		if g.logger != nil {
			g.logger.Warn("lobby code counter wrapped; collisions become possible")
		}
	}
	next := g.counter

	if g.store != nil {
		if err := g.store.SaveCounter(ctx, next); err != nil {
			return "", fmt.Errorf("persisting lobby code counter: %w", err)
		}
	}
	return code, nil
}

func mix(k, a, c, seed int64) int64 {
	t := (a*k + c + seed) % modulus
	if t < 0 {
		t += modulus
	}
	return t
}

// Encode renders n as six base-33 digits, most-significant first,
// left-padded with the zero digit.
func Encode(n int64) string {
	n = n % modulus
	if n < 0 {
		n += modulus
	}
	digits := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		digits[i] = alphabet[n%base]
		n /= base
	}
	return string(digits)
}

// Decode reverses Encode for diagnostics. It does not invert the
// mixing step — callers wanting the original counter value need the
// same (a, c, seed) the Generator used.
func Decode(s string) (int64, error) {
	if !Valid(s) {
		return 0, fmt.Errorf("invalid lobby code %q", s)
	}
	var n int64
	for i := 0; i < len(s); i++ {
		n = n*base + int64(strings.IndexByte(alphabet, s[i]))
	}
	return n, nil
}

// Valid reports whether s has the expected length and alphabet.
func Valid(s string) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
