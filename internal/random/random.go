// Package random implements the "minimal standard" multiplicative
// congruential generator (Park & Miller, multiplier 16807, modulus 2^31-1).
//
// Ping sequences recorded by classic TagTime were drawn from exactly this
// recurrence, so the same seed must yield bit-identical values here. Do not
// swap it for math/rand.
package random

const (
	multiplier = 16807
	modulus    = 1<<31 - 1
)

// Source is a deterministic stream of reals in (0,1). Not goroutine-safe.
type Source struct {
	state uint64
}

// New returns a Source seeded with seed.
func New(seed uint32) *Source {
	s := &Source{}
	s.Seed(seed)
	return s
}

// Seed resets the internal state. A zero seed is allowed and yields a
// degenerate stream of zeros.
func (s *Source) Seed(seed uint32) {
	s.state = uint64(seed)
}

// Float64 advances the state and returns state/(2^31-1).
func (s *Source) Float64() float64 {
	s.state = multiplier * s.state % modulus
	return float64(s.state) / modulus
}
