// Package schedule generates the pseudo-random sequence of ping times.
//
// All times are integer milliseconds since the UNIX epoch. The sequence is a
// pure function of (period, seed): it always starts at Origin and every gap is
// drawn from an exponential distribution with mean period, rounded to whole
// seconds and never shorter than one second.
//
// Schedule keeps the generated pings in a growable slice. Queries before the
// first cached ping throw the cache away and regenerate from Origin, so
// callers should prefer non-decreasing query times. Not goroutine-safe.
package schedule

import (
	"math"
	"sort"
	"time"

	"github.com/kalambet/tagtime/internal/random"
)

const (
	// Epoch is the birth of TagTime. No ping, logged or generated, is earlier.
	Epoch int64 = 1184083200 * 1000

	// Origin is the first ping of classic TagTime. Every sequence is anchored
	// here; Origin itself is never returned as a ping.
	Origin int64 = 1184097393 * 1000

	// ClassicSeed reproduces the ping sequence of classic TagTime.
	ClassicSeed uint32 = 11193462

	// MaxTime is 9999-12-31T23:59:59Z. Later query times are treated as
	// MaxTime, and callers taking times from users should reject them.
	MaxTime int64 = 253402300799 * 1000

	minGap = 1000

	// maxGap bounds a single step so a degenerate stream (seed 0) cannot
	// overflow int64.
	maxGap = float64(100 * 365 * 24 * time.Hour / time.Millisecond)

	// skipAhead is how far past the cache a query may land before the pings
	// in between are generated without being kept.
	skipAhead = int64(7 * 24 * time.Hour / time.Millisecond)
)

// Schedule answers "next ping after T" and "previous ping before T".
type Schedule struct {
	period float64 // milliseconds
	seed   uint32
	start  int64

	rng *random.Source
	// pings holds consecutive elements of the sequence. pings[0] is Origin
	// unless the cache was rebuilt for a later query.
	pings []int64
}

// New returns a Schedule. A start of zero (or anything before Epoch) means
// pings are valid from Epoch.
func New(period time.Duration, seed uint32, start int64) *Schedule {
	s := &Schedule{
		period: float64(period / time.Millisecond),
		seed:   seed,
		start:  clampStart(start),
		rng:    random.New(seed),
	}
	return s
}

func clampStart(start int64) int64 {
	if start < Epoch {
		return Epoch
	}
	return start
}

// Period returns the mean gap between pings.
func (s *Schedule) Period() time.Duration {
	return time.Duration(s.period) * time.Millisecond
}

// Seed returns the seed of the sequence.
func (s *Schedule) Seed() uint32 { return s.seed }

// Start returns the not-before boundary in milliseconds.
func (s *Schedule) Start() int64 { return s.start }

// SetSeed changes the seed and regenerates the sequence.
func (s *Schedule) SetSeed(seed uint32) {
	s.seed = seed
	s.Reset()
}

// SetPeriod changes the mean gap and regenerates the sequence.
func (s *Schedule) SetPeriod(period time.Duration) {
	s.period = float64(period / time.Millisecond)
	s.Reset()
}

// SetStart moves the not-before boundary. The sequence itself is unchanged.
func (s *Schedule) SetStart(start int64) {
	s.start = clampStart(start)
}

// Reset reseeds the random source and clears the cache.
func (s *Schedule) Reset() {
	s.rng.Seed(s.seed)
	s.pings = s.pings[:0]
}

func (s *Schedule) step(prev int64) int64 {
	gap := -s.period * math.Log(s.rng.Float64())
	if gap > maxGap || math.IsNaN(gap) {
		gap = maxGap
	}
	// Math.round semantics: halves round up.
	secs := math.Floor(gap/1000 + 0.5)
	return prev + max(minGap, int64(secs)*1000)
}

// cover makes sure the cache holds the ping at or before t and at least one
// ping strictly after it. t must not exceed MaxTime.
func (s *Schedule) cover(t int64) {
	if len(s.pings) == 0 || (t <= s.pings[0] && s.pings[0] != Origin) {
		s.Reset()
		s.pings = append(s.pings, Origin)
	}
	if cur := s.pings[len(s.pings)-1]; t > cur+skipAhead {
		for {
			nxt := s.step(cur)
			if nxt >= t {
				s.pings = append(s.pings[:0], cur, nxt)
				break
			}
			cur = nxt
		}
	}
	for len(s.pings) < 2 || s.pings[len(s.pings)-1] <= t {
		s.pings = append(s.pings, s.step(s.pings[len(s.pings)-1]))
	}
}

// Next returns the first ping strictly after max(t, Start()).
func (s *Schedule) Next(t int64) int64 {
	t = min(max(t, s.start), MaxTime)
	s.cover(t)
	i := sort.Search(len(s.pings), func(i int) bool { return s.pings[i] > t })
	if s.pings[i] == Origin {
		i++
	}
	return s.pings[i]
}

// Prev returns the last ping strictly before t. The boolean is false when
// there is no such ping at or after Start(): logs recorded before the start
// boundary may come from a different seed or period and are left alone.
func (s *Schedule) Prev(t int64) (int64, bool) {
	t = min(t, MaxTime)
	s.cover(t)
	i := sort.Search(len(s.pings), func(i int) bool { return s.pings[i] >= t })
	if i == 0 {
		return 0, false
	}
	p := s.pings[i-1]
	if p == Origin || p < s.start {
		return 0, false
	}
	return p, true
}

// Between returns all pings in (from, till], in order. till is capped at
// MaxTime.
func (s *Schedule) Between(from, till int64) []int64 {
	till = min(till, MaxTime)
	var out []int64
	for p := s.Next(from); p <= till; p = s.Next(p) {
		out = append(out, p)
	}
	return out
}
