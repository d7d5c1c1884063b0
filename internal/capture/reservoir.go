package capture

import (
	"math/rand/v2"
	"slices"

	"github.com/roach88/steptrace/internal/trace"
)

// Reservoir keeps a uniform sample of at most k candidates from a stream of
// unknown length (Algorithm R). Memory stays O(k) however many candidates
// are offered.
//
// Not safe for concurrent use.
type Reservoir struct {
	k    int
	seen int
	buf  []trace.Candidate
	rng  *rand.Rand
}

// NewReservoir creates a reservoir of size max(1, k).
// rng may be nil to use the process-wide source.
func NewReservoir(k int, rng *rand.Rand) *Reservoir {
	k = clampK(k)
	return &Reservoir{
		k:   k,
		buf: make([]trace.Candidate, 0, min(k, 1024)),
		rng: rng,
	}
}

// Offer feeds candidates into the reservoir.
func (r *Reservoir) Offer(candidates ...trace.Candidate) {
	for _, c := range candidates {
		r.seen++
		if len(r.buf) < r.k {
			r.buf = append(r.buf, c)
			continue
		}
		if j := intN(r.rng, r.seen); j < r.k {
			r.buf[j] = c
		}
	}
}

// Seen returns the number of candidates offered so far.
func (r *Reservoir) Seen() int {
	return r.seen
}

// Sample returns a copy of the current sample.
func (r *Reservoir) Sample() []trace.Candidate {
	return slices.Clone(r.buf)
}
