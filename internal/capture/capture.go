// Package capture implements the capture policy engine: it reduces a step's
// candidate and outcome population to the subset that gets persisted.
//
// Reduce is pure. It never mutates its inputs and, apart from SAMPLE mode's
// random source, is deterministic. The rejection histogram is always computed
// over the full outcome population before any reduction, so metrics stay
// exact no matter how little is stored.
package capture

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/roach88/steptrace/internal/trace"
)

// unrankedSentinel sorts candidates without a rank after all ranked ones.
const unrankedSentinel = math.MaxInt

// Result is the output of Reduce.
type Result struct {
	// Candidates is the captured candidate subset.
	Candidates []trace.Candidate

	// Outcomes is the captured outcome subset.
	Outcomes []trace.Outcome

	// Histogram counts every rejected outcome by reason code.
	Histogram trace.RejectionHistogram

	// Mode is the mode that was applied after THRESHOLD resolution.
	Mode trace.CaptureMode
}

// Reduce applies policy to the full candidate and outcome sets.
//
// rng is only used in SAMPLE mode; nil uses the process-wide source.
func Reduce(candidates []trace.Candidate, outcomes []trace.Outcome, policy trace.CapturePolicy, rng *rand.Rand) Result {
	res := Result{
		Histogram: Histogram(outcomes),
		Mode:      ResolveMode(policy, len(candidates)),
	}

	switch res.Mode {
	case trace.CaptureFull:
		res.Candidates = candidates
	case trace.CaptureTopK:
		res.Candidates = topK(candidates, clampK(policy.EffectiveTopK()))
	case trace.CaptureSample:
		k := min(clampK(policy.EffectiveSampleN()), len(candidates))
		res.Candidates = sample(candidates, k, rng)
	case trace.CaptureSummaryOnly:
		res.Candidates = []trace.Candidate{}
	}

	res.Outcomes = retainOutcomes(outcomes, res.Candidates, policy)
	return res
}

// Histogram counts rejected outcomes per reason code. Missing reason codes
// are counted under trace.UnknownReason.
func Histogram(outcomes []trace.Outcome) trace.RejectionHistogram {
	h := trace.RejectionHistogram{}
	for _, o := range outcomes {
		if o.Kind != trace.OutcomeRejected {
			continue
		}
		code := o.ReasonCode
		if code == "" {
			code = trace.UnknownReason
		}
		h[code]++
	}
	return h
}

// ResolveMode maps THRESHOLD to FULL (n <= threshold) or TOP_K (n > threshold).
// Other modes are returned as configured; unknown modes use the default.
func ResolveMode(policy trace.CapturePolicy, n int) trace.CaptureMode {
	mode := policy.EffectiveMode()
	if mode != trace.CaptureThreshold {
		return mode
	}
	if n <= policy.EffectiveThreshold() {
		return trace.CaptureFull
	}
	return trace.CaptureTopK
}

// clampK enforces k >= 1.
func clampK(k int) int {
	return max(1, k)
}

// rankOf returns the sort key for a candidate.
func rankOf(c trace.Candidate) int {
	if c.Rank == nil {
		return unrankedSentinel
	}
	return *c.Rank
}

// topK returns the k lowest-ranked candidates. Equal ranks keep insertion
// order (stable sort on a copy).
func topK(candidates []trace.Candidate, k int) []trace.Candidate {
	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b trace.Candidate) int {
		return cmp.Compare(rankOf(a), rankOf(b))
	})
	if k < len(sorted) {
		sorted = sorted[:k]
	}
	return sorted
}

// sample draws k candidates uniformly without replacement using a partial
// Fisher-Yates shuffle of a copy.
func sample(candidates []trace.Candidate, k int, rng *rand.Rand) []trace.Candidate {
	pool := slices.Clone(candidates)
	n := len(pool)
	for i := 0; i < k; i++ {
		j := i + intN(rng, n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}

// intN draws from rng, or from the process source when rng is nil.
func intN(rng *rand.Rand, n int) int {
	if rng == nil {
		return rand.IntN(n)
	}
	return rng.IntN(n)
}

// retainOutcomes keeps every selected outcome, plus other outcomes whose
// candidate was captured when the policy allows them.
func retainOutcomes(outcomes []trace.Outcome, captured []trace.Candidate, policy trace.CapturePolicy) []trace.Outcome {
	includeOutcomes := policy.EffectiveIncludeOutcomes()
	includeRejected := policy.EffectiveIncludeRejected()

	keys := make(map[trace.CandidateKey]struct{}, len(captured))
	for _, c := range captured {
		keys[c.Key()] = struct{}{}
	}

	kept := make([]trace.Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Kind == trace.OutcomeSelected {
			kept = append(kept, o)
			continue
		}
		if !includeOutcomes {
			continue
		}
		if o.Kind == trace.OutcomeRejected && !includeRejected {
			continue
		}
		if _, ok := keys[o.Key()]; ok {
			kept = append(kept, o)
		}
	}
	return kept
}
