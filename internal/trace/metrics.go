package trace

// UnknownReason is the histogram bucket for rejections without a reason code.
const UnknownReason = "UNKNOWN"

// StepMetrics are derived from a step's full population at finalize and
// never change afterwards.
type StepMetrics struct {
	CandidatesIn       int     `json:"candidates_in"`
	CandidatesCaptured int     `json:"candidates_captured"`
	AcceptedCount      int     `json:"accepted_count"`
	RejectedCount      int     `json:"rejected_count"`
	SelectedCount      int     `json:"selected_count"`
	RejectionRate      float64 `json:"rejection_rate"`
}

// RejectionHistogram maps reason code to the number of rejected outcomes.
// Sum of values always equals StepMetrics.RejectedCount.
type RejectionHistogram map[string]int

// Total returns the sum of all buckets.
func (h RejectionHistogram) Total() int {
	total := 0
	for _, n := range h {
		total += n
	}
	return total
}

// NewStepMetrics counts outcomes per kind and derives the rejection rate.
// candidatesIn is the full population size, captured the retained count.
func NewStepMetrics(candidatesIn, captured int, outcomes []Outcome) StepMetrics {
	m := StepMetrics{
		CandidatesIn:       candidatesIn,
		CandidatesCaptured: captured,
	}
	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeAccepted:
			m.AcceptedCount++
		case OutcomeRejected:
			m.RejectedCount++
		case OutcomeSelected:
			m.SelectedCount++
		}
	}
	m.RejectionRate = RejectionRate(m.RejectedCount, candidatesIn)
	return m
}

// RejectionRate returns rejected/candidatesIn, or 0 when there are no candidates.
func RejectionRate(rejected, candidatesIn int) float64 {
	if candidatesIn == 0 {
		return 0
	}
	return float64(rejected) / float64(candidatesIn)
}
