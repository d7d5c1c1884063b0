package trace

// Status is the lifecycle state of a run or a step.
// running → success|error; terminal states never transition again.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusSuccess, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether s is success or error.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// OutcomeKind is the decision recorded for a candidate.
type OutcomeKind string

const (
	OutcomeAccepted OutcomeKind = "accepted"
	OutcomeRejected OutcomeKind = "rejected"
	OutcomeSelected OutcomeKind = "selected"
)

// Valid reports whether k is a known outcome kind.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeAccepted, OutcomeRejected, OutcomeSelected:
		return true
	}
	return false
}

// CandidateKey is the identity of a candidate within a step.
type CandidateKey struct {
	Type string
	ID   string
}

// Candidate is an item evaluated during a step.
type Candidate struct {
	ID      string   `json:"candidate_id"`
	Type    string   `json:"candidate_type"`
	Rank    *int     `json:"rank,omitempty"`
	Score   *float64 `json:"score,omitempty"`
	Payload JSON     `json:"payload,omitzero"`
	Meta    JSON     `json:"meta,omitzero"`
}

// Key returns the candidate's identity.
func (c Candidate) Key() CandidateKey {
	return CandidateKey{Type: c.Type, ID: c.ID}
}

// Outcome is the decision for one candidate.
// At most one outcome of each kind per candidate identity is persisted.
type Outcome struct {
	CandidateID   string      `json:"candidate_id"`
	CandidateType string      `json:"candidate_type"`
	Kind          OutcomeKind `json:"outcome"`
	ReasonCode    string      `json:"reason_code,omitempty"`
	ReasonDetail  JSON        `json:"reason_detail,omitzero"`
	ReasoningText string      `json:"reasoning_text,omitempty"`
}

// Key returns the identity of the candidate the outcome refers to.
func (o Outcome) Key() CandidateKey {
	return CandidateKey{Type: o.CandidateType, ID: o.CandidateID}
}

// Int returns a pointer to n. Convenience for optional fields.
func Int(n int) *int {
	return &n
}

// Float returns a pointer to f. Convenience for optional fields.
func Float(f float64) *float64 {
	return &f
}

// BoolPtr returns a pointer to b. Convenience for optional fields.
func BoolPtr(b bool) *bool {
	return &b
}

// Int64 returns a pointer to n.
func Int64(n int64) *int64 {
	return &n
}
