package batch

import (
	"fmt"
	"strings"

	"github.com/roach88/steptrace/internal/trace"
)

// Rejection is one event the ingestion boundary refused while storing the
// rest of its batch.
type Rejection struct {
	// Index is the event's position in the batch.
	Index   int
	Kind    trace.EventKind
	ID      string
	Code    trace.ErrorCode
	Message string
}

// String returns the event reference, e.g. "step:01J...".
func (r Rejection) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// RejectedEventsError reports a partially stored batch. Events not listed
// in Rejected were stored. Transports wrap it in a non-retryable
// TRANSPORT_ERROR; redelivering the batch cannot change the outcome.
type RejectedEventsError struct {
	Total    int
	Rejected []Rejection
}

// Stored returns how many events of the batch were stored.
func (e *RejectedEventsError) Stored() int {
	return e.Total - len(e.Rejected)
}

func (e *RejectedEventsError) Error() string {
	parts := make([]string, len(e.Rejected))
	for i, r := range e.Rejected {
		parts[i] = fmt.Sprintf("%s (%s: %s)", r, r.Code, r.Message)
	}
	return fmt.Sprintf("%d of %d event(s) rejected: %s", len(e.Rejected), e.Total, strings.Join(parts, ", "))
}

// Unwrap exposes each rejection as a *trace.Error, so
// errors.Is(err, &trace.Error{Code: trace.ErrCodeStorageConflict}) holds
// when any event hit a conflict.
func (e *RejectedEventsError) Unwrap() []error {
	errs := make([]error, len(e.Rejected))
	for i, r := range e.Rejected {
		errs[i] = &trace.Error{
			Code:    r.Code,
			Message: r.Message,
			Entity:  string(r.Kind),
			ID:      r.ID,
		}
	}
	return errs
}
