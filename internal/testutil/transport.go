package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/steptrace/internal/trace"
)

// RecordingTransport is an in-memory batch transport for tests.
//
// It records every delivered batch, can be told to fail the next calls with
// given errors, and can hold deliveries open to exercise in-flight guards.
type RecordingTransport struct {
	mu       sync.Mutex
	batches  [][]trace.Event
	failures []error
	calls    int
	gate     chan struct{}
	entered  chan struct{}
}

// NewRecordingTransport creates an empty recording transport.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{}
}

// Deliver records the batch or returns the next queued failure.
func (t *RecordingTransport) Deliver(ctx context.Context, events []trace.Event) error {
	t.mu.Lock()
	t.calls++
	gate, entered := t.gate, t.entered
	t.mu.Unlock()

	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		if err != nil {
			return err
		}
	}
	t.batches = append(t.batches, slices.Clone(events))
	return nil
}

// FailNext makes the next len(errs) deliveries return errs in order.
// A nil entry lets that delivery succeed.
func (t *RecordingTransport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, errs...)
}

// Hold makes deliveries block until release is called. entered receives a
// value when a delivery starts waiting.
func (t *RecordingTransport) Hold() (entered <-chan struct{}, release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gate := make(chan struct{})
	t.gate = gate
	t.entered = make(chan struct{}, 1)

	var once sync.Once
	return t.entered, func() {
		once.Do(func() {
			t.mu.Lock()
			t.gate = nil
			t.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns the number of Deliver calls, failed ones included.
func (t *RecordingTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Batches returns the successfully delivered batches.
func (t *RecordingTransport) Batches() [][]trace.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.batches)
}

// Events returns every successfully delivered event in delivery order.
func (t *RecordingTransport) Events() []trace.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Concat(t.batches...)
}
