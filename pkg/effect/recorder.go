// Package effect provides Effect implementations for the engine: an in-memory
// Recorder for tests and local use, and a Webhook that forwards executions to
// an HTTP endpoint.
package effect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/engine"
)

// ErrInjected is the failure a Recorder returns when told to fail.
var ErrInjected = errors.New("injected effect failure")

// Recorder records every dispatched action. It can be told to fail the next
// n dispatches or to block for a delay, honoring ctx.
type Recorder struct {
	mu       sync.Mutex
	actions  []engine.Action
	failNext int
	delay    time.Duration
	calls    int
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// FailNext makes the next n dispatches return ErrInjected.
func (r *Recorder) FailNext(n int) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
	return r
}

// Delay makes each dispatch wait d (or until ctx is done).
func (r *Recorder) Delay(d time.Duration) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
	return r
}

// Dispatch implements engine.Effect.
func (r *Recorder) Dispatch(ctx context.Context, a engine.Action) error {
	r.mu.Lock()
	r.calls++
	delay := r.delay
	fail := r.failNext > 0
	if fail {
		r.failNext--
	}
	r.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		return ErrInjected
	}

	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
	return nil
}

// Actions returns the successfully dispatched actions in order.
func (r *Recorder) Actions() []engine.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Action(nil), r.actions...)
}

// Calls counts every dispatch attempt, failed or not.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Count returns how many actions for (walletID, index) succeeded.
func (r *Recorder) Count(walletID string, index uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.actions {
		if a.WalletID == walletID && a.Index == index {
			n++
		}
	}
	return n
}
