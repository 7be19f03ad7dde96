package pva

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pvalab/pva/pva_errors"
	"github.com/pvalab/pva/pvdata"
)

// Result is the terminal outcome of an operation: either a value with
// the name of the peer that produced it, or an error.
type Result struct {
	val  *pvdata.Value
	peer string
	err  error
}

func (r Result) Err() error { return r.err }

func (r Result) Value() *pvdata.Value { return r.val }

func (r Result) Peer() string { return r.peer }

// RemoteError carries a non-success status returned by the peer.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "pva: remote error: " + e.Msg }

// Disconnected marks an operation failed because its connection was lost
// after the execution request had been sent; server side effects may or
// may not have occurred.
type Disconnected struct {
	When time.Time
}

func (e *Disconnected) Error() string { return "pva: disconnected" }

// BuilderFailed wraps an error (or recovered panic) from a user PUT
// builder.
type BuilderFailed struct {
	Err error
}

func (e *BuilderFailed) Error() string { return fmt.Sprintf("pva: put builder failed: %v", e.Err) }
func (e *BuilderFailed) Unwrap() error { return e.Err }

// resultWaiter bridges a worker-side completion to a blocked user
// thread. First complete() wins; interrupt delivers ErrInterrupted.
type resultWaiter struct {
	mu       sync.Mutex
	done     chan struct{}
	result   Result
	finished bool
}

func newResultWaiter() *resultWaiter {
	return &resultWaiter{done: make(chan struct{})}
}

func (w *resultWaiter) complete(r Result, interrupt bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return
	}
	w.finished = true
	if interrupt {
		w.result = Result{err: pva_errors.ErrInterrupted}
	} else {
		w.result = r
	}
	close(w.done)
}

func (w *resultWaiter) wait(ctx context.Context) (Result, error) {
	select {
	case <-w.done:
		return w.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
