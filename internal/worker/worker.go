// Package worker provides the cooperative cancellation primitives the spec
// names explicitly: check_abort and fail_on_shutdown. Long-running loops
// (the GC mark/sweep passes, a backup session's chunk digestion) poll these
// every iteration instead of being preemptively interrupted.
//
// Grounded in the context.Context idiom the teacher's orchestrator package
// uses throughout (every long-running loop takes a ctx and checks ctx.Err());
// this package gives that idiom the spec's own names and composes an
// independent "abort requested" signal with process-wide shutdown.
package worker

import (
	"context"
	"errors"
)

// ErrAborted is returned by CheckAbort once Abort has been called.
var ErrAborted = errors.New("worker: aborted")

// ErrShuttingDown is returned by FailOnShutdown once the shutdown context is
// done.
var ErrShuttingDown = errors.New("worker: shutting down")

// Worker is handed to long-running operations (GC, backup session upload
// loops) so they can poll for cancellation without the caller needing to
// preempt a goroutine mid-flight.
type Worker struct {
	abort    chan struct{}
	shutdown context.Context
}

// New returns a Worker whose shutdown deadline is governed by shutdownCtx
// (typically the process's root context, canceled on SIGTERM). A nil
// shutdownCtx disables the shutdown check.
func New(shutdownCtx context.Context) *Worker {
	return &Worker{abort: make(chan struct{}), shutdown: shutdownCtx}
}

// Abort requests cancellation; safe to call multiple times or concurrently
// with CheckAbort.
func (w *Worker) Abort() {
	select {
	case <-w.abort:
	default:
		close(w.abort)
	}
}

// Aborted reports whether Abort has been called, without returning an error.
func (w *Worker) Aborted() bool {
	select {
	case <-w.abort:
		return true
	default:
		return false
	}
}

// CheckAbort returns ErrAborted if Abort has been called, else nil. Call
// this every loop iteration in a long-running scan (spec §5: "poll points
// inside index_mark_used_chunks inner loop and inside sweep").
func (w *Worker) CheckAbort() error {
	if w.Aborted() {
		return ErrAborted
	}
	return nil
}

// FailOnShutdown returns ErrShuttingDown if the worker's shutdown context has
// been canceled, in addition to everything CheckAbort checks.
func (w *Worker) FailOnShutdown() error {
	if err := w.CheckAbort(); err != nil {
		return err
	}
	if w.shutdown == nil {
		return nil
	}
	select {
	case <-w.shutdown.Done():
		return ErrShuttingDown
	default:
		return nil
	}
}
