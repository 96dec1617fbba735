package device

import (
	"context"
	"sync/atomic"
)

// RetryRecorder counts backend retries attributable to a single request.
// The executor installs one in the context before dispatching batches;
// the retry middleware increments it on every repeated attempt. The count
// surfaces in result diagnostics and feeds the retry budget.
type RetryRecorder struct {
	n atomic.Int64
}

// Add records n additional retry attempts.
func (r *RetryRecorder) Add(n int64) { r.n.Add(n) }

// Count returns the number of retries recorded so far.
func (r *RetryRecorder) Count() int64 { return r.n.Load() }

type retryRecorderKey struct{}

// WithRetryRecorder returns a context carrying a fresh RetryRecorder
// together with the recorder itself.
func WithRetryRecorder(ctx context.Context) (context.Context, *RetryRecorder) {
	recorder := &RetryRecorder{}
	return context.WithValue(ctx, retryRecorderKey{}, recorder), recorder
}

// RetryRecorderFrom extracts the RetryRecorder from the context, or nil
// when none was installed. Callers must tolerate nil; retry accounting is
// optional.
func RetryRecorderFrom(ctx context.Context) *RetryRecorder {
	recorder, _ := ctx.Value(retryRecorderKey{}).(*RetryRecorder)
	return recorder
}
