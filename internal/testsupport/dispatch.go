package testsupport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"sitepipe/internal/database"
	"sitepipe/internal/dispatch"
)

// MustOpenQueue wraps db (a fresh database when nil) in a dispatch.Queue.
func MustOpenQueue(t testing.TB, db *database.DB, opts ...dispatch.QueueOption) *dispatch.Queue {
	t.Helper()
	if db == nil {
		db = MustOpenDB(t, nil)
	}
	return dispatch.NewQueue(db, opts...)
}

// RecordingDispatcher captures enqueued jobs in memory.
type RecordingDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	err  error
	next int64
}

// Enqueue records job, or returns the configured failure.
func (r *RecordingDispatcher) Enqueue(_ context.Context, job dispatch.Job) (dispatch.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return dispatch.Handle{}, r.err
	}
	r.next++
	job.ID = r.next
	r.jobs = append(r.jobs, job)
	return dispatch.Handle{JobID: r.next, DeliveryID: job.DeliveryID}, nil
}

// Fail makes subsequent Enqueue calls return err (nil restores success).
func (r *RecordingDispatcher) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Jobs returns a copy of everything enqueued so far.
func (r *RecordingDispatcher) Jobs() []dispatch.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dispatch.Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

// Reset forgets recorded jobs.
func (r *RecordingDispatcher) Reset() {
	r.mu.Lock()
	r.jobs = nil
	r.mu.Unlock()
}

// ErrEnqueue is a canned dispatcher failure.
var ErrEnqueue = errors.New("dispatcher unavailable")
