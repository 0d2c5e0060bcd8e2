package dispatch_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"sitepipe/internal/dispatch"
	"sitepipe/internal/testsupport"
)

func TestRunOnceSettlesJobs(t *testing.T) {
	clock := testsupport.NewClock(epoch)
	q := newQueue(t, clock, 3)
	ctx := context.Background()

	tests := []struct {
		name    string
		handler dispatch.HandlerFunc
		want    dispatch.Status
	}{
		{"success", func(context.Context, dispatch.Job) error { return nil }, dispatch.StatusDone},
		{"transient", func(context.Context, dispatch.Job) error { return errors.New("flaky") }, dispatch.StatusPending},
		{"permanent", func(context.Context, dispatch.Job) error { return dispatch.Permanent(errors.New("nope")) }, dispatch.StatusDead},
		{"panic", func(context.Context, dispatch.Job) error { panic("kaboom") }, dispatch.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := q.Enqueue(ctx, itemJob("site-"+tt.name, "p1"))
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			pool := dispatch.NewPool(q, tt.handler, dispatch.PoolConfig{Workers: 1}, nil)
			processed, err := pool.RunOnce(ctx, "w")
			if err != nil || !processed {
				t.Fatalf("RunOnce: %v %v", processed, err)
			}
			job, err := q.Get(ctx, h.JobID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if job.Status != tt.want {
				t.Fatalf("status = %s, want %s (last error %q)", job.Status, tt.want, job.LastError)
			}
			if tt.name == "panic" && job.LastError == "" {
				t.Fatal("panic should be recorded as the job error")
			}
		})
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	q := newQueue(t, testsupport.NewClock(epoch), 3)
	pool := dispatch.NewPool(q, nil, dispatch.PoolConfig{}, nil)
	processed, err := pool.RunOnce(context.Background(), "w")
	if err != nil || processed {
		t.Fatalf("RunOnce on empty queue: %v %v", processed, err)
	}
}

func TestPoolRunProcessesUntilCancelled(t *testing.T) {
	q := testsupport.MustOpenQueue(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const jobs = 8
	var handled atomic.Int32
	done := make(chan struct{})
	handler := dispatch.HandlerFunc(func(context.Context, dispatch.Job) error {
		if handled.Add(1) == jobs {
			close(done)
		}
		return nil
	})
	for i := 0; i < jobs; i++ {
		if _, err := q.Enqueue(ctx, itemJob("s1", string(rune('a'+i)))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	pool := dispatch.NewPool(q, handler, dispatch.PoolConfig{
		Workers:           3,
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		LeaseTimeout:      time.Minute,
	}, nil, dispatch.WithOwner("test"))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("handled %d of %d jobs before timeout", handled.Load(), jobs)
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[dispatch.StatusDone] != jobs {
		t.Fatalf("stats = %#v", stats)
	}
}
