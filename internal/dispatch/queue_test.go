package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sitepipe/internal/dispatch"
	"sitepipe/internal/stage"
	"sitepipe/internal/testsupport"
)

var epoch = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func newQueue(t *testing.T, clock *testsupport.Clock, maxAttempts int) *dispatch.Queue {
	t.Helper()
	return testsupport.MustOpenQueue(t, nil,
		dispatch.WithClock(clock.Now),
		dispatch.WithRetryPolicy(maxAttempts, time.Second, 4*time.Second),
	)
}

func itemJob(site, key string) dispatch.Job {
	return dispatch.ItemJob(stage.Item{SiteID: site, Stage: stage.OCR, Key: key, Source: "src"})
}

func TestEnqueueValidates(t *testing.T) {
	q := newQueue(t, testsupport.NewClock(epoch), 3)
	ctx := context.Background()
	cases := []dispatch.Job{
		{Kind: dispatch.KindItem, Stage: stage.OCR, ItemKey: "k"},
		{Kind: dispatch.KindItem, SiteID: "s", Stage: stage.OCR},
		{Kind: "other", SiteID: "s", Stage: stage.OCR},
		{Kind: dispatch.KindCoordinate, SiteID: "s", Stage: stage.Completed},
	}
	for i, job := range cases {
		if _, err := q.Enqueue(ctx, job); err == nil {
			t.Fatalf("case %d: expected error for %#v", i, job)
		}
	}
}

func TestEnqueueLeaseComplete(t *testing.T) {
	clock := testsupport.NewClock(epoch)
	q := newQueue(t, clock, 3)
	ctx := context.Background()

	h, err := q.Enqueue(ctx, itemJob("s1", "p1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if h.JobID == 0 || h.DeliveryID == "" {
		t.Fatalf("unexpected handle %#v", h)
	}

	job, err := q.Lease(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("Lease: %v %v", job, err)
	}
	if job.ID != h.JobID || job.Status != dispatch.StatusRunning || job.Attempts != 1 || job.LeaseOwner != "w1" {
		t.Fatalf("unexpected leased job %#v", job)
	}
	if item := job.Item(); item.Key != "p1" || item.Source != "src" || item.Stage != stage.OCR {
		t.Fatalf("item = %#v", item)
	}
	if again, err := q.Lease(ctx, "w2"); err != nil || again != nil {
		t.Fatalf("second lease got %v, %v", again, err)
	}
	if err := q.Complete(ctx, job.ID, "w2"); !errors.Is(err, dispatch.ErrLeaseLost) {
		t.Fatalf("complete by non-owner: %v", err)
	}
	if err := q.Complete(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil || stats[dispatch.StatusDone] != 1 {
		t.Fatalf("stats = %#v, %v", stats, err)
	}
}

func TestLeaseOrderAndAvailability(t *testing.T) {
	clock := testsupport.NewClock(epoch)
	q := newQueue(t, clock, 3)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		if _, err := q.Enqueue(ctx, itemJob("s1", key)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		clock.Advance(time.Millisecond)
	}
	first, _ := q.Lease(ctx, "w")
	if first == nil || first.ItemKey != "a" {
		t.Fatalf("expected oldest job first, got %#v", first)
	}
	status, err := q.Retry(ctx, first.ID, "w", errors.New("boom"))
	if err != nil || status != dispatch.StatusPending {
		t.Fatalf("Retry: %v %v", status, err)
	}

	second, _ := q.Lease(ctx, "w")
	if second == nil || second.ItemKey != "b" {
		t.Fatalf("retried job should wait for its delay, got %#v", second)
	}
	if none, _ := q.Lease(ctx, "w"); none != nil {
		t.Fatalf("nothing should be available yet, got %#v", none)
	}
	clock.Advance(time.Second)
	again, _ := q.Lease(ctx, "w")
	if again == nil || again.ID != first.ID || again.Attempts != 2 || again.LastError != "boom" {
		t.Fatalf("unexpected retried job %#v", again)
	}
}

func TestRetryBackoffAndDeadLetter(t *testing.T) {
	clock := testsupport.NewClock(epoch)
	q := newQueue(t, clock, 3)
	ctx := context.Background()
	h, _ := q.Enqueue(ctx, itemJob("s1", "p1"))

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for i, delay := range wantDelays {
		job, _ := q.Lease(ctx, "w")
		if job == nil {
			t.Fatalf("attempt %d: no job", i+1)
		}
		status, err := q.Retry(ctx, job.ID, "w", fmt.Errorf("attempt %d", i+1))
		if err != nil || status != dispatch.StatusPending {
			t.Fatalf("attempt %d: %v %v", i+1, status, err)
		}
		stored, _ := q.Get(ctx, h.JobID)
		if got := stored.AvailableAt.Sub(clock.Now()); got != delay {
			t.Fatalf("attempt %d delay = %v, want %v", i+1, got, delay)
		}
		clock.Advance(delay)
	}

	job, _ := q.Lease(ctx, "w")
	status, err := q.Retry(ctx, job.ID, "w", errors.New("final"))
	if err != nil || status != dispatch.StatusDead {
		t.Fatalf("exhausted retry: %v %v", status, err)
	}
}

func TestPermanentErrorGoesStraightToDead(t *testing.T) {
	q := newQueue(t, testsupport.NewClock(epoch), 5)
	ctx := context.Background()
	q.Enqueue(ctx, itemJob("s1", "p1"))
	job, _ := q.Lease(ctx, "w")
	status, err := q.Retry(ctx, job.ID, "w", dispatch.Permanent(errors.New("site gone")))
	if err != nil || status != dispatch.StatusDead {
		t.Fatalf("Retry permanent: %v %v", status, err)
	}
	if !dispatch.IsPermanent(fmt.Errorf("wrapped: %w", dispatch.Permanent(errors.New("x")))) {
		t.Fatal("IsPermanent should see through wrapping")
	}
	if dispatch.Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

func TestHeartbeatAndReclaim(t *testing.T) {
	clock := testsupport.NewClock(epoch)
	q := newQueue(t, clock, 3)
	ctx := context.Background()
	q.Enqueue(ctx, itemJob("s1", "p1"))
	job, _ := q.Lease(ctx, "w1")

	clock.Advance(30 * time.Second)
	if err := q.Heartbeat(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if n, err := q.ReclaimStale(ctx, clock.Now().Add(-time.Minute)); err != nil || n != 0 {
		t.Fatalf("fresh lease reclaimed: %d %v", n, err)
	}
	clock.Advance(2 * time.Minute)
	if n, err := q.ReclaimStale(ctx, clock.Now().Add(-time.Minute)); err != nil || n != 1 {
		t.Fatalf("stale lease not reclaimed: %d %v", n, err)
	}
	if err := q.Heartbeat(ctx, job.ID, "w1"); !errors.Is(err, dispatch.ErrLeaseLost) {
		t.Fatalf("heartbeat after reclaim: %v", err)
	}
	again, _ := q.Lease(ctx, "w2")
	if again == nil || again.ID != job.ID || again.Attempts != 2 {
		t.Fatalf("reclaimed job not re-leased: %#v", again)
	}
}

func TestActiveForAndPurge(t *testing.T) {
	clock := testsupport.NewClock(epoch)
	q := newQueue(t, clock, 3)
	ctx := context.Background()
	q.Enqueue(ctx, itemJob("s1", "p1"))
	q.Enqueue(ctx, itemJob("s1", "p2"))
	q.Enqueue(ctx, itemJob("s2", "p1"))

	if n, err := q.ActiveFor(ctx, "s1", stage.OCR); err != nil || n != 2 {
		t.Fatalf("ActiveFor = %d, %v", n, err)
	}
	for i := 0; i < 3; i++ {
		job, _ := q.Lease(ctx, "w")
		if err := q.Complete(ctx, job.ID, "w"); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	if n, _ := q.ActiveFor(ctx, "s1", stage.OCR); n != 0 {
		t.Fatalf("ActiveFor after completion = %d", n)
	}
	jobs, err := q.ListForSite(ctx, "s1")
	if err != nil || len(jobs) != 2 {
		t.Fatalf("ListForSite = %d, %v", len(jobs), err)
	}

	clock.Advance(time.Hour)
	if n, err := q.PurgeDone(ctx, clock.Now().Add(-time.Minute)); err != nil || n != 3 {
		t.Fatalf("PurgeDone = %d, %v", n, err)
	}
}

func TestConcurrentLeasesNeverShareAJob(t *testing.T) {
	q := newQueue(t, testsupport.NewClock(epoch), 3)
	ctx := context.Background()
	const jobs = 30
	for i := 0; i < jobs; i++ {
		if _, err := q.Enqueue(ctx, itemJob("s1", fmt.Sprintf("p%02d", i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]string)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				job, err := q.Lease(ctx, owner)
				if err != nil {
					t.Errorf("Lease: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[job.ID]; dup {
					t.Errorf("job %d leased by %s and %s", job.ID, prev, owner)
				}
				seen[job.ID] = owner
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	// a worker that kept losing races may stop early; drain what is left
	for {
		job, err := q.Lease(ctx, "drain")
		if err != nil {
			t.Fatalf("drain lease: %v", err)
		}
		if job == nil {
			break
		}
		if prev, dup := seen[job.ID]; dup {
			t.Fatalf("job %d leased by %s and drain", job.ID, prev)
		}
		seen[job.ID] = "drain"
	}
	if len(seen) != jobs {
		t.Fatalf("leased %d jobs, want %d", len(seen), jobs)
	}
}
