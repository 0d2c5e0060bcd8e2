package status_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
	"sitepipe/internal/status"
	"sitepipe/internal/testsupport"
)

func TestSiteStatusDerivesStateAndPercent(t *testing.T) {
	clock := testsupport.NewClock(time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC))
	store := testsupport.MustOpenStore(t, sites.WithClock(clock.Now))
	ctx := context.Background()
	svc := status.NewService(store, 10*time.Minute, status.WithClock(clock.Now))

	testsupport.MustSiteAt(t, store, "s1", stage.OCR, 4)
	testsupport.MustReport(t, store, "s1", stage.OCR, sites.OutcomeSuccess, "p1")
	testsupport.MustReport(t, store, "s1", stage.OCR, sites.OutcomeFailure, "p2")

	got, err := svc.Site(ctx, "s1")
	if err != nil {
		t.Fatalf("Site: %v", err)
	}
	if got.Stage != stage.OCR || got.State != status.StateAdvancing || got.Percent != 50 {
		t.Fatalf("status = %#v", got)
	}
	if len(got.Counters) != 2 || got.Counters[1].Stage != stage.OCR || got.Counters[1].Failed != 1 {
		t.Fatalf("counters = %#v", got.Counters)
	}
	if got.LastErrorStage != stage.OCR || got.LastErrorAt == nil {
		t.Fatalf("error fields = %#v", got)
	}

	clock.Advance(11 * time.Minute)
	got, _ = svc.Site(ctx, "s1")
	if got.State != status.StateStalled {
		t.Fatalf("state = %s, want stalled", got.State)
	}
	if _, err := svc.Site(ctx, "missing"); !errors.Is(err, sites.ErrSiteNotFound) {
		t.Fatalf("expected ErrSiteNotFound, got %v", err)
	}
}

func TestSummaryAndListing(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	ctx := context.Background()
	svc := status.NewService(store, time.Hour)

	testsupport.MustSiteAt(t, store, "a", stage.Fetch, 1)
	testsupport.MustSiteAt(t, store, "b", stage.Compile, 1)
	testsupport.MustSiteAt(t, store, "c", stage.Fetch, 1)
	if _, err := store.MarkFailed(ctx, "c", stage.Fetch, "source unreachable"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	summary, err := svc.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Total != 3 || summary.ByStage[stage.Fetch] != 1 || summary.ByStage[stage.Failed] != 1 {
		t.Fatalf("summary = %#v", summary)
	}
	if summary.ByState[status.StateAdvancing] != 2 || summary.ByState[status.StateFailed] != 1 {
		t.Fatalf("states = %#v", summary.ByState)
	}

	failed, err := svc.All(ctx, sites.ListFilter{Stages: []stage.Stage{stage.Failed}})
	if err != nil || len(failed) != 1 || failed[0].State != status.StateFailed || failed[0].LastErrorMessage != "source unreachable" {
		t.Fatalf("failed listing = %#v, %v", failed, err)
	}

	before, _ := store.Get(ctx, "b")
	if _, err := svc.All(ctx, sites.ListFilter{}); err != nil {
		t.Fatalf("All: %v", err)
	}
	after, _ := store.Get(ctx, "b")
	if after.Revision != before.Revision {
		t.Fatal("status read mutated the record")
	}
}
