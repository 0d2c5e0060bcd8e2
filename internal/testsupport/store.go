package testsupport

import (
	"context"
	"testing"

	"sitepipe/internal/config"
	"sitepipe/internal/database"
	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
)

// MustOpenDB opens the database described by cfg (a fresh config when nil)
// and registers cleanup.
func MustOpenDB(t testing.TB, cfg *config.Config) *database.DB {
	t.Helper()
	if cfg == nil {
		cfg = NewConfig(t)
	}
	db, err := database.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// MustOpenStore opens a sites.Store on a fresh SQLite database.
func MustOpenStore(t testing.TB, opts ...sites.Option) *sites.Store {
	t.Helper()
	return sites.New(MustOpenDB(t, nil), opts...)
}

// MustCreateSite inserts a site at the first stage.
func MustCreateSite(t testing.TB, store *sites.Store, id string, firstTotal int) sites.Record {
	t.Helper()
	rec, err := store.Create(context.Background(), sites.NewSite{ID: id, Source: "https://example.test/" + id, FirstTotal: firstTotal})
	if err != nil {
		t.Fatalf("create site %s: %v", id, err)
	}
	return rec
}

// MustSiteAt creates a site and drives it through every earlier stage with
// singleton successes, leaving it at target with the given total and the
// claim free.
func MustSiteAt(t testing.TB, store *sites.Store, id string, target stage.Stage, total int) sites.Record {
	t.Helper()
	ctx := context.Background()
	firstTotal := 1
	if target == stage.First() {
		firstTotal = total
	}
	MustCreateSite(t, store, id, firstTotal)
	current := stage.First()
	for current != target {
		res, err := store.Increment(ctx, sites.Increment{SiteID: id, Stage: current, ItemKey: stage.SingletonKey, Outcome: sites.OutcomeSuccess})
		if err != nil {
			t.Fatalf("increment %s/%s: %v", id, current, err)
		}
		if !res.Record.FanInComplete() {
			t.Fatalf("site %s stage %s not complete after increment", id, current)
		}
		won, err := store.TryClaim(ctx, id, current)
		if err != nil || !won {
			t.Fatalf("claim %s/%s: won=%v err=%v", id, current, won, err)
		}
		next, ok := current.Next()
		if !ok {
			t.Fatalf("stage %s has no successor", current)
		}
		nextTotal := 1
		if next == target {
			nextTotal = total
		}
		if _, err := store.Advance(ctx, sites.Transition{SiteID: id, From: current, To: next, NextTotal: nextTotal}); err != nil {
			t.Fatalf("advance %s %s->%s: %v", id, current, next, err)
		}
		current = next
	}
	rec, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

// MustReport records outcomes for the given keys of the site's stage.
func MustReport(t testing.TB, store *sites.Store, id string, st stage.Stage, outcome sites.Outcome, keys ...string) sites.Record {
	t.Helper()
	var rec sites.Record
	for _, key := range keys {
		res, err := store.Increment(context.Background(), sites.Increment{SiteID: id, Stage: st, ItemKey: key, Outcome: outcome, Diagnostic: "reported " + key})
		if err != nil {
			t.Fatalf("increment %s/%s/%s: %v", id, st, key, err)
		}
		rec = res.Record
	}
	return rec
}

// MustClaim takes the coordinator claim or fails the test.
func MustClaim(t testing.TB, store *sites.Store, id string, st stage.Stage) {
	t.Helper()
	won, err := store.TryClaim(context.Background(), id, st)
	if err != nil || !won {
		t.Fatalf("claim %s/%s: won=%v err=%v", id, st, won, err)
	}
}
