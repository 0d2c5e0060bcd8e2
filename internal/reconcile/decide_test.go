package reconcile

import (
	"reflect"
	"testing"

	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
)

func record(st stage.Stage, total, completed, failed int, claimed bool) sites.Record {
	return sites.Record{
		ID:                 "s1",
		CurrentStage:       st,
		Revision:           7,
		CoordinatorClaimed: claimed,
		Counters: map[stage.Stage]sites.Counters{
			st: {Total: total, Completed: completed, Failed: failed},
		},
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		obs     Observation
		want    Action
		missing []string
		drift   bool
	}{
		{
			name: "terminal",
			obs:  Observation{Record: sites.Record{ID: "s1", CurrentStage: stage.Completed}, Stale: true},
			want: ActionNone,
		},
		{
			name: "fresh",
			obs:  Observation{Record: record(stage.OCR, 3, 1, 0, false)},
			want: ActionNone,
		},
		{
			name: "stale claim",
			obs:  Observation{Record: record(stage.OCR, 3, 3, 0, true), Stale: true},
			want: ActionReleaseStaleClaim,
		},
		{
			name: "complete but unclaimed",
			obs:  Observation{Record: record(stage.OCR, 3, 2, 1, false), Stale: true},
			want: ActionClaim,
		},
		{
			name: "evidence proves completion",
			obs:  Observation{Record: record(stage.OCR, 3, 2, 0, false), Stale: true, Evidence: 3},
			want: ActionCorrectAndClaim,
		},
		{
			name: "jobs still active",
			obs: Observation{
				Record:     record(stage.OCR, 3, 1, 0, false),
				Stale:      true,
				Evidence:   1,
				Planned:    []string{"a", "b", "c"},
				ActiveJobs: 2,
			},
			want: ActionNone,
		},
		{
			name: "evidence ahead of a running job",
			obs: Observation{
				Record:     record(stage.Fetch, 1, 0, 0, false),
				Stale:      true,
				Evidence:   1,
				ActiveJobs: 1,
			},
			want: ActionNone,
		},
		{
			name: "abandoned items",
			obs: Observation{
				Record:   record(stage.OCR, 3, 1, 0, false),
				Stale:    true,
				Evidence: 1,
				Planned:  []string{"c", "a", "b"},
				Reported: map[string]sites.Outcome{"a": sites.OutcomeSuccess},
			},
			want:    ActionRedispatch,
			missing: []string{"b", "c"},
		},
		{
			name: "plan fully reported",
			obs: Observation{
				Record:   record(stage.OCR, 3, 1, 0, false),
				Stale:    true,
				Planned:  []string{"a"},
				Reported: map[string]sites.Outcome{"a": sites.OutcomeFailure},
			},
			want:  ActionNone,
			drift: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.obs)
			if got.Action != tt.want {
				t.Fatalf("action = %s, want %s (%s)", got.Action, tt.want, got.Reason)
			}
			if tt.missing != nil && !reflect.DeepEqual(got.Missing, tt.missing) {
				t.Fatalf("missing = %v, want %v", got.Missing, tt.missing)
			}
			if got.PlanDrift != tt.drift {
				t.Fatalf("plan drift = %v, want %v", got.PlanDrift, tt.drift)
			}
		})
	}
}

func TestDecideCorrectionClampsCounters(t *testing.T) {
	obs := Observation{Record: record(stage.Extract, 4, 1, 2, false), Stale: true, Evidence: 6}
	got := Decide(obs)
	if got.Action != ActionCorrectAndClaim || got.Correction == nil {
		t.Fatalf("decision = %#v", got)
	}
	c := *got.Correction
	if c.Completed != 4 || c.Failed != 0 || c.ExpectedRevision != 7 || c.Stage != stage.Extract {
		t.Fatalf("correction = %#v", c)
	}
	if c.Completed+c.Failed > 4 {
		t.Fatal("correction exceeds total")
	}
}
