package reconcile

import (
	"sort"

	"sitepipe/internal/sites"
)

// Action is what the reconciler does for one site.
type Action string

const (
	ActionNone              Action = "none"
	ActionReleaseStaleClaim Action = "release_stale_claim"
	ActionClaim             Action = "claim"
	ActionCorrectAndClaim   Action = "correct_and_claim"
	ActionRedispatch        Action = "redispatch"
)

// Observation is everything Decide looks at for one site.
type Observation struct {
	Record sites.Record
	// Stale is true when the record has not been written for longer than the
	// staleness threshold.
	Stale bool
	// Evidence is the number of artifacts the active stage has produced.
	Evidence int
	// Planned lists the item keys the active stage was dispatched with.
	Planned []string
	// Reported holds the item keys that already reported an outcome.
	Reported map[string]sites.Outcome
	// ActiveJobs counts queued or running jobs for the active stage.
	ActiveJobs int
}

// Decision is the outcome of Decide.
type Decision struct {
	Action     Action
	Correction *sites.Correction
	Missing    []string
	Reason     string
	// PlanDrift marks a site whose recomputed plan is fully reported while
	// its counters are not. No automatic repair applies.
	PlanDrift bool
}

// Decide picks the corrective action for a site. It performs no I/O.
func Decide(obs Observation) Decision {
	rec := obs.Record
	switch {
	case rec.Terminal():
		return Decision{Action: ActionNone, Reason: "terminal"}
	case !obs.Stale:
		return Decision{Action: ActionNone, Reason: "recently updated"}
	case rec.CoordinatorClaimed:
		return Decision{Action: ActionReleaseStaleClaim, Reason: "claim held by a coordinator that stopped writing"}
	case rec.FanInComplete():
		return Decision{Action: ActionClaim, Reason: "fan-in complete but never claimed"}
	}

	if obs.ActiveJobs > 0 {
		return Decision{Action: ActionNone, Reason: "jobs still queued or running"}
	}

	counters := rec.Active()
	if counters.Total > 0 && obs.Evidence >= counters.Total {
		completed := min(obs.Evidence, counters.Total)
		failed := min(counters.Failed, counters.Total-completed)
		return Decision{
			Action: ActionCorrectAndClaim,
			Correction: &sites.Correction{
				SiteID:           rec.ID,
				Stage:            rec.CurrentStage,
				Completed:        completed,
				Failed:           failed,
				ExpectedRevision: rec.Revision,
			},
			Reason: "evidence shows the stage finished but reports were lost",
		}
	}
	missing := make([]string, 0, len(obs.Planned))
	for _, key := range obs.Planned {
		if _, ok := obs.Reported[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	if len(missing) == 0 {
		return Decision{Action: ActionNone, PlanDrift: true, Reason: "every planned item reported; counters disagree with plan"}
	}
	return Decision{Action: ActionRedispatch, Missing: missing, Reason: "items never reported and no jobs active"}
}
