package stage

import "context"

// Item is one unit of stage work for one site. Singleton stages have a single
// item per site; fan-out stages have one per artifact of the previous stage.
type Item struct {
	SiteID string
	Stage  Stage
	Key    string
	Source string
}

// Outcome is what an Implementation reports for one item.
type Outcome struct {
	Success    bool
	Diagnostic string
}

// Succeeded builds a successful Outcome.
func Succeeded() Outcome { return Outcome{Success: true} }

// FailedWith builds a failed Outcome carrying diagnostic.
func FailedWith(diagnostic string) Outcome {
	return Outcome{Success: false, Diagnostic: diagnostic}
}

// Implementation performs the delegated work of a stage for a single item.
// Implementations must tolerate being invoked more than once for the same item.
type Implementation interface {
	Run(ctx context.Context, item Item) Outcome
}

// ImplementationFunc adapts a function to Implementation.
type ImplementationFunc func(ctx context.Context, item Item) Outcome

func (f ImplementationFunc) Run(ctx context.Context, item Item) Outcome {
	return f(ctx, item)
}

// EvidenceSource enumerates the externally visible artifacts a stage produced
// for a site. It is read-only.
type EvidenceSource interface {
	Artifacts(ctx context.Context, siteID string, s Stage) ([]string, error)
}

// EvidenceFunc adapts a function to EvidenceSource.
type EvidenceFunc func(ctx context.Context, siteID string, s Stage) ([]string, error)

func (f EvidenceFunc) Artifacts(ctx context.Context, siteID string, s Stage) ([]string, error) {
	return f(ctx, siteID, s)
}

// HealthChecker is implemented by plugins that can report readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) Health
}
