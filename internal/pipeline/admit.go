// Package pipeline admits new sites: it creates the record at the first
// stage and dispatches that stage's items.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"sitepipe/internal/dispatch"
	"sitepipe/internal/logging"
	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
)

// ErrInvalidSiteID rejects identifiers that are not safe as a single path
// segment.
var ErrInvalidSiteID = errors.New("invalid site id")

var siteIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Creator is the part of the site store admission needs.
type Creator interface {
	Create(ctx context.Context, site sites.NewSite) (sites.Record, error)
}

// Admission is the result of admitting one site.
type Admission struct {
	Record     sites.Record
	Dispatched int
}

// Admitter creates sites and dispatches their first stage.
type Admitter struct {
	store      Creator
	planner    *stage.Planner
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
}

// NewAdmitter builds an Admitter.
func NewAdmitter(store Creator, planner *stage.Planner, dispatcher dispatch.Dispatcher, logger *slog.Logger) *Admitter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Admitter{
		store:      store,
		planner:    planner,
		dispatcher: dispatcher,
		logger:     logger.With(logging.String(logging.FieldComponent, "admission")),
	}
}

// ValidateSiteID reports whether id can be used as a site identifier.
func ValidateSiteID(id string) error {
	if !siteIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w %q: use letters, digits, '.', '_' or '-' (max 128)", ErrInvalidSiteID, id)
	}
	return nil
}

// Admit creates the site (generating an id when none is given) and enqueues
// the first stage. Enqueue failures are logged, not returned: the record
// exists and the reconciler re-dispatches unreported items once it goes
// stale.
func (a *Admitter) Admit(ctx context.Context, site sites.NewSite) (Admission, error) {
	site.ID = strings.TrimSpace(site.ID)
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	if err := ValidateSiteID(site.ID); err != nil {
		return Admission{}, err
	}
	site.Source = strings.TrimSpace(site.Source)

	items, err := a.planner.Plan(stage.PlanRequest{SiteID: site.ID, Source: site.Source, Stage: stage.First()})
	if err != nil {
		return Admission{}, fmt.Errorf("plan first stage for %s: %w", site.ID, err)
	}
	site.FirstTotal = len(items)
	rec, err := a.store.Create(ctx, site)
	if err != nil {
		return Admission{}, err
	}

	logger := a.logger.With(logging.String(logging.FieldSiteID, rec.ID))
	admission := Admission{Record: rec}
	for _, item := range items {
		if _, err := a.dispatcher.Enqueue(ctx, dispatch.ItemJob(item)); err != nil {
			logger.Warn("dispatch failed during admission; reconciler will re-dispatch",
				logging.Error(err),
				logging.String(logging.FieldItemKey, item.Key),
				logging.String(logging.FieldEventType, "dispatch_failed"),
			)
			continue
		}
		admission.Dispatched++
	}
	logger.Info("site admitted",
		logging.String(logging.FieldEventType, "site_admitted"),
		logging.String("source", rec.Source),
		logging.Int("items", len(items)),
	)
	return admission, nil
}
