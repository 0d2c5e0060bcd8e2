package sites

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sitepipe/internal/stage"
)

// Advance performs the stage transition in one conditional write: the site
// must still be in From with the claim held. The next stage's counters are
// initialised, the claim is reset, and stale error fields are cleared.
func (s *Store) Advance(ctx context.Context, t Transition) (Record, error) {
	next, ok := t.From.Next()
	if !ok || next != t.To {
		return Record{}, fmt.Errorf("advance site %s: %s cannot follow %s", t.SiteID, t.To, t.From)
	}

	query := `UPDATE site_records
         SET current_stage = ?, coordinator_claimed = 0,
             last_error_stage = NULL, last_error_message = NULL, last_error_at = NULL,
             updated_at = ?, revision = revision + 1`
	args := []any{string(t.To), s.stamp()}
	if t.To != stage.Completed {
		if t.NextTotal <= 0 {
			return Record{}, fmt.Errorf("advance site %s to %s: next total must be positive", t.SiteID, t.To)
		}
		totalCol, completedCol, failedCol, err := counterColumns(t.To)
		if err != nil {
			return Record{}, err
		}
		query += `, ` + totalCol + ` = ?, ` + completedCol + ` = 0, ` + failedCol + ` = 0`
		args = append(args, t.NextTotal)
	}
	query += ` WHERE id = ? AND current_stage = ? AND coordinator_claimed = 1`
	args = append(args, t.SiteID, string(t.From))

	res, err := s.db.Exec(ctx, query, args...)
	applied, err := affectedOne(res, err, "advance site", t.SiteID)
	if err != nil {
		return Record{}, err
	}
	if !applied {
		return Record{}, s.explainMiss(ctx, t.SiteID, t.From, ErrClaimLost)
	}
	return s.Get(ctx, t.SiteID)
}

// MarkFailed moves a site from the given stage to the terminal failed stage,
// recording diagnostics. No next-stage counters are touched.
func (s *Store) MarkFailed(ctx context.Context, siteID string, from stage.Stage, message string) (Record, error) {
	if from.IsTerminal() {
		return Record{}, fmt.Errorf("mark site %s failed: already terminal", siteID)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "stage failed"
	}
	now := s.stamp()
	res, err := s.db.Exec(ctx,
		`UPDATE site_records
         SET current_stage = ?, coordinator_claimed = 0,
             last_error_stage = ?, last_error_message = ?, last_error_at = ?,
             updated_at = ?, revision = revision + 1
         WHERE id = ? AND current_stage = ?`,
		string(stage.Failed), string(from), message, now, now, siteID, string(from),
	)
	applied, err := affectedOne(res, err, "mark site failed", siteID)
	if err != nil {
		return Record{}, err
	}
	if !applied {
		return Record{}, s.explainMiss(ctx, siteID, from, ErrStageMismatch)
	}
	return s.Get(ctx, siteID)
}

// Reconcile applies a corrective counter write derived from evidence. It only
// succeeds if nobody wrote the record since it was read (revision match), the
// claim is free, and the corrected counters fit the stage total. Two
// overlapping sweeps therefore cannot both correct the same site.
func (s *Store) Reconcile(ctx context.Context, c Correction) (Record, error) {
	totalCol, completedCol, failedCol, err := counterColumns(c.Stage)
	if err != nil {
		return Record{}, err
	}
	if c.Completed < 0 || c.Failed < 0 {
		return Record{}, fmt.Errorf("reconcile site %s: negative counters", c.SiteID)
	}
	res, err := s.db.Exec(ctx,
		`UPDATE site_records
         SET `+completedCol+` = ?, `+failedCol+` = ?, updated_at = ?, revision = revision + 1
         WHERE id = ? AND current_stage = ? AND coordinator_claimed = 0 AND revision = ?
           AND `+totalCol+` >= ?`,
		c.Completed, c.Failed, s.stamp(), c.SiteID, string(c.Stage), c.ExpectedRevision, c.Completed+c.Failed,
	)
	applied, err := affectedOne(res, err, "reconcile site", c.SiteID)
	if err != nil {
		return Record{}, err
	}
	if !applied {
		return Record{}, s.explainMiss(ctx, c.SiteID, c.Stage, ErrRecordChanged)
	}
	return s.Get(ctx, c.SiteID)
}

// explainMiss turns a zero-row conditional write into the most specific error.
func (s *Store) explainMiss(ctx context.Context, siteID string, expected stage.Stage, fallback error) error {
	rec, err := s.Get(ctx, siteID)
	if err != nil {
		if errors.Is(err, ErrSiteNotFound) {
			return err
		}
		return fmt.Errorf("%w (re-read failed: %v)", fallback, err)
	}
	if rec.CurrentStage != expected {
		return fmt.Errorf("site %s is at %s, expected %s: %w", siteID, rec.CurrentStage, expected, ErrStageMismatch)
	}
	return fmt.Errorf("site %s: %w", siteID, fallback)
}
