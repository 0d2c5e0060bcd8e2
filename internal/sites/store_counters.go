package sites

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sitepipe/internal/database"
)

// errNotApplied aborts the increment transaction without surfacing an error.
var errNotApplied = errors.New("increment not applied")

// Increment records one item outcome and bumps the matching counter of the
// active stage in a single transaction.
//
// The outcome ledger keyed by (site, stage, item) makes the call idempotent:
// a redelivered or re-dispatched item inserts nothing and counts nothing. The
// counter update is guarded by completed+failed < total, so the active stage
// can never exceed its total. A missing site returns ErrSiteNotFound; a site
// that already left the stage returns ErrStageMismatch.
func (s *Store) Increment(ctx context.Context, inc Increment) (IncrementResult, error) {
	_, completedCol, failedCol, err := counterColumns(inc.Stage)
	if err != nil {
		return IncrementResult{}, err
	}
	key := strings.TrimSpace(inc.ItemKey)
	if key == "" {
		return IncrementResult{}, errors.New("increment: item key required")
	}
	var counterCol string
	switch inc.Outcome {
	case OutcomeSuccess:
		counterCol = completedCol
	case OutcomeFailure:
		counterCol = failedCol
	default:
		return IncrementResult{}, fmt.Errorf("increment: unknown outcome %q", inc.Outcome)
	}

	totalCol := string(inc.Stage) + "_total"
	var result IncrementResult
	err = s.db.InTx(ctx, func(tx *database.Tx) error {
		now := s.stamp()
		res, err := tx.Exec(ctx,
			`INSERT INTO site_outcomes (site_id, stage, item_key, outcome, diagnostic, delivery_id, recorded_at)
             SELECT ?, ?, ?, ?, ?, ?, ?
             WHERE EXISTS (SELECT 1 FROM site_records WHERE id = ? AND current_stage = ?)
             ON CONFLICT (site_id, stage, item_key) DO NOTHING`,
			inc.SiteID, string(inc.Stage), key, string(inc.Outcome),
			database.NullString(inc.Diagnostic), database.NullString(inc.DeliveryID), now,
			inc.SiteID, string(inc.Stage),
		)
		if err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errNotApplied
		}

		update := `UPDATE site_records SET ` + counterCol + ` = ` + counterCol + ` + 1, updated_at = ?, revision = revision + 1`
		args := []any{now}
		if inc.Outcome == OutcomeFailure {
			update += `, last_error_stage = ?, last_error_message = ?, last_error_at = ?`
			args = append(args, string(inc.Stage), failureMessage(key, inc.Diagnostic), now)
		}
		update += ` WHERE id = ? AND current_stage = ? AND ` + completedCol + ` + ` + failedCol + ` < ` + totalCol
		args = append(args, inc.SiteID, string(inc.Stage))

		res, err = tx.Exec(ctx, update, args...)
		if err != nil {
			return fmt.Errorf("increment counter: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errNotApplied
		}

		rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM site_records WHERE id = ?`, inc.SiteID))
		if err != nil {
			return fmt.Errorf("read site after increment: %w", err)
		}
		result = IncrementResult{Record: rec, Applied: true}
		return nil
	})
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, errNotApplied) {
		return IncrementResult{}, fmt.Errorf("increment site %s: %w", inc.SiteID, err)
	}

	rec, err := s.Get(ctx, inc.SiteID)
	if err != nil {
		return IncrementResult{}, err
	}
	if rec.CurrentStage != inc.Stage {
		return IncrementResult{Record: rec}, fmt.Errorf("increment site %s at %s (now %s): %w",
			inc.SiteID, inc.Stage, rec.CurrentStage, ErrStageMismatch)
	}
	return IncrementResult{Record: rec, Applied: false}, nil
}

func failureMessage(itemKey, diagnostic string) string {
	diagnostic = strings.TrimSpace(diagnostic)
	if diagnostic == "" {
		diagnostic = "item failed"
	}
	return itemKey + ": " + diagnostic
}
