package sites

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitepipe/internal/database"
	"sitepipe/internal/stage"
)

// Create inserts a new site at the first stage with that stage's total set by
// the caller performing fan-out.
func (s *Store) Create(ctx context.Context, site NewSite) (Record, error) {
	id := strings.TrimSpace(site.ID)
	if id == "" {
		return Record{}, errors.New("create site: id required")
	}
	if site.FirstTotal <= 0 {
		return Record{}, fmt.Errorf("create site %s: first stage total must be positive", id)
	}
	first := stage.First()
	totalCol, _, _, err := counterColumns(first)
	if err != nil {
		return Record{}, err
	}
	now := s.stamp()
	res, err := s.db.Exec(ctx,
		`INSERT INTO site_records (id, current_stage, source, started_at, updated_at, `+totalCol+`)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (id) DO NOTHING`,
		id, string(first), strings.TrimSpace(site.Source), now, now, site.FirstTotal,
	)
	if err != nil {
		return Record{}, fmt.Errorf("create site %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Record{}, fmt.Errorf("create site %s: %w", id, err)
	} else if n == 0 {
		return Record{}, fmt.Errorf("create site %s: %w", id, ErrSiteExists)
	}
	return s.Get(ctx, id)
}

// Get is a point read with no side effects.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.QueryRow(ctx, func(row *sql.Row) error {
		var scanErr error
		rec, scanErr = scanRecord(row)
		return scanErr
	}, `SELECT `+recordColumns+` FROM site_records WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("site %s: %w", id, ErrSiteNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get site %s: %w", id, err)
	}
	return rec, nil
}

// List returns sites ordered by start time.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM site_records`
	var args []any
	if len(filter.Stages) > 0 {
		query += ` WHERE current_stage IN (` + database.MakePlaceholders(len(filter.Stages)) + `)`
		for _, st := range filter.Stages {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY started_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryRecords(ctx, query, args...)
}

// ListActive returns every site whose stage is not terminal.
func (s *Store) ListActive(ctx context.Context) ([]Record, error) {
	placeholders, args := terminalPlaceholders()
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM site_records WHERE current_stage NOT IN (`+placeholders+`) ORDER BY updated_at, id`,
		args...)
}

// ListStale returns active sites not written since cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]Record, error) {
	placeholders, args := terminalPlaceholders()
	args = append(args, database.FormatTime(cutoff))
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM site_records
         WHERE current_stage NOT IN (`+placeholders+`) AND updated_at < ?
         ORDER BY updated_at, id`,
		args...)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Outcomes returns the per-item outcomes recorded for one stage of a site.
func (s *Store) Outcomes(ctx context.Context, siteID string, st stage.Stage) ([]ItemOutcome, error) {
	rows, err := s.db.Query(ctx,
		`SELECT item_key, outcome, diagnostic, delivery_id, recorded_at
         FROM site_outcomes WHERE site_id = ? AND stage = ? ORDER BY item_key`,
		siteID, string(st))
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []ItemOutcome
	for rows.Next() {
		var (
			item       ItemOutcome
			outcome    string
			diagnostic sql.NullString
			delivery   sql.NullString
			recorded   string
		)
		if err := rows.Scan(&item.ItemKey, &outcome, &diagnostic, &delivery, &recorded); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		item.Outcome = Outcome(outcome)
		item.Diagnostic = diagnostic.String
		item.DeliveryID = delivery.String
		item.RecordedAt = database.ParseTime(recorded)
		out = append(out, item)
	}
	return out, rows.Err()
}

// ReportedKeys returns the set of item keys that already reported for a stage.
func (s *Store) ReportedKeys(ctx context.Context, siteID string, st stage.Stage) (map[string]Outcome, error) {
	outcomes, err := s.Outcomes(ctx, siteID, st)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		keys[o.ItemKey] = o.Outcome
	}
	return keys, nil
}
