package sites

import (
	"database/sql"
	"fmt"
	"strings"

	"sitepipe/internal/database"
	"sitepipe/internal/stage"
)

var recordColumns = buildRecordColumns()

func buildRecordColumns() string {
	cols := []string{"id", "current_stage", "source", "started_at", "updated_at", "revision"}
	for _, s := range stage.Pipeline() {
		cols = append(cols, string(s)+"_total", string(s)+"_completed", string(s)+"_failed")
	}
	cols = append(cols, "coordinator_claimed", "last_error_stage", "last_error_message", "last_error_at")
	return strings.Join(cols, ", ")
}

// counterColumns returns the column names of a working stage's triple. The
// names are interpolated into SQL, so only pipeline stages are accepted.
func counterColumns(s stage.Stage) (total, completed, failed string, err error) {
	if s.Index() < 0 {
		return "", "", "", fmt.Errorf("stage %q has no counters", s)
	}
	name := string(s)
	return name + "_total", name + "_completed", name + "_failed", nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (Record, error) {
	var (
		rec        Record
		current    string
		startedRaw string
		updatedRaw string
		claimed    int
		errStage   sql.NullString
		errMessage sql.NullString
		errAt      sql.NullString
	)
	pipeline := stage.Pipeline()
	triples := make([]Counters, len(pipeline))

	dest := []any{&rec.ID, &current, &rec.Source, &startedRaw, &updatedRaw, &rec.Revision}
	for i := range triples {
		dest = append(dest, &triples[i].Total, &triples[i].Completed, &triples[i].Failed)
	}
	dest = append(dest, &claimed, &errStage, &errMessage, &errAt)

	if err := scanner.Scan(dest...); err != nil {
		return Record{}, err
	}

	rec.CurrentStage = stage.Stage(current)
	rec.StartedAt = database.ParseTime(startedRaw)
	rec.UpdatedAt = database.ParseTime(updatedRaw)
	rec.CoordinatorClaimed = claimed != 0
	rec.Counters = make(map[stage.Stage]Counters, len(pipeline))
	for i, s := range pipeline {
		rec.Counters[s] = triples[i]
	}
	if errStage.Valid {
		rec.LastErrorStage = stage.Stage(errStage.String)
	}
	if errMessage.Valid {
		rec.LastErrorMessage = errMessage.String
	}
	rec.LastErrorAt = database.ParseNullTime(errAt)
	return rec, nil
}

func terminalPlaceholders() (string, []any) {
	return "?, ?", []any{string(stage.Completed), string(stage.Failed)}
}
