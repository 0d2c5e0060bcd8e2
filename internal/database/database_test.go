package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sitepipe.db"), 0)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenSQLiteCreatesSchemaOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitepipe.db")
	db, err := OpenSQLite(context.Background(), path, 1000)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if db.Dialect() != SQLite || db.Target() != path {
		t.Fatalf("unexpected dialect/target %s %s", db.Dialect(), db.Target())
	}
	_ = db.Close()

	reopened, err := OpenSQLite(context.Background(), path, 1000)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	var version int
	if err := reopened.QueryRow(context.Background(), func(row *sql.Row) error { return row.Scan(&version) },
		"SELECT version FROM schema_version"); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != SchemaVersion {
		t.Fatalf("version = %d", version)
	}
	result, err := reopened.IntegrityCheck(context.Background())
	if err != nil || result != "ok" {
		t.Fatalf("integrity = %q, %v", result, err)
	}
}

func TestOpenSQLiteRejectsOtherVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitepipe.db")
	db, err := OpenSQLite(context.Background(), path, 0)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if _, err := db.Exec(context.Background(), "UPDATE schema_version SET version = ?", SchemaVersion+1); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = db.Close()

	if _, err := OpenSQLite(context.Background(), path, 0); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	query := "UPDATE t SET a = ?, b = ? WHERE id = ?"
	if got := rebind(SQLite, query); got != query {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
	if got := rebind(Postgres, query); got != "UPDATE t SET a = $1, b = $2 WHERE id = $3" {
		t.Fatalf("postgres rebind = %q", got)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := db.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES (?)", 99); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var count int
	if err := db.QueryRow(ctx, func(row *sql.Row) error { return row.Scan(&count) }, "SELECT COUNT(1) FROM schema_version"); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("rollback failed, rows = %d", count)
	}
}

func TestInsertReturnsID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := FormatTime(time.Now())
	insert := `INSERT INTO dispatch_jobs (delivery_id, kind, site_id, stage, status, max_attempts, available_at, created_at, updated_at)
		VALUES (?, 'item', 's', 'fetch', 'pending', 3, ?, ?, ?)`
	first, err := db.Insert(ctx, insert, "d1", now, now, now)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := db.Insert(ctx, insert, "d2", now, now, now)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if second != first+1 {
		t.Fatalf("ids = %d, %d", first, second)
	}
}

func TestTimeLayoutOrdersLexically(t *testing.T) {
	base := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	a := FormatTime(base)
	b := FormatTime(base.Add(500 * time.Millisecond))
	c := FormatTime(base.Add(time.Second))
	if !(a < b && b < c) {
		t.Fatalf("lexical order broken: %s %s %s", a, b, c)
	}
	if got := ParseTime(b); !got.Equal(base.Add(500 * time.Millisecond)) {
		t.Fatalf("ParseTime = %v", got)
	}
	if !ParseTime("garbage").IsZero() {
		t.Fatal("expected zero time for garbage")
	}
}

func TestIsBusy(t *testing.T) {
	if IsBusy(nil) || IsBusy(errors.New("syntax error")) {
		t.Fatal("non-busy errors classified as busy")
	}
	if !IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatal("expected busy message to be detected")
	}
}

func TestOpenPostgres(t *testing.T) {
	dsn := os.Getenv("SITEPIPE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SITEPIPE_TEST_POSTGRES_DSN not set")
	}
	db, err := OpenPostgres(context.Background(), dsn, 4)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer db.Close()
	if db.Dialect() != Postgres {
		t.Fatalf("dialect = %s", db.Dialect())
	}
	if _, err := db.IntegrityCheck(context.Background()); err != nil {
		t.Fatalf("IntegrityCheck: %v", err)
	}
}
