package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("not found")

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Each new connection to ":memory:" is a fresh database.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

// connPragmas are applied by the driver to every pooled connection. Writers
// wait up to busyTimeoutMS for the lock instead of failing with SQLITE_BUSY.
const busyTimeoutMS = 5000

var connPragmas = []string{
	fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS),
	"foreign_keys(1)",
}

// withPragmas turns a file path into a URI carrying connPragmas. In-memory
// databases use a single connection and get their pragmas from InitDB.
func withPragmas(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range connPragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}
	return dsn
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contracts (
			contract_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			service_type TEXT NOT NULL,
			agreed_rate TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT NOT NULL,
			seq INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contracts_key ON contracts(customer_id, service_type)`,

		`CREATE TABLE IF NOT EXISTS billing_records (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			invoice_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			service_type TEXT NOT NULL,
			billed_rate TEXT NOT NULL,
			usage_quantity TEXT NOT NULL,
			total_charge TEXT NOT NULL,
			date TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_key ON billing_records(customer_id, service_type)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_invoice ON billing_records(invoice_id)`,

		`CREATE TABLE IF NOT EXISTS usage_logs (
			log_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			service_type TEXT NOT NULL,
			recorded_usage TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			seq INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_key ON usage_logs(customer_id, service_type)`,

		`CREATE TABLE IF NOT EXISTS provisioning (
			provision_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			service_type TEXT NOT NULL,
			provisioned_level TEXT NOT NULL,
			status TEXT NOT NULL,
			seq INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provisioning_status ON provisioning(status)`,

		`CREATE TABLE IF NOT EXISTS ingested_files (
			id TEXT PRIMARY KEY,
			dataset TEXT NOT NULL,
			format TEXT NOT NULL,
			file_hash TEXT UNIQUE NOT NULL,
			record_count INTEGER NOT NULL,
			ingested_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS audit_runs (
			id TEXT PRIMARY KEY,
			customer_filter TEXT NOT NULL DEFAULT '',
			service_filter TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			outcomes TEXT NOT NULL,
			warnings TEXT NOT NULL,
			finding_count INTEGER NOT NULL,
			total_impact TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_runs_started ON audit_runs(started_at)`,

		`CREATE TABLE IF NOT EXISTS findings (
			run_id TEXT NOT NULL,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			service_type TEXT NOT NULL,
			source_ids TEXT NOT NULL,
			financial_impact TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			detail TEXT NOT NULL,
			detected_at TEXT NOT NULL,
			PRIMARY KEY (run_id, id),
			FOREIGN KEY (run_id) REFERENCES audit_runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_kind ON findings(run_id, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(run_id, severity)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_customer ON findings(run_id, customer_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}

// --- column helpers ---

func formatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Pagination is shared by every list query. Zero values mean page 1 of 50.
type Pagination struct {
	Page  int
	Limit int
}

func (p Pagination) normalise() (limit, offset int) {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	return p.Limit, (p.Page - 1) * p.Limit
}

func scanGroupCount(ctx context.Context, db *sql.DB, query string, m map[string]int, args ...any) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v int
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		m[k] = v
	}
	return rows.Err()
}
