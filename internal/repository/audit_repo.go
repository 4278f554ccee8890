package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/leakwatch/auditor/internal/domain"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const auditRunCols = `id, customer_filter, service_filter, started_at, finished_at,
	outcomes, warnings, finding_count, total_impact`

type AuditRunRepo struct {
	db *sql.DB
}

func NewAuditRunRepo(db *sql.DB) *AuditRunRepo {
	return &AuditRunRepo{db: db}
}

// Save writes a run and its findings in one transaction.
func (r *AuditRunRepo) Save(ctx context.Context, run *domain.AuditRun, findings []domain.Finding) error {
	outcomes, err := json.Marshal(run.Outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	warnings := run.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warnJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_runs
		(id, customer_filter, service_filter, started_at, finished_at,
		 outcomes, warnings, finding_count, total_impact)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.CustomerFilter, run.ServiceFilter,
		formatTimestamp(run.StartedAt), formatTimestamp(run.FinishedAt),
		string(outcomes), string(warnJSON), run.FindingCount, run.TotalImpact.String(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if _, err := insertFindings(ctx, tx, findings); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *AuditRunRepo) GetByID(ctx context.Context, id string) (*domain.AuditRun, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+auditRunCols+" FROM audit_runs WHERE id = ?", id)
	return scanAuditRun(row)
}

// Latest returns the most recently started run.
func (r *AuditRunRepo) Latest(ctx context.Context) (*domain.AuditRun, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+auditRunCols+" FROM audit_runs ORDER BY started_at DESC, rowid DESC LIMIT 1")
	return scanAuditRun(row)
}

// List returns runs newest first.
func (r *AuditRunRepo) List(ctx context.Context, p Pagination) ([]domain.AuditRun, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_runs").Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := p.normalise()
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+auditRunCols+" FROM audit_runs ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []domain.AuditRun
	for rows.Next() {
		run, err := scanAuditRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *run)
	}
	return runs, total, rows.Err()
}

// Delete removes a run; its findings go with it.
func (r *AuditRunRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM audit_runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditRun(row rowScanner) (*domain.AuditRun, error) {
	var run domain.AuditRun
	var started, finished, outcomes, warnings, impact string

	err := row.Scan(
		&run.ID, &run.CustomerFilter, &run.ServiceFilter, &started, &finished,
		&outcomes, &warnings, &run.FindingCount, &impact,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if run.StartedAt, err = parseTimestamp(started); err != nil {
		return nil, fmt.Errorf("run %s started_at: %w", run.ID, err)
	}
	if run.FinishedAt, err = parseTimestamp(finished); err != nil {
		return nil, fmt.Errorf("run %s finished_at: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(outcomes), &run.Outcomes); err != nil {
		return nil, fmt.Errorf("run %s outcomes: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(warnings), &run.Warnings); err != nil {
		return nil, fmt.Errorf("run %s warnings: %w", run.ID, err)
	}
	if run.TotalImpact, err = parseDecimal(impact); err != nil {
		return nil, fmt.Errorf("run %s impact: %w", run.ID, err)
	}
	return &run, nil
}

// --- ingested files ---

type IngestedFile struct {
	ID          string `json:"id"`
	Dataset     string `json:"dataset"`
	Format      string `json:"format"`
	FileHash    string `json:"file_hash"`
	RecordCount int    `json:"record_count"`
	IngestedAt  string `json:"ingested_at"`
}

type IngestedFileRepo struct {
	db *sql.DB
}

func NewIngestedFileRepo(db *sql.DB) *IngestedFileRepo {
	return &IngestedFileRepo{db: db}
}

// ExistsByHash checks whether a file with the given content hash has
// already been ingested.
func (r *IngestedFileRepo) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ingested_files WHERE file_hash = ?", hash,
	).Scan(&n)
	return n > 0, err
}

// Record runs write and inserts f in a single transaction, so the records of
// a file and its hash are stored together or not at all. A second file with
// the same hash fails on the unique index and rolls write back.
func (r *IngestedFileRepo) Record(ctx context.Context, f *IngestedFile, write func(tx *sql.Tx) (int, error)) (int, error) {
	return inTx(ctx, r.db, func(tx *sql.Tx) (int, error) {
		n, err := write(tx)
		if err != nil {
			return 0, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ingested_files
			(id, dataset, format, file_hash, record_count, ingested_at)
			VALUES (?,?,?,?,?,?)`,
			f.ID, f.Dataset, f.Format, f.FileHash, f.RecordCount, f.IngestedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("record file: %w", err)
		}
		return n, nil
	})
}
