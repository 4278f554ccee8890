package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leakwatch/auditor/internal/domain"
)

const findingCols = `id, run_id, kind, customer_id, service_type, source_ids,
	financial_impact, severity, description, detail, detected_at`

type FindingRepo struct {
	db *sql.DB
}

func NewFindingRepo(db *sql.DB) *FindingRepo {
	return &FindingRepo{db: db}
}

func (r *FindingRepo) BulkInsert(ctx context.Context, fs []domain.Finding) (int, error) {
	return insertFindings(ctx, r.db, fs)
}

func insertFindings(ctx context.Context, q execer, fs []domain.Finding) (int, error) {
	inserted := 0
	for i := range fs {
		f := &fs[i]
		sources, err := json.Marshal(f.SourceIDs)
		if err != nil {
			return inserted, fmt.Errorf("encode sources %s: %w", f.ID, err)
		}
		detail := string(f.Detail)
		if detail == "" {
			detail = "{}"
		}
		res, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO findings
			(id, run_id, kind, customer_id, service_type, source_ids,
			 financial_impact, severity, description, detail, detected_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			f.ID, f.RunID, string(f.Kind), f.CustomerID, f.ServiceType, string(sources),
			f.FinancialImpact.String(), string(f.Severity), f.Description, detail,
			formatTimestamp(f.DetectedAt),
		)
		if err != nil {
			return inserted, fmt.Errorf("insert %s: %w", f.ID, err)
		}
		ra, _ := res.RowsAffected()
		inserted += int(ra)
	}
	return inserted, nil
}

type FindingFilter struct {
	RunID      string
	Kind       string
	Severity   string
	CustomerID string
	Pagination
}

// List returns one page of findings in detection order plus the total
// number matching f.
func (r *FindingRepo) List(ctx context.Context, f FindingFilter) ([]domain.Finding, int, error) {
	where, args := buildFindingWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM findings"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := f.normalise()
	q := "SELECT " + findingCols + " FROM findings" + where + " ORDER BY rowid LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	fs, err := scanFindings(rows)
	return fs, total, err
}

// ByRun returns every finding of one run in detection order.
func (r *FindingRepo) ByRun(ctx context.Context, runID string) ([]domain.Finding, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+findingCols+" FROM findings WHERE run_id = ? ORDER BY rowid", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFindings(rows)
}

type FindingSummary struct {
	TotalCount   int                        `json:"total_count"`
	TotalImpact  decimal.Decimal            `json:"total_impact"`
	ByKind       map[string]int             `json:"by_kind"`
	BySeverity   map[string]int             `json:"by_severity"`
	ImpactByKind map[string]decimal.Decimal `json:"impact_by_kind"`
}

// Summary aggregates the findings of one run. Impacts are summed in Go
// because the column holds exact decimal text.
func (r *FindingRepo) Summary(ctx context.Context, runID string) (*FindingSummary, error) {
	s := &FindingSummary{
		TotalImpact:  decimal.Zero,
		ByKind:       make(map[string]int),
		BySeverity:   make(map[string]int),
		ImpactByKind: make(map[string]decimal.Decimal),
	}

	if err := scanGroupCount(ctx, r.db,
		"SELECT severity, COUNT(*) FROM findings WHERE run_id = ? GROUP BY severity", s.BySeverity, runID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT kind, financial_impact FROM findings WHERE run_id = ?", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, impact string
		if err := rows.Scan(&kind, &impact); err != nil {
			return nil, err
		}
		v, err := parseDecimal(impact)
		if err != nil {
			return nil, fmt.Errorf("impact %q: %w", impact, err)
		}
		s.TotalCount++
		s.ByKind[kind]++
		s.ImpactByKind[kind] = s.ImpactByKind[kind].Add(v)
		s.TotalImpact = s.TotalImpact.Add(v)
	}

	return s, rows.Err()
}

// --- helpers ---

func buildFindingWhere(f FindingFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.RunID != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, strings.ToUpper(f.Kind))
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, strings.ToUpper(f.Severity))
	}
	if f.CustomerID != "" {
		clauses = append(clauses, "customer_id = ?")
		args = append(args, f.CustomerID)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanFindings(rows *sql.Rows) ([]domain.Finding, error) {
	var fs []domain.Finding
	for rows.Next() {
		var f domain.Finding
		var kind, sources, impact, sev, detail, detectedAt string

		err := rows.Scan(
			&f.ID, &f.RunID, &kind, &f.CustomerID, &f.ServiceType, &sources,
			&impact, &sev, &f.Description, &detail, &detectedAt,
		)
		if err != nil {
			return nil, err
		}

		f.Kind = domain.FindingKind(kind)
		f.Severity = domain.Severity(sev)
		if err := json.Unmarshal([]byte(sources), &f.SourceIDs); err != nil {
			return nil, fmt.Errorf("finding %s sources: %w", f.ID, err)
		}
		if f.FinancialImpact, err = parseDecimal(impact); err != nil {
			return nil, fmt.Errorf("finding %s impact: %w", f.ID, err)
		}
		f.Detail = json.RawMessage(detail)
		f.DetectedAt, _ = time.Parse(time.RFC3339, detectedAt)

		fs = append(fs, f)
	}
	return fs, rows.Err()
}
