package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/leakwatch/auditor/internal/domain"
)

// RecordFilter narrows list queries on the four record tables.
type RecordFilter struct {
	CustomerID  string
	ServiceType string
	Pagination
}

func buildRecordWhere(f RecordFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.CustomerID != "" {
		clauses = append(clauses, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.ServiceType != "" {
		clauses = append(clauses, "service_type = ?")
		args = append(args, f.ServiceType)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// inTx runs fn in a transaction and commits when it succeeds.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) (int, error)) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	n, err := fn(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// insertRows runs stmtSQL once per item on tx and reports how many rows were
// actually written. When seqTable is set the current max seq of that table is
// passed to row so load order survives across files.
func insertRows[T any](ctx context.Context, tx *sql.Tx, seqTable, stmtSQL string, items []T, row func(seq int64, item *T) []any) (int, error) {
	var seq int64
	if seqTable != "" {
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq),0) FROM "+seqTable).Scan(&seq); err != nil {
			return 0, fmt.Errorf("max seq: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range items {
		res, err := stmt.ExecContext(ctx, row(seq+int64(i)+1, &items[i])...)
		if err != nil {
			return inserted, fmt.Errorf("insert row %d: %w", i, err)
		}
		ra, _ := res.RowsAffected()
		inserted += int(ra)
	}
	return inserted, nil
}

func count(ctx context.Context, db *sql.DB, table string, f RecordFilter) (int, error) {
	where, args := buildRecordWhere(f)
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+where, args...).Scan(&n)
	return n, err
}

// listPage runs a filtered, paginated select and returns the rows alongside
// the unpaginated total.
func listPage[T any](ctx context.Context, db *sql.DB, table, cols, order string, f RecordFilter, scan func(*sql.Rows) ([]T, error)) ([]T, int, error) {
	where, args := buildRecordWhere(f)

	var total int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	limit, offset := f.normalise()
	q := "SELECT " + cols + " FROM " + table + where + " ORDER BY " + order + " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items, err := scan(rows)
	return items, total, err
}

func selectAll[T any](ctx context.Context, db *sql.DB, table, cols, order string, scan func(*sql.Rows) ([]T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+cols+" FROM "+table+" ORDER BY "+order)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scan(rows)
}

// --- contracts ---

const contractCols = "contract_id, customer_id, service_type, agreed_rate, start_date, end_date"

type ContractRepo struct {
	db *sql.DB
}

func NewContractRepo(db *sql.DB) *ContractRepo {
	return &ContractRepo{db: db}
}

// BulkInsert stores contracts, ignoring ids that already exist.
func (r *ContractRepo) BulkInsert(ctx context.Context, cs []domain.Contract) (int, error) {
	return inTx(ctx, r.db, func(tx *sql.Tx) (int, error) {
		return r.InsertTx(ctx, tx, cs)
	})
}

// InsertTx writes cs inside the caller's transaction.
func (r *ContractRepo) InsertTx(ctx context.Context, tx *sql.Tx, cs []domain.Contract) (int, error) {
	return insertRows(ctx, tx, "contracts",
		`INSERT OR IGNORE INTO contracts
		(contract_id, customer_id, service_type, agreed_rate, start_date, end_date, seq)
		VALUES (?,?,?,?,?,?,?)`,
		cs, func(seq int64, c *domain.Contract) []any {
			return []any{
				c.ContractID, c.CustomerID, c.ServiceType, c.AgreedRate.String(),
				formatDate(c.StartDate), formatDate(c.EndDate), seq,
			}
		})
}

// All returns every contract in load order.
func (r *ContractRepo) All(ctx context.Context) ([]domain.Contract, error) {
	return selectAll(ctx, r.db, "contracts", contractCols, "seq", scanContracts)
}

func (r *ContractRepo) List(ctx context.Context, f RecordFilter) ([]domain.Contract, int, error) {
	return listPage(ctx, r.db, "contracts", contractCols, "seq", f, scanContracts)
}

func (r *ContractRepo) Count(ctx context.Context) (int, error) {
	return count(ctx, r.db, "contracts", RecordFilter{})
}

func scanContracts(rows *sql.Rows) ([]domain.Contract, error) {
	var out []domain.Contract
	for rows.Next() {
		var c domain.Contract
		var rate, start, end string
		if err := rows.Scan(&c.ContractID, &c.CustomerID, &c.ServiceType, &rate, &start, &end); err != nil {
			return nil, err
		}
		var err error
		if c.AgreedRate, err = parseDecimal(rate); err != nil {
			return nil, fmt.Errorf("contract %s rate: %w", c.ContractID, err)
		}
		if c.StartDate, err = parseDate(start); err != nil {
			return nil, fmt.Errorf("contract %s start: %w", c.ContractID, err)
		}
		if c.EndDate, err = parseDate(end); err != nil {
			return nil, fmt.Errorf("contract %s end: %w", c.ContractID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- billing records ---

const billingCols = "invoice_id, customer_id, service_type, billed_rate, usage_quantity, total_charge, date"

type BillingRepo struct {
	db *sql.DB
}

func NewBillingRepo(db *sql.DB) *BillingRepo {
	return &BillingRepo{db: db}
}

// BulkInsert always appends: invoice ids are not unique and repeated lines
// are what duplicate detection looks for.
func (r *BillingRepo) BulkInsert(ctx context.Context, records []domain.BillingRecord) (int, error) {
	return inTx(ctx, r.db, func(tx *sql.Tx) (int, error) {
		return r.InsertTx(ctx, tx, records)
	})
}

// InsertTx writes records inside the caller's transaction.
func (r *BillingRepo) InsertTx(ctx context.Context, tx *sql.Tx, records []domain.BillingRecord) (int, error) {
	return insertRows(ctx, tx, "",
		`INSERT INTO billing_records
		(invoice_id, customer_id, service_type, billed_rate, usage_quantity, total_charge, date)
		VALUES (?,?,?,?,?,?,?)`,
		records, func(_ int64, b *domain.BillingRecord) []any {
			return []any{
				b.InvoiceID, b.CustomerID, b.ServiceType, b.BilledRate.String(),
				b.UsageQuantity.String(), b.TotalCharge.String(), formatDate(b.Date),
			}
		})
}

func (r *BillingRepo) All(ctx context.Context) ([]domain.BillingRecord, error) {
	return selectAll(ctx, r.db, "billing_records", billingCols, "row_id", scanBilling)
}

func (r *BillingRepo) List(ctx context.Context, f RecordFilter) ([]domain.BillingRecord, int, error) {
	return listPage(ctx, r.db, "billing_records", billingCols, "row_id", f, scanBilling)
}

func (r *BillingRepo) Count(ctx context.Context) (int, error) {
	return count(ctx, r.db, "billing_records", RecordFilter{})
}

func scanBilling(rows *sql.Rows) ([]domain.BillingRecord, error) {
	var out []domain.BillingRecord
	for rows.Next() {
		var b domain.BillingRecord
		var rate, qty, total, date string
		if err := rows.Scan(&b.InvoiceID, &b.CustomerID, &b.ServiceType, &rate, &qty, &total, &date); err != nil {
			return nil, err
		}
		var err error
		if b.BilledRate, err = parseDecimal(rate); err != nil {
			return nil, fmt.Errorf("invoice %s rate: %w", b.InvoiceID, err)
		}
		if b.UsageQuantity, err = parseDecimal(qty); err != nil {
			return nil, fmt.Errorf("invoice %s quantity: %w", b.InvoiceID, err)
		}
		if b.TotalCharge, err = parseDecimal(total); err != nil {
			return nil, fmt.Errorf("invoice %s total: %w", b.InvoiceID, err)
		}
		if b.Date, err = parseDate(date); err != nil {
			return nil, fmt.Errorf("invoice %s date: %w", b.InvoiceID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- usage logs ---

const usageCols = "log_id, customer_id, service_type, recorded_usage, timestamp"

type UsageRepo struct {
	db *sql.DB
}

func NewUsageRepo(db *sql.DB) *UsageRepo {
	return &UsageRepo{db: db}
}

func (r *UsageRepo) BulkInsert(ctx context.Context, logs []domain.UsageLog) (int, error) {
	return inTx(ctx, r.db, func(tx *sql.Tx) (int, error) {
		return r.InsertTx(ctx, tx, logs)
	})
}

func (r *UsageRepo) InsertTx(ctx context.Context, tx *sql.Tx, logs []domain.UsageLog) (int, error) {
	return insertRows(ctx, tx, "usage_logs",
		`INSERT OR IGNORE INTO usage_logs
		(log_id, customer_id, service_type, recorded_usage, timestamp, seq)
		VALUES (?,?,?,?,?,?)`,
		logs, func(seq int64, u *domain.UsageLog) []any {
			return []any{
				u.LogID, u.CustomerID, u.ServiceType, u.RecordedUsage.String(),
				formatTimestamp(u.Timestamp), seq,
			}
		})
}

func (r *UsageRepo) All(ctx context.Context) ([]domain.UsageLog, error) {
	return selectAll(ctx, r.db, "usage_logs", usageCols, "seq", scanUsage)
}

func (r *UsageRepo) List(ctx context.Context, f RecordFilter) ([]domain.UsageLog, int, error) {
	return listPage(ctx, r.db, "usage_logs", usageCols, "seq", f, scanUsage)
}

func (r *UsageRepo) Count(ctx context.Context) (int, error) {
	return count(ctx, r.db, "usage_logs", RecordFilter{})
}

func scanUsage(rows *sql.Rows) ([]domain.UsageLog, error) {
	var out []domain.UsageLog
	for rows.Next() {
		var u domain.UsageLog
		var used, ts string
		if err := rows.Scan(&u.LogID, &u.CustomerID, &u.ServiceType, &used, &ts); err != nil {
			return nil, err
		}
		var err error
		if u.RecordedUsage, err = parseDecimal(used); err != nil {
			return nil, fmt.Errorf("usage log %s: %w", u.LogID, err)
		}
		if u.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("usage log %s timestamp: %w", u.LogID, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- provisioning ---

const provisioningCols = "provision_id, customer_id, service_type, provisioned_level, status"

type ProvisioningRepo struct {
	db *sql.DB
}

func NewProvisioningRepo(db *sql.DB) *ProvisioningRepo {
	return &ProvisioningRepo{db: db}
}

func (r *ProvisioningRepo) BulkInsert(ctx context.Context, ps []domain.ProvisioningRecord) (int, error) {
	return inTx(ctx, r.db, func(tx *sql.Tx) (int, error) {
		return r.InsertTx(ctx, tx, ps)
	})
}

func (r *ProvisioningRepo) InsertTx(ctx context.Context, tx *sql.Tx, ps []domain.ProvisioningRecord) (int, error) {
	return insertRows(ctx, tx, "provisioning",
		`INSERT OR IGNORE INTO provisioning
		(provision_id, customer_id, service_type, provisioned_level, status, seq)
		VALUES (?,?,?,?,?,?)`,
		ps, func(seq int64, p *domain.ProvisioningRecord) []any {
			return []any{p.ProvisionID, p.CustomerID, p.ServiceType, p.ProvisionedLevel, string(p.Status), seq}
		})
}

func (r *ProvisioningRepo) All(ctx context.Context) ([]domain.ProvisioningRecord, error) {
	return selectAll(ctx, r.db, "provisioning", provisioningCols, "seq", scanProvisioning)
}

func (r *ProvisioningRepo) List(ctx context.Context, f RecordFilter) ([]domain.ProvisioningRecord, int, error) {
	return listPage(ctx, r.db, "provisioning", provisioningCols, "seq", f, scanProvisioning)
}

func (r *ProvisioningRepo) Count(ctx context.Context) (int, error) {
	return count(ctx, r.db, "provisioning", RecordFilter{})
}

// CountByStatus groups provisioning rows by status.
func (r *ProvisioningRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	m := make(map[string]int)
	return m, scanGroupCount(ctx, r.db, "SELECT status, COUNT(*) FROM provisioning GROUP BY status", m)
}

func scanProvisioning(rows *sql.Rows) ([]domain.ProvisioningRecord, error) {
	var out []domain.ProvisioningRecord
	for rows.Next() {
		var p domain.ProvisioningRecord
		var status string
		if err := rows.Scan(&p.ProvisionID, &p.CustomerID, &p.ServiceType, &p.ProvisionedLevel, &status); err != nil {
			return nil, err
		}
		p.Status = domain.ProvisioningStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
