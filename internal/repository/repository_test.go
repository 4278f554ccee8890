package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leakwatch/auditor/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func day(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestInitDBIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, createTables(db))
}

func TestContractRepoPreservesLoadOrderAcrossBatches(t *testing.T) {
	ctx := context.Background()
	repo := NewContractRepo(newTestDB(t))

	n, err := repo.BulkInsert(ctx, []domain.Contract{
		{ContractID: "K2", CustomerID: "C1", ServiceType: "bandwidth", AgreedRate: decimal.RequireFromString("0.02"), StartDate: day("2024-01-01"), EndDate: day("2024-12-31")},
		{ContractID: "K1", CustomerID: "C1", ServiceType: "cloud_storage", AgreedRate: decimal.RequireFromString("0.050"), StartDate: day("2024-01-01"), EndDate: day("2024-12-31")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.BulkInsert(ctx, []domain.Contract{
		{ContractID: "K1", CustomerID: "C9", ServiceType: "x", StartDate: day("2024-01-01"), EndDate: day("2024-01-01")},
		{ContractID: "K0", CustomerID: "C0", ServiceType: "api_calls", AgreedRate: decimal.RequireFromString("0.001"), StartDate: day("2024-01-01"), EndDate: day("2024-06-30")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "existing contract id is ignored")

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "K2", all[0].ContractID)
	assert.Equal(t, "K1", all[1].ContractID)
	assert.Equal(t, "K0", all[2].ContractID)
	assert.Equal(t, "0.05", all[1].AgreedRate.String())
	assert.True(t, all[2].EndDate.Equal(day("2024-06-30")))

	page, total, err := repo.List(ctx, RecordFilter{CustomerID: "C1", Pagination: Pagination{Limit: 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "K2", page[0].ContractID)
}

func TestBillingRepoKeepsRepeatedInvoices(t *testing.T) {
	ctx := context.Background()
	repo := NewBillingRepo(newTestDB(t))

	rec := domain.BillingRecord{
		InvoiceID: "inv1", CustomerID: "C1", ServiceType: "support_plan",
		BilledRate: decimal.RequireFromString("50"), UsageQuantity: decimal.RequireFromString("1"),
		TotalCharge: decimal.RequireFromString("50.00"), Date: day("2024-02-01"),
	}
	n, err := repo.BulkInsert(ctx, []domain.BillingRecord{rec, rec})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].TotalCharge.Equal(decimal.NewFromInt(50)))
	assert.True(t, all[1].Date.Equal(day("2024-02-01")))

	c, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c)
}

func TestUsageAndProvisioningRepos(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	usage := NewUsageRepo(db)
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	_, err := usage.BulkInsert(ctx, []domain.UsageLog{
		{LogID: "u1", CustomerID: "C1", ServiceType: "api_calls", RecordedUsage: decimal.RequireFromString("1000.5"), Timestamp: ts},
		{LogID: "u2", CustomerID: "C2", ServiceType: "api_calls", RecordedUsage: decimal.RequireFromString("3"), Timestamp: ts},
	})
	require.NoError(t, err)

	logs, total, err := usage.List(ctx, RecordFilter{ServiceType: "api_calls", CustomerID: "C1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "1000.5", logs[0].RecordedUsage.String())
	assert.True(t, logs[0].Timestamp.Equal(ts))

	prov := NewProvisioningRepo(db)
	_, err = prov.BulkInsert(ctx, []domain.ProvisioningRecord{
		{ProvisionID: "p1", CustomerID: "C1", ServiceType: "api_calls", ProvisionedLevel: "standard", Status: domain.ProvisioningActive},
		{ProvisionID: "p2", CustomerID: "C2", ServiceType: "api_calls", ProvisionedLevel: "basic", Status: domain.ProvisioningSuspended},
		{ProvisionID: "p3", CustomerID: "C3", ServiceType: "bandwidth", ProvisionedLevel: "basic", Status: domain.ProvisioningActive},
	})
	require.NoError(t, err)

	byStatus, err := prov.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"active": 2, "suspended": 1}, byStatus)
}

func sampleRun(id string, started time.Time) (*domain.AuditRun, []domain.Finding) {
	run := &domain.AuditRun{
		ID:         id,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Outcomes: []domain.DetectorOutcome{
			{Kind: domain.KindRateMismatch, Status: domain.StatusOK, Findings: 1, Impact: decimal.RequireFromString("0.5")},
			{Kind: domain.KindUsageMismatch, Status: domain.StatusMissingInput, Error: "no usage logs", Impact: decimal.Zero},
		},
		Warnings:     []string{"C1/cloud_storage has 2 contracts"},
		FindingCount: 2,
		TotalImpact:  decimal.RequireFromString("-49.5"),
	}
	findings := []domain.Finding{
		{
			ID: "RM-00001", RunID: id, Kind: domain.KindRateMismatch, CustomerID: "C1", ServiceType: "cloud_storage",
			SourceIDs: []string{"inv1", "K1"}, FinancialImpact: decimal.RequireFromString("0.5"),
			Severity: domain.SeverityLow, Description: "rate", Detail: []byte(`{"invoice_id":"inv1"}`), DetectedAt: started,
		},
		{
			ID: "DU-00001", RunID: id, Kind: domain.KindDuplicateEntry, CustomerID: "C2", ServiceType: "support_plan",
			SourceIDs: []string{"inv2", "inv3"}, FinancialImpact: decimal.RequireFromString("-50"),
			Severity: domain.SeverityLow, Description: "dup", DetectedAt: started,
		},
	}
	return run, findings
}

func TestAuditRunRepoSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	runs := NewAuditRunRepo(db)
	findings := NewFindingRepo(db)

	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	run, fs := sampleRun("run-1", started)
	require.NoError(t, runs.Save(ctx, run, fs))

	later, laterFs := sampleRun("run-2", started.Add(time.Hour))
	require.NoError(t, runs.Save(ctx, later, laterFs[:1]))

	got, err := runs.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.FindingCount)
	assert.Equal(t, "-49.5", got.TotalImpact.String())
	require.Len(t, got.Outcomes, 2)
	assert.Equal(t, domain.StatusMissingInput, got.Outcomes[1].Status)
	assert.Equal(t, run.Warnings, got.Warnings)

	latest, err := runs.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-2", latest.ID)

	list, total, err := runs.List(ctx, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "run-2", list[0].ID)

	page, n, err := findings.List(ctx, FindingFilter{RunID: "run-1", Kind: "duplicate_entry"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, page, 1)
	assert.Equal(t, []string{"inv2", "inv3"}, page[0].SourceIDs)
	assert.JSONEq(t, `{}`, string(page[0].Detail))

	all, err := findings.ByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "RM-00001", all[0].ID)
	assert.JSONEq(t, `{"invoice_id":"inv1"}`, string(all[0].Detail))

	sum, err := findings.Summary(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalCount)
	assert.Equal(t, "-49.5", sum.TotalImpact.String())
	assert.Equal(t, 1, sum.ByKind[string(domain.KindDuplicateEntry)])
	assert.Equal(t, 2, sum.BySeverity[string(domain.SeverityLow)])

	require.NoError(t, runs.Delete(ctx, "run-1"))
	_, err = runs.GetByID(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
	left, err := findings.ByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.ErrorIs(t, runs.Delete(ctx, "run-1"), ErrNotFound)
}

func TestIngestedFileRepoHashLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewIngestedFileRepo(newTestDB(t))
	none := func(*sql.Tx) (int, error) { return 0, nil }

	ok, err := repo.ExistsByHash(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Record(ctx, &IngestedFile{
		ID: "f1", Dataset: "billing", Format: "csv", FileHash: "abc", RecordCount: 3,
		IngestedAt: time.Now().UTC().Format(time.RFC3339),
	}, none)
	require.NoError(t, err)

	ok, err = repo.ExistsByHash(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = repo.Record(ctx, &IngestedFile{ID: "f2", FileHash: "abc"}, none)
	assert.Error(t, err)
}

func TestIngestedFileRepoRollsBackRecordsWhenFileInsertFails(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	files := NewIngestedFileRepo(db)
	billing := NewBillingRepo(db)

	_, err := files.Record(ctx, &IngestedFile{ID: "f1", FileHash: "abc"}, func(*sql.Tx) (int, error) { return 0, nil })
	require.NoError(t, err)

	rec := domain.BillingRecord{
		InvoiceID: "inv1", CustomerID: "C1", ServiceType: "bandwidth",
		BilledRate: decimal.RequireFromString("0.02"), UsageQuantity: decimal.NewFromInt(10),
		TotalCharge: decimal.RequireFromString("0.2"), Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	// same hash again: the file row violates the unique index after the
	// records were written
	_, err = files.Record(ctx, &IngestedFile{ID: "f2", FileHash: "abc"}, func(tx *sql.Tx) (int, error) {
		return billing.InsertTx(ctx, tx, []domain.BillingRecord{rec, rec})
	})
	require.Error(t, err)

	n, err := billing.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// a failing write leaves no file row behind
	_, err = files.Record(ctx, &IngestedFile{ID: "f3", FileHash: "def"}, func(*sql.Tx) (int, error) {
		return 0, errors.New("decode failed")
	})
	require.Error(t, err)
	ok, err := files.ExistsByHash(ctx, "def")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithPragmas(t *testing.T) {
	assert.Equal(t, ":memory:", withPragmas(":memory:"))
	assert.Equal(t, "file:audit.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", withPragmas("audit.db"))
	assert.Equal(t, "file:audit.db?mode=rwc&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", withPragmas("file:audit.db?mode=rwc"))
}

func TestInitDBFileAppliesBusyTimeout(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer db.Close()

	var timeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, busyTimeoutMS, timeout)
}
