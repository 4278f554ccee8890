package reconciliation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leakwatch/auditor/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func contract(id, customer, service, rate string) domain.Contract {
	return domain.Contract{
		ContractID:  id,
		CustomerID:  customer,
		ServiceType: service,
		AgreedRate:  dec(rate),
		StartDate:   day("2024-01-01"),
		EndDate:     day("2024-12-31"),
	}
}

func billing(id, customer, service, rate, qty, total, date string) domain.BillingRecord {
	return domain.BillingRecord{
		InvoiceID:     id,
		CustomerID:    customer,
		ServiceType:   service,
		BilledRate:    dec(rate),
		UsageQuantity: dec(qty),
		TotalCharge:   dec(total),
		Date:          day(date),
	}
}

func usageLog(id, customer, service, qty string) domain.UsageLog {
	return domain.UsageLog{
		LogID:         id,
		CustomerID:    customer,
		ServiceType:   service,
		RecordedUsage: dec(qty),
		Timestamp:     day("2024-03-01"),
	}
}

func TestCompareRatesEndToEnd(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	contracts := []domain.Contract{contract("K1", "C100", "cloud_storage", "0.05")}
	records := []domain.BillingRecord{billing("inv1", "C100", "cloud_storage", "0.045", "100", "4.50", "2024-01-01")}

	got, err := d.CompareRates(records, contracts, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	m := got[0]
	assert.Equal(t, "inv1", m.InvoiceID)
	assert.Equal(t, "K1", m.ContractID)
	assert.True(t, m.RevenueImpact.Equal(dec("0.50")), "impact %s", m.RevenueImpact)
	assert.True(t, m.CorrectCharge.Equal(dec("5")), "correct charge %s", m.CorrectCharge)
}

func TestCompareRatesToleranceBoundary(t *testing.T) {
	tests := []struct {
		name   string
		billed string
		flag   bool
	}{
		{"equal", "0.05", false},
		{"exactly tolerance below", "0.0499", false},
		{"exactly tolerance above", "0.0501", false},
		{"twice tolerance below", "0.0498", true},
		{"twice tolerance above", "0.0502", true},
	}
	d := NewDetector(DefaultPolicy())
	contracts := []domain.Contract{contract("K1", "C1", "api_calls", "0.05")}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := []domain.BillingRecord{billing("i1", "C1", "api_calls", tt.billed, "10", "0.5", "2024-02-01")}
			got, err := d.CompareRates(records, contracts, Filter{})
			require.NoError(t, err)
			assert.Equal(t, tt.flag, len(got) == 1)
		})
	}
}

func TestCompareRatesImpactSign(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	contracts := []domain.Contract{contract("K1", "C1", "bandwidth", "0.05")}

	under, err := d.CompareRates([]domain.BillingRecord{billing("i1", "C1", "bandwidth", "0.04", "100", "4", "2024-02-01")}, contracts, Filter{})
	require.NoError(t, err)
	require.Len(t, under, 1)
	assert.True(t, under[0].RevenueImpact.Equal(dec("1.00")))

	over, err := d.CompareRates([]domain.BillingRecord{billing("i2", "C1", "bandwidth", "0.06", "100", "6", "2024-02-01")}, contracts, Filter{})
	require.NoError(t, err)
	require.Len(t, over, 1)
	assert.True(t, over[0].RevenueImpact.Equal(dec("-1.00")))
}

func TestCompareRatesSkipsRecordsWithoutContract(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	contracts := []domain.Contract{contract("K1", "C1", "bandwidth", "0.05")}
	records := []domain.BillingRecord{billing("i1", "C2", "bandwidth", "0.01", "100", "1", "2024-02-01")}

	got, err := d.CompareRates(records, contracts, Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCompareRatesFilterIsSymmetric(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	contracts := []domain.Contract{
		contract("K1", "C1", "bandwidth", "0.05"),
		contract("K2", "C2", "bandwidth", "0.05"),
	}
	records := []domain.BillingRecord{
		billing("i1", "C1", "bandwidth", "0.01", "100", "1", "2024-02-01"),
		billing("i2", "C2", "bandwidth", "0.01", "100", "1", "2024-02-01"),
	}

	got, err := d.CompareRates(records, contracts, Filter{CustomerID: "C2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "i2", got[0].InvoiceID)

	got, err = d.CompareRates(records, contracts, Filter{ServiceType: "cloud_storage"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCompareRatesTieBreak(t *testing.T) {
	older := contract("OLD", "C1", "compute_instances", "0.10")
	older.StartDate, older.EndDate = day("2023-01-01"), day("2023-12-31")
	newer := contract("NEW", "C1", "compute_instances", "0.12")
	newer.StartDate, newer.EndDate = day("2024-01-01"), day("2024-12-31")

	// newer listed first so that last-seen and latest-start disagree
	contracts := []domain.Contract{newer, older}
	records := []domain.BillingRecord{
		billing("i2023", "C1", "compute_instances", "0.10", "10", "1", "2023-06-01"),
		billing("i2024", "C1", "compute_instances", "0.12", "10", "1.2", "2024-06-01"),
	}

	tests := []struct {
		tieBreak TieBreak
		flagged  []string
	}{
		{TieBreakLastSeen, []string{"i2024"}},
		{TieBreakLatestStart, []string{"i2023"}},
		{TieBreakEffectiveDate, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.tieBreak), func(t *testing.T) {
			p := DefaultPolicy()
			p.TieBreak = tt.tieBreak
			got, err := NewDetector(p).CompareRates(records, contracts, Filter{})
			require.NoError(t, err)

			var ids []string
			for _, m := range got {
				ids = append(ids, m.InvoiceID)
			}
			assert.Equal(t, tt.flagged, ids)
		})
	}
}

func TestCompareRatesMissingInput(t *testing.T) {
	d := NewDetector(DefaultPolicy())

	_, err := d.CompareRates([]domain.BillingRecord{billing("i", "C", "s", "1", "1", "1", "2024-01-01")}, nil, Filter{})
	require.ErrorIs(t, err, ErrMissingInput)

	var mie *MissingInputError
	require.ErrorAs(t, err, &mie)
	assert.Equal(t, "contracts", mie.Input)
}

func TestDetectMissingCharges(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	contracts := []domain.Contract{
		contract("K1", "C1", "cloud_storage", "0.05"),
		contract("K2", "C1", "bandwidth", "0.02"),
		contract("K3", "C2", "support_plan", "50"),
	}
	records := []domain.BillingRecord{
		// billed at the wrong rate, still not missing
		billing("i1", "C1", "cloud_storage", "0.01", "100", "1", "2024-02-01"),
		billing("i2", "C9", "bandwidth", "0.02", "100", "2", "2024-02-01"),
	}

	got, err := d.DetectMissingCharges(contracts, records)
	require.NoError(t, err)

	billed := map[domain.ServiceKey]bool{}
	for _, r := range records {
		billed[r.Key()] = true
	}
	flagged := map[string]bool{}
	for _, m := range got {
		flagged[m.ContractID] = true
	}
	for _, c := range contracts {
		assert.Equal(t, !billed[c.Key()], flagged[c.ContractID], "contract %s", c.ContractID)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "K2", got[0].ContractID)
	assert.Equal(t, "K3", got[1].ContractID)
	assert.True(t, got[1].AgreedRate.Equal(dec("50")))
}

func TestDetectMissingChargesWithoutBilling(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	got, err := d.DetectMissingCharges([]domain.Contract{contract("K1", "C1", "s", "1")}, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = d.DetectMissingCharges(nil, nil)
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestDetectDuplicates(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	records := []domain.BillingRecord{
		billing("1", "A", "cloud_storage", "5", "100", "500", "2024-01-01"),
		billing("2", "A", "cloud_storage", "5", "100", "500", "2024-01-01"),
	}

	got, err := d.DetectDuplicates(records)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"1", "2"}, got[0].InvoiceIDs)
	assert.Equal(t, 2, got[0].Count())
	assert.True(t, got[0].Impact().Equal(dec("500")))
}

func TestDetectDuplicatesOrderingAndNormalisation(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	records := []domain.BillingRecord{
		billing("z1", "B", "bandwidth", "0.02", "10", "0.2", "2024-01-02"),
		billing("a1", "A", "support_plan", "50", "1", "50", "2024-03-01"),
		billing("z2", "B", "bandwidth", "0.020", "10.0", "0.20", "2024-01-02"),
		billing("a2", "A", "support_plan", "50", "1", "50", "2024-03-01"),
		billing("a3", "A", "support_plan", "50", "1", "50", "2024-03-01"),
		billing("u1", "A", "support_plan", "50", "1", "50", "2024-03-02"),
	}

	got, err := d.DetectDuplicates(records)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "A", got[0].CustomerID)
	assert.Equal(t, []string{"a1", "a2", "a3"}, got[0].InvoiceIDs)
	assert.True(t, got[0].Impact().Equal(dec("100")))

	assert.Equal(t, "B", got[1].CustomerID)
	assert.Equal(t, []string{"z1", "z2"}, got[1].InvoiceIDs)
}

func TestDetectUsageMismatchThreshold(t *testing.T) {
	tests := []struct {
		billed string
		flag   bool
		pct    string
	}{
		{"89", true, "11"},
		{"90", false, ""},
		{"91", false, ""},
		{"111", false, ""},
		{"120", true, ""},
	}
	d := NewDetector(DefaultPolicy())
	for _, tt := range tests {
		t.Run(tt.billed, func(t *testing.T) {
			usage := []domain.UsageLog{
				usageLog("l1", "C1", "api_calls", "60"),
				usageLog("l2", "C1", "api_calls", "40"),
			}
			records := []domain.BillingRecord{billing("i1", "C1", "api_calls", "1", tt.billed, tt.billed, "2024-03-01")}

			got, err := d.DetectUsageMismatches(usage, records)
			require.NoError(t, err)
			if !tt.flag {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.True(t, got[0].RecordedUsage.Equal(dec("100")))
			assert.True(t, got[0].DifferencePct.GreaterThan(dec("10")))
			if tt.pct != "" {
				assert.True(t, got[0].DifferencePct.Equal(dec(tt.pct)), "pct %s", got[0].DifferencePct)
			}
		})
	}
}

func TestDetectUsageMismatchImpact(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	usage := []domain.UsageLog{usageLog("l1", "C1", "cloud_storage", "200")}
	records := []domain.BillingRecord{
		billing("i1", "C1", "cloud_storage", "0.05", "50", "2.5", "2024-03-01"),
		billing("i2", "C1", "cloud_storage", "0.05", "50", "2.5", "2024-03-02"),
	}

	got, err := d.DetectUsageMismatches(usage, records)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Difference.Equal(dec("100")))
	assert.True(t, got[0].EffectiveRate.Equal(dec("0.05")))
	assert.True(t, got[0].Impact.Equal(dec("5")))
}

func TestDetectUsageMismatchOneSidedKeysIgnored(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	usage := []domain.UsageLog{
		usageLog("l1", "C1", "only_usage", "100"),
		usageLog("l2", "C1", "zero_usage", "0"),
	}
	records := []domain.BillingRecord{
		billing("i1", "C1", "only_billing", "1", "100", "100", "2024-03-01"),
		billing("i2", "C1", "zero_usage", "1", "100", "100", "2024-03-01"),
	}

	got, err := d.DetectUsageMismatches(usage, records)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDetectOrphanedCharges(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	contracts := []domain.Contract{contract("K1", "C1", "bandwidth", "0.02")}
	records := []domain.BillingRecord{
		billing("i1", "C1", "bandwidth", "0.02", "10", "0.2", "2024-01-01"),
		billing("i2", "C1", "support_plan", "50", "1", "50", "2024-01-01"),
	}

	got, err := d.DetectOrphanedCharges(records, contracts)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "i2", got[0].InvoiceID)
}

func TestDetectorsAreDeterministic(t *testing.T) {
	d := NewDetector(DefaultPolicy())
	contracts := []domain.Contract{
		contract("K1", "C1", "bandwidth", "0.02"),
		contract("K2", "C2", "cloud_storage", "0.05"),
		contract("K3", "C3", "api_calls", "0.001"),
	}
	records := []domain.BillingRecord{
		billing("1", "C2", "cloud_storage", "0.04", "100", "4", "2024-01-01"),
		billing("2", "C1", "bandwidth", "0.01", "300", "3", "2024-01-02"),
		billing("3", "C1", "bandwidth", "0.01", "300", "3", "2024-01-02"),
		billing("4", "C2", "cloud_storage", "0.04", "100", "4", "2024-01-01"),
	}
	usage := []domain.UsageLog{
		usageLog("u1", "C2", "cloud_storage", "500"),
		usageLog("u2", "C1", "bandwidth", "1000"),
	}

	for i := 0; i < 5; i++ {
		r1, _ := d.CompareRates(records, contracts, Filter{})
		r2, _ := d.CompareRates(records, contracts, Filter{})
		assert.Equal(t, r1, r2)

		m1, _ := d.DetectMissingCharges(contracts, records)
		m2, _ := d.DetectMissingCharges(contracts, records)
		assert.Equal(t, m1, m2)

		d1, _ := d.DetectDuplicates(records)
		d2, _ := d.DetectDuplicates(records)
		assert.Equal(t, d1, d2)

		u1, _ := d.DetectUsageMismatches(usage, records)
		u2, _ := d.DetectUsageMismatches(usage, records)
		assert.Equal(t, u1, u2)
	}
}
