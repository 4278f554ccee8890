package reconciliation

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/leakwatch/auditor/internal/domain"
)

var hundred = decimal.NewFromInt(100)

type billedTotals struct {
	quantity decimal.Decimal
	charge   decimal.Decimal
}

// DetectUsageMismatches sums recorded usage and billed quantity per
// (customer, service) and flags pairs whose relative difference exceeds the
// threshold. Only pairs with a positive total on both sides are compared.
func (d *Detector) DetectUsageMismatches(usage []domain.UsageLog, records []domain.BillingRecord) ([]domain.UsageMismatch, error) {
	if len(usage) == 0 {
		return nil, &MissingInputError{Detector: domain.KindUsageMismatch, Input: "usage logs"}
	}
	if len(records) == 0 {
		return nil, &MissingInputError{Detector: domain.KindUsageMismatch, Input: "billing records"}
	}

	recorded := make(map[domain.ServiceKey]decimal.Decimal)
	for _, u := range usage {
		k := u.Key()
		recorded[k] = recorded[k].Add(u.RecordedUsage)
	}

	billed := make(map[domain.ServiceKey]billedTotals)
	for _, r := range records {
		k := r.Key()
		t := billed[k]
		t.quantity = t.quantity.Add(r.UsageQuantity)
		t.charge = t.charge.Add(r.TotalCharge)
		billed[k] = t
	}

	keys := make([]domain.ServiceKey, 0, len(recorded)+len(billed))
	for k := range recorded {
		keys = append(keys, k)
	}
	for k := range billed {
		if _, ok := recorded[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b domain.ServiceKey) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})

	var out []domain.UsageMismatch
	for _, k := range keys {
		used := recorded[k]
		bill := billed[k]
		if !used.IsPositive() || !bill.quantity.IsPositive() {
			continue
		}

		diff := used.Sub(bill.quantity)
		pct := diff.Abs().Div(decimal.Max(used, bill.quantity)).Mul(hundred)
		if !pct.GreaterThan(d.policy.UsageThresholdPct) {
			continue
		}

		rate := bill.charge.Div(bill.quantity)
		out = append(out, domain.UsageMismatch{
			CustomerID:    k.CustomerID,
			ServiceType:   k.ServiceType,
			RecordedUsage: used,
			BilledUsage:   bill.quantity,
			Difference:    diff,
			DifferencePct: pct,
			EffectiveRate: rate,
			Impact:        diff.Mul(rate).Round(4),
		})
	}
	return out, nil
}
