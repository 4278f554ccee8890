package reconciliation

import (
	"github.com/leakwatch/auditor/internal/domain"
)

// Detector runs the comparison algorithms. Every method is a pure function
// of its arguments and the policy; a Detector is safe for concurrent use.
type Detector struct {
	policy Policy
}

func NewDetector(p Policy) *Detector {
	return &Detector{policy: p}
}

func (d *Detector) Policy() Policy { return d.policy }

// CompareRates joins billing records to contracts on (customer, service) and
// flags records whose billed rate deviates from the agreed rate by more than
// the tolerance. Records without a contract are skipped.
func (d *Detector) CompareRates(records []domain.BillingRecord, contracts []domain.Contract, f Filter) ([]domain.RateMismatch, error) {
	if len(contracts) == 0 {
		return nil, &MissingInputError{Detector: domain.KindRateMismatch, Input: "contracts"}
	}
	if len(records) == 0 {
		return nil, &MissingInputError{Detector: domain.KindRateMismatch, Input: "billing records"}
	}

	ix := NewIndex(contracts, records, f, d.policy.TieBreak)

	var out []domain.RateMismatch
	for _, rec := range records {
		key := rec.Key()
		if !f.Match(key) {
			continue
		}
		c, ok := ix.Contract(key, rec.Date)
		if !ok {
			continue
		}
		if c.AgreedRate.Sub(rec.BilledRate).Abs().LessThanOrEqual(d.policy.RateTolerance) {
			continue
		}
		out = append(out, domain.RateMismatch{
			InvoiceID:     rec.InvoiceID,
			ContractID:    c.ContractID,
			CustomerID:    rec.CustomerID,
			ServiceType:   rec.ServiceType,
			AgreedRate:    c.AgreedRate,
			BilledRate:    rec.BilledRate,
			UsageQuantity: rec.UsageQuantity,
			TotalCharge:   rec.TotalCharge,
			CorrectCharge: c.AgreedRate.Mul(rec.UsageQuantity),
			RevenueImpact: c.AgreedRate.Sub(rec.BilledRate).Mul(rec.UsageQuantity),
			Date:          rec.Date,
		})
	}
	return out, nil
}

// DetectMissingCharges flags every contract whose (customer, service) pair has
// no billing record at all. A pair billed at the wrong rate is not missing.
// With no billing records every contract is flagged.
func (d *Detector) DetectMissingCharges(contracts []domain.Contract, records []domain.BillingRecord) ([]domain.MissingCharge, error) {
	if len(contracts) == 0 {
		return nil, &MissingInputError{Detector: domain.KindMissingCharge, Input: "contracts"}
	}

	billed := make(map[domain.ServiceKey]struct{}, len(records))
	for _, rec := range records {
		billed[rec.Key()] = struct{}{}
	}

	var out []domain.MissingCharge
	for _, c := range contracts {
		if _, ok := billed[c.Key()]; ok {
			continue
		}
		out = append(out, domain.MissingCharge{
			ContractID:  c.ContractID,
			CustomerID:  c.CustomerID,
			ServiceType: c.ServiceType,
			AgreedRate:  c.AgreedRate,
			StartDate:   c.StartDate,
			EndDate:     c.EndDate,
		})
	}
	return out, nil
}

// DetectOrphanedCharges flags billing records for pairs with no contract.
// The rate and missing-charge detectors cannot see these.
func (d *Detector) DetectOrphanedCharges(records []domain.BillingRecord, contracts []domain.Contract) ([]domain.OrphanedCharge, error) {
	if len(records) == 0 {
		return nil, &MissingInputError{Detector: domain.KindOrphanedCharge, Input: "billing records"}
	}
	if len(contracts) == 0 {
		return nil, &MissingInputError{Detector: domain.KindOrphanedCharge, Input: "contracts"}
	}

	contracted := make(map[domain.ServiceKey]struct{}, len(contracts))
	for _, c := range contracts {
		contracted[c.Key()] = struct{}{}
	}

	var out []domain.OrphanedCharge
	for _, rec := range records {
		if _, ok := contracted[rec.Key()]; ok {
			continue
		}
		out = append(out, domain.OrphanedCharge{
			InvoiceID:     rec.InvoiceID,
			CustomerID:    rec.CustomerID,
			ServiceType:   rec.ServiceType,
			BilledRate:    rec.BilledRate,
			UsageQuantity: rec.UsageQuantity,
			TotalCharge:   rec.TotalCharge,
			Date:          rec.Date,
		})
	}
	return out, nil
}
