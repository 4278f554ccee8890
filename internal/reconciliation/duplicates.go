package reconciliation

import (
	"slices"
	"strings"
	"time"

	"github.com/leakwatch/auditor/internal/domain"
)

// businessKey is the content of a billing record without its invoice id.
// Decimals are held in canonical string form so 4.50 and 4.5 group together.
type businessKey struct {
	customerID  string
	serviceType string
	billedRate  string
	usage       string
	totalCharge string
	date        string
}

func businessKeyOf(r domain.BillingRecord) businessKey {
	return businessKey{
		customerID:  r.CustomerID,
		serviceType: r.ServiceType,
		billedRate:  r.BilledRate.String(),
		usage:       r.UsageQuantity.String(),
		totalCharge: r.TotalCharge.String(),
		date:        r.Date.Format(time.DateOnly),
	}
}

// DetectDuplicates groups billing records by business key and reports every
// group of two or more. Clusters are sorted by business key; invoice ids keep
// their input order within a cluster.
func (d *Detector) DetectDuplicates(records []domain.BillingRecord) ([]domain.DuplicateEntry, error) {
	if len(records) == 0 {
		return nil, &MissingInputError{Detector: domain.KindDuplicateEntry, Input: "billing records"}
	}

	groups := make(map[businessKey]*domain.DuplicateEntry)
	var order []businessKey
	for _, rec := range records {
		k := businessKeyOf(rec)
		g, ok := groups[k]
		if !ok {
			g = &domain.DuplicateEntry{
				CustomerID:    rec.CustomerID,
				ServiceType:   rec.ServiceType,
				BilledRate:    rec.BilledRate,
				UsageQuantity: rec.UsageQuantity,
				TotalCharge:   rec.TotalCharge,
				Date:          rec.Date,
			}
			groups[k] = g
			order = append(order, k)
		}
		g.InvoiceIDs = append(g.InvoiceIDs, rec.InvoiceID)
	}

	var out []domain.DuplicateEntry
	for _, k := range order {
		if g := groups[k]; g.Count() > 1 {
			out = append(out, *g)
		}
	}
	slices.SortStableFunc(out, compareDuplicates)
	return out, nil
}

func compareDuplicates(a, b domain.DuplicateEntry) int {
	if c := strings.Compare(a.CustomerID, b.CustomerID); c != 0 {
		return c
	}
	if c := strings.Compare(a.ServiceType, b.ServiceType); c != 0 {
		return c
	}
	if c := a.BilledRate.Cmp(b.BilledRate); c != 0 {
		return c
	}
	if c := a.UsageQuantity.Cmp(b.UsageQuantity); c != 0 {
		return c
	}
	if c := a.TotalCharge.Cmp(b.TotalCharge); c != 0 {
		return c
	}
	return a.Date.Compare(b.Date)
}
