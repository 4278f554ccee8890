package reconciliation

import (
	"slices"
	"time"

	"github.com/leakwatch/auditor/internal/domain"
)

// Filter narrows an audit to one customer and/or one service type. Empty
// fields match everything.
type Filter struct {
	CustomerID  string `json:"customer_id,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
}

func (f Filter) Match(k domain.ServiceKey) bool {
	if f.CustomerID != "" && f.CustomerID != k.CustomerID {
		return false
	}
	if f.ServiceType != "" && f.ServiceType != k.ServiceType {
		return false
	}
	return true
}

func (f Filter) IsZero() bool {
	return f.CustomerID == "" && f.ServiceType == ""
}

// Dataset is an immutable snapshot of the four record sets for one audit.
type Dataset struct {
	Contracts    []domain.Contract
	Billing      []domain.BillingRecord
	Usage        []domain.UsageLog
	Provisioning []domain.ProvisioningRecord
}

// Apply returns a copy of ds restricted to f. Every record set is narrowed by
// the same filter so that comparisons stay meaningful.
func (ds Dataset) Apply(f Filter) Dataset {
	if f.IsZero() {
		return ds
	}
	return Dataset{
		Contracts:    filterKeyed(ds.Contracts, f),
		Billing:      filterKeyed(ds.Billing, f),
		Usage:        filterKeyed(ds.Usage, f),
		Provisioning: filterKeyed(ds.Provisioning, f),
	}
}

type keyed interface {
	Key() domain.ServiceKey
}

func filterKeyed[T keyed](in []T, f Filter) []T {
	if f.IsZero() {
		return in
	}
	out := make([]T, 0, len(in))
	for _, v := range in {
		if f.Match(v.Key()) {
			out = append(out, v)
		}
	}
	return out
}

// Index maps (customer, service) keys to contracts and billing records.
type Index struct {
	contracts map[domain.ServiceKey][]domain.Contract
	billing   map[domain.ServiceKey][]domain.BillingRecord
	tieBreak  TieBreak
}

// NewIndex indexes contracts and billing records after applying f to both.
// Contracts sharing a key keep their input order.
func NewIndex(contracts []domain.Contract, records []domain.BillingRecord, f Filter, tb TieBreak) *Index {
	ix := &Index{
		contracts: make(map[domain.ServiceKey][]domain.Contract),
		billing:   make(map[domain.ServiceKey][]domain.BillingRecord),
		tieBreak:  tb,
	}
	for _, c := range contracts {
		if k := c.Key(); f.Match(k) {
			ix.contracts[k] = append(ix.contracts[k], c)
		}
	}
	for _, r := range records {
		if k := r.Key(); f.Match(k) {
			ix.billing[k] = append(ix.billing[k], r)
		}
	}
	return ix
}

// Contract resolves the contract for key as of date on.
func (ix *Index) Contract(key domain.ServiceKey, on time.Time) (domain.Contract, bool) {
	cs := ix.contracts[key]
	if len(cs) == 0 {
		return domain.Contract{}, false
	}
	return resolve(cs, ix.tieBreak, on), true
}

// HasContract reports whether any contract exists for key.
func (ix *Index) HasContract(key domain.ServiceKey) bool {
	return len(ix.contracts[key]) > 0
}

// Billed reports whether key has at least one billing record.
func (ix *Index) Billed(key domain.ServiceKey) bool {
	return len(ix.billing[key]) > 0
}

// Records returns the billing records for key in input order.
func (ix *Index) Records(key domain.ServiceKey) []domain.BillingRecord {
	return ix.billing[key]
}

// Ambiguous lists the keys with more than one contract, sorted by key.
func (ix *Index) Ambiguous() []AmbiguousKeyWarning {
	var out []AmbiguousKeyWarning
	for k, cs := range ix.contracts {
		if len(cs) < 2 {
			continue
		}
		ids := make([]string, len(cs))
		for i, c := range cs {
			ids[i] = c.ContractID
		}
		w := AmbiguousKeyWarning{Key: k, ContractIDs: ids, TieBreak: ix.tieBreak}
		if ix.tieBreak != TieBreakEffectiveDate {
			w.Chosen = resolve(cs, ix.tieBreak, time.Time{}).ContractID
		}
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b AmbiguousKeyWarning) int {
		switch {
		case a.Key.Less(b.Key):
			return -1
		case b.Key.Less(a.Key):
			return 1
		}
		return 0
	})
	return out
}

func resolve(cs []domain.Contract, tb TieBreak, on time.Time) domain.Contract {
	last := cs[len(cs)-1]
	switch tb {
	case TieBreakLatestStart:
		best := cs[0]
		for _, c := range cs[1:] {
			if !c.StartDate.Before(best.StartDate) {
				best = c
			}
		}
		return best
	case TieBreakEffectiveDate:
		for i := len(cs) - 1; i >= 0; i-- {
			if cs[i].Covers(on) {
				return cs[i]
			}
		}
		return last
	default:
		return last
	}
}
