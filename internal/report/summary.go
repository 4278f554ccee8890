// Package report renders audit runs for people: aligned text tables for the
// terminal and XLSX workbooks for download.
package report

import (
	"github.com/shopspring/decimal"

	"github.com/leakwatch/auditor/internal/domain"
)

// Severities lists severities from most to least severe.
var Severities = []domain.Severity{
	domain.SeverityCritical,
	domain.SeverityHigh,
	domain.SeverityMedium,
	domain.SeverityLow,
}

type KindTotal struct {
	Kind   domain.FindingKind `json:"kind"`
	Count  int                `json:"count"`
	Impact decimal.Decimal    `json:"impact"`
}

type SeverityCount struct {
	Severity domain.Severity `json:"severity"`
	Count    int             `json:"count"`
}

// Summary is the per-kind and per-severity roll-up of one run.
type Summary struct {
	RunID       string          `json:"run_id"`
	Findings    int             `json:"findings"`
	TotalImpact decimal.Decimal `json:"total_impact"`
	// Undercharged sums positive impacts, revenue the business failed to bill.
	Undercharged decimal.Decimal `json:"undercharged"`
	// Overcharged sums negative impacts as a positive amount.
	Overcharged decimal.Decimal `json:"overcharged"`
	ByKind      []KindTotal     `json:"by_kind"`
	BySeverity  []SeverityCount `json:"by_severity"`
	Customers   int             `json:"customers_affected"`
}

// Summarize rolls findings up by kind and severity. Every kind and severity
// appears, with zero counts where nothing was found.
func Summarize(runID string, findings []domain.Finding) Summary {
	s := Summary{
		RunID:        runID,
		Findings:     len(findings),
		TotalImpact:  decimal.Zero,
		Undercharged: decimal.Zero,
		Overcharged:  decimal.Zero,
	}

	kinds := make(map[domain.FindingKind]*KindTotal, len(domain.Kinds))
	for _, k := range domain.Kinds {
		s.ByKind = append(s.ByKind, KindTotal{Kind: k, Impact: decimal.Zero})
	}
	for i := range s.ByKind {
		kinds[s.ByKind[i].Kind] = &s.ByKind[i]
	}

	sev := make(map[domain.Severity]int)
	customers := make(map[string]struct{})
	for _, f := range findings {
		if kt, ok := kinds[f.Kind]; ok {
			kt.Count++
			kt.Impact = kt.Impact.Add(f.FinancialImpact)
		}
		sev[f.Severity]++
		customers[f.CustomerID] = struct{}{}

		s.TotalImpact = s.TotalImpact.Add(f.FinancialImpact)
		switch {
		case f.FinancialImpact.IsPositive():
			s.Undercharged = s.Undercharged.Add(f.FinancialImpact)
		case f.FinancialImpact.IsNegative():
			s.Overcharged = s.Overcharged.Sub(f.FinancialImpact)
		}
	}

	for _, sv := range Severities {
		s.BySeverity = append(s.BySeverity, SeverityCount{Severity: sv, Count: sev[sv]})
	}
	s.Customers = len(customers)
	return s
}
