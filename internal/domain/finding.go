package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type FindingKind string

const (
	KindRateMismatch   FindingKind = "RATE_MISMATCH"
	KindMissingCharge  FindingKind = "MISSING_CHARGE"
	KindDuplicateEntry FindingKind = "DUPLICATE_ENTRY"
	KindUsageMismatch  FindingKind = "USAGE_MISMATCH"
	KindOrphanedCharge FindingKind = "ORPHANED_CHARGE"
)

// Kinds lists every finding kind in report order.
var Kinds = []FindingKind{
	KindRateMismatch,
	KindMissingCharge,
	KindDuplicateEntry,
	KindUsageMismatch,
	KindOrphanedCharge,
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Finding is the kind-independent view of a discrepancy, used for storage and
// reporting. Detail holds the JSON encoding of the typed finding it came from.
type Finding struct {
	ID              string          `json:"id"`
	RunID           string          `json:"run_id"`
	Kind            FindingKind     `json:"kind"`
	CustomerID      string          `json:"customer_id"`
	ServiceType     string          `json:"service_type"`
	SourceIDs       []string        `json:"source_ids"`
	FinancialImpact decimal.Decimal `json:"financial_impact"`
	Severity        Severity        `json:"severity"`
	Description     string          `json:"description"`
	Detail          json.RawMessage `json:"detail,omitempty"`
	DetectedAt      time.Time       `json:"detected_at"`
}

// RateMismatch is a billing record whose rate differs from the contracted rate
// by more than the tolerance.
type RateMismatch struct {
	InvoiceID     string          `json:"invoice_id"`
	ContractID    string          `json:"contract_id"`
	CustomerID    string          `json:"customer_id"`
	ServiceType   string          `json:"service_type"`
	AgreedRate    decimal.Decimal `json:"agreed_rate"`
	BilledRate    decimal.Decimal `json:"billed_rate"`
	UsageQuantity decimal.Decimal `json:"usage_quantity"`
	TotalCharge   decimal.Decimal `json:"total_charge"`
	CorrectCharge decimal.Decimal `json:"correct_charge"`
	// RevenueImpact is positive when the customer was undercharged.
	RevenueImpact decimal.Decimal `json:"revenue_impact"`
	Date          time.Time       `json:"date"`
}

func (m RateMismatch) Finding() Finding {
	return newFinding(KindRateMismatch, m.CustomerID, m.ServiceType,
		[]string{m.InvoiceID, m.ContractID}, m.RevenueImpact,
		fmt.Sprintf("Invoice %s billed %s/unit for %s, contract %s agrees %s/unit (%s units, impact %s)",
			m.InvoiceID, m.BilledRate, m.ServiceType, m.ContractID, m.AgreedRate,
			m.UsageQuantity, m.RevenueImpact.StringFixed(2)),
		m)
}

// MissingCharge is a contract with no billing activity at all for its
// (customer, service) pair.
type MissingCharge struct {
	ContractID  string          `json:"contract_id"`
	CustomerID  string          `json:"customer_id"`
	ServiceType string          `json:"service_type"`
	AgreedRate  decimal.Decimal `json:"agreed_rate"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
}

func (m MissingCharge) Finding() Finding {
	return newFinding(KindMissingCharge, m.CustomerID, m.ServiceType,
		[]string{m.ContractID}, decimal.Zero,
		fmt.Sprintf("Contract %s (%s at %s/unit, %s to %s) has no billing records",
			m.ContractID, m.ServiceType, m.AgreedRate,
			m.StartDate.Format(time.DateOnly), m.EndDate.Format(time.DateOnly)),
		m)
}

// DuplicateEntry is a cluster of billing records with identical business
// content under different invoice ids.
type DuplicateEntry struct {
	CustomerID    string          `json:"customer_id"`
	ServiceType   string          `json:"service_type"`
	BilledRate    decimal.Decimal `json:"billed_rate"`
	UsageQuantity decimal.Decimal `json:"usage_quantity"`
	TotalCharge   decimal.Decimal `json:"total_charge"`
	Date          time.Time       `json:"date"`
	InvoiceIDs    []string        `json:"invoice_ids"`
}

func (d DuplicateEntry) Count() int { return len(d.InvoiceIDs) }

// Impact is the part of the cluster that should not have been billed:
// total_charge × (count - 1). It is a magnitude; the finding carries it
// negated because the customer was overcharged.
func (d DuplicateEntry) Impact() decimal.Decimal {
	if len(d.InvoiceIDs) < 2 {
		return decimal.Zero
	}
	return d.TotalCharge.Mul(decimal.NewFromInt(int64(len(d.InvoiceIDs) - 1)))
}

func (d DuplicateEntry) Finding() Finding {
	return newFinding(KindDuplicateEntry, d.CustomerID, d.ServiceType,
		d.InvoiceIDs, d.Impact().Neg(),
		fmt.Sprintf("%d identical %s charges of %s on %s (invoices %s)",
			d.Count(), d.ServiceType, d.TotalCharge.StringFixed(2),
			d.Date.Format(time.DateOnly), strings.Join(d.InvoiceIDs, ", ")),
		d)
}

// UsageMismatch compares recorded usage against billed quantity for a pair.
type UsageMismatch struct {
	CustomerID    string          `json:"customer_id"`
	ServiceType   string          `json:"service_type"`
	RecordedUsage decimal.Decimal `json:"recorded_usage"`
	BilledUsage   decimal.Decimal `json:"billed_usage"`
	// Difference is recorded minus billed: positive means usage went unbilled.
	Difference    decimal.Decimal `json:"difference"`
	DifferencePct decimal.Decimal `json:"difference_pct"`
	// EffectiveRate is the pair's billed total divided by its billed quantity.
	EffectiveRate decimal.Decimal `json:"effective_rate"`
	Impact        decimal.Decimal `json:"impact"`
}

func (m UsageMismatch) Finding() Finding {
	return newFinding(KindUsageMismatch, m.CustomerID, m.ServiceType,
		nil, m.Impact,
		fmt.Sprintf("%s/%s recorded %s units but billed %s (%s%% difference)",
			m.CustomerID, m.ServiceType, m.RecordedUsage, m.BilledUsage,
			m.DifferencePct.StringFixed(2)),
		m)
}

// OrphanedCharge is a billing record for a pair that has no contract.
type OrphanedCharge struct {
	InvoiceID     string          `json:"invoice_id"`
	CustomerID    string          `json:"customer_id"`
	ServiceType   string          `json:"service_type"`
	BilledRate    decimal.Decimal `json:"billed_rate"`
	UsageQuantity decimal.Decimal `json:"usage_quantity"`
	TotalCharge   decimal.Decimal `json:"total_charge"`
	Date          time.Time       `json:"date"`
}

func (o OrphanedCharge) Finding() Finding {
	return newFinding(KindOrphanedCharge, o.CustomerID, o.ServiceType,
		[]string{o.InvoiceID}, decimal.Zero,
		fmt.Sprintf("Invoice %s charges %s for %s with no contract on file",
			o.InvoiceID, o.TotalCharge.StringFixed(2), o.ServiceType),
		o)
}

func newFinding(kind FindingKind, customer, service string, sources []string,
	impact decimal.Decimal, desc string, detail any) Finding {
	raw, err := json.Marshal(detail)
	if err != nil {
		raw = nil
	}
	return Finding{
		Kind:            kind,
		CustomerID:      customer,
		ServiceType:     service,
		SourceIDs:       sources,
		FinancialImpact: impact,
		Description:     desc,
		Detail:          raw,
	}
}
