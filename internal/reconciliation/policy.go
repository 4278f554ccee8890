package reconciliation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/leakwatch/auditor/internal/domain"
)

// TieBreak decides which contract applies when several share a
// (customer, service) key.
type TieBreak string

const (
	// TieBreakLastSeen keeps the contract that appears last in the input.
	TieBreakLastSeen TieBreak = "last_seen"
	// TieBreakLatestStart keeps the contract with the most recent start date;
	// equal start dates fall back to input order.
	TieBreakLatestStart TieBreak = "latest_start"
	// TieBreakEffectiveDate picks, per billing record, the contract whose
	// period covers the billing date, falling back to last seen.
	TieBreakEffectiveDate TieBreak = "effective_date"
)

// ParseTieBreak accepts the policy names above, case-insensitively.
func ParseTieBreak(s string) (TieBreak, error) {
	switch tb := TieBreak(strings.ToLower(strings.TrimSpace(s))); tb {
	case "":
		return TieBreakLastSeen, nil
	case TieBreakLastSeen, TieBreakLatestStart, TieBreakEffectiveDate:
		return tb, nil
	default:
		return "", fmt.Errorf("unknown tie-break policy %q", s)
	}
}

// SeverityBands maps absolute financial impact to a severity. An impact above
// Critical is CRITICAL, above High is HIGH, above Medium is MEDIUM, else LOW.
type SeverityBands struct {
	Medium   decimal.Decimal
	High     decimal.Decimal
	Critical decimal.Decimal
}

// Policy holds the detection constants.
type Policy struct {
	// RateTolerance is the absolute rate difference a billing record may show
	// before it is flagged. The comparison is exclusive.
	RateTolerance decimal.Decimal
	// UsageThresholdPct is the relative usage difference, in percent, above
	// which a pair is flagged.
	UsageThresholdPct decimal.Decimal
	TieBreak          TieBreak
	// DetectOrphans enables the orphaned-charge detector.
	DetectOrphans bool
	Severity      SeverityBands
}

func DefaultPolicy() Policy {
	return Policy{
		RateTolerance:     decimal.RequireFromString("0.0001"),
		UsageThresholdPct: decimal.NewFromInt(10),
		TieBreak:          TieBreakLastSeen,
		DetectOrphans:     true,
		Severity: SeverityBands{
			Medium:   decimal.NewFromInt(100),
			High:     decimal.NewFromInt(500),
			Critical: decimal.NewFromInt(5000),
		},
	}
}

func (p Policy) Validate() error {
	if p.RateTolerance.IsNegative() {
		return fmt.Errorf("rate tolerance must not be negative, got %s", p.RateTolerance)
	}
	if p.UsageThresholdPct.IsNegative() {
		return fmt.Errorf("usage threshold must not be negative, got %s", p.UsageThresholdPct)
	}
	if _, err := ParseTieBreak(string(p.TieBreak)); err != nil {
		return err
	}
	s := p.Severity
	if s.Medium.GreaterThan(s.High) || s.High.GreaterThan(s.Critical) {
		return fmt.Errorf("severity bands must be ascending: %s <= %s <= %s", s.Medium, s.High, s.Critical)
	}
	return nil
}

// Classify assigns a severity to a finding from its kind and impact.
func (p Policy) Classify(kind domain.FindingKind, impact decimal.Decimal) domain.Severity {
	switch kind {
	case domain.KindMissingCharge:
		return domain.SeverityMedium
	case domain.KindOrphanedCharge:
		return domain.SeverityHigh
	}

	abs := impact.Abs()
	switch {
	case abs.GreaterThan(p.Severity.Critical):
		return domain.SeverityCritical
	case abs.GreaterThan(p.Severity.High):
		return domain.SeverityHigh
	case abs.GreaterThan(p.Severity.Medium):
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
