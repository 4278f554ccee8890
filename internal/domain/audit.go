package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DetectorStatus string

const (
	StatusOK           DetectorStatus = "ok"
	StatusMissingInput DetectorStatus = "missing_input"
	StatusFailed       DetectorStatus = "failed"
	StatusSkipped      DetectorStatus = "skipped"
)

// DetectorOutcome records how one detector fared within an audit run.
type DetectorOutcome struct {
	Kind     FindingKind     `json:"kind"`
	Status   DetectorStatus  `json:"status"`
	Error    string          `json:"error,omitempty"`
	Findings int             `json:"findings"`
	Impact   decimal.Decimal `json:"impact"`
}

// AuditRun summarises one execution of the detection engine.
type AuditRun struct {
	ID             string            `json:"id"`
	CustomerFilter string            `json:"customer_filter,omitempty"`
	ServiceFilter  string            `json:"service_filter,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	Outcomes       []DetectorOutcome `json:"outcomes"`
	Warnings       []string          `json:"warnings,omitempty"`
	FindingCount   int               `json:"finding_count"`
	TotalImpact    decimal.Decimal   `json:"total_impact"`
}
