package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leakwatch/auditor/internal/domain"
	"github.com/leakwatch/auditor/internal/logging"
	"github.com/leakwatch/auditor/internal/repository"
)

// Audit is the outcome of one persisted run.
type Audit struct {
	Run      *domain.AuditRun `json:"run"`
	Findings []domain.Finding `json:"findings"`
	Result   *Result          `json:"-"`
}

// Service loads the stored records, runs the engine over them and saves the
// run with its findings.
type Service struct {
	engine       *Engine
	contracts    *repository.ContractRepo
	billing      *repository.BillingRepo
	usage        *repository.UsageRepo
	provisioning *repository.ProvisioningRepo
	runs         *repository.AuditRunRepo
	log          zerolog.Logger
	now          func() time.Time
}

func NewService(
	engine *Engine,
	contracts *repository.ContractRepo,
	billing *repository.BillingRepo,
	usage *repository.UsageRepo,
	provisioning *repository.ProvisioningRepo,
	runs *repository.AuditRunRepo,
) *Service {
	return &Service{
		engine:       engine,
		contracts:    contracts,
		billing:      billing,
		usage:        usage,
		provisioning: provisioning,
		runs:         runs,
		log:          logging.Component("audit"),
		now:          time.Now,
	}
}

// LoadDataset reads every stored record set in load order.
func (s *Service) LoadDataset(ctx context.Context) (Dataset, error) {
	var ds Dataset
	var err error

	if ds.Contracts, err = s.contracts.All(ctx); err != nil {
		return ds, fmt.Errorf("load contracts: %w", err)
	}
	if ds.Billing, err = s.billing.All(ctx); err != nil {
		return ds, fmt.Errorf("load billing records: %w", err)
	}
	if ds.Usage, err = s.usage.All(ctx); err != nil {
		return ds, fmt.Errorf("load usage logs: %w", err)
	}
	if ds.Provisioning, err = s.provisioning.All(ctx); err != nil {
		return ds, fmt.Errorf("load provisioning: %w", err)
	}
	return ds, nil
}

// RunAudit runs every detector over the stored records matching f and
// persists the run. Each run gets a fresh id; earlier runs are kept.
func (s *Service) RunAudit(ctx context.Context, f Filter) (*Audit, error) {
	started := s.now().UTC()

	ds, err := s.LoadDataset(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Run(ctx, ds, f)
	if err != nil {
		return nil, err
	}

	run := &domain.AuditRun{
		ID:             uuid.NewString(),
		CustomerFilter: f.CustomerID,
		ServiceFilter:  f.ServiceType,
		StartedAt:      started,
		FinishedAt:     s.now().UTC(),
		Outcomes:       res.Outcomes,
		TotalImpact:    res.TotalImpact(),
	}
	for _, w := range res.Warnings {
		run.Warnings = append(run.Warnings, w.String())
	}

	findings := res.Findings()
	for i := range findings {
		findings[i].RunID = run.ID
		findings[i].DetectedAt = run.FinishedAt
	}
	run.FindingCount = len(findings)

	if err := s.runs.Save(ctx, run, findings); err != nil {
		return nil, fmt.Errorf("save audit run: %w", err)
	}

	ev := s.log.Info().
		Str("run_id", run.ID).
		Int("findings", run.FindingCount).
		Str("total_impact", run.TotalImpact.StringFixed(2)).
		Int("warnings", len(run.Warnings))
	for _, o := range run.Outcomes {
		ev = ev.Str(string(o.Kind), string(o.Status))
	}
	ev.Msg("Audit finished")

	return &Audit{Run: run, Findings: findings, Result: res}, nil
}
