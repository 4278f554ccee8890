package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/leakwatch/auditor/internal/domain"
	"github.com/leakwatch/auditor/internal/logging"
)

// Result holds the typed findings of one engine run.
type Result struct {
	Filter          Filter
	RateMismatches  []domain.RateMismatch
	MissingCharges  []domain.MissingCharge
	Duplicates      []domain.DuplicateEntry
	UsageMismatches []domain.UsageMismatch
	OrphanedCharges []domain.OrphanedCharge
	// Outcomes has one entry per detector, in domain.Kinds order.
	Outcomes []domain.DetectorOutcome
	Warnings []AmbiguousKeyWarning

	policy Policy
}

// Outcome returns the outcome recorded for kind.
func (r *Result) Outcome(kind domain.FindingKind) (domain.DetectorOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Kind == kind {
			return o, true
		}
	}
	return domain.DetectorOutcome{}, false
}

// Findings merges the typed lists into one slice in domain.Kinds order,
// numbering ids per kind and classifying severity.
func (r *Result) Findings() []domain.Finding {
	var out []domain.Finding
	add := func(prefix string, f domain.Finding, seq int) {
		f.ID = fmt.Sprintf("%s-%05d", prefix, seq)
		f.Severity = r.policy.Classify(f.Kind, f.FinancialImpact)
		out = append(out, f)
	}
	for i, m := range r.RateMismatches {
		add("RM", m.Finding(), i+1)
	}
	for i, m := range r.MissingCharges {
		add("MC", m.Finding(), i+1)
	}
	for i, d := range r.Duplicates {
		add("DU", d.Finding(), i+1)
	}
	for i, m := range r.UsageMismatches {
		add("UM", m.Finding(), i+1)
	}
	for i, o := range r.OrphanedCharges {
		add("OC", o.Finding(), i+1)
	}
	return out
}

// TotalImpact is the signed sum of every finding's financial impact.
func (r *Result) TotalImpact() decimal.Decimal {
	total := decimal.Zero
	for _, o := range r.Outcomes {
		total = total.Add(o.Impact)
	}
	return total
}

// Engine runs every detector over one dataset concurrently. A detector that
// lacks input or fails does not stop the others.
type Engine struct {
	detector *Detector
	log      zerolog.Logger
}

func NewEngine(p Policy) *Engine {
	return &Engine{
		detector: NewDetector(p),
		log:      logging.Component("reconciliation"),
	}
}

func (e *Engine) Policy() Policy { return e.detector.policy }

type detectorTask struct {
	kind domain.FindingKind
	run  func() (int, decimal.Decimal, error)
}

// Run applies f to every record set of ds and runs the detectors, one
// goroutine each. It returns early with ctx's error if ctx is done first.
func (e *Engine) Run(ctx context.Context, ds Dataset, f Filter) (*Result, error) {
	ds = ds.Apply(f)
	p := e.detector.policy
	res := &Result{Filter: f, policy: p}

	res.Warnings = NewIndex(ds.Contracts, nil, Filter{}, p.TieBreak).Ambiguous()
	for _, w := range res.Warnings {
		e.log.Warn().
			Str("key", w.Key.String()).
			Strs("contracts", w.ContractIDs).
			Str("tie_break", string(w.TieBreak)).
			Msg("Ambiguous contract key")
	}

	tasks := []detectorTask{
		{domain.KindRateMismatch, func() (int, decimal.Decimal, error) {
			out, err := e.detector.CompareRates(ds.Billing, ds.Contracts, f)
			res.RateMismatches = out
			impact := decimal.Zero
			for _, m := range out {
				impact = impact.Add(m.RevenueImpact)
			}
			return len(out), impact, err
		}},
		{domain.KindMissingCharge, func() (int, decimal.Decimal, error) {
			out, err := e.detector.DetectMissingCharges(ds.Contracts, ds.Billing)
			res.MissingCharges = out
			return len(out), decimal.Zero, err
		}},
		{domain.KindDuplicateEntry, func() (int, decimal.Decimal, error) {
			out, err := e.detector.DetectDuplicates(ds.Billing)
			res.Duplicates = out
			impact := decimal.Zero
			for _, d := range out {
				impact = impact.Sub(d.Impact())
			}
			return len(out), impact, err
		}},
		{domain.KindUsageMismatch, func() (int, decimal.Decimal, error) {
			out, err := e.detector.DetectUsageMismatches(ds.Usage, ds.Billing)
			res.UsageMismatches = out
			impact := decimal.Zero
			for _, m := range out {
				impact = impact.Add(m.Impact)
			}
			return len(out), impact, err
		}},
	}
	if p.DetectOrphans {
		tasks = append(tasks, detectorTask{domain.KindOrphanedCharge, func() (int, decimal.Decimal, error) {
			out, err := e.detector.DetectOrphanedCharges(ds.Billing, ds.Contracts)
			res.OrphanedCharges = out
			return len(out), decimal.Zero, err
		}})
	}

	outcomes := make([]domain.DetectorOutcome, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			outcomes[i] = e.runDetector(t.kind, t.run)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("audit interrupted: %w", ctx.Err())
	}

	if !p.DetectOrphans {
		outcomes = append(outcomes, domain.DetectorOutcome{
			Kind:   domain.KindOrphanedCharge,
			Status: domain.StatusSkipped,
			Impact: decimal.Zero,
		})
	}
	res.Outcomes = outcomes
	return res, nil
}

// runDetector converts a detector's return values, or its panic, into an outcome.
func (e *Engine) runDetector(kind domain.FindingKind, run func() (int, decimal.Decimal, error)) (out domain.DetectorOutcome) {
	out = domain.DetectorOutcome{Kind: kind, Impact: decimal.Zero}
	defer func() {
		if r := recover(); r != nil {
			out = domain.DetectorOutcome{
				Kind:   kind,
				Status: domain.StatusFailed,
				Error:  fmt.Sprintf("panic: %v", r),
				Impact: decimal.Zero,
			}
			e.log.Error().Str("detector", string(kind)).Interface("panic", r).Msg("Detector failed")
		}
	}()

	n, impact, err := run()
	switch {
	case errors.Is(err, ErrMissingInput):
		out.Status = domain.StatusMissingInput
		out.Error = err.Error()
		e.log.Warn().Str("detector", string(kind)).Err(err).Msg("Detector skipped")
	case err != nil:
		out.Status = domain.StatusFailed
		out.Error = err.Error()
		e.log.Error().Str("detector", string(kind)).Err(err).Msg("Detector failed")
	default:
		out.Status = domain.StatusOK
		out.Findings = n
		out.Impact = impact
		e.log.Debug().Str("detector", string(kind)).Int("findings", n).Str("impact", impact.String()).Msg("Detector finished")
	}
	return out
}
