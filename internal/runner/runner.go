// Package runner orchestrates a full valuation run over a loaded deal:
// compliance, migration batch, cashflow projection, waterfall, and
// optional rebalancing, persisting the output when a store is wired.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/petrakis/cloval/internal/domain"
	"github.com/petrakis/cloval/internal/modules/cashflow"
	"github.com/petrakis/cloval/internal/modules/compliance"
	"github.com/petrakis/cloval/internal/modules/deal"
	"github.com/petrakis/cloval/internal/modules/migration"
	"github.com/petrakis/cloval/internal/modules/rebalancing"
	"github.com/petrakis/cloval/internal/modules/results"
	"github.com/petrakis/cloval/internal/modules/waterfall"
	"github.com/petrakis/cloval/internal/runctx"
)

// Store is the persistence seam. The sqlite repository satisfies it;
// tests may leave it nil.
type Store interface {
	SaveRun(ctx context.Context, out results.Output) error
}

// Archiver uploads a completed run's artifact. Optional.
type Archiver interface {
	ArchiveRun(ctx context.Context, out results.Output) error
}

// Options configures one run.
type Options struct {
	Seed    int64
	Paths   int
	Workers int
	Sink    runctx.ProgressSink

	// Optimize enables the rebalancing stage.
	Optimize       bool
	OptimizeConfig rebalancing.Config
	// Universe is the purchasable asset list for the optimizer.
	Universe []*domain.Asset
}

// Report is everything a run produced, including the raw module
// outputs the persisted tables summarize.
type Report struct {
	Output     results.Output
	Objective  float64
	Migration  *migration.BatchResult
	Waterfall  *waterfall.Outcome
	Cashflows  []cashflow.Period
	Rebalanced *rebalancing.Result
}

// Runner wires the engine modules into one execution path.
type Runner struct {
	log       zerolog.Logger
	projector *cashflow.Projector
	tests     *compliance.Engine
	simulator *migration.Simulator
	cascade   *waterfall.Engine
	optimizer *rebalancing.Optimizer
	store     Store
	archiver  Archiver
}

// New creates a runner. store and archiver may be nil.
func New(log zerolog.Logger, store Store, archiver Archiver) *Runner {
	return &Runner{
		log:       log.With().Str("service", "runner").Logger(),
		projector: cashflow.NewProjector(log),
		tests:     compliance.NewEngine(log),
		simulator: migration.NewSimulator(log),
		cascade:   waterfall.NewEngine(log),
		optimizer: rebalancing.NewOptimizer(log, compliance.NewEngine(log)),
		store:     store,
		archiver:  archiver,
	}
}

// RunCompliance executes the compliance suite alone, for scheduled
// nightly checks. It persists a COMPLIANCE run when a store is wired.
func (r *Runner) RunCompliance(ctx context.Context, d *deal.Deal, seed int64) ([]compliance.Result, error) {
	rc := runctx.New(ctx, r.log, seed, nil)
	started := time.Now()

	testResults, err := r.tests.Run(d.Pool, d.Compliance, d.AsOf)
	if err != nil {
		return nil, err
	}
	objective := compliance.Objective(testResults, d.Compliance)

	if r.store != nil {
		out := results.Output{
			Run: results.RunRecord{
				ID:         rc.ID,
				Deal:       d.Name,
				Kind:       "COMPLIANCE",
				Seed:       rc.Seed,
				Status:     "COMPLETED",
				Objective:  objective,
				StartedAt:  started,
				FinishedAt: time.Now(),
			},
			Tests: testResults,
		}
		if err := r.store.SaveRun(ctx, out); err != nil {
			return nil, fmt.Errorf("runner: persisting compliance run: %w", err)
		}
	}
	return testResults, nil
}

// Run executes the full pipeline. Module errors abort the run; when a
// store is wired the aborted run is persisted as FAILED so the failure
// is visible in run history.
func (r *Runner) Run(ctx context.Context, d *deal.Deal, opts Options) (*Report, error) {
	rc := runctx.New(ctx, r.log, opts.Seed, opts.Sink)
	started := time.Now()
	log := r.log.With().Str("run_id", rc.ID).Str("deal", d.Name).Logger()
	log.Info().Int64("seed", rc.Seed).Int("paths", opts.Paths).Msg("run started")

	report, err := r.execute(rc, d, opts)
	finished := time.Now()

	if err != nil {
		if r.store != nil {
			failed := results.Output{Run: results.RunRecord{
				ID: rc.ID, Deal: d.Name, Kind: "FULL", Seed: rc.Seed, Paths: opts.Paths,
				Status: "FAILED", Error: err.Error(),
				StartedAt: started, FinishedAt: finished,
			}}
			if saveErr := r.store.SaveRun(ctx, failed); saveErr != nil {
				log.Error().Err(saveErr).Msg("persisting failed run")
			}
		}
		log.Error().Err(err).Msg("run aborted")
		return nil, err
	}

	report.Output.Run = results.RunRecord{
		ID: rc.ID, Deal: d.Name, Kind: "FULL", Seed: rc.Seed, Paths: opts.Paths,
		Status: "COMPLETED", Objective: objectiveOf(report),
		StartedAt: started, FinishedAt: finished,
	}
	if r.store != nil {
		if err := r.store.SaveRun(ctx, report.Output); err != nil {
			return nil, fmt.Errorf("runner: persisting run: %w", err)
		}
	}
	if r.archiver != nil {
		if err := r.archiver.ArchiveRun(ctx, report.Output); err != nil {
			// Archival is best effort; the run itself succeeded.
			log.Warn().Err(err).Msg("archiving run artifact")
		}
	}

	log.Info().
		Dur("elapsed", finished.Sub(started)).
		Int("tests", len(report.Output.Tests)).
		Int("trades", len(report.Output.Trades)).
		Msg("run complete")
	return report, nil
}

func (r *Runner) execute(rc *runctx.RunContext, d *deal.Deal, opts Options) (*Report, error) {
	report := &Report{}

	rc.Progress("compliance", 1, 5, "running test suite")
	testResults, err := r.tests.Run(d.Pool, d.Compliance, d.AsOf)
	if err != nil {
		return nil, err
	}
	report.Output.Tests = testResults
	report.Objective = compliance.Objective(testResults, d.Compliance)

	rc.Progress("migration", 2, 5, "simulating rating paths")
	batch, err := r.simulator.Run(rc, d.Pool, migration.DefaultAnnualTransitions(), migration.Config{
		Paths:          opts.Paths,
		Periods:        d.Structure.Periods,
		PeriodsPerYear: d.Structure.PaymentsPerYear,
		Workers:        opts.Workers,
		AsOf:           d.AsOf,
	})
	if err != nil {
		return nil, err
	}
	report.Migration = batch
	report.Output.Migration = batch

	rc.Progress("cashflow", 3, 5, "projecting collateral cashflows")
	// Default timing for the projection comes from the batch's median
	// path, so the cashflows reflect the simulated migrations rather
	// than the flat per-asset rates.
	flows, err := d.Pool.AggregateCashflowsRatingDriven(
		r.projector, d.AsOf, batch.DefaultPeriodsByAsset(batch.RepresentativePath()))
	if err != nil {
		return nil, err
	}
	report.Cashflows = flows

	rc.Progress("waterfall", 4, 5, "allocating liability cash")
	outcome, err := r.cascade.Run(rc, d.Structure, periodInputs(flows))
	if err != nil {
		return nil, err
	}
	report.Waterfall = outcome
	report.Output.Ledgers = outcome.Ledgers

	if opts.Optimize {
		rc.Progress("rebalancing", 5, 5, "optimizing portfolio")
		rebalanced, err := r.optimizer.Run(rc, d.Pool, d.Compliance, opts.Universe, opts.OptimizeConfig, d.AsOf)
		if err != nil {
			return nil, err
		}
		report.Rebalanced = rebalanced
		report.Output.Trades = rebalanced.Trades
	}
	return report, nil
}

// periodInputs turns the pooled asset cashflows into waterfall period
// inputs. Recoveries are principal proceeds.
func periodInputs(flows []cashflow.Period) []waterfall.PeriodInput {
	out := make([]waterfall.PeriodInput, len(flows))
	for i, p := range flows {
		out[i] = waterfall.PeriodInput{
			Period:               p.Number,
			InterestCollections:  p.Interest,
			PrincipalCollections: p.ScheduledPrincipal + p.UnscheduledPrincipal + p.Recoveries,
			CollateralBalance:    p.EndBalance,
		}
	}
	return out
}

func objectiveOf(report *Report) float64 {
	if report.Rebalanced != nil {
		return report.Rebalanced.ObjectiveAfter
	}
	return report.Objective
}
