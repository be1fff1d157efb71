// Package orchestrator drives the pipeline through its phases: Discovery,
// Download, Extraction, Structuring.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/executor"
	"github.com/csexpert/coursecrawler/internal/pipeline"
	"github.com/csexpert/coursecrawler/internal/telemetry"
)

// Config carries orchestration knobs.
type Config struct {
	MaxRetries        int
	ErrorTolerancePct float64

	// Fresh starts at discovery instead of inferring the resume phase.
	// Finished phases drain instantly since their items are no longer
	// claimable.
	Fresh bool
}

// RunStats summarizes one run. Reconstructed from store aggregates at
// startup, never persisted.
type RunStats struct {
	StartPhase       pipeline.Phase
	Reaped           int
	PerPhase         map[pipeline.Phase]executor.Result
	TerminalFailures map[pipeline.Phase]int
	TotalCost        float64
	Completed        bool
}

// Orchestrator owns the phase state machine. Phase order is strictly linear;
// a phase is entered only when every earlier phase has no claimable items.
type Orchestrator struct {
	store  pipeline.Store
	exec   *executor.Executor
	phases []executor.Phase
	cfg    Config
	logger *zap.Logger
}

// New assembles an orchestrator over pre-built phases, which must be in
// pipeline order.
func New(store pipeline.Store, exec *executor.Executor, phases []executor.Phase, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		exec:   exec,
		phases: phases,
		cfg:    cfg,
		logger: logger.Named("orchestrator"),
	}
}

// Seed enqueues catalog search pages as discovery items. Duplicates from
// earlier runs are ignored.
func (o *Orchestrator) Seed(ctx context.Context, searchURLs []string) (int, error) {
	added := 0
	for _, u := range searchURLs {
		u = pipeline.NormalizeURL(u)
		if u == "" {
			continue
		}
		if _, err := o.store.Enqueue(ctx, pipeline.PhaseDiscovery, u, ""); err != nil {
			if errors.Is(err, pipeline.ErrDuplicateItem) {
				continue
			}
			return added, fmt.Errorf("seed %s: %w", u, err)
		}
		added++
	}
	return added, nil
}

// Run executes the pipeline to completion, resuming from whatever the store
// says is unfinished. It aborts only on systemic failure, cancellation, or a
// phase whose terminal error rate exceeds the tolerance.
func (o *Orchestrator) Run(ctx context.Context) (RunStats, error) {
	stats := RunStats{
		PerPhase:         make(map[pipeline.Phase]executor.Result),
		TerminalFailures: make(map[pipeline.Phase]int),
	}

	reaped, err := o.store.ReapAbandoned(ctx)
	if err != nil {
		return stats, fmt.Errorf("reap abandoned items: %w", err)
	}
	stats.Reaped = reaped
	if reaped > 0 {
		o.logger.Info("reaped abandoned items", zap.Int("count", reaped))
	}

	start, err := o.inferStartPhase(ctx)
	if err != nil {
		return stats, err
	}
	stats.StartPhase = start
	if start == pipeline.PhaseCompleted {
		o.logger.Info("nothing to do, pipeline already complete")
		stats.Completed = true
		return stats, o.finalize(ctx, &stats)
	}
	o.logger.Info("starting run", zap.String("phase", string(start)))

	started := false
	for _, phase := range o.phases {
		if phase.Name == start {
			started = true
		}
		if !started {
			continue
		}

		telemetry.SetCurrentPhase(phaseNames(), string(phase.Name))
		res, err := o.exec.Run(ctx, phase)
		stats.PerPhase[phase.Name] = res
		if err != nil {
			return stats, fmt.Errorf("phase %s: %w", phase.Name, err)
		}

		if err := o.checkTolerance(ctx, phase.Name, &stats); err != nil {
			return stats, err
		}
		if err := o.store.SaveCheckpoint(ctx, phase.Name); err != nil {
			return stats, fmt.Errorf("checkpoint %s: %w", phase.Name, err)
		}
		o.logger.Info("phase complete",
			zap.String("phase", string(phase.Name)),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
			zap.Int("network_errors", res.NetworkErrors))
	}

	telemetry.SetCurrentPhase(phaseNames(), string(pipeline.PhaseCompleted))
	stats.Completed = true
	return stats, o.finalize(ctx, &stats)
}

// inferStartPhase picks the earliest phase with claimable work. Checkpoints
// are observability only; resume derives entirely from item aggregates.
func (o *Orchestrator) inferStartPhase(ctx context.Context) (pipeline.Phase, error) {
	if o.cfg.Fresh {
		return pipeline.PhaseDiscovery, nil
	}
	for _, phase := range pipeline.Phases {
		n, err := o.store.CountClaimable(ctx, phase, o.cfg.MaxRetries)
		if err != nil {
			return "", fmt.Errorf("count claimable for %s: %w", phase, err)
		}
		if n > 0 {
			return phase, nil
		}
	}
	return pipeline.PhaseCompleted, nil
}

// checkTolerance aborts the run when a phase's terminal failures exceed the
// configured share of its items. Failures within tolerance are reported and
// accepted; one bad syllabus must not sink a ten-hour run.
func (o *Orchestrator) checkTolerance(ctx context.Context, phase pipeline.Phase, stats *RunStats) error {
	failures, err := o.store.TerminalFailures(ctx, phase, o.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("terminal failures for %s: %w", phase, err)
	}
	stats.TerminalFailures[phase] = len(failures)
	if len(failures) == 0 {
		return nil
	}

	counts, err := o.store.CountByStatus(ctx, phase)
	if err != nil {
		return fmt.Errorf("counts for %s: %w", phase, err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return nil
	}

	rate := float64(len(failures)) / float64(total) * 100
	if rate > o.cfg.ErrorTolerancePct {
		o.logger.Error("error rate exceeds tolerance",
			zap.String("phase", string(phase)),
			zap.Float64("rate_pct", rate),
			zap.Float64("tolerance_pct", o.cfg.ErrorTolerancePct))
		return fmt.Errorf("phase %s error rate %.1f%% over %.1f%%: %w",
			phase, rate, o.cfg.ErrorTolerancePct, pipeline.ErrToleranceExceeded)
	}

	o.logger.Warn("terminal failures within tolerance",
		zap.String("phase", string(phase)),
		zap.Int("failures", len(failures)),
		zap.Float64("rate_pct", rate))
	return nil
}

// finalize emits the run summary and the data-quality report.
func (o *Orchestrator) finalize(ctx context.Context, stats *RunStats) error {
	cost, err := o.store.TotalCost(ctx)
	if err != nil {
		return fmt.Errorf("total cost: %w", err)
	}
	stats.TotalCost = cost

	succeeded, failed, skipped, network := 0, 0, 0, 0
	for _, res := range stats.PerPhase {
		succeeded += res.Succeeded
		failed += res.Failed
		skipped += res.Skipped
		network += res.NetworkErrors
	}
	o.logger.Info("run summary",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
		zap.Int("network_errors", network),
		zap.Float64("total_cost", cost))

	for _, phase := range pipeline.Phases {
		failures, err := o.store.TerminalFailures(ctx, phase, o.cfg.MaxRetries)
		if err != nil {
			return fmt.Errorf("failure report for %s: %w", phase, err)
		}
		for _, item := range failures {
			o.logger.Warn("unprocessable item",
				zap.String("phase", string(phase)),
				zap.String("source", item.SourceKey),
				zap.Int("attempts", item.RetryCount),
				zap.String("last_error", item.LastError))
		}
	}
	return nil
}

// Validate reports store consistency problems.
func (o *Orchestrator) Validate(ctx context.Context) (pipeline.ValidationReport, error) {
	return o.store.Validate(ctx)
}

// Stats returns the per-phase aggregates and accumulated cost.
func (o *Orchestrator) Stats(ctx context.Context) (map[pipeline.Phase]map[pipeline.ItemStatus]int, float64, error) {
	out := make(map[pipeline.Phase]map[pipeline.ItemStatus]int)
	for _, phase := range pipeline.Phases {
		counts, err := o.store.CountByStatus(ctx, phase)
		if err != nil {
			return nil, 0, fmt.Errorf("counts for %s: %w", phase, err)
		}
		out[phase] = counts
	}
	cost, err := o.store.TotalCost(ctx)
	if err != nil {
		return nil, 0, err
	}
	return out, cost, nil
}

func phaseNames() []string {
	names := make([]string, 0, len(pipeline.Phases)+1)
	for _, p := range pipeline.Phases {
		names = append(names, string(p))
	}
	return append(names, string(pipeline.PhaseCompleted))
}
