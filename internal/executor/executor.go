// Package executor runs one pipeline phase: claim batches from the queue,
// fan out over a bounded worker pool, and record every item's outcome.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/pipeline"
	"github.com/csexpert/coursecrawler/internal/telemetry"
)

// waiter blocks until a rate-limit key has quota.
type waiter interface {
	Wait(ctx context.Context, key string) error
}

// Phase describes the pluggable parts of one pipeline phase.
type Phase struct {
	Name        pipeline.Phase
	Concurrency int

	// Op performs the item's work. Its context is detached from run
	// cancellation but bounded by the request timeout, so in-flight external
	// calls finish or time out instead of being torn down mid-write.
	Op func(ctx context.Context, item pipeline.WorkItem) error

	// LimiterKey names the shared quota the item consumes, "" for none.
	LimiterKey func(item pipeline.WorkItem) string

	// AlreadyDone reports whether the item's output already exists; such
	// items are marked skipped without running Op.
	AlreadyDone func(ctx context.Context, item pipeline.WorkItem) (bool, error)

	// GroupOrder optionally reorders a claimed batch before fan-out.
	GroupOrder func(items []pipeline.WorkItem) []pipeline.WorkItem

	// LoadHook, if set, receives the transient-failure fraction of each
	// finished batch.
	LoadHook func(transientFraction float64)
}

// Result aggregates one phase run.
type Result struct {
	Succeeded     int
	Failed        int
	Skipped       int
	NetworkErrors int
}

// Config carries the engine knobs shared by all phases.
type Config struct {
	BatchSize       int
	MaxRetries      int
	RequestTimeout  time.Duration
	NetworkCooldown time.Duration
}

// Executor drives phases against the queue.
type Executor struct {
	queue   pipeline.WorkQueue
	limiter waiter
	cfg     Config
	logger  *zap.Logger
}

// New creates an Executor.
func New(queue pipeline.WorkQueue, limiter waiter, cfg Config, logger *zap.Logger) *Executor {
	return &Executor{queue: queue, limiter: limiter, cfg: cfg, logger: logger.Named("executor")}
}

type counters struct {
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	network   atomic.Int64
	transient atomic.Int64

	mu       sync.Mutex
	systemic error
}

func (c *counters) setSystemic(err error) {
	c.mu.Lock()
	if c.systemic == nil {
		c.systemic = err
	}
	c.mu.Unlock()
}

func (c *counters) systemicErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemic
}

// Run claims and processes batches until the phase has no claimable items.
// It returns early on run cancellation (items mid-claim stay in_progress for
// the startup reaper) or on the first systemic failure.
func (e *Executor) Run(ctx context.Context, phase Phase) (Result, error) {
	workers, err := ants.NewPool(phase.Concurrency)
	if err != nil {
		return Result{}, fmt.Errorf("create worker pool: %w", err)
	}
	defer workers.Release()

	c := &counters{}
	log := e.logger.With(zap.String("phase", string(phase.Name)))

	for {
		if err := ctx.Err(); err != nil {
			return c.result(), err
		}

		batch, err := e.queue.ClaimBatch(ctx, phase.Name, e.cfg.BatchSize, e.cfg.MaxRetries)
		if err != nil {
			return c.result(), fmt.Errorf("claim batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		if phase.GroupOrder != nil {
			batch = phase.GroupOrder(batch)
		}
		log.Info("claimed batch", zap.Int("items", len(batch)))

		var wg sync.WaitGroup
		for _, item := range batch {
			item := item
			wg.Add(1)
			if err := workers.Submit(func() {
				defer wg.Done()
				e.process(ctx, phase, item, c)
			}); err != nil {
				wg.Done()
				c.setSystemic(fmt.Errorf("submit item %d: %w", item.ID, err))
			}
		}
		wg.Wait()

		if phase.LoadHook != nil {
			phase.LoadHook(float64(c.transient.Swap(0)) / float64(len(batch)))
		}
		if err := c.systemicErr(); err != nil {
			return c.result(), err
		}
	}

	return c.result(), c.systemicErr()
}

func (e *Executor) process(ctx context.Context, phase Phase, item pipeline.WorkItem, c *counters) {
	log := e.logger.With(
		zap.String("phase", string(phase.Name)),
		zap.Int64("item", item.ID),
		zap.String("source", item.SourceKey))

	defer func() {
		if r := recover(); r != nil {
			log.Error("item panicked", zap.Any("panic", r))
			e.finish(ctx, phase, item, c, fmt.Errorf("panic: %v", r))
		}
	}()

	if phase.AlreadyDone != nil {
		done, err := phase.AlreadyDone(ctx, item)
		if err != nil {
			c.setSystemic(fmt.Errorf("alreadyDone check item %d: %w", item.ID, err))
			return
		}
		if done {
			if err := e.queue.MarkSkipped(ctx, item.ID); err != nil {
				c.setSystemic(err)
				return
			}
			c.skipped.Add(1)
			telemetry.ObserveItem(string(phase.Name), "skipped")
			return
		}
	}

	if phase.LimiterKey != nil {
		if key := phase.LimiterKey(item); key != "" {
			if err := e.limiter.Wait(ctx, key); err != nil {
				// Run canceled while queued for quota. The item stays
				// in_progress; the next run's reaper returns it to pending.
				return
			}
		}
	}

	// Detach from run cancellation so an in-flight external call completes
	// or times out rather than being interrupted mid-write.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RequestTimeout)
	err := phase.Op(opCtx, item)
	cancel()

	e.finish(ctx, phase, item, c, err)
}

func (e *Executor) finish(ctx context.Context, phase Phase, item pipeline.WorkItem, c *counters, err error) {
	// Outcomes are always recorded, even when the run is being canceled.
	markCtx := context.WithoutCancel(ctx)

	if err == nil {
		if mErr := e.queue.MarkResult(markCtx, item.ID, true, ""); mErr != nil {
			c.setSystemic(mErr)
			return
		}
		c.succeeded.Add(1)
		telemetry.ObserveItem(string(phase.Name), "success")
		return
	}

	class := pipeline.ClassifyError(err)
	if class == pipeline.ClassSystemic {
		c.setSystemic(err)
		return
	}

	if mErr := e.queue.MarkResult(markCtx, item.ID, false, err.Error()); mErr != nil {
		c.setSystemic(mErr)
		return
	}
	c.failed.Add(1)
	telemetry.ObserveItem(string(phase.Name), "failed")

	e.logger.Warn("item failed",
		zap.String("phase", string(phase.Name)),
		zap.Int64("item", item.ID),
		zap.Int("retry", item.RetryCount),
		zap.Error(err))

	if class == pipeline.ClassTransient {
		c.network.Add(1)
		c.transient.Add(1)
		telemetry.ObserveNetworkError(string(phase.Name))
		// Connectivity trouble: back off beyond the ordinary retry cycle
		// before this worker takes the next item.
		e.cooldown(ctx)
	}
}

func (e *Executor) cooldown(ctx context.Context) {
	if e.cfg.NetworkCooldown <= 0 {
		return
	}
	timer := time.NewTimer(e.cfg.NetworkCooldown)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *counters) result() Result {
	return Result{
		Succeeded:     int(c.succeeded.Load()),
		Failed:        int(c.failed.Load()),
		Skipped:       int(c.skipped.Load()),
		NetworkErrors: int(c.network.Load()),
	}
}
