// Package payout_retry drives scheduled provider retries for in-flight payout attempts
package payout_retry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/pkg/logger"
)

const (
	defaultSchedule    = "@every 5s"
	defaultBatchSize   = 50
	defaultConcurrency = 4
)

// RetrySource yields retry records whose time has come
type RetrySource interface {
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*entities.RetryRecord, error)
}

// RetryRunner executes one retry against the provider
type RetryRunner interface {
	ProcessRetry(ctx context.Context, rec *entities.RetryRecord) error
}

// ProcessorConfig holds configuration for the retry processor
type ProcessorConfig struct {
	Schedule    string
	BatchSize   int
	Concurrency int
}

// DefaultProcessorConfig returns default configuration
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Schedule:    defaultSchedule,
		BatchSize:   defaultBatchSize,
		Concurrency: defaultConcurrency,
	}
}

// Processor polls the retry schedule and hands due records to the engine
type Processor struct {
	cfg    ProcessorConfig
	source RetrySource
	runner RetryRunner
	logger *logger.Logger
	cron   *cron.Cron
	now    func() time.Time

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewProcessor creates a new retry processor
func NewProcessor(cfg ProcessorConfig, source RetrySource, runner RetryRunner, log *logger.Logger) *Processor {
	def := DefaultProcessorConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:            cfg,
		source:         source,
		runner:         runner,
		logger:         log,
		cron:           cron.New(cron.WithChain(cron.SkipIfStillRunning(log.Cron()))),
		now:            time.Now,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// Start registers the batch job and starts the scheduler
func (p *Processor) Start(ctx context.Context) error {
	_, err := p.cron.AddFunc(p.cfg.Schedule, func() {
		runCtx, cancel := mergeDone(ctx, p.shutdownCtx)
		defer cancel()
		p.RunOnce(runCtx)
	})
	if err != nil {
		return fmt.Errorf("schedule retry processor: %w", err)
	}
	p.cron.Start()
	p.logger.Info("Retry processor started", "schedule", p.cfg.Schedule, "concurrency", p.cfg.Concurrency)
	return nil
}

// Shutdown stops the scheduler and waits for an in-progress batch
func (p *Processor) Shutdown(timeout time.Duration) error {
	p.shutdownCancel()
	done := p.cron.Stop()

	select {
	case <-done.Done():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// RunOnce processes one batch of due retries and returns how many were handled
func (p *Processor) RunOnce(ctx context.Context) int {
	records, err := p.source.DueRetries(ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("Failed to fetch due retries", "error", err)
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := p.runner.ProcessRetry(ctx, rec); err != nil {
				p.logger.Warn("Retry failed",
					"internal_transaction_id", rec.InternalTransactionID,
					"attempt_id", rec.AttemptID,
					"kind", rec.Kind,
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("Processed retry batch", "count", len(records))
	return len(records)
}

// mergeDone returns a context cancelled when either parent is done
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
