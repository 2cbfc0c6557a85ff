// Package status_poller queries providers for attempts that never received a webhook,
// restarts payouts that stalled before their first dispatch and sweeps settlements
// the ledger has not yet acknowledged.
package status_poller

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/pkg/logger"
)

// AttemptSource lists attempts still waiting on a provider
type AttemptSource interface {
	AwaitingProvider(ctx context.Context, olderThan time.Time, limit int) ([]*entities.PayoutAttempt, error)
}

// Reconciler is the subset of the payout engine the poller drives
type Reconciler interface {
	RefreshAttempt(ctx context.Context, attempt *entities.PayoutAttempt) error
	RecoverStalled(ctx context.Context, olderThan time.Time, limit int) (int, error)
	SweepSettlements(ctx context.Context, limit int) (int, error)
}

type Config struct {
	Schedule    string
	GracePeriod time.Duration
	BatchSize   int
	Concurrency int
}

// Result summarises one poll cycle
type Result struct {
	Recovered int
	Polled    int
	Failed    int
	Settled   int
}

type Poller struct {
	cfg        Config
	source     AttemptSource
	reconciler Reconciler
	logger     *logger.Logger
	cron       *cron.Cron
	now        func() time.Time

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

func NewPoller(cfg Config, source AttemptSource, reconciler Reconciler, log *logger.Logger) *Poller {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		cfg:            cfg,
		source:         source,
		reconciler:     reconciler,
		logger:         log,
		cron:           cron.New(cron.WithChain(cron.SkipIfStillRunning(log.Cron()))),
		now:            time.Now,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// Start schedules the poll cycle
func (p *Poller) Start(ctx context.Context) error {
	if _, err := p.cron.AddFunc(p.cfg.Schedule, func() {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(p.shutdownCtx, cancel)
		defer stop()
		p.RunOnce(runCtx)
	}); err != nil {
		return fmt.Errorf("schedule status poller: %w", err)
	}
	p.cron.Start()
	p.logger.Info("Status poller started",
		"schedule", p.cfg.Schedule,
		"grace_period", p.cfg.GracePeriod.String())
	return nil
}

// Shutdown stops scheduling and waits for a running cycle to finish
func (p *Poller) Shutdown(timeout time.Duration) error {
	p.shutdownCancel()
	done := p.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// RunOnce restarts stalled payouts, polls every stale attempt once, then
// sweeps pending settlements
func (p *Poller) RunOnce(ctx context.Context) Result {
	var res Result
	olderThan := p.now().Add(-p.cfg.GracePeriod)

	recovered, err := p.reconciler.RecoverStalled(ctx, olderThan, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("Stalled payout recovery failed", "error", err)
	}
	res.Recovered = recovered

	attempts, err := p.source.AwaitingProvider(ctx, olderThan, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("Failed to list attempts awaiting provider", "error", err)
	} else {
		failed := make(chan struct{}, len(attempts))
		var g errgroup.Group
		g.SetLimit(p.cfg.Concurrency)
		for _, a := range attempts {
			if ctx.Err() != nil {
				break
			}
			res.Polled++
			g.Go(func() error {
				if err := p.reconciler.RefreshAttempt(ctx, a); err != nil {
					failed <- struct{}{}
					p.logger.Warn("Status poll failed",
						"internal_transaction_id", a.InternalTransactionID,
						"provider", a.ProviderID,
						"attempt_id", a.ID,
						"error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
		res.Failed = len(failed)
	}

	settled, err := p.reconciler.SweepSettlements(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("Settlement sweep failed", "error", err)
	}
	res.Settled = settled

	if res.Recovered > 0 || res.Polled > 0 || res.Settled > 0 {
		p.logger.Info("Status poll cycle complete",
			"recovered", res.Recovered,
			"polled", res.Polled,
			"failed", res.Failed,
			"settled", res.Settled)
	}
	return res
}
