package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/pkg/metrics"
)

const handOffTimeout = 2 * time.Minute

// afterTerminal runs once per payout, by the caller whose transition entered the terminal state
func (e *Engine) afterTerminal(ctx context.Context, snap *Snapshot, res resolution) {
	p := snap.Payout
	switch p.Status {
	case entities.PayoutStatusCompleted, entities.PayoutStatusFailed:
		// a failure here is retried by the settlement sweep
		_ = e.settle(ctx, p)
		e.notify(ctx, p)
	case entities.PayoutStatusRequiresManualReview:
		// an operator concern: the payee is not notified
		metrics.ManualReviewTotal.WithLabelValues(res.reviewReason).Inc()
		e.logger.Warn("Payout requires manual review",
			"internal_transaction_id", p.ID(),
			"reason", res.reviewReason,
			"previous_state", res.from)
	}

	if latest := snap.Latest(); latest != nil {
		if err := e.leases.ReleaseToken(ctx, p.ID(), latest.LeaseToken); err != nil {
			e.logger.Warn("Failed to release dispatch lease", "internal_transaction_id", p.ID(), "error", err)
		}
	}
}

// handOff runs afterTerminal in the background. The settlement column is
// already pending, so a crash before it finishes is covered by the sweep.
func (e *Engine) handOff(ctx context.Context, snap *Snapshot, res resolution) {
	own := &Snapshot{Payout: snap.Payout.Clone(), Attempts: snap.Attempts}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), handOffTimeout)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		defer cancel()
		// a review committed meanwhile cancels the ledger call
		if fresh, err := e.store.GetPayout(bg, own.Payout.ID()); err == nil {
			own.Payout.Settlement = fresh.Settlement
		}
		e.afterTerminal(bg, own, res)
	}()
}

// Drain waits for handed-off settlement and notification work to finish
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("payout effects still running: %w", ctx.Err())
	}
}

// settle performs the ledger call a terminal payout still owes
func (e *Engine) settle(ctx context.Context, p *entities.Payout) error {
	var err error
	switch p.Settlement {
	case entities.SettlementPendingSettle:
		err = e.ledger.Settle(ctx, &p.Request)
	case entities.SettlementPendingRelease:
		reason := "payout failed"
		if p.FailureReason != nil {
			reason = *p.FailureReason
		}
		err = e.ledger.Release(ctx, &p.Request, reason)
	default:
		return nil
	}
	if err != nil {
		e.logger.Error("Ledger settlement failed",
			"internal_transaction_id", p.ID(),
			"settlement", p.Settlement,
			"error", err)
		return fmt.Errorf("failed to settle %s: %w", p.ID(), err)
	}

	if err := e.store.MarkSettlementDone(ctx, p.ID()); err != nil {
		return fmt.Errorf("failed to mark settlement done: %w", err)
	}
	e.logger.Info("Ledger settled", "internal_transaction_id", p.ID(), "settlement", p.Settlement)
	p.Settlement = entities.SettlementDone
	return nil
}

func (e *Engine) notify(ctx context.Context, p *entities.Payout) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyPayoutResult(ctx, p); err != nil {
		e.logger.Warn("Payout notification failed", "internal_transaction_id", p.ID(), "error", err)
	}
}

// SweepSettlements retries ledger calls left outstanding by a crash or a ledger
// outage. It returns how many were completed.
func (e *Engine) SweepSettlements(ctx context.Context, limit int) (int, error) {
	pending, err := e.store.PendingSettlements(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending settlements: %w", err)
	}
	done := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := e.settle(ctx, p); err == nil {
			done++
		}
	}
	return done, nil
}
