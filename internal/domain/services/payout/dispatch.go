package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/domain/services/registry"
	"github.com/rail-service/payout_service/pkg/metrics"
	"github.com/rail-service/payout_service/pkg/tracing"
)

// errStaleDispatch aborts an attempt whose payout moved on while we were not holding the row
var errStaleDispatch = errors.New("payout changed before dispatch")

// start takes the dispatch lease, reserves funds and sends the first route
func (e *Engine) start(ctx context.Context, id string, routes []registry.Route) (*entities.Payout, error) {
	lease, err := e.leases.Reserve(ctx, id)
	if errors.Is(err, entities.ErrAlreadyInFlight) {
		e.logger.Debug("Dispatch already in flight", "internal_transaction_id", id)
		return e.store.GetPayout(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire dispatch lease: %w", err)
	}

	p, err := e.store.GetPayout(ctx, id)
	if err != nil {
		_ = e.leases.ReleaseToken(ctx, id, lease.Token)
		return nil, err
	}
	if p.Status != entities.PayoutStatusCreated {
		_ = e.leases.ReleaseToken(ctx, id, lease.Token)
		return p, nil
	}

	if err := e.ledger.ReserveFunds(ctx, &p.Request); err != nil {
		if errors.Is(err, entities.ErrInsufficientFunds) {
			return e.rejectUnfunded(ctx, id, lease.Token)
		}
		_ = e.leases.ReleaseToken(ctx, id, lease.Token)
		return nil, fmt.Errorf("failed to reserve funds: %w", err)
	}

	return e.dispatchRoute(ctx, id, routes, 0, lease.Token)
}

// rejectUnfunded fails a payout whose funds could not be reserved. Nothing is held,
// so there is nothing to release.
func (e *Engine) rejectUnfunded(ctx context.Context, id, token string) (*entities.Payout, error) {
	p, err := e.commit(ctx, id, inline, func(s *Snapshot, _ *resolution) (*Change, error) {
		if s.Payout.Status != entities.PayoutStatusCreated {
			return nil, nil
		}
		next := s.Payout.Clone()
		next.Status = entities.PayoutStatusFailed
		next.FailureReason = strPtr(entities.ErrInsufficientFunds.Error())
		next.UpdatedAt = e.now()
		return &Change{Payout: next}, nil
	})
	_ = e.leases.ReleaseToken(ctx, id, token)
	return p, err
}

// dispatchRoute records attempt number index+1 on routes[index] and sends it
func (e *Engine) dispatchRoute(ctx context.Context, id string, routes []registry.Route, index int, token string) (*entities.Payout, error) {
	route := routes[index]
	var (
		attempt *entities.PayoutAttempt
		from    entities.PayoutStatus
	)
	snap, err := e.store.Transition(ctx, id, func(s *Snapshot) (*Change, error) {
		p := s.Payout
		if len(s.Attempts) != index {
			return nil, errStaleDispatch
		}
		if p.Status != entities.PayoutStatusCreated && p.Status != entities.PayoutStatusDispatching {
			return nil, errStaleDispatch
		}
		from = p.Status

		now := e.now()
		attempt = newAttempt(p, route, index, token, now)
		next := p.Clone()
		next.Status = entities.PayoutStatusDispatching
		next.FundsReserved = true
		next.UpdatedAt = now
		return &Change{Payout: next, Attempts: []*entities.PayoutAttempt{attempt}}, nil
	})
	if errors.Is(err, errStaleDispatch) {
		return e.store.GetPayout(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	recordTransition(from, entities.PayoutStatusDispatching)

	e.logger.Info("Dispatching payout",
		"internal_transaction_id", id,
		"provider", route.ProviderID,
		"attempt", attempt.Sequence)

	return e.invokeDispatch(ctx, snap.Payout, attempt, route, 1)
}

func newAttempt(p *entities.Payout, route registry.Route, index int, token string, now time.Time) *entities.PayoutAttempt {
	return &entities.PayoutAttempt{
		ID:                    uuid.New(),
		InternalTransactionID: p.ID(),
		Sequence:              index + 1,
		ProviderID:            route.ProviderID,
		Channel:               route.Channel,
		Amount:                p.Request.Amount,
		Outcome:               entities.AttemptOutcomeInFlight,
		LeaseToken:            token,
		DispatchedAt:          now,
		UpdatedAt:             now,
	}
}

// invokeDispatch calls the adapter. callsMade counts this call.
func (e *Engine) invokeDispatch(ctx context.Context, p *entities.Payout, attempt *entities.PayoutAttempt, route registry.Route, callsMade int) (*entities.Payout, error) {
	ctx, span := tracing.StartSpan(ctx, "payout.dispatch",
		attribute.String("payout.id", p.ID()),
		attribute.String("payout.provider", route.ProviderID),
		attribute.Int("payout.call", callsMade))
	defer span.End()

	outcome, err := route.Adapter.Dispatch(ctx, &p.Request, route.Constraints)
	if err == nil {
		outcome.Source = entities.SignalSourceDispatch
		if outcome.ReceivedAt.IsZero() {
			outcome.ReceivedAt = e.now()
		}
		return e.applyToAttempt(ctx, route.ProviderID, p.ID(), attempt.ID, outcome, inline)
	}
	tracing.RecordError(span, err)
	return e.handleDispatchError(ctx, p, attempt, route, callsMade, err)
}

func (e *Engine) handleDispatchError(ctx context.Context, p *entities.Payout, attempt *entities.PayoutAttempt, route registry.Route, callsMade int, err error) (*entities.Payout, error) {
	if te, ok := entities.AsTerminal(err); ok {
		e.logger.Warn("Provider rejected payout",
			"internal_transaction_id", p.ID(),
			"provider", route.ProviderID,
			"code", te.Code,
			"operator_action", te.OperatorActionRequired)
		if te.OperatorActionRequired {
			return e.toReview(ctx, p.ID(), attempt.ID, "operator_action_required", te.Error(), true)
		}
		return e.failAttempt(ctx, p.ID(), attempt.ID, te.Error())
	}

	re, ok := entities.AsRetryable(err)
	if !ok {
		// unclassified failure: the request may have left
		re = &entities.RetryableError{Provider: route.ProviderID, Op: "dispatch", Ambiguous: true, Err: err}
	}
	plan := retryPlan{
		kind:      entities.RetryKindDispatch,
		callsMade: callsMade,
		ambiguous: re.Ambiguous,
		lastError: re.Error(),
		reference: re.Reference,
	}
	if re.Ambiguous {
		return e.verifyAfterTimeout(ctx, p, attempt, route, plan)
	}
	return e.scheduleRetry(ctx, p.ID(), attempt.ID, route, plan)
}

// verifyAfterTimeout asks the provider whether an ambiguous dispatch landed
// before anything is sent again
func (e *Engine) verifyAfterTimeout(ctx context.Context, p *entities.Payout, attempt *entities.PayoutAttempt, route registry.Route, plan retryPlan) (*entities.Payout, error) {
	ref := plan.reference
	if ref == "" {
		ref = attempt.Reference()
	}
	outcome, err := route.Adapter.CheckStatus(ctx, entities.StatusQuery{InternalTransactionID: p.ID(), ProviderReference: ref})
	switch {
	case err == nil:
		outcome.Source = entities.SignalSourcePoll
		if outcome.ReceivedAt.IsZero() {
			outcome.ReceivedAt = e.now()
		}
		return e.applyToAttempt(ctx, route.ProviderID, p.ID(), attempt.ID, outcome, inline)
	case errors.Is(err, entities.ErrTransferNotFound):
		plan.ambiguous = false
		return e.scheduleRetry(ctx, p.ID(), attempt.ID, route, plan)
	default:
		e.logger.Warn("Status check after timeout failed",
			"internal_transaction_id", p.ID(),
			"provider", route.ProviderID,
			"error", err)
		plan.kind = entities.RetryKindVerify
		return e.scheduleRetry(ctx, p.ID(), attempt.ID, route, plan)
	}
}

type retryPlan struct {
	kind      entities.RetryKind
	callsMade int
	ambiguous bool
	lastError string
	reference string
}

// scheduleRetry persists the next retry of an attempt, or gives up once the
// route's attempt budget is spent
func (e *Engine) scheduleRetry(ctx context.Context, id string, attemptID uuid.UUID, route registry.Route, plan retryPlan) (*entities.Payout, error) {
	next, giveUp := e.retries.Schedule(plan.callsMade, route.Constraints.MaxAttempts, e.now())
	if giveUp {
		e.logger.Warn("Retries exhausted",
			"internal_transaction_id", id,
			"provider", route.ProviderID,
			"calls", plan.callsMade,
			"ambiguous", plan.ambiguous)
		if plan.ambiguous {
			return e.toReview(ctx, id, attemptID, "retry_exhausted_after_timeout", plan.lastError, false)
		}
		return e.failAttempt(ctx, id, attemptID, plan.lastError)
	}

	snap, err := e.store.Transition(ctx, id, func(s *Snapshot) (*Change, error) {
		a := s.Attempt(attemptID)
		if a == nil || a.Outcome != entities.AttemptOutcomeInFlight || s.Payout.Status.IsTerminal() {
			return nil, nil
		}
		now := e.now()
		updated := a.Clone()
		updated.LastError = strPtr(plan.lastError)
		if plan.reference != "" && updated.ProviderReference == nil {
			updated.ProviderReference = strPtr(plan.reference)
		}
		updated.UpdatedAt = now
		return &Change{
			Attempts: []*entities.PayoutAttempt{updated},
			SaveRetry: &entities.RetryRecord{
				AttemptID:             attemptID,
				InternalTransactionID: id,
				Kind:                  plan.kind,
				AttemptCount:          plan.callsMade,
				NextRetryAt:           next,
				LastError:             plan.lastError,
				Ambiguous:             plan.ambiguous,
				CreatedAt:             now,
				UpdatedAt:             now,
			},
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule retry: %w", err)
	}

	metrics.RetriesScheduledTotal.WithLabelValues(route.ProviderID, string(plan.kind)).Inc()
	e.logger.Info("Retry scheduled",
		"internal_transaction_id", id,
		"provider", route.ProviderID,
		"kind", plan.kind,
		"calls", plan.callsMade,
		"next_retry_at", next)
	return snap.Payout, nil
}

// failAttempt closes an unacknowledged attempt as failed and moves on to the
// next route, or fails the payout when none is left
func (e *Engine) failAttempt(ctx context.Context, id string, attemptID uuid.UUID, reason string) (*entities.Payout, error) {
	return e.commit(ctx, id, inline, func(s *Snapshot, res *resolution) (*Change, error) {
		a := s.Attempt(attemptID)
		if a == nil || a.Outcome != entities.AttemptOutcomeInFlight || s.Payout.Status.IsTerminal() {
			return nil, nil
		}
		updated := e.closeAttempt(a, entities.AttemptOutcomeFailed)
		updated.LastError = strPtr(reason)
		return e.failInTx(s, res, updated, reason), nil
	})
}

// toReview parks the payout for an operator with its funds still held
func (e *Engine) toReview(ctx context.Context, id string, attemptID uuid.UUID, reason, detail string, rejected bool) (*entities.Payout, error) {
	return e.commit(ctx, id, inline, func(s *Snapshot, res *resolution) (*Change, error) {
		a := s.Attempt(attemptID)
		if a == nil || a.Outcome != entities.AttemptOutcomeInFlight || s.Payout.Status.IsTerminal() {
			return nil, nil
		}
		var updated *entities.PayoutAttempt
		if rejected {
			updated = e.closeAttempt(a, entities.AttemptOutcomeFailed)
			updated.OperatorActionRequired = true
		} else {
			updated = a.Clone()
			updated.UpdatedAt = e.now()
		}
		updated.LastError = strPtr(detail)
		return e.reviewInTx(s, res, updated, reason), nil
	})
}

// ProcessRetry runs one due retry record
func (e *Engine) ProcessRetry(ctx context.Context, rec *entities.RetryRecord) error {
	view, err := e.GetPayoutStatus(ctx, rec.InternalTransactionID)
	if errors.Is(err, entities.ErrPayoutNotFound) {
		return e.store.DeleteRetry(ctx, rec.AttemptID)
	}
	if err != nil {
		return err
	}
	p := view.Payout
	snap := &Snapshot{Payout: p, Attempts: view.Attempts}
	attempt := snap.Attempt(rec.AttemptID)
	if attempt == nil || attempt.Outcome != entities.AttemptOutcomeInFlight || p.Status.IsTerminal() {
		return e.store.DeleteRetry(ctx, rec.AttemptID)
	}

	route, err := e.routes.Route(p.Request.Destination.RouteCountry(), p.Request.Destination.Channel, attempt.ProviderID)
	if err != nil {
		_, err = e.failAttempt(ctx, p.ID(), attempt.ID, err.Error())
		return err
	}

	if _, err := e.leases.Resume(ctx, p.ID(), attempt.LeaseToken); err != nil {
		if errors.Is(err, entities.ErrAlreadyInFlight) {
			e.logger.Debug("Retry skipped, lease held elsewhere", "internal_transaction_id", p.ID())
			return nil
		}
		return err
	}

	calls := rec.AttemptCount + 1
	if rec.Kind != entities.RetryKindVerify {
		_, err = e.invokeDispatch(ctx, p, attempt, route, calls)
		return err
	}

	outcome, err := route.Adapter.CheckStatus(ctx, entities.StatusQuery{InternalTransactionID: p.ID(), ProviderReference: attempt.Reference()})
	switch {
	case err == nil:
		outcome.Source = entities.SignalSourcePoll
		if outcome.ReceivedAt.IsZero() {
			outcome.ReceivedAt = e.now()
		}
		_, err = e.applyToAttempt(ctx, route.ProviderID, p.ID(), attempt.ID, outcome, inline)
	case errors.Is(err, entities.ErrTransferNotFound):
		_, err = e.invokeDispatch(ctx, p, attempt, route, calls)
	default:
		_, err = e.scheduleRetry(ctx, p.ID(), attempt.ID, route, retryPlan{
			kind:      entities.RetryKindVerify,
			callsMade: calls,
			ambiguous: true,
			lastError: err.Error(),
		})
	}
	return err
}
