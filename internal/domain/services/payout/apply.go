package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/domain/services/registry"
	"github.com/rail-service/payout_service/pkg/metrics"
	"github.com/rail-service/payout_service/pkg/tracing"
)

var errNoMatchingAttempt = errors.New("no attempt matches provider signal")

// resolution collects what a transition decided so effects can run after commit
type resolution struct {
	from         entities.PayoutStatus
	to           entities.PayoutStatus
	reviewReason string
	alternate    *alternate
}

type alternate struct {
	routes []registry.Route
	index  int
	token  string
}

// effectMode says where the effects of a committed transition run
type effectMode int

const (
	// inline runs them on the caller's goroutine
	inline effectMode = iota
	// handedOff keeps provider calls and ledger work off the caller. The next
	// route becomes a retry record due now and terminal effects run in the background.
	handedOff
)

// commit runs fn under the payout lock and then performs the effects it decided:
// the next route's dispatch, or afterTerminal for a newly entered terminal state
func (e *Engine) commit(ctx context.Context, id string, mode effectMode, fn func(s *Snapshot, res *resolution) (*Change, error)) (*entities.Payout, error) {
	var res resolution
	snap, err := e.store.Transition(ctx, id, func(s *Snapshot) (*Change, error) {
		res = resolution{from: s.Payout.Status, to: s.Payout.Status}
		ch, err := fn(s, &res)
		if err != nil {
			return nil, err
		}
		if ch != nil && ch.Payout != nil {
			if ch.Payout.Status != res.from {
				if err := res.from.ValidateTransition(ch.Payout.Status); err != nil {
					return nil, err
				}
			}
			res.to = ch.Payout.Status
		}
		if ch != nil && res.alternate != nil && mode == handedOff {
			e.queueAlternate(s, ch, res.alternate)
		}
		return ch, nil
	})
	if err != nil {
		return nil, err
	}

	recordTransition(res.from, res.to)
	if res.alternate != nil {
		route := res.alternate.routes[res.alternate.index]
		if mode == handedOff {
			metrics.RetriesScheduledTotal.WithLabelValues(route.ProviderID, string(entities.RetryKindDispatch)).Inc()
			e.logger.Info("Alternate route queued",
				"internal_transaction_id", id,
				"provider", route.ProviderID)
			return snap.Payout, nil
		}
		e.logger.Info("Trying alternate route",
			"internal_transaction_id", id,
			"provider", route.ProviderID)
		return e.dispatchRoute(ctx, id, res.alternate.routes, res.alternate.index, res.alternate.token)
	}
	if res.to != res.from && res.to.IsTerminal() {
		if mode == handedOff {
			e.handOff(ctx, snap, res)
		} else {
			e.afterTerminal(ctx, snap, res)
		}
	}
	return snap.Payout, nil
}

// queueAlternate adds the next route's attempt to ch together with a dispatch
// retry due now, so the retry worker sends it
func (e *Engine) queueAlternate(s *Snapshot, ch *Change, alt *alternate) {
	now := e.now()
	attempt := newAttempt(s.Payout, alt.routes[alt.index], alt.index, alt.token, now)
	ch.Attempts = append(ch.Attempts, attempt)
	ch.SaveRetry = &entities.RetryRecord{
		AttemptID:             attempt.ID,
		InternalTransactionID: s.Payout.ID(),
		Kind:                  entities.RetryKindDispatch,
		NextRetryAt:           now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

func (e *Engine) closeAttempt(a *entities.PayoutAttempt, outcome entities.AttemptOutcome) *entities.PayoutAttempt {
	now := e.now()
	updated := a.Clone()
	updated.Outcome = outcome
	updated.OutcomeAt = &now
	updated.UpdatedAt = now
	return updated
}

// failInTx settles a failed attempt. Before the provider acknowledged anything
// the next route is tried; otherwise the payout fails and its funds are released.
func (e *Engine) failInTx(s *Snapshot, res *resolution, failed *entities.PayoutAttempt, reason string) *Change {
	p := s.Payout
	ch := &Change{
		Attempts:      []*entities.PayoutAttempt{failed},
		DeleteRetries: []uuid.UUID{failed.ID},
	}

	if p.Status == entities.PayoutStatusDispatching {
		routes, err := e.routes.ResolveFor(&p.Request)
		if err == nil && len(s.Attempts) < len(routes) {
			res.alternate = &alternate{routes: routes, index: len(s.Attempts), token: failed.LeaseToken}
			return ch
		}
	}

	next := p.Clone()
	next.Status = entities.PayoutStatusFailed
	next.FailureReason = strPtr(reason)
	if next.FundsReserved {
		next.Settlement = entities.SettlementPendingRelease
	}
	next.UpdatedAt = e.now()
	ch.Payout = next
	return ch
}

// reviewInTx moves the payout to manual review. A ledger effect that has not
// run yet is cancelled: the operator decides.
func (e *Engine) reviewInTx(s *Snapshot, res *resolution, attempt *entities.PayoutAttempt, reason string) *Change {
	next := s.Payout.Clone()
	next.Status = entities.PayoutStatusRequiresManualReview
	next.ReviewReason = strPtr(reason)
	if next.Settlement.IsPending() {
		next.Settlement = entities.SettlementNone
	}
	next.UpdatedAt = e.now()
	res.reviewReason = reason

	ch := &Change{Payout: next}
	if attempt != nil {
		ch.Attempts = []*entities.PayoutAttempt{attempt}
		ch.DeleteRetries = []uuid.UUID{attempt.ID}
	}
	return ch
}

// ApplyOutcome feeds a provider signal received from outside into the state
// machine. It commits the transition and returns; provider calls, ledger work
// and notifications it causes are handed off. An empty internalID falls back to
// correlating by provider reference.
func (e *Engine) ApplyOutcome(ctx context.Context, providerID, internalID string, outcome *entities.ProviderOutcome) (*entities.Payout, error) {
	ctx, span := tracing.StartSpan(ctx, "payout.apply_outcome",
		attribute.String("payout.id", internalID),
		attribute.String("payout.provider", providerID),
		attribute.String("payout.signal_status", string(outcome.Status)))
	defer span.End()

	if outcome.ReceivedAt.IsZero() {
		outcome.ReceivedAt = e.now()
	}

	if internalID != "" {
		return e.applyToAttempt(ctx, providerID, internalID, uuid.Nil, outcome, handedOff)
	}
	if outcome.ProviderReference == "" {
		return nil, e.unmatched(ctx, providerID, outcome, "no correlation key or provider reference")
	}
	attempt, err := e.store.FindAttemptByReference(ctx, providerID, outcome.ProviderReference)
	if errors.Is(err, entities.ErrAttemptNotFound) {
		return nil, e.unmatched(ctx, providerID, outcome, "unknown provider reference")
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to correlate signal: %w", err)
	}
	return e.applyToAttempt(ctx, providerID, attempt.InternalTransactionID, attempt.ID, outcome, handedOff)
}

// applyToAttempt applies outcome to the given attempt, or to the attempt of
// providerID that best matches it when attemptID is nil
func (e *Engine) applyToAttempt(ctx context.Context, providerID, id string, attemptID uuid.UUID, outcome *entities.ProviderOutcome, mode effectMode) (*entities.Payout, error) {
	var (
		applied bool
		note    string
	)
	p, err := e.commit(ctx, id, mode, func(s *Snapshot, res *resolution) (*Change, error) {
		var a *entities.PayoutAttempt
		if attemptID != uuid.Nil {
			a = s.Attempt(attemptID)
		} else {
			a = matchAttempt(s, providerID, outcome.ProviderReference)
		}
		if a == nil {
			return nil, errNoMatchingAttempt
		}

		var ch *Change
		ch, applied, note = e.reconcile(s, res, a, outcome)
		if ch == nil {
			ch = &Change{}
		}
		attemptRef := a.ID
		ch.Signals = append(ch.Signals, &entities.PayoutSignal{
			ID:                    uuid.New(),
			InternalTransactionID: id,
			AttemptID:             &attemptRef,
			ProviderID:            providerID,
			Source:                outcome.Source,
			ProviderStatus:        outcome.ProviderStatus,
			NormalizedStatus:      outcome.Status,
			Applied:               applied,
			Note:                  note,
			RawPayload:            outcome.RawPayload,
			ReceivedAt:            outcome.ReceivedAt,
		})
		return ch, nil
	})
	switch {
	case errors.Is(err, entities.ErrPayoutNotFound):
		return nil, e.unmatched(ctx, providerID, outcome, "unknown internal transaction id "+id)
	case errors.Is(err, errNoMatchingAttempt):
		return nil, e.unmatched(ctx, providerID, outcome, "no attempt for provider on "+id)
	case err != nil:
		return nil, fmt.Errorf("failed to apply outcome: %w", err)
	}

	e.logger.Info("Provider outcome processed",
		"internal_transaction_id", id,
		"provider", providerID,
		"source", outcome.Source,
		"provider_status", outcome.ProviderStatus,
		"applied", applied,
		"note", note,
		"state", p.Status)
	return p, nil
}

func matchAttempt(s *Snapshot, providerID, reference string) *entities.PayoutAttempt {
	var latest *entities.PayoutAttempt
	for _, a := range s.Attempts {
		if a.ProviderID != providerID {
			continue
		}
		if reference != "" && a.Reference() == reference {
			return a
		}
		if latest == nil || a.Sequence > latest.Sequence {
			latest = a
		}
	}
	return latest
}

// reconcile decides the writes for one signal on one attempt
func (e *Engine) reconcile(s *Snapshot, res *resolution, a *entities.PayoutAttempt, o *entities.ProviderOutcome) (*Change, bool, string) {
	p := s.Payout
	target := entities.OutcomeFor(o.Status)

	if p.Status == entities.PayoutStatusRequiresManualReview {
		return nil, false, "payout under manual review"
	}
	if a.Outcome.IsTerminal() {
		if target.IsTerminal() && target != a.Outcome {
			e.logger.Error("Conflicting terminal signal",
				"internal_transaction_id", p.ID(),
				"provider", a.ProviderID,
				"recorded", a.Outcome,
				"received", target)
			updated := a.Clone()
			updated.LastError = strPtr(fmt.Sprintf("%s: recorded %s, received %s", entities.ErrConflictingTerminalSignal, a.Outcome, target))
			updated.UpdatedAt = e.now()
			return e.reviewInTx(s, res, updated, "conflicting_terminal_signal"), true, "conflicting terminal signal"
		}
		return nil, false, "attempt already " + string(a.Outcome)
	}
	if p.Status.IsTerminal() {
		return nil, false, "payout already " + string(p.Status)
	}

	updated := a.Clone()
	changed := false
	if o.ProviderReference != "" && updated.ProviderReference == nil {
		updated.ProviderReference = strPtr(o.ProviderReference)
		changed = true
	}
	if o.ProviderStatus != "" && (updated.ProviderStatus == nil || *updated.ProviderStatus != o.ProviderStatus) {
		updated.ProviderStatus = strPtr(o.ProviderStatus)
		changed = true
	}
	now := e.now()
	updated.UpdatedAt = now

	switch o.Status {
	case entities.NormalizedStatusCompleted:
		updated.Outcome = entities.AttemptOutcomeCompleted
		updated.OutcomeAt = &now
		if o.Amount != nil && !o.Amount.Equal(a.Amount) {
			updated.LastError = strPtr(fmt.Sprintf("completed amount %s differs from %s", o.Amount.String(), a.Amount.String()))
			return e.reviewInTx(s, res, updated, "amount_mismatch"), true, "amount mismatch"
		}
		next := p.Clone()
		next.Status = entities.PayoutStatusCompleted
		next.Settlement = entities.SettlementPendingSettle
		next.UpdatedAt = now
		return &Change{
			Payout:        next,
			Attempts:      []*entities.PayoutAttempt{updated},
			DeleteRetries: []uuid.UUID{a.ID},
		}, true, "completed"

	case entities.NormalizedStatusFailed:
		updated.Outcome = entities.AttemptOutcomeFailed
		updated.OutcomeAt = &now
		reason := o.FailureReason
		if reason == "" {
			reason = "provider reported " + o.ProviderStatus
		}
		updated.LastError = strPtr(reason)
		return e.failInTx(s, res, updated, reason), true, "failed"

	case entities.NormalizedStatusProcessing:
		if updated.Outcome != entities.AttemptOutcomeProcessing {
			updated.Outcome = entities.AttemptOutcomeProcessing
			changed = true
		}
		ch := &Change{DeleteRetries: []uuid.UUID{a.ID}}
		if changed {
			ch.Attempts = []*entities.PayoutAttempt{updated}
		}
		if p.Status == entities.PayoutStatusDispatching || p.Status == entities.PayoutStatusProviderPending {
			next := p.Clone()
			next.Status = entities.PayoutStatusProviderProcessing
			next.UpdatedAt = now
			ch.Payout = next
			changed = true
		}
		if !changed {
			return ch, false, "no change"
		}
		return ch, true, "processing"

	default:
		if a.Outcome == entities.AttemptOutcomeProcessing {
			return nil, false, "stale pending signal"
		}
		if updated.Outcome == entities.AttemptOutcomeInFlight {
			updated.Outcome = entities.AttemptOutcomePending
			changed = true
		}
		ch := &Change{DeleteRetries: []uuid.UUID{a.ID}}
		if changed {
			ch.Attempts = []*entities.PayoutAttempt{updated}
		}
		if p.Status == entities.PayoutStatusDispatching {
			next := p.Clone()
			next.Status = entities.PayoutStatusProviderPending
			next.UpdatedAt = now
			ch.Payout = next
			changed = true
		}
		if !changed {
			return ch, false, "no change"
		}
		return ch, true, "pending"
	}
}

func (e *Engine) unmatched(ctx context.Context, providerID string, outcome *entities.ProviderOutcome, reason string) error {
	e.logger.Warn("Unmatched provider signal",
		"provider", providerID,
		"provider_reference", outcome.ProviderReference,
		"reason", reason)
	err := e.store.RecordUnmatched(ctx, &entities.UnmatchedSignal{
		ID:                uuid.New(),
		ProviderID:        providerID,
		ProviderReference: outcome.ProviderReference,
		Reason:            reason,
		RawPayload:        outcome.RawPayload,
		ReceivedAt:        outcome.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record unmatched signal: %w", err)
	}
	return fmt.Errorf("%w: %s", entities.ErrCorrelationMissing, reason)
}

// RefreshAttempt polls the provider for an open attempt and applies the answer
func (e *Engine) RefreshAttempt(ctx context.Context, attempt *entities.PayoutAttempt) error {
	ctx, span := tracing.StartSpan(ctx, "payout.refresh",
		attribute.String("payout.id", attempt.InternalTransactionID),
		attribute.String("payout.provider", attempt.ProviderID))
	defer span.End()

	p, err := e.store.GetPayout(ctx, attempt.InternalTransactionID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return nil
	}
	route, err := e.routes.Route(p.Request.Destination.RouteCountry(), p.Request.Destination.Channel, attempt.ProviderID)
	if err != nil {
		return err
	}

	if attempt.Outcome == entities.AttemptOutcomeInFlight {
		held, err := e.leases.Held(ctx, p.ID())
		if err != nil {
			return err
		}
		if held {
			// a dispatcher is still working on it
			return nil
		}
	}

	outcome, err := route.Adapter.CheckStatus(ctx, entities.StatusQuery{
		InternalTransactionID: p.ID(),
		ProviderReference:     attempt.Reference(),
	})
	if errors.Is(err, entities.ErrTransferNotFound) {
		if attempt.Outcome == entities.AttemptOutcomeInFlight {
			// the dispatch never landed and nobody is retrying it
			_, err = e.scheduleRetry(ctx, p.ID(), attempt.ID, route, retryPlan{
				kind:      entities.RetryKindDispatch,
				callsMade: 1,
				lastError: err.Error(),
			})
			return err
		}
		e.logger.Warn("Provider has no record of an acknowledged transfer",
			"internal_transaction_id", p.ID(),
			"provider", attempt.ProviderID)
		return nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to check status: %w", err)
	}

	outcome.Source = entities.SignalSourcePoll
	if outcome.ReceivedAt.IsZero() {
		outcome.ReceivedAt = e.now()
	}
	_, err = e.applyToAttempt(ctx, attempt.ProviderID, p.ID(), attempt.ID, outcome, inline)
	return err
}
