// Package payout is the reconciliation engine: the only component that moves a
// payout between states and decides retries, alternates and ledger effects.
package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/pkg/util"
	"github.com/rail-service/payout_service/pkg/logger"
	"github.com/rail-service/payout_service/pkg/metrics"
	"github.com/rail-service/payout_service/pkg/tracing"
	"github.com/rail-service/payout_service/pkg/validation"
)

// Engine owns payout state
type Engine struct {
	store     Store
	routes    RouteResolver
	leases    LeaseGuard
	retries   RetryScheduler
	ledger    Ledger
	notifier  Notifier
	validator *validation.Validator
	logger    *logger.Logger
	now       func() time.Time

	background sync.WaitGroup
}

// NewEngine creates the engine
func NewEngine(store Store, routes RouteResolver, leases LeaseGuard, retries RetryScheduler, ledger Ledger, log *logger.Logger) *Engine {
	return &Engine{
		store:     store,
		routes:    routes,
		leases:    leases,
		retries:   retries,
		ledger:    ledger,
		validator: validation.NewValidator(),
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier sets the payout result notifier
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// CreatePayout accepts a payout request and dispatches it to the primary route.
// Calling it again with the same internal transaction id returns the current
// state without dispatching a second time.
func (e *Engine) CreatePayout(ctx context.Context, req *entities.PayoutRequest) (*entities.Payout, error) {
	ctx, span := tracing.StartSpan(ctx, "payout.create", attribute.String("payout.id", req.InternalTransactionID))
	defer span.End()

	normalizeRequest(req)
	if err := e.validator.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %w", entities.ErrInvalidPayoutRequest, err)
	}

	existing, err := e.store.GetPayout(ctx, req.InternalTransactionID)
	switch {
	case err == nil:
		return e.resume(ctx, existing, req)
	case !errors.Is(err, entities.ErrPayoutNotFound):
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to load payout: %w", err)
	}

	routes, err := e.routes.ResolveFor(req)
	if err != nil {
		return nil, err
	}

	decision, err := e.ledger.CheckLimits(ctx, req.UserID, req.Amount, req.Currency)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to check limits: %w", err)
	}
	if !decision.Allowed {
		e.logger.Info("Payout denied by limits",
			"internal_transaction_id", req.InternalTransactionID,
			"user_id", req.UserID,
			"reason", decision.Reason)
		return nil, fmt.Errorf("%w: %s", entities.ErrLimitsDenied, decision.Reason)
	}

	now := e.now()
	p := &entities.Payout{
		Request:    *req,
		Status:     entities.PayoutStatusCreated,
		Settlement: entities.SettlementNone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.InsertPayout(ctx, p); err != nil {
		if errors.Is(err, entities.ErrDuplicatePayout) {
			// lost the insert race: report whatever the winner has
			current, getErr := e.store.GetPayout(ctx, req.InternalTransactionID)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load payout: %w", getErr)
			}
			if !sameRequest(&current.Request, req) {
				return nil, entities.ErrIdempotencyKeyReuse
			}
			return current, nil
		}
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to create payout: %w", err)
	}

	metrics.PayoutsCreatedTotal.WithLabelValues(req.Destination.Channel).Inc()
	e.logger.Info("Payout created",
		"internal_transaction_id", p.ID(),
		"user_id", req.UserID,
		"amount", req.Amount.String(),
		"currency", req.Currency,
		"channel", req.Destination.Channel,
		"destination", util.Redact(destinationOf(req)))

	return e.start(ctx, p.ID(), routes)
}

func (e *Engine) resume(ctx context.Context, existing *entities.Payout, req *entities.PayoutRequest) (*entities.Payout, error) {
	if !sameRequest(&existing.Request, req) {
		return nil, entities.ErrIdempotencyKeyReuse
	}
	return e.redrive(ctx, existing)
}

// redrive starts a payout that was accepted but never dispatched
func (e *Engine) redrive(ctx context.Context, existing *entities.Payout) (*entities.Payout, error) {
	if existing.Status != entities.PayoutStatusCreated {
		return existing, nil
	}
	attempts, err := e.store.ListAttempts(ctx, existing.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	if len(attempts) > 0 {
		return existing, nil
	}
	routes, err := e.routes.ResolveFor(&existing.Request)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, existing.ID(), routes)
}

// RecoverStalled re-drives payouts left created before olderThan with no
// attempt, such as after a crash or a timed-out funds reservation. Reserving
// again is safe because the ledger keys reservations by payout id. It returns
// how many left the created state.
func (e *Engine) RecoverStalled(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	stalled, err := e.store.StaleCreated(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stalled payouts: %w", err)
	}
	recovered := 0
	for _, p := range stalled {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		e.logger.Info("Recovering stalled payout",
			"internal_transaction_id", p.ID(),
			"created_at", p.CreatedAt)
		current, err := e.redrive(ctx, p)
		if err != nil {
			e.logger.Warn("Stalled payout recovery failed", "internal_transaction_id", p.ID(), "error", err)
			continue
		}
		if current.Status != entities.PayoutStatusCreated {
			recovered++
		}
	}
	return recovered, nil
}

// GetPayoutStatus returns the payout and its attempts
func (e *Engine) GetPayoutStatus(ctx context.Context, id string) (*entities.PayoutView, error) {
	p, err := e.store.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return &entities.PayoutView{Payout: p, Attempts: attempts}, nil
}

func normalizeRequest(req *entities.PayoutRequest) {
	req.InternalTransactionID = strings.TrimSpace(req.InternalTransactionID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Destination.Country = strings.ToUpper(strings.TrimSpace(req.Destination.Country))
	req.Destination.Channel = strings.ToLower(strings.TrimSpace(req.Destination.Channel))
	req.Destination.CryptoCurrency = strings.ToLower(strings.TrimSpace(req.Destination.CryptoCurrency))
}

func sameRequest(a, b *entities.PayoutRequest) bool {
	return a.UserID == b.UserID &&
		a.Amount.Equal(b.Amount) &&
		strings.EqualFold(a.Currency, b.Currency) &&
		a.Destination == b.Destination
}

func destinationOf(req *entities.PayoutRequest) string {
	if req.Destination.Kind == entities.DestinationCryptoWallet {
		return req.Destination.WalletAddress
	}
	return req.Destination.PhoneNumber
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func recordTransition(from, to entities.PayoutStatus) {
	if from != to {
		metrics.PayoutTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}
}
