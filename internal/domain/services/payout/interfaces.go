package payout

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/domain/services/idempotency"
	"github.com/rail-service/payout_service/internal/domain/services/registry"
)

// Snapshot is the state of one payout as read under its row lock
type Snapshot struct {
	Payout   *entities.Payout
	Attempts []*entities.PayoutAttempt
}

// Attempt returns the attempt with the given id
func (s *Snapshot) Attempt(id uuid.UUID) *entities.PayoutAttempt {
	for _, a := range s.Attempts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Latest returns the most recent attempt, or nil before the first dispatch
func (s *Snapshot) Latest() *entities.PayoutAttempt {
	var latest *entities.PayoutAttempt
	for _, a := range s.Attempts {
		if latest == nil || a.Sequence > latest.Sequence {
			latest = a
		}
	}
	return latest
}

// Change is the set of writes a TransitionFunc asks the store to commit.
// Attempts are upserted by id.
type Change struct {
	Payout        *entities.Payout
	Attempts      []*entities.PayoutAttempt
	SaveRetry     *entities.RetryRecord
	DeleteRetries []uuid.UUID
	Signals       []*entities.PayoutSignal
}

// TransitionFunc decides the writes for a locked snapshot. A nil Change commits nothing.
type TransitionFunc func(s *Snapshot) (*Change, error)

// Store persists payouts, attempts, retry records and the signal audit log
type Store interface {
	// InsertPayout fails with entities.ErrDuplicatePayout when the id exists
	InsertPayout(ctx context.Context, p *entities.Payout) error
	GetPayout(ctx context.Context, id string) (*entities.Payout, error)
	ListAttempts(ctx context.Context, id string) ([]*entities.PayoutAttempt, error)
	FindAttemptByReference(ctx context.Context, providerID, reference string) (*entities.PayoutAttempt, error)

	// Transition locks the payout row, runs fn and commits its Change atomically.
	// It returns the snapshot as committed.
	Transition(ctx context.Context, id string, fn TransitionFunc) (*Snapshot, error)

	DueRetries(ctx context.Context, now time.Time, limit int) ([]*entities.RetryRecord, error)
	DeleteRetry(ctx context.Context, attemptID uuid.UUID) error

	RecordUnmatched(ctx context.Context, s *entities.UnmatchedSignal) error

	// AwaitingProvider returns open attempts not updated since olderThan that have no retry scheduled
	AwaitingProvider(ctx context.Context, olderThan time.Time, limit int) ([]*entities.PayoutAttempt, error)
	// StaleCreated returns payouts still created since before olderThan with no attempt recorded
	StaleCreated(ctx context.Context, olderThan time.Time, limit int) ([]*entities.Payout, error)
	PendingSettlements(ctx context.Context, limit int) ([]*entities.Payout, error)
	MarkSettlementDone(ctx context.Context, id string) error
}

// RouteResolver exposes the provider registry
type RouteResolver interface {
	ResolveFor(req *entities.PayoutRequest) ([]registry.Route, error)
	Route(country, channel, providerID string) (registry.Route, error)
	Adapter(providerID string) (registry.ProviderAdapter, error)
}

// LeaseGuard serializes dispatch per internal transaction id
type LeaseGuard interface {
	Reserve(ctx context.Context, id string) (*idempotency.Lease, error)
	Resume(ctx context.Context, id, token string) (*idempotency.Lease, error)
	ReleaseToken(ctx context.Context, id, token string) error
	Held(ctx context.Context, id string) (bool, error)
}

// RetryScheduler decides when a failed call runs again
type RetryScheduler interface {
	Schedule(attemptsMade, maxAttempts int, now time.Time) (time.Time, bool)
}

// Ledger is the balance service. Every call is keyed by the internal transaction id.
type Ledger interface {
	CheckLimits(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*entities.LimitDecision, error)
	ReserveFunds(ctx context.Context, req *entities.PayoutRequest) error
	Settle(ctx context.Context, req *entities.PayoutRequest) error
	Release(ctx context.Context, req *entities.PayoutRequest, reason string) error
}

// Notifier tells the recipient how a payout ended
type Notifier interface {
	NotifyPayoutResult(ctx context.Context, payout *entities.Payout) error
}
