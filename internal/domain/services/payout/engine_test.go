package payout

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/domain/services/idempotency"
	"github.com/rail-service/payout_service/internal/domain/services/registry"
	"github.com/rail-service/payout_service/internal/domain/services/retry"
	"github.com/rail-service/payout_service/pkg/logger"
)

type fakeAdapter struct {
	id string

	mu         sync.Mutex
	dispatches int
	checks     int
	dispatchFn func(call int) (*entities.ProviderOutcome, error)
	checkFn    func(call int) (*entities.ProviderOutcome, error)
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Dispatch(_ context.Context, _ *entities.PayoutRequest, _ entities.Constraints) (*entities.ProviderOutcome, error) {
	f.mu.Lock()
	f.dispatches++
	call := f.dispatches
	fn := f.dispatchFn
	f.mu.Unlock()
	return fn(call)
}

func (f *fakeAdapter) CheckStatus(_ context.Context, _ entities.StatusQuery) (*entities.ProviderOutcome, error) {
	f.mu.Lock()
	f.checks++
	call := f.checks
	fn := f.checkFn
	f.mu.Unlock()
	if fn == nil {
		return nil, entities.ErrTransferNotFound
	}
	return fn(call)
}

func (f *fakeAdapter) ParseWebhook(http.Header, []byte) (string, *entities.ProviderOutcome, error) {
	return "", nil, errors.New("not used")
}

func (f *fakeAdapter) setCheck(fn func(call int) (*entities.ProviderOutcome, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkFn = fn
}

func (f *fakeAdapter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatches, f.checks
}

func respond(status entities.NormalizedStatus, ref string) func(int) (*entities.ProviderOutcome, error) {
	return func(int) (*entities.ProviderOutcome, error) {
		return outcome(status, ref), nil
	}
}

func fail(err error) func(int) (*entities.ProviderOutcome, error) {
	return func(int) (*entities.ProviderOutcome, error) {
		return nil, err
	}
}

func outcome(status entities.NormalizedStatus, ref string) *entities.ProviderOutcome {
	return &entities.ProviderOutcome{
		ProviderReference: ref,
		Status:            status,
		ProviderStatus:    string(status),
		Source:            entities.SignalSourceWebhook,
	}
}

type fakeLedger struct {
	mu         sync.Mutex
	deny       string
	reserveErr error
	settleErr  error
	reserves   int
	settles    int
	releases   int
}

func (l *fakeLedger) CheckLimits(context.Context, string, decimal.Decimal, string) (*entities.LimitDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny != "" {
		return &entities.LimitDecision{Allowed: false, Reason: l.deny}, nil
	}
	return &entities.LimitDecision{Allowed: true}, nil
}

func (l *fakeLedger) ReserveFunds(context.Context, *entities.PayoutRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserveErr != nil {
		return l.reserveErr
	}
	l.reserves++
	return nil
}

func (l *fakeLedger) Settle(context.Context, *entities.PayoutRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settleErr != nil {
		return l.settleErr
	}
	l.settles++
	return nil
}

func (l *fakeLedger) Release(context.Context, *entities.PayoutRequest, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *fakeLedger) totals() (reserves, settles, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserves, l.settles, l.releases
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []entities.PayoutStatus
}

func (n *fakeNotifier) NotifyPayoutResult(_ context.Context, p *entities.Payout) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, p.Status)
	return nil
}

func (n *fakeNotifier) statuses() []entities.PayoutStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]entities.PayoutStatus(nil), n.sent...)
}

type harness struct {
	engine   *Engine
	store    *memStore
	ledger   *fakeLedger
	notifier *fakeNotifier
	guard    *idempotency.Guard
}

func newHarness(t *testing.T, maxAttempts int, adapters ...*fakeAdapter) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var (
		providers []registry.ProviderAdapter
		specs     []registry.RouteSpec
	)
	for _, a := range adapters {
		providers = append(providers, a)
		specs = append(specs, registry.RouteSpec{
			Country:  "CI",
			Channel:  "orange_money",
			Provider: a.id,
			Constraints: entities.Constraints{
				Currency:    "XOF",
				MaxAttempts: maxAttempts,
			},
		})
	}
	reg, err := registry.New(providers, specs)
	require.NoError(t, err)

	h := &harness{
		store:    newMemStore(),
		ledger:   &fakeLedger{},
		notifier: &fakeNotifier{},
		guard:    idempotency.NewGuard(client, time.Minute),
	}
	sched := retry.NewScheduler(retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	h.engine = NewEngine(h.store, reg, h.guard, sched, h.ledger, logger.NewNop())
	h.engine.SetNotifier(h.notifier)
	t.Cleanup(func() { _ = h.engine.Drain(context.Background()) })
	return h
}

// settle waits for settlement and notification work handed off by ApplyOutcome
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Drain(ctx))
}

// drainRetries runs due retries until none are left
func (h *harness) drainRetries(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		due, err := h.store.DueRetries(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		if len(due) == 0 {
			return
		}
		for _, rec := range due {
			require.NoError(t, h.engine.ProcessRetry(ctx, rec))
		}
	}
	t.Fatal("retries did not drain")
}

func newRequest(id string) *entities.PayoutRequest {
	return &entities.PayoutRequest{
		InternalTransactionID: id,
		UserID:                "user-1",
		Amount:                decimal.NewFromInt(5000),
		Currency:              "xof",
		Destination: entities.Destination{
			Kind:        entities.DestinationMobileMoney,
			PhoneNumber: "+225 07 00 00 00 01",
			Country:     "ci",
			Channel:     "orange_money",
		},
	}
}

func TestScenarioA_SynchronousCompletion(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusCompleted, "A-1")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	p, err := h.engine.CreatePayout(ctx, newRequest("tx-a"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusCompleted, p.Status)
	assert.Equal(t, entities.SettlementDone, p.Settlement)

	reserves, settles, releases := h.ledger.totals()
	assert.Equal(t, 1, reserves)
	assert.Equal(t, 1, settles)
	assert.Equal(t, 0, releases)
	assert.Equal(t, []entities.PayoutStatus{entities.PayoutStatusCompleted}, h.notifier.statuses())

	view, err := h.engine.GetPayoutStatus(ctx, "tx-a")
	require.NoError(t, err)
	require.Len(t, view.Attempts, 1)
	assert.Equal(t, entities.AttemptOutcomeCompleted, view.Attempts[0].Outcome)
	assert.Equal(t, "A-1", view.Attempts[0].Reference())

	held, err := h.guard.Held(ctx, "tx-a")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestScenarioB_PendingThenFailedWebhook(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-2")}
	beta := &fakeAdapter{id: "beta", dispatchFn: respond(entities.NormalizedStatusPending, "B-2")}
	h := newHarness(t, 3, alpha, beta)
	ctx := context.Background()

	p, err := h.engine.CreatePayout(ctx, newRequest("tx-b"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusProviderPending, p.Status)

	for i := 0; i < 2; i++ {
		p, err = h.engine.ApplyOutcome(ctx, "alpha", "tx-b", outcome(entities.NormalizedStatusFailed, "A-2"))
		require.NoError(t, err)
		assert.Equal(t, entities.PayoutStatusFailed, p.Status)
	}
	h.settle(t)

	_, _, releases := h.ledger.totals()
	assert.Equal(t, 1, releases)
	dispatched, _ := beta.counts()
	assert.Zero(t, dispatched, "acknowledged transfers are not re-routed")
}

func TestScenarioC_TimeoutResolvedByStatusCheck(t *testing.T) {
	alpha := &fakeAdapter{
		id:         "alpha",
		dispatchFn: fail(&entities.RetryableError{Provider: "alpha", Op: "dispatch", Ambiguous: true, Err: context.DeadlineExceeded}),
		checkFn:    respond(entities.NormalizedStatusCompleted, "A-3"),
	}
	h := newHarness(t, 3, alpha)

	p, err := h.engine.CreatePayout(context.Background(), newRequest("tx-c"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusCompleted, p.Status)

	dispatched, checked := alpha.counts()
	assert.Equal(t, 1, dispatched)
	assert.Equal(t, 1, checked)
	assert.Zero(t, h.store.retryCount())
	_, settles, _ := h.ledger.totals()
	assert.Equal(t, 1, settles)
}

func TestScenarioD_ConflictingTerminalSignals(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-4")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	_, err := h.engine.CreatePayout(ctx, newRequest("tx-d"))
	require.NoError(t, err)

	p, err := h.engine.ApplyOutcome(ctx, "alpha", "tx-d", outcome(entities.NormalizedStatusCompleted, "A-4"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusCompleted, p.Status)
	h.settle(t)

	p, err = h.engine.ApplyOutcome(ctx, "alpha", "tx-d", outcome(entities.NormalizedStatusFailed, "A-4"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusRequiresManualReview, p.Status)
	require.NotNil(t, p.ReviewReason)
	assert.Equal(t, "conflicting_terminal_signal", *p.ReviewReason)
	h.settle(t)

	_, settles, releases := h.ledger.totals()
	assert.Equal(t, 1, settles)
	assert.Equal(t, 0, releases)
	assert.Equal(t, []entities.PayoutStatus{entities.PayoutStatusCompleted}, h.notifier.statuses(),
		"review is not announced to the payee")
}

func TestCreatePayout_ConcurrentDuplicatesDispatchOnce(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: func(int) (*entities.ProviderOutcome, error) {
		time.Sleep(20 * time.Millisecond)
		return outcome(entities.NormalizedStatusPending, "A-5"), nil
	}}
	h := newHarness(t, 3, alpha)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.CreatePayout(context.Background(), newRequest("tx-dup"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	dispatched, _ := alpha.counts()
	assert.Equal(t, 1, dispatched)
	reserves, _, _ := h.ledger.totals()
	assert.Equal(t, 1, reserves)

	view, err := h.engine.GetPayoutStatus(context.Background(), "tx-dup")
	require.NoError(t, err)
	assert.Len(t, view.Attempts, 1)
	assert.Equal(t, entities.PayoutStatusProviderPending, view.Payout.Status)
}

func TestApplyOutcome_ReplayIsIdempotent(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-6")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	_, err := h.engine.CreatePayout(ctx, newRequest("tx-replay"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		p, err := h.engine.ApplyOutcome(ctx, "alpha", "tx-replay", outcome(entities.NormalizedStatusCompleted, "A-6"))
		require.NoError(t, err)
		assert.Equal(t, entities.PayoutStatusCompleted, p.Status)
	}
	h.settle(t)

	_, settles, _ := h.ledger.totals()
	assert.Equal(t, 1, settles)
	assert.Len(t, h.notifier.statuses(), 1)

	applied := 0
	for _, s := range h.store.signalsFor("tx-replay") {
		if s.Source == entities.SignalSourceWebhook && s.Applied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
}

func TestTerminalStatesAbsorbLaterSignals(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusFailed, "A-7")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	p, err := h.engine.CreatePayout(ctx, newRequest("tx-absorb"))
	require.NoError(t, err)
	require.Equal(t, entities.PayoutStatusFailed, p.Status)

	for _, status := range []entities.NormalizedStatus{entities.NormalizedStatusPending, entities.NormalizedStatusProcessing, entities.NormalizedStatusFailed} {
		p, err = h.engine.ApplyOutcome(ctx, "alpha", "tx-absorb", outcome(status, "A-7"))
		require.NoError(t, err)
		assert.Equal(t, entities.PayoutStatusFailed, p.Status)
	}

	// a success after a release is a conflict, and review is final
	p, err = h.engine.ApplyOutcome(ctx, "alpha", "tx-absorb", outcome(entities.NormalizedStatusCompleted, "A-7"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusRequiresManualReview, p.Status)

	p, err = h.engine.ApplyOutcome(ctx, "alpha", "tx-absorb", outcome(entities.NormalizedStatusFailed, "A-7"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusRequiresManualReview, p.Status)
	h.settle(t)

	_, settles, releases := h.ledger.totals()
	assert.Equal(t, 0, settles)
	assert.Equal(t, 1, releases)
}

func TestRetryBound(t *testing.T) {
	alpha := &fakeAdapter{
		id:         "alpha",
		dispatchFn: fail(&entities.RetryableError{Provider: "alpha", Op: "dispatch", StatusCode: 503, Err: errors.New("unavailable")}),
	}
	h := newHarness(t, 3, alpha)

	p, err := h.engine.CreatePayout(context.Background(), newRequest("tx-retry"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusDispatching, p.Status)
	assert.Equal(t, 1, h.store.retryCount())

	h.drainRetries(t)

	dispatched, _ := alpha.counts()
	assert.Equal(t, 3, dispatched)

	view, err := h.engine.GetPayoutStatus(context.Background(), "tx-retry")
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusFailed, view.Payout.Status)
	assert.Equal(t, entities.SettlementDone, view.Payout.Settlement)
	_, _, releases := h.ledger.totals()
	assert.Equal(t, 1, releases)
}

func TestRetry_SucceedsOnSecondCall(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: func(call int) (*entities.ProviderOutcome, error) {
		if call == 1 {
			return nil, &entities.RetryableError{Provider: "alpha", Op: "dispatch", StatusCode: 429, Err: errors.New("slow down")}
		}
		return outcome(entities.NormalizedStatusPending, "A-8"), nil
	}}
	h := newHarness(t, 3, alpha)

	_, err := h.engine.CreatePayout(context.Background(), newRequest("tx-second"))
	require.NoError(t, err)
	h.drainRetries(t)

	view, err := h.engine.GetPayoutStatus(context.Background(), "tx-second")
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusProviderPending, view.Payout.Status)
	require.Len(t, view.Attempts, 1)
	assert.Equal(t, "A-8", view.Attempts[0].Reference())
}

func TestAmbiguousTimeout_UnverifiableGoesToReview(t *testing.T) {
	alpha := &fakeAdapter{
		id:         "alpha",
		dispatchFn: fail(&entities.RetryableError{Provider: "alpha", Op: "dispatch", Ambiguous: true, Err: context.DeadlineExceeded}),
		checkFn:    fail(&entities.RetryableError{Provider: "alpha", Op: "check_status", StatusCode: 502, Err: errors.New("bad gateway")}),
	}
	h := newHarness(t, 3, alpha)

	_, err := h.engine.CreatePayout(context.Background(), newRequest("tx-ambiguous"))
	require.NoError(t, err)
	h.drainRetries(t)

	view, err := h.engine.GetPayoutStatus(context.Background(), "tx-ambiguous")
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusRequiresManualReview, view.Payout.Status)
	assert.Equal(t, "retry_exhausted_after_timeout", *view.Payout.ReviewReason)

	dispatched, checked := alpha.counts()
	assert.Equal(t, 1, dispatched, "an unverified transfer is never sent twice")
	assert.Equal(t, 3, checked)
	_, _, releases := h.ledger.totals()
	assert.Zero(t, releases)
}

func TestAmbiguousTimeout_NotFoundRedispatches(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: func(call int) (*entities.ProviderOutcome, error) {
		if call == 1 {
			return nil, &entities.RetryableError{Provider: "alpha", Op: "dispatch", Ambiguous: true, Err: context.DeadlineExceeded}
		}
		return outcome(entities.NormalizedStatusPending, "A-9"), nil
	}}
	h := newHarness(t, 3, alpha)

	_, err := h.engine.CreatePayout(context.Background(), newRequest("tx-notfound"))
	require.NoError(t, err)
	h.drainRetries(t)

	dispatched, checked := alpha.counts()
	assert.Equal(t, 2, dispatched)
	assert.Equal(t, 1, checked)

	view, err := h.engine.GetPayoutStatus(context.Background(), "tx-notfound")
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusProviderPending, view.Payout.Status)
}

func TestAmbiguousDispatchError_CheckedBeforeRedispatch(t *testing.T) {
	cases := map[string]error{
		"client timeout": &entities.RetryableError{Provider: "alpha", Op: "dispatch", Ambiguous: true, Err: context.DeadlineExceeded},
		"unclassified":   errors.New("connection reset by peer"),
	}
	for name, dispatchErr := range cases {
		t.Run(name, func(t *testing.T) {
			alpha := &fakeAdapter{
				id:         "alpha",
				dispatchFn: fail(dispatchErr),
				checkFn:    respond(entities.NormalizedStatusCompleted, "A-20"),
			}
			h := newHarness(t, 3, alpha)

			p, err := h.engine.CreatePayout(context.Background(), newRequest("tx-verify"))
			require.NoError(t, err)
			assert.Equal(t, entities.PayoutStatusCompleted, p.Status)

			dispatched, checked := alpha.counts()
			assert.Equal(t, 1, dispatched, "a transfer the provider already has is not sent again")
			assert.Equal(t, 1, checked)
			assert.Zero(t, h.store.retryCount())
		})
	}
}

func TestAmbiguousDispatchError_CheckRetriedBeforeRedispatch(t *testing.T) {
	alpha := &fakeAdapter{
		id:         "alpha",
		dispatchFn: fail(&entities.RetryableError{Provider: "alpha", Op: "dispatch", Ambiguous: true, Err: context.DeadlineExceeded}),
		checkFn: func(call int) (*entities.ProviderOutcome, error) {
			if call == 1 {
				return nil, &entities.RetryableError{Provider: "alpha", Op: "check_status", StatusCode: 503, Err: errors.New("unavailable")}
			}
			return outcome(entities.NormalizedStatusCompleted, "A-21"), nil
		},
	}
	h := newHarness(t, 3, alpha)

	p, err := h.engine.CreatePayout(context.Background(), newRequest("tx-verify-later"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusDispatching, p.Status)
	h.drainRetries(t)

	view, err := h.engine.GetPayoutStatus(context.Background(), "tx-verify-later")
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusCompleted, view.Payout.Status)
	dispatched, checked := alpha.counts()
	assert.Equal(t, 1, dispatched)
	assert.Equal(t, 2, checked)
}

func TestTerminalError_TriesAlternateRoute(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: fail(&entities.TerminalError{Provider: "alpha", Code: "channel_disabled", Message: "channel disabled"})}
	beta := &fakeAdapter{id: "beta", dispatchFn: respond(entities.NormalizedStatusPending, "B-10")}
	h := newHarness(t, 3, alpha, beta)

	p, err := h.engine.CreatePayout(context.Background(), newRequest("tx-alt"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusProviderPending, p.Status)

	view, err := h.engine.GetPayoutStatus(context.Background(), "tx-alt")
	require.NoError(t, err)
	require.Len(t, view.Attempts, 2)
	assert.Equal(t, entities.AttemptOutcomeFailed, view.Attempts[0].Outcome)
	assert.Equal(t, "beta", view.Attempts[1].ProviderID)
	assert.Equal(t, view.Attempts[0].LeaseToken, view.Attempts[1].LeaseToken)
	reserves, _, releases := h.ledger.totals()
	assert.Equal(t, 1, reserves)
	assert.Zero(t, releases)
}

func TestTerminalError_NoAlternateFails(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: fail(&entities.TerminalError{Provider: "alpha", Code: "invalid_destination", Message: "bad number"})}
	h := newHarness(t, 3, alpha)

	p, err := h.engine.CreatePayout(context.Background(), newRequest("tx-terminal"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusFailed, p.Status)
	_, _, releases := h.ledger.totals()
	assert.Equal(t, 1, releases)
	assert.Equal(t, []entities.PayoutStatus{entities.PayoutStatusFailed}, h.notifier.statuses())
}

func TestOperatorAction_HoldsFundsForReview(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: fail(&entities.TerminalError{
		Provider: "alpha", Code: "ip_not_allowed", Message: "ip not whitelisted", OperatorActionRequired: true,
	})}
	beta := &fakeAdapter{id: "beta", dispatchFn: respond(entities.NormalizedStatusPending, "B-11")}
	h := newHarness(t, 3, alpha, beta)
	ctx := context.Background()

	p, err := h.engine.CreatePayout(ctx, newRequest("tx-operator"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusRequiresManualReview, p.Status)

	view, err := h.engine.GetPayoutStatus(ctx, "tx-operator")
	require.NoError(t, err)
	require.Len(t, view.Attempts, 1)
	assert.True(t, view.Attempts[0].OperatorActionRequired)

	dispatched, _ := beta.counts()
	assert.Zero(t, dispatched)
	_, _, releases := h.ledger.totals()
	assert.Zero(t, releases)
	assert.Empty(t, h.notifier.statuses())

	held, err := h.guard.Held(ctx, "tx-operator")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestApplyOutcome_AmountMismatchGoesToReview(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-12")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	_, err := h.engine.CreatePayout(ctx, newRequest("tx-amount"))
	require.NoError(t, err)

	o := outcome(entities.NormalizedStatusCompleted, "A-12")
	short := decimal.NewFromInt(4000)
	o.Amount = &short
	p, err := h.engine.ApplyOutcome(ctx, "alpha", "tx-amount", o)
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusRequiresManualReview, p.Status)
	assert.Equal(t, "amount_mismatch", *p.ReviewReason)
	h.settle(t)
	_, settles, _ := h.ledger.totals()
	assert.Zero(t, settles)
}

func TestApplyOutcome_ProcessingThenCompleted(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-13")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	_, err := h.engine.CreatePayout(ctx, newRequest("tx-processing"))
	require.NoError(t, err)

	p, err := h.engine.ApplyOutcome(ctx, "alpha", "tx-processing", outcome(entities.NormalizedStatusProcessing, "A-13"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusProviderProcessing, p.Status)

	// late pending does not move it back
	p, err = h.engine.ApplyOutcome(ctx, "alpha", "tx-processing", outcome(entities.NormalizedStatusPending, "A-13"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusProviderProcessing, p.Status)

	p, err = h.engine.ApplyOutcome(ctx, "alpha", "tx-processing", outcome(entities.NormalizedStatusCompleted, "A-13"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusCompleted, p.Status)
}

func TestApplyOutcome_CorrelatesByReference(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-14")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	_, err := h.engine.CreatePayout(ctx, newRequest("tx-ref"))
	require.NoError(t, err)

	p, err := h.engine.ApplyOutcome(ctx, "alpha", "", outcome(entities.NormalizedStatusCompleted, "A-14"))
	require.NoError(t, err)
	assert.Equal(t, "tx-ref", p.ID())
	assert.Equal(t, entities.PayoutStatusCompleted, p.Status)
}

func TestApplyOutcome_UnmatchedSignals(t *testing.T) {
	h := newHarness(t, 3, &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "")})
	ctx := context.Background()

	_, err := h.engine.ApplyOutcome(ctx, "alpha", "", outcome(entities.NormalizedStatusCompleted, "unknown-ref"))
	assert.ErrorIs(t, err, entities.ErrCorrelationMissing)

	_, err = h.engine.ApplyOutcome(ctx, "alpha", "tx-missing", outcome(entities.NormalizedStatusCompleted, ""))
	assert.ErrorIs(t, err, entities.ErrCorrelationMissing)

	_, err = h.engine.ApplyOutcome(ctx, "alpha", "", outcome(entities.NormalizedStatusCompleted, ""))
	assert.ErrorIs(t, err, entities.ErrCorrelationMissing)

	assert.Len(t, h.store.unmatched, 3)
}

func TestCreatePayout_Rejections(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-15")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	invalid := newRequest("tx-invalid")
	invalid.Amount = decimal.Zero
	_, err := h.engine.CreatePayout(ctx, invalid)
	assert.ErrorIs(t, err, entities.ErrInvalidPayoutRequest)

	unsupported := newRequest("tx-unsupported")
	unsupported.Destination.Channel = "carrier_pigeon"
	_, err = h.engine.CreatePayout(ctx, unsupported)
	assert.ErrorIs(t, err, entities.ErrUnsupportedChannel)

	h.ledger.deny = "daily limit reached"
	_, err = h.engine.CreatePayout(ctx, newRequest("tx-denied"))
	assert.ErrorIs(t, err, entities.ErrLimitsDenied)
	_, err = h.engine.GetPayoutStatus(ctx, "tx-denied")
	assert.ErrorIs(t, err, entities.ErrPayoutNotFound)

	dispatched, _ := alpha.counts()
	assert.Zero(t, dispatched)
}

func TestCreatePayout_IdempotentReplay(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-16")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	first, err := h.engine.CreatePayout(ctx, newRequest("tx-same"))
	require.NoError(t, err)
	second, err := h.engine.CreatePayout(ctx, newRequest("tx-same"))
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)

	changed := newRequest("tx-same")
	changed.Amount = decimal.NewFromInt(9000)
	_, err = h.engine.CreatePayout(ctx, changed)
	assert.ErrorIs(t, err, entities.ErrIdempotencyKeyReuse)

	dispatched, _ := alpha.counts()
	assert.Equal(t, 1, dispatched)
}

func TestCreatePayout_InsufficientFunds(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-17")}
	h := newHarness(t, 3, alpha)
	h.ledger.reserveErr = entities.ErrInsufficientFunds

	p, err := h.engine.CreatePayout(context.Background(), newRequest("tx-broke"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusFailed, p.Status)
	assert.Equal(t, entities.SettlementNone, p.Settlement)

	dispatched, _ := alpha.counts()
	assert.Zero(t, dispatched)
	_, _, releases := h.ledger.totals()
	assert.Zero(t, releases)
}

func TestSweepSettlements_RetriesLedgerOutage(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusCompleted, "A-18")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()
	h.ledger.settleErr = errors.New("ledger unavailable")

	p, err := h.engine.CreatePayout(ctx, newRequest("tx-sweep"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusCompleted, p.Status)
	assert.Equal(t, entities.SettlementPendingSettle, p.Settlement)

	h.ledger.mu.Lock()
	h.ledger.settleErr = nil
	h.ledger.mu.Unlock()

	done, err := h.engine.SweepSettlements(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	view, err := h.engine.GetPayoutStatus(ctx, "tx-sweep")
	require.NoError(t, err)
	assert.Equal(t, entities.SettlementDone, view.Payout.Settlement)
	_, settles, _ := h.ledger.totals()
	assert.Equal(t, 1, settles)
}

func TestRefreshAttempt(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-19")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	_, err := h.engine.CreatePayout(ctx, newRequest("tx-poll"))
	require.NoError(t, err)
	view, err := h.engine.GetPayoutStatus(ctx, "tx-poll")
	require.NoError(t, err)
	attempt := view.Attempts[0]

	// unknown at the provider: nothing changes
	require.NoError(t, h.engine.RefreshAttempt(ctx, attempt))
	view, err = h.engine.GetPayoutStatus(ctx, "tx-poll")
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusProviderPending, view.Payout.Status)

	alpha.setCheck(respond(entities.NormalizedStatusCompleted, "A-19"))
	require.NoError(t, h.engine.RefreshAttempt(ctx, attempt))
	view, err = h.engine.GetPayoutStatus(ctx, "tx-poll")
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusCompleted, view.Payout.Status)

	signals := h.store.signalsFor("tx-poll")
	assert.Equal(t, entities.SignalSourcePoll, signals[len(signals)-1].Source)
}

func TestApplyOutcome_QueuesAlternateRoute(t *testing.T) {
	alpha := &fakeAdapter{
		id:         "alpha",
		dispatchFn: fail(&entities.RetryableError{Provider: "alpha", Op: "dispatch", StatusCode: 503, Err: errors.New("unavailable")}),
	}
	beta := &fakeAdapter{id: "beta", dispatchFn: respond(entities.NormalizedStatusPending, "B-22")}
	h := newHarness(t, 3, alpha, beta)
	ctx := context.Background()

	p, err := h.engine.CreatePayout(ctx, newRequest("tx-queue"))
	require.NoError(t, err)
	require.Equal(t, entities.PayoutStatusDispatching, p.Status)

	p, err = h.engine.ApplyOutcome(ctx, "alpha", "tx-queue", outcome(entities.NormalizedStatusFailed, ""))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusDispatching, p.Status)

	dispatched, _ := beta.counts()
	assert.Zero(t, dispatched, "the webhook does not call the next provider")

	view, err := h.engine.GetPayoutStatus(ctx, "tx-queue")
	require.NoError(t, err)
	require.Len(t, view.Attempts, 2)
	assert.Equal(t, entities.AttemptOutcomeFailed, view.Attempts[0].Outcome)
	next := view.Attempts[1]
	assert.Equal(t, "beta", next.ProviderID)
	assert.Equal(t, entities.AttemptOutcomeInFlight, next.Outcome)
	assert.Equal(t, view.Attempts[0].LeaseToken, next.LeaseToken)

	due, err := h.store.DueRetries(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, next.ID, due[0].AttemptID)
	assert.Equal(t, entities.RetryKindDispatch, due[0].Kind)

	h.drainRetries(t)

	dispatched, _ = beta.counts()
	assert.Equal(t, 1, dispatched)
	view, err = h.engine.GetPayoutStatus(ctx, "tx-queue")
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusProviderPending, view.Payout.Status)
	assert.Equal(t, "B-22", view.Attempts[1].Reference())
	reserves, _, releases := h.ledger.totals()
	assert.Equal(t, 1, reserves)
	assert.Zero(t, releases)
}

func TestApplyOutcome_SettlesInBackground(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-23")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	_, err := h.engine.CreatePayout(ctx, newRequest("tx-background"))
	require.NoError(t, err)

	p, err := h.engine.ApplyOutcome(ctx, "alpha", "tx-background", outcome(entities.NormalizedStatusCompleted, "A-23"))
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusCompleted, p.Status)
	assert.Equal(t, entities.SettlementPendingSettle, p.Settlement)

	h.settle(t)

	_, settles, _ := h.ledger.totals()
	assert.Equal(t, 1, settles)
	assert.Equal(t, []entities.PayoutStatus{entities.PayoutStatusCompleted}, h.notifier.statuses())

	view, err := h.engine.GetPayoutStatus(ctx, "tx-background")
	require.NoError(t, err)
	assert.Equal(t, entities.SettlementDone, view.Payout.Settlement)
	held, err := h.guard.Held(ctx, "tx-background")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestStart_ReleasesLeaseWhenPayoutMovedOn(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusPending, "A-24")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()

	req := newRequest("tx-moved")
	normalizeRequest(req)
	now := time.Now().UTC()
	require.NoError(t, h.store.InsertPayout(ctx, &entities.Payout{
		Request:    *req,
		Status:     entities.PayoutStatusProviderPending,
		Settlement: entities.SettlementNone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
	routes, err := h.engine.routes.ResolveFor(req)
	require.NoError(t, err)

	p, err := h.engine.start(ctx, "tx-moved", routes)
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusProviderPending, p.Status)

	held, err := h.guard.Held(ctx, "tx-moved")
	require.NoError(t, err)
	assert.False(t, held)
	dispatched, _ := alpha.counts()
	assert.Zero(t, dispatched)
}

func TestRecoverStalled_RedrivesCreatedPayout(t *testing.T) {
	alpha := &fakeAdapter{id: "alpha", dispatchFn: respond(entities.NormalizedStatusCompleted, "A-25")}
	h := newHarness(t, 3, alpha)
	ctx := context.Background()
	h.ledger.reserveErr = context.DeadlineExceeded

	_, err := h.engine.CreatePayout(ctx, newRequest("tx-stalled"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	view, err := h.engine.GetPayoutStatus(ctx, "tx-stalled")
	require.NoError(t, err)
	require.Equal(t, entities.PayoutStatusCreated, view.Payout.Status)
	require.Empty(t, view.Attempts)

	h.ledger.mu.Lock()
	h.ledger.reserveErr = nil
	h.ledger.mu.Unlock()

	// still inside the grace period
	n, err := h.engine.RecoverStalled(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	dispatched, _ := alpha.counts()
	assert.Zero(t, dispatched)

	n, err = h.engine.RecoverStalled(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err = h.engine.GetPayoutStatus(ctx, "tx-stalled")
	require.NoError(t, err)
	assert.Equal(t, entities.PayoutStatusCompleted, view.Payout.Status)
	assert.Equal(t, entities.SettlementDone, view.Payout.Settlement)
	reserves, settles, _ := h.ledger.totals()
	assert.Equal(t, 1, reserves)
	assert.Equal(t, 1, settles)

	n, err = h.engine.RecoverStalled(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	dispatched, _ = alpha.counts()
	assert.Equal(t, 1, dispatched)
}
