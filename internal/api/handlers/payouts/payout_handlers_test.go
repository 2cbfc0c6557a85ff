package payouts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/pkg/validation"
)

type stubService struct {
	createErr error
	payout    *entities.Payout
	view      *entities.PayoutView
	got       *entities.PayoutRequest
}

func (s *stubService) CreatePayout(_ context.Context, req *entities.PayoutRequest) (*entities.Payout, error) {
	s.got = req
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.payout, nil
}

func (s *stubService) GetPayoutStatus(_ context.Context, id string) (*entities.PayoutView, error) {
	if s.view == nil || s.view.Payout.ID() != id {
		return nil, entities.ErrPayoutNotFound
	}
	return s.view, nil
}

type stubSignals struct {
	unmatched []*entities.UnmatchedSignal
	limit     int
}

func (s *stubSignals) ListSignals(_ context.Context, id string) ([]*entities.PayoutSignal, error) {
	return []*entities.PayoutSignal{{InternalTransactionID: id, ProviderStatus: "VAL", Applied: true}}, nil
}

func (s *stubSignals) ListUnmatched(_ context.Context, limit int) ([]*entities.UnmatchedSignal, error) {
	s.limit = limit
	return s.unmatched, nil
}

const createBody = `{
	"internal_transaction_id": "tx-1",
	"user_id": "user-1",
	"amount": "1000",
	"currency": "XOF",
	"destination": {"kind": "mobile_money", "phone_number": "+2250701020304", "country": "CI", "channel": "orange_money"}
}`

func newRouter(svc PayoutService, signals SignalReader) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewPayoutHandlers(svc, signals, zap.NewNop())
	r := gin.New()
	r.POST("/api/v1/payouts", h.CreatePayout)
	r.GET("/api/v1/payouts/:id", h.GetPayout)
	r.GET("/api/v1/unmatched-signals", h.ListUnmatched)
	return r
}

func post(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payouts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestCreatePayout_ReturnsState(t *testing.T) {
	svc := &stubService{payout: &entities.Payout{
		Request: entities.PayoutRequest{InternalTransactionID: "tx-1"},
		Status:  entities.PayoutStatusProviderPending,
	}}
	w := post(newRouter(svc, nil), createBody)

	require.Equal(t, http.StatusOK, w.Code)
	var resp PayoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "tx-1", resp.InternalTransactionID)
	assert.Equal(t, entities.PayoutStatusProviderPending, resp.State)
	assert.Equal(t, "1000", svc.got.Amount.String())
	assert.Equal(t, "orange_money", svc.got.Destination.Channel)
}

func TestCreatePayout_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"validation", fmt.Errorf("%w: %w", entities.ErrInvalidPayoutRequest, &validation.ValidationError{Fields: map[string]string{"Amount": "positive_amount"}}), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unsupported", fmt.Errorf("%w: CI/pigeon", entities.ErrUnsupportedChannel), http.StatusUnprocessableEntity, "UNSUPPORTED_CHANNEL"},
		{"limits", fmt.Errorf("%w: daily limit", entities.ErrLimitsDenied), http.StatusUnprocessableEntity, "daily limit"},
		{"reuse", entities.ErrIdempotencyKeyReuse, http.StatusConflict, "IDEMPOTENCY_KEY_REUSE"},
		{"infrastructure", errors.New("db down"), http.StatusServiceUnavailable, "PAYOUT_UNAVAILABLE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := post(newRouter(&stubService{createErr: tc.err}, nil), createBody)
			assert.Equal(t, tc.code, w.Code)
			assert.Contains(t, w.Body.String(), tc.body)
		})
	}
}

func TestCreatePayout_MalformedJSON(t *testing.T) {
	w := post(newRouter(&stubService{}, nil), `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPayout(t *testing.T) {
	ref := "CP-1"
	svc := &stubService{view: &entities.PayoutView{
		Payout: &entities.Payout{
			Request: entities.PayoutRequest{InternalTransactionID: "tx-1"},
			Status:  entities.PayoutStatusCompleted,
		},
		Attempts: []*entities.PayoutAttempt{{ProviderID: "cinetpay", ProviderReference: &ref, Outcome: entities.AttemptOutcomeCompleted}},
	}}
	r := newRouter(svc, &stubSignals{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/payouts/tx-1?include=signals", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp PayoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, entities.PayoutStatusCompleted, resp.State)
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, "CP-1", resp.Attempts[0].Reference())
	require.Len(t, resp.Signals, 1)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/payouts/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListUnmatched(t *testing.T) {
	signals := &stubSignals{unmatched: []*entities.UnmatchedSignal{{ProviderID: "paydunya", ProviderReference: "tok", Reason: "unknown provider reference"}}}
	r := newRouter(&stubService{}, signals)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/unmatched-signals?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, signals.limit)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
