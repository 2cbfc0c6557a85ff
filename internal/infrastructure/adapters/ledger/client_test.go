package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "ledger-key", Timeout: time.Second}, logger.NewNop())
}

func request() *entities.PayoutRequest {
	return &entities.PayoutRequest{InternalTransactionID: "tx-1", UserID: "user-1", Amount: decimal.NewFromInt(1000), Currency: "XOF"}
}

func TestCheckLimits(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/limits/check", r.URL.Path)
		assert.Equal(t, "Bearer ledger-key", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user-1", body["user_id"])
		_, _ = w.Write([]byte(`{"allowed":false,"reason":"daily limit reached"}`))
	})

	decision, err := c.CheckLimits(context.Background(), "user-1", decimal.NewFromInt(1000), "XOF")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "daily limit reached", decision.Reason)
}

func TestReserveFunds(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tx-1:reserve", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusCreated)
	})
	assert.NoError(t, c.ReserveFunds(context.Background(), request()))
}

func TestReserveFunds_Insufficient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"insufficient_funds","message":"balance too low"}`))
	})
	assert.ErrorIs(t, c.ReserveFunds(context.Background(), request()), entities.ErrInsufficientFunds)
}

func TestSettleAndReleaseAreIdempotent(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusConflict)
	})

	require.NoError(t, c.Settle(context.Background(), request()))
	require.NoError(t, c.Release(context.Background(), request(), "provider rejected"))
	assert.Equal(t, []string{"/v1/reservations/tx-1/settle", "/v1/reservations/tx-1/release"}, paths)
}

func TestSettle_ServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := c.Settle(context.Background(), request())
	require.Error(t, err)
	assert.True(t, entities.IsRetryable(err))
}
