// Package ledger is the HTTP client for the balance and ledger service.
package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/infrastructure/adapters/provider"
	"github.com/rail-service/payout_service/pkg/logger"
)

// Config holds ledger connection settings
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the ledger. Every mutating call is keyed by the internal
// transaction id so the ledger can drop duplicates.
type Client struct {
	cfg    Config
	http   *provider.Client
	logger *logger.Logger
}

// NewClient creates a ledger client
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   provider.NewClient("ledger", cfg.BaseURL, cfg.Timeout, log),
		logger: log,
	}
}

type limitsRequest struct {
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type movementRequest struct {
	Reference string          `json:"reference"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Reason    string          `json:"reason,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) headers(idempotencyKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if idempotencyKey != "" {
		h.Set("Idempotency-Key", idempotencyKey)
	}
	return h
}

// CheckLimits asks whether the user may withdraw amount
func (c *Client) CheckLimits(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*entities.LimitDecision, error) {
	resp, err := c.http.Do(ctx, provider.Request{
		Op:     "check_limits",
		Method: http.MethodPost,
		Path:   "/v1/limits/check",
		Header: c.headers(""),
		JSON:   limitsRequest{UserID: userID, Amount: amount, Currency: currency},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check limits: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.failure("check_limits", resp)
	}

	var decision entities.LimitDecision
	if err := resp.Decode(&decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// ReserveFunds holds the payout amount on the user's balance
func (c *Client) ReserveFunds(ctx context.Context, req *entities.PayoutRequest) error {
	resp, err := c.http.Do(ctx, provider.Request{
		Op:     "reserve",
		Method: http.MethodPost,
		Path:   "/v1/reservations",
		Header: c.headers(req.InternalTransactionID + ":reserve"),
		JSON:   c.movement(req, ""),
	})
	if err != nil {
		return fmt.Errorf("failed to reserve funds: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		return nil
	case http.StatusPaymentRequired:
		return entities.ErrInsufficientFunds
	}

	var body errorBody
	_ = resp.Decode(&body)
	if body.Code == "insufficient_funds" {
		return entities.ErrInsufficientFunds
	}
	return c.failure("reserve", resp)
}

// Settle finalizes the reservation once the money has left
func (c *Client) Settle(ctx context.Context, req *entities.PayoutRequest) error {
	return c.complete(ctx, "settle", req, "")
}

// Release returns the reserved funds to the user
func (c *Client) Release(ctx context.Context, req *entities.PayoutRequest, reason string) error {
	return c.complete(ctx, "release", req, reason)
}

func (c *Client) complete(ctx context.Context, op string, req *entities.PayoutRequest, reason string) error {
	resp, err := c.http.Do(ctx, provider.Request{
		Op:     op,
		Method: http.MethodPost,
		Path:   "/v1/reservations/" + url.PathEscape(req.InternalTransactionID) + "/" + op,
		Header: c.headers(req.InternalTransactionID + ":" + op),
		JSON:   c.movement(req, reason),
	})
	if err != nil {
		return fmt.Errorf("failed to %s reservation: %w", op, err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusConflict:
		// 409: already applied
		return nil
	}
	return c.failure(op, resp)
}

func (c *Client) movement(req *entities.PayoutRequest, reason string) movementRequest {
	return movementRequest{
		Reference: req.InternalTransactionID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Reason:    reason,
	}
}

func (c *Client) failure(op string, resp *provider.Response) error {
	var body errorBody
	_ = resp.Decode(&body)
	c.logger.Error("Ledger call rejected", "op", op, "status", resp.StatusCode, "code", body.Code)
	return fmt.Errorf("ledger %s failed with status %d: %s", op, resp.StatusCode, body.Message)
}
