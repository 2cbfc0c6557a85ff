// Package paydunya implements the mobile money disbursement adapter for PayDunya.
package paydunya

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/infrastructure/adapters/provider"
	"github.com/rail-service/payout_service/pkg/logger"
)

const responseOK = "00"

// Config holds PayDunya API keys
type Config struct {
	BaseURL     string
	MasterKey   string
	PrivateKey  string
	Token       string
	CallbackURL string
	Timeout     time.Duration
}

// Adapter talks to the PayDunya disburse API
type Adapter struct {
	cfg    Config
	client *provider.Client
	logger *logger.Logger
	now    func() time.Time
}

// New creates a PayDunya adapter
func New(cfg Config, log *logger.Logger) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: provider.NewClient(entities.ProviderPayDunya, cfg.BaseURL, cfg.Timeout, log),
		logger: log.With("provider", entities.ProviderPayDunya),
		now:    time.Now,
	}
}

// ID returns the provider id
func (a *Adapter) ID() string {
	return entities.ProviderPayDunya
}

func (a *Adapter) headers() http.Header {
	h := http.Header{}
	h.Set("PAYDUNYA-MASTER-KEY", a.cfg.MasterKey)
	h.Set("PAYDUNYA-PRIVATE-KEY", a.cfg.PrivateKey)
	h.Set("PAYDUNYA-TOKEN", a.cfg.Token)
	return h
}

type apiResponse struct {
	ResponseCode  string          `json:"response_code"`
	ResponseText  string          `json:"response_text"`
	Description   string          `json:"description"`
	DisburseToken string          `json:"disburse_token"`
	TransactionID string          `json:"transaction_id"`
	DisburseTxID  string          `json:"disburse_tx_id"`
	Status        string          `json:"status"`
	WithdrawMode  string          `json:"withdraw_mode"`
	Amount        decimal.Decimal `json:"amount"`
}

type callback struct {
	Status        string          `json:"status"`
	Token         string          `json:"token"`
	DisburseID    string          `json:"disburse_id"`
	WithdrawMode  string          `json:"withdraw_mode"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	Description   string          `json:"description"`
	Hash          string          `json:"hash"`
}

// Dispatch creates a disburse invoice, then submits it with our transaction id
func (a *Adapter) Dispatch(ctx context.Context, req *entities.PayoutRequest, c entities.Constraints) (*entities.ProviderOutcome, error) {
	if err := provider.CheckAmount(req, c, entities.ProviderPayDunya); err != nil {
		return nil, err
	}
	phone, err := provider.NormalizePhone(req.Destination.PhoneNumber, c.DialPrefix)
	if err != nil {
		return nil, provider.InvalidDestination(entities.ProviderPayDunya, err)
	}

	invoice, err := a.call(ctx, "get_invoice", "/api/v2/disburse/get-invoice", map[string]interface{}{
		"account_alias": phone.Format(c),
		"amount":        req.Amount.IntPart(),
		"withdraw_mode": c.ProviderChannel,
		"callback_url":  a.cfg.CallbackURL,
		"description":   provider.SanitizeDescription(req.Description, c),
	})
	if err != nil {
		// an invoice by itself moves no money
		if re, ok := entities.AsRetryable(err); ok {
			re.Ambiguous = false
		}
		return nil, err
	}
	if invoice.DisburseToken == "" {
		return nil, &entities.TerminalError{Provider: entities.ProviderPayDunya, Code: "no_token", Message: "get-invoice returned no disburse token"}
	}

	submitted, err := a.call(ctx, "dispatch", "/api/v2/disburse/submit-invoice", map[string]interface{}{
		"disburse_invoice": invoice.DisburseToken,
		"disburse_id":      req.InternalTransactionID,
	})
	if err != nil {
		if re, ok := entities.AsRetryable(err); ok {
			re.Reference = invoice.DisburseToken
		}
		return nil, err
	}

	status := submitted.Status
	if status == "" {
		status = "pending"
	}
	amount := req.Amount
	return &entities.ProviderOutcome{
		ProviderReference: invoice.DisburseToken,
		Status:            a.normalize(status),
		ProviderStatus:    status,
		Amount:            &amount,
		FailureReason:     submitted.Description,
		RawPayload:        submitted.raw,
		ReceivedAt:        a.now().UTC(),
		Source:            entities.SignalSourceDispatch,
	}, nil
}

// CheckStatus queries a disbursement by its invoice token
func (a *Adapter) CheckStatus(ctx context.Context, q entities.StatusQuery) (*entities.ProviderOutcome, error) {
	if q.ProviderReference == "" {
		// PayDunya cannot look a disbursement up by our id
		return nil, entities.ErrTransferNotFound
	}
	resp, err := a.call(ctx, "check_status", "/api/v2/disburse/check-status", map[string]interface{}{
		"disburse_invoice": q.ProviderReference,
	})
	if err != nil {
		if te, ok := entities.AsTerminal(err); ok && !te.OperatorActionRequired {
			return nil, fmt.Errorf("%w: %s", entities.ErrTransferNotFound, te.Message)
		}
		return nil, err
	}

	out := &entities.ProviderOutcome{
		ProviderReference: q.ProviderReference,
		Status:            a.normalize(resp.Status),
		ProviderStatus:    resp.Status,
		RawPayload:        resp.raw,
		ReceivedAt:        a.now().UTC(),
		Source:            entities.SignalSourcePoll,
	}
	if !resp.Amount.IsZero() {
		amount := resp.Amount
		out.Amount = &amount
	}
	if out.Status == entities.NormalizedStatusFailed {
		out.FailureReason = resp.Description
	}
	return out, nil
}

// VerifyWebhook checks that the callback hash is the SHA-512 of the master key
func (a *Adapter) VerifyWebhook(_ http.Header, body []byte) error {
	if a.cfg.MasterKey == "" {
		return errors.New("paydunya master key not configured")
	}
	var cb callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return fmt.Errorf("failed to parse paydunya callback: %w", err)
	}
	sum := sha512.Sum512([]byte(a.cfg.MasterKey))
	expected := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(cb.Hash))) != 1 {
		return errors.New("callback hash mismatch")
	}
	return nil
}

// ParseWebhook reads a disbursement callback. disburse_id is the id sent on submit.
func (a *Adapter) ParseWebhook(_ http.Header, body []byte) (string, *entities.ProviderOutcome, error) {
	var cb callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return "", nil, fmt.Errorf("failed to parse paydunya callback: %w", err)
	}
	out := &entities.ProviderOutcome{
		ProviderReference: cb.Token,
		Status:            a.normalize(cb.Status),
		ProviderStatus:    cb.Status,
		RawPayload:        body,
		ReceivedAt:        a.now().UTC(),
		Source:            entities.SignalSourceWebhook,
	}
	if !cb.Amount.IsZero() {
		amount := cb.Amount
		out.Amount = &amount
	}
	if out.Status == entities.NormalizedStatusFailed {
		out.FailureReason = cb.Description
	}
	if cb.DisburseID == "" {
		return "", out, entities.ErrCorrelationMissing
	}
	return cb.DisburseID, out, nil
}

var statusTable = map[string]entities.NormalizedStatus{
	"created":    entities.NormalizedStatusPending,
	"pending":    entities.NormalizedStatusPending,
	"processing": entities.NormalizedStatusProcessing,
	"success":    entities.NormalizedStatusCompleted,
	"completed":  entities.NormalizedStatusCompleted,
	"failed":     entities.NormalizedStatusFailed,
	"cancelled":  entities.NormalizedStatusFailed,
}

func (a *Adapter) normalize(status string) entities.NormalizedStatus {
	if s, ok := statusTable[strings.ToLower(strings.TrimSpace(status))]; ok {
		return s
	}
	a.logger.Warn("Unrecognized PayDunya status, treating as pending", "status", status)
	return entities.NormalizedStatusPending
}

type rawResponse struct {
	apiResponse
	raw []byte
}

func (a *Adapter) call(ctx context.Context, op, path string, body map[string]interface{}) (*rawResponse, error) {
	resp, err := a.client.Do(ctx, provider.Request{
		Op:     op,
		Method: http.MethodPost,
		Path:   path,
		Header: a.headers(),
		JSON:   body,
	})
	if err != nil {
		return nil, err
	}

	var out rawResponse
	if err := resp.Decode(&out.apiResponse); err != nil {
		return nil, &entities.RetryableError{Provider: entities.ProviderPayDunya, Op: op, StatusCode: resp.StatusCode, Ambiguous: true, Err: err}
	}
	out.raw = resp.Body

	if out.ResponseCode != responseOK {
		return nil, a.classify(resp.StatusCode, out.apiResponse)
	}
	return &out, nil
}

func (a *Adapter) classify(statusCode int, r apiResponse) error {
	message := strings.TrimSpace(r.ResponseText + " " + r.Description)
	te := &entities.TerminalError{Provider: entities.ProviderPayDunya, Code: r.ResponseCode, Message: message}

	switch {
	case statusCode == http.StatusForbidden, provider.ContainsAny(message, "whitelist", "ip not allowed", "adresse ip"):
		te.OperatorActionRequired = true
	case provider.ContainsAny(message, "solde insuffisant", "insufficient balance", "insufficient funds"):
		te.OperatorActionRequired = true
	case statusCode == http.StatusUnauthorized, provider.ContainsAny(message, "invalid key", "cle invalide", "clé invalide"):
		te.OperatorActionRequired = true
	}
	return te
}
