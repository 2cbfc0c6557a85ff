// Package nowpayments implements the crypto payout adapter on the NOWPayments mass payout API.
package nowpayments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/infrastructure/adapters/provider"
	"github.com/rail-service/payout_service/pkg/logger"
)

const tokenTTL = 4 * time.Minute

// Config holds NOWPayments credentials
type Config struct {
	BaseURL     string
	APIKey      string
	Email       string
	Password    string
	IPNSecret   string
	CallbackURL string
	Timeout     time.Duration
}

// Adapter talks to the NOWPayments payout API
type Adapter struct {
	cfg    Config
	client *provider.Client
	logger *logger.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// New creates a NOWPayments adapter
func New(cfg Config, log *logger.Logger) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: provider.NewClient(entities.ProviderNOWPayments, cfg.BaseURL, cfg.Timeout, log),
		logger: log.With("provider", entities.ProviderNOWPayments),
		now:    time.Now,
	}
}

// ID returns the provider id
func (a *Adapter) ID() string {
	return entities.ProviderNOWPayments
}

type withdrawal struct {
	ID                string          `json:"id"`
	BatchWithdrawalID string          `json:"batch_withdrawal_id"`
	Address           string          `json:"address"`
	Currency          string          `json:"currency"`
	Amount            decimal.Decimal `json:"amount"`
	Status            string          `json:"status"`
	Error             *string         `json:"error"`
	Hash              *string         `json:"hash"`
	UniqueExternalID  string          `json:"unique_external_id"`
}

type apiError struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (a *Adapter) authenticate(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	resp, err := a.client.Do(ctx, provider.Request{
		Op:     "auth",
		Method: http.MethodPost,
		Path:   "/v1/auth",
		JSON:   map[string]string{"email": a.cfg.Email, "password": a.cfg.Password},
	})
	if err != nil {
		if re, ok := entities.AsRetryable(err); ok {
			re.Ambiguous = false
		}
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", a.classify(resp, true)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := resp.Decode(&body); err != nil || body.Token == "" {
		return "", &entities.TerminalError{Provider: entities.ProviderNOWPayments, Code: "auth", Message: "auth response carried no token", OperatorActionRequired: true}
	}

	a.token = body.Token
	a.tokenExpiry = a.now().Add(tokenTTL)
	return a.token, nil
}

func (a *Adapter) headers(token string) http.Header {
	h := http.Header{}
	h.Set("x-api-key", a.cfg.APIKey)
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// Dispatch creates a single-withdrawal payout batch
func (a *Adapter) Dispatch(ctx context.Context, req *entities.PayoutRequest, c entities.Constraints) (*entities.ProviderOutcome, error) {
	if err := provider.CheckAmount(req, c, entities.ProviderNOWPayments); err != nil {
		return nil, err
	}
	address := strings.TrimSpace(req.Destination.WalletAddress)
	if address == "" {
		return nil, provider.InvalidDestination(entities.ProviderNOWPayments, errors.New("wallet address is required"))
	}
	currency := c.ProviderChannel
	if currency == "" {
		currency = strings.ToLower(req.Destination.CryptoCurrency)
	}

	token, err := a.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(ctx, provider.Request{
		Op:     "dispatch",
		Method: http.MethodPost,
		Path:   "/v1/payout",
		Header: a.headers(token),
		JSON: map[string]interface{}{
			"ipn_callback_url": a.cfg.CallbackURL,
			"withdrawals": []map[string]interface{}{{
				"address":            address,
				"currency":           currency,
				"amount":             json.Number(req.Amount.String()),
				"ipn_callback_url":   a.cfg.CallbackURL,
				"unique_external_id": req.InternalTransactionID,
			}},
		},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, a.classify(resp, false)
	}

	var batch struct {
		ID          string       `json:"id"`
		Withdrawals []withdrawal `json:"withdrawals"`
	}
	if err := resp.Decode(&batch); err != nil || batch.ID == "" {
		return nil, &entities.RetryableError{Provider: entities.ProviderNOWPayments, Op: "dispatch", StatusCode: resp.StatusCode, Ambiguous: true, Err: fmt.Errorf("unreadable payout acknowledgement")}
	}

	w := withdrawal{Status: "WAITING", Amount: req.Amount}
	if len(batch.Withdrawals) > 0 {
		w = batch.Withdrawals[0]
	}
	return a.outcome(batch.ID, w, resp.Body, entities.SignalSourceDispatch), nil
}

// CheckStatus reads the payout batch and picks our withdrawal
func (a *Adapter) CheckStatus(ctx context.Context, q entities.StatusQuery) (*entities.ProviderOutcome, error) {
	if q.ProviderReference == "" {
		// NOWPayments lists payouts only by batch id, so absence cannot be proven
		return nil, &entities.RetryableError{Provider: entities.ProviderNOWPayments, Op: "check_status", Err: errors.New("cannot verify a payout without a batch id")}
	}
	token, err := a.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(ctx, provider.Request{
		Op:     "check_status",
		Method: http.MethodGet,
		Path:   "/v1/payout/" + q.ProviderReference,
		Header: a.headers(token),
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, entities.ErrTransferNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.classify(resp, false)
	}

	var withdrawals []withdrawal
	if err := resp.Decode(&withdrawals); err != nil {
		var wrapped struct {
			Withdrawals []withdrawal `json:"withdrawals"`
		}
		if err2 := resp.Decode(&wrapped); err2 != nil {
			return nil, &entities.RetryableError{Provider: entities.ProviderNOWPayments, Op: "check_status", StatusCode: resp.StatusCode, Err: err}
		}
		withdrawals = wrapped.Withdrawals
	}

	for _, w := range withdrawals {
		if q.InternalTransactionID == "" || w.UniqueExternalID == q.InternalTransactionID {
			return a.outcome(q.ProviderReference, w, resp.Body, entities.SignalSourcePoll), nil
		}
	}
	return nil, entities.ErrTransferNotFound
}

// VerifyWebhook checks x-nowpayments-sig, the HMAC-SHA512 of the key-sorted JSON body
func (a *Adapter) VerifyWebhook(header http.Header, body []byte) error {
	if a.cfg.IPNSecret == "" {
		return errors.New("nowpayments ipn secret not configured")
	}
	signature := strings.ToLower(strings.TrimSpace(header.Get("x-nowpayments-sig")))
	if signature == "" {
		return errors.New("missing x-nowpayments-sig header")
	}
	canonical, err := SortedJSON(body)
	if err != nil {
		return err
	}
	mac := hmac.New(sha512.New, []byte(a.cfg.IPNSecret))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("ipn signature mismatch")
	}
	return nil
}

// ParseWebhook reads an IPN for a single withdrawal
func (a *Adapter) ParseWebhook(_ http.Header, body []byte) (string, *entities.ProviderOutcome, error) {
	var w withdrawal
	if err := json.Unmarshal(body, &w); err != nil {
		return "", nil, fmt.Errorf("failed to parse nowpayments ipn: %w", err)
	}
	out := a.outcome(w.BatchWithdrawalID, w, body, entities.SignalSourceWebhook)
	if w.UniqueExternalID == "" {
		return "", out, entities.ErrCorrelationMissing
	}
	return w.UniqueExternalID, out, nil
}

func (a *Adapter) outcome(batchID string, w withdrawal, raw []byte, source entities.SignalSource) *entities.ProviderOutcome {
	out := &entities.ProviderOutcome{
		ProviderReference: batchID,
		Status:            a.normalize(w.Status),
		ProviderStatus:    w.Status,
		RawPayload:        raw,
		ReceivedAt:        a.now().UTC(),
		Source:            source,
	}
	if !w.Amount.IsZero() {
		amount := w.Amount
		out.Amount = &amount
	}
	if out.Status == entities.NormalizedStatusFailed && w.Error != nil {
		out.FailureReason = *w.Error
	}
	return out
}

var statusTable = map[string]entities.NormalizedStatus{
	"WAITING":    entities.NormalizedStatusPending,
	"CREATING":   entities.NormalizedStatusPending,
	"PROCESSING": entities.NormalizedStatusProcessing,
	"SENDING":    entities.NormalizedStatusProcessing,
	"FINISHED":   entities.NormalizedStatusCompleted,
	"FAILED":     entities.NormalizedStatusFailed,
	"REJECTED":   entities.NormalizedStatusFailed,
}

func (a *Adapter) normalize(status string) entities.NormalizedStatus {
	if s, ok := statusTable[strings.ToUpper(strings.TrimSpace(status))]; ok {
		return s
	}
	a.logger.Warn("Unrecognized NOWPayments status, treating as pending", "status", status)
	return entities.NormalizedStatusPending
}

func (a *Adapter) classify(resp *provider.Response, auth bool) error {
	var apiErr apiError
	_ = resp.Decode(&apiErr)
	message := strings.TrimSpace(apiErr.Code + " " + apiErr.Message)

	if resp.StatusCode == http.StatusUnauthorized && !auth {
		a.mu.Lock()
		a.token = ""
		a.mu.Unlock()
		return &entities.RetryableError{Provider: entities.ProviderNOWPayments, Op: "auth", StatusCode: resp.StatusCode, Err: errors.New(message)}
	}

	te := &entities.TerminalError{Provider: entities.ProviderNOWPayments, Code: apiErr.Code, Message: message}
	switch {
	case auth, resp.StatusCode == http.StatusForbidden, provider.ContainsAny(message, "whitelist", "ip not allowed"):
		te.OperatorActionRequired = true
	case provider.ContainsAny(message, "insufficient", "not enough balance"):
		te.OperatorActionRequired = true
	}
	if te.Code == "" {
		te.Code = fmt.Sprintf("http_%d", resp.StatusCode)
	}
	return te
}

// SortedJSON re-encodes a JSON document with object keys sorted, numbers and
// non-ASCII text left as received.
func SortedJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse ipn body: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode ipn body: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
