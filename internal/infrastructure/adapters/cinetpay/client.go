// Package cinetpay implements the mobile money transfer adapter for the CinetPay transfer API.
package cinetpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/infrastructure/adapters/provider"
	"github.com/rail-service/payout_service/pkg/logger"
)

const (
	tokenTTL = 5 * time.Minute

	codeSuccess             = 0
	codeInsufficientBalance = 602
	codeContactExists       = 726
	codeNotFound            = 723
)

// Config holds CinetPay credentials
type Config struct {
	BaseURL       string
	APIKey        string
	Password      string
	WebhookSecret string
	NotifyURL     string
	Timeout       time.Duration
}

// Adapter talks to the CinetPay transfer API
type Adapter struct {
	cfg    Config
	client *provider.Client
	logger *logger.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// New creates a CinetPay adapter
func New(cfg Config, log *logger.Logger) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: provider.NewClient(entities.ProviderCinetPay, cfg.BaseURL, cfg.Timeout, log),
		logger: log.With("provider", entities.ProviderCinetPay),
		now:    time.Now,
	}
}

// ID returns the provider id
func (a *Adapter) ID() string {
	return entities.ProviderCinetPay
}

// HTTPClient exposes the underlying provider client
func (a *Adapter) HTTPClient() *provider.Client {
	return a.client
}

type envelope struct {
	Code        int             `json:"code"`
	Message     string          `json:"message"`
	Description string          `json:"description"`
	Data        json.RawMessage `json:"data"`
}

type transfer struct {
	TransactionID       string          `json:"transaction_id"`
	ClientTransactionID string          `json:"client_transaction_id"`
	Lot                 string          `json:"lot"`
	Amount              decimal.Decimal `json:"amount"`
	Receiver            string          `json:"receiver"`
	SendingStatus       string          `json:"sending_status"`
	TreatmentStatus     string          `json:"treatment_status"`
	Comment             string          `json:"comment"`
	Status              string          `json:"status"`
	Code                int             `json:"code"`
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
		Path:   "/v1/auth/login",
		Form:   url.Values{"apikey": {a.cfg.APIKey}, "password": {a.cfg.Password}},
	})
	if err != nil {
		// no transfer was requested, a failed login is never ambiguous
		if re, ok := entities.AsRetryable(err); ok {
			re.Ambiguous = false
		}
		return "", err
	}

	var env envelope
	if err := resp.Decode(&env); err != nil {
		return "", &entities.RetryableError{Provider: entities.ProviderCinetPay, Op: "auth", StatusCode: resp.StatusCode, Err: err}
	}
	if env.Code != codeSuccess {
		// rejected credentials or an unlisted server address both need an operator
		return "", &entities.TerminalError{
			Provider:               entities.ProviderCinetPay,
			Code:                   "auth_" + strconv.Itoa(env.Code),
			Message:                strings.TrimSpace(env.Message + " " + env.Description),
			OperatorActionRequired: true,
		}
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		return "", &entities.TerminalError{Provider: entities.ProviderCinetPay, Code: "auth", Message: "login response carried no token"}
	}

	a.token = data.Token
	a.tokenExpiry = a.now().Add(tokenTTL)
	return a.token, nil
}

func (a *Adapter) invalidateToken() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

// Dispatch adds the recipient as a contact and sends the transfer
func (a *Adapter) Dispatch(ctx context.Context, req *entities.PayoutRequest, c entities.Constraints) (*entities.ProviderOutcome, error) {
	if err := provider.CheckAmount(req, c, entities.ProviderCinetPay); err != nil {
		return nil, err
	}
	phone, err := provider.NormalizePhone(req.Destination.PhoneNumber, c.DialPrefix)
	if err != nil {
		return nil, provider.InvalidDestination(entities.ProviderCinetPay, err)
	}
	token, err := a.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.addContact(ctx, token, phone, req, c); err != nil {
		return nil, err
	}

	item := map[string]string{
		"prefix":                phone.Prefix,
		"phone":                 phone.National,
		"amount":                req.Amount.StringFixed(0),
		"client_transaction_id": req.InternalTransactionID,
		"notify_url":            a.cfg.NotifyURL,
	}
	if c.ProviderChannel != "" {
		item["payment_method"] = c.ProviderChannel
	}
	payload, _ := json.Marshal([]map[string]string{item})

	resp, err := a.client.Do(ctx, provider.Request{
		Op:     "dispatch",
		Method: http.MethodPost,
		Path:   "/v1/transfer/money/send/contact",
		Query:  url.Values{"token": {token}, "lang": {"fr"}},
		Form:   url.Values{"data": {string(payload)}},
	})
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := resp.Decode(&env); err != nil {
		return nil, &entities.RetryableError{Provider: entities.ProviderCinetPay, Op: "dispatch", StatusCode: resp.StatusCode, Ambiguous: true, Err: err}
	}
	if env.Code != codeSuccess {
		return nil, a.classify("dispatch", resp.StatusCode, env)
	}

	transfers, err := decodeTransfers(env.Data)
	if err != nil || len(transfers) == 0 {
		return nil, &entities.RetryableError{Provider: entities.ProviderCinetPay, Op: "dispatch", StatusCode: resp.StatusCode, Ambiguous: true, Err: fmt.Errorf("unreadable transfer acknowledgement")}
	}
	t := transfers[0]
	if t.Code != codeSuccess && t.TreatmentStatus == "" {
		return nil, a.classify("dispatch", resp.StatusCode, envelope{Code: t.Code, Message: t.Status, Description: t.Comment})
	}

	outcome := a.outcome(t, resp.Body, entities.SignalSourceDispatch)
	if outcome.Amount == nil {
		amount := req.Amount
		outcome.Amount = &amount
	}
	return outcome, nil
}

func (a *Adapter) addContact(ctx context.Context, token string, phone provider.Phone, req *entities.PayoutRequest, c entities.Constraints) error {
	contact := map[string]string{
		"prefix":  phone.Prefix,
		"phone":   phone.National,
		"name":    provider.SanitizeDescription(req.Description, c),
		"surname": provider.SanitizeDescription(req.UserID, c),
		"email":   req.NotifyEmail,
	}
	payload, _ := json.Marshal([]map[string]string{contact})

	resp, err := a.client.Do(ctx, provider.Request{
		Op:     "add_contact",
		Method: http.MethodPost,
		Path:   "/v1/transfer/contact",
		Query:  url.Values{"token": {token}, "lang": {"fr"}},
		Form:   url.Values{"data": {string(payload)}},
	})
	if err != nil {
		if re, ok := entities.AsRetryable(err); ok {
			re.Ambiguous = false
		}
		return err
	}

	var env envelope
	if err := resp.Decode(&env); err != nil {
		return &entities.RetryableError{Provider: entities.ProviderCinetPay, Op: "add_contact", StatusCode: resp.StatusCode, Err: err}
	}
	if env.Code != codeSuccess && env.Code != codeContactExists {
		err := a.classify("add_contact", resp.StatusCode, env)
		if re, ok := entities.AsRetryable(err); ok {
			re.Ambiguous = false
		}
		return err
	}
	return nil
}

// CheckStatus looks the transfer up by our transaction id, or by CinetPay's id when ours is unknown
func (a *Adapter) CheckStatus(ctx context.Context, q entities.StatusQuery) (*entities.ProviderOutcome, error) {
	token, err := a.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{"token": {token}, "lang": {"fr"}}
	switch {
	case q.InternalTransactionID != "":
		query.Set("client_transaction_id", q.InternalTransactionID)
	case q.ProviderReference != "":
		query.Set("transaction_id", q.ProviderReference)
	default:
		return nil, entities.ErrTransferNotFound
	}

	resp, err := a.client.Do(ctx, provider.Request{
		Op:     "check_status",
		Method: http.MethodGet,
		Path:   "/v1/transfer/check/money",
		Query:  query,
	})
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := resp.Decode(&env); err != nil {
		return nil, &entities.RetryableError{Provider: entities.ProviderCinetPay, Op: "check_status", StatusCode: resp.StatusCode, Err: err}
	}
	if env.Code == codeNotFound || resp.StatusCode == http.StatusNotFound {
		return nil, entities.ErrTransferNotFound
	}
	if env.Code != codeSuccess {
		return nil, a.classify("check_status", resp.StatusCode, env)
	}

	transfers, err := decodeTransfers(env.Data)
	if err != nil {
		return nil, &entities.RetryableError{Provider: entities.ProviderCinetPay, Op: "check_status", StatusCode: resp.StatusCode, Err: err}
	}
	if len(transfers) == 0 {
		return nil, entities.ErrTransferNotFound
	}
	return a.outcome(transfers[0], resp.Body, entities.SignalSourcePoll), nil
}

// VerifyWebhook checks the X-Token HMAC-SHA256 of the raw body
func (a *Adapter) VerifyWebhook(header http.Header, body []byte) error {
	if a.cfg.WebhookSecret == "" {
		return errors.New("cinetpay webhook secret not configured")
	}
	signature := strings.TrimSpace(header.Get("X-Token"))
	if signature == "" {
		return errors.New("missing x-token header")
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return errors.New("x-token mismatch")
	}
	return nil
}

// ParseWebhook reads a transfer notification
func (a *Adapter) ParseWebhook(_ http.Header, body []byte) (string, *entities.ProviderOutcome, error) {
	var t transfer
	if err := json.Unmarshal(body, &t); err != nil {
		return "", nil, fmt.Errorf("failed to parse cinetpay notification: %w", err)
	}
	outcome := a.outcome(t, body, entities.SignalSourceWebhook)
	if t.ClientTransactionID == "" {
		return "", outcome, entities.ErrCorrelationMissing
	}
	return t.ClientTransactionID, outcome, nil
}

func (a *Adapter) outcome(t transfer, raw []byte, source entities.SignalSource) *entities.ProviderOutcome {
	out := &entities.ProviderOutcome{
		ProviderReference: t.TransactionID,
		Status:            a.normalize(t.TreatmentStatus),
		ProviderStatus:    t.TreatmentStatus,
		RawPayload:        raw,
		ReceivedAt:        a.now().UTC(),
		Source:            source,
	}
	if !t.Amount.IsZero() {
		amount := t.Amount
		out.Amount = &amount
	}
	if out.Status == entities.NormalizedStatusFailed {
		out.FailureReason = t.Comment
	}
	return out
}

var statusTable = map[string]entities.NormalizedStatus{
	"NEW":      entities.NormalizedStatusPending,
	"PENDING":  entities.NormalizedStatusPending,
	"REC":      entities.NormalizedStatusProcessing,
	"VAL":      entities.NormalizedStatusCompleted,
	"ACCEPTED": entities.NormalizedStatusCompleted,
	"REJ":      entities.NormalizedStatusFailed,
	"REFUSED":  entities.NormalizedStatusFailed,
}

func (a *Adapter) normalize(status string) entities.NormalizedStatus {
	if s, ok := statusTable[strings.ToUpper(strings.TrimSpace(status))]; ok {
		return s
	}
	a.logger.Warn("Unrecognized CinetPay treatment status, treating as pending", "status", status)
	return entities.NormalizedStatusPending
}

func (a *Adapter) classify(op string, statusCode int, env envelope) error {
	message := strings.TrimSpace(env.Message + " " + env.Description)

	if statusCode == http.StatusUnauthorized || strings.Contains(strings.ToUpper(message), "INVALID_TOKEN") {
		a.invalidateToken()
		return &entities.RetryableError{Provider: entities.ProviderCinetPay, Op: op, StatusCode: statusCode, Err: errors.New(message)}
	}
	if statusCode == http.StatusForbidden || provider.ContainsAny(message, "whitelist", "ip not allowed", "adresse ip") {
		return &entities.TerminalError{
			Provider:               entities.ProviderCinetPay,
			Code:                   "ip_not_allowed",
			Message:                message,
			OperatorActionRequired: true,
		}
	}
	if env.Code == codeInsufficientBalance {
		return &entities.TerminalError{
			Provider:               entities.ProviderCinetPay,
			Code:                   strconv.Itoa(env.Code),
			Message:                message,
			OperatorActionRequired: true,
		}
	}
	return &entities.TerminalError{Provider: entities.ProviderCinetPay, Code: strconv.Itoa(env.Code), Message: message}
}

// decodeTransfers accepts both the flat and the nested list shapes CinetPay returns
func decodeTransfers(data json.RawMessage) ([]transfer, error) {
	var nested [][]transfer
	if err := json.Unmarshal(data, &nested); err == nil {
		var out []transfer
		for _, group := range nested {
			out = append(out, group...)
		}
		return out, nil
	}
	var flat []transfer
	if err := json.Unmarshal(data, &flat); err == nil {
		return flat, nil
	}
	var single transfer
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("failed to decode transfer data: %w", err)
	}
	return []transfer{single}, nil
}
