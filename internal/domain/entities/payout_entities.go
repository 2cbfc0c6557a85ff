package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DestinationKind distinguishes mobile money recipients from crypto wallets
type DestinationKind string

const (
	DestinationMobileMoney  DestinationKind = "mobile_money"
	DestinationCryptoWallet DestinationKind = "crypto_wallet"
)

// Destination identifies where the money goes
type Destination struct {
	Kind           DestinationKind `json:"kind" validate:"required,oneof=mobile_money crypto_wallet"`
	PhoneNumber    string          `json:"phone_number,omitempty" validate:"required_if=Kind mobile_money,omitempty,phone_number"`
	Country        string          `json:"country,omitempty" validate:"required_if=Kind mobile_money,omitempty,len=2"`
	Channel        string          `json:"channel" validate:"required,max=32"`
	WalletAddress  string          `json:"wallet_address,omitempty" validate:"required_if=Kind crypto_wallet,omitempty,max=128"`
	CryptoCurrency string          `json:"crypto_currency,omitempty" validate:"required_if=Kind crypto_wallet,omitempty,max=16"`
}

// RouteCountry returns the registry key for the destination country
func (d Destination) RouteCountry() string {
	if d.Kind == DestinationCryptoWallet {
		return AnyCountry
	}
	return d.Country
}

// PayoutRequest is the immutable instruction to move money to a recipient.
// InternalTransactionID is assigned by the caller and is the sole correlation key.
type PayoutRequest struct {
	InternalTransactionID string          `json:"internal_transaction_id" validate:"required,max=64,safe_string"`
	UserID                string          `json:"user_id" validate:"required,max=64"`
	Amount                decimal.Decimal `json:"amount" validate:"positive_amount"`
	Currency              string          `json:"currency" validate:"required,max=16"`
	Destination           Destination     `json:"destination" validate:"required"`
	Description           string          `json:"description,omitempty" validate:"max=255"`
	NotifyEmail           string          `json:"notify_email,omitempty" validate:"omitempty,email"`
}

// Payout is the authoritative state record for a PayoutRequest
type Payout struct {
	Request       PayoutRequest    `json:"request"`
	Status        PayoutStatus     `json:"status"`
	ReviewReason  *string          `json:"review_reason,omitempty"`
	FailureReason *string          `json:"failure_reason,omitempty"`
	FundsReserved bool             `json:"funds_reserved"`
	Settlement    SettlementStatus `json:"settlement"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ID returns the internal transaction id
func (p *Payout) ID() string {
	return p.Request.InternalTransactionID
}

// Clone returns a deep copy so callers can mutate without touching shared state
func (p *Payout) Clone() *Payout {
	c := *p
	if p.ReviewReason != nil {
		r := *p.ReviewReason
		c.ReviewReason = &r
	}
	if p.FailureReason != nil {
		r := *p.FailureReason
		c.FailureReason = &r
	}
	return &c
}

// PayoutAttempt is one dispatch of a payout to one provider. Attempts are kept for audit.
type PayoutAttempt struct {
	ID                     uuid.UUID       `json:"id" db:"id"`
	InternalTransactionID  string          `json:"internal_transaction_id" db:"internal_transaction_id"`
	Sequence               int             `json:"sequence" db:"sequence"`
	ProviderID             string          `json:"provider_id" db:"provider_id"`
	Channel                string          `json:"channel" db:"channel"`
	Amount                 decimal.Decimal `json:"amount" db:"amount"`
	ProviderReference      *string         `json:"provider_reference,omitempty" db:"provider_reference"`
	Outcome                AttemptOutcome  `json:"outcome" db:"outcome"`
	ProviderStatus         *string         `json:"provider_status,omitempty" db:"provider_status"`
	LastError              *string         `json:"last_error,omitempty" db:"last_error"`
	OperatorActionRequired bool            `json:"operator_action_required" db:"operator_action_required"`
	LeaseToken             string          `json:"-" db:"lease_token"`
	DispatchedAt           time.Time       `json:"dispatched_at" db:"dispatched_at"`
	OutcomeAt              *time.Time      `json:"outcome_at,omitempty" db:"outcome_at"`
	UpdatedAt              time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy of the attempt
func (a *PayoutAttempt) Clone() *PayoutAttempt {
	c := *a
	if a.ProviderReference != nil {
		v := *a.ProviderReference
		c.ProviderReference = &v
	}
	if a.ProviderStatus != nil {
		v := *a.ProviderStatus
		c.ProviderStatus = &v
	}
	if a.LastError != nil {
		v := *a.LastError
		c.LastError = &v
	}
	if a.OutcomeAt != nil {
		v := *a.OutcomeAt
		c.OutcomeAt = &v
	}
	return &c
}

// Reference returns the provider reference or an empty string
func (a *PayoutAttempt) Reference() string {
	if a.ProviderReference == nil {
		return ""
	}
	return *a.ProviderReference
}

// SignalSource identifies how a provider outcome reached the engine
type SignalSource string

const (
	SignalSourceDispatch SignalSource = "dispatch"
	SignalSourcePoll     SignalSource = "poll"
	SignalSourceWebhook  SignalSource = "webhook"
)

// ProviderOutcome is a provider response normalized into the internal vocabulary.
// Adapters produce it and never mutate payout state.
type ProviderOutcome struct {
	ProviderReference string           `json:"provider_reference,omitempty"`
	Status            NormalizedStatus `json:"status"`
	ProviderStatus    string           `json:"provider_status"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	FailureReason     string           `json:"failure_reason,omitempty"`
	RawPayload        []byte           `json:"-"`
	ReceivedAt        time.Time        `json:"received_at"`
	Source            SignalSource     `json:"source"`
}

// RetryKind distinguishes a re-dispatch from a status verification
type RetryKind string

const (
	RetryKindDispatch RetryKind = "dispatch"
	RetryKindVerify   RetryKind = "verify"
)

// RetryRecord is the persisted retry schedule of an attempt.
// It is destroyed once the attempt reaches a terminal outcome.
type RetryRecord struct {
	AttemptID             uuid.UUID `json:"attempt_id" db:"attempt_id"`
	InternalTransactionID string    `json:"internal_transaction_id" db:"internal_transaction_id"`
	Kind                  RetryKind `json:"kind" db:"kind"`
	AttemptCount          int       `json:"attempt_count" db:"attempt_count"`
	NextRetryAt           time.Time `json:"next_retry_at" db:"next_retry_at"`
	LastError             string    `json:"last_error" db:"last_error"`
	Ambiguous             bool      `json:"ambiguous" db:"ambiguous"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// PayoutSignal is the audit record of every outcome the engine received
type PayoutSignal struct {
	ID                    uuid.UUID        `json:"id" db:"id"`
	InternalTransactionID string           `json:"internal_transaction_id" db:"internal_transaction_id"`
	AttemptID             *uuid.UUID       `json:"attempt_id,omitempty" db:"attempt_id"`
	ProviderID            string           `json:"provider_id" db:"provider_id"`
	Source                SignalSource     `json:"source" db:"source"`
	ProviderStatus        string           `json:"provider_status" db:"provider_status"`
	NormalizedStatus      NormalizedStatus `json:"normalized_status" db:"normalized_status"`
	Applied               bool             `json:"applied" db:"applied"`
	Note                  string           `json:"note" db:"note"`
	RawPayload            []byte           `json:"-" db:"raw_payload"`
	ReceivedAt            time.Time        `json:"received_at" db:"received_at"`
}

// UnmatchedSignal is a provider payload that could not be correlated to a payout
type UnmatchedSignal struct {
	ID                uuid.UUID `json:"id" db:"id"`
	ProviderID        string    `json:"provider_id" db:"provider_id"`
	ProviderReference string    `json:"provider_reference" db:"provider_reference"`
	Reason            string    `json:"reason" db:"reason"`
	RawPayload        []byte    `json:"-" db:"raw_payload"`
	ReceivedAt        time.Time `json:"received_at" db:"received_at"`
}

// PayoutView is the read model returned by status queries
type PayoutView struct {
	Payout   *Payout          `json:"payout"`
	Attempts []*PayoutAttempt `json:"attempts"`
}

// StatusQuery identifies a transfer at a provider. Providers that index by our id
// can answer with only InternalTransactionID set.
type StatusQuery struct {
	InternalTransactionID string
	ProviderReference     string
}

// AnyCountry is the registry country key for routes that are not country bound
const AnyCountry = "*"

// Provider identifiers
const (
	ProviderCinetPay    = "cinetpay"
	ProviderPayDunya    = "paydunya"
	ProviderNOWPayments = "nowpayments"
)

// Constraints holds the provider rules a dispatch must satisfy
type Constraints struct {
	MinAmount             decimal.Decimal
	MaxAmount             decimal.Decimal // zero means unbounded
	AmountMultipleOf      decimal.Decimal // zero means any amount
	Currency              string
	DialPrefix            string
	RequiresCountryPrefix bool
	ProviderChannel       string // provider-native method code
	DescriptionCharset    string // allowed characters as a regexp class body
	DescriptionMinLength  int
	DescriptionMaxLength  int
	DefaultDescription    string
	MaxAttempts           int
}

// LimitDecision is the ledger's answer to a limits check
type LimitDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}
