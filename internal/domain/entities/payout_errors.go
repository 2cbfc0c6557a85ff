package entities

import (
	"errors"
	"fmt"
)

var (
	ErrCorrelationMissing        = errors.New("correlation key missing from provider payload")
	ErrConflictingTerminalSignal = errors.New("conflicting terminal signal for attempt")
	ErrUnsupportedChannel        = errors.New("unsupported country/channel combination")
	ErrAlreadyInFlight           = errors.New("payout dispatch already in flight")
	ErrPayoutNotFound            = errors.New("payout not found")
	ErrAttemptNotFound           = errors.New("payout attempt not found")
	ErrTransferNotFound          = errors.New("transfer not found at provider")
	ErrDuplicatePayout           = errors.New("payout already exists")
	ErrIdempotencyKeyReuse       = errors.New("internal transaction id reused with different request")
	ErrLimitsDenied              = errors.New("payout denied by ledger limits")
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrInvalidPayoutRequest      = errors.New("invalid payout request")
	ErrUnknownProvider           = errors.New("unknown provider")
)

// RetryableError is a transient provider failure. It never reaches the caller:
// the engine converts it into a persisted RetryRecord.
type RetryableError struct {
	Provider   string
	Op         string
	StatusCode int
	// Ambiguous is set when the request may have reached the provider
	Ambiguous bool
	// Reference is a provider handle obtained before the failure, if any
	Reference string
	Err       error
}

func (e *RetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: retryable error [%d]: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: retryable error: %v", e.Provider, e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// TerminalError is a definitive provider rejection
type TerminalError struct {
	Provider string
	Code     string
	Message  string
	// OperatorActionRequired marks failures such as IP allow-listing or a
	// drained provider balance, where funds must stay held
	OperatorActionRequired bool
	Err                    error
}

func (e *TerminalError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: terminal error (code: %s): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: terminal error: %s", e.Provider, e.Message)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// AsRetryable returns the RetryableError in err's chain
func AsRetryable(err error) (*RetryableError, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// AsTerminal returns the TerminalError in err's chain
func AsTerminal(err error) (*TerminalError, bool) {
	var te *TerminalError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsRetryable reports whether err is a transient provider failure
func IsRetryable(err error) bool {
	_, ok := AsRetryable(err)
	return ok
}

// IsOperatorAction reports whether err is a terminal rejection that needs an operator
func IsOperatorAction(err error) bool {
	te, ok := AsTerminal(err)
	return ok && te.OperatorActionRequired
}

// ErrorResponse represents the standard API error envelope
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
