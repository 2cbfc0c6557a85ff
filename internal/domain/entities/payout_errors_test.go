package entities

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	retryable := fmt.Errorf("dispatch: %w", &RetryableError{Provider: "cinetpay", Op: "transfer", Ambiguous: true, Err: errors.New("timeout")})
	operator := &TerminalError{Provider: "paydunya", Code: "ip_not_allowed", Message: "ip not whitelisted", OperatorActionRequired: true}
	rejected := &TerminalError{Provider: "paydunya", Code: "invalid_phone", Message: "bad number"}

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(rejected))

	re, ok := AsRetryable(retryable)
	assert.True(t, ok)
	assert.True(t, re.Ambiguous)

	assert.True(t, IsOperatorAction(fmt.Errorf("wrapped: %w", operator)))
	assert.False(t, IsOperatorAction(rejected))
	assert.False(t, IsOperatorAction(retryable))

	assert.Contains(t, rejected.Error(), "invalid_phone")
}
