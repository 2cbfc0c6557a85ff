package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceToken_RoundTrip(t *testing.T) {
	svc := NewServiceTokenService("secret", "wallet-service", "payout-service")
	token, err := svc.Issue("wallet-service", []string{"payouts:write"}, time.Minute)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "wallet-service", claims.Service)
	assert.True(t, claims.HasScope("payouts:write"))
	assert.False(t, claims.HasScope("payouts:read"))
}

func TestServiceToken_Rejections(t *testing.T) {
	svc := NewServiceTokenService("secret", "wallet-service", "payout-service")

	t.Run("wrong secret", func(t *testing.T) {
		other := NewServiceTokenService("other", "wallet-service", "payout-service")
		token, err := other.Issue("wallet-service", nil, time.Minute)
		require.NoError(t, err)
		_, err = svc.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := svc.Issue("wallet-service", nil, time.Minute)
		require.NoError(t, err)
		later := NewServiceTokenService("secret", "wallet-service", "payout-service")
		later.now = func() time.Time { return time.Now().Add(time.Hour) }
		_, err = later.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := NewServiceTokenService("secret", "wallet-service", "billing")
		token, err := other.Issue("wallet-service", nil, time.Minute)
		require.NoError(t, err)
		_, err = svc.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, ServiceClaims{
			Service: "wallet-service",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.Validate("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
