// Package auth issues and validates the HS256 tokens internal services use to call the payout API
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid service token")

// ServiceClaims identifies the calling service
type ServiceClaims struct {
	Service string   `json:"service"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope. Tokens without scopes grant everything.
func (c *ServiceClaims) HasScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ServiceTokenService signs and validates service tokens
type ServiceTokenService struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewServiceTokenService(secret, issuer, audience string) *ServiceTokenService {
	return &ServiceTokenService{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// Issue creates a token for service valid for ttl
func (s *ServiceTokenService) Issue(service string, scopes []string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := ServiceClaims{
		Service: service,
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   service,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}
	return token, nil
}

// Validate parses tokenString and checks signature, expiry, issuer and audience
func (s *ServiceTokenService) Validate(tokenString string) (*ServiceClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid || claims.Service == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
