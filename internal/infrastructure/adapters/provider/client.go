// Package provider holds the HTTP plumbing and input normalization shared by payout adapters.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/pkg/circuitbreaker"
	"github.com/rail-service/payout_service/pkg/logger"
	"github.com/rail-service/payout_service/pkg/metrics"
	"github.com/rail-service/payout_service/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const maxResponseBody = 1 << 20

// Request describes one outbound call
type Request struct {
	Op     string
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	JSON   interface{}
	Form   url.Values
}

// Response is a completed HTTP exchange that was not classified as retryable
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into v
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Client performs provider HTTP calls behind a circuit breaker
type Client struct {
	provider   string
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logger.Logger
}

// NewClient creates a client. Transport failures, 5xx and 429 responses trip the breaker.
func NewClient(providerID, baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	cfg := circuitbreaker.DefaultConfig(providerID)
	cfg.IsFailure = entities.IsRetryable
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		log.Warn("Provider circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
	return &Client{
		provider:   providerID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.New(cfg),
		logger:     log,
	}
}

// SetHTTPClient replaces the underlying HTTP client
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Breaker exposes the circuit breaker
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// Do sends the request. 5xx, 429 and transport failures come back as
// *entities.RetryableError; every other status is returned as a Response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "provider."+c.provider+"."+req.Op,
		attribute.String("provider", c.provider),
		attribute.String("http.method", req.Method),
	)
	defer span.End()

	started := time.Now()
	var resp *Response
	err := c.breaker.Execute(ctx, func() error {
		var callErr error
		resp, callErr = c.send(ctx, req)
		return callErr
	})

	result := "ok"
	switch {
	case err == nil:
	case circuitbreaker.IsRejected(err):
		result = "rejected"
		err = &entities.RetryableError{Provider: c.provider, Op: req.Op, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "error"
		if _, ok := entities.AsRetryable(err); !ok {
			err = &entities.RetryableError{Provider: c.provider, Op: req.Op, Err: err}
		}
	default:
		result = "error"
	}
	metrics.ObserveProviderCall(c.provider, req.Op, result, started)

	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	endpoint := c.baseURL + req.Path
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		payload, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransport(req.Op, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		// the provider answered, so the request was received
		return nil, &entities.RetryableError{Provider: c.provider, Op: req.Op, StatusCode: httpResp.StatusCode, Ambiguous: true, Err: err}
	}

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn("Provider returned retryable status",
			"provider", c.provider,
			"op", req.Op,
			"status", httpResp.StatusCode,
		)
		return nil, &entities.RetryableError{
			Provider:   c.provider,
			Op:         req.Op,
			StatusCode: httpResp.StatusCode,
			Ambiguous:  httpResp.StatusCode == http.StatusInternalServerError || httpResp.StatusCode == http.StatusGatewayTimeout,
			Err:        fmt.Errorf("%s", truncate(string(data), 256)),
		}
	}

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

// classifyTransport marks failures that happened before the request left as
// unambiguous. Anything after the connection was established may have reached the provider.
func (c *Client) classifyTransport(op string, err error) error {
	ambiguous := true

	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr):
		ambiguous = false
	case errors.As(err, &opErr) && opErr.Op == "dial":
		ambiguous = false
	}

	c.logger.Warn("Provider call failed",
		"provider", c.provider,
		"op", op,
		"ambiguous", ambiguous,
		"error", err,
	)
	return &entities.RetryableError{Provider: c.provider, Op: op, Ambiguous: ambiguous, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ContainsAny reports whether s contains any of the substrings, ignoring case
func ContainsAny(s string, substrings ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrings {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
