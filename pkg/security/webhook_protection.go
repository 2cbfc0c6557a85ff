// Package security holds the redis-backed guards in front of provider webhooks
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WebhookDeduplicator drops byte-identical redeliveries before they reach the engine.
// The engine is idempotent on its own; this only saves the database round trip.
type WebhookDeduplicator struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewWebhookDeduplicator creates a deduplicator keeping delivery hashes for ttl
func NewWebhookDeduplicator(redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *WebhookDeduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &WebhookDeduplicator{redis: redisClient, ttl: ttl, logger: logger}
}

func deliveryKey(provider string, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("webhook:delivery:%s:%s", provider, hex.EncodeToString(sum[:]))
}

// Claim records the delivery and reports whether it was seen before.
// Redis errors fail open: the delivery is treated as new.
func (d *WebhookDeduplicator) Claim(ctx context.Context, provider string, body []byte) bool {
	ok, err := d.redis.SetNX(ctx, deliveryKey(provider, body), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		d.logger.Warn("Webhook dedupe unavailable", zap.String("provider", provider), zap.Error(err))
		return false
	}
	return !ok
}

// Forget removes a claim so the provider's redelivery is processed again.
// Called when handling failed after Claim.
func (d *WebhookDeduplicator) Forget(ctx context.Context, provider string, body []byte) {
	if err := d.redis.Del(ctx, deliveryKey(provider, body)).Err(); err != nil {
		d.logger.Warn("Failed to release webhook claim", zap.String("provider", provider), zap.Error(err))
	}
}

// WebhookIPAllowlist validates webhook source IPs
type WebhookIPAllowlist struct {
	allowed map[string][]*net.IPNet
	logger  *zap.Logger
}

// NewWebhookIPAllowlist parses provider -> CIDR (or bare IP) lists
func NewWebhookIPAllowlist(entries map[string][]string, logger *zap.Logger) (*WebhookIPAllowlist, error) {
	allowed := make(map[string][]*net.IPNet, len(entries))
	for provider, list := range entries {
		for _, entry := range list {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				ip := net.ParseIP(entry)
				if ip == nil {
					return nil, fmt.Errorf("invalid allowlist entry for %s: %q", provider, entry)
				}
				bits := 128
				if ip.To4() != nil {
					ip = ip.To4()
					bits = 32
				}
				ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
			}
			allowed[provider] = append(allowed[provider], ipNet)
		}
	}
	return &WebhookIPAllowlist{allowed: allowed, logger: logger}, nil
}

// Allowed reports whether clientIP may deliver webhooks for provider.
// Providers without an allowlist accept any source.
func (w *WebhookIPAllowlist) Allowed(provider, clientIP string) bool {
	nets, ok := w.allowed[provider]
	if !ok || len(nets) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	w.logger.Warn("Webhook source not allowlisted",
		zap.String("provider", provider),
		zap.String("client_ip", clientIP))
	return false
}

// WebhookRateLimit defines the rate limit for a provider
type WebhookRateLimit struct {
	MaxRequests int
	Window      time.Duration
}

// WebhookRateLimiter is a fixed-window counter per provider shared by all replicas
type WebhookRateLimiter struct {
	redis  *redis.Client
	limit  WebhookRateLimit
	logger *zap.Logger
	now    func() time.Time
}

func NewWebhookRateLimiter(redisClient *redis.Client, limit WebhookRateLimit, logger *zap.Logger) *WebhookRateLimiter {
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	return &WebhookRateLimiter{redis: redisClient, limit: limit, logger: logger, now: time.Now}
}

// Allow counts one request. When the window is exhausted it returns false and
// the time until the window resets. Redis errors fail open.
func (w *WebhookRateLimiter) Allow(ctx context.Context, provider string) (bool, time.Duration) {
	if w.limit.MaxRequests <= 0 {
		return true, 0
	}

	windowSeconds := int64(w.limit.Window.Seconds())
	if windowSeconds == 0 {
		windowSeconds = 1
	}
	nowUnix := w.now().Unix()
	key := fmt.Sprintf("webhook:rate:%s:%d", provider, nowUnix/windowSeconds)

	pipe := w.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, w.limit.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Warn("Webhook rate limit check failed", zap.String("provider", provider), zap.Error(err))
		return true, 0
	}

	if incr.Val() > int64(w.limit.MaxRequests) {
		return false, time.Duration(windowSeconds-(nowUnix%windowSeconds)) * time.Second
	}
	return true, 0
}
