package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rail-service/payout_service/internal/api/handlers/common"
	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/domain/services/registry"
	"github.com/rail-service/payout_service/pkg/metrics"
)

// AdapterSource resolves the adapter of a provider id
type AdapterSource interface {
	Adapter(providerID string) (registry.ProviderAdapter, error)
}

// OutcomeApplier feeds parsed outcomes into the payout engine
type OutcomeApplier interface {
	ApplyOutcome(ctx context.Context, providerID, internalID string, outcome *entities.ProviderOutcome) (*entities.Payout, error)
}

// DeliveryDeduplicator short-circuits byte-identical redeliveries
type DeliveryDeduplicator interface {
	Claim(ctx context.Context, provider string, body []byte) bool
	Forget(ctx context.Context, provider string, body []byte)
}

// ProviderWebhookHandler receives status notifications from payout providers
// POST /webhooks/:provider
type ProviderWebhookHandler struct {
	adapters  AdapterSource
	engine    OutcomeApplier
	validator *PayloadValidator
	dedupe    DeliveryDeduplicator
	logger    *zap.Logger
}

func NewProviderWebhookHandler(
	adapters AdapterSource,
	engine OutcomeApplier,
	validator *PayloadValidator,
	logger *zap.Logger,
) *ProviderWebhookHandler {
	return &ProviderWebhookHandler{
		adapters:  adapters,
		engine:    engine,
		validator: validator,
		logger:    logger,
	}
}

// SetDeduplicator enables the redis redelivery fast path
func (h *ProviderWebhookHandler) SetDeduplicator(d DeliveryDeduplicator) {
	h.dedupe = d
}

func (h *ProviderWebhookHandler) result(provider, result string) {
	metrics.WebhooksReceivedTotal.WithLabelValues(provider, result).Inc()
}

// HandleWebhook answers 200 for every accepted payload, including no-ops,
// duplicates and payloads stored as unmatched. Providers only retry on non-2xx.
func (h *ProviderWebhookHandler) HandleWebhook(c *gin.Context) {
	providerID := c.Param("provider")
	ctx := c.Request.Context()

	adapter, err := h.adapters.Adapter(providerID)
	if err != nil {
		h.result("unknown", "unknown_provider")
		common.RespondNotFound(c, "Unknown provider")
		return
	}

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("Failed to read webhook body", zap.String("provider", providerID), zap.Error(err))
		h.result(providerID, "invalid")
		common.RespondBadRequest(c, "Failed to read body")
		return
	}

	if h.validator != nil {
		violations, err := h.validator.Validate(providerID, rawBody)
		if err != nil || len(violations) > 0 {
			h.logger.Warn("Webhook payload rejected",
				zap.String("provider", providerID),
				zap.Strings("violations", violations),
				zap.Error(err))
			h.result(providerID, "invalid")
			msg := FormatViolations(violations)
			if msg == "" {
				msg = "Malformed payload"
			}
			common.RespondBadRequest(c, msg)
			return
		}
	}

	if verifier, ok := adapter.(registry.WebhookVerifier); ok {
		if err := verifier.VerifyWebhook(c.Request.Header, rawBody); err != nil {
			h.logger.Warn("Invalid webhook signature", zap.String("provider", providerID), zap.Error(err))
			h.result(providerID, "unauthorized")
			common.RespondUnauthorized(c, "Invalid signature")
			return
		}
	}

	if h.dedupe != nil && h.dedupe.Claim(ctx, providerID, rawBody) {
		h.logger.Debug("Duplicate webhook delivery", zap.String("provider", providerID))
		h.result(providerID, "duplicate")
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	internalID, outcome, err := adapter.ParseWebhook(c.Request.Header, rawBody)
	if outcome == nil || (err != nil && !errors.Is(err, entities.ErrCorrelationMissing)) {
		h.forget(ctx, providerID, rawBody)
		h.logger.Warn("Failed to parse webhook", zap.String("provider", providerID), zap.Error(err))
		h.result(providerID, "invalid")
		common.RespondBadRequest(c, "Malformed payload")
		return
	}
	outcome.Source = entities.SignalSourceWebhook

	p, err := h.engine.ApplyOutcome(ctx, providerID, internalID, outcome)
	switch {
	case errors.Is(err, entities.ErrCorrelationMissing):
		h.result(providerID, "unmatched")
		c.JSON(http.StatusOK, gin.H{"status": "unmatched"})
	case err != nil:
		h.forget(ctx, providerID, rawBody)
		h.logger.Error("Failed to apply webhook",
			zap.String("provider", providerID),
			zap.String("internal_transaction_id", internalID),
			zap.Error(err))
		h.result(providerID, "error")
		common.RespondInternalError(c, "Failed to process webhook")
	default:
		h.result(providerID, "accepted")
		c.JSON(http.StatusOK, gin.H{"status": "accepted", "state": p.Status})
	}
}

func (h *ProviderWebhookHandler) forget(ctx context.Context, provider string, body []byte) {
	if h.dedupe != nil {
		h.dedupe.Forget(ctx, provider, body)
	}
}
