package payouts

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rail-service/payout_service/internal/api/handlers/common"
	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/pkg/validation"
)

// PayoutService is the part of the payout engine exposed over HTTP
type PayoutService interface {
	CreatePayout(ctx context.Context, req *entities.PayoutRequest) (*entities.Payout, error)
	GetPayoutStatus(ctx context.Context, id string) (*entities.PayoutView, error)
}

// SignalReader serves the audit trail
type SignalReader interface {
	ListSignals(ctx context.Context, id string) ([]*entities.PayoutSignal, error)
	ListUnmatched(ctx context.Context, limit int) ([]*entities.UnmatchedSignal, error)
}

// PayoutHandlers serves the operational payout API
type PayoutHandlers struct {
	service PayoutService
	signals SignalReader
	logger  *zap.Logger
}

func NewPayoutHandlers(service PayoutService, signals SignalReader, logger *zap.Logger) *PayoutHandlers {
	return &PayoutHandlers{service: service, signals: signals, logger: logger}
}

// PayoutResponse is returned by create and status calls
type PayoutResponse struct {
	InternalTransactionID string                    `json:"internal_transaction_id"`
	State                 entities.PayoutStatus     `json:"state"`
	ReviewReason          *string                   `json:"review_reason,omitempty"`
	FailureReason         *string                   `json:"failure_reason,omitempty"`
	Settlement            entities.SettlementStatus `json:"settlement,omitempty"`
	Attempts              []*entities.PayoutAttempt `json:"attempts,omitempty"`
	Signals               []*entities.PayoutSignal  `json:"signals,omitempty"`
}

func toResponse(p *entities.Payout) PayoutResponse {
	return PayoutResponse{
		InternalTransactionID: p.ID(),
		State:                 p.Status,
		ReviewReason:          p.ReviewReason,
		FailureReason:         p.FailureReason,
		Settlement:            p.Settlement,
	}
}

// CreatePayout handles POST /api/v1/payouts. Replays of the same
// internal_transaction_id return the current state.
func (h *PayoutHandlers) CreatePayout(c *gin.Context) {
	var req entities.PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, "Invalid request body")
		return
	}

	p, err := h.service.CreatePayout(c.Request.Context(), &req)
	if err != nil {
		h.respondCreateError(c, &req, err)
		return
	}

	h.logger.Info("Payout request handled",
		zap.String("internal_transaction_id", p.ID()),
		zap.String("state", string(p.Status)),
		zap.String("service", common.GetService(c)),
		zap.String("request_id", common.GetRequestID(c)))
	common.RespondSuccess(c, toResponse(p))
}

func (h *PayoutHandlers) respondCreateError(c *gin.Context, req *entities.PayoutRequest, err error) {
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr):
		common.RespondValidationError(c, verr.Fields)
	case errors.Is(err, entities.ErrInvalidPayoutRequest):
		common.RespondBadRequest(c, err.Error())
	case errors.Is(err, entities.ErrUnsupportedChannel):
		common.RespondError(c, http.StatusUnprocessableEntity, "UNSUPPORTED_CHANNEL", err.Error(), nil)
	case errors.Is(err, entities.ErrLimitsDenied):
		reason := strings.TrimPrefix(err.Error(), entities.ErrLimitsDenied.Error()+": ")
		common.RespondError(c, http.StatusUnprocessableEntity, "LIMITS_DENIED", "Payout denied by limits",
			map[string]interface{}{"reason": reason})
	case errors.Is(err, entities.ErrIdempotencyKeyReuse):
		common.RespondConflict(c, "IDEMPOTENCY_KEY_REUSE", "internal_transaction_id already used for a different request")
	case errors.Is(err, context.DeadlineExceeded):
		common.RespondError(c, http.StatusGatewayTimeout, "REQUEST_TIMEOUT",
			"Payout accepted state unknown, query its status", nil)
	default:
		h.logger.Error("Failed to create payout",
			zap.String("internal_transaction_id", req.InternalTransactionID),
			zap.Error(err))
		common.RespondError(c, http.StatusServiceUnavailable, "PAYOUT_UNAVAILABLE", "Payout could not be accepted, retry with the same internal_transaction_id", nil)
	}
}

// GetPayout handles GET /api/v1/payouts/:id
func (h *PayoutHandlers) GetPayout(c *gin.Context) {
	id := c.Param("id")
	view, err := h.service.GetPayoutStatus(c.Request.Context(), id)
	if errors.Is(err, entities.ErrPayoutNotFound) {
		common.RespondNotFound(c, "Payout not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load payout", zap.String("internal_transaction_id", id), zap.Error(err))
		common.RespondInternalError(c, "Failed to load payout")
		return
	}

	resp := toResponse(view.Payout)
	resp.Attempts = view.Attempts
	if c.Query("include") == "signals" && h.signals != nil {
		signals, err := h.signals.ListSignals(c.Request.Context(), id)
		if err != nil {
			h.logger.Error("Failed to load signals", zap.String("internal_transaction_id", id), zap.Error(err))
			common.RespondInternalError(c, "Failed to load payout")
			return
		}
		resp.Signals = signals
	}
	common.RespondSuccess(c, resp)
}

// ListUnmatched handles GET /api/v1/unmatched-signals
func (h *PayoutHandlers) ListUnmatched(c *gin.Context) {
	limit := common.ParseIntParam(c, "limit", 50, 500)
	signals, err := h.signals.ListUnmatched(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list unmatched signals", zap.Error(err))
		common.RespondInternalError(c, "Failed to list unmatched signals")
		return
	}
	if signals == nil {
		signals = []*entities.UnmatchedSignal{}
	}
	common.RespondSuccess(c, gin.H{"signals": signals, "count": len(signals)})
}
