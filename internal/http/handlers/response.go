// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response utilities shared by all endpoints: the
// error envelope, the mapping from service errors to status and code, and
// small success helpers.
//
// Example error response:
//
//	HTTP/1.1 422 Unprocessable Entity
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "EVENT_FULL",
//	  "message": "event is full"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chef-meal-orders/internal/http/middleware"
	"github.com/tbourn/chef-meal-orders/internal/services"
)

// gatewayRetryAfter is the Retry-After hint, in seconds, sent with
// PAYMENT_GATEWAY_UNAVAILABLE and other retryable conflicts.
const gatewayRetryAfter = "5"

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"EVENT_FULL"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"event is full"`
	// Authoritative order state for DUPLICATE_ACTIVE_ORDER and STALE_STATE
	Order *services.OrderResult `json:"order,omitempty"`
}

// fail aborts the request with a structured error. Server errors (>=500)
// are logged with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	failOrder(c, status, code, msg, nil)
}

// failOrder is fail with the order state attached.
func failOrder(c *gin.Context, status int, code, msg string, order *services.OrderResult) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
		Order:     order,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	middleware.SetErrorCode(c, code)
	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail() for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// writeError maps a service error to its status and code. Unknown errors
// become a 500 whose message does not leak internals.
func writeError(c *gin.Context, err error) {
	var dup *services.DuplicateActiveOrderError
	var stale *services.StaleStateError
	var inflight *services.RequestInProgressError

	switch {
	case errors.As(err, &dup):
		failOrder(c, http.StatusConflict, ErrCodeDuplicateActiveOrder, err.Error(), dup.Existing)
	case errors.As(err, &stale):
		failOrder(c, http.StatusConflict, ErrCodeStaleState, "order changed concurrently; see current state", stale.Current)
	case errors.As(err, &inflight):
		c.Header("Retry-After", gatewayRetryAfter)
		failOrder(c, http.StatusConflict, ErrCodeRequestInProgress, "an earlier request with this idempotency key is still being processed", inflight.Current)
	case errors.Is(err, services.ErrDuplicateActiveOrder):
		fail(c, http.StatusConflict, ErrCodeDuplicateActiveOrder, err.Error())
	case errors.Is(err, services.ErrStaleState):
		fail(c, http.StatusConflict, ErrCodeStaleState, err.Error())

	case errors.Is(err, services.ErrEventNotFound):
		fail(c, http.StatusNotFound, ErrCodeEventNotFound, "event not found")
	case errors.Is(err, services.ErrOrderNotFound):
		fail(c, http.StatusNotFound, ErrCodeOrderNotFound, "order not found")
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not the owner of this event")

	case errors.Is(err, services.ErrInvalidQuantity):
		fail(c, http.StatusBadRequest, ErrCodeInvalidQuantity, err.Error())
	case errors.Is(err, services.ErrInvalidEvent):
		fail(c, http.StatusBadRequest, ErrCodeInvalidEvent, err.Error())
	case errors.Is(err, services.ErrIdempotencyKeyRequired):
		fail(c, http.StatusBadRequest, ErrCodeIdempotencyKeyRequired, err.Error())
	case errors.Is(err, services.ErrIdempotencyKeyReused):
		fail(c, http.StatusUnprocessableEntity, ErrCodeIdempotencyKeyReused, err.Error())

	case errors.Is(err, services.ErrEventFull):
		fail(c, http.StatusUnprocessableEntity, ErrCodeEventFull, err.Error())
	case errors.Is(err, services.ErrCutoffPassed):
		fail(c, http.StatusUnprocessableEntity, ErrCodeCutoffPassed, err.Error())
	case errors.Is(err, services.ErrEventNotOpen):
		fail(c, http.StatusUnprocessableEntity, ErrCodeEventNotOpen, err.Error())
	case errors.Is(err, services.ErrInvalidTransition):
		fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidTransition, err.Error())

	case errors.Is(err, services.ErrPaymentDeclined):
		fail(c, http.StatusPaymentRequired, ErrCodePaymentDeclined, "payment declined")
	case errors.Is(err, services.ErrGatewayUnavailable):
		c.Header("Retry-After", gatewayRetryAfter)
		fail(c, http.StatusServiceUnavailable, ErrCodeGatewayUnavailable, "payment gateway unavailable, retry with the same idempotency key")
	case errors.Is(err, services.ErrGatewayRejected):
		fail(c, http.StatusBadGateway, ErrCodeGatewayRejected, "payment gateway rejected the operation")

	case errors.Is(err, services.ErrWebhookSignature):
		fail(c, http.StatusUnauthorized, ErrCodeWebhookSignature, "webhook signature rejected")
	case errors.Is(err, services.ErrWebhookPayload):
		fail(c, http.StatusBadRequest, ErrCodeWebhookPayload, err.Error())
	case errors.Is(err, services.ErrWebhookRetry):
		c.Header("Retry-After", gatewayRetryAfter)
		fail(c, http.StatusServiceUnavailable, ErrCodeWebhookRetry, "webhook not applied, redeliver later")

	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes an HTTP 204 No Content response.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
