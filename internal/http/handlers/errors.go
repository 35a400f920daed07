// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes the symbolic codes written in the `code` field of the
// error envelope (see response.go). Clients branch on these codes; the HTTP
// status alone does not distinguish, say, a full event from a passed cutoff.
//
// Conventions:
//   - Codes are UPPER_SNAKE_CASE and stable across releases.
//   - Generic codes mirror HTTP semantics (BAD_REQUEST, NOT_FOUND, ...).
//   - Order and payment codes name the business rule that failed.
//   - Conflicts that carry the authoritative order state (DUPLICATE_ACTIVE_ORDER,
//     STALE_STATE) include it in the envelope's `order` field.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "DUPLICATE_ACTIVE_ORDER",
//	  "message": "customer already has an active order for this event",
//	  "order": { "order_id": "…", "status": "authorized", … }
//	}
package handlers

const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ErrCodeInternal         = "INTERNAL_ERROR"

	// Request validation.
	ErrCodeInvalidQuantity        = "INVALID_QUANTITY"
	ErrCodeInvalidEvent           = "INVALID_EVENT"
	ErrCodeIdempotencyKeyRequired = "IDEMPOTENCY_KEY_REQUIRED"
	ErrCodeIdempotencyKeyMismatch = "IDEMPOTENCY_KEY_MISMATCH"
	ErrCodeIdempotencyKeyReused   = "IDEMPOTENCY_KEY_REUSED"
	ErrCodeBadIdempotencyKey      = "BAD_IDEMPOTENCY_KEY"

	// Lookups.
	ErrCodeEventNotFound = "EVENT_NOT_FOUND"
	ErrCodeOrderNotFound = "ORDER_NOT_FOUND"

	// Business rules.
	ErrCodeDuplicateActiveOrder = "DUPLICATE_ACTIVE_ORDER"
	ErrCodeEventFull            = "EVENT_FULL"
	ErrCodeCutoffPassed         = "CUTOFF_PASSED"
	ErrCodeEventNotOpen         = "EVENT_NOT_OPEN"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeStaleState           = "STALE_STATE"
	ErrCodeRequestInProgress    = "REQUEST_IN_PROGRESS"

	// Payment.
	ErrCodePaymentDeclined    = "PAYMENT_DECLINED"
	ErrCodeGatewayUnavailable = "PAYMENT_GATEWAY_UNAVAILABLE"
	ErrCodeGatewayRejected    = "PAYMENT_GATEWAY_REJECTED"

	// Provider webhooks.
	ErrCodeWebhookSignature = "WEBHOOK_SIGNATURE_INVALID"
	ErrCodeWebhookPayload   = "WEBHOOK_PAYLOAD_INVALID"
	ErrCodeWebhookRetry     = "WEBHOOK_NOT_APPLIED"
)
