// Package services implements the order lifecycle: creating, adjusting and
// cancelling chef-meal orders, the capture sweep, event administration and
// provider webhooks. This file centralizes the service-level errors so
// handlers can map them to status codes with errors.Is / errors.As.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/chef-meal-orders/internal/repo"
)

// Validation and lookup errors.
var (
	// ErrEventNotFound indicates the event does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrOrderNotFound indicates the order does not exist or belongs to
	// another customer.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidQuantity is returned for a quantity below one.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")

	// ErrInvalidEvent wraps an event setup validation failure.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrIdempotencyKeyRequired is returned when a mutating call has no key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")

	// ErrIdempotencyKeyReused is returned when a key is replayed against a
	// different order or event than the one it was first used for.
	ErrIdempotencyKeyReused = errors.New("idempotency key already used for another request")

	// ErrForbidden is returned when a chef acts on another chef's event.
	ErrForbidden = errors.New("forbidden")
)

// Business rule errors.
var (
	ErrEventNotOpen = errors.New("event is not open for orders")
	ErrCutoffPassed = errors.New("event cutoff has passed")
	ErrEventFull    = errors.New("event is full")

	// ErrInvalidTransition is returned when the order's state does not allow
	// the requested operation at all (e.g. cancelling a failed order).
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Payment errors.
var (
	// ErrPaymentDeclined is a terminal authorization or adjustment failure.
	ErrPaymentDeclined = errors.New("payment declined")

	// ErrGatewayUnavailable is a transient gateway failure; the caller may retry.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrGatewayRejected is a terminal failure releasing or refunding funds.
	ErrGatewayRejected = errors.New("payment gateway rejected the operation")
)

// Webhook errors.
var (
	ErrWebhookSignature = errors.New("webhook signature rejected")
	ErrWebhookPayload   = errors.New("webhook payload rejected")

	// ErrWebhookRetry means the event matched an order but could not be
	// applied yet; the provider should redeliver it.
	ErrWebhookRetry = errors.New("webhook not applied, retry later")
)

// ErrStaleState matches *StaleStateError with errors.Is.
var ErrStaleState = repo.ErrStaleState

// StaleStateError reports that the order moved while the request was in
// flight. Current is the authoritative state the caller should reconcile with.
type StaleStateError struct {
	Current *OrderResult
}

func (e *StaleStateError) Error() string {
	if e.Current == nil {
		return "stale state"
	}
	return fmt.Sprintf("stale state: order %s is %s", e.Current.OrderID, e.Current.Status)
}

func (e *StaleStateError) Is(target error) bool { return target == ErrStaleState }

// ErrDuplicateActiveOrder matches *DuplicateActiveOrderError with errors.Is.
var ErrDuplicateActiveOrder = repo.ErrDuplicateActive

// DuplicateActiveOrderError names the customer's existing active order for
// the event. The new request is never merged into it.
type DuplicateActiveOrderError struct {
	Existing *OrderResult
}

func (e *DuplicateActiveOrderError) Error() string {
	if e.Existing == nil {
		return "customer already has an active order for this event"
	}
	return "customer already has an active order for this event: " + e.Existing.OrderID
}

func (e *DuplicateActiveOrderError) Is(target error) bool { return target == ErrDuplicateActiveOrder }

// ErrRequestInProgress matches *RequestInProgressError with errors.Is.
var ErrRequestInProgress = errors.New("request with this idempotency key is in progress")

// RequestInProgressError reports that an earlier request with the same
// idempotency key still holds the reservation. Retrying with the same key
// returns its outcome once it finishes.
type RequestInProgressError struct {
	Current *OrderResult
}

func (e *RequestInProgressError) Error() string {
	if e.Current == nil {
		return ErrRequestInProgress.Error()
	}
	return ErrRequestInProgress.Error() + ": order " + e.Current.OrderID
}

func (e *RequestInProgressError) Is(target error) bool { return target == ErrRequestInProgress }
