package domain

import (
	"errors"
	"fmt"
)

// OrderStatus is the lifecycle state shared by an order and its chef-meal line.
type OrderStatus string

const (
	StatusPendingAuthorization OrderStatus = "pending_authorization"
	StatusAuthorized           OrderStatus = "authorized"
	StatusCaptured             OrderStatus = "captured"
	StatusCompleted            OrderStatus = "completed"
	StatusCancelled            OrderStatus = "cancelled"
	StatusRefunded             OrderStatus = "refunded"
	StatusFailed               OrderStatus = "failed"
)

// ActiveStatuses are the states covered by the one-active-order-per-event rule.
var ActiveStatuses = []OrderStatus{StatusPendingAuthorization, StatusAuthorized}

// orderTransitions is the only place legal edges are declared. The
// authorized->authorized self edge is a quantity adjustment.
var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusPendingAuthorization: {StatusAuthorized},
	StatusAuthorized:           {StatusAuthorized, StatusCaptured, StatusCancelled, StatusFailed},
	StatusCaptured:             {StatusCompleted, StatusRefunded},
}

// ErrIllegalTransition is matched by every *TransitionError.
var ErrIllegalTransition = errors.New("illegal status transition")

// TransitionError reports a move that the state machine does not allow.
type TransitionError struct {
	From, To string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// Transition validates an order status change.
func Transition(from, to OrderStatus) error {
	for _, next := range orderTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: string(from), To: string(to)}
}

// IsActive reports whether s counts against the uniqueness rule.
func (s OrderStatus) IsActive() bool {
	return s == StatusPendingAuthorization || s == StatusAuthorized
}

// IsTerminal reports whether no further transition can leave s.
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// HoldsSeat reports whether an order in s is included in the event's orders_count.
func (s OrderStatus) HoldsSeat() bool {
	switch s {
	case StatusAuthorized, StatusCaptured, StatusCompleted:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPendingAuthorization, StatusAuthorized, StatusCaptured, StatusCompleted,
		StatusCancelled, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// EventStatus is the lifecycle state of a chef-meal event.
type EventStatus string

const (
	EventOpen      EventStatus = "open"
	EventClosed    EventStatus = "closed"
	EventCancelled EventStatus = "cancelled"
	EventCompleted EventStatus = "completed"
)

var eventTransitions = map[EventStatus][]EventStatus{
	EventOpen:   {EventClosed, EventCancelled},
	EventClosed: {EventCompleted, EventCancelled},
}

// EventTransition validates an event status change.
func EventTransition(from, to EventStatus) error {
	for _, next := range eventTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: string(from), To: string(to)}
}

// SweepDecision is fixed when an event is closed and never flips afterwards.
type SweepDecision string

const (
	DecisionNone    SweepDecision = ""
	DecisionCapture SweepDecision = "capture"
	DecisionRelease SweepDecision = "release"
)

// CancelKind records who or what cancelled an order.
type CancelKind string

const (
	CancelByCustomer  CancelKind = "customer"
	CancelByChef      CancelKind = "chef"
	CancelByThreshold CancelKind = "threshold"
	CancelByProvider  CancelKind = "provider"
)

// Operation names scope idempotency records.
const (
	OpCreateOrder = "create_order"
	OpAdjustOrder = "adjust_quantity"
	OpCancelOrder = "cancel_order"
	OpCancelEvent = "cancel_event"
	OpCreateEvent = "create_event"
)

// Notification transitions written to the outbox.
const (
	TransitionAuthorized        = "order.authorized"
	TransitionAdjusted          = "order.adjusted"
	TransitionCaptured          = "order.captured"
	TransitionCancelled         = "order.cancelled"
	TransitionRefunded          = "order.refunded"
	TransitionCaptureFailed     = "order.capture_failed"
	TransitionCompleted         = "order.completed"
	TransitionEventCancelled    = "event.cancelled"
	TransitionReconcileRequired = "event.reconciliation_required"
)
