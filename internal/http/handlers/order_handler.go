// Order HTTP handlers.
//
// This file exposes the customer-facing order endpoints:
//   - POST   /events/{id}/orders   (create, places a payment hold)
//   - GET    /orders/{id}          (read)
//   - PATCH  /orders/{id}          (adjust quantity)
//   - POST   /orders/{id}/cancel   (cancel, release or refund)
//
// Every mutating endpoint is idempotent. The key comes from the JSON body or
// the Idempotency-Key header; a retried request returns the stored result
// with Idempotency-Replayed: true and never reaches the payment gateway.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chef-meal-orders/internal/services"
)

//
// DTOs
//

// CreateOrderRequest is the JSON payload for joining an event.
type CreateOrderRequest struct {
	// Servings to reserve (>= 1).
	Quantity int `json:"quantity" example:"2"`
	// Client-chosen key; retries with the same key return the first result.
	IdempotencyKey string `json:"idempotency_key" example:"c0a8012e-7b1d-4c55-9d5e-3f1b2a9c8d10"`
	// Opaque payment method token from the provider.
	PaymentMethod string `json:"payment_method" example:"pm_card_visa"`
}

// AdjustOrderRequest is the JSON payload for changing an order's quantity.
type AdjustOrderRequest struct {
	Quantity       int    `json:"quantity" example:"3"`
	IdempotencyKey string `json:"idempotency_key" example:"0b7f4b7e-2f5d-4b8e-9d1a-6c0c3d2e1f00"`
}

// CancelOrderRequest is the JSON payload for cancelling an order.
type CancelOrderRequest struct {
	Reason         string `json:"reason" example:"plans changed"`
	IdempotencyKey string `json:"idempotency_key" example:"5d2c9a61-8f0e-4d7b-a1c3-2e9f8b7a6c54"`
}

//
// Handlers
//

// CreateOrder godoc
// @ID          createOrder
// @Summary     Order servings for an event
// @Description Places a payment hold at the current tier price and records an authorized order. Funds are captured after the cutoff.
// @Tags        Orders
// @Accept      json
// @Produce     json
//
// @Param       X-Customer-ID    header  string  true  "Customer ID"  example(cust-42)
// @Param       Idempotency-Key  header  string  false "Idempotency key (alternative to the body field)"
// @Param       id               path    string  true  "Event ID (UUID)"  format(uuid)
// @Param       body             body    handlers.CreateOrderRequest  true  "Order payload"
//
// @Success     201  {object}  services.OrderResult
// @Header      201  {string}  Idempotency-Replayed  "true when served from a stored result"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing customer"
// @Failure     402  {object}  handlers.ErrorResponse  "Payment declined"
// @Failure     404  {object}  handlers.ErrorResponse  "Event not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Duplicate active order, or the same key still in progress"
// @Failure     422  {object}  handlers.ErrorResponse  "Event full, cutoff passed or event not open"
// @Failure     503  {object}  handlers.ErrorResponse  "Payment gateway unavailable"
// @Router      /events/{id}/orders [post]
func (h *Handlers) CreateOrder(c *gin.Context) {
	customerID, okID := requireCustomer(c)
	if !okID {
		return
	}
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, okKey := idempotencyKey(c, req.IdempotencyKey)
	if !okKey {
		return
	}

	res, err := h.orderSvc.CreateOrder(c.Request.Context(), services.CreateOrderInput{
		CustomerID:     customerID,
		EventID:        c.Param("id"),
		Quantity:       req.Quantity,
		PaymentMethod:  strings.TrimSpace(req.PaymentMethod),
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	markReplay(c, res.Replayed)
	ok(c, http.StatusCreated, res)
}

// GetOrder godoc
// @ID          getOrder
// @Summary     Read an order
// @Description Returns the caller's order with its current status and price paid.
// @Tags        Orders
// @Produce     json
//
// @Param       X-Customer-ID  header  string  true  "Customer ID"  example(cust-42)
// @Param       id             path    string  true  "Order ID (UUID)"  format(uuid)
//
// @Success     200  {object} services.OrderResult
// @Failure     401  {object} handlers.ErrorResponse "Missing customer"
// @Failure     404  {object} handlers.ErrorResponse "Order not found"
// @Router      /orders/{id} [get]
func (h *Handlers) GetOrder(c *gin.Context) {
	customerID, okID := requireCustomer(c)
	if !okID {
		return
	}
	res, err := h.orderSvc.GetOrder(c.Request.Context(), customerID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// AdjustOrder godoc
// @ID          adjustOrder
// @Summary     Change an order's quantity
// @Description Re-authorizes the hold for the new quantity at the order's unit price. Only authorized orders before the cutoff can change.
// @Tags        Orders
// @Accept      json
// @Produce     json
//
// @Param       X-Customer-ID    header  string  true  "Customer ID"  example(cust-42)
// @Param       Idempotency-Key  header  string  false "Idempotency key (alternative to the body field)"
// @Param       id               path    string  true  "Order ID (UUID)"  format(uuid)
// @Param       body             body    handlers.AdjustOrderRequest  true  "New quantity"
//
// @Success     200  {object} services.OrderResult
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     402  {object} handlers.ErrorResponse "Payment declined"
// @Failure     404  {object} handlers.ErrorResponse "Order not found"
// @Failure     409  {object} handlers.ErrorResponse "Stale state"
// @Failure     422  {object} handlers.ErrorResponse "Event full, cutoff passed or invalid transition"
// @Failure     503  {object} handlers.ErrorResponse "Payment gateway unavailable"
// @Router      /orders/{id} [patch]
func (h *Handlers) AdjustOrder(c *gin.Context) {
	customerID, okID := requireCustomer(c)
	if !okID {
		return
	}
	var req AdjustOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, okKey := idempotencyKey(c, req.IdempotencyKey)
	if !okKey {
		return
	}

	res, err := h.orderSvc.AdjustQuantity(c.Request.Context(), services.AdjustInput{
		CustomerID:     customerID,
		OrderID:        c.Param("id"),
		Quantity:       req.Quantity,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	markReplay(c, res.Replayed)
	ok(c, http.StatusOK, res)
}

// CancelOrder godoc
// @ID          cancelOrder
// @Summary     Cancel an order
// @Description Releases the hold of an authorized order or refunds a captured one. Cancelling a cancelled order returns it unchanged.
// @Tags        Orders
// @Accept      json
// @Produce     json
//
// @Param       X-Customer-ID    header  string  true  "Customer ID"  example(cust-42)
// @Param       Idempotency-Key  header  string  false "Idempotency key (alternative to the body field)"
// @Param       id               path    string  true  "Order ID (UUID)"  format(uuid)
// @Param       body             body    handlers.CancelOrderRequest  false  "Cancellation reason"
//
// @Success     200  {object} services.OrderResult
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Order not found"
// @Failure     409  {object} handlers.ErrorResponse "Stale state"
// @Failure     422  {object} handlers.ErrorResponse "Invalid transition"
// @Failure     502  {object} handlers.ErrorResponse "Gateway rejected the release or refund"
// @Failure     503  {object} handlers.ErrorResponse "Payment gateway unavailable"
// @Router      /orders/{id}/cancel [post]
func (h *Handlers) CancelOrder(c *gin.Context) {
	customerID, okID := requireCustomer(c)
	if !okID {
		return
	}
	var req CancelOrderRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	key, okKey := idempotencyKey(c, req.IdempotencyKey)
	if !okKey {
		return
	}

	res, err := h.orderSvc.CancelOrder(c.Request.Context(), services.CancelInput{
		CustomerID:     customerID,
		OrderID:        c.Param("id"),
		Reason:         req.Reason,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	markReplay(c, res.Replayed)
	ok(c, http.StatusOK, res)
}
