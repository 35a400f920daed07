// Event HTTP handlers.
//
// This file exposes the chef-facing event endpoints:
//   - POST   /events              (create)
//   - GET    /events/{id}         (read)
//   - GET    /events/{id}/orders  (list orders, paginated, owner only)
//   - POST   /events/{id}/cancel  (cancel and settle every held order)
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/services"
)

//
// DTOs
//

// CreateEventRequest is the JSON payload for a new chef meal event.
type CreateEventRequest struct {
	Title    string `json:"title" example:"Sichuan dumpling supper"`
	Currency string `json:"currency" example:"USD"`
	// Price of the first tier; decreases as servings fill up.
	BasePrice decimal.Decimal `json:"base_price" swaggertype:"string" example:"25.00"`
	// Floor the tiered price never goes below.
	MinPrice  decimal.Decimal `json:"min_price" swaggertype:"string" example:"18.00"`
	MinOrders int             `json:"min_orders" example:"4"`
	MaxOrders int             `json:"max_orders" example:"12"`
	CutoffAt  time.Time       `json:"cutoff_at" example:"2026-11-01T18:00:00Z"`
	EventAt   time.Time       `json:"event_at" example:"2026-11-02T19:00:00Z"`
	// Optional; retries with the same key return the event created first.
	IdempotencyKey string `json:"idempotency_key" example:"3f8e2a44-1b6c-4e1d-9a0f-7c2b5d9e8a11"`
}

// CancelEventRequest is the JSON payload for cancelling an event.
type CancelEventRequest struct {
	Reason         string `json:"reason" example:"chef unavailable"`
	IdempotencyKey string `json:"idempotency_key" example:"9a1b2c3d-4e5f-4a6b-8c7d-0e1f2a3b4c5d"`
}

// ListEventOrdersResponse wraps a page of orders and pagination information.
type ListEventOrdersResponse struct {
	Orders     []services.OrderResult `json:"orders"`
	Pagination Pagination             `json:"pagination"`
}

//
// Handlers
//

// CreateEvent godoc
// @ID          createEvent
// @Summary     Create a chef meal event
// @Description Opens an event for orders until its cutoff. Prices tier down from base_price to min_price as servings fill.
// @Tags        Events
// @Accept      json
// @Produce     json
//
// @Param       X-Chef-ID        header  string  true  "Chef ID"  example(chef-7)
// @Param       Idempotency-Key  header  string  false "Idempotency key (alternative to the body field)"
// @Param       body             body    handlers.CreateEventRequest  true  "Event payload"
//
// @Success     201  {object}  domain.ChefMealEvent
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid event"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing chef"
// @Router      /events [post]
func (h *Handlers) CreateEvent(c *gin.Context) {
	chefID, okID := requireChef(c)
	if !okID {
		return
	}
	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, okKey := idempotencyKey(c, req.IdempotencyKey)
	if !okKey {
		return
	}

	ev, replayed, err := h.eventSvc.CreateEvent(c.Request.Context(), services.CreateEventInput{
		ChefID:         chefID,
		Title:          req.Title,
		Currency:       req.Currency,
		BasePrice:      req.BasePrice,
		MinPrice:       req.MinPrice,
		MinOrders:      req.MinOrders,
		MaxOrders:      req.MaxOrders,
		CutoffAt:       req.CutoffAt,
		EventAt:        req.EventAt,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	markReplay(c, replayed)
	ok(c, http.StatusCreated, ev)
}

// GetEvent godoc
// @ID          getEvent
// @Summary     Read an event
// @Description Returns the event with its current status and the number of servings held.
// @Tags        Events
// @Produce     json
//
// @Param       id  path  string  true  "Event ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.ChefMealEvent
// @Failure     404  {object} handlers.ErrorResponse "Event not found"
// @Router      /events/{id} [get]
func (h *Handlers) GetEvent(c *gin.Context) {
	ev, err := h.eventSvc.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, ev)
}

// ListEventOrders godoc
// @ID          listEventOrders
// @Summary     List an event's orders (paginated)
// @Description Returns a page of the orders placed against the chef's event, oldest first.
// @Tags        Events
// @Produce     json
//
// @Param       X-Chef-ID  header  string  true  "Chef ID"  example(chef-7)
// @Param       id         path    string  true  "Event ID (UUID)"  format(uuid)
// @Param       page       query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListEventOrdersResponse
// @Failure     401  {object} handlers.ErrorResponse "Missing chef"
// @Failure     403  {object} handlers.ErrorResponse "Not the event's chef"
// @Failure     404  {object} handlers.ErrorResponse "Event not found"
// @Router      /events/{id}/orders [get]
func (h *Handlers) ListEventOrders(c *gin.Context) {
	chefID, okID := requireChef(c)
	if !okID {
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.eventSvc.ListEventOrders(c.Request.Context(), chefID, c.Param("id"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []services.OrderResult{}
	}
	ok(c, http.StatusOK, ListEventOrdersResponse{
		Orders:     items,
		Pagination: newPagination(page, pageSize, total),
	})
}

// CancelEvent godoc
// @ID          cancelEvent
// @Summary     Cancel an event
// @Description Cancels an open or closed event and releases or refunds every order still holding funds. Completed events cannot be cancelled.
// @Tags        Events
// @Accept      json
// @Produce     json
//
// @Param       X-Chef-ID        header  string  true  "Chef ID"  example(chef-7)
// @Param       Idempotency-Key  header  string  false "Idempotency key (alternative to the body field)"
// @Param       id               path    string  true  "Event ID (UUID)"  format(uuid)
// @Param       body             body    handlers.CancelEventRequest  false  "Cancellation reason"
//
// @Success     200  {object} services.CancelEventResult
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Missing chef"
// @Failure     403  {object} handlers.ErrorResponse "Not the event's chef"
// @Failure     404  {object} handlers.ErrorResponse "Event not found"
// @Failure     409  {object} handlers.ErrorResponse "Event already completed"
// @Router      /events/{id}/cancel [post]
func (h *Handlers) CancelEvent(c *gin.Context) {
	chefID, okID := requireChef(c)
	if !okID {
		return
	}
	var req CancelEventRequest
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

	res, err := h.eventSvc.CancelEvent(c.Request.Context(), chefID, c.Param("id"), req.Reason, key)
	if errors.Is(err, services.ErrInvalidTransition) {
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, "event is "+string(domain.EventCompleted)+" and cannot be cancelled")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	markReplay(c, res.Replayed)
	ok(c, http.StatusOK, res)
}
