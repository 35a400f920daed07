package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/http/middleware"
	"github.com/tbourn/chef-meal-orders/internal/services"
	"github.com/tbourn/chef-meal-orders/internal/utils"
)

// maxBodyKeyLen matches the header limit enforced by IdempotencyValidator.
const maxBodyKeyLen = 200

//
// Service contracts (context-aware)
//

// OrderService defines the customer-facing order lifecycle consumed by the
// HTTP handlers.
//
// Implementations must be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type OrderService interface {
	// CreateOrder places a hold and records an authorized order.
	CreateOrder(ctx context.Context, in services.CreateOrderInput) (*services.OrderResult, error)
	// AdjustQuantity changes the quantity of an authorized order.
	AdjustQuantity(ctx context.Context, in services.AdjustInput) (*services.OrderResult, error)
	// CancelOrder releases or refunds a customer's order.
	CancelOrder(ctx context.Context, in services.CancelInput) (*services.OrderResult, error)
	// GetOrder reads one of the customer's orders.
	GetOrder(ctx context.Context, customerID, orderID string) (*services.OrderResult, error)
	// HandleWebhook verifies, dedupes and applies a provider notification.
	HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (*services.WebhookResult, error)
}

// EventService defines the chef-facing event operations.
type EventService interface {
	CreateEvent(ctx context.Context, in services.CreateEventInput) (*domain.ChefMealEvent, bool, error)
	GetEvent(ctx context.Context, id string) (*domain.ChefMealEvent, error)
	ListEventOrders(ctx context.Context, chefID, eventID string, page, pageSize int) ([]services.OrderResult, int64, error)
	CancelEvent(ctx context.Context, chefID, eventID, reason, key string) (*services.CancelEventResult, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for events, orders and provider
// webhooks. It depends on service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	orderSvc OrderService
	eventSvc EventService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(orderSvc OrderService, eventSvc EventService) *Handlers {
	return &Handlers{orderSvc: orderSvc, eventSvc: eventSvc}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Helpers
//

// clampPagination parses and bounds the page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"))
}

// requireCustomer returns the caller's customer id or aborts with 401.
func requireCustomer(c *gin.Context) (string, bool) {
	id := middleware.CustomerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing "+middleware.HeaderCustomerID+" header")
		return "", false
	}
	return id, true
}

// requireChef returns the caller's chef id or aborts with 401.
func requireChef(c *gin.Context) (string, bool) {
	id := middleware.ChefID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing "+middleware.HeaderChefID+" header")
		return "", false
	}
	return id, true
}

// idempotencyKey merges the body key with the validated Idempotency-Key
// header. Either may be absent; when both are present they must match.
// An empty result is left for the service to reject where a key is required.
func idempotencyKey(c *gin.Context, body string) (string, bool) {
	body = strings.TrimSpace(body)
	header, _ := middleware.GetIdempotencyKey(c)

	if len(body) > maxBodyKeyLen {
		fail(c, http.StatusBadRequest, ErrCodeBadIdempotencyKey, "idempotency_key too long")
		return "", false
	}
	if body != "" && header != "" && body != header {
		fail(c, http.StatusBadRequest, ErrCodeIdempotencyKeyMismatch, "idempotency_key does not match "+middleware.HeaderIdempotencyKey+" header")
		return "", false
	}
	if body != "" {
		return body, true
	}
	return header, true
}

// markReplay flags a response served from a stored idempotent result.
func markReplay(c *gin.Context, replayed bool) {
	if replayed {
		c.Header(middleware.HeaderIdempotencyReplayed, "true")
	}
}
