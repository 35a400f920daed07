package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/chef-meal-orders/internal/services"
)

func Test_fail_500_LogsAndBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// capture logs from LoggerFrom(c)
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	// simulate RequestID + request-scoped logger
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-500")
		c.Set("logger", &logger)
		c.Next()
	})

	r.GET("/boom", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "kaboom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.RequestID != "rid-500" || resp.Code != ErrCodeInternal || resp.Message != "kaboom" {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if resp.Order != nil {
		t.Fatalf("order must be omitted: %+v", resp.Order)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected error log, got: %s", buf.String())
	}
}

func Test_Fail_404_And_SuccessHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-404")
		c.Next()
	})

	r.GET("/missing", func(c *gin.Context) {
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "nope")
	})
	r.GET("/ok", func(c *gin.Context) {
		ok(c, http.StatusCreated, gin.H{"ok": true, "n": 1})
	})
	r.DELETE("/gone", func(c *gin.Context) {
		noContent(c)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("json 404: %v", err)
	}
	if er.RequestID != "rid-404" || er.Code != ErrCodeNotFound || er.Message != "nope" {
		t.Fatalf("unexpected 404 body: %+v", er)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d", w.Code)
	}
	var okBody map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &okBody); err != nil {
		t.Fatalf("json 201: %v", err)
	}
	if okBody["ok"] != true || int(okBody["n"].(float64)) != 1 {
		t.Fatalf("unexpected ok body: %#v", okBody)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/gone", nil))
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("expected empty 204, got %d %q", w.Code, w.Body.String())
	}
}

func Test_writeError_Mapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cur := &services.OrderResult{OrderID: "o-1", Status: "authorized"}
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantOrder  bool
	}{
		{"event not found", services.ErrEventNotFound, http.StatusNotFound, ErrCodeEventNotFound, false},
		{"order not found wrapped", fmt.Errorf("load: %w", services.ErrOrderNotFound), http.StatusNotFound, ErrCodeOrderNotFound, false},
		{"forbidden", services.ErrForbidden, http.StatusForbidden, ErrCodeForbidden, false},
		{"quantity", services.ErrInvalidQuantity, http.StatusBadRequest, ErrCodeInvalidQuantity, false},
		{"invalid event", fmt.Errorf("%w: min_orders above max_orders", services.ErrInvalidEvent), http.StatusBadRequest, ErrCodeInvalidEvent, false},
		{"key required", services.ErrIdempotencyKeyRequired, http.StatusBadRequest, ErrCodeIdempotencyKeyRequired, false},
		{"key reused", services.ErrIdempotencyKeyReused, http.StatusUnprocessableEntity, ErrCodeIdempotencyKeyReused, false},
		{"full", services.ErrEventFull, http.StatusUnprocessableEntity, ErrCodeEventFull, false},
		{"cutoff", services.ErrCutoffPassed, http.StatusUnprocessableEntity, ErrCodeCutoffPassed, false},
		{"not open", services.ErrEventNotOpen, http.StatusUnprocessableEntity, ErrCodeEventNotOpen, false},
		{"transition", services.ErrInvalidTransition, http.StatusUnprocessableEntity, ErrCodeInvalidTransition, false},
		{"declined", services.ErrPaymentDeclined, http.StatusPaymentRequired, ErrCodePaymentDeclined, false},
		{"gateway down", services.ErrGatewayUnavailable, http.StatusServiceUnavailable, ErrCodeGatewayUnavailable, false},
		{"gateway rejected", services.ErrGatewayRejected, http.StatusBadGateway, ErrCodeGatewayRejected, false},
		{"signature", services.ErrWebhookSignature, http.StatusUnauthorized, ErrCodeWebhookSignature, false},
		{"payload", services.ErrWebhookPayload, http.StatusBadRequest, ErrCodeWebhookPayload, false},
		{"webhook retry", fmt.Errorf("%w: stale state", services.ErrWebhookRetry), http.StatusServiceUnavailable, ErrCodeWebhookRetry, false},
		{"duplicate", &services.DuplicateActiveOrderError{Existing: cur}, http.StatusConflict, ErrCodeDuplicateActiveOrder, true},
		{"stale", &services.StaleStateError{Current: cur}, http.StatusConflict, ErrCodeStaleState, true},
		{"in progress", &services.RequestInProgressError{Current: cur}, http.StatusConflict, ErrCodeRequestInProgress, true},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/x", func(c *gin.Context) { writeError(c, tc.err) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
			if w.Code != tc.wantStatus {
				t.Fatalf("status=%d want %d", w.Code, tc.wantStatus)
			}
			var er ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
				t.Fatalf("json: %v", err)
			}
			if er.Code != tc.wantCode {
				t.Fatalf("code=%q want %q", er.Code, tc.wantCode)
			}
			if tc.wantOrder && (er.Order == nil || er.Order.OrderID != "o-1") {
				t.Fatalf("expected order in envelope, got %+v", er.Order)
			}
			if tc.wantCode == ErrCodeInternal && strings.Contains(er.Message, "disk") {
				t.Fatalf("internal message leaked: %q", er.Message)
			}
			if (w.Code == http.StatusServiceUnavailable || tc.wantCode == ErrCodeRequestInProgress) && w.Header().Get("Retry-After") == "" {
				t.Fatalf("expected Retry-After on %s", tc.wantCode)
			}
		})
	}
}
