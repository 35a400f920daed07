package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chef-meal-orders/internal/payment"
)

// maxWebhookBody caps provider payloads.
const maxWebhookBody = 256 << 10

// HandleWebhook godoc
// @ID          handleWebhook
// @Summary     Receive a payment provider webhook
// @Description Verifies the signature, dedupes by provider event id and applies asynchronous authorization, capture and refund outcomes. Unknown orders are acknowledged.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       provider          path    string  true  "Provider name"  example(stripe)
// @Param       Stripe-Signature  header  string  false "t=<unix>,v1=<hex hmac>"
//
// @Success     200  {object} services.WebhookResult
// @Failure     400  {object} handlers.ErrorResponse "Malformed payload"
// @Failure     401  {object} handlers.ErrorResponse "Bad signature"
// @Failure     503  {object} handlers.ErrorResponse "Matched order could not be updated yet; redeliver"
// @Router      /webhooks/{provider} [post]
func (h *Handlers) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	if len(body) > maxWebhookBody {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "payload too large")
		return
	}

	res, err := h.orderSvc.HandleWebhook(c.Request.Context(), c.Param("provider"), body, c.GetHeader(payment.SignatureHeader))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}
