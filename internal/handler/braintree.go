package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"purchase-processor/internal/model"
	"purchase-processor/internal/provider"
	"purchase-processor/internal/service"

	"github.com/labstack/echo/v4"
)

type BraintreeHandler struct {
	lifecycle service.Lifecycle
}

func NewBraintreeHandler(lifecycle service.Lifecycle) *BraintreeHandler {
	return &BraintreeHandler{lifecycle: lifecycle}
}

// BraintreeWebhook accepts notifications already verified and normalized by
// the edge relay.
func (h *BraintreeHandler) BraintreeWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	var event model.BraintreeWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook payload")
	}

	return handleEvent(c, h.lifecycle, model.ProviderBraintree, provider.Event{
		ID:      event.ID,
		Type:    event.Kind,
		Payload: body,
	})
}
