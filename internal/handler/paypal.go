package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strings"

	"purchase-processor/internal/dto"
	"purchase-processor/internal/model"
	"purchase-processor/internal/provider"
	"purchase-processor/internal/repository"
	"purchase-processor/internal/service"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type PaypalHandler struct {
	orchestrator  service.Orchestrator
	lifecycle     service.Lifecycle
	redirectHosts map[string]bool
}

// NewPaypalHandler takes the hosts a completed approval may send the customer
// back to. Any other redirect_uri is ignored.
func NewPaypalHandler(orchestrator service.Orchestrator, lifecycle service.Lifecycle, redirectHosts []string) *PaypalHandler {
	hosts := make(map[string]bool, len(redirectHosts))
	for _, h := range redirectHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts[h] = true
		}
	}
	return &PaypalHandler{
		orchestrator:  orchestrator,
		lifecycle:     lifecycle,
		redirectHosts: hosts,
	}
}

// ExecutePurchase is where PayPal sends the buyer after approving an order.
func (h *PaypalHandler) ExecutePurchase(c echo.Context) error {
	ctx := c.Request().Context()

	res := h.orchestrator.CompletePurchase(ctx, model.ProviderPaypal, service.ExecuteRequest{
		Token:   c.QueryParam("token"),
		PayerID: c.QueryParam("PayerID"),
	})
	return h.finishRedirect(c, res, "Payment")
}

// ExecuteSubscription is where PayPal sends the buyer after approving a
// subscription.
func (h *PaypalHandler) ExecuteSubscription(c echo.Context) error {
	ctx := c.Request().Context()

	res := h.orchestrator.CompleteSubscription(ctx, model.ProviderPaypal, c.QueryParam("subscription_id"))
	return h.finishRedirect(c, res, "Subscription")
}

func (h *PaypalHandler) PayPalWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	var envelope model.PaypalWebhookEvent
	if err := json.Unmarshal(body, &envelope); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook payload")
	}

	return handleEvent(c, h.lifecycle, model.ProviderPaypal, provider.Event{
		ID:      envelope.ID,
		Type:    envelope.EventType,
		Payload: body,
	})
}

// handleEvent answers 200 for applied, duplicate and ignored events. Anything
// else is a non-2xx so the provider redelivers.
func handleEvent(c echo.Context, lifecycle service.Lifecycle, p model.Provider, ev provider.Event) error {
	if ev.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing event id")
	}
	outcome, err := lifecycle.HandleEvent(c.Request().Context(), p, ev)
	if err != nil {
		log.Error().Err(err).
			Str("provider", string(p)).
			Str("event_id", ev.ID).
			Str("event_type", ev.Type).
			Msg("webhook event not applied")
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
		}
		return fmt.Errorf("handle webhook: %w", err)
	}
	return c.JSON(http.StatusOK, &dto.WebhookResponse{Outcome: string(outcome)})
}

var completionPage = template.Must(template.New("completion").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>{{.Title}}</title>
	<style>
		body {
			font-family: Arial, sans-serif;
			text-align: center;
			margin-top: 80px;
		}
	</style>
</head>
<body>
	<h2>{{.Title}}</h2>
	<p>{{.Message}}</p>
</body>
</html>
`))

// finishRedirect sends the buyer back to redirect_uri with the outcome, or
// renders a small page when the caller gave none or named a foreign host.
func (h *PaypalHandler) finishRedirect(c echo.Context, res service.Result, what string) error {
	if target := c.QueryParam("redirect_uri"); target != "" {
		u, err := url.Parse(target)
		if err == nil && (u.Scheme == "http" || u.Scheme == "https") && h.redirectHosts[strings.ToLower(u.Hostname())] {
			q := u.Query()
			q.Set("status", string(res.Status))
			if res.Err != nil {
				q.Set("error_kind", string(res.Err.Kind))
			}
			u.RawQuery = q.Encode()
			return c.Redirect(http.StatusFound, u.String())
		}
	}

	title := what + " approved"
	message := "Thank you. Your purchase has been recorded."
	if res.Err != nil {
		title = what + " not completed"
		message = res.Err.Message
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(HTTPStatus(res))
	return completionPage.Execute(c.Response(), struct{ Title, Message string }{title, message})
}
