package handler

import (
	"errors"
	"net/http"
	"strconv"

	"purchase-processor/internal/dto"
	"purchase-processor/internal/middleware"
	"purchase-processor/internal/repository"
	"purchase-processor/internal/service"

	"github.com/labstack/echo/v4"
)

type PurchaseHandler struct {
	orchestrator  service.Orchestrator
	lifecycle     service.Lifecycle
	transactions  repository.TransactionRepository
	subscriptions repository.SubscriptionRepository
}

func NewPurchaseHandler(orchestrator service.Orchestrator, lifecycle service.Lifecycle, transactions repository.TransactionRepository, subscriptions repository.SubscriptionRepository) *PurchaseHandler {
	return &PurchaseHandler{
		orchestrator:  orchestrator,
		lifecycle:     lifecycle,
		transactions:  transactions,
		subscriptions: subscriptions,
	}
}

func (h *PurchaseHandler) CreatePurchase(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.PurchaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}
	p, err := providerParam(req.Provider)
	if err != nil {
		return err
	}

	res := h.orchestrator.CreatePurchase(ctx, p, purchaseRequest(c, req))
	return respond(c, res)
}

func (h *PurchaseHandler) ConfirmPurchase(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := idParam(c)
	if err != nil {
		return err
	}
	tx, err := h.transactions.FindByID(ctx, nil, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && tx.CustomerID != middleware.CustomerID(c)) {
		return echo.NewHTTPError(http.StatusNotFound, "transaction not found")
	}
	if err != nil {
		return err
	}

	return respond(c, h.orchestrator.ConfirmPending(ctx, id))
}

func (h *PurchaseHandler) CreateSubscription(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.SubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}
	p, err := providerParam(req.Provider)
	if err != nil {
		return err
	}

	res := h.orchestrator.CreateSubscription(ctx, p, service.SubscriptionRequest{
		PurchaseRequest: purchaseRequest(c, req.PurchaseRequest),
		AllowRepeat:     req.AllowRepeat,
	})
	return respond(c, res)
}

func (h *PurchaseHandler) CancelSubscription(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	res := h.orchestrator.CancelSubscription(ctx, service.CancelRequest{
		CustomerID:    middleware.CustomerID(c),
		RealmID:       req.RealmID,
		EntitlementID: req.EntitlementID,
		AtPeriodEnd:   req.AtPeriodEnd,
	})
	return respond(c, res)
}

func (h *PurchaseHandler) RepaySubscription(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := idParam(c)
	if err != nil {
		return err
	}
	sub, err := h.subscriptions.FindByID(ctx, nil, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && sub.CustomerID != middleware.CustomerID(c)) {
		return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
	}
	if err != nil {
		return err
	}

	return respond(c, h.lifecycle.RepayDelinquent(ctx, id))
}

func (h *PurchaseHandler) CreateRefund(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.RefundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}
	p, err := providerParam(req.Provider)
	if err != nil {
		return err
	}

	res := h.orchestrator.CreateRefund(ctx, p, service.RefundRequest{
		CustomerID:    middleware.CustomerID(c),
		TransactionID: req.TransactionID,
		Subtotal:      req.Subtotal,
		RevokeAccess:  req.RevokeAccess,
	})
	return respond(c, res)
}

func purchaseRequest(c echo.Context, req dto.PurchaseRequest) service.PurchaseRequest {
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = c.Request().Referer()
	}
	return service.PurchaseRequest{
		RealmID:        req.RealmID,
		CustomerID:     middleware.CustomerID(c),
		OfferID:        req.OfferID,
		ProductID:      req.ProductID,
		CouponCode:     req.CouponCode,
		PaymentNonce:   req.PaymentNonce,
		DevicePlatform: req.DevicePlatform,
		ReturnURL:      returnURL,
		CancelURL:      req.CancelURL,
	}
}

func idParam(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return uint(id), nil
}
