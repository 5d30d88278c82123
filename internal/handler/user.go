package handler

import (
	"net/http"
	"strconv"
	"time"

	"purchase-processor/internal/middleware"
	"purchase-processor/internal/model"
	"purchase-processor/internal/repository"

	"github.com/labstack/echo/v4"
)

type UserHandler struct {
	entitlements repository.EntitlementRepository
	topology     model.EntitlementScope
}

func NewUserHandler(entitlements repository.EntitlementRepository, topology model.EntitlementScope) *UserHandler {
	return &UserHandler{
		entitlements: entitlements,
		topology:     topology,
	}
}

type entitlementView struct {
	*model.Entitlement
	Active bool `json:"active"`
}

// GetEntitlements lists what the caller owns in a realm, expired grants
// included.
func (h *UserHandler) GetEntitlements(c echo.Context) error {
	ctx := c.Request().Context()

	realmID, err := strconv.ParseUint(c.QueryParam("realm_id"), 10, 64)
	if err != nil || realmID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "realm_id is required")
	}

	owner := model.OwnerKey(h.topology, middleware.CustomerID(c), uint(realmID))
	entitlements, err := h.entitlements.ListByOwner(ctx, owner)
	if err != nil {
		return err
	}

	now := time.Now()
	views := make([]entitlementView, len(entitlements))
	for i, e := range entitlements {
		views[i] = entitlementView{Entitlement: e, Active: e.Active(now)}
	}
	return c.JSON(http.StatusOK, views)
}
