package handler

import (
	"net/http"

	"purchase-processor/internal/model"
	"purchase-processor/internal/service"

	"github.com/labstack/echo/v4"
)

var statusByKind = map[service.ErrorKind]int{
	service.MissingParameter:        http.StatusBadRequest,
	service.BadRequest:              http.StatusBadRequest,
	service.MalformedParameter:      http.StatusUnprocessableEntity,
	service.NotFound:                http.StatusNotFound,
	service.PaymentError:            http.StatusPaymentRequired,
	service.ExchangeUnavailable:     http.StatusServiceUnavailable,
	service.RateUnavailable:         http.StatusServiceUnavailable,
	service.AccountingInconsistency: http.StatusInternalServerError,
	service.Internal:                http.StatusInternalServerError,
}

// HTTPStatus maps a result to its response code. Redirects are answered with
// 200 and the URL in the body; the client opens it.
func HTTPStatus(res service.Result) int {
	if res.Err == nil {
		return http.StatusOK
	}
	if code, ok := statusByKind[res.Err.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func respond(c echo.Context, res service.Result) error {
	return c.JSON(HTTPStatus(res), res.Envelope())
}

func providerParam(raw string) (model.Provider, error) {
	p, ok := model.ParseProvider(raw)
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnprocessableEntity, "unknown provider")
	}
	return p, nil
}
