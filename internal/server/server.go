package server

import (
	"context"

	"purchase-processor/internal/handler"
	appmiddleware "purchase-processor/internal/middleware"
	"purchase-processor/internal/model"
	"purchase-processor/internal/repository"
	"purchase-processor/internal/service"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Server struct {
	echo             *echo.Echo
	jwtSecret        string
	purchaseHandler  *handler.PurchaseHandler
	paypalHandler    *handler.PaypalHandler
	braintreeHandler *handler.BraintreeHandler
	userHandler      *handler.UserHandler
}

type Dependencies struct {
	Orchestrator  service.Orchestrator
	Lifecycle     service.Lifecycle
	Transactions  repository.TransactionRepository
	Subscriptions repository.SubscriptionRepository
	Entitlements  repository.EntitlementRepository
	Topology      model.EntitlementScope
	JWTSecret     string
	RedirectHosts []string
}

func NewServer(deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:             e,
		jwtSecret:        deps.JWTSecret,
		purchaseHandler:  handler.NewPurchaseHandler(deps.Orchestrator, deps.Lifecycle, deps.Transactions, deps.Subscriptions),
		paypalHandler:    handler.NewPaypalHandler(deps.Orchestrator, deps.Lifecycle, deps.RedirectHosts),
		braintreeHandler: handler.NewBraintreeHandler(deps.Lifecycle),
		userHandler:      handler.NewUserHandler(deps.Entitlements, deps.Topology),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})

	authed := api.Group("", appmiddleware.AuthMiddleware(s.jwtSecret))
	authed.GET("/entitlements", s.userHandler.GetEntitlements)
	authed.POST("/purchases", s.purchaseHandler.CreatePurchase)
	authed.POST("/purchases/:id/confirm", s.purchaseHandler.ConfirmPurchase)
	authed.POST("/subscriptions", s.purchaseHandler.CreateSubscription)
	authed.POST("/subscriptions/cancel", s.purchaseHandler.CancelSubscription)
	authed.POST("/subscriptions/:id/repay", s.purchaseHandler.RepaySubscription)
	authed.POST("/refunds", s.purchaseHandler.CreateRefund)

	// -------- paypal callbacks / webhooks --------
	paypal := api.Group("/paypal")
	paypal.GET("/purchases/execute", s.paypalHandler.ExecutePurchase)
	paypal.GET("/subscriptions/execute", s.paypalHandler.ExecuteSubscription)
	paypal.POST("/webhook", s.paypalHandler.PayPalWebhook)

	// -------- braintree webhooks --------
	api.POST("/braintree/webhook", s.braintreeHandler.BraintreeWebhook)
}

// Handler exposes the router for tests.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
