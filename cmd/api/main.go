package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"purchase-processor/internal/client"
	"purchase-processor/internal/config"
	"purchase-processor/internal/fx"
	"purchase-processor/internal/lock"
	"purchase-processor/internal/logger"
	"purchase-processor/internal/model"
	"purchase-processor/internal/money"
	"purchase-processor/internal/notify"
	"purchase-processor/internal/provider"
	"purchase-processor/internal/repository"
	"purchase-processor/internal/server"
	"purchase-processor/internal/service"
	"purchase-processor/internal/tax"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		log.Fatal().Err(err).Msg("parse config")
	}
	logger.Init(&cfg.Log, cfg.Environment.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	topology, err := model.ParseScope(cfg.Topology)
	if err != nil {
		log.Fatal().Err(err).Msg("parse topology")
	}
	minimumCharge, err := decimal.NewFromString(cfg.Settlement.MinimumCharge)
	if err != nil {
		log.Fatal().Err(err).Msg("parse minimum charge")
	}
	feeRate, err := decimal.NewFromString(cfg.Settlement.PartialRefundFeeRate)
	if err != nil {
		log.Fatal().Err(err).Msg("parse partial refund fee rate")
	}

	db, err := client.NewDBClient(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}

	catalogRepo := repository.NewCatalogRepository(db)
	if cfg.Environment.Name == "development" {
		if err := catalogRepo.Seed(ctx); err != nil {
			log.Fatal().Err(err).Msg("seed catalog")
		}
	}

	staticRates, err := fx.NewStaticSource(cfg.Settlement.Currency, cfg.FX.Rates)
	if err != nil {
		log.Fatal().Err(err).Msg("load fx rates")
	}
	normalizer := money.NewNormalizer(fx.NewCachedSource(staticRates, cfg.FX.TTL), cfg.Settlement.Currency, feeRate)

	taxCalculator, err := tax.NewFlatCalculator(cfg.Tax.DefaultPercent, cfg.Tax.RealmPercents)
	if err != nil {
		log.Fatal().Err(err).Msg("load tax rates")
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Redis.Addr != "" {
		rdb, err := client.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, "purchase-processor:lock:", cfg.Redis.LockTTL)
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.AMQP.URL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Fatal().Err(err).Msg("connect amqp")
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
	}
	dispatcher := notify.NewDispatcher(notifier, 10*time.Second)

	providers := provider.NewRegistry(
		provider.NewFreeAdapter(),
		provider.NewPaypalAdapter(client.NewPaypalClient(&cfg.Paypal), cfg.Settlement.Currency),
		provider.NewBraintreeAdapter(client.NewBraintreeClient(&cfg.BrainTree)),
	)

	deps := service.Dependencies{
		DB:             db,
		Providers:      providers,
		Normalizer:     normalizer,
		Tax:            taxCalculator,
		Locker:         locker,
		Notifications:  dispatcher,
		Alerter:        service.NewAlerter(dispatcher),
		Catalog:        catalogRepo,
		Transactions:   repository.NewTransactionRepository(db),
		Subscriptions:  repository.NewSubscriptionRepository(db),
		Entitlements:   repository.NewEntitlementRepository(db),
		PaymentMethods: repository.NewPaymentMethodRepository(db),
		WebhookEvents:  repository.NewWebhookEventRepository(db),
	}

	orchestrator := service.NewOrchestrator(deps, service.Options{
		Topology:      topology,
		MinimumCharge: minimumCharge,
		RefundWindow:  cfg.Settlement.RefundWindow,
		BaseURL:       cfg.BaseURL,
	})
	lifecycle := service.NewLifecycle(deps, topology)

	reconciler := service.NewReconciler(orchestrator, deps.Transactions, providers, normalizer, service.ReconcilerOptions{
		Schedule:     cfg.Reconcile.Schedule,
		PendingAfter: cfg.Reconcile.PendingAfter,
	})
	if err := reconciler.Start(); err != nil {
		log.Fatal().Err(err).Msg("start reconciler")
	}

	srv := server.NewServer(server.Dependencies{
		Orchestrator:  orchestrator,
		Lifecycle:     lifecycle,
		Transactions:  deps.Transactions,
		Subscriptions: deps.Subscriptions,
		Entitlements:  deps.Entitlements,
		Topology:      topology,
		JWTSecret:     cfg.Auth.JWTSecret,
		RedirectHosts: redirectHosts(cfg),
	})

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port
	log.Info().Str("addr", serverAddr).Msg("starting HTTP server")
	go func() {
		if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown")
	}
	reconciler.Stop(shutdownCtx)
	dispatcher.Wait()
	log.Info().Msg("shutdown complete")
}

// redirectHosts is where a finished PayPal approval may send the customer:
// the configured hosts plus our own.
func redirectHosts(cfg *config.Config) []string {
	hosts := append([]string{}, cfg.HTTP.RedirectHosts...)
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	return hosts
}
