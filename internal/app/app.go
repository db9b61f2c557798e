package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/benabook/ns-cafe/internal/domain/auth"
	"github.com/benabook/ns-cafe/internal/domain/order"
	"github.com/benabook/ns-cafe/internal/handler"
	"github.com/benabook/ns-cafe/internal/payment"
	"github.com/benabook/ns-cafe/internal/realtime"
	"github.com/benabook/ns-cafe/internal/storage/postgres"
	"github.com/benabook/ns-cafe/pkg/health"
	"github.com/benabook/ns-cafe/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the realtime
// bridge, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	taxRate, err := decimal.NewFromString(cfg.TaxRate)
	if err != nil {
		return errors.Wrap(err, "parse tax rate")
	}

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc-pause", time.Second, health.GCMaxPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	menuRepo := postgres.NewMenuRepository(pool)
	cartRepo := postgres.NewCartRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)
	var orderRepo order.Repository = postgres.NewOrderRepository(pool)

	// Realtime bridge. The postgres driver hears the row trigger directly;
	// the rabbit driver needs the repository to announce mutations.
	hub := realtime.NewHub(lg.Named("hub"))
	var bridge realtime.Bridge
	switch cfg.Realtime.Driver {
	case "postgres":
		bridge = realtime.NewPostgresBridge(pool, hub, lg.Named("realtime"))
	case "rabbit":
		rb := realtime.NewRabbitBridge(cfg.Realtime.RabbitURL, hub, lg.Named("realtime"))
		orderRepo = realtime.NewNotifyingRepository(orderRepo, rb, lg.Named("realtime"))
		bridge = rb
	default:
		return errors.Errorf("unknown realtime driver %q", cfg.Realtime.Driver)
	}

	// Payment processors.
	adapters := make(map[order.PaymentMethod]payment.Adapter)
	parsers := make(map[order.PaymentMethod]payment.WebhookParser)

	if cfg.Payment.Card.BaseURL != "" {
		card := payment.NewIntentAdapter(payment.IntentConfig{
			BaseURL:       cfg.Payment.Card.BaseURL,
			SecretKey:     cfg.Payment.Card.SecretKey,
			WebhookSecret: cfg.Payment.Card.WebhookSecret,
			Currency:      cfg.Payment.Currency,
			Expiry:        cfg.Payment.Card.Expiry,
		}, nil)
		adapters[order.MethodCard] = card
		parsers[order.MethodCard] = card
	}

	// The poller's settle func closes over the order service, which in turn
	// takes the poller as its payment watcher. The closure breaks the cycle.
	var orderService *order.Service
	var watcher order.PaymentWatcher
	if cfg.Payment.Lightning.BaseURL != "" {
		rates := payment.NewHTTPRateSource(cfg.Payment.Lightning.RatesURL, nil)
		lightning := payment.NewInvoiceAdapter(payment.InvoiceConfig{
			BaseURL:  cfg.Payment.Lightning.BaseURL,
			APIKey:   cfg.Payment.Lightning.APIKey,
			Currency: cfg.Payment.Currency,
			TTL:      cfg.Payment.Lightning.TTL,
		}, rates, nil)
		adapters[order.MethodLightning] = lightning
		parsers[order.MethodLightning] = lightning

		watcher = payment.NewPoller(lightning,
			func(ctx context.Context, eventID, orderID string, paid bool) error {
				return orderService.ApplySettlement(ctx, eventID, orderID, paid)
			},
			cfg.Payment.Lightning.PollInterval, lg.Named("poller"))
	}
	orderService = order.NewService(orderRepo, watcher, taxRate)

	verifier := auth.NewVerifier(apikeyRepo, []byte(cfg.APIKeyPepper))

	// HTTP routes: API + health endpoints on one mux.
	h := handler.NewHandler(
		handler.Config{ImageBaseURL: cfg.ImageBaseURL},
		menuRepo,
		cartRepo,
		orderService,
		adapters,
		parsers,
		orderRepo,
		verifier,
		hub,
	)
	mux := h.Routes()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(mux,
				httpmiddleware.Recovery(),
				httpmiddleware.CORS(httpmiddleware.CORSConfig{
					AllowOrigins:     cfg.CORS.Origins,
					AllowHeaders:     []string{"Content-Type", handler.APIKeyHeader},
					AllowCredentials: cfg.CORS.AllowCredentials,
					MaxAge:           86400,
				}),
				httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
					Max:    cfg.RateLimit.Max,
					Window: cfg.RateLimit.Window,
				}),
				httpmiddleware.RequestID(),
				httpmiddleware.InjectLogger(zctx.From(ctx)),
				httpmiddleware.LogRequests(),
			),
			"cafe-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := bridge.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	// Graceful shutdown: readiness off, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	return g.Wait()
}
