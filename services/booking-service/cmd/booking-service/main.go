package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/bookingengine/libs/auth"
	"github.com/md-rashed-zaman/bookingengine/libs/config"
	"github.com/md-rashed-zaman/bookingengine/libs/httpx"
	"github.com/md-rashed-zaman/bookingengine/libs/kafkax"
	otelx "github.com/md-rashed-zaman/bookingengine/libs/otel"
	"github.com/md-rashed-zaman/bookingengine/libs/runtime"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/cache"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/expiry"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/heatmap"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/payments"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}
	metrics.Register()

	backend, err := openBackend(ctx, logger)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		panic(err)
	}
	defer backend.Close()

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: backend.ready},
		{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	}

	var slotCache cache.SlotCache = cache.Noop{}
	var rdb *redis.Client
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		defer func() { _ = rdb.Close() }()
		if ttl := config.Duration("SLOT_CACHE_TTL_SECONDS", 60, time.Second); ttl > 0 {
			slotCache = cache.NewRedis(rdb, ttl, "slots", logger)
		}
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	var gateway payments.Gateway = payments.Noop{}
	if key := strings.TrimSpace(config.String("STRIPE_SECRET_KEY", "")); key != "" {
		stripeGateway, err := payments.NewStripe(key)
		if err != nil {
			panic(err)
		}
		gateway = stripeGateway
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; payment calls are no-ops")
	}

	for _, run := range backend.workers {
		go run(ctx)
	}

	def := booking.DefaultConfig()
	svc := booking.NewService(booking.Deps{
		Catalog:  backend.catalog,
		Ledger:   backend.ledger,
		Cache:    slotCache,
		Payments: gateway,
		Logger:   logger,
	}, booking.Config{
		ReservationTTL: config.Duration("RESERVATION_TTL_MINUTES", int(def.ReservationTTL/time.Minute), time.Minute),
		RetryAttempts:  uint(config.Int("BOOKING_RETRY_ATTEMPTS", int(def.RetryAttempts))),
		RetryInitial:   config.Duration("BOOKING_RETRY_INITIAL_MS", int(def.RetryInitial/time.Millisecond), time.Millisecond),
		Heatmap: heatmap.Thresholds{
			Green:  config.Float("HEATMAP_GREEN_PCT", def.Heatmap.Green),
			Yellow: config.Float("HEATMAP_YELLOW_PCT", def.Heatmap.Yellow),
		},
		MaxParallelDays: config.Int("MAX_PARALLEL_DAYS", def.MaxParallelDays),
	})

	worker := expiry.NewWorker(svc, logger, expiry.WorkerConfig{
		Interval:  config.Duration("EXPIRY_INTERVAL_SECONDS", 30, time.Second),
		BatchSize: config.Int("EXPIRY_BATCH_SIZE", 100),
	})
	go worker.Run(ctx)

	var jwks *auth.JWKSClient
	if url := strings.TrimSpace(config.String("JWKS_URL", "")); url != "" {
		jwks = auth.NewJWKSClient(url, config.Duration("JWKS_CACHE_TTL_SECONDS", 300, time.Second))
	}
	authn := handlers.NewAuthenticator(auth.NewVerifier(config.String("JWT_SECRET", ""), jwks), config.Bool("AUTH_REQUIRED", true))

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.Handle("GET /metrics", metrics.Handler())
	handlers.New(svc, logger, handlers.Config{
		StripeWebhookSecret:    config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookTolerance: config.Duration("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300, time.Second),
	}).Register(mux, authn.Middleware)

	if err := startGrpcServer(ctx, logger); err != nil {
		logger.Error("grpc server init failed", "err", err)
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods: config.List("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
			AllowedHeaders: config.List("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id,Idempotency-Key"),
			MaxAge:         10 * time.Minute,
		}),
		rateLimit(rdb, logger),
		httpx.WithBodyLimit(int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT_SECONDS", 15, time.Second)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "storage", backend.driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// rateLimit uses the shared Redis window when Redis is configured and per-process token buckets
// otherwise.
func rateLimit(rdb *redis.Client, logger *slog.Logger) httpx.Middleware {
	perMinute := config.Int("RATE_LIMIT_PER_MINUTE", 600)
	if perMinute <= 0 {
		return nil
	}
	if rdb != nil {
		return httpx.NewRedisRateLimiter(rdb, perMinute, time.Minute, "booking:rl").
			Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
	}
	return httpx.NewRateLimiter(perMinute, time.Minute).Middleware()
}
