package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/imescheduling/libs/auth"
	"github.com/md-rashed-zaman/imescheduling/libs/config"
	"github.com/md-rashed-zaman/imescheduling/libs/db"
	"github.com/md-rashed-zaman/imescheduling/libs/httpx"
	"github.com/md-rashed-zaman/imescheduling/libs/kafkax"
	otelx "github.com/md-rashed-zaman/imescheduling/libs/otel"
	"github.com/md-rashed-zaman/imescheduling/libs/runtime"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/handlers"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/holds"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/holdtimer"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/hybridtime"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/notify"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/storage"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/validation"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func loadLocation(name string, logger *slog.Logger) *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(name))
	if err != nil {
		logger.Warn("invalid DISPLAY_TIMEZONE; using UTC", "value", name, "err", err)
		return time.UTC
	}
	return loc
}

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8080")
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

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.PoolOptions{
		MaxConns: int32(config.PositiveInt("DB_MAX_CONNS", 10)),
		MinConns: int32(config.PositiveInt("DB_MIN_CONNS", 1)),
	})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if config.Bool("MIGRATE_ON_START", true) {
		applied, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
		if err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
		logger.Info("migrations applied", "count", applied)
	}

	rdb, err := db.OpenRedis(ctx, db.RedisOptions{
		Addr:     config.String("REDIS_ADDR", ""),
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       config.PositiveInt("REDIS_DB", 0),
	})
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	brokers := config.String("KAFKA_BROKERS", "")
	publisher := notify.New(logger, notify.KafkaConfig{
		Brokers:      brokers,
		WriteTimeout: config.Seconds("KAFKA_WRITE_TIMEOUT_SECONDS", 5*time.Second),
	})
	if closer, ok := publisher.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}

	loc := loadLocation(config.String("DISPLAY_TIMEZONE", "UTC"), logger)
	validate := validation.New()
	signer := auth.NewBookingLinkSigner(
		config.String("BOOKING_LINK_SECRET", "dev-booking-link-secret"),
		config.Seconds("BOOKING_LINK_TTL_SECONDS", 72*time.Hour),
	)

	// Holds need Redis. Without it claimants can still book but cannot hold.
	var (
		holdManager *holds.Manager
		holdLister  booking.HoldLister
	)
	if rdb != nil {
		defaults := holdtimer.DefaultThresholds()
		holdManager = holds.NewManager(ctx, holds.NewStore(rdb, config.String("HOLD_KEY_PREFIX", "hold")), publisher, logger, holds.ManagerConfig{
			TTL: config.Seconds("HOLD_TTL_SECONDS", 10*time.Minute),
			Thresholds: holdtimer.Thresholds{
				Warning:  config.Seconds("HOLD_WARNING_SECONDS", defaults.Warning),
				Critical: config.Seconds("HOLD_CRITICAL_SECONDS", defaults.Critical),
			},
		})
		holdLister = holdManager
	} else {
		logger.Warn("slot holds disabled (no REDIS_ADDR configured)")
	}

	repo := storage.NewSlotRepository(pool)
	svc := booking.NewService(repo, publisher, holdLister, logger, booking.Config{Location: loc})

	grpcStop, err := startGrpcServer(ctx, logger)
	if err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	slotHandler := handlers.NewSlotHandler(svc, validate, signer, logger, loc)
	timeHandler := handlers.NewTimeDisplayHandler(validate, loc, hybridtime.ParseFormat(config.String("TIME_FORMAT", "12h")))
	linkHandler := handlers.NewLinkHandler(signer, validate, logger)

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	}
	if rdb != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: db.RedisReadyCheck(rdb)})
	}
	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.HandleFunc("/api/v1/slots/available", slotHandler.Available)
	mux.HandleFunc("/api/v1/slots/book", slotHandler.Book)
	mux.HandleFunc("/api/v1/slots/reschedule", slotHandler.Reschedule)
	mux.HandleFunc("/api/v1/slots/cancel", slotHandler.Cancel)
	mux.HandleFunc("/api/v1/slots/publish", slotHandler.Publish)
	mux.HandleFunc("/api/v1/preferences", slotHandler.SubmitPreferences)
	mux.HandleFunc("/api/v1/preferences/confirm", slotHandler.ConfirmPreference)
	mux.HandleFunc("/api/v1/time/display", timeHandler.Display)
	mux.HandleFunc("/api/v1/booking-links", linkHandler.Issue)
	if holdManager != nil {
		holdHandler := handlers.NewHoldHandler(holdManager, validate, signer, logger)
		mux.HandleFunc("/api/v1/holds", holdHandler.Acquire)
		mux.HandleFunc("/api/v1/holds/release", holdHandler.Release)
		mux.HandleFunc("/api/v1/holds/status", holdHandler.Status)
	}

	limit := config.PositiveInt("RATE_LIMIT_PER_MINUTE", 120)
	var limiter httpx.Limiter = httpx.NewMemoryLimiter(limit, time.Minute)
	if rdb != nil {
		limiter = httpx.NewRedisLimiter(rdb, limit, time.Minute, "ratelimit:"+service)
	}
	rateLimit := httpx.RateLimit(limiter, httpx.RateLimitOptions{
		Key:      httpx.CredentialOrClientIP,
		Logger:   logger,
		FailOpen: config.Bool("RATE_LIMIT_FAIL_OPEN", true),
	})

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", httpx.RequestIDHeader},
			AllowCredentials: config.Bool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.OnlyPrefix(rateLimit, "/api/"),
		httpx.OnlyPrefix(httpx.WithBodyLimit(int64(config.PositiveInt("MAX_BODY_BYTES", 1<<20))), "/api/"),
		httpx.OnlyPrefix(httpx.WithTimeout(config.Seconds("REQUEST_TIMEOUT_SECONDS", 15*time.Second)), "/api/"),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
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
	if grpcStop != nil {
		grpcStop()
	}
	if holdManager != nil {
		holdManager.Shutdown()
	}
	logger.Info("http server stopped")
}
