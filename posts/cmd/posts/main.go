package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"content-sharing-platform/posts/internal/repos"
	"content-sharing-platform/posts/internal/service"
	"content-sharing-platform/posts/migrations"
	"content-sharing-platform/shared/authx"
	"content-sharing-platform/shared/cachex"
	"content-sharing-platform/shared/config"
	"content-sharing-platform/shared/dbx"
	"content-sharing-platform/shared/httpx"
	"content-sharing-platform/shared/logx"
	"content-sharing-platform/shared/metricsx"
	"content-sharing-platform/shared/mqx"
	"content-sharing-platform/shared/observability"
	"content-sharing-platform/shared/publisher"
)

func main() {
	cfg, problems := config.Load("posts", 3002)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if !cfg.OutboxEnabled {
		problems = append(problems, cfg.RequireBroker()...)
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}
	metricsx.Register()

	if cfg.DBMigrate {
		if err := dbx.Migrate(cfg.DatabaseURL, migrations.FS, migrations.Table); err != nil {
			fatal(logger, "db_migrate_failed", "database migration failed", err)
		}
	}
	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		fatal(logger, "db_init_failed", "database init failed", err)
	}
	defer dbPool.Close()

	cacheClient, err := cachex.New(cfg)
	if err != nil {
		fatal(logger, "cache_init_failed", "cache init failed", err)
	}
	defer func() { _ = cacheClient.Close() }()

	var gw mqx.Gateway
	var pub service.EventPublisher
	if !cfg.OutboxEnabled {
		gw, err = mqx.Open(context.Background(), cfg, logger)
		if err != nil {
			fatal(logger, "broker_connect_failed", "broker connection failed", err)
		}
		pub = publisher.New(gw, logger, cfg.ServiceName)
	}

	verifier, err := authx.FromConfig(cfg)
	if err != nil {
		fatal(logger, "auth_init_failed", "auth verifier init failed", err)
	}

	postsRepo := repos.NewPostsRepo(dbPool, repos.NewOutboxRepo(dbPool))
	svc := service.New(postsRepo, cachex.NewCoordinator(cacheClient, logger), pub, service.Options{
		RecordTTL:     cfg.RecordTTL(),
		CollectionTTL: cfg.CollectionTTL(),
		Outbox:        cfg.OutboxEnabled,
		Logger:        logger,
	})

	checks := map[string]httpx.Check{
		"database": func(ctx context.Context) error { return dbx.Ping(ctx, dbPool) },
		"cache":    cacheClient.Ping,
	}
	if gw != nil {
		checks["broker"] = gw.Ping
	}
	mux := http.NewServeMux()
	httpx.RegisterProbes(mux, httpx.ProbeOptions{
		Service: cfg.ServiceName,
		Env:     cfg.Env,
		Version: version,
		Checks:  checks,
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	service.RegisterRoutes(mux, svc, logger)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := metricsx.Instrument(httpx.WrapServeMux(mux, notFound))
	handler = httpx.AuthMiddleware{
		Verifier:     verifier,
		TrustGateway: cfg.TrustGatewayIdentity,
		Skip:         httpx.SkipProbes,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.CORS{AllowedOrigins: cfg.CORSOrigins, MaxAge: 10 * time.Minute}.Wrap(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, cfg.ServiceName)

	server := httpx.NewServer(cfg.HTTPPort, handler)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("broker_kind", cfg.BrokerKind),
			slog.Bool("outbox_enabled", cfg.OutboxEnabled),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if gw != nil {
		_ = gw.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func fatal(logger logx.Logger, event string, msg string, err error) {
	logger.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
