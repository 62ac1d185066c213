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

	"content-sharing-platform/media/internal/api"
	"content-sharing-platform/media/internal/repos"
	"content-sharing-platform/media/migrations"
	mediaprojection "content-sharing-platform/media/projection"
	"content-sharing-platform/shared/authx"
	"content-sharing-platform/shared/clients/blob"
	"content-sharing-platform/shared/config"
	"content-sharing-platform/shared/dbx"
	"content-sharing-platform/shared/events"
	"content-sharing-platform/shared/httpx"
	"content-sharing-platform/shared/influxx"
	"content-sharing-platform/shared/logx"
	"content-sharing-platform/shared/metricsx"
	"content-sharing-platform/shared/mqx"
	"content-sharing-platform/shared/observability"
	"content-sharing-platform/shared/projection"
)

func main() {
	cfg, problems := config.Load("media", 3003)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.BlobStoreURL == "" {
		problems = append(problems, config.Problem{Field: "BLOB_STORE_URL", Message: "BLOB_STORE_URL is required"})
	}
	problems = append(problems, cfg.RequireBroker()...)
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

	gw, err := mqx.Open(context.Background(), cfg, logger)
	if err != nil {
		fatal(logger, "broker_connect_failed", "broker connection failed", err)
	}

	var telemetry influxx.PointWriter
	if influxx.Enabled(cfg) {
		influx, err := influxx.New(cfg)
		if err != nil {
			fatal(logger, "influx_init_failed", "influx init failed", err)
		}
		defer influx.Close()
		telemetry = influx
	}

	blobs, err := blob.New(cfg)
	if err != nil {
		fatal(logger, "blob_init_failed", "blob client init failed", err)
	}

	mediaRepo := repos.NewMediaRepo(dbPool)
	consumers := projection.NewGroup(
		projection.New(gw, projection.FromConfig(cfg, projection.Options{
			Name:       "media.post.deleted",
			RoutingKey: events.RoutingPostDeleted,
			Apply:      mediaprojection.Apply(mediaRepo, blobs, logger),
			Logger:     logger,
			Telemetry:  telemetry,
		})),
	)
	consumeCtx, stopConsuming := context.WithCancel(context.Background())
	defer stopConsuming()
	if err := consumers.Start(consumeCtx); err != nil {
		fatal(logger, "consumer_start_failed", "consumer start failed", err)
	}

	verifier, err := authx.FromConfig(cfg)
	if err != nil {
		fatal(logger, "auth_init_failed", "auth verifier init failed", err)
	}

	mux := http.NewServeMux()
	httpx.RegisterProbes(mux, httpx.ProbeOptions{
		Service: cfg.ServiceName,
		Env:     cfg.Env,
		Version: version,
		Checks: map[string]httpx.Check{
			"database":  func(ctx context.Context) error { return dbx.Ping(ctx, dbPool) },
			"broker":    gw.Ping,
			"consumers": consumers.Ready,
		},
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	api.RegisterRoutes(mux, mediaRepo, logger)

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
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case name := <-consumers.Exited():
		logger.Error(context.Background(), "consumer_exited", "consumer stopped unexpectedly",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("consumer", name),
		)
		exitCode = 1
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			exitCode = 1
		}
	}

	// Consumers finish their in-flight delivery before the broker goes away.
	consumers.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	_ = gw.Close()
	logger.Info(context.Background(), "service_stop", "service stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func fatal(logger logx.Logger, event string, msg string, err error) {
	logger.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
