package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"content-sharing-platform/posts/internal/relay"
	"content-sharing-platform/posts/internal/repos"
	"content-sharing-platform/shared/config"
	"content-sharing-platform/shared/dbx"
	"content-sharing-platform/shared/httpx"
	"content-sharing-platform/shared/lockx"
	"content-sharing-platform/shared/logx"
	"content-sharing-platform/shared/metricsx"
	"content-sharing-platform/shared/mqx"
	"content-sharing-platform/shared/observability"
	"content-sharing-platform/shared/publisher"
)

const scanLockKey = "lock:outbox:scan"

func main() {
	cfg, problems := config.Load("posts-relay", 3012)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
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

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		fatal(logger, "db_init_failed", "db init failed", err)
	}
	defer dbPool.Close()

	gw, err := mqx.Open(context.Background(), cfg, logger)
	if err != nil {
		fatal(logger, "broker_connect_failed", "broker connection failed", err)
	}
	defer func() { _ = gw.Close() }()

	outbox := relay.New(repos.NewOutboxRepo(dbPool), publisher.New(gw, logger, "posts"), relay.Options{
		Owner:       cfg.ServiceName + "-" + uuid.NewString()[:8],
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
		Logger:      logger,
	})

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	lockClient := redis.NewClient(&redis.Options{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	})
	defer func() { _ = lockClient.Close() }()

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	enqueuer := asynq.NewClient(redisOpt)
	defer func() { _ = enqueuer.Close() }()

	scanInterval := time.Duration(cfg.OutboxScanSec) * time.Second
	mux := asynq.NewServeMux()
	mux.HandleFunc(relay.TaskScan, func(ctx context.Context, t *asynq.Task) error {
		// One scanner at a time across relay replicas.
		ran, err := lockx.Run(ctx, lockClient, scanLockKey, 2*scanInterval, func(ctx context.Context) error {
			rows, err := outbox.Claim(ctx)
			if err != nil {
				return err
			}
			for _, row := range rows {
				payload, _ := json.Marshal(relay.DispatchPayload{EventID: row.EventID.String()})
				task := asynq.NewTask(relay.TaskDispatch, payload, asynq.Queue(cfg.AsynqQueue))
				if _, err := enqueuer.EnqueueContext(ctx, task); err != nil {
					logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
						slog.String("error_code", "INTERNAL_ERROR"),
						slog.String("error", err.Error()),
						slog.String("event_id", row.EventID.String()),
					)
					_, _ = outbox.Fail(ctx, row, err)
				}
			}
			return nil
		})
		if err == nil && !ran {
			logger.Debug(ctx, "outbox_scan_skipped", "scan lock held by another relay")
		}
		return err
	})
	mux.HandleFunc(relay.TaskDispatch, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.dispatch")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()
		var payload relay.DispatchPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}
		eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
		if err != nil {
			return err
		}
		return outbox.Dispatch(ctx, eventID)
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer func() { _ = inspector.Close() }()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OutboxScanSec)+"s", asynq.NewTask(relay.TaskScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		fatal(logger, "scheduler_init_failed", "scheduler init failed", err)
	}
	if err := scheduler.Start(); err != nil {
		fatal(logger, "scheduler_start_failed", "scheduler start failed", err)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if info, err := inspector.GetQueueInfo(cfg.AsynqQueue); err == nil {
				metricsx.SetOutboxQueueDepth(cfg.AsynqQueue, info.Size)
			}
			if n, err := outbox.Pending(context.Background()); err == nil {
				metricsx.SetOutboxQueueDepth("outbox", n)
			}
		}
	}()

	probeMux := http.NewServeMux()
	httpx.RegisterProbes(probeMux, httpx.ProbeOptions{
		Service: cfg.ServiceName,
		Env:     cfg.Env,
		Version: version,
		Checks: map[string]httpx.Check{
			"database": func(ctx context.Context) error { return dbx.Ping(ctx, dbPool) },
			"broker":   gw.Ping,
			"asynq":    func(ctx context.Context) error { return lockClient.Ping(ctx).Err() },
		},
	})
	probeMux.Handle("GET /metrics", metricsx.Handler())
	probeServer := httpx.NewServer(cfg.HTTPPort, probeMux)
	go func() {
		if err := probeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "probe_server_failed", "probe server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "outbox relay started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("scan_interval_seconds", cfg.OutboxScanSec),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			fatal(logger, "worker_failed", "worker failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = probeServer.Shutdown(shutdownCtx)
	logger.Info(context.Background(), "worker_stop", "outbox relay stopped")
}

func fatal(logger logx.Logger, event string, msg string, err error) {
	logger.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
