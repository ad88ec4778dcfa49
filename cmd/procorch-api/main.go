// procorch-api — HTTP-поверхность запуска процессов.
//
// API:
//   - Загружает документ процессов (PROCORCH_CONFIG)
//   - Запускает процессы в собственном Execution Engine
//   - Хранит отчёты в Postgres (DB_URL) или SQLite (SQLITE_PATH)
//   - Публикует события запусков в RabbitMQ, если брокер доступен
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/procorch/internal/api"
	"github.com/shaiso/procorch/internal/config"
	"github.com/shaiso/procorch/internal/mq"
	"github.com/shaiso/procorch/internal/orchestrator"
	"github.com/shaiso/procorch/internal/report"
	"github.com/shaiso/procorch/internal/repo"
	"github.com/shaiso/procorch/internal/telemetry"
)

var (
	startTime = time.Now()
	reqTotal  = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procorch_api_healthz_requests_total",
		Help: "Total health check requests handled by procorch-api",
	})
)

// reportRepo — хранилище, которое умеет и сохранять, и отдавать отчёты.
type reportRepo interface {
	report.Store
	api.ReportStore
}

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting procorch-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "procorch-api")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	// Документ процессов
	configPath := envOr("PROCORCH_CONFIG", "processes.yaml")
	doc, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load process document", "path", configPath, "error", err)
		os.Exit(1)
	}
	defs, err := doc.Normalized()
	if err != nil {
		logger.Error("invalid process document", "path", configPath, "error", err)
		os.Exit(1)
	}
	settings, err := doc.EngineSettings()
	if err != nil {
		logger.Error("invalid engine settings", "error", err)
		os.Exit(1)
	}
	logger.Info("process document loaded", "path", configPath, "processes", len(defs))

	// Хранилище отчётов
	reports, closeReports, err := openReportRepo(ctx, logger)
	if err != nil {
		logger.Error("failed to open report store", "error", err)
		os.Exit(1)
	}
	defer closeReports()

	// RabbitMQ (опционально)
	var notifier report.Notifier
	mqConn, err := mq.NewConnection(mq.URLFromEnv(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, events will not be published", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		mqConn.OnReconnect(mq.SetupTopology)
		notifier = mq.NewPublisher(mqConn, logger)
	}

	svc, err := orchestrator.Build(orchestrator.BuildConfig{
		Settings:    settings,
		Definitions: defs,
		Store:       report.MultiStore{report.NewFileStore(os.Getenv("REPORT_DIR")), reports},
		Notifier:    notifier,
		Metrics:     telemetry.NewMetrics(prometheus.DefaultRegisterer),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}
	defer svc.Stop()

	handler := api.NewHandler(api.Config{
		Orchestrator: svc,
		Reports:      reports,
		Logger:       logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		reqTotal.Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler.RegisterRoutes(mux)

	addr := ":" + envOr("API_PORT", "8080")
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}

// openReportRepo выбирает Postgres, если задан DB_URL, иначе локальный SQLite.
func openReportRepo(ctx context.Context, logger *slog.Logger) (reportRepo, func(), error) {
	if os.Getenv("DB_URL") != "" {
		pool, err := repo.NewPool(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("connected to database")
		return repo.NewReportRepo(pool), pool.Close, nil
	}

	db, err := repo.OpenSQLite(os.Getenv("SQLITE_PATH"))
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using sqlite report store")
	return db, func() { _ = db.Close() }, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
