// procorch-runner — исполняет run-запросы из RabbitMQ.
//
// Runner:
//   - Потребляет очередь runs.requested (запросы API и планировщика)
//   - Выполняет процессы в локальном Execution Engine
//   - Сохраняет отчёты в файлы, БД и S3-совместимое хранилище
//   - Публикует события запусков обратно в RabbitMQ
//   - Перечитывает документ процессов по SIGHUP
//
// Runner'ы масштабируются горизонтально: запрос с тем же execution_id
// не исполняется повторно, пока он активен.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/procorch/internal/config"
	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/mq"
	"github.com/shaiso/procorch/internal/orchestrator"
	"github.com/shaiso/procorch/internal/report"
	"github.com/shaiso/procorch/internal/repo"
	"github.com/shaiso/procorch/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting procorch-runner")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "procorch-runner")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	configPath := envOr("PROCORCH_CONFIG", "processes.yaml")
	defs, settings, err := loadDocument(configPath)
	if err != nil {
		logger.Error("failed to load process document", "path", configPath, "error", err)
		os.Exit(1)
	}
	logger.Info("process document loaded", "path", configPath, "processes", len(defs))

	// RabbitMQ обязателен: без него runner'у нечего исполнять
	mqConn, err := mq.Dial(ctx, mq.URLFromEnv(), logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}
	mqConn.OnReconnect(mq.SetupTopology)

	stores, closeStores := openStores(ctx, logger)
	defer closeStores()

	svc, err := orchestrator.Build(orchestrator.BuildConfig{
		Settings:    settings,
		Definitions: defs,
		Store:       stores,
		Notifier:    mq.NewPublisher(mqConn, logger),
		Metrics:     telemetry.NewMetrics(prometheus.DefaultRegisterer),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}
	defer svc.Stop()

	// SIGHUP — перечитать документ процессов
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				defs, _, err := loadDocument(configPath)
				if err == nil {
					err = svc.Reload(defs)
				}
				if err != nil {
					logger.Error("reload failed, keeping previous definitions", "error", err)
					continue
				}
				logger.Info("process document reloaded", "processes", len(defs))
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := svc.Listen(ctx, mqConn); err != nil {
			logger.Error("consumer error", "error", err)
			cancel()
		}
	}()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		health := mqConn.Health()
		w.Header().Set("Content-Type", "application/json")
		if !health.Connected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + envOr("RUNNER_PORT", "8082")
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}

func loadDocument(path string) ([]*domain.ProcessDefinition, domain.EngineSettings, error) {
	doc, err := config.Load(path)
	if err != nil {
		return nil, domain.EngineSettings{}, err
	}
	defs, err := doc.Normalized()
	if err != nil {
		return nil, domain.EngineSettings{}, err
	}
	settings, err := doc.EngineSettings()
	if err != nil {
		return nil, domain.EngineSettings{}, err
	}
	return defs, settings, nil
}

// openStores собирает приёмники отчётов: файлы всегда, остальные по окружению.
// Недоступный приёмник пропускается с предупреждением.
func openStores(ctx context.Context, logger *slog.Logger) (report.MultiStore, func()) {
	stores := report.MultiStore{report.NewFileStore(os.Getenv("REPORT_DIR"))}
	var closers []func()

	if cfg, ok := report.ObjectStoreConfigFromEnv(); ok {
		objects, err := report.NewObjectStore(ctx, cfg)
		if err != nil {
			logger.Warn("object store not available", "error", err)
		} else {
			stores = append(stores, objects)
			logger.Info("archiving reports to object store", "bucket", cfg.Bucket)
		}
	}

	switch {
	case os.Getenv("DB_URL") != "":
		pool, err := repo.NewPool(ctx)
		if err == nil {
			err = repo.EnsureSchema(ctx, pool)
			if err != nil {
				pool.Close()
			}
		}
		if err != nil {
			logger.Warn("database not available, reports are not recorded in db", "error", err)
			break
		}
		stores = append(stores, repo.NewReportRepo(pool))
		closers = append(closers, pool.Close)
		logger.Info("database connected")
	case os.Getenv("SQLITE_PATH") != "":
		db, err := repo.OpenSQLite(os.Getenv("SQLITE_PATH"))
		if err != nil {
			logger.Warn("sqlite not available", "error", err)
			break
		}
		stores = append(stores, db)
		closers = append(closers, func() { _ = db.Close() })
	}

	return stores, func() {
		for _, c := range closers {
			c()
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
