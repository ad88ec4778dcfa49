// procorch-scheduler — запускает процессы по cron-расписанию.
//
// Планировщик публикует run-запросы в RabbitMQ, исполняют их runner'ы.
// Несколько экземпляров безопасны: тики выполняет только лидер,
// удерживающий advisory lock в Postgres.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/procorch/internal/config"
	"github.com/shaiso/procorch/internal/mq"
	"github.com/shaiso/procorch/internal/repo"
	"github.com/shaiso/procorch/internal/scheduler"
	"github.com/shaiso/procorch/internal/telemetry"
)

const (
	schedLockKey int64 = 424242
	tickInterval       = 5 * time.Second
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting procorch-scheduler")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// RabbitMQ
	mqConn, err := mq.Dial(ctx, mq.URLFromEnv(), logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}
	mqConn.OnReconnect(mq.SetupTopology)
	logger.Info("RabbitMQ connected")

	s := scheduler.New(scheduler.Config{
		States:      repo.NewScheduleRepo(pool),
		Catalog:     scheduler.Definitions(defs),
		Dispatcher:  mq.NewPublisher(mqConn, logger),
		Environment: envOr("PROCORCH_ENV", "production"),
		Logger:      logger,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// scheduler loop
	go func() {
		// advisory lock принадлежит сессии: держим отдельное соединение
		lockConn, err := pool.Acquire(ctx)
		if err != nil {
			logger.Error("failed to acquire lock connection", "error", err)
			cancel()
			return
		}
		defer lockConn.Release()

		tk := time.NewTicker(tickInterval)
		defer tk.Stop()

		var hasLock bool
		defer func() {
			if hasLock {
				_, _ = lockConn.Exec(context.Background(), "select pg_advisory_unlock($1)", schedLockKey)
			}
		}()

		for {
			select {
			case <-tk.C:
				// пытаемся стать лидером
				if !hasLock {
					var ok bool
					if err := lockConn.QueryRow(ctx, "select pg_try_advisory_lock($1)", schedLockKey).Scan(&ok); err != nil {
						logger.Warn("advisory lock failed", "error", err)
						continue
					}
					if ok {
						logger.Info("acquired scheduler leadership")
					}
					hasLock = ok
				}

				if !hasLock {
					continue
				}

				if err := s.Tick(ctx); err != nil {
					logger.Error("scheduler tick failed", "error", err)
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	addr := ":" + envOr("SCHED_PORT", "8081")
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

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
