package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/adapters/contract"
	"github.com/kirillkom/hybrid-retrieval/internal/bootstrap"
	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/logging"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/metrics"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/tracing"
)

const handlerTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.ServiceName + "-worker",
		Endpoint:    cfg.OTelEndpoint,
		Enabled:     cfg.OTelEnabled,
		SampleRatio: cfg.OTelTraceSampleRatio,
	})
	if err != nil {
		log.Fatalf("tracing init error: %v", err)
	}
	logger := logging.NewLogger(cfg.ServiceName+"-worker", cfg.LogLevel, cfg.OTelEnabled)
	slog.SetDefault(logger)

	workerMetrics := metrics.NewWorkerMetrics(cfg.ServiceName)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Logger:     logger,
		Registerer: workerMetrics.Registry(),
	})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()

	responder, err := nats.NewResponder(cfg.NATSURL, cfg.NATSSubject, cfg.NATSQueueGroup, nats.Options{
		HandlerTimeout:     handlerTimeout,
		ResilienceExecutor: app.Executor,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("nats_connect_failed", "error", err)
		os.Exit(1)
	}
	defer responder.Close()

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "queue_group", cfg.NATSQueueGroup)
	if err := responder.Serve(ctx, instrumentedHandler(cfg.ServiceName, app.Retriever, workerMetrics)); err != nil {
		logger.Error("worker_serve_failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker_metrics_shutdown_failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing_shutdown_failed", "error", err)
	}
}

func instrumentedHandler(service string, retriever ports.HybridRetriever, workerMetrics *metrics.WorkerMetrics) nats.Handler {
	return func(ctx context.Context, data []byte) ([]byte, error) {
		workerMetrics.StartRequest()
		start := time.Now()
		reply, err := contract.HandleMessage(ctx, retriever, data)
		workerMetrics.FinishRequest(service, requestMode(data), time.Since(start), err)
		return reply, err
	}
}

// requestMode labels undecodable payloads as single requests.
func requestMode(data []byte) string {
	var req contract.SearchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return contract.ModeSingle
	}
	return req.Mode()
}
