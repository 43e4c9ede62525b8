package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"qms/walkin-queue/internal/config"
	"qms/walkin-queue/internal/httpapi"
	"qms/walkin-queue/internal/hub"
	"qms/walkin-queue/internal/metrics"
	"qms/walkin-queue/internal/models"
	"qms/walkin-queue/internal/notify"
	"qms/walkin-queue/internal/queue"
	"qms/walkin-queue/internal/store"
	"qms/walkin-queue/internal/store/memstore"
	"qms/walkin-queue/internal/store/postgres"
	"qms/walkin-queue/internal/telemetry"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func serveCommand(ctx context.Context, cfg config.Config, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue HTTP and realtime server",
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "walkin-queue",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Logger:      logger,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	st, sessions, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	h := hub.New(hub.Options{BufferSize: cfg.SubscriberBuffer, Logger: logger, Metrics: m})
	go h.Run(ctx)

	var sinks []notify.Sink
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		relay := notify.NewRedisRelay(client, cfg.RedisChannel, logger)
		sinks = append(sinks, relay)
		go func() {
			if err := relay.Run(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis relay stopped", zap.Error(err))
			}
		}()
	} else {
		sinks = append(sinks, notify.LocalSink(h))
	}

	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := kafkaSink.Close(); err != nil {
				logger.Warn("kafka writer close failed", zap.Error(err))
			}
		}()
		sinks = append(sinks, kafkaSink)
	}

	provider, err := notify.NewProvider(notify.ProviderConfig{
		Kind:         cfg.CustomerNotifier,
		WebhookURL:   cfg.CustomerWebhookURL,
		WebhookToken: cfg.CustomerWebhookKey,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	dispatcherOptions := notify.DispatcherOptions{
		QueueSize:   cfg.NotifyQueueSize,
		SinkTimeout: cfg.NotifySinkTimeout,
		Logger:      logger,
		Metrics:     m,
	}
	// Customer messages get their own delivery loop.
	dispatchers := []*notify.Dispatcher{
		notify.NewDispatcher(dispatcherOptions, sinks...),
		notify.NewDispatcher(dispatcherOptions, notify.NewCustomerNotifier(st, provider)),
	}
	var publisher notify.Fanout
	var dispatched sync.WaitGroup
	for _, dispatcher := range dispatchers {
		publisher = append(publisher, dispatcher)
		dispatched.Add(1)
		go func(d *notify.Dispatcher) {
			defer dispatched.Done()
			d.Run(ctx)
		}(dispatcher)
	}

	svc, err := queue.NewService(st, queue.Options{
		StoreTimeout:  cfg.StoreTimeout,
		ReadAttempts:  cfg.ReadAttempts,
		SequenceReset: cfg.SequenceReset,
		Location:      cfg.Location(),
		Publisher:     publisher,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(svc, httpapi.Options{
		Sessions: sessions,
		Health:   st,
		Hub:      h,
		RateLimit: httpapi.RateLimitConfig{
			IPPerMinute:      cfg.RateLimitPerMinute,
			IPBurst:          cfg.RateLimitBurst,
			SessionPerMinute: cfg.SessionRateLimitPerMinute,
			SessionBurst:     cfg.SessionRateLimitBurst,
		},
		Logger:   logger,
		Metrics:  m,
		Gatherer: registry,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Routes(), "walkin-queue"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("walkin-queue listening", zap.String("addr", server.Addr), zap.String("store", cfg.StoreKind))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	dispatched.Wait()
	return nil
}

// openStore returns the queue store and, for postgres, the session store
// guarding the API. The in-memory store runs without authentication.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.QueueStore, store.SessionStore, func(), error) {
	if cfg.StoreKind == "memory" {
		st := memstore.New()
		st.AddService(models.Service{
			ServiceID:         uuid.NewString(),
			Name:              "General",
			Type:              models.ServiceTypeGeneral,
			EstimatedDuration: 10,
			Active:            true,
		})
		logger.Warn("using in-memory store; queue state is lost on restart and the API is unauthenticated")
		return st, nil, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(ctx, pool, "up"); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	st := postgres.NewStore(pool)
	return st, st, pool.Close, nil
}
