package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"dtesync/internal/authority"
	cmetrics "dtesync/internal/contingency/metrics"
	cservice "dtesync/internal/contingency/service"
	cstore "dtesync/internal/contingency/store"
	"dtesync/internal/coordinator"
	"dtesync/internal/dte/models"
	"dtesync/internal/dte/schema"
	"dtesync/internal/events"
	"dtesync/internal/events/kafkasink"
	"dtesync/internal/events/wsstream"
	"dtesync/internal/invoice"
	"dtesync/internal/platform/config"
	"dtesync/internal/platform/httpserver"
	"dtesync/internal/platform/kafka"
	"dtesync/internal/platform/kvstore"
	"dtesync/internal/platform/logger"
	"dtesync/internal/platform/metrics"
	"dtesync/internal/platform/redis"
	tmetrics "dtesync/internal/tracking/metrics"
	tservice "dtesync/internal/tracking/service"
	tstore "dtesync/internal/tracking/store"
	httptransport "dtesync/internal/transport/http"
	"dtesync/pkg/platform/scheduler"
)

const startupTimeout = 30 * time.Second

// main wires the delivery pipeline and runs the operator API until a
// termination signal arrives.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := metrics.New()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	kv, err := kvstore.Open(startCtx, cfg.Store.DSN,
		kvstore.WithTable(cfg.Store.Table),
		kvstore.WithKeyNamespace(cfg.Store.KeyNamespace),
		kvstore.WithRedisDialer(redis.Dialer(cfg.Redis)),
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Error("close store", "error", err)
		}
	}()

	client, err := authority.New(authority.Config{
		BaseURL:       cfg.Authority.BaseURL,
		User:          cfg.Authority.User,
		Password:      cfg.Authority.Password,
		Timeout:       cfg.Authority.Timeout,
		HealthTimeout: cfg.Authority.HealthTimeout,
		TokenSkew:     cfg.Authority.TokenSkew,
	}, authority.WithLogger(log))
	if err != nil {
		return fmt.Errorf("authority client: %w", err)
	}

	bus := events.NewBus(log)

	invoices, err := invoice.New(kv, invoice.WithLogger(log))
	if err != nil {
		return err
	}
	bus.Subscribe(invoices)

	hub := wsstream.NewHub(wsstream.WithOriginPatterns(cfg.Server.WSOrigins...), wsstream.WithLogger(log))
	bus.Subscribe(hub)

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(startCtx, kafka.Config{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			ClientID:    cfg.Kafka.ClientID,
			EnsureTopic: cfg.Kafka.EnsureTopic,
		}, log)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := producer.Flush(flushCtx); err != nil {
				log.Error("flush kafka producer", "error", err)
			}
			_ = producer.Close()
		}()
		bus.Subscribe(kafkasink.New(producer, log, kafkasink.WithPublishedHook(func(eventType string) {
			reg.IncEventPublished("kafka", eventType)
		})))
	}

	outbox, err := cstore.New(kv)
	if err != nil {
		return err
	}
	queue, err := cservice.New(client, outbox, cservice.Config{
		SweepInterval:    cfg.Contingency.SweepInterval,
		MaxAttempts:      cfg.Contingency.MaxAttempts,
		RetentionWindow:  cfg.Contingency.RetentionWindow,
		RequestTimeout:   cfg.Contingency.RequestTimeout,
		BackoffBase:      cfg.Contingency.BackoffBase,
		BackoffMax:       cfg.Contingency.BackoffMax,
		FailureThreshold: cfg.Contingency.FailureThreshold,
		SuccessThreshold: cfg.Contingency.SuccessThreshold,
	}, cservice.WithLogger(log), cservice.WithMetrics(cmetrics.New(reg)))
	if err != nil {
		return err
	}

	bookkeeping, err := tstore.New(kv)
	if err != nil {
		return err
	}
	tracker, err := tservice.New(client, bookkeeping, bus,
		tservice.WithLogger(log),
		tservice.WithMetrics(tmetrics.New(reg)),
		tservice.WithDefaults(models.TrackingOptions{
			PollingInterval: cfg.Tracking.PollingInterval,
			MaxRetries:      cfg.Tracking.MaxRetries,
			Timeout:         cfg.Tracking.Timeout,
			RequestTimeout:  cfg.Tracking.RequestTimeout,
		}),
	)
	if err != nil {
		return err
	}

	validator, err := schema.New()
	if err != nil {
		return err
	}
	coord, err := coordinator.New(client, queue, tracker, invoices,
		coordinator.WithLogger(log),
		coordinator.WithValidator(validator),
		coordinator.WithBaseContext(ctx),
	)
	if err != nil {
		return err
	}

	if n, err := coord.Recover(startCtx); err != nil {
		log.WarnContext(ctx, "tracking recovery incomplete", "recovered", n, "error", err)
	}
	if cfg.Contingency.AutoStart {
		queue.StartAutoSubmission(ctx)
	} else if stats, err := queue.Stats(startCtx); err == nil && stats.Pending > 0 {
		queue.StartAutoSubmission(ctx)
	}

	cleanup := scheduler.New("contingency-cleanup", cfg.Contingency.CleanupInterval, func(ctx context.Context) {
		if _, err := queue.CleanupOldRequests(ctx); err != nil {
			log.ErrorContext(ctx, "contingency cleanup failed", "error", err)
		}
	})
	cleanup.Start(ctx)

	handler, err := httptransport.New(coord, invoices, queue, tracker,
		httptransport.WithLogger(log),
		httptransport.WithHealthChecker(client),
		httptransport.WithEventStream(hub),
		httptransport.WithMetricsHandler(reg.Handler()),
		httptransport.WithAdminToken(cfg.Server.AdminToken),
		httptransport.WithBaseContext(ctx),
	)
	if err != nil {
		return err
	}
	srv := httpserver.New(cfg.Server.Addr, httptransport.NewRouter(handler))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, cfg.Server.ShutdownTimeout, log)
	})
	g.Go(func() error {
		<-gctx.Done()
		cleanup.Stop()
		queue.StopAutoSubmission()
		queue.WaitAutoSubmission()
		cleanup.Wait()
		n := tracker.StopAllTracking()
		log.Info("background work stopped", "tracking_paused", n)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
