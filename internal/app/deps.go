package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vidfriends/livesched/internal/config"
	"github.com/vidfriends/livesched/internal/db"
	"github.com/vidfriends/livesched/internal/handlers"
	"github.com/vidfriends/livesched/internal/jobs"
	"github.com/vidfriends/livesched/internal/metrics"
	"github.com/vidfriends/livesched/internal/middleware"
	"github.com/vidfriends/livesched/internal/notify"
	"github.com/vidfriends/livesched/internal/repositories"
	"github.com/vidfriends/livesched/internal/schedule"
	"github.com/vidfriends/livesched/internal/storage"
	"github.com/vidfriends/livesched/internal/tokens"
)

const (
	rateLimiterIdleTTL    = 10 * time.Minute
	mqttDisconnectQuiesce = 250
)

// components holds the wired collaborators of the service.
type components struct {
	handler   http.Handler
	service   *schedule.Service
	scheduler *jobs.Scheduler
	metrics   *metrics.Metrics
	cleanup   func(context.Context) error
}

// buildDependencies wires together the concrete implementations selected by cfg.
// The returned cleanup releases every opened connection.
func buildDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	var closers []func(context.Context) error
	cleanup := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*components, error) {
		_ = cleanup(context.Background())
		return nil, err
	}

	checks := make(map[string]handlers.HealthCheck)

	var store repositories.StreamRepository
	switch cfg.StoreKind {
	case config.StoreKindMemory:
		store = repositories.NewInMemoryStreamRepository()
	default:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		checks["database"] = pool.Ping
		store = repositories.NewPostgresStreamRepository(pool)
	}

	var tokenStore tokens.Store = tokens.NewInMemoryStore()
	if cfg.Redis.Addr != "" {
		client := tokens.NewRedisClient(tokens.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func(context.Context) error { return client.Close() })
		redisStore := tokens.NewRedisStore(client)
		checks["tokens"] = redisStore.Ping
		tokenStore = redisStore
	}

	var dispatcher notify.Dispatcher = notify.LogDispatcher{}
	if cfg.MQTT.Broker != "" {
		client, err := notify.ConnectMQTT(notify.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func(context.Context) error {
			client.Disconnect(mqttDisconnectQuiesce)
			return nil
		})
		dispatcher = notify.NewMQTTDispatcher(client, cfg.MQTT.TopicPrefix)
	}
	dispatcher = notify.NewRateLimited(dispatcher, cfg.MQTT.NotifyPerSecond, cfg.MQTT.NotifyBurst)

	var recordings storage.RecordingStore = storage.NoopRecordingStore{}
	if cfg.ObjectStore.Bucket != "" {
		s3Store, err := storage.NewS3RecordingStore(ctx, cfg.ObjectStore)
		if err != nil {
			return fail(fmt.Errorf("configure recording store: %w", err))
		}
		recordings = s3Store
	}

	m := metrics.New()
	service := schedule.NewService(store, tokens.NewIssuer(cfg.TokenTTL, tokenStore), schedule.Config{
		GraceWindow:          cfg.Schedule.GraceWindow,
		Lookahead:            cfg.Schedule.Lookahead,
		MaxFutureOccurrences: cfg.Schedule.MaxFutureOccurrences,
		RecordingRetention:   cfg.Schedule.RecordingRetention,
		ExternalTimeout:      cfg.Schedule.ExternalTimeout,
	}, schedule.WithObserver(m))

	routines := jobs.NewRoutines(store, service, dispatcher, recordings, jobs.Policy{
		ReminderLead:     cfg.Schedule.ReminderLead,
		OverrunThreshold: cfg.Schedule.OverrunThreshold,
		ExternalTimeout:  cfg.Schedule.ExternalTimeout,
		StatsConcurrency: cfg.Jobs.StatsConcurrency,
	})
	scheduler := jobs.NewScheduler(cfg.Jobs.RunTimeout, m, logger)
	for _, job := range routines.Jobs(cfg.Jobs) {
		if err := scheduler.Register(job); err != nil {
			return fail(err)
		}
	}

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, handlers.Dependencies{
		Streams: service,
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, rateLimiterIdleTTL),
		Metrics: m.Handler(),
		Health:  checks,
	})

	return &components{
		handler:   middleware.RequestLogger(logger)(m.Middleware(mux)),
		service:   service,
		scheduler: scheduler,
		metrics:   m,
		cleanup:   cleanup,
	}, nil
}
