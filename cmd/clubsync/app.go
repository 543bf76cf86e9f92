package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/thedreamerscave/clubsync/internal/config"
	"github.com/thedreamerscave/clubsync/internal/httpapi"
	"github.com/thedreamerscave/clubsync/internal/syncengine"
)

// app holds the wired engine. Commands build only as much of it as they use,
// so workers and the scheduler are started by serve alone.
type app struct {
	cfg          config.Config
	logger       *logrus.Logger
	registry     *prometheus.Registry
	metrics      *syncengine.Metrics
	store        syncengine.Store
	entities     syncengine.EntityStore
	log          *syncengine.IntegrationLog
	orchestrator *syncengine.Orchestrator
	planner      *syncengine.NotificationPlanner
	processor    *syncengine.NotificationProcessor
	webhooks     *syncengine.WebhookIngestor
	redis        *redis.Client

	closers []func() error
}

type appOptions struct {
	// Workers starts the orchestrator's queue consumers.
	Workers bool
}

func buildApp(ctx context.Context, cfg config.Config, logger *logrus.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	a.metrics = syncengine.NewMetrics(a.registry)

	store, err := syncengine.BuildStoreFromDSN(cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	if err := pingWithRetry(ctx, "store", store.Ping, logger); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.buildEntities(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.log = syncengine.NewIntegrationLog(store, logger)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		a.closers = append(a.closers, a.redis.Close)
	}

	adapters, err := a.buildAdapters(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	queue, err := syncengine.BuildIntentQueueFromDSN(cfg.QueueDSN, cfg.QueueSize)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize intent queue: %w", err)
	}

	a.orchestrator, err = syncengine.NewOrchestrator(syncengine.OrchestratorOptions{
		Store:    store,
		Entities: a.entities,
		Adapters: adapters,
		Queue:    queue,
		Log:      a.log,
		Logger:   logger,
		Metrics:  a.metrics,
		Retry: syncengine.RetryPolicy{
			MaxAttempts: cfg.SyncMaxAttempts,
			Base:        cfg.SyncRetryBase,
			Cap:         cfg.SyncRetryCap,
		},
		Workers:           cfg.Workers,
		TargetConcurrency: cfg.TargetConcurrency,
		ClaimLease:        cfg.ClaimLease,
		CallTimeout:       cfg.CallTimeout,
		DisableWorkers:    !opts.Workers,
	})
	if err != nil {
		_ = queue.Close()
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		a.orchestrator.Close()
		return nil
	})

	a.planner, err = syncengine.NewNotificationPlanner(syncengine.NotificationPlannerOptions{
		Store:        store,
		Entities:     a.entities,
		Logger:       logger,
		ClubName:     cfg.ClubName,
		BaseURL:      cfg.BaseURL,
		ReminderLead: cfg.ReminderLead,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	mailer, err := a.buildMailer()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.processor, err = syncengine.NewNotificationProcessor(syncengine.NotificationProcessorOptions{
		Store:   store,
		Mailer:  mailer,
		Logger:  logger,
		Metrics: a.metrics,
		Retry: syncengine.RetryPolicy{
			MaxAttempts: cfg.NotifyMaxAttempts,
			Base:        cfg.NotifyRetryBase,
			Cap:         cfg.NotifyRetryCap,
		},
		BatchSize:  cfg.NotifyBatchSize,
		ClaimLease: cfg.ClaimLease,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var providers []syncengine.WebhookProvider
	if secret := strings.TrimSpace(cfg.PatreonWebhookSecret); secret != "" {
		providers = append(providers, syncengine.WebhookProvider{
			Name:      "patreon",
			Secret:    secret,
			Algorithm: syncengine.SignatureAlgorithm(strings.ToLower(cfg.WebhookSignatureHash)),
		})
	}
	a.webhooks, err = syncengine.NewWebhookIngestor(syncengine.WebhookIngestorOptions{
		Store:     store,
		Entities:  a.entities,
		Log:       a.log,
		Planner:   a.planner,
		Logger:    logger,
		Metrics:   a.metrics,
		Providers: providers,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildEntities(ctx context.Context) error {
	if dsn := strings.TrimSpace(a.cfg.MySQLDSN); dsn != "" {
		entities, err := syncengine.NewMySQLEntityStore(dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, entities.Close)
		if err := pingWithRetry(ctx, "entity database", entities.Ping, a.logger); err != nil {
			return err
		}
		a.entities = entities
		return nil
	}
	a.logger.Warn("no MySQL DSN configured, using an in-memory entity store")
	a.entities = syncengine.NewMemoryEntityStore()
	return nil
}

func (a *app) buildCredentials() (syncengine.CredentialStore, error) {
	if path := strings.TrimSpace(a.cfg.CredentialsFile); path != "" {
		store, err := syncengine.NewFileCredentialStore(path, a.logger)
		if err != nil {
			return nil, err
		}
		if err := store.Watch(); err != nil {
			_ = store.Close()
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
	creds := map[syncengine.SyncTarget]syncengine.Credentials{}
	if token := strings.TrimSpace(a.cfg.FacebookPageToken); token != "" {
		creds[syncengine.TargetSocialPage] = syncengine.Credentials{Token: token}
		creds[syncengine.TargetSocialGroup] = syncengine.Credentials{Token: token}
	}
	if token := strings.TrimSpace(a.cfg.PatreonCreatorToken); token != "" {
		creds[syncengine.TargetSubscriptionProvider] = syncengine.Credentials{Token: token}
	}
	return syncengine.NewStaticCredentialStore(creds), nil
}

// buildAdapters configures a target only when its identifiers are present.
func (a *app) buildAdapters(ctx context.Context) ([]syncengine.TargetAdapter, error) {
	cfg := a.cfg
	var adapters []syncengine.TargetAdapter

	if cfg.InternalCalendarID != "" || cfg.PublicCalendarID != "" {
		client, err := syncengine.NewGoogleCalendarClient(ctx, syncengine.GoogleCalendarOptions{
			CredentialsFile:   cfg.GoogleCredentialsFile,
			Endpoint:          cfg.GoogleCalendarEndpoint,
			RequestsPerSecond: cfg.TargetRequestsPerSecond,
		})
		if err != nil {
			return nil, err
		}
		if cfg.InternalCalendarID != "" {
			adapters = append(adapters, syncengine.NewCalendarAdapter(syncengine.TargetCalendarInternal, cfg.InternalCalendarID, client))
		}
		if cfg.PublicCalendarID != "" {
			adapters = append(adapters, syncengine.NewCalendarAdapter(syncengine.TargetCalendarPublic, cfg.PublicCalendarID, client))
		}
	}

	creds, err := a.buildCredentials()
	if err != nil {
		return nil, err
	}
	feeds := []struct {
		target syncengine.SyncTarget
		feedID string
	}{
		{syncengine.TargetSocialPage, cfg.FacebookPageID},
		{syncengine.TargetSocialGroup, cfg.FacebookGroupID},
	}
	for _, feed := range feeds {
		if strings.TrimSpace(feed.feedID) == "" {
			continue
		}
		adapters = append(adapters, syncengine.NewSocialPostAdapter(feed.target, syncengine.SocialPostOptions{
			BaseURL:           cfg.FacebookGraphURL,
			FeedID:            feed.feedID,
			Credentials:       syncengine.NewTargetClient(feed.target, creds, a.metrics),
			RequestsPerSecond: cfg.TargetRequestsPerSecond,
		}))
	}
	if strings.TrimSpace(cfg.PatreonCampaignID) != "" {
		adapters = append(adapters, syncengine.NewSubscriptionAdapter(syncengine.SubscriptionOptions{
			BaseURL:           cfg.PatreonAPIURL,
			CampaignID:        cfg.PatreonCampaignID,
			Credentials:       syncengine.NewTargetClient(syncengine.TargetSubscriptionProvider, creds, a.metrics),
			RequestsPerSecond: cfg.TargetRequestsPerSecond,
		}))
	}

	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, string(adapter.Target()))
	}
	a.logger.WithField("targets", strings.Join(names, ",")).Info("configured sync targets")
	return adapters, nil
}

func (a *app) buildMailer() (syncengine.Mailer, error) {
	if strings.TrimSpace(a.cfg.SMTPHost) == "" {
		a.logger.Warn("no SMTP relay configured, notifications are logged only")
		return syncengine.LogMailer{Logger: a.logger}, nil
	}
	return syncengine.NewSMTPMailer(syncengine.SMTPOptions{
		Host:     a.cfg.SMTPHost,
		Port:     a.cfg.SMTPPort,
		Username: a.cfg.SMTPUsername,
		Password: a.cfg.SMTPPassword,
		From:     a.cfg.SMTPFrom,
		TLS:      a.cfg.SMTPTLS,
	})
}

func (a *app) scheduler() (*syncengine.Scheduler, error) {
	var locker syncengine.Locker
	if a.redis != nil {
		locker = syncengine.NewRedisLocker(a.redis)
	}
	scheduler := syncengine.NewScheduler(syncengine.SchedulerOptions{Logger: a.logger, Locker: locker})
	specs := syncengine.JobSpecs{
		NotificationDrain: a.cfg.CronNotificationDrain,
		StaleRelease:      a.cfg.CronStaleRelease,
		RecoverDue:        a.cfg.CronRecoverDue,
		Digest:            a.cfg.CronDigest,
		HealthCheck:       a.cfg.CronHealthCheck,
	}
	for _, job := range syncengine.EngineJobs(specs, a.orchestrator, a.processor, a.planner) {
		if err := scheduler.Add(job); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}

func (a *app) handler() http.Handler {
	return httpapi.NewServer(httpapi.Services{
		Sync:          a.orchestrator,
		Webhooks:      a.webhooks,
		Notifications: a.processor,
		Log:           a.log,
		Store:         a.store,
		Metrics:       promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	}, httpapi.ServerConfig{
		JWTSecret:          a.cfg.JWTSecret,
		InternalHMACSecret: a.cfg.InternalHMACSecret,
		InternalMaxSkew:    a.cfg.InternalMaxSkew,
		RateLimitMax:       a.cfg.RateLimitMax,
		RateLimitWindow:    a.cfg.RateLimitWindow,
		MaxBodyBytes:       a.cfg.MaxBodyBytes,
		Logger:             a.logger,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("failed to close resource")
		}
	}
	a.closers = nil
}

// pingWithRetry gives a backing service a few seconds to come up, which
// matters when the engine starts next to its database.
func pingWithRetry(ctx context.Context, name string, ping func(context.Context) error, logger logrus.FieldLogger) error {
	err := retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return ping(pingCtx)
		},
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && !errors.Is(err, context.Canceled)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.WithError(err).WithFields(logrus.Fields{"service": name, "attempt": n + 1}).Warn("backing service not reachable yet")
		}),
	)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", name, err)
	}
	return nil
}
