package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/bridgesync/internal/activity"
	"github.com/macjediwizard/bridgesync/internal/bridge/factory"
	"github.com/macjediwizard/bridgesync/internal/config"
	"github.com/macjediwizard/bridgesync/internal/db"
	"github.com/macjediwizard/bridgesync/internal/metrics"
	"github.com/macjediwizard/bridgesync/internal/notify"
	"github.com/macjediwizard/bridgesync/internal/orchestrator"
	"github.com/macjediwizard/bridgesync/internal/queue"
	"github.com/macjediwizard/bridgesync/internal/reconcile"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg      *config.Config
	db       *db.DB
	registry *orchestrator.Registry
	metrics  *metrics.Metrics
	notifier *notify.Notifier
	tracker  *activity.Tracker
	orch     *orchestrator.Orchestrator
	rec      *reconcile.Reconciler
	queue    *queue.Processor
	owner    string
}

// newApp loads the configuration and wires the engine.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(ctx); err != nil {
		return nil, err
	}

	// Outbound calls go through the SSRF-guarded client
	client := cfg.Validator().HTTPClient()

	bridges, err := factory.Build(cfg.Bridges, factory.Options{
		HTTPClient: client,
		Timeout:    cfg.Outbound.Timeout,
		MaxRetries: cfg.Outbound.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build bridges: %w", err)
	}
	registry, err := orchestrator.NewRegistry(bridges...)
	if err != nil {
		return nil, err
	}

	notifyCfg := &notify.Config{
		WebhookURL:   cfg.Alerts.WebhookURL,
		SMTPHost:     cfg.Alerts.SMTPHost,
		SMTPPort:     cfg.Alerts.SMTPPort,
		SMTPUsername: cfg.Alerts.SMTPUsername,
		SMTPPassword: cfg.Alerts.SMTPPassword,
		SMTPFrom:     cfg.Alerts.SMTPFrom,
		SMTPTo:       cfg.Alerts.SMTPTo,
		SMTPTLS:      cfg.Alerts.SMTPTLS,
		Cooldown:     cfg.Alerts.Cooldown,
	}
	if err := notify.ValidateConfig(notifyCfg); err != nil {
		return nil, fmt.Errorf("invalid alert configuration: %w", err)
	}
	notifier := notify.New(notifyCfg, client)
	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (webhook: %v, email: %v, cooldown: %s)",
			cfg.Alerts.WebhookURL != "", cfg.Alerts.SMTPHost != "", cfg.Alerts.Cooldown)
	}

	database, err := db.New(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	owner := "bridgesync-" + uuid.New().String()
	m := metrics.New()
	tracker := activity.NewTracker()

	orch := orchestrator.New(database, registry, orchestrator.Options{
		Owner:            owner,
		MappingLease:     cfg.Sync.MappingLease,
		Workers:          cfg.Queue.Workers,
		MaxMappingErrors: cfg.Sync.MaxMappingErrors,
		Metrics:          m,
		Notifier:         notifier,
		Tracker:          tracker,
	})
	rec := reconcile.New(database, registry, reconcile.Options{
		Owner:        owner,
		MappingLease: cfg.Sync.MappingLease,
		Workers:      cfg.Queue.Workers,
		Window:       cfg.Sync.Window,
		Metrics:      m,
		Tracker:      tracker,
	})
	proc := queue.New(database, orch, rec, queue.Options{
		Workers:     cfg.Queue.Workers,
		BatchSize:   cfg.Queue.BatchSize,
		MaxAttempts: cfg.Queue.MaxAttempts,
		StaleGrace:  cfg.Queue.StaleGrace,
		Window:      cfg.Sync.Window,
		Metrics:     m,
		Notifier:    notifier,
		Tracker:     tracker,
	})

	log.Printf("Loaded %d bridges: %v", registry.Len(), registry.Names())

	return &app{
		cfg:      cfg,
		db:       database,
		registry: registry,
		metrics:  m,
		notifier: notifier,
		tracker:  tracker,
		orch:     orch,
		rec:      rec,
		queue:    proc,
		owner:    owner,
	}, nil
}

// Close waits for pending alerts and closes the database.
func (a *app) Close() {
	a.notifier.Wait()
	if err := a.db.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
}

// withJobLease runs fn while holding the named job lease, so a one-off run
// never overlaps the same scheduled job in a running server.
func (a *app) withJobLease(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	err := a.db.AcquireJobLease(ctx, name, a.owner, ttl)
	if errors.Is(err, db.ErrLeaseHeld) {
		return fmt.Errorf("job %s is running elsewhere: %w", name, err)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := a.db.ReleaseJobLease(context.WithoutCancel(ctx), name, a.owner); err != nil {
			log.Printf("Failed to release lease for %s: %v", name, err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return fn(ctx)
}
