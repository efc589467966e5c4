package digest

import (
	"context"
	"fmt"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/handlers"
	"github.com/megatera/review-feed/internal/features/digest/services"
	"github.com/megatera/review-feed/internal/features/digest/store"
	"github.com/megatera/review-feed/internal/server/services/mailer"
)

// Feature represents the review digest feature
type Feature struct {
	*core.BaseFeature
	config     *Config
	generator  *services.GeneratorService
	trigger    *services.CronTrigger
	taskStore  store.TaskStore
	registry   *services.TaskRegistry
	controller *services.SubscriptionController
	handlers   *handlers.Handlers
}

// NewFeature creates a new digest feature. The task store is opened and
// existing subscriptions are scheduled by Init.
func NewFeature(logger *core.Logger, config *Config) *Feature {
	featureLogger := logger.ForFeature("digest")
	return &Feature{
		BaseFeature: core.NewBaseFeature("digest", "App Store review digests", config.Enabled, logger, config),
		config:      config,
		generator:   NewGenerator(featureLogger, config),
		trigger:     services.NewCronTrigger(config.Scheduler.Location, featureLogger),
	}
}

// NewGenerator wires a digest generator from config: feed fetcher, artifact
// store and, when configured, the e-mail notifier.
func NewGenerator(logger *core.Logger, config *Config) *services.GeneratorService {
	fetcher := services.NewFetcherService(logger, &config.Fetcher, services.NewContentRenderer())
	artifacts := store.NewArtifactStore(config.CacheDir, config.DigestDir)

	var notifier services.Notifier
	if config.MailEnabled() {
		m := mailer.New(config.SMTP2GOAPIKey, config.SMTP2GOSender, logger)
		notifier = mailer.NewDigestNotifier(m, config.DigestRecipient)
	}

	return services.NewGeneratorService(fetcher, artifacts, notifier, logger)
}

// Init opens the task store and schedules every persisted subscription.
// A store that cannot be read aborts startup.
func (f *Feature) Init(ctx context.Context) error {
	if err := f.BaseFeature.Init(ctx); err != nil {
		return err
	}

	if err := f.config.Validate(); err != nil {
		return core.NewConfigurationError("invalid digest configuration", err)
	}

	taskStore, err := store.Open(ctx, f.config.StoreDriver, f.config.StorePath(), f.Logger())
	if err != nil {
		return core.NewPersistenceError("failed to open task store", err)
	}
	f.taskStore = taskStore

	f.registry = services.NewTaskRegistry(taskStore, f.trigger, f.generator, f.Logger(), &f.config.Scheduler)
	if err := f.registry.LoadAll(ctx); err != nil {
		taskStore.Close()
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	f.controller = services.NewSubscriptionController(f.registry, f.Logger())
	f.handlers = handlers.NewHandlers(f.Logger(), f.registry, f.controller)

	f.Logger().Info("Digest feature initialized", "store", f.config.StoreDriver, "subscriptions", len(f.registry.List()))
	return nil
}

// Routes returns the HTTP routes for the digest feature. Only valid after Init.
func (f *Feature) Routes() []core.Route {
	if f.handlers == nil {
		return nil
	}
	return []core.Route{
		{Method: "POST", Path: "/subscription", Handler: f.handlers.Subscription, Protected: true},
		{Method: "GET", Path: "/subscriptions", Handler: f.handlers.ListSubscriptions},
		{Method: "GET", Path: "/subscriptions/{appId}", Handler: f.handlers.GetSubscription},
		{Method: "POST", Path: "/digest/{appId}", Handler: f.handlers.RunDigest, Protected: true},
	}
}

// Healthy reports a registry whose scheduled flags disagree with its handles
func (f *Feature) Healthy() error {
	if f.registry == nil {
		return nil
	}
	return f.registry.Check()
}

// Shutdown stops all job handles, waits for running digests and closes the store
func (f *Feature) Shutdown(ctx context.Context) error {
	f.Logger().Info("Shutting down digest feature")

	if f.registry != nil {
		if err := f.registry.Shutdown(ctx); err != nil {
			f.Logger().Error("Digest runs did not finish before shutdown deadline", "error", err)
		}
	}
	if f.taskStore != nil {
		if err := f.taskStore.Close(); err != nil {
			f.Logger().Error("Failed to close task store", "error", err)
		}
	}

	return f.BaseFeature.Shutdown(ctx)
}

// Registry returns the task registry; nil before Init
func (f *Feature) Registry() *services.TaskRegistry {
	return f.registry
}

// Generator returns the digest generator
func (f *Feature) Generator() *services.GeneratorService {
	return f.generator
}
