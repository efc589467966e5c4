package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/models"
)

// SubscriptionStore is the durable side of the registry
type SubscriptionStore interface {
	Load(ctx context.Context) (map[string]models.Subscription, error)
	Save(ctx context.Context, sub models.Subscription) error
}

// DigestRunner runs one digest for an app
type DigestRunner interface {
	Generate(ctx context.Context, appID string, limit int) (*models.DigestResult, error)
}

type registryEntry struct {
	sub    models.Subscription
	handle JobHandle
}

// TaskRegistry owns the mapping from app id to its subscription record and
// live job handle, and keeps both in step with the durable store.
//
// Mutations for one app id are serialized by a per-app command lock;
// different app ids proceed independently.
type TaskRegistry struct {
	store      SubscriptionStore
	trigger    Trigger
	runner     DigestRunner
	logger     *core.Logger
	runTimeout time.Duration

	mu       sync.RWMutex
	entries  map[string]*registryEntry
	cmdLocks *KeyedMutex

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewTaskRegistry creates an empty registry. Call LoadAll before serving.
func NewTaskRegistry(store SubscriptionStore, trigger Trigger, runner DigestRunner, logger *core.Logger, config *models.SchedulerConfig) *TaskRegistry {
	if config == nil {
		config = models.DefaultSchedulerConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskRegistry{
		store:      store,
		trigger:    trigger,
		runner:     runner,
		logger:     logger,
		runTimeout: config.RunTimeout,
		entries:    make(map[string]*registryEntry),
		cmdLocks:   NewKeyedMutex(),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// LoadAll rebuilds the registry from the durable store: every record gets a
// handle, and handles of scheduled records are started. Any unreadable store
// or invalid record is an error and startup should abort.
func (r *TaskRegistry) LoadAll(ctx context.Context) error {
	subs, err := r.store.Load(ctx)
	if err != nil {
		return core.NewPersistenceError("failed to load task store", err)
	}

	appIDs := make([]string, 0, len(subs))
	for appID := range subs {
		appIDs = append(appIDs, appID)
	}
	sort.Strings(appIDs)

	r.mu.Lock()
	defer r.mu.Unlock()

	started := 0
	for _, appID := range appIDs {
		sub := subs[appID]
		sub.AppID = appID
		if err := sub.Validate(); err != nil {
			return core.NewPersistenceError("invalid task store record", err)
		}

		handle, err := r.newHandle(sub)
		if err != nil {
			return err
		}
		if sub.Scheduled {
			if err := handle.Start(); err != nil {
				return core.NewInternalError(fmt.Sprintf("failed to start job for %s", appID), err)
			}
			started++
		}
		r.entries[appID] = &registryEntry{sub: sub, handle: handle}
	}

	r.logger.Info("Existing tasks loaded", "total", len(appIDs), "scheduled", started)
	return nil
}

// Apply runs a validated command as one unit: Ensure, Reconcile and Start
// for start, Stop for stop.
func (r *TaskRegistry) Apply(ctx context.Context, cmd models.Command) error {
	unlock, err := r.cmdLocks.Lock(ctx, cmd.AppID)
	if err != nil {
		return core.NewInternalError("command cancelled while waiting for lock", err)
	}
	defer unlock()

	switch cmd.Action {
	case models.ActionStart:
		sub := cmd.Subscription()
		if err := r.ensureLocked(sub); err != nil {
			return err
		}
		if err := r.reconcileLocked(sub); err != nil {
			return err
		}
		return r.startLocked(ctx, cmd.AppID)
	case models.ActionStop:
		return r.stopLocked(ctx, cmd.AppID)
	default:
		return core.NewValidationError("Invalid command", nil)
	}
}

// Ensure creates an unscheduled entry with a stopped handle for an unknown
// app id. Known app ids are left alone.
func (r *TaskRegistry) Ensure(ctx context.Context, sub models.Subscription) error {
	unlock, err := r.cmdLocks.Lock(ctx, sub.AppID)
	if err != nil {
		return err
	}
	defer unlock()
	return r.ensureLocked(sub)
}

// Reconcile replaces the handle of a known app id when its minute, hour or
// limit changed. The new handle is stopped.
func (r *TaskRegistry) Reconcile(ctx context.Context, sub models.Subscription) error {
	unlock, err := r.cmdLocks.Lock(ctx, sub.AppID)
	if err != nil {
		return err
	}
	defer unlock()
	return r.reconcileLocked(sub)
}

// Start starts the handle of a known app id and persists scheduled=true
func (r *TaskRegistry) Start(ctx context.Context, appID string) error {
	unlock, err := r.cmdLocks.Lock(ctx, appID)
	if err != nil {
		return err
	}
	defer unlock()
	return r.startLocked(ctx, appID)
}

// Stop stops the handle of appID and persists scheduled=false. Unknown app
// ids are a no-op.
func (r *TaskRegistry) Stop(ctx context.Context, appID string) error {
	unlock, err := r.cmdLocks.Lock(ctx, appID)
	if err != nil {
		return err
	}
	defer unlock()
	return r.stopLocked(ctx, appID)
}

func (r *TaskRegistry) ensureLocked(sub models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[sub.AppID]; ok {
		return nil
	}

	sub.Scheduled = false
	handle, err := r.newHandle(sub)
	if err != nil {
		return err
	}
	r.entries[sub.AppID] = &registryEntry{sub: sub, handle: handle}
	r.logger.Info("Registered subscription", "app_id", sub.AppID, "spec", handle.Spec(), "limit", sub.Limit)
	return nil
}

func (r *TaskRegistry) reconcileLocked(sub models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[sub.AppID]
	if !ok {
		return core.NewNotFoundError(fmt.Sprintf("no subscription for %s", sub.AppID), nil)
	}
	if entry.sub.SameTrigger(sub) && entry.handle != nil {
		return nil
	}

	handle, err := r.newHandle(sub)
	if err != nil {
		return err
	}
	if entry.handle != nil {
		entry.handle.Stop()
	}

	entry.handle = handle
	entry.sub.Minute = sub.Minute
	entry.sub.Hour = sub.Hour
	entry.sub.Limit = sub.Limit
	// the old handle is gone, so nothing is running any more
	entry.sub.Scheduled = false

	r.logger.Info("Rescheduled subscription", "app_id", sub.AppID, "spec", handle.Spec(), "limit", sub.Limit)
	return nil
}

func (r *TaskRegistry) startLocked(ctx context.Context, appID string) error {
	r.mu.Lock()
	entry, ok := r.entries[appID]
	if !ok {
		r.mu.Unlock()
		return core.NewNotFoundError(fmt.Sprintf("no subscription for %s", appID), nil)
	}
	if err := entry.handle.Start(); err != nil {
		r.mu.Unlock()
		return core.NewInternalError("failed to start job", err)
	}
	entry.sub.Scheduled = true
	snapshot := entry.sub
	r.mu.Unlock()

	r.logger.Info("Subscription started", "app_id", appID, "spec", snapshot.CronSpec())
	return r.persist(ctx, snapshot)
}

func (r *TaskRegistry) stopLocked(ctx context.Context, appID string) error {
	r.mu.Lock()
	entry, ok := r.entries[appID]
	if !ok {
		r.mu.Unlock()
		r.logger.Info("Stop for unknown subscription ignored", "app_id", appID)
		return nil
	}
	if entry.handle != nil {
		entry.handle.Stop()
	}
	entry.sub.Scheduled = false
	snapshot := entry.sub
	r.mu.Unlock()

	r.logger.Info("Subscription stopped", "app_id", appID)
	return r.persist(ctx, snapshot)
}

// persist writes one record. On failure the in-memory state stays as is and
// is written again by the next successful command for that app.
func (r *TaskRegistry) persist(ctx context.Context, sub models.Subscription) error {
	if err := r.store.Save(ctx, sub); err != nil {
		r.logger.Error("Failed to persist subscription", "app_id", sub.AppID, "error", err)
		return core.NewPersistenceError("failed to update task store", err)
	}
	return nil
}

func (r *TaskRegistry) newHandle(sub models.Subscription) (JobHandle, error) {
	handle, err := r.trigger.Create(sub.CronSpec(), r.job(sub.AppID, sub.Limit))
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("failed to create job for %s", sub.AppID), err)
	}
	return handle, nil
}

// job is the trigger callback for one handle. The limit is fixed for the
// handle's lifetime.
func (r *TaskRegistry) job(appID string, limit int) func() {
	return func() {
		ctx := r.baseCtx
		if r.runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.runTimeout)
			defer cancel()
		}

		r.logger.Info("Scheduled digest run", "app_id", appID, "limit", limit)
		if _, err := r.runner.Generate(ctx, appID, limit); err != nil {
			r.logger.Error("Scheduled digest run failed", "app_id", appID, "error", err)
		}
	}
}

// RunNow runs a digest for a known app id with its stored limit
func (r *TaskRegistry) RunNow(ctx context.Context, appID string) (*models.DigestResult, error) {
	view, ok := r.Get(appID)
	if !ok {
		return nil, core.NewNotFoundError(fmt.Sprintf("no subscription for %s", appID), nil)
	}
	return r.runner.Generate(ctx, appID, view.Limit)
}

// Get returns the current view of one subscription
func (r *TaskRegistry) Get(appID string) (models.SubscriptionView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[appID]
	if !ok {
		return models.SubscriptionView{}, false
	}
	return entry.view(), true
}

// List returns every subscription ordered by app id
func (r *TaskRegistry) List() []models.SubscriptionView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]models.SubscriptionView, 0, len(r.entries))
	for _, entry := range r.entries {
		views = append(views, entry.view())
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].AppID < views[j].AppID
	})
	return views
}

// Check reports the first app whose scheduled flag disagrees with its handle
func (r *TaskRegistry) Check() error {
	for _, v := range r.List() {
		if v.Scheduled != v.Running {
			return core.NewRegistryInconsistencyError(
				fmt.Sprintf("app %s: scheduled=%t but handle running=%t", v.AppID, v.Scheduled, v.Running), nil)
		}
	}
	return nil
}

// Shutdown stops every handle and waits for in-flight runs until ctx is
// done, after which remaining runs are cancelled.
func (r *TaskRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, entry := range r.entries {
		if entry.handle != nil {
			entry.handle.Stop()
		}
	}
	r.mu.Unlock()

	defer r.cancel()
	return r.trigger.Shutdown(ctx)
}

func (e *registryEntry) view() models.SubscriptionView {
	v := models.SubscriptionView{
		AppID:     e.sub.AppID,
		Minute:    e.sub.Minute,
		Hour:      e.sub.Hour,
		Limit:     e.sub.Limit,
		Scheduled: e.sub.Scheduled,
		Spec:      e.sub.CronSpec(),
	}
	if e.handle != nil {
		v.Running = e.handle.Running()
	}
	return v
}
