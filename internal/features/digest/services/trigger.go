package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/megatera/review-feed/internal/core"
)

// JobHandle controls one recurring trigger. Handles are never re-pointed at
// a different expression; a new trigger time means a new handle.
type JobHandle interface {
	Start() error
	Stop()
	Running() bool
	Spec() string
}

// Trigger creates job handles from five-field cron expressions
type Trigger interface {
	Create(spec string, job func()) (JobHandle, error)
	// Shutdown stops firing and waits for running jobs until ctx is done
	Shutdown(ctx context.Context) error
}

// cronLogger routes robfig/cron logs through core.Logger
type cronLogger struct {
	logger *core.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// CronTrigger hands out job handles backed by a shared cron scheduler
type CronTrigger struct {
	cron   *cron.Cron
	logger *core.Logger
	once   sync.Once
}

// NewCronTrigger creates a trigger evaluating expressions in loc.
// The scheduler goroutine starts with the first Start of any handle.
func NewCronTrigger(loc *time.Location, logger *core.Logger) *CronTrigger {
	if loc == nil {
		loc = time.Local
	}
	return &CronTrigger{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger{logger: logger}),
		),
		logger: logger,
	}
}

// Create validates spec and returns a stopped handle for job.
// A handle never overlaps itself: a trigger firing while the previous run
// of the same handle is still going is skipped.
func (t *CronTrigger) Create(spec string, job func()) (JobHandle, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid trigger expression %q: %w", spec, err)
	}

	wrapped := cron.NewChain(
		cron.Recover(cronLogger{logger: t.logger}),
		cron.SkipIfStillRunning(cronLogger{logger: t.logger}),
	).Then(cron.FuncJob(job))

	return &cronHandle{
		trigger: t,
		spec:    spec,
		job:     wrapped,
	}, nil
}

// Next returns the next activation time of a running handle
func (t *CronTrigger) Next(h JobHandle) (time.Time, bool) {
	ch, ok := h.(*cronHandle)
	if !ok {
		return time.Time{}, false
	}
	ch.mu.Lock()
	id, running := ch.id, ch.running
	ch.mu.Unlock()
	if !running {
		return time.Time{}, false
	}
	return t.cron.Entry(id).Next, true
}

// Shutdown stops the scheduler and waits for running jobs until ctx is done
func (t *CronTrigger) Shutdown(ctx context.Context) error {
	done := t.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *CronTrigger) ensureStarted() {
	t.once.Do(t.cron.Start)
}

type cronHandle struct {
	trigger *CronTrigger
	spec    string
	job     cron.Job

	mu      sync.Mutex
	id      cron.EntryID
	running bool
}

func (h *cronHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	id, err := h.trigger.cron.AddJob(h.spec, h.job)
	if err != nil {
		return err
	}
	h.id = id
	h.running = true
	h.trigger.ensureStarted()
	return nil
}

// Stop removes the entry from the scheduler. A run already in progress
// finishes normally.
func (h *cronHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.trigger.cron.Remove(h.id)
	h.running = false
}

func (h *cronHandle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *cronHandle) Spec() string {
	return h.spec
}
