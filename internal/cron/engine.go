package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/bus"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("cron job not found")

// Engine schedules and executes jobs. One timer is armed to the minimum
// next-run over all enabled jobs; every mutation re-arms it. Job
// mutations and executions are serialized, so handlers never observe a
// job in two states at once.
type Engine struct {
	store  *Store
	bus    *bus.Bus
	logger *slog.Logger

	onSystemEvent   SystemEventFunc
	onIsolatedAgent IsolatedAgentFunc
	now             func() time.Time

	mu      sync.Mutex
	jobs    map[string]*Job
	running bool

	rearm chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the clock, used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSystemEventHandler sets the system_event payload handler.
func WithSystemEventHandler(fn SystemEventFunc) Option {
	return func(e *Engine) { e.onSystemEvent = fn }
}

// WithIsolatedAgentRunner sets the agent_turn payload handler.
func WithIsolatedAgentRunner(fn IsolatedAgentFunc) Option {
	return func(e *Engine) { e.onIsolatedAgent = fn }
}

// NewEngine creates an engine over the given store. b may be nil.
func NewEngine(store *Store, b *bus.Bus, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		bus:    b,
		logger: slog.Default().With("component", "cron"),
		now:    time.Now,
		jobs:   make(map[string]*Job),
		rearm:  make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start reloads persisted jobs, recomputes schedules, and launches the
// timer loop. Jobs that were missed while the process was down stay due
// and fire once immediately, regardless of how many runs were missed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	jobs, err := e.store.LoadJobs()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("load cron jobs: %w", err)
	}
	now := e.now()
	for _, job := range jobs {
		if job == nil || job.ID == "" {
			continue
		}
		e.restoreSchedule(job, now)
		e.jobs[job.ID] = job
	}
	e.running = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	if err := e.store.SaveJobs(snapshot); err != nil {
		return fmt.Errorf("persist cron jobs: %w", err)
	}

	go e.loop()
	e.publish(ctx, EventServiceStarted, map[string]any{"jobs": len(snapshot)})
	e.logger.Info("cron engine started", "jobs", len(snapshot))
	return nil
}

// restoreSchedule recomputes next_run after a restart. A persisted
// next_run in the past is kept as-is, which makes the job due now: the
// single makeup run.
func (e *Engine) restoreSchedule(job *Job, now time.Time) {
	if !job.Enabled {
		return
	}
	if !job.NextRun.IsZero() && !job.NextRun.After(now) {
		return
	}
	next, ok, err := job.Schedule.Next(now, job.LastRun)
	if err != nil || !ok {
		job.NextRun = time.Time{}
		job.Enabled = false
		if err != nil {
			job.LastError = err.Error()
		}
		return
	}
	job.NextRun = next
}

// Running reports whether the timer loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stop halts the timer loop and persists final state.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	stop, done := e.stop, e.done
	e.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.publish(ctx, EventServiceStopped, nil)
	e.logger.Info("cron engine stopped")
	return nil
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		wait, ok := e.nextWake()
		var timer *time.Timer
		var fire <-chan time.Time
		if ok {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-e.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.rearm:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			e.runDue(context.Background())
		}
	}
}

// nextWake returns the duration until the earliest enabled next_run.
func (e *Engine) nextWake() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var earliest time.Time
	for _, job := range e.jobs {
		if !job.Enabled || job.NextRun.IsZero() {
			continue
		}
		if earliest.IsZero() || job.NextRun.Before(earliest) {
			earliest = job.NextRun
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := earliest.Sub(e.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// kick re-arms the timer after a mutation.
func (e *Engine) kick() {
	select {
	case e.rearm <- struct{}{}:
	default:
	}
}

// runDue executes every job whose next_run has passed, in schedule
// order with a stable id tie-break.
func (e *Engine) runDue(ctx context.Context) {
	now := e.now()

	e.mu.Lock()
	var due []*Job
	for _, job := range e.jobs {
		if job.Enabled && !job.NextRun.IsZero() && !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRun.Equal(due[j].NextRun) {
			return due[i].NextRun.Before(due[j].NextRun)
		}
		return due[i].ID < due[j].ID
	})
	e.mu.Unlock()

	for _, job := range due {
		e.runJob(ctx, job.ID)
	}
}

// runJob executes one job by id and advances its schedule.
func (e *Engine) runJob(ctx context.Context, id string) {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	snapshot := job.clone()
	e.mu.Unlock()

	start := e.now()
	e.publish(ctx, EventJobStarted, map[string]any{"job_id": id, "name": snapshot.Name})

	rec := e.execute(ctx, snapshot)
	finished := e.now()
	rec.StartedAt = start
	rec.DurationMs = finished.Sub(start).Milliseconds()

	e.mu.Lock()
	job, ok = e.jobs[id]
	if !ok {
		// Removed while running; still log the run.
		e.mu.Unlock()
		if err := e.store.AppendRun(rec); err != nil {
			e.logger.Error("append run log", "job_id", id, "error", err)
		}
		return
	}
	job.LastRun = start
	job.LastStatus = rec.Status
	job.LastDuration = time.Duration(rec.DurationMs) * time.Millisecond
	job.LastError = rec.Error

	removed := false
	next, ok2, err := job.Schedule.Next(finished, job.LastRun)
	switch {
	case err != nil:
		job.LastError = err.Error()
		job.NextRun = time.Time{}
		job.Enabled = false
	case !ok2:
		job.NextRun = time.Time{}
		if job.DeleteAfterRun {
			delete(e.jobs, id)
			removed = true
		} else {
			job.Enabled = false
		}
	default:
		job.NextRun = next
	}
	persist := e.snapshotLocked()
	e.mu.Unlock()

	if err := e.store.SaveJobs(persist); err != nil {
		e.logger.Error("persist cron jobs", "error", err)
	}
	if err := e.store.AppendRun(rec); err != nil {
		e.logger.Error("append run log", "job_id", id, "error", err)
	}

	data := map[string]any{
		"job_id":     id,
		"status":     string(rec.Status),
		"durationMs": rec.DurationMs,
	}
	if rec.Error != "" {
		data["error"] = rec.Error
	}
	e.publish(ctx, EventJobFinished, data)
	if removed {
		e.publish(ctx, EventJobRemoved, map[string]any{"job_id": id, "reason": "delete_after_run"})
	}
	e.kick()
}

// execute dispatches one payload and reports the run outcome.
func (e *Engine) execute(ctx context.Context, job *Job) RunRecord {
	rec := RunRecord{JobID: job.ID, Status: RunSucceeded}

	switch job.Payload.Kind {
	case PayloadSystemEvent:
		if e.onSystemEvent == nil {
			rec.Status = RunFailed
			rec.Error = "system event handler not configured"
			break
		}
		if err := e.onSystemEvent(ctx, job.Payload.Text, job.AgentID); err != nil {
			rec.Status = RunFailed
			rec.Error = err.Error()
		}
	case PayloadAgentTurn:
		if e.onIsolatedAgent == nil {
			rec.Status = RunFailed
			rec.Error = "isolated agent runner not configured"
			break
		}
		res, err := e.onIsolatedAgent(ctx, job.clone())
		if err != nil {
			rec.Status = RunFailed
			rec.Error = err.Error()
			break
		}
		if res != nil {
			rec.Summary = res.Summary
			rec.SessionKey = res.SessionKey
			if !res.Success {
				rec.Status = RunFailed
				if rec.Error == "" {
					rec.Error = "agent turn reported failure"
				}
			}
		}
	default:
		rec.Status = RunFailed
		rec.Error = fmt.Sprintf("unknown payload kind %q", job.Payload.Kind)
	}

	if rec.Status == RunFailed {
		e.logger.Warn("cron job failed", "job_id", job.ID, "error", rec.Error)
	}
	return rec
}

// Add validates and registers a new job, persists the set, and re-arms
// the timer.
func (e *Engine) Add(ctx context.Context, job Job) (*Job, error) {
	if err := job.Schedule.Validate(); err != nil {
		return nil, err
	}
	if job.Payload.Kind == "" {
		return nil, errors.New("job payload kind is required")
	}
	now := e.now()
	if job.ID == "" {
		job.ID = "job_" + uuid.NewString()
	}
	if strings.TrimSpace(job.Name) == "" {
		job.Name = job.ID
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Schedule.Kind == KindEvery && job.Schedule.Anchor.IsZero() {
		job.Schedule.Anchor = now
	}

	next, ok, err := job.Schedule.Next(now, time.Time{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("schedule has no future run")
	}
	job.NextRun = next

	e.mu.Lock()
	if _, exists := e.jobs[job.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("cron job %s already exists", job.ID)
	}
	stored := job.clone()
	e.jobs[job.ID] = stored
	persist := e.snapshotLocked()
	e.mu.Unlock()

	if err := e.store.SaveJobs(persist); err != nil {
		return nil, fmt.Errorf("persist cron jobs: %w", err)
	}
	e.publish(ctx, EventJobAdded, map[string]any{
		"job_id": job.ID, "name": job.Name, "next_run": job.NextRun,
	})
	e.kick()
	return stored.clone(), nil
}

// Update applies mutate to a job under the engine lock, revalidates the
// schedule, recomputes next_run, and persists.
func (e *Engine) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return nil, ErrJobNotFound
	}
	updated := job.clone()
	if err := mutate(updated); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	updated.ID = id // id is immutable
	if err := updated.Schedule.Validate(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	now := e.now()
	updated.UpdatedAt = now
	if updated.Enabled {
		next, ok2, err := updated.Schedule.Next(now, updated.LastRun)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		if !ok2 {
			e.mu.Unlock()
			return nil, errors.New("schedule has no future run")
		}
		updated.NextRun = next
	} else {
		updated.NextRun = time.Time{}
	}
	e.jobs[id] = updated
	persist := e.snapshotLocked()
	e.mu.Unlock()

	if err := e.store.SaveJobs(persist); err != nil {
		return nil, fmt.Errorf("persist cron jobs: %w", err)
	}
	e.publish(ctx, EventJobUpdated, map[string]any{"job_id": id, "next_run": updated.NextRun})
	e.kick()
	return updated.clone(), nil
}

// Remove deletes a job and its run history.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.jobs[id]; !ok {
		e.mu.Unlock()
		return ErrJobNotFound
	}
	delete(e.jobs, id)
	persist := e.snapshotLocked()
	e.mu.Unlock()

	if err := e.store.SaveJobs(persist); err != nil {
		return fmt.Errorf("persist cron jobs: %w", err)
	}
	if err := e.store.RemoveRunLog(id); err != nil {
		e.logger.Warn("remove run log", "job_id", id, "error", err)
	}
	e.publish(ctx, EventJobRemoved, map[string]any{"job_id": id})
	e.kick()
	return nil
}

// Get returns a copy of one job.
func (e *Engine) Get(id string) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// List returns all jobs sorted by id.
func (e *Engine) List() []*Job {
	e.mu.Lock()
	out := e.snapshotLocked()
	e.mu.Unlock()
	return out
}

// RunNow executes a job immediately, outside its schedule.
func (e *Engine) RunNow(ctx context.Context, id string) error {
	e.mu.Lock()
	_, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	e.runJob(ctx, id)
	return nil
}

// Runs returns the most recent run records for a job.
func (e *Engine) Runs(jobID string, limit int) ([]RunRecord, error) {
	return e.store.ReadRuns(jobID, limit)
}

// snapshotLocked clones all jobs sorted by id. Caller holds mu.
func (e *Engine) snapshotLocked() []*Job {
	out := make([]*Job, 0, len(e.jobs))
	for _, job := range e.jobs {
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) publish(ctx context.Context, eventType string, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, bus.Event{Type: eventType, Timestamp: e.now(), Data: data})
}
