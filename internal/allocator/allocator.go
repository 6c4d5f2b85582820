// Package allocator matches ready tasks to idle workers. It runs on a fixed
// tick, nudged early by task mail, and performs every assignment through the
// store's single-transaction TOCTOU guard: a pairing decided from a stale
// read simply fails its conditional check and is retried next tick.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/mail"
	"github.com/zjrosen/maestro/internal/store"
	"github.com/zjrosen/maestro/internal/supervisor"
)

// DefaultInterval is the allocator tick period.
const DefaultInterval = 2 * time.Second

// Allocator is the periodic matching loop.
type Allocator struct {
	store      *store.Store
	bus        *mail.Bus
	supervisor supervisor.Supervisor
	interval   time.Duration

	// sentinelCommand is the shell command for a worker window; %d-style
	// formatting receives the worker id.
	sentinelCommand string
	projectDir      string
}

// Config holds allocator construction parameters.
type Config struct {
	Store      *store.Store
	Bus        *mail.Bus
	Supervisor supervisor.Supervisor
	Interval   time.Duration // defaults to DefaultInterval

	// SentinelCommand is a format string producing the worker sentinel
	// command from the worker id, e.g. "maestro-sentinel --worker %d".
	SentinelCommand string
	// ProjectDir is the working directory for spawned windows when a
	// worker has no worktree recorded.
	ProjectDir string
}

// New creates an Allocator.
func New(cfg Config) *Allocator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Allocator{
		store:           cfg.Store,
		bus:             cfg.Bus,
		supervisor:      cfg.Supervisor,
		interval:        interval,
		sentinelCommand: cfg.SentinelCommand,
		projectDir:      cfg.ProjectDir,
	}
}

// Run ticks until ctx is cancelled. Mail events for the allocator recipient
// trigger an early tick so freshly created or completed tasks do not wait a
// full interval.
func (a *Allocator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if broker := a.store.Broker(); broker != nil {
		ch := make(chan struct{}, 1)
		sub := broker.Subscribe(ctx)
		go func() {
			for ev := range sub {
				if ev.Payload.Kind == events.KindMailSent && ev.Payload.Recipient == mail.RecipientAllocator {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}
		}()
		wake = ch
	}

	log.Info(log.CatAlloc, "allocator started", "interval", a.interval)
	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatAlloc, "allocator stopped")
			return
		case <-ticker.C:
		case <-wake:
		}
		if err := a.Tick(); err != nil {
			log.ErrorErr(log.CatAlloc, "allocator tick failed", err)
		}
	}
}

// Tick runs one allocation pass: promote, match, assign, spawn, hint.
func (a *Allocator) Tick() error {
	// Drain our own nudge mail; its only content is "wake up".
	if _, err := a.bus.Check(mail.RecipientAllocator); err != nil {
		return fmt.Errorf("drain allocator mail: %w", err)
	}

	if _, err := a.store.CheckAndPromoteTasks(); err != nil {
		return fmt.Errorf("promote tasks: %w", err)
	}

	ready, err := a.store.ReadyTasks()
	if err != nil {
		return fmt.Errorf("ready tasks: %w", err)
	}
	if len(ready) == 0 {
		return nil
	}

	idle, err := a.store.ListIdleWorkers()
	if err != nil {
		return fmt.Errorf("idle workers: %w", err)
	}

	assigned := 0
	for _, m := range Match(ready, idle) {
		task, err := a.store.AssignTask(m.Task.ID, m.Worker.ID, "")
		if store.IsConflict(err) || errors.Is(err, store.ErrTaskNotFound) || errors.Is(err, store.ErrWorkerNotFound) {
			// Lost the race to a direct assign-task; next tick re-pairs.
			log.Debug(log.CatAlloc, "assignment skipped", "task", m.Task.ID, "worker", m.Worker.ID, "reason", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("assign task %d: %w", m.Task.ID, err)
		}
		a.notifyAndSpawn(task, m.Worker)
		assigned++
	}

	// Ready work left unplaced means the fleet is absent or saturated;
	// hint the architect either way.
	if leftover := len(ready) - assigned; leftover > 0 {
		idleLeft := len(idle) - assigned
		if idleLeft < 0 {
			idleLeft = 0
		}
		return a.bus.Send(mail.RecipientArchitect, mail.TypeTasksAvailable,
			mail.TasksAvailable{ReadyTasks: leftover, IdleWorkers: idleLeft})
	}
	return nil
}

// notifyAndSpawn mails the task snapshot to the worker and starts its
// sentinel window when none is alive. Supervisor failures are logged and
// retried on the next tick.
func (a *Allocator) notifyAndSpawn(task *store.Task, worker *store.Worker) {
	err := a.bus.Send(mail.WorkerRecipient(worker.ID), mail.TypeTaskAssigned, mail.TaskAssigned{
		TaskID:      task.ID,
		RequestID:   task.RequestID,
		Subject:     task.Subject,
		Description: task.Description,
		Domain:      task.Domain,
		Files:       task.Files,
		Priority:    string(task.Priority),
		Branch:      task.Branch,
	})
	if err != nil {
		log.ErrorErr(log.CatAlloc, "task_assigned mail failed", err, "worker", worker.ID)
	}

	_ = a.store.LogActivity("allocator", "task_assigned",
		map[string]any{"task_id": task.ID, "worker_id": worker.ID})

	if a.supervisor == nil {
		return
	}
	window := worker.Window
	if window == "" {
		window = mail.WorkerRecipient(worker.ID)
	}
	alive, err := a.supervisor.IsAlive(window)
	if err != nil {
		log.Warn(log.CatAlloc, "window liveness check failed", "worker", worker.ID, "error", err)
		return
	}
	if alive {
		return
	}

	cwd := worker.Worktree
	if cwd == "" {
		cwd = a.projectDir
	}
	command := fmt.Sprintf(a.sentinelCommand, worker.ID)
	if err := a.supervisor.CreateWindow(window, command, cwd); err != nil {
		log.Warn(log.CatAlloc, "sentinel spawn failed", "worker", worker.ID, "error", err)
		return
	}
	if err := a.store.MarkWorkerLaunched(worker.ID); err != nil {
		log.ErrorErr(log.CatAlloc, "mark launched failed", err, "worker", worker.ID)
	}
}
