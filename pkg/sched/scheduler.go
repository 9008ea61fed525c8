// Package sched runs tasks under per-signature mutual exclusion.
//
// Tasks sharing a signature run one at a time in submission order. A task keeps
// its signature until its body calls the release function it was handed, which
// may happen long after the body returned (typically from the completion of a
// remote call). Tasks with different signatures run concurrently, bounded by the
// worker pool and, per level, by the level's capacity of active signatures.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Release hands a task's signature to the next queued task. Only the first call has an effect.
type Release func()

// Task is a unit of work serialized on Signature.
type Task struct {
	// Signature is the mutual exclusion domain, generally a host id.
	Signature string
	// Level is the capacity tier of the task; see Config.LevelCapacity.
	Level int
	// Name is used in logs.
	Name string
	// Run is invoked once the task holds its signature. It must call release
	// exactly once, possibly after returning.
	Run func(release Release)
}

// Config sizes the scheduler.
type Config struct {
	// Workers bounds how many task bodies execute at the same instant.
	Workers int
	// LevelCapacity bounds, per level, how many distinct signatures may hold a
	// task of that level at once. Levels without an entry are unbounded.
	LevelCapacity map[int]int
}

// Stats is a snapshot of the scheduler state.
type Stats struct {
	Queued  int
	Active  int
	Handled uint64
}

type entry struct {
	id   string
	task Task
	enq  time.Time
}

type queue struct {
	pending []*entry
	running bool
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	workers *semaphore.Weighted
	levels  map[int]*semaphore.Weighted

	mu      sync.Mutex
	queues  map[string]*queue
	closed  bool
	handled uint64
	idle    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	metrics *metrics
	logger  *slog.Logger
}

// New creates a running scheduler. reg may be nil.
func New(cfg Config, reg prometheus.Registerer) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 64
	}
	levels := make(map[int]*semaphore.Weighted, len(cfg.LevelCapacity))
	for level, capacity := range cfg.LevelCapacity {
		if capacity > 0 {
			levels[level] = semaphore.NewWeighted(int64(capacity))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		workers: semaphore.NewWeighted(int64(workers)),
		levels:  levels,
		queues:  make(map[string]*queue),
		ctx:     ctx,
		cancel:  cancel,
		metrics: newMetrics(reg),
		logger:  slog.Default(),
	}
	s.logger.Info("scheduler_started", "workers", workers, "bounded_levels", len(levels))
	return s
}

// Submit enqueues t. It fails once the scheduler is shut down; no task is ever dropped silently.
func (s *Scheduler) Submit(t Task) error {
	if t.Run == nil {
		return errors.New(errors.KindInternal, "task %q has no body", t.Name)
	}
	if t.Signature == "" {
		return errors.New(errors.KindInternal, "task %q has no signature", t.Name)
	}

	e := &entry{id: uuid.NewString(), task: t, enq: time.Now()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &errors.Error{
			Kind:    errors.KindInternal,
			Code:    errors.CodeSchedulerClosed,
			Message: fmt.Sprintf("scheduler is shut down, task %q on %s rejected", t.Name, t.Signature),
		}
	}
	q, ok := s.queues[t.Signature]
	if !ok {
		q = &queue{}
		s.queues[t.Signature] = q
	}
	q.pending = append(q.pending, e)
	depth := len(q.pending)
	start := !q.running
	if start {
		q.running = true
	}
	s.mu.Unlock()

	s.metrics.submitted(t.Level)
	s.logger.Debug("task_submitted", "signature", t.Signature, "task", t.Name, "task_id", e.id, "queue_depth", depth)

	if start {
		go s.drain(t.Signature)
	}
	return nil
}

// drain starts the head task of signature. The queue is marked running by the caller.
func (s *Scheduler) drain(signature string) {
	s.mu.Lock()
	q := s.queues[signature]
	e := q.pending[0]
	q.pending = q.pending[1:]
	s.mu.Unlock()

	level := s.levels[e.task.Level]
	if level != nil {
		if err := level.Acquire(s.ctx, 1); err != nil {
			// Only a forced shutdown cancels s.ctx; run the task anyway so it is not lost.
			s.logger.Warn("task_level_slot_unavailable", "signature", signature, "task", e.task.Name, "error", err)
			level = nil
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if level != nil {
				level.Release(1)
			}
			s.logger.Debug("task_released", "signature", signature, "task", e.task.Name, "task_id", e.id)
			s.next(signature)
		})
	}

	s.run(e, release)
}

// run executes the task body on a worker slot. The slot is held only while the body runs.
func (s *Scheduler) run(e *entry, release Release) {
	if err := s.workers.Acquire(s.ctx, 1); err == nil {
		defer s.workers.Release(1)
	}

	s.metrics.waited(time.Since(e.enq))
	s.logger.Debug("task_started", "signature", e.task.Signature, "task", e.task.Name, "task_id", e.id)

	defer func() {
		if r := recover(); r != nil {
			// A panicking body can no longer release its signature itself.
			s.logger.Error("task_panicked", "signature", e.task.Signature, "task", e.task.Name, "panic", r)
			release()
		}
	}()
	e.task.Run(release)
}

// next starts the following task of signature or retires the queue.
func (s *Scheduler) next(signature string) {
	s.mu.Lock()
	s.handled++
	q := s.queues[signature]
	if len(q.pending) == 0 {
		delete(s.queues, signature)
		if len(s.queues) == 0 && s.idle != nil {
			close(s.idle)
			s.idle = nil
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	go s.drain(signature)
}

// Stats reports queued and active signatures.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Handled: s.handled}
	for _, q := range s.queues {
		st.Queued += len(q.pending)
		if q.running {
			st.Active++
		}
	}
	s.metrics.depth(st.Queued)
	return st
}

// Shutdown stops accepting tasks and waits until every accepted task has released
// its signature or ctx ends. When ctx ends first, tasks still waiting for a level
// slot are started without one.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if len(s.queues) == 0 {
		s.mu.Unlock()
		s.cancel()
		s.logger.Info("scheduler_stopped")
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		s.cancel()
		s.logger.Info("scheduler_stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		st := s.Stats()
		s.logger.Warn("scheduler_stop_timeout", "queued", st.Queued, "active", st.Active)
		return errors.Wrap(ctx.Err(), "scheduler shutdown")
	}
}
