package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"spartan/internal/domain"
	"spartan/internal/store"
)

// Service is the control loop. A single ticker drives every task record:
// when a record's interval (or cron next-run) has elapsed, its worker runs in
// its own goroutine, with at most one in-flight execution per task id.
type Service struct {
	store store.Store
	reg   *Registry
	clock clockwork.Clock
	tick  time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	running  sync.WaitGroup

	fatalMu sync.RWMutex
	fatal   error
}

func New(st store.Store, reg *Registry, clock clockwork.Clock, tickEvery time.Duration) *Service {
	return &Service{
		store:    st,
		reg:      reg,
		clock:    clock,
		tick:     tickEvery,
		inflight: make(map[string]struct{}),
	}
}

// CreateTask validates that the record's name has a registered worker, then
// persists it. A task whose worker nobody registered can never run, so it is
// rejected up front.
func (s *Service) CreateTask(ctx context.Context, t domain.TaskRecord) (domain.TaskRecord, error) {
	if t.Name == "" {
		return domain.TaskRecord{}, &domain.ValidationError{Field: "name", Reason: "required"}
	}
	if !s.reg.Has(t.Name) {
		return domain.TaskRecord{}, &domain.ValidationError{Field: "name", Reason: "no worker registered for " + t.Name}
	}
	if t.Metadata.CronExpr != "" {
		if err := ValidateCronExpression(t.Metadata.CronExpr); err != nil {
			return domain.TaskRecord{}, &domain.ValidationError{Field: "cron_expr", Reason: err.Error()}
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock.Now().UTC()
	}
	return s.store.CreateTask(ctx, t)
}

// ResetTagged deletes every task whose tag set contains all of tags. Owning
// components call this at boot before re-creating their schedules, so a crash
// that left stale records cannot cause double execution after restart.
func (s *Service) ResetTagged(ctx context.Context, tags []string) (int, error) {
	recs, err := s.store.GetTasks(ctx, store.Filter{Tags: tags})
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := s.store.DeleteTask(ctx, rec.ID); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// Run blocks until ctx is cancelled or the task store fails fatally.
func (s *Service) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()

	log.Info().Dur("tick", s.tick).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Tick(ctx, s.clock.Now().UTC())
			if s.Err() != nil {
				log.Error().Err(s.Err()).Msg("scheduler halted")
				return
			}
		}
	}
}

// Err reports the fatal store error that halted the loop, if any. Surfaced
// through the health endpoint.
func (s *Service) Err() error {
	s.fatalMu.RLock()
	defer s.fatalMu.RUnlock()
	return s.fatal
}

// Drain waits for in-flight executions to return. Used at shutdown.
func (s *Service) Drain() {
	s.running.Wait()
}

func (s *Service) setFatal(err error) {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

// Tick runs one pass over every task record, firing due workers. Run drives
// it from the clock ticker; tests drive it directly.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	recs, err := s.store.GetTasks(ctx, store.Filter{})
	if err != nil {
		// Not task-scoped: without the store there is nothing to tick.
		s.setFatal(&domain.FatalError{Op: "get tasks", Err: err})
		return
	}

	for _, rec := range recs {
		if rec.Metadata.SchemaVersion != domain.MetadataSchemaVersion {
			log.Warn().Str("task_id", rec.ID).Int("schema_version", rec.Metadata.SchemaVersion).
				Msg("skipping task with unknown metadata schema")
			continue
		}
		if !due(rec, now) {
			continue
		}
		if !s.acquire(rec.ID) {
			// Previous execution still in flight: skip, don't queue.
			log.Debug().Str("task_id", rec.ID).Msg("tick skipped, execution in flight")
			continue
		}

		s.running.Add(1)
		go s.runTask(ctx, rec, now)
	}
}

func (s *Service) runTask(ctx context.Context, rec domain.TaskRecord, now time.Time) {
	defer s.running.Done()
	defer s.release(rec.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task_id", rec.ID).Str("task", rec.Name).Interface("panic", r).
				Msg("worker panicked")
			s.finishTask(ctx, rec.ID, s.clock.Now().UTC())
		}
	}()

	w, ok := s.reg.Lookup(rec.Name)
	if !ok {
		log.Warn().Str("task_id", rec.ID).Str("task", rec.Name).Msg("no worker registered")
		s.finishTask(ctx, rec.ID, now)
		return
	}
	if !w.Validate(rec) {
		s.finishTask(ctx, rec.ID, now)
		return
	}
	if err := w.Execute(ctx, rec); err != nil {
		// Task-scoped failure: log it, schedule the next natural tick. The
		// retry policy is interval-only, no immediate retry and no backoff.
		log.Error().Err(err).Str("task_id", rec.ID).Str("task", rec.Name).Msg("task execution failed")
	}
	s.finishTask(ctx, rec.ID, s.clock.Now().UTC())
}

// finishTask advances the tick bookkeeping after an execution, whatever its
// outcome. A task that deleted itself mid-execute stays deleted.
func (s *Service) finishTask(ctx context.Context, id string, now time.Time) {
	rec, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.setFatal(&domain.FatalError{Op: "get task", Err: err})
		return
	}
	if rec.Metadata.CronExpr != "" {
		if sched, err := cron.ParseStandard(rec.Metadata.CronExpr); err == nil {
			rec.Metadata.NextRun = sched.Next(now)
		} else {
			log.Error().Err(err).Str("task_id", id).Str("cron_expr", rec.Metadata.CronExpr).
				Msg("invalid cron expression")
		}
	}
	rec.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, rec); err != nil {
		s.setFatal(&domain.FatalError{Op: "update task", Err: err})
	}
}

func (s *Service) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func due(rec domain.TaskRecord, now time.Time) bool {
	if rec.Metadata.CronExpr != "" {
		// Zero NextRun means the record was created before its first tick.
		return !now.Before(rec.Metadata.NextRun)
	}
	// UpdatedAt equals CreatedAt until the first completed run.
	return now.Sub(rec.UpdatedAt) >= rec.Metadata.Interval()
}

// ValidateCronExpression checks a cadence expression at the API boundary.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
