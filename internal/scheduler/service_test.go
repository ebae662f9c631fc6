package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"spartan/internal/domain"
	"spartan/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store, *Registry, *clockwork.FakeClock) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))

	st := store.NewSQLiteStore(db)
	reg := NewRegistry()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc := New(st, reg, clock, time.Second)
	return svc, st, reg, clock
}

func noopWorker() Worker {
	return Worker{
		Validate: func(domain.TaskRecord) bool { return true },
		Execute:  func(context.Context, domain.TaskRecord) error { return nil },
	}
}

func TestCreateTaskRequiresRegisteredWorker(t *testing.T) {
	svc, _, reg, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, domain.TaskRecord{Name: "unregistered"})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	reg.Register("registered", noopWorker())
	_, err = svc.CreateTask(ctx, domain.TaskRecord{Name: "registered"})
	assert.NoError(t, err)
}

func TestBootDedupLeavesSingleRecord(t *testing.T) {
	svc, st, reg, clock := newTestService(t)
	ctx := context.Background()
	tags := []string{"queue", "repeat", "spartan-news"}
	reg.Register("spartan-news", noopWorker())

	// Two stale records from a previous process generation.
	for i := 0; i < 2; i++ {
		_, err := st.CreateTask(ctx, domain.TaskRecord{Name: "spartan-news", Tags: tags})
		require.NoError(t, err)
	}

	bootDedup := func() {
		_, err := svc.ResetTagged(ctx, tags)
		require.NoError(t, err)
		_, err = svc.CreateTask(ctx, domain.TaskRecord{Name: "spartan-news", Tags: tags, CreatedAt: clock.Now()})
		require.NoError(t, err)
	}

	bootDedup()
	got, err := st.GetTasks(ctx, store.Filter{Tags: tags})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Running the sequence again still leaves exactly one record.
	bootDedup()
	got, err = st.GetTasks(ctx, store.Filter{Tags: tags})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestIntervalGating(t *testing.T) {
	svc, _, reg, clock := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var runs int
	reg.Register("job", Worker{
		Validate: func(domain.TaskRecord) bool { return true },
		Execute: func(context.Context, domain.TaskRecord) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		},
	})
	_, err := svc.CreateTask(ctx, domain.TaskRecord{
		Name:      "job",
		Metadata:  domain.TaskMetadata{SchemaVersion: domain.MetadataSchemaVersion, IntervalMinutes: 10},
		CreatedAt: clock.Now(),
	})
	require.NoError(t, err)

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return runs
	}

	// Interval not yet elapsed.
	clock.Advance(5 * time.Minute)
	svc.Tick(ctx, clock.Now())
	svc.Drain()
	assert.Equal(t, 0, count())

	clock.Advance(5 * time.Minute)
	svc.Tick(ctx, clock.Now())
	svc.Drain()
	assert.Equal(t, 1, count())

	// Execution advanced the bookkeeping; the next tick is one interval out.
	svc.Tick(ctx, clock.Now())
	svc.Drain()
	assert.Equal(t, 1, count())

	clock.Advance(10 * time.Minute)
	svc.Tick(ctx, clock.Now())
	svc.Drain()
	assert.Equal(t, 2, count())
}

func TestSkipTickWhileExecutionInFlight(t *testing.T) {
	svc, _, reg, clock := newTestService(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var runs int
	reg.Register("slow", Worker{
		Validate: func(domain.TaskRecord) bool { return true },
		Execute: func(context.Context, domain.TaskRecord) error {
			mu.Lock()
			runs++
			mu.Unlock()
			started <- struct{}{}
			<-release
			return nil
		},
	})
	_, err := svc.CreateTask(ctx, domain.TaskRecord{
		Name:      "slow",
		Metadata:  domain.TaskMetadata{SchemaVersion: domain.MetadataSchemaVersion, IntervalMinutes: 1},
		CreatedAt: clock.Now(),
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	svc.Tick(ctx, clock.Now())
	<-started

	// Second tick fires while the first execution is still in flight: it is
	// skipped, not queued.
	clock.Advance(time.Minute)
	svc.Tick(ctx, clock.Now())

	close(release)
	svc.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
}

func TestFailureIsolation(t *testing.T) {
	svc, st, reg, clock := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var healthyRuns int
	reg.Register("failing", Worker{
		Validate: func(domain.TaskRecord) bool { return true },
		Execute:  func(context.Context, domain.TaskRecord) error { return errors.New("boom") },
	})
	reg.Register("panicking", Worker{
		Validate: func(domain.TaskRecord) bool { return true },
		Execute:  func(context.Context, domain.TaskRecord) error { panic("much worse") },
	})
	reg.Register("healthy", Worker{
		Validate: func(domain.TaskRecord) bool { return true },
		Execute: func(context.Context, domain.TaskRecord) error {
			mu.Lock()
			healthyRuns++
			mu.Unlock()
			return nil
		},
	})

	var failingID string
	for _, name := range []string{"failing", "panicking", "healthy"} {
		rec, err := svc.CreateTask(ctx, domain.TaskRecord{
			Name:      name,
			Metadata:  domain.TaskMetadata{SchemaVersion: domain.MetadataSchemaVersion, IntervalMinutes: 1},
			CreatedAt: clock.Now(),
		})
		require.NoError(t, err)
		if name == "failing" {
			failingID = rec.ID
		}
	}

	clock.Advance(time.Minute)
	now := clock.Now()
	svc.Tick(ctx, now)
	svc.Drain()

	mu.Lock()
	assert.Equal(t, 1, healthyRuns)
	mu.Unlock()
	assert.NoError(t, svc.Err())

	// The failing task's bookkeeping still advanced: it retries on its next
	// natural interval, not immediately.
	rec, err := st.GetTask(ctx, failingID)
	require.NoError(t, err)
	assert.True(t, rec.UpdatedAt.Equal(now))
}

func TestCronCadence(t *testing.T) {
	svc, st, reg, clock := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var runs int
	reg.Register("cron-job", Worker{
		Validate: func(domain.TaskRecord) bool { return true },
		Execute: func(context.Context, domain.TaskRecord) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		},
	})
	rec, err := svc.CreateTask(ctx, domain.TaskRecord{
		Name:      "cron-job",
		Metadata:  domain.TaskMetadata{SchemaVersion: domain.MetadataSchemaVersion, CronExpr: "*/15 * * * *"},
		CreatedAt: clock.Now(),
	})
	require.NoError(t, err)

	// Zero next-run means never computed: due on the first tick.
	svc.Tick(ctx, clock.Now())
	svc.Drain()
	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()

	got, err := st.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Metadata.NextRun.After(clock.Now()))

	// Not due again until the cron boundary passes.
	clock.Advance(5 * time.Minute)
	svc.Tick(ctx, clock.Now())
	svc.Drain()
	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()

	clock.Advance(15 * time.Minute)
	svc.Tick(ctx, clock.Now())
	svc.Drain()
	mu.Lock()
	assert.Equal(t, 2, runs)
	mu.Unlock()
}

func TestUnknownSchemaVersionIsSkipped(t *testing.T) {
	svc, st, reg, clock := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var runs int
	reg.Register("job", Worker{
		Validate: func(domain.TaskRecord) bool { return true },
		Execute: func(context.Context, domain.TaskRecord) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		},
	})
	_, err := st.CreateTask(ctx, domain.TaskRecord{
		Name:      "job",
		Metadata:  domain.TaskMetadata{SchemaVersion: 99},
		CreatedAt: clock.Now(),
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	svc.Tick(ctx, clock.Now())
	svc.Drain()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, runs)
}

type brokenStore struct {
	store.Store
}

func (b brokenStore) GetTasks(context.Context, store.Filter) ([]domain.TaskRecord, error) {
	return nil, errors.New("disk on fire")
}

func TestStoreFailureIsFatal(t *testing.T) {
	_, st, reg, clock := newTestService(t)
	svc := New(brokenStore{st}, reg, clock, time.Second)

	svc.Tick(context.Background(), clock.Now())
	err := svc.Err()
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
}
