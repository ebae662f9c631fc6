package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
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
	"spartan/internal/scheduler"
	"spartan/internal/store"
)

type fakeSource struct{ text string }

func (f fakeSource) Draft(ctx context.Context, topic string) (string, error) {
	return f.text + ": " + topic, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	refs []string
}

func (f *fakePublisher) Publish(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, text)
	return "post-1", nil
}

type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
}

func (f *fakeOracle) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[asset]; err != nil {
		return 0, err
	}
	return f.prices[asset], nil
}

func newJobHarness(t *testing.T) (store.Store, *scheduler.Service, *scheduler.Registry, *clockwork.FakeClock) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))

	st := store.NewSQLiteStore(db)
	reg := scheduler.NewRegistry()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	return st, scheduler.New(st, reg, clock, time.Second), reg, clock
}

func TestPostJobPublishesAndCountsQuota(t *testing.T) {
	st, svc, reg, clock := newJobHarness(t)
	ctx := context.Background()

	pub := &fakePublisher{}
	job := NewPostJob(svc, st, fakeSource{text: "gm"}, pub, clock, "agent-1")
	job.Register(reg)

	rec, err := job.EnsureScheduled(ctx, PostConfig{Topic: "solana", MaxPosts: 2, IntervalMinutes: 60})
	require.NoError(t, err)

	run := func() {
		clock.Advance(60 * time.Minute)
		svc.Tick(ctx, clock.Now())
		svc.Drain()
	}

	run()
	run()
	pub.mu.Lock()
	assert.Equal(t, []string{"gm: solana", "gm: solana"}, pub.refs)
	pub.mu.Unlock()

	got, err := st.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	var state PostState
	require.NoError(t, json.Unmarshal(got.Metadata.Payload, &state))
	assert.Equal(t, 2, state.Posted)
	assert.Equal(t, "post-1", state.LastRef)

	// Quota exhausted: the next tick removes the schedule from within execute.
	run()
	_, err = st.GetTask(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	pub.mu.Lock()
	assert.Len(t, pub.refs, 2)
	pub.mu.Unlock()
}

func TestPostJobEnsureScheduledDedups(t *testing.T) {
	st, svc, reg, clock := newJobHarness(t)
	ctx := context.Background()

	job := NewPostJob(svc, st, fakeSource{}, &fakePublisher{}, clock, "agent-1")
	job.Register(reg)

	// Stale records from a crashed previous generation.
	for i := 0; i < 2; i++ {
		_, err := st.CreateTask(ctx, domain.TaskRecord{Name: PostTaskName, Tags: PostTags})
		require.NoError(t, err)
	}

	_, err := job.EnsureScheduled(ctx, PostConfig{Topic: "t", IntervalMinutes: 60})
	require.NoError(t, err)

	got, err := st.GetTasks(ctx, store.Filter{Tags: PostTags})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReconJobRecordsSnapshots(t *testing.T) {
	st, svc, reg, clock := newJobHarness(t)
	ctx := context.Background()

	oracle := &fakeOracle{
		prices: map[string]float64{"SOL": 150, "ETH": 3000},
		errs:   map[string]error{"DOGE": errors.New("no feed")},
	}
	job := NewReconJob(svc, st, oracle, clock, "agent-1")
	job.Register(reg)

	rec, err := job.EnsureScheduled(ctx, ReconConfig{Watchlist: []string{"SOL", "ETH", "DOGE"}, IntervalMinutes: 30})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	svc.Tick(ctx, clock.Now())
	svc.Drain()

	got, err := st.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	var state ReconState
	require.NoError(t, json.Unmarshal(got.Metadata.Payload, &state))
	require.Len(t, state.Snapshots, 1)
	assert.Equal(t, 150.0, state.Snapshots[0].Prices["SOL"])
	assert.Equal(t, 3000.0, state.Snapshots[0].Prices["ETH"])
	_, sampled := state.Snapshots[0].Prices["DOGE"]
	assert.False(t, sampled)
}

func TestReconJobBoundsSnapshotRing(t *testing.T) {
	st, svc, reg, clock := newJobHarness(t)
	ctx := context.Background()

	oracle := &fakeOracle{prices: map[string]float64{"SOL": 150}}
	job := NewReconJob(svc, st, oracle, clock, "agent-1")
	job.Register(reg)

	rec, err := job.EnsureScheduled(ctx, ReconConfig{Watchlist: []string{"SOL"}, IntervalMinutes: 30})
	require.NoError(t, err)

	for i := 0; i < maxSnapshots+5; i++ {
		clock.Advance(30 * time.Minute)
		svc.Tick(ctx, clock.Now())
		svc.Drain()
	}

	got, err := st.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	var state ReconState
	require.NoError(t, json.Unmarshal(got.Metadata.Payload, &state))
	assert.Len(t, state.Snapshots, maxSnapshots)
}
