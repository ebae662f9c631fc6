package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"spartan/internal/domain"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	return NewSQLiteStore(db)
}

func TestCreateAndGetTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"k": "v"})
	created, err := st.CreateTask(ctx, domain.TaskRecord{
		Name:        "twap-order",
		Description: "test task",
		OwnerScope:  "agent-1",
		Tags:        []string{"queue", "repeat", "twap"},
		Metadata: domain.TaskMetadata{
			IntervalMinutes: 10,
			Payload:         payload,
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Contains(t, created.ID, "tsk_")
	assert.Equal(t, domain.MetadataSchemaVersion, created.Metadata.SchemaVersion)

	got, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "twap-order", got.Name)
	assert.Equal(t, "agent-1", got.OwnerScope)
	assert.Equal(t, []string{"queue", "repeat", "twap"}, got.Tags)
	assert.Equal(t, 10.0, got.Metadata.IntervalMinutes)
	assert.JSONEq(t, string(payload), string(got.Metadata.Payload))
}

func TestGetTaskNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetTask(context.Background(), "tsk_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTagFilterIsSubsetMatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mk := func(name string, tags ...string) {
		_, err := st.CreateTask(ctx, domain.TaskRecord{Name: name, Tags: tags})
		require.NoError(t, err)
	}
	mk("a", "queue", "repeat", "twap")
	mk("b", "queue", "repeat", "spartan-news")
	mk("c", "queue")

	got, err := st.GetTasks(ctx, Filter{Tags: []string{"queue", "repeat"}})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = st.GetTasks(ctx, Filter{Tags: []string{"queue", "repeat", "twap"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)

	// Empty filter matches everything.
	got, err = st.GetTasks(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestGetTasksByNameAndOwner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := st.CreateTask(ctx, domain.TaskRecord{Name: "twap-order", OwnerScope: "agent-1"})
		require.NoError(t, err)
	}
	_, err := st.CreateTask(ctx, domain.TaskRecord{Name: "market-recon", OwnerScope: "agent-2"})
	require.NoError(t, err)

	got, err := st.GetTasksByName(ctx, "twap-order")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = st.GetTasks(ctx, Filter{OwnerScope: "agent-2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "market-recon", got[0].Name)
}

func TestDeleteTaskIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateTask(ctx, domain.TaskRecord{Name: "twap-order"})
	require.NoError(t, err)

	require.NoError(t, st.DeleteTask(ctx, created.ID))
	require.NoError(t, st.DeleteTask(ctx, created.ID)) // second delete is a no-op
	require.NoError(t, st.DeleteTask(ctx, "tsk_never_existed"))

	_, err = st.GetTask(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTouchTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	created, err := st.CreateTask(ctx, domain.TaskRecord{Name: "twap-order", CreatedAt: base})
	require.NoError(t, err)
	assert.True(t, created.UpdatedAt.Equal(base))

	later := base.Add(10 * time.Minute)
	require.NoError(t, st.TouchTask(ctx, created.ID, later))

	got, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(later))
	assert.True(t, got.CreatedAt.Equal(base))

	// Touching a deleted task must not resurrect it.
	require.NoError(t, st.DeleteTask(ctx, created.ID))
	require.NoError(t, st.TouchTask(ctx, created.ID, later.Add(time.Minute)))
	_, err = st.GetTask(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTaskPersistsMetadata(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateTask(ctx, domain.TaskRecord{Name: "twap-order", Metadata: domain.TaskMetadata{IntervalMinutes: 5}})
	require.NoError(t, err)

	created.Metadata.Payload = json.RawMessage(`{"remaining":42}`)
	created.UpdatedAt = created.CreatedAt.Add(time.Minute)
	require.NoError(t, st.UpdateTask(ctx, created))

	got, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"remaining":42}`, string(got.Metadata.Payload))
	assert.True(t, got.UpdatedAt.Equal(created.UpdatedAt))
}

func TestArchiveOrderAndHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	order := domain.TwapOrder{
		OrderID:         "ord_1",
		AssetSymbol:     "SOL",
		TotalAmount:     100,
		RemainingAmount: 0,
		Executions: []domain.ExecutionRecord{
			{Amount: 100, Success: true, SettlementRef: "ref-1"},
		},
	}
	require.NoError(t, st.ArchiveOrder(ctx, "agent-1", domain.OrderCompleted, time.Now(), order))

	hist, err := st.ListOrderHistory(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "ord_1", hist[0].OrderID)
	assert.Equal(t, domain.OrderCompleted, hist[0].Status)
	assert.Equal(t, 100.0, hist[0].ProgressPercent)
	assert.Equal(t, 1, hist[0].SuccessCount)

	hist, err = st.ListOrderHistory(ctx, "other-agent", 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
}
