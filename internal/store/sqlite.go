package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"spartan/internal/domain"
)

var ErrNotFound = errors.New("task not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  owner_scope TEXT NOT NULL DEFAULT '',
  tags TEXT NOT NULL DEFAULT '[]',
  metadata TEXT NOT NULL DEFAULT '{}',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_name ON tasks(name);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_scope);
CREATE TABLE IF NOT EXISTS order_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  order_id TEXT NOT NULL,
  owner_scope TEXT NOT NULL DEFAULT '',
  asset_symbol TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  metadata TEXT NOT NULL,
  completed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_history_owner ON order_history(owner_scope, completed_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// Filter narrows GetTasks. Tags is a subset match: a task matches when its
// tag set is a superset of the filter's.
type Filter struct {
	Tags       []string
	Name       string
	OwnerScope string
}

type Store interface {
	CreateTask(ctx context.Context, t domain.TaskRecord) (domain.TaskRecord, error)
	GetTask(ctx context.Context, id string) (domain.TaskRecord, error)
	GetTasks(ctx context.Context, f Filter) ([]domain.TaskRecord, error)
	GetTasksByName(ctx context.Context, name string) ([]domain.TaskRecord, error)
	UpdateTask(ctx context.Context, t domain.TaskRecord) error
	TouchTask(ctx context.Context, id string, now time.Time) error
	DeleteTask(ctx context.Context, id string) error

	// Terminal-order archive: the task row is gone after an order completes,
	// the history table keeps the final ledger for reporting.
	ArchiveOrder(ctx context.Context, ownerScope, status string, completedAt time.Time, order domain.TwapOrder) error
	ListOrderHistory(ctx context.Context, ownerScope string, limit int) ([]domain.OrderSummary, error)
}

type sqliteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writers: boot dedup may race a new order
}

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) CreateTask(ctx context.Context, t domain.TaskRecord) (domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Metadata.SchemaVersion == 0 {
		t.Metadata.SchemaVersion = domain.MetadataSchemaVersion
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tasks (id,name,description,owner_scope,tags,metadata,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
`, t.ID, t.Name, t.Description, t.OwnerScope, string(tags), string(meta), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	return t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (domain.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,name,description,owner_scope,tags,metadata,created_at,updated_at
FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRecord{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) GetTasks(ctx context.Context, f Filter) ([]domain.TaskRecord, error) {
	q := `SELECT id,name,description,owner_scope,tags,metadata,created_at,updated_at FROM tasks WHERE 1=1`
	var args []any
	if f.Name != "" {
		q += ` AND name=?`
		args = append(args, f.Name)
	}
	if f.OwnerScope != "" {
		q += ` AND owner_scope=?`
		args = append(args, f.OwnerScope)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		// Tag subset matching happens here; tags live in a JSON column and
		// the table is small enough that SQL-side containment isn't worth it.
		if !t.HasTags(f.Tags) {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *sqliteStore) GetTasksByName(ctx context.Context, name string) ([]domain.TaskRecord, error) {
	return s.GetTasks(ctx, Filter{Name: name})
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE tasks SET name=?,description=?,owner_scope=?,tags=?,metadata=?,updated_at=?
WHERE id=?`, t.Name, t.Description, t.OwnerScope, string(tags), string(meta), t.UpdatedAt, t.ID)
	return err
}

// TouchTask advances only the tick bookkeeping. A no-op for deleted ids, so
// a task that removed itself mid-execute doesn't resurrect.
func (s *sqliteStore) TouchTask(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET updated_at=? WHERE id=?`, now.UTC(), id)
	return err
}

// DeleteTask is idempotent; deleting a missing id is not an error.
func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	return err
}

func (s *sqliteStore) ArchiveOrder(ctx context.Context, ownerScope, status string, completedAt time.Time, order domain.TwapOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := json.Marshal(order)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO order_history (order_id,owner_scope,asset_symbol,status,metadata,completed_at)
VALUES (?,?,?,?,?,?)`, order.OrderID, ownerScope, order.AssetSymbol, status, string(meta), completedAt.UTC())
	return err
}

func (s *sqliteStore) ListOrderHistory(ctx context.Context, ownerScope string, limit int) ([]domain.OrderSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT status,metadata FROM order_history WHERE 1=1`
	var args []any
	if ownerScope != "" {
		q += ` AND owner_scope=?`
		args = append(args, ownerScope)
	}
	q += ` ORDER BY completed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OrderSummary
	for rows.Next() {
		var status, meta string
		if err := rows.Scan(&status, &meta); err != nil {
			return nil, err
		}
		var order domain.TwapOrder
		if err := json.Unmarshal([]byte(meta), &order); err != nil {
			continue
		}
		out = append(out, order.Summarize("", status))
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.TaskRecord, error) {
	var t domain.TaskRecord
	var tags, meta string
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.OwnerScope, &tags, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.TaskRecord{}, err
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return domain.TaskRecord{}, err
	}
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return domain.TaskRecord{}, err
	}
	return t, nil
}
