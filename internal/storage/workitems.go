package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	// ErrNotFound means no row matched.
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a guarded status transition lost: the row was not
	// in the expected state.
	ErrConflict = errors.New("illegal status transition")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WorkItemRepository handles work item CRUD and status transitions.
// Transition methods guard the current status in the WHERE clause, so an
// illegal transition surfaces as ErrConflict instead of silently
// clobbering state.
type WorkItemRepository struct {
	db DB
}

// NewWorkItemRepository creates a new work item repository.
func NewWorkItemRepository(db DB) *WorkItemRepository {
	return &WorkItemRepository{db: db}
}

// Create inserts a work item in queued state.
func (r *WorkItemRepository) Create(ctx context.Context, item *WorkItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = ItemStatusQueued
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO work_items (id, batch_id, source_path, output_path, engine, params, status, attempts, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		item.ID, item.BatchID, item.SourcePath, item.OutputPath,
		item.Engine, paramsValue(item.Params), item.Status, item.Attempts, item.EnqueuedAt,
	)
	return err
}

// paramsValue stores params as nullable text. json.RawMessage would be
// sent as a byte parameter, which postgres encodes as bytea.
func paramsValue(p json.RawMessage) interface{} {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

// GetByID retrieves a work item by ID.
func (r *WorkItemRepository) GetByID(ctx context.Context, id uuid.UUID) (*WorkItem, error) {
	query := selectColumns + ` WHERE id = $1`
	item, err := scanWorkItem(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// ListByBatch retrieves all work items for a batch in enqueue order.
func (r *WorkItemRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*WorkItem, error) {
	query := selectColumns + ` WHERE batch_id = $1 ORDER BY enqueued_at, id`
	return r.list(ctx, query, batchID)
}

// ListByStatus retrieves work items in a status, oldest first. A
// non-positive limit returns everything.
func (r *WorkItemRepository) ListByStatus(ctx context.Context, status ItemStatus, limit int) ([]*WorkItem, error) {
	query := selectColumns + ` WHERE status = $1 ORDER BY enqueued_at, id`
	if limit > 0 {
		query += ` LIMIT $2`
		return r.list(ctx, query, status, limit)
	}
	return r.list(ctx, query, status)
}

// CountByStatus returns how many items sit in each status.
func (r *WorkItemRepository) CountByStatus(ctx context.Context) (map[ItemStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[ItemStatus]int)
	for rows.Next() {
		var status ItemStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// MarkProcessing transitions queued -> processing.
func (r *WorkItemRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE work_items SET status = $1, started_at = $2, attempts = attempts + 1
		WHERE id = $3 AND status = $4
	`
	return r.guarded(ctx, query, ItemStatusProcessing, time.Now().UTC(), id, ItemStatusQueued)
}

// MarkCompleted transitions processing -> completed.
func (r *WorkItemRepository) MarkCompleted(ctx context.Context, id uuid.UUID, outputPath string) error {
	query := `
		UPDATE work_items SET status = $1, output_path = $2, finished_at = $3
		WHERE id = $4 AND status = $5
	`
	return r.guarded(ctx, query, ItemStatusCompleted, outputPath, time.Now().UTC(), id, ItemStatusProcessing)
}

// MarkFailed transitions processing -> failed with a diagnostic.
func (r *WorkItemRepository) MarkFailed(ctx context.Context, id uuid.UUID, detail string) error {
	query := `
		UPDATE work_items SET status = $1, error_detail = $2, finished_at = $3
		WHERE id = $4 AND status = $5
	`
	return r.guarded(ctx, query, ItemStatusFailed, detail, time.Now().UTC(), id, ItemStatusProcessing)
}

// MarkCancelled transitions queued -> cancelled.
func (r *WorkItemRepository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE work_items SET status = $1, finished_at = $2
		WHERE id = $3 AND status = $4
	`
	return r.guarded(ctx, query, ItemStatusCancelled, time.Now().UTC(), id, ItemStatusQueued)
}

// CancelAllQueued cancels every queued item and returns how many.
func (r *WorkItemRepository) CancelAllQueued(ctx context.Context) (int64, error) {
	query := `
		UPDATE work_items SET status = $1, finished_at = $2
		WHERE status = $3
	`
	res, err := r.db.ExecContext(ctx, query, ItemStatusCancelled, time.Now().UTC(), ItemStatusQueued)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeFinishedBefore deletes terminal items older than the cutoff.
func (r *WorkItemRepository) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM work_items
		WHERE status IN ($1, $2, $3) AND finished_at < $4
	`
	res, err := r.db.ExecContext(ctx, query,
		ItemStatusCompleted, ItemStatusFailed, ItemStatusCancelled, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *WorkItemRepository) guarded(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: no row in expected state", ErrConflict)
	}
	return nil
}

const selectColumns = `
	SELECT id, batch_id, source_path, output_path, engine, params, status,
	       attempts, error_detail, enqueued_at, started_at, finished_at
	FROM work_items
`

func (r *WorkItemRepository) list(ctx context.Context, query string, args ...interface{}) ([]*WorkItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkItem(row rowScanner) (*WorkItem, error) {
	item := &WorkItem{}
	var params sql.NullString
	err := row.Scan(
		&item.ID, &item.BatchID, &item.SourcePath, &item.OutputPath,
		&item.Engine, &params, &item.Status, &item.Attempts,
		&item.ErrorDetail, &item.EnqueuedAt, &item.StartedAt, &item.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if params.Valid {
		item.Params = json.RawMessage(params.String)
	}
	return item, nil
}
