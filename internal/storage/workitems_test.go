package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *WorkItemRepository {
	t.Helper()
	db, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWorkItemRepository(db)
}

func TestWorkItemRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	item := &WorkItem{BatchID: uuid.New(), SourcePath: "/in/quote.docx", Engine: "soffice"}
	require.NoError(t, item.SetParams(map[string]string{"target_dir": "/out"}))
	require.NoError(t, repo.Create(ctx, item))

	assert.NotEqual(t, uuid.Nil, item.ID)
	assert.Equal(t, ItemStatusQueued, item.Status)
	assert.False(t, item.EnqueuedAt.IsZero())

	got, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, item.BatchID, got.BatchID)
	assert.Equal(t, "/in/quote.docx", got.SourcePath)
	assert.Equal(t, "soffice", got.Engine)
	assert.Equal(t, ItemStatusQueued, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.ErrorDetail)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	params, err := got.GetParams()
	require.NoError(t, err)
	assert.Equal(t, "/out", params["target_dir"])
}

func TestWorkItemRepository_NullParamsRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	item := &WorkItem{BatchID: uuid.New(), SourcePath: "/in/plain.pdf"}
	require.NoError(t, repo.Create(ctx, item))

	got, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Params)

	params, err := got.GetParams()
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestWorkItemRepository_GetByID_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkItemRepository_GuardedTransitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	item := &WorkItem{BatchID: uuid.New(), SourcePath: "/in/quote.docx"}
	require.NoError(t, repo.Create(ctx, item))

	// completed and failed require a processing row
	assert.ErrorIs(t, repo.MarkCompleted(ctx, item.ID, "/out/quote.pdf"), ErrConflict)
	assert.ErrorIs(t, repo.MarkFailed(ctx, item.ID, "boom"), ErrConflict)

	require.NoError(t, repo.MarkProcessing(ctx, item.ID))
	assert.ErrorIs(t, repo.MarkProcessing(ctx, item.ID), ErrConflict)
	assert.ErrorIs(t, repo.MarkCancelled(ctx, item.ID), ErrConflict)

	require.NoError(t, repo.MarkCompleted(ctx, item.ID, "/out/quote.pdf"))

	got, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemStatusCompleted, got.Status)
	assert.Equal(t, "/out/quote.pdf", got.OutputPath)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
}

func TestWorkItemRepository_MarkFailedKeepsDetail(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	item := &WorkItem{BatchID: uuid.New(), SourcePath: "/in/corrupt.xls"}
	require.NoError(t, repo.Create(ctx, item))
	require.NoError(t, repo.MarkProcessing(ctx, item.ID))
	require.NoError(t, repo.MarkFailed(ctx, item.ID, "engine crashed"))

	got, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemStatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, "engine crashed", *got.ErrorDetail)
}

func TestWorkItemRepository_ListByBatchKeepsEnqueueOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	batchID := uuid.New()
	base := time.Now().UTC()

	sources := []string{"/in/a.docx", "/in/b.docx", "/in/c.docx"}
	for i, src := range sources {
		item := &WorkItem{
			BatchID:    batchID,
			SourcePath: src,
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.Create(ctx, item))
	}
	// An item from another batch stays out of the listing.
	other := &WorkItem{BatchID: uuid.New(), SourcePath: "/in/other.docx"}
	require.NoError(t, repo.Create(ctx, other))

	items, err := repo.ListByBatch(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, sources[i], item.SourcePath)
	}
}

func TestWorkItemRepository_ListByStatusHonorsLimit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		item := &WorkItem{
			BatchID:    uuid.New(),
			SourcePath: "/in/doc.docx",
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.Create(ctx, item))
	}

	limited, err := repo.ListByStatus(ctx, ItemStatusQueued, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	all, err := repo.ListByStatus(ctx, ItemStatusQueued, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestWorkItemRepository_CancelAllQueued(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	queued := &WorkItem{BatchID: uuid.New(), SourcePath: "/in/a.docx"}
	require.NoError(t, repo.Create(ctx, queued))

	running := &WorkItem{BatchID: uuid.New(), SourcePath: "/in/b.docx"}
	require.NoError(t, repo.Create(ctx, running))
	require.NoError(t, repo.MarkProcessing(ctx, running.ID))

	n, err := repo.CancelAllQueued(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := repo.GetByID(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemStatusCancelled, got.Status)

	still, err := repo.GetByID(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemStatusProcessing, still.Status)
}

func TestWorkItemRepository_PurgeFinishedBefore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	finished := &WorkItem{BatchID: uuid.New(), SourcePath: "/in/old.docx"}
	require.NoError(t, repo.Create(ctx, finished))
	require.NoError(t, repo.MarkProcessing(ctx, finished.ID))
	require.NoError(t, repo.MarkCompleted(ctx, finished.ID, "/out/old.pdf"))

	pending := &WorkItem{BatchID: uuid.New(), SourcePath: "/in/new.docx"}
	require.NoError(t, repo.Create(ctx, pending))

	purged, err := repo.PurgeFinishedBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = repo.GetByID(ctx, finished.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.GetByID(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestWorkItemRepository_CountByStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		item := &WorkItem{BatchID: uuid.New(), SourcePath: "/in/doc.docx"}
		require.NoError(t, repo.Create(ctx, item))
	}
	done := &WorkItem{BatchID: uuid.New(), SourcePath: "/in/done.docx"}
	require.NoError(t, repo.Create(ctx, done))
	require.NoError(t, repo.MarkProcessing(ctx, done.ID))
	require.NoError(t, repo.MarkCompleted(ctx, done.ID, "/out/done.pdf"))

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[ItemStatusQueued])
	assert.Equal(t, 1, counts[ItemStatusCompleted])
}
