package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/internal/storage"
)

type procFunc func(ctx context.Context, item *storage.WorkItem) (string, error)

func (f procFunc) Process(ctx context.Context, item *storage.WorkItem) (string, error) {
	return f(ctx, item)
}

func newTestRepo(t *testing.T) *storage.WorkItemRepository {
	t.Helper()
	db, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewWorkItemRepository(db)
}

func enqueue(t *testing.T, q *Queue, source string) *Ticket {
	t.Helper()
	ticket, err := q.Enqueue(context.Background(), &storage.WorkItem{
		BatchID:    uuid.New(),
		SourcePath: source,
	})
	require.NoError(t, err)
	return ticket
}

func waitTicket(t *testing.T, ticket *Ticket) *storage.WorkItem {
	t.Helper()
	select {
	case <-ticket.Done():
		return ticket.Item()
	case <-time.After(5 * time.Second):
		t.Fatalf("ticket %s not resolved in time", ticket.ID())
		return nil
	}
}

func TestQueue_DrainsInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	proc := procFunc(func(_ context.Context, item *storage.WorkItem) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, item.SourcePath)
		return "/out/" + filepath.Base(item.SourcePath) + ".pdf", nil
	})

	q := New(observability.Nop(), newTestRepo(t), proc)
	defer q.Close()

	ta := enqueue(t, q, "a.docx")
	tb := enqueue(t, q, "b.docx")
	tc := enqueue(t, q, "c.docx")
	q.StartProcessing()

	// Tickets resolve in submission order, each in a terminal state.
	for _, ticket := range []*Ticket{ta, tb, tc} {
		item := waitTicket(t, ticket)
		assert.Equal(t, storage.ItemStatusCompleted, item.Status)
		assert.NotNil(t, item.FinishedAt)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a.docx", "b.docx", "c.docx"}, order)
}

func TestQueue_EnqueueNeverBlocksWhileWorkerBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	proc := procFunc(func(_ context.Context, item *storage.WorkItem) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return "/out.pdf", nil
	})

	q := New(observability.Nop(), newTestRepo(t), proc)
	defer q.Close()

	ta := enqueue(t, q, "a.docx")
	q.StartProcessing()
	<-started

	// The worker is stuck in the first item; submissions still return
	// immediately.
	done := make(chan struct{})
	go func() {
		enqueue(t, q, "b.docx")
		enqueue(t, q, "c.docx")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked behind the in-flight item")
	}
	assert.Equal(t, 2, q.Depth())
	assert.True(t, q.IsProcessing())

	close(release)
	waitTicket(t, ta)
}

func TestQueue_ExactlyOneItemInFlight(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	proc := procFunc(func(_ context.Context, _ *storage.WorkItem) (string, error) {
		cur := inFlight.Add(1)
		for {
			m := maxSeen.Load()
			if cur <= m || maxSeen.CompareAndSwap(m, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return "/out.pdf", nil
	})

	q := New(observability.Nop(), newTestRepo(t), proc)
	defer q.Close()

	var tickets []*Ticket
	for i := 0; i < 8; i++ {
		tickets = append(tickets, enqueue(t, q, "doc.docx"))
		// Exercising idempotent start alongside submissions.
		q.StartProcessing()
	}
	for _, ticket := range tickets {
		waitTicket(t, ticket)
	}
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestQueue_CancelStopsAfterCurrentItem(t *testing.T) {
	startedA := make(chan struct{})
	release := make(chan struct{})
	proc := procFunc(func(_ context.Context, item *storage.WorkItem) (string, error) {
		if item.SourcePath == "a.docx" {
			close(startedA)
			<-release
		}
		return "/out/" + item.SourcePath + ".pdf", nil
	})

	repo := newTestRepo(t)
	q := New(observability.Nop(), repo, proc)
	defer q.Close()

	ta := enqueue(t, q, "a.docx")
	tb := enqueue(t, q, "b.docx")
	tc := enqueue(t, q, "c.docx")
	q.StartProcessing()
	<-startedA

	// Cancel while A is in flight: B and C must go straight to
	// Cancelled without ever entering Processing.
	n, err := q.Cancel(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	close(release)
	itemA := waitTicket(t, ta)
	assert.Equal(t, storage.ItemStatusCompleted, itemA.Status)

	for _, ticket := range []*Ticket{tb, tc} {
		item := waitTicket(t, ticket)
		assert.Equal(t, storage.ItemStatusCancelled, item.Status)
		assert.Nil(t, item.StartedAt)
		assert.Zero(t, item.Attempts)
	}

	// Persisted state agrees with the tickets.
	rowB, err := repo.GetByID(context.Background(), tb.ID())
	require.NoError(t, err)
	assert.Equal(t, storage.ItemStatusCancelled, rowB.Status)

	require.Eventually(t, func() bool { return !q.IsProcessing() },
		2*time.Second, 10*time.Millisecond, "worker should stop draining")
}

func TestQueue_CancelLeavesCompletedItemsUntouched(t *testing.T) {
	proc := procFunc(func(_ context.Context, item *storage.WorkItem) (string, error) {
		return "/out.pdf", nil
	})
	repo := newTestRepo(t)
	q := New(observability.Nop(), repo, proc)
	defer q.Close()

	ta := enqueue(t, q, "a.docx")
	q.StartProcessing()
	waitTicket(t, ta)

	_, err := q.Cancel(context.Background())
	require.NoError(t, err)

	row, err := repo.GetByID(context.Background(), ta.ID())
	require.NoError(t, err)
	assert.Equal(t, storage.ItemStatusCompleted, row.Status)
}

func TestQueue_ItemFailureDoesNotHaltDraining(t *testing.T) {
	proc := procFunc(func(_ context.Context, item *storage.WorkItem) (string, error) {
		if item.SourcePath == "bad.docx" {
			return "", errors.New("engine exploded")
		}
		return "/out.pdf", nil
	})

	repo := newTestRepo(t)
	q := New(observability.Nop(), repo, proc)
	defer q.Close()

	ta := enqueue(t, q, "a.docx")
	tbad := enqueue(t, q, "bad.docx")
	tc := enqueue(t, q, "c.docx")
	q.StartProcessing()

	assert.Equal(t, storage.ItemStatusCompleted, waitTicket(t, ta).Status)

	bad := waitTicket(t, tbad)
	assert.Equal(t, storage.ItemStatusFailed, bad.Status)
	require.NotNil(t, bad.ErrorDetail)
	assert.Contains(t, *bad.ErrorDetail, "engine exploded")

	// The queue kept draining past the failure.
	assert.Equal(t, storage.ItemStatusCompleted, waitTicket(t, tc).Status)

	row, err := repo.GetByID(context.Background(), tbad.ID())
	require.NoError(t, err)
	assert.Equal(t, storage.ItemStatusFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)
}

func TestQueue_CancelItemOnlyAffectsPendingItems(t *testing.T) {
	q := New(observability.Nop(), newTestRepo(t), procFunc(func(_ context.Context, _ *storage.WorkItem) (string, error) {
		return "/out.pdf", nil
	}))
	defer q.Close()

	// Worker not started: the item stays pending and can be pulled.
	ta := enqueue(t, q, "a.docx")
	require.NoError(t, q.CancelItem(context.Background(), ta.ID()))
	assert.Equal(t, storage.ItemStatusCancelled, waitTicket(t, ta).Status)

	assert.ErrorIs(t, q.CancelItem(context.Background(), uuid.New()), ErrNotPending)
}

func TestQueue_RecoverReloadsQueuedItems(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	first := &storage.WorkItem{BatchID: uuid.New(), SourcePath: "left-over-1.docx", EnqueuedAt: base}
	second := &storage.WorkItem{BatchID: uuid.New(), SourcePath: "left-over-2.docx", EnqueuedAt: base.Add(time.Second)}
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	var mu sync.Mutex
	var processed []string
	q := New(observability.Nop(), repo, procFunc(func(_ context.Context, item *storage.WorkItem) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, item.SourcePath)
		return "/out.pdf", nil
	}))
	defer q.Close()

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	q.StartProcessing()
	require.Eventually(t, func() bool {
		row, err := repo.GetByID(ctx, second.ID)
		return err == nil && row.Status == storage.ItemStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"left-over-1.docx", "left-over-2.docx"}, processed)
}

func TestQueue_CloseRejectsNewWork(t *testing.T) {
	q := New(observability.Nop(), newTestRepo(t), procFunc(func(_ context.Context, _ *storage.WorkItem) (string, error) {
		return "/out.pdf", nil
	}))
	q.Close()
	q.Close() // idempotent

	_, err := q.Enqueue(context.Background(), &storage.WorkItem{SourcePath: "late.docx"})
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.False(t, q.IsProcessing())
}
