// Package queue implements the durable FIFO work queue that feeds
// document conversions, one at a time, into the shared engine session.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/internal/storage"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("queue: closed")
	// ErrNotPending is returned by CancelItem for items that already
	// started processing or finished.
	ErrNotPending = errors.New("queue: item is not pending")
)

// Processor executes one work item. The queue calls it from a single
// worker goroutine, so implementations may assume at most one call in
// flight. The context is queue-owned: in-flight items are never
// force-cancelled, the processor enforces its own timeouts.
type Processor interface {
	Process(ctx context.Context, item *storage.WorkItem) (outputPath string, err error)
}

// Ticket lets the submitter wait for one item's terminal state.
type Ticket struct {
	id   uuid.UUID
	once sync.Once
	done chan struct{}
	item *storage.WorkItem
}

func newTicket(id uuid.UUID) *Ticket {
	return &Ticket{id: id, done: make(chan struct{})}
}

// ID returns the work item id this ticket tracks.
func (t *Ticket) ID() uuid.UUID { return t.id }

// Done is closed once the item reaches a terminal state.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Item returns the final work item snapshot. Only valid after Done is
// closed.
func (t *Ticket) Item() *storage.WorkItem { return t.item }

func (t *Ticket) resolve(item *storage.WorkItem) {
	t.once.Do(func() {
		t.item = item
		close(t.done)
	})
}

type pendingItem struct {
	item   *storage.WorkItem
	ticket *Ticket
}

// Queue drains work items strictly in submission order on one worker
// goroutine. Every status transition is persisted through the work
// item repository, so a restart can pick up where the previous run
// stopped.
type Queue struct {
	logger *observability.Logger
	store  *storage.WorkItemRepository
	proc   Processor

	mu         sync.Mutex
	pending    []*pendingItem
	processing bool
	closed     bool
	stopCur    chan struct{}
	workerDone chan struct{}
	wake       chan struct{}
}

// New creates a queue draining into the given processor.
func New(logger *observability.Logger, store *storage.WorkItemRepository, proc Processor) *Queue {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Queue{
		logger: logger.WithComponent("queue"),
		store:  store,
		proc:   proc,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue persists the item in Queued state, appends it to the FIFO
// and returns a ticket immediately. It never waits for processing.
func (q *Queue) Enqueue(ctx context.Context, item *storage.WorkItem) (*Ticket, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.Status = storage.ItemStatusQueued

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.mu.Unlock()

	if err := q.store.Create(ctx, item); err != nil {
		return nil, err
	}

	ticket := newTicket(item.ID)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		_ = q.store.MarkCancelled(context.WithoutCancel(ctx), item.ID)
		return nil, ErrQueueClosed
	}
	q.pending = append(q.pending, &pendingItem{item: item, ticket: ticket})
	depth := len(q.pending)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.logger.Debug().
		Str("item_id", item.ID.String()).
		Str("batch_id", item.BatchID.String()).
		Str("source", item.SourcePath).
		Int("queue_depth", depth).
		Msg("Work item enqueued")
	return ticket, nil
}

// Recover reloads items a previous run left in Queued state, oldest
// first. Call it once before StartProcessing.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	items, err := q.store.ListByStatus(ctx, storage.ItemStatusQueued, 0)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	q.mu.Lock()
	for _, item := range items {
		q.pending = append(q.pending, &pendingItem{item: item, ticket: newTicket(item.ID)})
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.logger.Info().Int("items", len(items)).Msg("Recovered queued work items")
	return len(items), nil
}

// StartProcessing launches the drain worker if it is not already
// running. Safe to call any number of times.
func (q *Queue) StartProcessing() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing || q.closed {
		return
	}
	q.processing = true
	q.stopCur = make(chan struct{})
	q.workerDone = make(chan struct{})
	go q.drain(q.stopCur, q.workerDone)
	q.logger.Info().Msg("Queue processing started")
}

// IsProcessing reports whether the drain worker is running.
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Depth returns how many items wait in the FIFO.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Cancel stops draining after the current in-flight item finishes and
// cancels every queued item, resolving their tickets. Items that
// already completed are untouched. Processing can be resumed later
// with StartProcessing.
func (q *Queue) Cancel(ctx context.Context) (int64, error) {
	q.mu.Lock()
	if q.processing {
		q.signalStopLocked()
	}
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	n, err := q.store.CancelAllQueued(ctx)
	now := time.Now().UTC()
	for _, p := range pending {
		p.item.Status = storage.ItemStatusCancelled
		p.item.FinishedAt = &now
		p.ticket.resolve(p.item)
	}

	q.logger.Info().
		Int("pending_cancelled", len(pending)).
		Int64("rows_cancelled", n).
		Msg("Queue cancelled")
	return n, err
}

// CancelItem cancels a single item that has not started processing
// yet. In-flight and finished items are left alone.
func (q *Queue) CancelItem(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	var target *pendingItem
	for i, p := range q.pending {
		if p.item.ID == id {
			target = p
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if target == nil {
		return ErrNotPending
	}
	if err := q.store.MarkCancelled(ctx, id); err != nil {
		q.logger.Warn().Str("item_id", id.String()).Err(err).
			Msg("Cancel persisted state mismatch")
	}
	now := time.Now().UTC()
	target.item.Status = storage.ItemStatusCancelled
	target.item.FinishedAt = &now
	target.ticket.resolve(target.item)
	return nil
}

// Close stops the worker after the current item and rejects further
// submissions. Queued items stay queued in the store so the next run
// can Recover them.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var done chan struct{}
	if q.processing {
		q.signalStopLocked()
		done = q.workerDone
	}
	q.mu.Unlock()

	if done != nil {
		<-done
	}
	q.logger.Info().Msg("Queue closed")
}

// signalStopLocked closes stopCur exactly once. Callers hold q.mu.
func (q *Queue) signalStopLocked() {
	select {
	case <-q.stopCur:
	default:
		close(q.stopCur)
	}
}

func (q *Queue) drain(stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		p := q.pop()
		if p == nil {
			select {
			case <-q.wake:
				continue
			case <-stop:
				return
			}
		}
		q.processOne(p)
	}
}

func (q *Queue) pop() *pendingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	p := q.pending[0]
	q.pending = q.pending[1:]
	return p
}

// processOne runs a single item to a terminal state. Item failures are
// recorded and draining continues; only the stop signal ends the loop.
func (q *Queue) processOne(p *pendingItem) {
	ctx := context.Background()
	item := p.item

	if err := q.store.MarkProcessing(ctx, item.ID); err != nil {
		// The row is no longer queued, a concurrent cancel won.
		if cur, gerr := q.store.GetByID(ctx, item.ID); gerr == nil {
			item = cur
		} else {
			item.Status = storage.ItemStatusCancelled
		}
		q.logger.Warn().
			Str("item_id", item.ID.String()).
			Err(err).
			Msg("Skipping work item, no longer queued")
		p.ticket.resolve(item)
		return
	}
	now := time.Now().UTC()
	item.Status = storage.ItemStatusProcessing
	item.Attempts++
	item.StartedAt = &now

	q.logger.Info().
		Str("item_id", item.ID.String()).
		Str("source", item.SourcePath).
		Msg("Processing work item")

	output, err := q.proc.Process(ctx, item)
	finished := time.Now().UTC()
	item.FinishedAt = &finished

	if err != nil {
		detail := err.Error()
		if serr := q.store.MarkFailed(ctx, item.ID, detail); serr != nil {
			q.logger.Error().Str("item_id", item.ID.String()).Err(serr).
				Msg("Cannot persist failed state")
		}
		item.Status = storage.ItemStatusFailed
		item.ErrorDetail = &detail
		q.logger.Warn().
			Str("item_id", item.ID.String()).
			Str("source", item.SourcePath).
			Err(err).
			Msg("Work item failed")
	} else {
		if serr := q.store.MarkCompleted(ctx, item.ID, output); serr != nil {
			q.logger.Error().Str("item_id", item.ID.String()).Err(serr).
				Msg("Cannot persist completed state")
		}
		item.Status = storage.ItemStatusCompleted
		item.OutputPath = output
		q.logger.Info().
			Str("item_id", item.ID.String()).
			Str("output", output).
			Dur("took", finished.Sub(now)).
			Msg("Work item completed")
	}
	p.ticket.resolve(item)
}
