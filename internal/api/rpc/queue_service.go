// Package rpc provides Connect service implementations for the docmill
// work queue.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/docmill/docmill/internal/dispatch"
	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/internal/queue"
	"github.com/docmill/docmill/internal/storage"
)

// Procedure paths for the queue service. Handlers mount at these paths
// relative to the RPC prefix; clients append them to the base URL.
const (
	ProcedureSubmit = "/docmill.v1.QueueService/Submit"
	ProcedureStatus = "/docmill.v1.QueueService/Status"
	ProcedureStats  = "/docmill.v1.QueueService/Stats"
)

// QueueService implements the Connect queue service.
type QueueService struct {
	logger *observability.Logger
	queue  *queue.Queue
	store  *storage.WorkItemRepository
	disp   *dispatch.Dispatcher
}

// NewQueueService creates a new queue service.
func NewQueueService(logger *observability.Logger, q *queue.Queue, store *storage.WorkItemRepository, disp *dispatch.Dispatcher) *QueueService {
	if logger == nil {
		logger = observability.Nop()
	}
	return &QueueService{
		logger: logger.WithComponent("rpc"),
		queue:  q,
		store:  store,
		disp:   disp,
	}
}

// SubmitRequest enqueues one file for conversion.
type SubmitRequest struct {
	SourcePath string            `json:"source_path"`
	TargetDir  string            `json:"target_dir"`
	Engine     string            `json:"engine,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// SubmitResponse acknowledges an accepted work item.
type SubmitResponse struct {
	ItemID     string `json:"item_id"`
	BatchID    string `json:"batch_id"`
	Engine     string `json:"engine"`
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
}

// StatusRequest looks up one work item.
type StatusRequest struct {
	ItemID string `json:"item_id"`
}

// StatusResponse carries the current work item snapshot.
type StatusResponse struct {
	Item *Item `json:"item"`
}

// Item represents a work item on the wire.
type Item struct {
	ID         string `json:"id"`
	BatchID    string `json:"batch_id"`
	SourcePath string `json:"source_path"`
	Engine     string `json:"engine,omitempty"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	OutputPath string `json:"output_path,omitempty"`
	Error      string `json:"error,omitempty"`
	EnqueuedAt string `json:"enqueued_at"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// StatsRequest asks for queue-wide counters.
type StatsRequest struct{}

// StatsResponse reports queue depth and dispatcher counters.
type StatsResponse struct {
	QueueDepth  int               `json:"queue_depth"`
	Processing  bool              `json:"processing"`
	Conversions uint64            `json:"conversions"`
	CacheHits   uint64            `json:"cache_hits"`
	Failures    uint64            `json:"failures"`
	Breakers    map[string]string `json:"breakers"`
}

// Submit handles Connect submissions of single conversion jobs.
func (s *QueueService) Submit(ctx context.Context, req *connect.Request[SubmitRequest]) (*connect.Response[SubmitResponse], error) {
	msg := req.Msg

	if msg.SourcePath == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("source_path is required"))
	}
	if msg.TargetDir == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("target_dir is required"))
	}

	info, err := os.Stat(msg.SourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("source file %q not found", msg.SourcePath))
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if info.IsDir() {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%q is a directory", msg.SourcePath))
	}

	engineName := msg.Engine
	if engineName == "" {
		name, ok := s.disp.EngineNameFor(msg.SourcePath)
		if !ok {
			return nil, connect.NewError(connect.CodeInvalidArgument,
				fmt.Errorf("no engine accepts %q", filepath.Ext(msg.SourcePath)))
		}
		engineName = name
	} else if !s.disp.HasEngine(engineName) {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("unknown engine %q", engineName))
	}

	params := make(map[string]string, len(msg.Params)+1)
	for k, v := range msg.Params {
		params[k] = v
	}
	params[dispatch.ParamTargetDir] = msg.TargetDir

	item := &storage.WorkItem{
		BatchID:    uuid.New(),
		SourcePath: msg.SourcePath,
		Engine:     msg.Engine,
	}
	if err := item.SetParams(params); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	ticket, err := s.queue.Enqueue(ctx, item)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			return nil, connect.NewError(connect.CodeUnavailable, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	s.queue.StartProcessing()

	s.logger.Info().
		Str("item_id", ticket.ID().String()).
		Str("source", msg.SourcePath).
		Str("engine", engineName).
		Msg("Work item submitted")

	return connect.NewResponse(&SubmitResponse{
		ItemID:     ticket.ID().String(),
		BatchID:    item.BatchID.String(),
		Engine:     engineName,
		Status:     string(storage.ItemStatusQueued),
		QueueDepth: s.queue.Depth(),
	}), nil
}

// Status handles Connect work item lookups.
func (s *QueueService) Status(ctx context.Context, req *connect.Request[StatusRequest]) (*connect.Response[StatusResponse], error) {
	if req.Msg.ItemID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("item_id is required"))
	}
	id, err := uuid.Parse(req.Msg.ItemID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("invalid item_id format"))
	}

	item, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("work item %s not found", id))
		}
		s.logger.Error().Err(err).Str("item_id", id.String()).Msg("Work item lookup failed")
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(&StatusResponse{Item: toWireItem(item)}), nil
}

// Stats handles Connect queue statistics requests.
func (s *QueueService) Stats(ctx context.Context, _ *connect.Request[StatsRequest]) (*connect.Response[StatsResponse], error) {
	stats := s.disp.Stats()
	return connect.NewResponse(&StatsResponse{
		QueueDepth:  s.queue.Depth(),
		Processing:  s.queue.IsProcessing(),
		Conversions: stats.Conversions,
		CacheHits:   stats.CacheHits,
		Failures:    stats.Failures,
		Breakers:    s.disp.BreakerStates(),
	}), nil
}

func toWireItem(item *storage.WorkItem) *Item {
	wire := &Item{
		ID:         item.ID.String(),
		BatchID:    item.BatchID.String(),
		SourcePath: item.SourcePath,
		Engine:     item.Engine,
		Status:     string(item.Status),
		Attempts:   item.Attempts,
		OutputPath: item.OutputPath,
		EnqueuedAt: item.EnqueuedAt.Format(time.RFC3339),
	}
	if item.ErrorDetail != nil {
		wire.Error = *item.ErrorDetail
	}
	if item.StartedAt != nil {
		wire.StartedAt = item.StartedAt.Format(time.RFC3339)
	}
	if item.FinishedAt != nil {
		wire.FinishedAt = item.FinishedAt.Format(time.RFC3339)
	}
	return wire
}

// Mux is the slice of an HTTP mux the handlers mount on. Both chi
// routers and net/http serve muxes satisfy it.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Mount registers the Connect handlers for svc at their procedure
// paths on mux.
func Mount(mux Mux, svc *QueueService) {
	mux.Handle(ProcedureSubmit, connect.NewUnaryHandler(ProcedureSubmit, svc.Submit, connect.WithCodec(jsonCodec{})))
	mux.Handle(ProcedureStatus, connect.NewUnaryHandler(ProcedureStatus, svc.Status, connect.WithCodec(jsonCodec{})))
	mux.Handle(ProcedureStats, connect.NewUnaryHandler(ProcedureStats, svc.Stats, connect.WithCodec(jsonCodec{})))
}
