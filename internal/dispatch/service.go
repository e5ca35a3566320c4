package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docmill/docmill/internal/engine"
	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/internal/queue"
	"github.com/docmill/docmill/internal/stages"
	"github.com/docmill/docmill/internal/storage"
)

// ErrConversionCancelled reports an item cancelled before completion.
var ErrConversionCancelled = errors.New("conversion cancelled")

// QueueService adapts the queue and dispatcher pair to the pipeline's
// ConversionService: enqueue the file, make sure the worker runs, wait
// for the ticket. Callers that give up waiting cancel their item if it
// has not started; an in-flight item always runs to completion and is
// persisted.
type QueueService struct {
	logger *observability.Logger
	queue  *queue.Queue
	disp   *Dispatcher
}

// NewQueueService wires the conversion path used by the pipeline.
func NewQueueService(logger *observability.Logger, q *queue.Queue, d *Dispatcher) *QueueService {
	if logger == nil {
		logger = observability.Nop()
	}
	return &QueueService{logger: logger, queue: q, disp: d}
}

var _ stages.ConversionService = (*QueueService)(nil)

func (s *QueueService) ConvertFile(ctx context.Context, req stages.ConversionRequest) (*stages.ConvertedFile, error) {
	engineName, ok := s.disp.EngineNameFor(req.SourcePath)
	if !ok {
		return nil, engine.UnsupportedError("dispatch",
			fmt.Sprintf("no engine accepts %q", filepath.Ext(req.SourcePath)), nil)
	}

	params := make(map[string]string, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	params[ParamTargetDir] = req.TargetDir

	item := &storage.WorkItem{
		BatchID:    req.BatchID,
		SourcePath: req.SourcePath,
		Engine:     engineName,
	}
	if err := item.SetParams(params); err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	start := time.Now()
	ticket, err := s.queue.Enqueue(ctx, item)
	if err != nil {
		return nil, err
	}
	s.queue.StartProcessing()

	select {
	case <-ticket.Done():
		final := ticket.Item()
		switch final.Status {
		case storage.ItemStatusCompleted:
			return &stages.ConvertedFile{
				OutputPath: final.OutputPath,
				Duration:   time.Since(start),
			}, nil
		case storage.ItemStatusCancelled:
			return nil, ErrConversionCancelled
		default:
			detail := "conversion failed"
			if final.ErrorDetail != nil {
				detail = *final.ErrorDetail
			}
			return nil, errors.New(detail)
		}
	case <-ctx.Done():
		// Pull the item back out if it has not started; otherwise let
		// it finish on the worker and stop waiting.
		if err := s.queue.CancelItem(context.WithoutCancel(ctx), ticket.ID()); err != nil {
			s.logger.Debug().
				Str("item_id", ticket.ID().String()).
				Msg("Item already in flight, abandoning wait")
		}
		return nil, ctx.Err()
	}
}
