// Package storage provides database models and repositories for the
// docmill work item store.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ItemStatus represents the lifecycle state of a queued conversion.
type ItemStatus string

const (
	ItemStatusQueued     ItemStatus = "queued"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusCancelled  ItemStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemStatusCompleted, ItemStatusFailed, ItemStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is
// legal. Queued items start processing or get cancelled; processing
// items finish one way or the other; terminal states never change.
func CanTransition(from, to ItemStatus) bool {
	switch from {
	case ItemStatusQueued:
		return to == ItemStatusProcessing || to == ItemStatusCancelled
	case ItemStatusProcessing:
		return to == ItemStatusCompleted || to == ItemStatusFailed || to == ItemStatusCancelled
	}
	return false
}

// WorkItem is one document conversion owned by the work queue.
type WorkItem struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	BatchID     uuid.UUID       `json:"batch_id" db:"batch_id"`
	SourcePath  string          `json:"source_path" db:"source_path"`
	OutputPath  string          `json:"output_path" db:"output_path"`
	Engine      string          `json:"engine" db:"engine"`
	Params      json.RawMessage `json:"params,omitempty" db:"params"`
	Status      ItemStatus      `json:"status" db:"status"`
	Attempts    int             `json:"attempts" db:"attempts"`
	ErrorDetail *string         `json:"error_detail,omitempty" db:"error_detail"`
	EnqueuedAt  time.Time       `json:"enqueued_at" db:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// SetParams stores a string map into the raw params column.
func (w *WorkItem) SetParams(params map[string]string) error {
	if len(params) == 0 {
		w.Params = nil
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	w.Params = data
	return nil
}

// GetParams decodes the raw params column. Missing params decode to an
// empty map.
func (w *WorkItem) GetParams() (map[string]string, error) {
	params := make(map[string]string)
	if len(w.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(w.Params, &params); err != nil {
		return nil, err
	}
	return params, nil
}
