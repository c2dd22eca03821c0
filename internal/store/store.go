// Package store persists pipeline status and per-stage checkpoint documents.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/scoutline/discovery-cli/internal/model"
)

// ErrNotFound is returned when a document does not exist or has expired.
var ErrNotFound = eris.New("store: not found")

// Pipeline status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// StageDocument is a checkpoint of one stage's output. Documents are keyed
// by "{pipeline_id}_{STAGE}" and expire after the store TTL; every write
// refreshes the expiry.
type StageDocument struct {
	PipelineID      string                 `json:"pipeline_id"`
	Stage           string                 `json:"stage"`
	DocID           string                 `json:"doc_id"`
	Query           string                 `json:"query,omitempty"`
	Results         []model.CreatorProfile `json:"results"`
	Count           int                    `json:"count"`
	Debug           map[string]any         `json:"debug,omitempty"`
	CompletedStages []string               `json:"completed_stages"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	ExpiresAt       time.Time              `json:"expires_at"`
}

// StageDocID builds the document key for a pipeline stage.
func StageDocID(pipelineID, stage string) string {
	return pipelineID + "_" + stage
}

// StageEvent is one entry in the pipeline's event log.
type StageEvent struct {
	Stage string         `json:"stage"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data,omitempty"`
}

// PipelineStatus is the live status record for one pipeline run.
type PipelineStatus struct {
	PipelineID string       `json:"pipeline_id"`
	Status     string       `json:"status"`
	Stage      string       `json:"stage,omitempty"`
	Progress   int          `json:"progress"`
	Query      string       `json:"query,omitempty"`
	Error      string       `json:"error,omitempty"`
	Events     []StageEvent `json:"events"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

// Store defines persistence for stage documents and pipeline status.
type Store interface {
	// SaveStageDocument upserts a stage checkpoint and refreshes its TTL.
	SaveStageDocument(ctx context.Context, doc *StageDocument) error
	// GetStageDocument loads a live stage checkpoint. Expired documents are
	// reported as ErrNotFound.
	GetStageDocument(ctx context.Context, pipelineID, stage string) (*StageDocument, error)
	// LiveStages lists the stage names with unexpired documents for a pipeline.
	LiveStages(ctx context.Context, pipelineID string) ([]string, error)

	CreatePipelineStatus(ctx context.Context, status *PipelineStatus) error
	UpdatePipelineStatus(ctx context.Context, pipelineID, stage string, progress int) error
	RecordStageEvent(ctx context.Context, pipelineID string, event StageEvent) error
	CompletePipelineStatus(ctx context.Context, pipelineID string) error
	ErrorPipelineStatus(ctx context.Context, pipelineID, category, message string) error
	GetPipelineStatus(ctx context.Context, pipelineID string) (*PipelineStatus, error)

	// ListExpiredPipelines returns the pipeline ids owning expired stage
	// documents, oldest expiry first, scanning at most maxDocs documents.
	ListExpiredPipelines(ctx context.Context, now time.Time, maxDocs int) ([]string, error)
	// DeleteExpiredForPipeline removes a pipeline's expired stage documents
	// and its status row, returning the number of documents deleted.
	DeleteExpiredForPipeline(ctx context.Context, pipelineID string, now time.Time) (int64, error)

	Migrate(ctx context.Context) error
	Close()
}
