package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scoutline/discovery-cli/internal/config"
	"github.com/scoutline/discovery-cli/internal/model"
	"github.com/scoutline/discovery-cli/internal/store"
)

// Orchestrator runs the discovery stages in order, checkpointing each stage
// document and resuming from the latest live checkpoint when a pipeline id
// is reused.
type Orchestrator struct {
	store  store.Store
	search *SearchStage
	enrich *EnrichStage
	fit    *FitStage
	rerank *RerankStage
	cfg    config.PipelineConfig
}

// NewOrchestrator wires the orchestrator. rerank may be nil when no rerank
// backend is configured.
func NewOrchestrator(st store.Store, search *SearchStage, enrich *EnrichStage, fit *FitStage, rerank *RerankStage, cfg config.PipelineConfig) *Orchestrator {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	return &Orchestrator{store: st, search: search, enrich: enrich, fit: fit, rerank: rerank, cfg: cfg}
}

// Request describes one discovery run.
type Request struct {
	PipelineID   string
	Query        string
	FitQuery     string
	Limit        int
	MinFollowers int64
	MaxFollowers int64
	Platforms    []string
	StopAtStage  string
	Rerank       bool
	RerankTopK   int
	RerankMode   string
	DebugMode    bool
}

// searchFilters composes the follower and platform bounds for the search
// stage.
func (r Request) searchFilters() SearchFilters {
	return SearchFilters{
		MinFollowers: r.MinFollowers,
		MaxFollowers: r.MaxFollowers,
		Platforms:    r.Platforms,
	}
}

// Result is the orchestrator's answer for a run.
type Result struct {
	PipelineID      string                 `json:"pipeline_id"`
	Stage           string                 `json:"stage"`
	Status          string                 `json:"status"`
	Profiles        []model.CreatorProfile `json:"profiles"`
	Count           int                    `json:"count"`
	CompletedStages []string               `json:"completed_stages"`
	ResumedFrom     string                 `json:"resumed_from,omitempty"`
	Debug           map[string]any         `json:"debug,omitempty"`
}

// NewPipelineID generates a fresh pipeline identifier.
func NewPipelineID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Run executes the pipeline for req, resuming past completed stages when a
// live checkpoint exists. On stage failure the pipeline status is marked
// errored before the wrapped error is returned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	pipelineID := strings.TrimSpace(req.PipelineID)
	if pipelineID == "" {
		pipelineID = NewPipelineID()
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, NewStageError(StageSearch, CategoryInvalidArgument, "query is required", nil)
	}

	if req.Limit <= 0 {
		req.Limit = o.cfg.DefaultLimit
	}
	if req.Limit > o.cfg.MaxLimit {
		req.Limit = o.cfg.MaxLimit
	}

	stopAt := strings.ToUpper(strings.TrimSpace(req.StopAtStage))
	if stopAt == "" {
		stopAt = StageFit
	}
	stopRank := StageRank(stopAt)
	if stopRank < 0 {
		return nil, NewStageError(stopAt, CategoryInvalidArgument, "unknown stop stage", nil)
	}

	result, err := o.run(ctx, pipelineID, req, stopAt, stopRank)
	if err != nil {
		category := string(CategoryOf(err))
		if statusErr := o.store.ErrorPipelineStatus(ctx, pipelineID, category, err.Error()); statusErr != nil {
			zap.L().Error("failed to record pipeline error",
				zap.String("pipeline_id", pipelineID),
				zap.Error(statusErr),
			)
		}
		return nil, eris.Wrapf(err, "pipeline %s", pipelineID)
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, pipelineID string, req Request, stopAt string, stopRank int) (*Result, error) {
	if err := o.store.CreatePipelineStatus(ctx, &store.PipelineStatus{
		PipelineID: pipelineID,
		Status:     store.StatusRunning,
		Query:      req.Query,
	}); err != nil {
		return nil, eris.Wrap(err, "create pipeline status")
	}

	// Resume from the latest live checkpoint at or below the stop stage.
	profiles, debug, completed, resumedFrom, err := o.loadCheckpoint(ctx, pipelineID, stopRank)
	if err != nil {
		return nil, err
	}
	startRank := 0
	if resumedFrom != "" {
		// Rank-based, not len(completed): an expired intermediate document
		// must not cause the checkpointed stage to re-run.
		startRank = StageRank(resumedFrom) + 1
		zap.L().Info("resuming pipeline from checkpoint",
			zap.String("pipeline_id", pipelineID),
			zap.String("resumed_from", resumedFrom),
			zap.Int("profiles", len(profiles)),
		)
	}

	lastStage := resumedFrom
	for rank := startRank; rank <= stopRank; rank++ {
		stage := stageOrder[rank]

		var out *stageResult
		switch stage {
		case StageSearch:
			out, err = o.runSearch(ctx, req)
		case StageEnrich:
			out, err = o.runEnrich(ctx, profiles, debug)
		case StageFit:
			out, err = o.runFit(ctx, req.FitQuery, profiles, debug)
		}
		if err != nil {
			return nil, err
		}

		profiles = out.profiles
		debug = out.debug
		completed = append(completed, stage)
		lastStage = stage

		if err := o.checkpoint(ctx, pipelineID, stage, req.Query, profiles, debug, completed); err != nil {
			return nil, err
		}
	}

	status := store.StatusRunning
	if stopAt == StageFit {
		if err := o.store.CompletePipelineStatus(ctx, pipelineID); err != nil {
			return nil, eris.Wrap(err, "complete pipeline status")
		}
		status = store.StatusCompleted
	}

	if req.Rerank || req.RerankTopK > 0 || req.RerankMode != "" {
		profiles, debug = o.runRerank(ctx, pipelineID, req, profiles, debug, completed)
	}

	result := &Result{
		PipelineID:      pipelineID,
		Stage:           lastStage,
		Status:          status,
		Profiles:        profiles,
		Count:           len(profiles),
		CompletedStages: completed,
		ResumedFrom:     resumedFrom,
	}
	if req.DebugMode {
		result.Debug = SanitizeDebug(debug)
	}
	return result, nil
}

// loadCheckpoint finds the highest-ranked live stage document not past
// stopRank and returns its results plus the normalized completed list.
func (o *Orchestrator) loadCheckpoint(ctx context.Context, pipelineID string, stopRank int) ([]model.CreatorProfile, map[string]any, []string, string, error) {
	live, err := o.store.LiveStages(ctx, pipelineID)
	if err != nil {
		return nil, nil, nil, "", eris.Wrap(err, "list live stages")
	}

	latest := ""
	latestRank := -1
	for _, s := range NormalizeCompletedStages(live) {
		if rank := StageRank(s); rank > latestRank && rank <= stopRank {
			latest, latestRank = s, rank
		}
	}
	if latest == "" {
		return nil, map[string]any{}, nil, "", nil
	}

	doc, err := o.store.GetStageDocument(ctx, pipelineID, latest)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, map[string]any{}, nil, "", nil
		}
		return nil, nil, nil, "", eris.Wrapf(err, "load checkpoint %s", latest)
	}

	completed := NormalizeCompletedStages(append(doc.CompletedStages, latest))
	debug := doc.Debug
	if debug == nil {
		debug = map[string]any{}
	}
	return doc.Results, debug, completed, latest, nil
}

type stageResult struct {
	profiles []model.CreatorProfile
	debug    map[string]any
}

func (o *Orchestrator) runSearch(ctx context.Context, req Request) (*stageResult, error) {
	out, err := o.search.Run(ctx, req.Query, req.Limit, req.searchFilters())
	if err != nil {
		return nil, err
	}
	return &stageResult{profiles: out.Profiles, debug: map[string]any{StageSearch: out.Debug}}, nil
}

func (o *Orchestrator) runEnrich(ctx context.Context, profiles []model.CreatorProfile, debug map[string]any) (*stageResult, error) {
	out, err := o.enrich.Run(ctx, profiles)
	if err != nil {
		return nil, err
	}
	debug[StageEnrich] = out.Debug
	return &stageResult{profiles: out.Profiles, debug: debug}, nil
}

func (o *Orchestrator) runFit(ctx context.Context, fitQuery string, profiles []model.CreatorProfile, debug map[string]any) (*stageResult, error) {
	out, err := o.fit.Run(ctx, fitQuery, profiles, successKeysFromDebug(debug))
	if err != nil {
		return nil, err
	}
	debug[StageFit] = out.Debug
	return &stageResult{profiles: out.Profiles, debug: debug}, nil
}

// runRerank applies the optional rerank pass and checkpoints its document.
// Failures keep the fit order and are surfaced as a RERANK_FAILED event.
func (o *Orchestrator) runRerank(ctx context.Context, pipelineID string, req Request, profiles []model.CreatorProfile, debug map[string]any, completed []string) ([]model.CreatorProfile, map[string]any) {
	if o.rerank == nil {
		return profiles, debug
	}

	out, err := o.rerank.Run(ctx, req.Query, profiles, RerankOptions{TopK: req.RerankTopK, Mode: req.RerankMode})
	if err != nil || out.Degraded {
		event := store.StageEvent{
			Stage: "RERANK_FAILED",
			At:    time.Now().UTC(),
			Data:  map[string]any{"status": "degraded"},
		}
		if err != nil {
			event.Data["error"] = err.Error()
		}
		if recErr := o.store.RecordStageEvent(ctx, pipelineID, event); recErr != nil {
			zap.L().Warn("failed to record rerank event",
				zap.String("pipeline_id", pipelineID),
				zap.Error(recErr),
			)
		}
		// Degraded passes keep the fit order and leave no RERANK checkpoint.
		return profiles, debug
	}

	debug[StageRerank] = out.Debug
	if err := o.checkpoint(ctx, pipelineID, StageRerank, req.Query, out.Profiles, debug, completed); err != nil {
		zap.L().Warn("failed to checkpoint rerank document",
			zap.String("pipeline_id", pipelineID),
			zap.Error(err),
		)
	}
	return out.Profiles, debug
}

// checkpoint persists the stage document, advances progress, and records the
// stage event.
func (o *Orchestrator) checkpoint(ctx context.Context, pipelineID, stage, query string, profiles []model.CreatorProfile, debug map[string]any, completed []string) error {
	if size := EstimatePayloadSize(len(profiles)); size > payloadWarnBytes {
		zap.L().Warn("stage document approaching size limit",
			zap.String("pipeline_id", pipelineID),
			zap.String("stage", stage),
			zap.Int("estimated_bytes", size),
		)
	}

	docID := store.StageDocID(pipelineID, stage)
	doc := &store.StageDocument{
		PipelineID:      pipelineID,
		Stage:           stage,
		DocID:           docID,
		Query:           query,
		Results:         profiles,
		Count:           len(profiles),
		Debug:           SanitizeDebug(debug),
		CompletedStages: completed,
	}
	if err := o.store.SaveStageDocument(ctx, doc); err != nil {
		return eris.Wrapf(err, "save %s checkpoint", stage)
	}

	if err := o.store.UpdatePipelineStatus(ctx, pipelineID, stage, StageProgress(stage)); err != nil {
		return eris.Wrap(err, "update pipeline status")
	}

	event := store.StageEvent{
		Stage: stage,
		At:    time.Now().UTC(),
		Data: map[string]any{
			"status":              "completed",
			"count":               len(profiles),
			"stage_document_path": docID,
			"completed_stages":    completed,
		},
	}
	if err := o.store.RecordStageEvent(ctx, pipelineID, event); err != nil {
		return eris.Wrap(err, "record stage event")
	}
	return nil
}

// successKeysFromDebug pulls the enrichment success keys out of the carried
// debug payload so fit scoring can filter to enriched profiles.
func successKeysFromDebug(debug map[string]any) []string {
	enrich, ok := debug[StageEnrich].(map[string]any)
	if !ok {
		return nil
	}
	switch keys := enrich["success_keys"].(type) {
	case []string:
		return keys
	case []any:
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			if s, ok := k.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
