package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scoutline/discovery-cli/internal/model"
	"github.com/scoutline/discovery-cli/internal/store"
)

// StageRequest runs a single stage in isolation. Non-search stages read
// their input from a persisted stage document of the same pipeline, so a
// stage can be re-run against an existing checkpoint.
type StageRequest struct {
	PipelineID   string
	Stage        string
	InputStage   string
	Query        string
	FitQuery     string
	Limit        int
	MinFollowers int64
	MaxFollowers int64
	Platforms    []string
	RerankTopK   int
	RerankMode   string
	DebugMode    bool
}

// defaultInputStage is the checkpoint a stage reads when the caller names
// none.
func defaultInputStage(stage string) string {
	switch stage {
	case StageEnrich:
		return StageSearch
	case StageFit:
		return StageEnrich
	case StageRerank:
		return StageFit
	}
	return ""
}

// RunStage executes one stage against the pipeline's persisted state and
// checkpoints the result. SEARCH mints a pipeline id when none is given;
// every other stage requires one.
func (o *Orchestrator) RunStage(ctx context.Context, req StageRequest) (*Result, error) {
	stage := strings.ToUpper(strings.TrimSpace(req.Stage))
	if !KnownStage(stage) {
		return nil, NewStageError(stage, CategoryInvalidArgument, "unknown stage", nil)
	}

	pipelineID := strings.TrimSpace(req.PipelineID)
	if pipelineID == "" {
		if stage != StageSearch {
			return nil, NewStageError(stage, CategoryInvalidArgument, "pipeline id is required", nil)
		}
		pipelineID = NewPipelineID()
	}

	result, err := o.runStage(ctx, pipelineID, stage, req)
	if err != nil {
		return nil, eris.Wrapf(err, "stage %s of pipeline %s", stage, pipelineID)
	}
	return result, nil
}

func (o *Orchestrator) runStage(ctx context.Context, pipelineID, stage string, req StageRequest) (*Result, error) {
	var (
		profiles  []model.CreatorProfile
		debug     map[string]any
		completed []string
		query     = strings.TrimSpace(req.Query)
	)

	if stage == StageSearch {
		if query == "" {
			return nil, NewStageError(StageSearch, CategoryInvalidArgument, "query is required", nil)
		}
		limit := req.Limit
		if limit <= 0 {
			limit = o.cfg.DefaultLimit
		}
		if limit > o.cfg.MaxLimit {
			limit = o.cfg.MaxLimit
		}
		out, err := o.search.Run(ctx, query, limit, SearchFilters{
			MinFollowers: req.MinFollowers,
			MaxFollowers: req.MaxFollowers,
			Platforms:    req.Platforms,
		})
		if err != nil {
			return nil, err
		}
		profiles = out.Profiles
		debug = map[string]any{StageSearch: out.Debug}
	} else {
		inputStage := strings.ToUpper(strings.TrimSpace(req.InputStage))
		if inputStage == "" {
			inputStage = defaultInputStage(stage)
		}
		if !KnownStage(inputStage) {
			return nil, NewStageError(stage, CategoryInvalidArgument, "unknown input stage", nil)
		}

		doc, err := o.store.GetStageDocument(ctx, pipelineID, inputStage)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				return nil, NewStageError(stage, CategoryFailedPrecondition,
					"input stage document "+inputStage+" not found or expired", nil)
			}
			return nil, eris.Wrapf(err, "load input stage %s", inputStage)
		}
		profiles = doc.Results
		completed = doc.CompletedStages
		if debug = doc.Debug; debug == nil {
			debug = map[string]any{}
		}
		if query == "" {
			query = doc.Query
		}

		switch stage {
		case StageEnrich:
			out, err := o.enrich.Run(ctx, profiles)
			if err != nil {
				return nil, err
			}
			profiles = out.Profiles
			debug[StageEnrich] = out.Debug
		case StageFit:
			out, err := o.fit.Run(ctx, req.FitQuery, profiles, successKeysFromDebug(debug))
			if err != nil {
				return nil, err
			}
			profiles = out.Profiles
			debug[StageFit] = out.Debug
		case StageRerank:
			if o.rerank == nil {
				return nil, NewStageError(StageRerank, CategoryFailedPrecondition, "rerank backend is not configured", nil)
			}
			if query == "" {
				return nil, NewStageError(StageRerank, CategoryInvalidArgument, "query is required", nil)
			}
			out, err := o.rerank.Run(ctx, query, profiles, RerankOptions{TopK: req.RerankTopK, Mode: req.RerankMode})
			if err != nil || out.Degraded {
				event := store.StageEvent{
					Stage: "RERANK_FAILED",
					At:    time.Now().UTC(),
					Data:  map[string]any{"status": "degraded", "input_stage": inputStage},
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
				result := &Result{
					PipelineID:      pipelineID,
					Stage:           StageRerank,
					Status:          store.StatusRunning,
					Profiles:        profiles,
					Count:           len(profiles),
					CompletedStages: NormalizeCompletedStages(completed),
				}
				if req.DebugMode {
					result.Debug = SanitizeDebug(debug)
				}
				return result, nil
			}
			profiles = out.Profiles
			debug[StageRerank] = out.Debug
		}
	}

	completed = NormalizeCompletedStages(append(completed, stage))
	if err := o.store.CreatePipelineStatus(ctx, &store.PipelineStatus{
		PipelineID: pipelineID,
		Status:     store.StatusRunning,
		Query:      query,
	}); err != nil {
		return nil, eris.Wrap(err, "create pipeline status")
	}
	if err := o.checkpoint(ctx, pipelineID, stage, query, profiles, debug, completed); err != nil {
		return nil, err
	}

	result := &Result{
		PipelineID:      pipelineID,
		Stage:           stage,
		Status:          store.StatusRunning,
		Profiles:        profiles,
		Count:           len(profiles),
		CompletedStages: completed,
	}
	if req.DebugMode {
		result.Debug = SanitizeDebug(debug)
	}
	return result, nil
}
