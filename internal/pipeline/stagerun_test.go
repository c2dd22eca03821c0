package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutline/discovery-cli/internal/store"
)

func TestRunStageSearchCreatesCheckpoint(t *testing.T) {
	fx := newOrchestratorFixture()

	res, err := fx.orch.RunStage(context.Background(), StageRequest{
		Stage: StageSearch,
		Query: "vegan chefs",
	})
	require.NoError(t, err)

	assert.Len(t, res.PipelineID, 32)
	assert.Equal(t, StageSearch, res.Stage)
	assert.Equal(t, []string{StageSearch}, res.CompletedStages)
	assert.Equal(t, 2, res.Count)

	doc, err := fx.store.GetStageDocument(context.Background(), res.PipelineID, StageSearch)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Count)

	status, err := fx.store.GetPipelineStatus(context.Background(), res.PipelineID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, status.Status)
	assert.Equal(t, 33, status.Progress)
}

func TestRunStageChainsThroughCheckpoints(t *testing.T) {
	fx := newOrchestratorFixture()

	search, err := fx.orch.RunStage(context.Background(), StageRequest{
		Stage: StageSearch,
		Query: "vegan chefs",
	})
	require.NoError(t, err)

	enrich, err := fx.orch.RunStage(context.Background(), StageRequest{
		PipelineID: search.PipelineID,
		Stage:      StageEnrich,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{StageSearch, StageEnrich}, enrich.CompletedStages)
	assert.NotEmpty(t, fx.provider.triggers)

	fit, err := fx.orch.RunStage(context.Background(), StageRequest{
		PipelineID: search.PipelineID,
		Stage:      StageFit,
		FitQuery:   "vegan cooking brand",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{StageSearch, StageEnrich, StageFit}, fit.CompletedStages)
	require.NotNil(t, fit.Profiles[0].FitScore)
}

func TestRunStageReRunsAgainstSameInput(t *testing.T) {
	fx := newOrchestratorFixture()

	run, err := fx.orch.Run(context.Background(), Request{
		Query:    "vegan chefs",
		FitQuery: "vegan cooking brand",
	})
	require.NoError(t, err)
	firstCalls := fx.fitLLM.callCount()

	// Re-scoring reads the persisted BRIGHTDATA document again instead of
	// skipping a stage whose checkpoint is already live.
	rerun, err := fx.orch.RunStage(context.Background(), StageRequest{
		PipelineID: run.PipelineID,
		Stage:      StageFit,
		InputStage: StageEnrich,
		FitQuery:   "gluten free baking brand",
	})
	require.NoError(t, err)

	assert.Equal(t, firstCalls*2, fx.fitLLM.callCount())
	assert.Equal(t, run.Count, rerun.Count)

	doc, err := fx.store.GetStageDocument(context.Background(), run.PipelineID, StageFit)
	require.NoError(t, err)
	assert.Equal(t, rerun.Count, doc.Count)
}

func TestRunStageRerankStandalone(t *testing.T) {
	fx := newOrchestratorFixture()

	run, err := fx.orch.Run(context.Background(), Request{
		Query:    "vegan chefs",
		FitQuery: "vegan cooking brand",
	})
	require.NoError(t, err)

	res, err := fx.orch.RunStage(context.Background(), StageRequest{
		PipelineID: run.PipelineID,
		Stage:      StageRerank,
	})
	require.NoError(t, err)

	assert.Equal(t, StageRerank, res.Stage)
	require.Len(t, res.Profiles, 2)
	require.NotNil(t, res.Profiles[0].RerankScore)
	assert.Equal(t, "vegan chefs", fx.reranker.lastQuery, "falls back to the checkpointed query")

	doc, err := fx.store.GetStageDocument(context.Background(), run.PipelineID, StageRerank)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Count)
}

func TestRunStageRequiresPipelineID(t *testing.T) {
	fx := newOrchestratorFixture()

	_, err := fx.orch.RunStage(context.Background(), StageRequest{Stage: StageEnrich})
	require.Error(t, err)
	assert.Equal(t, CategoryInvalidArgument, CategoryOf(err))
}

func TestRunStageRejectsUnknownStage(t *testing.T) {
	fx := newOrchestratorFixture()

	_, err := fx.orch.RunStage(context.Background(), StageRequest{Stage: "BOGUS", PipelineID: "p1"})
	require.Error(t, err)
	assert.Equal(t, CategoryInvalidArgument, CategoryOf(err))
}

func TestRunStageMissingInputDocument(t *testing.T) {
	fx := newOrchestratorFixture()

	_, err := fx.orch.RunStage(context.Background(), StageRequest{
		PipelineID: "nope",
		Stage:      StageFit,
		FitQuery:   "vegan cooking brand",
	})
	require.Error(t, err)
	assert.Equal(t, CategoryFailedPrecondition, CategoryOf(err))
}
