package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageRank(t *testing.T) {
	assert.Equal(t, 0, StageRank(StageSearch))
	assert.Equal(t, 1, StageRank(StageEnrich))
	assert.Equal(t, 2, StageRank(StageFit))
	assert.Equal(t, -1, StageRank(StageRerank))
	assert.Equal(t, -1, StageRank("BOGUS"))
}

func TestKnownStage(t *testing.T) {
	assert.True(t, KnownStage(StageSearch))
	assert.True(t, KnownStage(StageRerank))
	assert.False(t, KnownStage("BOGUS"))
}

func TestStageProgress(t *testing.T) {
	assert.Equal(t, 33, StageProgress(StageSearch))
	assert.Equal(t, 66, StageProgress(StageEnrich))
	assert.Equal(t, 100, StageProgress(StageFit))
	assert.Equal(t, 100, StageProgress(StageRerank))
	assert.Equal(t, 0, StageProgress("BOGUS"))
}

func TestNormalizeCompletedStages(t *testing.T) {
	got := NormalizeCompletedStages([]string{"llm_fit", " SEARCH ", "SEARCH", "RERANK", "junk"})
	assert.Equal(t, []string{StageSearch, StageFit}, got)

	assert.Empty(t, NormalizeCompletedStages(nil))
}
