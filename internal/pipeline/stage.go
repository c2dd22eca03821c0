// Package pipeline implements the staged creator discovery flow: hybrid
// search, profile enrichment, LLM fit scoring, and an optional rerank pass.
package pipeline

import "strings"

// Stage names. SEARCH, BRIGHTDATA and LLM_FIT form the checkpointed
// resume order; RERANK runs after LLM_FIT and is never resumed from.
const (
	StageSearch = "SEARCH"
	StageEnrich = "BRIGHTDATA"
	StageFit    = "LLM_FIT"
	StageRerank = "RERANK"
)

// stageOrder is the resumable stage sequence.
var stageOrder = []string{StageSearch, StageEnrich, StageFit}

// StageRank returns the position of a stage in the resume order, or -1 for
// stages outside it.
func StageRank(stage string) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// KnownStage reports whether stage names a persisted stage document. RERANK
// is persisted but sits outside the resume order.
func KnownStage(stage string) bool {
	return StageRank(stage) >= 0 || stage == StageRerank
}

// StageProgress returns the pipeline progress percentage after a stage
// completes. Each stage contributes an equal share; the final stage and the
// post-pipeline rerank pass snap to 100.
func StageProgress(stage string) int {
	if stage == StageRerank {
		return 100
	}
	rank := StageRank(stage)
	if rank < 0 {
		return 0
	}
	if rank == len(stageOrder)-1 {
		return 100
	}
	return (rank + 1) * (100 / len(stageOrder))
}

// NormalizeCompletedStages dedups and orders stage names by rank, dropping
// anything outside the resume order.
func NormalizeCompletedStages(stages []string) []string {
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		s = strings.ToUpper(strings.TrimSpace(s))
		if StageRank(s) >= 0 {
			seen[s] = true
		}
	}
	out := make([]string, 0, len(seen))
	for _, s := range stageOrder {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}
