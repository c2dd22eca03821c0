package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scoutline/discovery-cli/internal/pipeline"
)

var (
	stagePipelineID   string
	stageInput        string
	stageQuery        string
	stageFitQuery     string
	stageLimit        int
	stageMinFollowers int64
	stageMaxFollowers int64
	stagePlatforms    []string
	stageRerankTopK   int
	stageRerankMode   string
	stageDebug        bool
)

var stageCmd = &cobra.Command{
	Use:   "stage <SEARCH|BRIGHTDATA|LLM_FIT|RERANK>",
	Short: "Run a single pipeline stage against a persisted checkpoint",
	Long: `Runs one stage in isolation. SEARCH starts a fresh pipeline (or reuses
--pipeline-id); the other stages read their input from a stage document of
the given pipeline, so a stage can be re-run against the same checkpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Orchestrator.RunStage(ctx, pipeline.StageRequest{
			PipelineID:   stagePipelineID,
			Stage:        args[0],
			InputStage:   stageInput,
			Query:        stageQuery,
			FitQuery:     stageFitQuery,
			Limit:        stageLimit,
			MinFollowers: stageMinFollowers,
			MaxFollowers: stageMaxFollowers,
			Platforms:    stagePlatforms,
			RerankTopK:   stageRerankTopK,
			RerankMode:   stageRerankMode,
			DebugMode:    stageDebug,
		})
		if err != nil {
			return eris.Wrap(err, "stage run")
		}

		zap.L().Info("stage complete",
			zap.String("pipeline_id", result.PipelineID),
			zap.String("stage", result.Stage),
			zap.Int("count", result.Count),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	stageCmd.Flags().StringVar(&stagePipelineID, "pipeline-id", "", "pipeline whose checkpoints the stage reads and writes")
	stageCmd.Flags().StringVar(&stageInput, "input-stage", "", "stage document to read input from (default: the preceding stage)")
	stageCmd.Flags().StringVar(&stageQuery, "query", "", "creator search inquiry (SEARCH and RERANK)")
	stageCmd.Flags().StringVar(&stageFitQuery, "fit-query", "", "brand brief for fit scoring (LLM_FIT)")
	stageCmd.Flags().IntVar(&stageLimit, "limit", 0, "max profiles to return (SEARCH, default from config)")
	stageCmd.Flags().Int64Var(&stageMinFollowers, "min-followers", 0, "only return profiles with at least this many followers (SEARCH)")
	stageCmd.Flags().Int64Var(&stageMaxFollowers, "max-followers", 0, "only return profiles with at most this many followers (SEARCH)")
	stageCmd.Flags().StringSliceVar(&stagePlatforms, "platforms", nil, "restrict search to these platforms (SEARCH)")
	stageCmd.Flags().IntVar(&stageRerankTopK, "rerank-top-k", 0, "rerank this many top profiles (RERANK, default from config)")
	stageCmd.Flags().StringVar(&stageRerankMode, "rerank-mode", "", "rerank document mode: bio, posts, or bio+posts (RERANK)")
	stageCmd.Flags().BoolVar(&stageDebug, "debug", false, "include per-stage debug output")
	rootCmd.AddCommand(stageCmd)
}
