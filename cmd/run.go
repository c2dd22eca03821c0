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
	runQuery        string
	runFitQuery     string
	runLimit        int
	runMinFollowers int64
	runMaxFollowers int64
	runPlatforms    []string
	runStopAt       string
	runPipelineID   string
	runRerank       bool
	runRerankTopK   int
	runRerankMode   string
	runDebug        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a discovery pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Orchestrator.Run(ctx, pipeline.Request{
			PipelineID:   runPipelineID,
			Query:        runQuery,
			FitQuery:     runFitQuery,
			Limit:        runLimit,
			MinFollowers: runMinFollowers,
			MaxFollowers: runMaxFollowers,
			Platforms:    runPlatforms,
			StopAtStage:  runStopAt,
			Rerank:       runRerank,
			RerankTopK:   runRerankTopK,
			RerankMode:   runRerankMode,
			DebugMode:    runDebug,
		})
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("discovery complete",
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
	runCmd.Flags().StringVar(&runQuery, "query", "", "creator search inquiry (required)")
	runCmd.Flags().StringVar(&runFitQuery, "fit-query", "", "brand brief for fit scoring")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "max profiles to return (default from config)")
	runCmd.Flags().Int64Var(&runMinFollowers, "min-followers", 0, "only return profiles with at least this many followers")
	runCmd.Flags().Int64Var(&runMaxFollowers, "max-followers", 0, "only return profiles with at most this many followers")
	runCmd.Flags().StringSliceVar(&runPlatforms, "platforms", nil, "restrict search to these platforms (e.g. instagram,tiktok)")
	runCmd.Flags().StringVar(&runStopAt, "stop-at", "", "last stage to run: SEARCH, BRIGHTDATA, or LLM_FIT")
	runCmd.Flags().StringVar(&runPipelineID, "pipeline-id", "", "reuse a pipeline id to resume from its checkpoints")
	runCmd.Flags().BoolVar(&runRerank, "rerank", false, "apply the rerank pass after fit scoring")
	runCmd.Flags().IntVar(&runRerankTopK, "rerank-top-k", 0, "rerank this many top profiles (default from config, implies --rerank)")
	runCmd.Flags().StringVar(&runRerankMode, "rerank-mode", "", "rerank document mode: bio, posts, or bio+posts (implies --rerank)")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "include per-stage debug output")
	_ = runCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(runCmd)
}
