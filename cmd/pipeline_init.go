package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scoutline/discovery-cli/internal/pipeline"
	"github.com/scoutline/discovery-cli/internal/store"
	"github.com/scoutline/discovery-cli/internal/sweeper"
	anthropicpkg "github.com/scoutline/discovery-cli/pkg/anthropic"
	"github.com/scoutline/discovery-cli/pkg/brightdata"
	"github.com/scoutline/discovery-cli/pkg/cohere"
	"github.com/scoutline/discovery-cli/pkg/searchdb"
)

// pipelineEnv holds the initialized store, clients, and orchestrator shared
// by the run/serve/cleanup commands.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Sweeper      *sweeper.Sweeper
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		pe.Store.Close()
	}
}

// initStore connects to Postgres and prepares the checkpoint store.
func initStore(ctx context.Context) (store.Store, error) {
	if cfg.Store.DatabaseURL == "" {
		return nil, eris.New("DISCOVERY_STORE_DATABASE_URL is required")
	}
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.TTL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
}

// initPipeline sets up the store, all API clients, and the orchestrator.
// Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	cohereClient := cohere.NewClient(cfg.Cohere.Key,
		cohere.WithEmbedModel(cfg.Cohere.EmbedModel),
		cohere.WithRerankModel(cfg.Cohere.RerankModel),
	)
	searchClient, err := searchdb.NewClient(cfg.Search.Key, cfg.Search.BaseURL)
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "init search client")
	}

	var bdOpts []brightdata.Option
	if cfg.BrightData.BaseURL != "" {
		bdOpts = append(bdOpts, brightdata.WithBaseURL(cfg.BrightData.BaseURL))
	}
	bdClient := brightdata.NewClient(cfg.BrightData.Key, bdOpts...)

	expander := pipeline.NewQueryExpander(anthropicClient, cfg.Anthropic.ExpansionModel,
		cfg.Search.ExpandedQueries, cfg.Search.ExpansionTries)
	searchStage := pipeline.NewSearchStage(searchClient, cohereClient, expander, cfg.Search)
	enrichStage := pipeline.NewEnrichStage(bdClient, cfg.BrightData)
	fitStage := pipeline.NewFitStage(anthropicClient, cfg.Anthropic.FitModel, cfg.Fit)

	var rerankStage *pipeline.RerankStage
	if cfg.Cohere.Key != "" {
		rerankStage = pipeline.NewRerankStage(cohereClient, cfg.Rerank)
	} else {
		zap.L().Warn("DISCOVERY_COHERE_KEY not set, rerank pass disabled")
	}

	orch := pipeline.NewOrchestrator(st, searchStage, enrichStage, fitStage, rerankStage, cfg.Pipeline)

	return &pipelineEnv{
		Store:        st,
		Orchestrator: orch,
		Sweeper:      sweeper.New(st, cfg.Cleanup),
	}, nil
}
