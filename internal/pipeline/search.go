package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scoutline/discovery-cli/internal/config"
	"github.com/scoutline/discovery-cli/internal/model"
	"github.com/scoutline/discovery-cli/pkg/searchdb"
)

// SearchBackend is the creator index surface the search stage needs.
type SearchBackend interface {
	Hybrid(ctx context.Context, q searchdb.HybridQuery) ([]map[string]any, error)
}

// Embedder produces a query embedding for vector search.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float64, error)
}

// SearchStage fans the expanded queries across the creator index at several
// alpha weightings and merges the hits into a ranked, deduplicated list.
type SearchStage struct {
	backend  SearchBackend
	embedder Embedder
	expander *QueryExpander
	cfg      config.SearchConfig
}

// NewSearchStage wires the search stage.
func NewSearchStage(backend SearchBackend, embedder Embedder, expander *QueryExpander, cfg config.SearchConfig) *SearchStage {
	if len(cfg.Alphas) == 0 {
		cfg.Alphas = []float64{0.2, 0.5, 0.8}
	}
	if cfg.ResultsPerQuery <= 0 {
		cfg.ResultsPerQuery = 500
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 1000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &SearchStage{backend: backend, embedder: embedder, expander: expander, cfg: cfg}
}

// SearchOutput is the search stage result.
type SearchOutput struct {
	Profiles []model.CreatorProfile
	Debug    map[string]any
}

// SearchFilters bound the hits a search run may return. Zero values leave
// the corresponding dimension unfiltered.
type SearchFilters struct {
	MinFollowers int64
	MaxFollowers int64
	Platforms    []string
}

// backend translates the filters into the index query form, or nil when
// nothing is set.
func (f SearchFilters) backend() *searchdb.HybridFilters {
	platforms := normalizePlatforms(f.Platforms)
	if f.MinFollowers <= 0 && f.MaxFollowers <= 0 && len(platforms) == 0 {
		return nil
	}
	return &searchdb.HybridFilters{
		MinFollowers: max(f.MinFollowers, 0),
		MaxFollowers: max(f.MaxFollowers, 0),
		Platforms:    platforms,
	}
}

// admit reports whether a mapped hit satisfies the filters. The index
// enforces them server side; this guards against backends that ignore the
// filter clause.
func (f SearchFilters) admit(p *model.CreatorProfile) bool {
	if f.MinFollowers > 0 && p.Followers < f.MinFollowers {
		return false
	}
	if f.MaxFollowers > 0 && p.Followers > f.MaxFollowers {
		return false
	}
	platforms := normalizePlatforms(f.Platforms)
	if len(platforms) == 0 {
		return true
	}
	got := strings.ToLower(strings.TrimSpace(p.Platform))
	for _, want := range platforms {
		if got == want {
			return true
		}
	}
	return false
}

func normalizePlatforms(platforms []string) []string {
	out := make([]string, 0, len(platforms))
	for _, p := range platforms {
		if s := strings.ToLower(strings.TrimSpace(p)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type subSearch struct {
	query string
	alpha float64
	hits  []map[string]any
}

// Run executes the search stage. Individual sub-search failures degrade to
// empty results; only context cancellation is fatal.
func (s *SearchStage) Run(ctx context.Context, query string, limit int, filters SearchFilters) (*SearchOutput, error) {
	started := time.Now()
	backendFilters := filters.backend()

	queries, err := s.expander.Expand(ctx, query)
	if err != nil {
		return nil, NewStageError(StageSearch, CategoryInternal, "query expansion", err)
	}

	// One slot per (query, alpha) pair keeps merge order deterministic
	// regardless of completion order.
	subs := make([]subSearch, 0, len(queries)*len(s.cfg.Alphas))
	for _, q := range queries {
		for _, alpha := range s.cfg.Alphas {
			subs = append(subs, subSearch{query: q, alpha: alpha})
		}
	}

	var degraded atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range subs {
		g.Go(func() error {
			sub := &subs[i]

			vector, err := s.embedder.EmbedQuery(gctx, sub.query)
			if err != nil {
				degraded.Add(1)
				zap.L().Warn("query embedding failed, skipping sub-search",
					zap.String("query", sub.query),
					zap.Error(err),
				)
				return nil
			}

			hits, err := s.backend.Hybrid(gctx, searchdb.HybridQuery{
				Collection: s.cfg.Collection,
				Query:      sub.query,
				Vector:     vector,
				Alpha:      sub.alpha,
				Limit:      s.cfg.ResultsPerQuery,
				Filters:    backendFilters,
			})
			if err != nil {
				degraded.Add(1)
				zap.L().Warn("sub-search failed",
					zap.String("query", sub.query),
					zap.Float64("alpha", sub.alpha),
					zap.Error(err),
				)
				return nil
			}
			sub.hits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, NewStageError(StageSearch, CategoryUnavailable, "search fan-out", err)
	}

	// Merge: first occurrence of each identity wins.
	seen := make(map[string]bool)
	profiles := make([]model.CreatorProfile, 0, s.cfg.TopN)
	subCounts := make([]map[string]any, 0, len(subs))
	for i := range subs {
		subCounts = append(subCounts, map[string]any{
			"query": subs[i].query,
			"alpha": subs[i].alpha,
			"count": len(subs[i].hits),
		})
		for _, hit := range subs[i].hits {
			p := model.FromRecord(hit)
			if !filters.admit(&p) {
				continue
			}
			key := p.DedupKey()
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			profiles = append(profiles, p)
		}
	}

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].CombinedScore > profiles[j].CombinedScore
	})
	if len(profiles) > s.cfg.TopN {
		profiles = profiles[:s.cfg.TopN]
	}
	if limit > 0 && len(profiles) > limit {
		profiles = profiles[:limit]
	}

	zap.L().Info("search stage complete",
		zap.Int("expanded_queries", len(queries)),
		zap.Int("sub_searches", len(subs)),
		zap.Int("results", len(profiles)),
		zap.Int32("degraded_sub_searches", degraded.Load()),
		zap.Duration("elapsed", time.Since(started)),
	)

	debug := map[string]any{
		"expanded_queries": queries,
		"sub_searches":     subCounts,
		"elapsed_ms":       time.Since(started).Milliseconds(),
		"io":               model.StageIO{Outputs: model.BuildProfileRefs(profiles)},
	}
	if backendFilters != nil {
		debug["filters"] = backendFilters
	}

	return &SearchOutput{Profiles: profiles, Debug: debug}, nil
}
