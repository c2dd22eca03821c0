package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scoutline/discovery-cli/internal/config"
	"github.com/scoutline/discovery-cli/internal/model"
	"github.com/scoutline/discovery-cli/pkg/cohere"
)

// Rerank document modes.
const (
	RerankModeBio      = "bio"
	RerankModePosts    = "posts"
	RerankModeCombined = "bio+posts"
)

// RerankBackend is the relevance reranking surface the rerank stage needs.
type RerankBackend interface {
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]cohere.Ranked, error)
}

// RerankStage reorders the top of the result list by semantic relevance to
// the original inquiry.
type RerankStage struct {
	backend RerankBackend
	cfg     config.RerankConfig
}

// NewRerankStage wires the rerank stage.
func NewRerankStage(backend RerankBackend, cfg config.RerankConfig) *RerankStage {
	if cfg.TopK <= 0 {
		cfg.TopK = 200
	}
	if cfg.TopK > 1000 {
		cfg.TopK = 1000
	}
	switch cfg.Mode {
	case RerankModeBio, RerankModePosts, RerankModeCombined:
	default:
		cfg.Mode = RerankModeBio
	}
	return &RerankStage{backend: backend, cfg: cfg}
}

// RerankOptions are per-run overrides. Zero values fall back to the stage
// configuration.
type RerankOptions struct {
	TopK int
	Mode string
}

// RerankOutput is the rerank stage result. Degraded is set when the backend
// failed and the input order was kept.
type RerankOutput struct {
	Profiles []model.CreatorProfile
	Degraded bool
	Debug    map[string]any
}

// Run reranks the top-k profiles. Backend failure degrades to the input
// order rather than failing the stage.
func (r *RerankStage) Run(ctx context.Context, query string, profiles []model.CreatorProfile, opt RerankOptions) (*RerankOutput, error) {
	started := time.Now()

	topK := r.cfg.TopK
	if opt.TopK > 0 {
		topK = min(opt.TopK, 1000)
	}
	mode := r.cfg.Mode
	switch opt.Mode {
	case RerankModeBio, RerankModePosts, RerankModeCombined:
		mode = opt.Mode
	}

	head := min(topK, len(profiles))
	if head == 0 {
		return &RerankOutput{Profiles: profiles, Debug: map[string]any{"reranked": 0}}, nil
	}

	docs := make([]string, head)
	for i := 0; i < head; i++ {
		docs[i] = rerankDocument(&profiles[i], mode)
	}

	ranked, err := r.backend.Rerank(ctx, query, docs, head)
	if err != nil {
		zap.L().Warn("rerank backend failed, keeping input order",
			zap.Int("documents", head),
			zap.Error(err),
		)
		return &RerankOutput{
			Profiles: profiles,
			Degraded: true,
			Debug:    map[string]any{"reranked": 0, "error": err.Error()},
		}, nil
	}

	// Rebuild the head in ranked order, dropping duplicate or out-of-range
	// indices, then append the untouched remainder.
	out := make([]model.CreatorProfile, 0, len(profiles))
	used := make(map[int]bool, head)
	for _, item := range ranked {
		if item.Index < 0 || item.Index >= head || used[item.Index] {
			continue
		}
		used[item.Index] = true
		p := profiles[item.Index]
		score := item.Score
		p.RerankScore = &score
		out = append(out, p)
	}
	for i := 0; i < head; i++ {
		if !used[i] {
			out = append(out, profiles[i])
		}
	}
	out = append(out, profiles[head:]...)

	zap.L().Info("rerank stage complete",
		zap.Int("documents", head),
		zap.Int("ranked", len(used)),
		zap.String("mode", mode),
		zap.Duration("elapsed", time.Since(started)),
	)

	return &RerankOutput{
		Profiles: out,
		Debug: map[string]any{
			"reranked":   len(used),
			"mode":       mode,
			"top_k":      head,
			"elapsed_ms": time.Since(started).Milliseconds(),
			"io":         model.StageIO{Inputs: model.BuildProfileRefs(profiles), Outputs: model.BuildProfileRefs(out)},
		},
	}, nil
}

// rerankDocument builds the text the backend ranks for one profile,
// falling back through progressively weaker fields so every profile yields
// a non-empty document.
func rerankDocument(p *model.CreatorProfile, mode string) string {
	switch mode {
	case RerankModePosts:
		return firstNonEmpty(postsText(p), bioText(p))
	case RerankModeCombined:
		bio := bioText(p)
		posts := postsText(p)
		if bio != "" && posts != "" {
			return bio + " " + posts
		}
		return firstNonEmpty(bio, posts, p.Account)
	default:
		return bioText(p)
	}
}

func bioText(p *model.CreatorProfile) string {
	return firstNonEmpty(p.Biography, p.ProfileFTSSource, p.ProfileName, p.Account)
}

func postsText(p *model.CreatorProfile) string {
	return firstNonEmpty(p.PostsFTSSource, p.PostsRaw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
