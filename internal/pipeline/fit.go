package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/scoutline/discovery-cli/internal/config"
	"github.com/scoutline/discovery-cli/internal/model"
	"github.com/scoutline/discovery-cli/internal/resilience"
	"github.com/scoutline/discovery-cli/pkg/anthropic"
)

const fitPromptTemplate = `You are evaluating whether a social media creator fits a brand brief.

Brief: %s

Creator profile:
%s

Score how well this creator fits the brief on a 1-10 scale, where 10 is a
perfect fit and 1 is no fit at all. Consider the creator's niche, audience,
and content style.

Return ONLY a strict JSON object {"score": <integer 1-10>, "rationale": <string>}`

const maxCaptionLen = 240

// FitStage scores enriched profiles against a fit brief using the LLM.
type FitStage struct {
	llm     anthropic.Client
	modelID string
	cfg     config.FitConfig
}

// NewFitStage wires the fit scoring stage.
func NewFitStage(llm anthropic.Client, modelID string, cfg config.FitConfig) *FitStage {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}
	if cfg.Concurrency > 128 {
		cfg.Concurrency = 128
	}
	if cfg.MaxPosts <= 0 {
		cfg.MaxPosts = 6
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 8
	}
	return &FitStage{llm: llm, modelID: modelID, cfg: cfg}
}

// FitOutput is the fit stage result: the full input list with fit
// annotations merged in, re-sorted by fit then retrieval score.
type FitOutput struct {
	Profiles []model.CreatorProfile
	Debug    map[string]any
}

type fitResult struct {
	key       string
	score     *int
	rationale string
	errText   string
	raw       string
}

// Run scores the profiles against fitQuery. Only profiles whose identity
// appears in successKeys are sent to the model; when that filter would leave
// nothing, every profile is scored. Per-profile scoring failures annotate the
// profile instead of failing the stage.
func (f *FitStage) Run(ctx context.Context, fitQuery string, profiles []model.CreatorProfile, successKeys []string) (*FitOutput, error) {
	if strings.TrimSpace(fitQuery) == "" {
		return nil, NewStageError(StageFit, CategoryFailedPrecondition, "fit query is required", nil)
	}

	started := time.Now()
	inputRefs := model.BuildProfileRefs(profiles)

	candidates := filterBySuccessKeys(profiles, successKeys)
	if len(candidates) == 0 {
		candidates = make([]int, len(profiles))
		for i := range profiles {
			candidates[i] = i
		}
	}

	limiter := rate.NewLimiter(rate.Limit(f.cfg.RequestsPerSec), 1)
	results := make([]fitResult, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for slot, idx := range candidates {
		p := &profiles[idx]
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			results[slot] = f.scoreProfile(gctx, fitQuery, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, NewStageError(StageFit, CategoryUnavailable, "fit scoring", err)
	}

	// Merge annotations back by identity, then reset everything unscored.
	byKey := make(map[string]*fitResult, len(results))
	for i := range results {
		if results[i].key != "" {
			byKey[results[i].key] = &results[i]
		}
	}
	scored, failed := 0, 0
	for i := range profiles {
		p := &profiles[i]
		r, ok := byKey[p.FitKey()]
		if !ok {
			p.ClearFitAnnotations()
			continue
		}
		p.FitScore = r.score
		p.FitRationale = r.rationale
		p.FitError = r.errText
		p.FitRawResponse = r.raw
		if r.score != nil {
			scored++
		} else {
			failed++
		}
	}

	sort.SliceStable(profiles, func(i, j int) bool {
		si, sj := fitScoreOf(&profiles[i]), fitScoreOf(&profiles[j])
		if si != sj {
			return si > sj
		}
		return profiles[i].CombinedScore > profiles[j].CombinedScore
	})

	zap.L().Info("fit stage complete",
		zap.Int("profiles", len(profiles)),
		zap.Int("candidates", len(candidates)),
		zap.Int("scored", scored),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(started)),
	)

	return &FitOutput{
		Profiles: profiles,
		Debug: map[string]any{
			"fit_query":  fitQuery,
			"candidates": len(candidates),
			"scored":     scored,
			"failed":     failed,
			"elapsed_ms": time.Since(started).Milliseconds(),
			"io":         model.StageIO{Inputs: inputRefs, Outputs: model.BuildProfileRefs(profiles)},
		},
	}, nil
}

// filterBySuccessKeys returns the indexes of profiles whose identity is in
// keys. Empty when keys is empty or nothing matches.
func filterBySuccessKeys(profiles []model.CreatorProfile, keys []string) []int {
	if len(keys) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[strings.ToLower(strings.TrimSpace(k))] = true
	}
	var out []int
	for i := range profiles {
		if allowed[profiles[i].DedupKey()] {
			out = append(out, i)
		}
	}
	return out
}

func fitScoreOf(p *model.CreatorProfile) int {
	if p.FitScore != nil {
		return *p.FitScore
	}
	return 0
}

// scoreProfile runs one fit evaluation with retries. A result is always
// returned; failures are encoded in errText.
func (f *FitStage) scoreProfile(ctx context.Context, fitQuery string, p *model.CreatorProfile) fitResult {
	prompt := fmt.Sprintf(fitPromptTemplate, fitQuery, renderProfile(p, f.cfg.MaxPosts))
	result := fitResult{key: p.FitKey()}

	type scoreOut struct {
		score     int
		rationale string
		raw       string
	}
	out, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts:    f.cfg.MaxAttempts,
		InitialBackoff: time.Second,
		ShouldRetry:    func(error) bool { return true },
		OnRetry:        resilience.RetryLogger("anthropic", "fit_score"),
	}, func(ctx context.Context) (scoreOut, error) {
		resp, err := f.llm.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     f.modelID,
			MaxTokens: 512,
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return scoreOut{}, err
		}
		raw := resp.Text()
		score, rationale, err := parseFitResponse(raw)
		if err != nil {
			return scoreOut{raw: raw}, err
		}
		return scoreOut{score: score, rationale: rationale, raw: raw}, nil
	})
	if err != nil {
		result.errText = err.Error()
		result.rationale = "error: " + err.Error()
		result.raw = out.raw
		return result
	}

	result.score = &out.score
	result.rationale = out.rationale
	result.raw = out.raw
	return result
}

// parseFitResponse extracts the score object from model output.
func parseFitResponse(raw string) (int, string, error) {
	obj := extractJSONObject(raw)
	if obj == "" {
		return 0, "", eris.New("fit: no JSON object in output")
	}

	var parsed struct {
		Score     json.Number `json:"score"`
		Rationale string      `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return 0, "", eris.Wrap(err, "fit: parse response")
	}

	n, err := parsed.Score.Int64()
	if err != nil {
		f, ferr := parsed.Score.Float64()
		if ferr != nil {
			return 0, "", eris.Errorf("fit: non-numeric score %q", parsed.Score.String())
		}
		n = int64(f)
	}
	if n < 1 || n > 10 {
		return 0, "", eris.Errorf("fit: score %d out of range", n)
	}
	return int(n), strings.TrimSpace(parsed.Rationale), nil
}

// renderProfile formats a profile for the fit prompt.
func renderProfile(p *model.CreatorProfile, maxPosts int) string {
	var b strings.Builder
	writeLine := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}

	writeLine("Account", p.Account)
	writeLine("Name", p.ProfileName)
	writeLine("Platform", p.Platform)
	writeLine("Bio", p.Biography)
	if p.Followers > 0 {
		fmt.Fprintf(&b, "Followers: %d\n", p.Followers)
	}
	writeLine("Category", p.BusinessCategoryName)

	posts := parsePosts(p.PostsRaw, maxPosts)
	for i, post := range posts {
		fmt.Fprintf(&b, "Post %d: %s\n", i+1, post)
	}
	return b.String()
}

// parsePosts extracts up to max post summaries from the raw posts JSON.
// Posts without any image reference are skipped.
func parsePosts(raw string, max int) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}

	var out []string
	for _, item := range items {
		if len(out) >= max {
			break
		}
		if !hasImageRef(item) {
			continue
		}

		caption := itemString(item, "caption")
		if caption == "" {
			caption = itemString(item, "description")
		}
		caption = truncateCaption(caption)

		var parts []string
		if caption != "" {
			parts = append(parts, caption)
		}
		if tags := itemHashtags(item); tags != "" {
			parts = append(parts, "Hashtags: "+tags)
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, strings.Join(parts, " | "))
	}
	return out
}

func hasImageRef(item map[string]any) bool {
	for _, field := range []string{"image_url", "thumbnail_url", "cover_image"} {
		if itemString(item, field) != "" {
			return true
		}
	}
	return false
}

func itemString(item map[string]any, field string) string {
	if s, ok := item[field].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func itemHashtags(item map[string]any) string {
	v, ok := item["hashtags"]
	if !ok {
		return ""
	}
	arr, ok := v.([]any)
	if !ok {
		return ""
	}
	var tags []string
	for _, t := range arr {
		s, ok := t.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, "#") {
			s = "#" + s
		}
		tags = append(tags, s)
	}
	return strings.Join(tags, " ")
}

func truncateCaption(caption string) string {
	runes := []rune(caption)
	if len(runes) <= maxCaptionLen {
		return caption
	}
	return string(runes[:maxCaptionLen]) + "…"
}
