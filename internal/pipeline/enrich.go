package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scoutline/discovery-cli/internal/config"
	"github.com/scoutline/discovery-cli/internal/model"
)

// EnrichmentProvider is the snapshot scraping surface the enrichment stage
// needs.
type EnrichmentProvider interface {
	Trigger(ctx context.Context, datasetID string, urls []string) (string, error)
	Progress(ctx context.Context, snapshotID string) (string, error)
	Download(ctx context.Context, snapshotID string) ([]map[string]any, error)
}

// EnrichStage fetches fresh profile data for the search results through the
// snapshot provider and merges it back into the profiles.
type EnrichStage struct {
	provider EnrichmentProvider
	cfg      config.BrightDataConfig
}

// NewEnrichStage wires the enrichment stage.
func NewEnrichStage(provider EnrichmentProvider, cfg config.BrightDataConfig) *EnrichStage {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Minute
	}
	return &EnrichStage{provider: provider, cfg: cfg}
}

// EnrichFailure records a profile that could not be enriched and why.
type EnrichFailure struct {
	Key         string `json:"key"`
	Account     string `json:"account,omitempty"`
	ProfileURL  string `json:"profile_url,omitempty"`
	Warning     string `json:"warning,omitempty"`
	WarningCode string `json:"warning_code,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
}

// EnrichOutput is the enrichment stage result. Profiles is always the full
// input list, enriched in place where the provider returned data.
type EnrichOutput struct {
	Profiles    []model.CreatorProfile
	SuccessKeys []string
	Failures    []EnrichFailure
	Debug       map[string]any
}

// Run executes the enrichment stage. Chunk-level provider failures are
// logged and skipped; the stage only fails outright on context
// cancellation.
func (e *EnrichStage) Run(ctx context.Context, profiles []model.CreatorProfile) (*EnrichOutput, error) {
	out := &EnrichOutput{Profiles: profiles}
	inputRefs := model.BuildProfileRefs(profiles)

	// Resolve a canonical URL per profile; group the resolvable ones by
	// platform.
	type target struct {
		index int
		url   string
	}
	byPlatform := make(map[string][]target)
	urlToIndex := make(map[string]int)
	for i := range profiles {
		p := &profiles[i]
		canonical := canonicalProfileURL(p)
		if canonical == "" {
			out.Failures = append(out.Failures, EnrichFailure{
				Key:     p.DedupKey(),
				Account: p.Account,
				Warning: "missing_profile_url",
			})
			continue
		}
		p.ProfileURL = canonical
		platform := platformOf(p, canonical)
		byPlatform[platform] = append(byPlatform[platform], target{index: i, url: canonical})
		urlToIndex[strings.ToLower(canonical)] = i
	}

	var records []map[string]any
	var chunkErrors []string
	chunks := 0
	for platform, targets := range byPlatform {
		datasetID := e.cfg.DatasetIDs[platform]
		if datasetID == "" {
			code := "missing_" + platform + "_dataset_id"
			if platform == "unknown" {
				code = "unsupported_platform"
			}
			for _, t := range targets {
				p := &profiles[t.index]
				out.Failures = append(out.Failures, EnrichFailure{
					Key:        p.DedupKey(),
					Account:    p.Account,
					ProfileURL: t.url,
					Error:      code,
					ErrorCode:  "dataset_not_configured",
				})
			}
			continue
		}

		urls := make([]string, len(targets))
		for i, t := range targets {
			urls[i] = t.url
		}

		for start := 0; start < len(urls); start += e.cfg.ChunkSize {
			end := min(start+e.cfg.ChunkSize, len(urls))
			chunks++
			rows, err := e.fetchChunk(ctx, datasetID, urls[start:end])
			if err != nil {
				if ctx.Err() != nil {
					return nil, NewStageError(StageEnrich, CategoryUnavailable, "snapshot fetch", err)
				}
				msg := fmt.Sprintf("chunk_%d: %v", chunks, err)
				chunkErrors = append(chunkErrors, msg)
				zap.L().Warn("enrichment chunk failed",
					zap.String("platform", platform),
					zap.String("error", msg),
				)
				continue
			}
			records = append(records, rows...)
		}
	}

	// Reconcile provider rows against the inputs.
	matched := make(map[int]bool)
	for _, record := range records {
		key := model.NormalizedRecordKey(record)
		if key == "" {
			continue
		}
		idx, ok := urlToIndex[key]
		if !ok {
			idx, ok = matchByHandle(profiles, key)
		}
		if !ok {
			continue
		}
		matched[idx] = true
		p := &profiles[idx]

		if !recordSucceeded(record) {
			out.Failures = append(out.Failures, EnrichFailure{
				Key:         p.DedupKey(),
				Account:     p.Account,
				ProfileURL:  p.ProfileURL,
				Warning:     recordString(record, "warning"),
				WarningCode: recordString(record, "warning_code"),
				Error:       recordString(record, "error"),
				ErrorCode:   recordString(record, "error_code"),
			})
			continue
		}

		applyRecord(p, record)
		out.SuccessKeys = append(out.SuccessKeys, p.DedupKey())
	}

	// Inputs the provider never returned.
	for platform, targets := range byPlatform {
		if e.cfg.DatasetIDs[platform] == "" {
			continue
		}
		for _, t := range targets {
			if matched[t.index] {
				continue
			}
			p := &profiles[t.index]
			out.Failures = append(out.Failures, EnrichFailure{
				Key:        p.DedupKey(),
				Account:    p.Account,
				ProfileURL: t.url,
				Error:      "not_returned",
			})
		}
	}

	zap.L().Info("enrichment stage complete",
		zap.Int("profiles", len(profiles)),
		zap.Int("enriched", len(out.SuccessKeys)),
		zap.Int("failures", len(out.Failures)),
		zap.Int("chunks", chunks),
		zap.Int("chunk_errors", len(chunkErrors)),
	)

	out.Debug = map[string]any{
		"success_keys": out.SuccessKeys,
		"failures":     out.Failures,
		"chunks":       chunks,
		"chunk_errors": chunkErrors,
		"io":           model.StageIO{Inputs: inputRefs, Outputs: model.BuildProfileRefs(profiles)},
	}
	return out, nil
}

// fetchChunk runs the trigger/poll/download cycle for one batch of URLs.
func (e *EnrichStage) fetchChunk(ctx context.Context, datasetID string, urls []string) ([]map[string]any, error) {
	snapshotID, err := e.provider.Trigger(ctx, datasetID, urls)
	if err != nil {
		return nil, eris.Wrap(err, "trigger snapshot")
	}

	deadline := time.Now().Add(e.cfg.PollTimeout)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := e.provider.Progress(ctx, snapshotID)
		if err != nil {
			return nil, eris.Wrapf(err, "poll snapshot %s", snapshotID)
		}
		switch status {
		case "ready":
			return e.provider.Download(ctx, snapshotID)
		case "failed":
			return nil, eris.Errorf("snapshot %s failed", snapshotID)
		}

		if time.Now().After(deadline) {
			return nil, eris.Errorf("snapshot %s timed out after %s", snapshotID, e.cfg.PollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// canonicalProfileURL returns a normalized Instagram or TikTok profile URL,
// synthesizing one from the handle when the stored URL is unusable.
func canonicalProfileURL(p *model.CreatorProfile) string {
	if u := normalizeSocialURL(p.ProfileURL); u != "" {
		return u
	}

	handle := strings.TrimPrefix(strings.TrimSpace(p.Username), "@")
	if handle == "" {
		handle = strings.TrimPrefix(strings.TrimSpace(p.Account), "@")
	}
	if handle == "" {
		return ""
	}

	switch strings.ToLower(p.Platform) {
	case "instagram":
		return "https://www.instagram.com/" + handle
	case "tiktok":
		return "https://www.tiktok.com/@" + handle
	default:
		return ""
	}
}

// normalizeSocialURL validates and canonicalizes a profile URL. TikTok
// paths are rewritten to the /@handle form.
func normalizeSocialURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}

	host := strings.ToLower(u.Host)
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}

	switch {
	case strings.Contains(host, "instagram.com"):
		return "https://www.instagram.com/" + strings.SplitN(path, "/", 2)[0]
	case strings.Contains(host, "tiktok.com"):
		handle := strings.SplitN(path, "/", 2)[0]
		handle = strings.TrimPrefix(handle, "@")
		if handle == "" {
			return ""
		}
		return "https://www.tiktok.com/@" + handle
	default:
		return ""
	}
}

// platformOf classifies a profile for dataset selection.
func platformOf(p *model.CreatorProfile, canonicalURL string) string {
	if platform := strings.ToLower(strings.TrimSpace(p.Platform)); platform != "" {
		return platform
	}
	switch {
	case strings.Contains(canonicalURL, "instagram.com"):
		return "instagram"
	case strings.Contains(canonicalURL, "tiktok.com"):
		return "tiktok"
	default:
		return "unknown"
	}
}

// matchByHandle is the fallback reconciliation path for rows keyed by
// username instead of URL.
func matchByHandle(profiles []model.CreatorProfile, key string) (int, bool) {
	for i := range profiles {
		if strings.ToLower(profiles[i].Username) == key || strings.ToLower(profiles[i].Account) == key {
			return i, true
		}
	}
	return 0, false
}

// recordSucceeded reports whether a provider row carries no failure marker.
func recordSucceeded(record map[string]any) bool {
	for _, field := range []string{"warning", "warning_code", "error", "error_code"} {
		if recordString(record, field) != "" {
			return false
		}
	}
	return true
}

func recordString(record map[string]any, field string) string {
	v, ok := record[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// applyRecord copies non-empty provider fields onto the profile.
func applyRecord(p *model.CreatorProfile, record map[string]any) {
	if v := recordString(record, "biography"); v != "" {
		p.Biography = v
	}
	if v, ok := recordInt(record, "followers"); ok {
		p.Followers = v
	}
	if v, ok := recordInt(record, "following"); ok {
		p.Following = v
	}
	if v := recordPosts(record); v != "" {
		p.PostsRaw = v
	}
	if v := recordString(record, "profile_image"); v != "" {
		p.ProfileImageLink = v
	}
	if v := recordString(record, "profile_url"); v != "" {
		p.ProfileURL = v
	}
	if v := recordString(record, "business_email"); v != "" {
		p.BusinessEmail = v
	}
	if v := recordString(record, "email_address"); v != "" {
		p.EmailAddress = v
	}
}

func recordInt(record map[string]any, field string) (int64, bool) {
	switch v := record[field].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		var n int64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// recordPosts extracts the posts payload, preserving JSON structure.
func recordPosts(record map[string]any) string {
	for _, field := range []string{"posts", "posts_json"} {
		v, ok := record[field]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if strings.TrimSpace(s) != "" {
				return s
			}
			continue
		}
		if encoded, err := json.Marshal(v); err == nil {
			return string(encoded)
		}
	}
	return ""
}
