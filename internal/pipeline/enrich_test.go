package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutline/discovery-cli/internal/config"
	"github.com/scoutline/discovery-cli/internal/model"
)

func enrichConfig() config.BrightDataConfig {
	return config.BrightDataConfig{
		DatasetIDs:   map[string]string{"instagram": "ds-ig", "tiktok": "ds-tt"},
		ChunkSize:    50,
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
	}
}

func TestNormalizeSocialURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://www.instagram.com/alice/", "https://www.instagram.com/alice"},
		{"http://instagram.com/alice/reels", "https://www.instagram.com/alice"},
		{"https://www.tiktok.com/@bob", "https://www.tiktok.com/@bob"},
		{"https://tiktok.com/bob/video/123", "https://www.tiktok.com/@bob"},
		{"https://www.instagram.com/", ""},
		{"https://example.com/alice", ""},
		{"not a url", ""},
		{"ftp://instagram.com/alice", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeSocialURL(tt.in), "input %q", tt.in)
	}
}

func TestCanonicalProfileURLSynthesizesFromHandle(t *testing.T) {
	p := &model.CreatorProfile{Username: "@alice", Platform: "instagram"}
	assert.Equal(t, "https://www.instagram.com/alice", canonicalProfileURL(p))

	p = &model.CreatorProfile{Account: "bob", Platform: "tiktok"}
	assert.Equal(t, "https://www.tiktok.com/@bob", canonicalProfileURL(p))

	p = &model.CreatorProfile{Username: "carol"}
	assert.Equal(t, "", canonicalProfileURL(p))
}

func TestEnrichRunAppliesRecords(t *testing.T) {
	provider := &fakeProvider{records: []map[string]any{
		{
			"url":            "https://www.instagram.com/alice",
			"biography":      "plant-based recipes",
			"followers":      float64(12000),
			"profile_image":  "https://cdn.example.com/alice.jpg",
			"business_email": "alice@example.com",
			"posts":          []any{map[string]any{"caption": "hi", "image_url": "x"}},
		},
	}}

	profiles := []model.CreatorProfile{
		{Username: "alice", ProfileURL: "https://instagram.com/alice/", Platform: "instagram"},
		{Username: "dave", ProfileURL: "https://www.instagram.com/dave", Platform: "instagram"},
	}

	e := NewEnrichStage(provider, enrichConfig())
	out, err := e.Run(context.Background(), profiles)
	require.NoError(t, err)

	require.Len(t, out.Profiles, 2)
	alice := out.Profiles[0]
	assert.Equal(t, "plant-based recipes", alice.Biography)
	assert.Equal(t, int64(12000), alice.Followers)
	assert.Equal(t, "https://cdn.example.com/alice.jpg", alice.ProfileImageLink)
	assert.Equal(t, "alice@example.com", alice.BusinessEmail)
	assert.Contains(t, alice.PostsRaw, `"caption":"hi"`)

	assert.Equal(t, []string{"alice"}, out.SuccessKeys)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "dave", out.Failures[0].Key)
	assert.Equal(t, "not_returned", out.Failures[0].Error)

	require.Len(t, provider.triggers, 1)
	assert.Equal(t, "ds-ig", provider.triggers[0].datasetID)

	io, ok := out.Debug["io"].(model.StageIO)
	require.True(t, ok)
	assert.Len(t, io.Inputs, 2)
	assert.Len(t, io.Outputs, 2)
}

func TestEnrichRunMissingProfileURL(t *testing.T) {
	profiles := []model.CreatorProfile{{LanceDBID: "x1"}}

	e := NewEnrichStage(&fakeProvider{}, enrichConfig())
	out, err := e.Run(context.Background(), profiles)
	require.NoError(t, err)

	require.Len(t, out.Failures, 1)
	assert.Equal(t, "missing_profile_url", out.Failures[0].Warning)
	assert.Empty(t, out.SuccessKeys)
}

func TestEnrichRunDatasetNotConfigured(t *testing.T) {
	cfg := enrichConfig()
	cfg.DatasetIDs = map[string]string{"instagram": "ds-ig"}

	profiles := []model.CreatorProfile{
		{Username: "bob", ProfileURL: "https://www.tiktok.com/@bob", Platform: "tiktok"},
	}

	provider := &fakeProvider{}
	e := NewEnrichStage(provider, cfg)
	out, err := e.Run(context.Background(), profiles)
	require.NoError(t, err)

	require.Len(t, out.Failures, 1)
	assert.Equal(t, "dataset_not_configured", out.Failures[0].ErrorCode)
	assert.Equal(t, "missing_tiktok_dataset_id", out.Failures[0].Error)
	assert.Empty(t, provider.triggers)
}

func TestEnrichRunFailedRecordKeepsProfileUntouched(t *testing.T) {
	provider := &fakeProvider{records: []map[string]any{
		{
			"url":        "https://www.instagram.com/alice",
			"biography":  "should not apply",
			"error":      "profile is private",
			"error_code": "crawl_failed",
		},
	}}

	profiles := []model.CreatorProfile{
		{Username: "alice", ProfileURL: "https://www.instagram.com/alice", Platform: "instagram", Biography: "original"},
	}

	e := NewEnrichStage(provider, enrichConfig())
	out, err := e.Run(context.Background(), profiles)
	require.NoError(t, err)

	assert.Equal(t, "original", out.Profiles[0].Biography)
	assert.Empty(t, out.SuccessKeys)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "profile is private", out.Failures[0].Error)
	assert.Equal(t, "crawl_failed", out.Failures[0].ErrorCode)
}

func TestEnrichRunChunksRequests(t *testing.T) {
	cfg := enrichConfig()
	cfg.ChunkSize = 1

	provider := &fakeProvider{}
	profiles := []model.CreatorProfile{
		{Username: "a", ProfileURL: "https://www.instagram.com/a", Platform: "instagram"},
		{Username: "b", ProfileURL: "https://www.instagram.com/b", Platform: "instagram"},
	}

	e := NewEnrichStage(provider, cfg)
	_, err := e.Run(context.Background(), profiles)
	require.NoError(t, err)
	assert.Len(t, provider.triggers, 2)
}

func TestEnrichRunContinuesPastChunkFailure(t *testing.T) {
	provider := &fakeProvider{
		triggerCh: func(string, []string) (string, error) {
			return "", eris.New("quota exceeded")
		},
	}
	profiles := []model.CreatorProfile{
		{Username: "a", ProfileURL: "https://www.instagram.com/a", Platform: "instagram"},
	}

	e := NewEnrichStage(provider, enrichConfig())
	out, err := e.Run(context.Background(), profiles)
	require.NoError(t, err)

	require.Len(t, out.Failures, 1)
	assert.Equal(t, "not_returned", out.Failures[0].Error)
	errs := out.Debug["chunk_errors"].([]string)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "chunk_1")
}

func TestEnrichRunPollsUntilReady(t *testing.T) {
	provider := &fakeProvider{statuses: []string{"running", "running", "ready"}}
	profiles := []model.CreatorProfile{
		{Username: "a", ProfileURL: "https://www.instagram.com/a", Platform: "instagram"},
	}

	e := NewEnrichStage(provider, enrichConfig())
	_, err := e.Run(context.Background(), profiles)
	require.NoError(t, err)
	assert.Equal(t, 3, provider.polls)
}
