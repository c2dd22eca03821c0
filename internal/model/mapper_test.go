package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRecord_FallbackChains(t *testing.T) {
	p := FromRecord(map[string]any{
		"username":                "glowup_daily",
		"display_name":            "Glow Up Daily",
		"platform":                "Instagram",
		"url":                     "https://instagram.com/glowup_daily",
		"vector_similarity_score": 0.71,
	})

	assert.Equal(t, "glowup_daily", p.Account, "account falls back to username")
	assert.Equal(t, "Glow Up Daily", p.ProfileName, "profile_name falls back to display_name")
	assert.Equal(t, "instagram", p.Platform, "platform is lowercased")
	assert.Equal(t, "https://instagram.com/glowup_daily", p.ProfileURL, "profile_url falls back to url")
	assert.Equal(t, 0.71, p.CombinedScore, "combined_score falls back to vector similarity")
	assert.Equal(t, "hybrid", p.ScoreMode)
}

func TestFromRecord_SanitizesGarbage(t *testing.T) {
	p := FromRecord(map[string]any{
		"account":        "chef.marco",
		"biography":      "nan",
		"followers":      math.NaN(),
		"avg_engagement": "",
		"combined_score": "0.42",
	})

	assert.Empty(t, p.Biography)
	assert.Zero(t, p.Followers)
	assert.Zero(t, p.AvgEngagement)
	assert.Equal(t, 0.42, p.CombinedScore, "string-encoded floats parse")
}

func TestFromRecord_LenientBool(t *testing.T) {
	cases := []struct {
		raw  any
		want bool
	}{
		{"yes", true}, {"Y", true}, {"on", true}, {float64(1), true},
		{"no", false}, {"off", false}, {float64(0), false}, {false, false},
	}
	for _, tc := range cases {
		p := FromRecord(map[string]any{"account": "a", "is_personal_creator": tc.raw})
		assert.Equal(t, tc.want, p.IsPersonalCreator, "raw=%v", tc.raw)
	}
}

func TestFromRecord_PersonalCreatorInference(t *testing.T) {
	// Explicit flag wins over the org score.
	p := FromRecord(map[string]any{"is_personal_creator": false, "individual_vs_org_score": 2.0})
	assert.False(t, p.IsPersonalCreator)

	// Below the org threshold means personal.
	p = FromRecord(map[string]any{"individual_vs_org_score": 3.5})
	assert.True(t, p.IsPersonalCreator)

	p = FromRecord(map[string]any{"individual_vs_org_score": 7.0})
	assert.False(t, p.IsPersonalCreator)

	// No signal at all defaults to personal.
	p = FromRecord(map[string]any{})
	assert.True(t, p.IsPersonalCreator)
}

func TestFromRecord_PostsRawReencoded(t *testing.T) {
	p := FromRecord(map[string]any{
		"account":   "a",
		"posts_raw": []any{map[string]any{"caption": "hi"}},
	})
	assert.JSONEq(t, `[{"caption":"hi"}]`, p.PostsRaw)
}

func TestDedupKey_Preference(t *testing.T) {
	p := CreatorProfile{LanceDBID: "LDB1", Username: "user", Account: "acct", ProfileURL: "https://x"}
	assert.Equal(t, "ldb1", p.DedupKey())

	p.LanceDBID = ""
	assert.Equal(t, "user", p.DedupKey())

	p.Username = ""
	assert.Equal(t, "acct", p.DedupKey())

	p.Account = ""
	assert.Equal(t, "https://x", p.DedupKey())

	p.ProfileURL = "  "
	assert.Empty(t, p.DedupKey())
}

func TestFitKey_Preference(t *testing.T) {
	p := CreatorProfile{Account: "Acct", ProfileURL: "https://x", LanceDBID: "LDB1"}
	assert.Equal(t, "acct", p.FitKey())

	p.Account = ""
	assert.Equal(t, "https://x", p.FitKey())

	// Profiles known only by their index id still merge their fit results.
	p.ProfileURL = ""
	assert.Equal(t, "ldb1", p.FitKey())

	p.LanceDBID = " "
	assert.Empty(t, p.FitKey())
}

func TestNormalizedRecordKey(t *testing.T) {
	assert.Equal(t, "https://instagram.com/a",
		NormalizedRecordKey(map[string]any{"profile_url": "https://Instagram.com/A"}))
	assert.Equal(t, "https://t.com/b",
		NormalizedRecordKey(map[string]any{"input_url": "https://t.com/B"}))
	assert.Equal(t, "handle",
		NormalizedRecordKey(map[string]any{"username": "Handle"}))
	assert.Empty(t, NormalizedRecordKey(map[string]any{"followers": 5}))
}

func TestBuildProfileRefs_SkipsAnonymous(t *testing.T) {
	refs := BuildProfileRefs([]CreatorProfile{
		{Account: "a", ProfileURL: "https://x/a"},
		{},
		{Username: "b"},
	})
	require.Len(t, refs, 2)
	assert.Equal(t, "a", refs[0].Key)
	assert.Equal(t, "b", refs[1].Key)
}
