package pipeline

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutline/discovery-cli/internal/config"
	"github.com/scoutline/discovery-cli/internal/model"
	"github.com/scoutline/discovery-cli/pkg/cohere"
)

func rerankProfiles() []model.CreatorProfile {
	return []model.CreatorProfile{
		{Account: "a", Biography: "bio a"},
		{Account: "b", Biography: "bio b"},
		{Account: "c", Biography: "bio c"},
		{Account: "d", Biography: "bio d"},
	}
}

func TestRerankRunReordersHead(t *testing.T) {
	backend := &fakeReranker{ranked: []cohere.Ranked{
		{Index: 2, Score: 0.95},
		{Index: 0, Score: 0.40},
	}}

	r := NewRerankStage(backend, config.RerankConfig{TopK: 3, Mode: RerankModeBio})
	out, err := r.Run(context.Background(), "query", rerankProfiles(), RerankOptions{})
	require.NoError(t, err)
	require.False(t, out.Degraded)

	got := make([]string, len(out.Profiles))
	for i, p := range out.Profiles {
		got[i] = p.Account
	}
	// Ranked head (c, a), then unranked head remainder (b), then the tail (d).
	assert.Equal(t, []string{"c", "a", "b", "d"}, got)

	require.NotNil(t, out.Profiles[0].RerankScore)
	assert.InDelta(t, 0.95, *out.Profiles[0].RerankScore, 1e-9)
	assert.Nil(t, out.Profiles[2].RerankScore)

	assert.Equal(t, "query", backend.lastQuery)
	assert.Equal(t, []string{"bio a", "bio b", "bio c"}, backend.lastDocs)

	io, ok := out.Debug["io"].(model.StageIO)
	require.True(t, ok)
	assert.Equal(t, "a", io.Inputs[0].Key)
	assert.Equal(t, "c", io.Outputs[0].Key)
}

func TestRerankRunSkipsBogusIndices(t *testing.T) {
	backend := &fakeReranker{ranked: []cohere.Ranked{
		{Index: 1, Score: 0.9},
		{Index: 1, Score: 0.8},  // duplicate
		{Index: 99, Score: 0.7}, // out of range
		{Index: -1, Score: 0.6},
	}}

	r := NewRerankStage(backend, config.RerankConfig{TopK: 4, Mode: RerankModeBio})
	out, err := r.Run(context.Background(), "query", rerankProfiles(), RerankOptions{})
	require.NoError(t, err)

	assert.Equal(t, "b", out.Profiles[0].Account)
	assert.Len(t, out.Profiles, 4)
	assert.Equal(t, 1, out.Debug["reranked"])
}

func TestRerankRunDegradesOnBackendFailure(t *testing.T) {
	backend := &fakeReranker{err: eris.New("rerank down")}

	profiles := rerankProfiles()
	r := NewRerankStage(backend, config.RerankConfig{TopK: 4, Mode: RerankModeBio})
	out, err := r.Run(context.Background(), "query", profiles, RerankOptions{})
	require.NoError(t, err)

	assert.True(t, out.Degraded)
	assert.Equal(t, "a", out.Profiles[0].Account)
	assert.Equal(t, "d", out.Profiles[3].Account)
}

func TestRerankRunEmptyInput(t *testing.T) {
	backend := &fakeReranker{}
	r := NewRerankStage(backend, config.RerankConfig{TopK: 10, Mode: RerankModeBio})
	out, err := r.Run(context.Background(), "query", nil, RerankOptions{})
	require.NoError(t, err)
	assert.Empty(t, out.Profiles)
	assert.Empty(t, backend.lastDocs)
}

func TestRerankDocumentFallbacks(t *testing.T) {
	p := &model.CreatorProfile{Account: "a"}
	assert.Equal(t, "a", rerankDocument(p, RerankModeBio))

	p.ProfileFTSSource = "fts text"
	assert.Equal(t, "fts text", rerankDocument(p, RerankModeBio))

	p.Biography = "bio"
	assert.Equal(t, "bio", rerankDocument(p, RerankModeBio))

	// Posts mode falls back to bio when no post text exists.
	assert.Equal(t, "bio", rerankDocument(p, RerankModePosts))
	p.PostsRaw = `[{"caption":"x"}]`
	assert.Equal(t, `[{"caption":"x"}]`, rerankDocument(p, RerankModePosts))

	assert.Equal(t, "bio "+`[{"caption":"x"}]`, rerankDocument(p, RerankModeCombined))
}

func TestRerankRunAppliesOverrides(t *testing.T) {
	backend := &fakeReranker{ranked: []cohere.Ranked{{Index: 0, Score: 0.5}}}
	profiles := rerankProfiles()
	profiles[0].PostsRaw = "post text"

	r := NewRerankStage(backend, config.RerankConfig{TopK: 2, Mode: RerankModeBio})
	out, err := r.Run(context.Background(), "query", profiles, RerankOptions{TopK: 3, Mode: RerankModePosts})
	require.NoError(t, err)

	assert.Len(t, backend.lastDocs, 3)
	assert.Equal(t, "post text", backend.lastDocs[0])
	assert.Equal(t, RerankModePosts, out.Debug["mode"])
}

func TestNewRerankStageClampsConfig(t *testing.T) {
	r := NewRerankStage(&fakeReranker{}, config.RerankConfig{TopK: 5000, Mode: "bogus"})
	assert.Equal(t, 1000, r.cfg.TopK)
	assert.Equal(t, RerankModeBio, r.cfg.Mode)

	r = NewRerankStage(&fakeReranker{}, config.RerankConfig{})
	assert.Equal(t, 200, r.cfg.TopK)
}
