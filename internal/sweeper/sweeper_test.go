package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutline/discovery-cli/internal/config"
	"github.com/scoutline/discovery-cli/internal/store"
)

// sweepStore stubs only the cleanup surface of store.Store.
type sweepStore struct {
	store.Store

	expired   []string
	listErr   error
	deleted   []string
	deleteErr map[string]error
	docCounts map[string]int64
}

func (s *sweepStore) ListExpiredPipelines(_ context.Context, _ time.Time, maxDocs int) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if len(s.expired) > maxDocs {
		return s.expired[:maxDocs], nil
	}
	return s.expired, nil
}

func (s *sweepStore) DeleteExpiredForPipeline(_ context.Context, pipelineID string, _ time.Time) (int64, error) {
	if err := s.deleteErr[pipelineID]; err != nil {
		return 0, err
	}
	s.deleted = append(s.deleted, pipelineID)
	return s.docCounts[pipelineID], nil
}

func TestRunOnceDeletesExpiredPipelines(t *testing.T) {
	st := &sweepStore{
		expired:   []string{"p1", "p2", "p1"},
		docCounts: map[string]int64{"p1": 3, "p2": 2},
	}

	s := New(st, config.CleanupConfig{MaxDocs: 500, MaxPipelines: 100})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2"}, st.deleted)
	assert.Equal(t, 2, res.Pipelines)
	assert.Equal(t, int64(5), res.DocsDeleted)
	assert.Equal(t, 0, res.Errors)
}

func TestRunOnceContinuesPastDeleteFailure(t *testing.T) {
	st := &sweepStore{
		expired:   []string{"p1", "p2"},
		deleteErr: map[string]error{"p1": eris.New("locked")},
		docCounts: map[string]int64{"p2": 1},
	}

	s := New(st, config.CleanupConfig{})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"p2"}, st.deleted)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, int64(1), res.DocsDeleted)
}

func TestRunOnceHonorsPipelineCap(t *testing.T) {
	st := &sweepStore{
		expired:   []string{"p1", "p2", "p3"},
		docCounts: map[string]int64{},
	}

	s := New(st, config.CleanupConfig{MaxPipelines: 2})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pipelines)
}

func TestRunOnceListFailure(t *testing.T) {
	st := &sweepStore{listErr: eris.New("db down")}
	s := New(st, config.CleanupConfig{})
	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
}
