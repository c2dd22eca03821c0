package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scoutline/discovery-cli/internal/store"
	"github.com/scoutline/discovery-cli/pkg/anthropic"
	"github.com/scoutline/discovery-cli/pkg/cohere"
	"github.com/scoutline/discovery-cli/pkg/searchdb"
)

// fakeLLM answers CreateMessage from a canned script. respond can inspect
// the request to vary the answer.
type fakeLLM struct {
	mu      sync.Mutex
	calls   int
	respond func(call int, req anthropic.MessageRequest) (string, error)
}

func (f *fakeLLM) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	text, err := f.respond(call, req)
	if err != nil {
		return nil, err
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// textLLM always returns the same text.
func textLLM(text string) *fakeLLM {
	return &fakeLLM{respond: func(int, anthropic.MessageRequest) (string, error) {
		return text, nil
	}}
}

// fakeSearchBackend records queries and serves hits keyed by query text.
type fakeSearchBackend struct {
	mu      sync.Mutex
	queries []searchdb.HybridQuery
	hits    map[string][]map[string]any
	err     error
}

func (f *fakeSearchBackend) Hybrid(_ context.Context, q searchdb.HybridQuery) ([]map[string]any, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.hits[q.Query], nil
}

// fakeEmbedder returns a fixed vector.
type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float64{0.1, 0.2, 0.3}, nil
}

// fakeProvider scripts the trigger/poll/download cycle.
type fakeProvider struct {
	mu        sync.Mutex
	triggers  []fakeTrigger
	statuses  []string
	polls     int
	records   []map[string]any
	triggerCh func(datasetID string, urls []string) (string, error)
}

type fakeTrigger struct {
	datasetID string
	urls      []string
}

func (f *fakeProvider) Trigger(_ context.Context, datasetID string, urls []string) (string, error) {
	f.mu.Lock()
	f.triggers = append(f.triggers, fakeTrigger{datasetID: datasetID, urls: urls})
	f.mu.Unlock()
	if f.triggerCh != nil {
		return f.triggerCh(datasetID, urls)
	}
	return fmt.Sprintf("snap-%d", len(f.triggers)), nil
}

func (f *fakeProvider) Progress(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls < len(f.statuses) {
		s := f.statuses[f.polls]
		f.polls++
		return s, nil
	}
	return "ready", nil
}

func (f *fakeProvider) Download(context.Context, string) ([]map[string]any, error) {
	return f.records, nil
}

// fakeReranker returns a scripted ranking.
type fakeReranker struct {
	lastQuery string
	lastDocs  []string
	ranked    []cohere.Ranked
	err       error
}

func (f *fakeReranker) Rerank(_ context.Context, query string, docs []string, _ int) ([]cohere.Ranked, error) {
	f.lastQuery = query
	f.lastDocs = docs
	if f.err != nil {
		return nil, f.err
	}
	return f.ranked, nil
}

// memStore is an in-memory store.Store for orchestrator tests.
type memStore struct {
	mu       sync.Mutex
	docs     map[string]*store.StageDocument
	statuses map[string]*store.PipelineStatus
	saveErr  error
}

func newMemStore() *memStore {
	return &memStore{
		docs:     make(map[string]*store.StageDocument),
		statuses: make(map[string]*store.PipelineStatus),
	}
}

func (m *memStore) SaveStageDocument(_ context.Context, doc *store.StageDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	copied := *doc
	copied.ExpiresAt = time.Now().Add(time.Hour)
	m.docs[doc.DocID] = &copied
	return nil
}

func (m *memStore) GetStageDocument(_ context.Context, pipelineID, stage string) (*store.StageDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[store.StageDocID(pipelineID, stage)]
	if !ok || time.Now().After(doc.ExpiresAt) {
		return nil, store.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (m *memStore) LiveStages(_ context.Context, pipelineID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, doc := range m.docs {
		if doc.PipelineID == pipelineID && time.Now().Before(doc.ExpiresAt) {
			out = append(out, doc.Stage)
		}
	}
	return out, nil
}

func (m *memStore) CreatePipelineStatus(_ context.Context, status *store.PipelineStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.statuses[status.PipelineID]; ok {
		existing.Status = store.StatusRunning
		existing.Error = ""
		return nil
	}
	copied := *status
	m.statuses[status.PipelineID] = &copied
	return nil
}

func (m *memStore) UpdatePipelineStatus(_ context.Context, pipelineID, stage string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[pipelineID]; ok {
		s.Stage = stage
		s.Progress = progress
	}
	return nil
}

func (m *memStore) RecordStageEvent(_ context.Context, pipelineID string, event store.StageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[pipelineID]; ok {
		s.Events = append(s.Events, event)
	}
	return nil
}

func (m *memStore) CompletePipelineStatus(_ context.Context, pipelineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[pipelineID]; ok {
		s.Status = store.StatusCompleted
		s.Progress = 100
	}
	return nil
}

func (m *memStore) ErrorPipelineStatus(_ context.Context, pipelineID, category, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[pipelineID]; ok {
		s.Status = store.StatusError
		s.Error = category + ": " + message
	}
	return nil
}

func (m *memStore) GetPipelineStatus(_ context.Context, pipelineID string) (*store.PipelineStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[pipelineID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memStore) ListExpiredPipelines(context.Context, time.Time, int) ([]string, error) {
	return nil, nil
}

func (m *memStore) DeleteExpiredForPipeline(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }

func (m *memStore) Close() {}
