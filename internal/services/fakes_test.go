package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anvilworks/ragserver/internal/domain"
	"github.com/anvilworks/ragserver/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	// failOn makes the call with this 1-based index fail; 0 disables.
	failOn  int
	failAll bool
	vector  []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAll || (f.failOn != 0 && f.calls == f.failOn) {
		return nil, fmt.Errorf("embed boom")
	}
	if f.vector != nil {
		return f.vector, nil
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeCompletion struct {
	mu           sync.Mutex
	answer       string
	completeErr  error
	streamChunks []string
	streamErr    error

	completeCalls int
	streamCalls   int
	lastMessages  []domain.ChatMessage
}

func (f *fakeCompletion) Complete(ctx context.Context, messages []domain.ChatMessage, temperature float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	f.lastMessages = messages
	if f.completeErr != nil {
		return "", f.completeErr
	}
	if f.answer == "" {
		return "generated answer", nil
	}
	return f.answer, nil
}

func (f *fakeCompletion) Stream(ctx context.Context, messages []domain.ChatMessage, temperature float64, onDelta func(delta string)) (string, error) {
	f.mu.Lock()
	f.streamCalls++
	f.lastMessages = messages
	chunks := f.streamChunks
	streamErr := f.streamErr
	f.mu.Unlock()

	var full string
	for _, chunk := range chunks {
		full += chunk
		if onDelta != nil {
			onDelta(chunk)
		}
	}
	if streamErr != nil {
		return "", streamErr
	}
	return full, nil
}

type fakeVectorStore struct {
	mu          sync.Mutex
	upsertErr   error
	searchErr   error
	results     []domain.RetrievedDocument
	upsertCalls int
	searchCalls int
	deleteCalls int
	deletedIDs  []string
	upsertedIDs []string
}

func (f *fakeVectorStore) Upsert(ctx context.Context, id string, vector []float32, content string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upsertedIDs = append(f.upsertedIDs, id)
	return nil
}

func (f *fakeVectorStore) Search(ctx context.Context, vector []float32, topK int, filter map[string]any) ([]domain.RetrievedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.results, nil
}

func (f *fakeVectorStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	f.deletedIDs = append(f.deletedIDs, id)
	return nil
}

type fakeKeywordStore struct {
	mu          sync.Mutex
	indexErr    error
	searchErr   error
	results     []domain.RetrievedDocument
	indexCalls  int
	searchCalls int
	deleteCalls int
	deletedIDs  []string
}

func (f *fakeKeywordStore) Index(ctx context.Context, id string, content string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexCalls++
	return f.indexErr
}

func (f *fakeKeywordStore) Search(ctx context.Context, query string, limit int) ([]domain.RetrievedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.results, nil
}

func (f *fakeKeywordStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	f.deletedIDs = append(f.deletedIDs, id)
	return nil
}

func (f *fakeKeywordStore) BulkIndex(ctx context.Context, items []domain.KeywordItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexCalls += len(items)
	return f.indexErr
}

type fakeRelationalStore struct {
	mu          sync.Mutex
	saveDocErr  error
	hasAny      bool
	hasAnyErr   error
	saveCalls   int
	deleteCalls int
	turnCalls   int
	turns       []*domain.ConversationTurn
}

func (f *fakeRelationalStore) SaveDocument(ctx context.Context, doc *domain.TrainingDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	return f.saveDocErr
}

func (f *fakeRelationalStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return nil
}

func (f *fakeRelationalStore) HasAnyDocuments(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasAny, f.hasAnyErr
}

func (f *fakeRelationalStore) SaveConversationTurn(ctx context.Context, turn *domain.ConversationTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turnCalls++
	f.turns = append(f.turns, turn)
	return nil
}

func (f *fakeRelationalStore) ListConversationTurns(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ConversationTurn
	for _, turn := range f.turns {
		if turn.SessionID == sessionID {
			out = append(out, turn)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeKVStore struct {
	mu      sync.Mutex
	entries map[string]string
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
}

func newFakeKVStore() *fakeKVStore {
	return &fakeKVStore{
		entries: map[string]string{},
		ttls:    map[string]time.Duration{},
	}
}

func (f *fakeKVStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", false, f.getErr
	}
	val, ok := f.entries[key]
	return val, ok, nil
}

func (f *fakeKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.entries[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeKVStore) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	delete(f.ttls, key)
	return nil
}
