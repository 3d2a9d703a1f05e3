package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/anvilworks/ragserver/internal/domain"
)

// Capability contracts the chat core consumes. Concrete adapters live under
// internal/platform and internal/repos; everything here is mockable.

type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type CompletionProvider interface {
	Complete(ctx context.Context, messages []domain.ChatMessage, temperature float64) (string, error)
	// Stream forwards text deltas to onDelta and returns the full text.
	// Cancelling ctx stops the upstream stream.
	Stream(ctx context.Context, messages []domain.ChatMessage, temperature float64, onDelta func(delta string)) (string, error)
}

type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, content string, metadata map[string]any) error
	Search(ctx context.Context, vector []float32, topK int, filter map[string]any) ([]domain.RetrievedDocument, error)
	Delete(ctx context.Context, id string) error
}

type KeywordStore interface {
	Index(ctx context.Context, id string, content string, metadata map[string]any) error
	Search(ctx context.Context, query string, limit int) ([]domain.RetrievedDocument, error)
	Delete(ctx context.Context, id string) error
	BulkIndex(ctx context.Context, items []domain.KeywordItem) error
}

type RelationalStore interface {
	SaveDocument(ctx context.Context, doc *domain.TrainingDocument) error
	DeleteDocument(ctx context.Context, id uuid.UUID) error
	// HasAnyDocuments is the cheap presence probe behind the retrieval gate.
	HasAnyDocuments(ctx context.Context) (bool, error)
	SaveConversationTurn(ctx context.Context, turn *domain.ConversationTurn) error
	ListConversationTurns(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error)
}

type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}
