package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/anvilworks/ragserver/internal/domain"
	"github.com/anvilworks/ragserver/internal/platform/openai"
	"github.com/anvilworks/ragserver/internal/repos"
)

// Adapters binding the platform clients and repos onto the capability
// interfaces the services consume.

type embeddingProvider struct {
	client openai.Client
}

func (p embeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.client.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding response empty")
	}
	return vectors[0], nil
}

type completionProvider struct {
	client openai.Client
}

func (p completionProvider) Complete(ctx context.Context, messages []domain.ChatMessage, temperature float64) (string, error) {
	return p.client.Complete(ctx, toOpenAIMessages(messages), temperature)
}

func (p completionProvider) Stream(ctx context.Context, messages []domain.ChatMessage, temperature float64, onDelta func(delta string)) (string, error) {
	return p.client.StreamCompletion(ctx, toOpenAIMessages(messages), temperature, onDelta)
}

func toOpenAIMessages(messages []domain.ChatMessage) []openai.Message {
	out := make([]openai.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

type relationalStore struct {
	docs  repos.TrainingDocumentRepo
	turns repos.ConversationTurnRepo
}

func (r relationalStore) SaveDocument(ctx context.Context, doc *domain.TrainingDocument) error {
	return r.docs.Save(ctx, nil, doc)
}

func (r relationalStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	return r.docs.Delete(ctx, nil, id)
}

func (r relationalStore) HasAnyDocuments(ctx context.Context) (bool, error) {
	return r.docs.HasAny(ctx)
}

func (r relationalStore) SaveConversationTurn(ctx context.Context, turn *domain.ConversationTurn) error {
	return r.turns.Create(ctx, nil, []*domain.ConversationTurn{turn})
}

func (r relationalStore) ListConversationTurns(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error) {
	return r.turns.ListBySessionID(ctx, sessionID, limit)
}
