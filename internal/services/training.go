package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/anvilworks/ragserver/internal/domain"
	"github.com/anvilworks/ragserver/internal/observability"
	"github.com/anvilworks/ragserver/internal/platform/apierr"
	"github.com/anvilworks/ragserver/internal/platform/logger"
)

const trainingBatchSize = 5

type TrainingInput struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type BatchResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// trainingOperation tracks which stores a single TrainOne call has written,
// so compensation only deletes what actually succeeded.
type trainingOperation struct {
	documentID        uuid.UUID
	vectorWritten     bool
	keywordWritten    bool
	relationalWritten bool
}

// TrainingCoordinator indexes a document into the vector, keyword and
// relational stores as a saga: the embed step needs no compensation, every
// store write does. On failure it issues compensating deletes against the
// stores that succeeded and re-raises the original error.
type TrainingCoordinator struct {
	log      *logger.Logger
	breaker  *CircuitBreaker
	embedder EmbeddingProvider
	vec      VectorStore
	kw       KeywordStore
	rel      RelationalStore
	presence *TTLCache[bool]
	metrics  *observability.Metrics
}

func NewTrainingCoordinator(
	baseLog *logger.Logger,
	breaker *CircuitBreaker,
	embedder EmbeddingProvider,
	vec VectorStore,
	kw KeywordStore,
	rel RelationalStore,
	presence *TTLCache[bool],
	metrics *observability.Metrics,
) *TrainingCoordinator {
	return &TrainingCoordinator{
		log:      baseLog.With("service", "TrainingCoordinator"),
		breaker:  breaker,
		embedder: embedder,
		vec:      vec,
		kw:       kw,
		rel:      rel,
		presence: presence,
		metrics:  metrics,
	}
}

func (t *TrainingCoordinator) TrainOne(ctx context.Context, content string, metadata map[string]any) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return apierr.Validation(fmt.Errorf("training content required"))
	}

	var vector []float32
	err := t.breaker.Do(ctx, providerEmbedding, func(ctx context.Context) error {
		var embedErr error
		vector, embedErr = t.embedder.Embed(ctx, content)
		return embedErr
	})
	if err != nil {
		t.observe("embed_failed")
		return err
	}

	op := trainingOperation{documentID: uuid.New()}
	docID := op.documentID.String()

	err = t.breaker.Do(ctx, providerVector, func(ctx context.Context) error {
		return t.vec.Upsert(ctx, docID, vector, content, metadata)
	})
	if err != nil {
		t.compensate(ctx, op)
		t.observe("vector_failed")
		return err
	}
	op.vectorWritten = true

	err = t.breaker.Do(ctx, providerKeyword, func(ctx context.Context) error {
		return t.kw.Index(ctx, docID, content, metadata)
	})
	if err != nil {
		t.compensate(ctx, op)
		t.observe("keyword_failed")
		return err
	}
	op.keywordWritten = true

	row := &domain.TrainingDocument{ID: op.documentID, Content: content}
	if len(metadata) > 0 {
		raw, marshalErr := json.Marshal(metadata)
		if marshalErr != nil {
			t.compensate(ctx, op)
			t.observe("relational_failed")
			return fmt.Errorf("marshal metadata: %w", marshalErr)
		}
		row.Metadata = datatypes.JSON(raw)
	}
	if err := t.rel.SaveDocument(ctx, row); err != nil {
		t.compensate(ctx, op)
		t.observe("relational_failed")
		return err
	}
	op.relationalWritten = true

	// New data exists; the presence probe must re-check.
	t.presence.Delete(presenceCacheKey)
	t.observe("success")
	return nil
}

// TrainBatch processes documents in fixed-size concurrent batches with
// allSettled semantics: one item failing never aborts the batch.
func (t *TrainingCoordinator) TrainBatch(ctx context.Context, docs []TrainingInput) BatchResult {
	var (
		mu     sync.Mutex
		result BatchResult
	)

	for start := 0; start < len(docs); start += trainingBatchSize {
		end := start + trainingBatchSize
		if end > len(docs) {
			end = len(docs)
		}

		var wg sync.WaitGroup
		for _, doc := range docs[start:end] {
			wg.Add(1)
			go func(doc TrainingInput) {
				defer wg.Done()
				err := t.TrainOne(ctx, doc.Content, doc.Metadata)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					return
				}
				result.Success++
			}(doc)
		}
		wg.Wait()
	}

	t.log.Info("training batch finished",
		"total", len(docs),
		"success", result.Success,
		"failed", result.Failed,
	)
	return result
}

// compensate deletes the document from every store that was written.
// Compensation failures are logged, never escalated; the caller re-raises
// the original error.
func (t *TrainingCoordinator) compensate(ctx context.Context, op trainingOperation) {
	docID := op.documentID.String()
	if op.vectorWritten {
		if err := t.vec.Delete(ctx, docID); err != nil {
			t.log.Warn("saga compensation: vector delete failed", "doc_id", docID, "error", err)
		}
	}
	if op.keywordWritten {
		if err := t.kw.Delete(ctx, docID); err != nil {
			t.log.Warn("saga compensation: keyword delete failed", "doc_id", docID, "error", err)
		}
	}
	if op.relationalWritten {
		if err := t.rel.DeleteDocument(ctx, op.documentID); err != nil {
			t.log.Warn("saga compensation: relational delete failed", "doc_id", docID, "error", err)
		}
	}
}

func (t *TrainingCoordinator) observe(outcome string) {
	if t.metrics != nil {
		t.metrics.ObserveTrainingOutcome(outcome)
	}
}
