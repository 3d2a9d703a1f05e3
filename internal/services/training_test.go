package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/anvilworks/ragserver/internal/platform/apierr"
)

func newTestCoordinator(t *testing.T, embed *fakeEmbedder, vec *fakeVectorStore, kw *fakeKeywordStore, rel *fakeRelationalStore, presence *TTLCache[bool]) *TrainingCoordinator {
	t.Helper()
	if presence == nil {
		presence = NewTTLCache[bool]("data_presence", 0, 0, nil)
	}
	return NewTrainingCoordinator(
		testLogger(t),
		NewCircuitBreaker(testLogger(t), nil),
		embed, vec, kw, rel, presence, nil,
	)
}

func TestTrainOneWritesAllStores(t *testing.T) {
	vec := &fakeVectorStore{}
	kw := &fakeKeywordStore{}
	rel := &fakeRelationalStore{}
	c := newTestCoordinator(t, &fakeEmbedder{}, vec, kw, rel, nil)

	if err := c.TrainOne(context.Background(), "some document", map[string]any{"source": "test"}); err != nil {
		t.Fatalf("TrainOne: %v", err)
	}
	if vec.upsertCalls != 1 || kw.indexCalls != 1 || rel.saveCalls != 1 {
		t.Fatalf("want one write per store, got vector=%d keyword=%d relational=%d",
			vec.upsertCalls, kw.indexCalls, rel.saveCalls)
	}
	if vec.deleteCalls != 0 || kw.deleteCalls != 0 || rel.deleteCalls != 0 {
		t.Fatalf("success must not compensate")
	}
}

func TestTrainOneEmbedFailureWritesNothing(t *testing.T) {
	vec := &fakeVectorStore{}
	kw := &fakeKeywordStore{}
	rel := &fakeRelationalStore{}
	c := newTestCoordinator(t, &fakeEmbedder{failAll: true}, vec, kw, rel, nil)

	if err := c.TrainOne(context.Background(), "doc", nil); err == nil {
		t.Fatalf("want embed error")
	}
	if vec.upsertCalls != 0 || kw.indexCalls != 0 || rel.saveCalls != 0 {
		t.Fatalf("embed failure must not reach any store")
	}
	if vec.deleteCalls != 0 || kw.deleteCalls != 0 {
		t.Fatalf("nothing written, nothing to compensate")
	}
}

func TestTrainOneRollsBackVectorOnKeywordFailure(t *testing.T) {
	vec := &fakeVectorStore{}
	kw := &fakeKeywordStore{indexErr: fmt.Errorf("fts down")}
	rel := &fakeRelationalStore{}
	c := newTestCoordinator(t, &fakeEmbedder{}, vec, kw, rel, nil)

	err := c.TrainOne(context.Background(), "doc", nil)
	if err == nil {
		t.Fatalf("want keyword index error")
	}
	if vec.deleteCalls != 1 {
		t.Fatalf("want exactly one compensating vector delete, got %d", vec.deleteCalls)
	}
	if len(vec.upsertedIDs) != 1 || len(vec.deletedIDs) != 1 || vec.deletedIDs[0] != vec.upsertedIDs[0] {
		t.Fatalf("compensation must target the written id: upserted=%v deleted=%v", vec.upsertedIDs, vec.deletedIDs)
	}
	if rel.saveCalls != 0 {
		t.Fatalf("relational write must not happen after keyword failure")
	}
	if kw.deleteCalls != 0 {
		t.Fatalf("keyword store never written, must not be compensated")
	}
}

func TestTrainOneRollsBackOnRelationalFailure(t *testing.T) {
	vec := &fakeVectorStore{}
	kw := &fakeKeywordStore{}
	rel := &fakeRelationalStore{saveDocErr: fmt.Errorf("pg down")}
	c := newTestCoordinator(t, &fakeEmbedder{}, vec, kw, rel, nil)

	if err := c.TrainOne(context.Background(), "doc", nil); err == nil {
		t.Fatalf("want relational error")
	}
	if vec.deleteCalls != 1 || kw.deleteCalls != 1 {
		t.Fatalf("want both earlier writes compensated, got vector=%d keyword=%d", vec.deleteCalls, kw.deleteCalls)
	}
	if rel.deleteCalls != 0 {
		t.Fatalf("failed relational write must not be compensated")
	}
}

func TestTrainOneInvalidatesPresenceCache(t *testing.T) {
	presence := NewTTLCache[bool]("data_presence", 0, 0, nil)
	presence.Set(presenceCacheKey, false)
	c := newTestCoordinator(t, &fakeEmbedder{}, &fakeVectorStore{}, &fakeKeywordStore{}, &fakeRelationalStore{}, presence)

	if err := c.TrainOne(context.Background(), "doc", nil); err != nil {
		t.Fatalf("TrainOne: %v", err)
	}
	if _, ok := presence.Get(presenceCacheKey); ok {
		t.Fatalf("presence cache must be invalidated after new data")
	}
}

func TestTrainOneValidation(t *testing.T) {
	c := newTestCoordinator(t, &fakeEmbedder{}, &fakeVectorStore{}, &fakeKeywordStore{}, &fakeRelationalStore{}, nil)
	err := c.TrainOne(context.Background(), "   ", nil)
	if !apierr.IsCode(err, apierr.CodeValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestTrainBatchAllSettled(t *testing.T) {
	embed := &fakeEmbedder{failOn: 4}
	vec := &fakeVectorStore{}
	rel := &fakeRelationalStore{}
	c := newTestCoordinator(t, embed, vec, &fakeKeywordStore{}, rel, nil)

	docs := make([]TrainingInput, 7)
	for i := range docs {
		docs[i] = TrainingInput{Content: fmt.Sprintf("document %d", i)}
	}

	result := c.TrainBatch(context.Background(), docs)
	if result.Success != 6 || result.Failed != 1 {
		t.Fatalf("want {Success:6 Failed:1}, got %+v", result)
	}
	if rel.saveCalls != 6 {
		t.Fatalf("want 6 relational writes, got %d", rel.saveCalls)
	}
	// The embed failure happens before any store write, so the failed item
	// needs no compensation.
	if vec.deleteCalls != 0 {
		t.Fatalf("unexpected compensation: %d vector deletes", vec.deleteCalls)
	}
}

func TestTrainBatchEmpty(t *testing.T) {
	c := newTestCoordinator(t, &fakeEmbedder{}, &fakeVectorStore{}, &fakeKeywordStore{}, &fakeRelationalStore{}, nil)
	result := c.TrainBatch(context.Background(), nil)
	if result.Success != 0 || result.Failed != 0 {
		t.Fatalf("want zero result for empty batch, got %+v", result)
	}
}
