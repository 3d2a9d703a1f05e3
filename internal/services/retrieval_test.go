package services

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/anvilworks/ragserver/internal/domain"
)

func newTestEngine(t *testing.T, embed *fakeEmbedder, completion *fakeCompletion, vec *fakeVectorStore, kw *fakeKeywordStore) *RetrievalEngine {
	t.Helper()
	return NewRetrievalEngine(
		testLogger(t),
		NewCircuitBreaker(testLogger(t), nil),
		embed, completion, vec, kw,
		NewTTLCache[[]string]("query_variations", 0, 0, nil),
		RetrievalConfig{TopK: 5},
	)
}

func TestDedupRerankCollapsesDuplicates(t *testing.T) {
	docs := []domain.RetrievedDocument{
		{ID: "a", Content: "postgres tuning guide", Score: 0.4},
		{ID: "b", Content: "postgres tuning guide", Score: 0.9},
		{ID: "c", Content: "redis eviction policies", Score: 0.5},
	}

	out := dedupRerank("irrelevant", docs, 10)
	if len(out) != 2 {
		t.Fatalf("want 2 deduped docs, got %d", len(out))
	}
	if out[0].ID != "b" {
		t.Fatalf("duplicate should keep the higher-scored candidate, got %q", out[0].ID)
	}
}

func TestDedupRerankKeywordBonus(t *testing.T) {
	docs := []domain.RetrievedDocument{
		{ID: "a", Content: "nothing relevant here", Score: 0.5},
		{ID: "b", Content: "postgres tuning and postgres vacuum", Score: 0.5},
	}

	out := dedupRerank("postgres tuning", docs, 10)
	if out[0].ID != "b" {
		t.Fatalf("term hits should rank b first, got %q", out[0].ID)
	}
	// Two distinct matched terms, each worth keywordTermWeight. Repeats of
	// the same term add nothing.
	want := 0.5 + 2*keywordTermWeight
	if out[0].Score != want {
		t.Fatalf("want fused score %v, got %v", want, out[0].Score)
	}
	if out[1].Score != 0.5 {
		t.Fatalf("no-hit doc score changed: %v", out[1].Score)
	}
}

func TestDedupRerankOrderingAndTruncation(t *testing.T) {
	docs := []domain.RetrievedDocument{
		{ID: "c", Content: "gamma", Score: 0.2},
		{ID: "b", Content: "beta", Score: 0.8},
		{ID: "d", Content: "delta", Score: 0.8},
		{ID: "a", Content: "alpha", Score: 0.5},
	}

	out := dedupRerank("unrelated", docs, 3)
	if len(out) != 3 {
		t.Fatalf("want topK=3 docs, got %d", len(out))
	}
	// Equal scores break ties by ID.
	wantIDs := []string{"b", "d", "a"}
	gotIDs := []string{out[0].ID, out[1].ID, out[2].ID}
	if !reflect.DeepEqual(gotIDs, wantIDs) {
		t.Fatalf("want order %v, got %v", wantIDs, gotIDs)
	}
}

func TestDedupRerankDeterministic(t *testing.T) {
	docs := []domain.RetrievedDocument{
		{ID: "a", Content: "alpha content", Score: 0.3},
		{ID: "b", Content: "beta content", Score: 0.7},
		{ID: "c", Content: "alpha content", Score: 0.6},
	}

	first := dedupRerank("alpha", docs, 5)
	second := dedupRerank("alpha", docs, 5)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("rerank not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}

	// With no matching query terms the fused score equals the input score,
	// so reranking already-reranked output is a fixed point.
	base := dedupRerank("unrelated", docs, 5)
	again := dedupRerank("unrelated", base, 5)
	if !reflect.DeepEqual(base, again) {
		t.Fatalf("rerank of own output differs:\nbase:  %+v\nagain: %+v", base, again)
	}
}

func TestHybridSearchMergesBranches(t *testing.T) {
	vec := &fakeVectorStore{results: []domain.RetrievedDocument{
		{ID: "v1", Content: "dense hit", Score: 0.9},
	}}
	kw := &fakeKeywordStore{results: []domain.RetrievedDocument{
		{ID: "k1", Content: "lexical hit", Score: 0.4},
	}}
	e := newTestEngine(t, &fakeEmbedder{}, &fakeCompletion{}, vec, kw)

	out := e.HybridSearch(context.Background(), "dense lexical")
	if len(out) != 2 {
		t.Fatalf("want merged results from both branches, got %d", len(out))
	}
	if vec.searchCalls != 1 || kw.searchCalls != 1 {
		t.Fatalf("want one search per branch, got vector=%d keyword=%d", vec.searchCalls, kw.searchCalls)
	}
}

func TestHybridSearchToleratesBranchFailure(t *testing.T) {
	vec := &fakeVectorStore{searchErr: fmt.Errorf("qdrant down")}
	kw := &fakeKeywordStore{results: []domain.RetrievedDocument{
		{ID: "k1", Content: "lexical hit", Score: 0.4},
	}}
	e := newTestEngine(t, &fakeEmbedder{}, &fakeCompletion{}, vec, kw)

	out := e.HybridSearch(context.Background(), "anything")
	if len(out) != 1 || out[0].ID != "k1" {
		t.Fatalf("want lexical-only degradation, got %+v", out)
	}
}

func TestHybridSearchEmptyQuery(t *testing.T) {
	vec := &fakeVectorStore{}
	e := newTestEngine(t, &fakeEmbedder{}, &fakeCompletion{}, vec, &fakeKeywordStore{})

	if out := e.HybridSearch(context.Background(), "   "); out != nil {
		t.Fatalf("blank query should return nil, got %+v", out)
	}
	if vec.searchCalls != 0 {
		t.Fatalf("blank query should not reach the vector store")
	}
}

func TestMultiQueryRetrievalSearchesEachVariation(t *testing.T) {
	vec := &fakeVectorStore{results: []domain.RetrievedDocument{
		{ID: "v1", Content: "hit", Score: 0.5},
	}}
	completion := &fakeCompletion{answer: "how do I tune postgres\noptimize postgres settings\npostgres performance setup"}
	e := newTestEngine(t, &fakeEmbedder{}, completion, vec, &fakeKeywordStore{})

	out := e.MultiQueryRetrieval(context.Background(), "postgres tuning")
	if len(out) == 0 {
		t.Fatalf("want results, got none")
	}
	// Original query plus three variations.
	if vec.searchCalls != 4 {
		t.Fatalf("want 4 vector searches, got %d", vec.searchCalls)
	}
}

func TestMultiQueryRetrievalDegradesOnVariationFailure(t *testing.T) {
	vec := &fakeVectorStore{results: []domain.RetrievedDocument{
		{ID: "v1", Content: "hit", Score: 0.5},
	}}
	completion := &fakeCompletion{completeErr: fmt.Errorf("llm down")}
	e := newTestEngine(t, &fakeEmbedder{}, completion, vec, &fakeKeywordStore{})

	out := e.MultiQueryRetrieval(context.Background(), "postgres tuning")
	if len(out) != 1 {
		t.Fatalf("want original-query results, got %d", len(out))
	}
	if vec.searchCalls != 1 {
		t.Fatalf("want single search on variation failure, got %d", vec.searchCalls)
	}
}

func TestQueryVariationsCached(t *testing.T) {
	completion := &fakeCompletion{answer: "first\nsecond\nthird"}
	e := newTestEngine(t, &fakeEmbedder{}, completion, &fakeVectorStore{}, &fakeKeywordStore{})

	first := e.queryVariations(context.Background(), "Postgres Tuning")
	if len(first) != 3 {
		t.Fatalf("want 3 variations, got %d", len(first))
	}
	// Case-insensitive cache key: same query differently cased hits.
	second := e.queryVariations(context.Background(), "postgres tuning")
	if completion.completeCalls != 1 {
		t.Fatalf("want cached variations on second call, got %d completions", completion.completeCalls)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("cached variations differ: %v vs %v", first, second)
	}
}

func TestParseVariations(t *testing.T) {
	raw := "1. how to tune postgres\n2) \"postgres optimization\"\n\n- postgres setup tips\nextra beyond the cap"
	got := parseVariations(raw, "postgres tuning")
	want := []string{"how to tune postgres", "postgres optimization", "postgres setup tips"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("want %v, got %v", want, got)
	}

	// Echoes of the original query are dropped.
	got = parseVariations("postgres tuning\nsomething else", "postgres tuning")
	if !reflect.DeepEqual(got, []string{"something else"}) {
		t.Fatalf("original echo not dropped: %v", got)
	}
}

func TestFormatContext(t *testing.T) {
	if got := FormatContext(nil); got != "" {
		t.Fatalf("empty docs should yield empty context, got %q", got)
	}

	got := FormatContext([]domain.RetrievedDocument{
		{Content: "first snippet"},
		{Content: "  second snippet  "},
	})
	if !strings.HasPrefix(got, "Use the following context to answer the question:\n") {
		t.Fatalf("missing context header: %q", got)
	}
	if !strings.Contains(got, "1. first snippet\n") || !strings.Contains(got, "2. second snippet\n") {
		t.Fatalf("numbered snippets missing: %q", got)
	}
}
