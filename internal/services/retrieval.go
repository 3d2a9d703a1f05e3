package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/anvilworks/ragserver/internal/domain"
	"github.com/anvilworks/ragserver/internal/platform/logger"
)

const (
	defaultTopK          = 5
	maxQueryVariations   = 3
	variationCacheKeyLen = 50
	keywordTermWeight    = 0.1
)

const (
	providerEmbedding  = "embedding"
	providerVector     = "vector"
	providerKeyword    = "keyword"
	providerCompletion = "completion"
)

type RetrievalConfig struct {
	TopK int
}

// RetrievalEngine runs hybrid (dense + lexical) search and the multi-query
// variation pipeline, then fuses results with dedupRerank. Branch failures
// degrade to empty result sets; retrieval never fails a chat turn.
type RetrievalEngine struct {
	log        *logger.Logger
	breaker    *CircuitBreaker
	embedder   EmbeddingProvider
	completion CompletionProvider
	vec        VectorStore
	kw         KeywordStore
	variations *TTLCache[[]string]
	topK       int
}

func NewRetrievalEngine(
	baseLog *logger.Logger,
	breaker *CircuitBreaker,
	embedder EmbeddingProvider,
	completion CompletionProvider,
	vec VectorStore,
	kw KeywordStore,
	variations *TTLCache[[]string],
	cfg RetrievalConfig,
) *RetrievalEngine {
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return &RetrievalEngine{
		log:        baseLog.With("service", "RetrievalEngine"),
		breaker:    breaker,
		embedder:   embedder,
		completion: completion,
		vec:        vec,
		kw:         kw,
		variations: variations,
		topK:       topK,
	}
}

// HybridSearch runs the semantic and keyword branches concurrently, merges
// both candidate sets, and returns the deduped rerank truncated to topK.
func (e *RetrievalEngine) HybridSearch(ctx context.Context, query string) []domain.RetrievedDocument {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	var (
		semantic []domain.RetrievedDocument
		lexical  []domain.RetrievedDocument
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		semantic = e.semanticSearch(gctx, query, e.topK)
		return nil
	})
	g.Go(func() error {
		lexical = e.keywordSearch(gctx, query, e.topK)
		return nil
	})
	_ = g.Wait()

	merged := append(semantic, lexical...)
	return dedupRerank(query, merged, e.topK)
}

// MultiQueryRetrieval expands the query into up to maxQueryVariations
// paraphrases, searches the vector store once per variation plus the
// original, and fuses the flattened candidates. Variation generation
// failure degrades to the original query only.
func (e *RetrievalEngine) MultiQueryRetrieval(ctx context.Context, query string) []domain.RetrievedDocument {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	queries := append([]string{query}, e.queryVariations(ctx, query)...)
	perQueryTopK := (e.topK + len(queries) - 1) / len(queries)
	if perQueryTopK < 1 {
		perQueryTopK = 1
	}

	var merged []domain.RetrievedDocument
	for _, q := range queries {
		merged = append(merged, e.semanticSearch(ctx, q, perQueryTopK)...)
	}
	return dedupRerank(query, merged, e.topK)
}

// SingleQuerySearch is the cheaper streaming-path retrieval: one embed, one
// vector search, no lexical branch and no variations.
func (e *RetrievalEngine) SingleQuerySearch(ctx context.Context, query string) []domain.RetrievedDocument {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	return dedupRerank(query, e.semanticSearch(ctx, query, e.topK), e.topK)
}

func (e *RetrievalEngine) semanticSearch(ctx context.Context, query string, topK int) []domain.RetrievedDocument {
	var vector []float32
	err := e.breaker.Do(ctx, providerEmbedding, func(ctx context.Context) error {
		var embedErr error
		vector, embedErr = e.embedder.Embed(ctx, query)
		return embedErr
	})
	if err != nil {
		e.log.Warn("semantic branch: embed failed", "error", err)
		return nil
	}

	var docs []domain.RetrievedDocument
	err = e.breaker.Do(ctx, providerVector, func(ctx context.Context) error {
		var searchErr error
		docs, searchErr = e.vec.Search(ctx, vector, topK, nil)
		return searchErr
	})
	if err != nil {
		e.log.Warn("semantic branch: vector search failed", "error", err)
		return nil
	}
	return docs
}

func (e *RetrievalEngine) keywordSearch(ctx context.Context, query string, limit int) []domain.RetrievedDocument {
	var docs []domain.RetrievedDocument
	err := e.breaker.Do(ctx, providerKeyword, func(ctx context.Context) error {
		var searchErr error
		docs, searchErr = e.kw.Search(ctx, query, limit)
		return searchErr
	})
	if err != nil {
		e.log.Warn("keyword branch: search failed", "error", err)
		return nil
	}
	return docs
}

// queryVariations returns up to maxQueryVariations paraphrases, served from
// the variation cache when fresh. Never fails: a generation or parse error
// yields no variations.
func (e *RetrievalEngine) queryVariations(ctx context.Context, query string) []string {
	cacheKey := variationCacheKey(query)
	if cached, ok := e.variations.Get(cacheKey); ok {
		return cached
	}

	prompt := fmt.Sprintf(
		"Rephrase the following search query %d different ways. Reply with one rephrasing per line and nothing else.\n\nQuery: %s",
		maxQueryVariations, query,
	)
	var raw string
	err := e.breaker.Do(ctx, providerCompletion, func(ctx context.Context) error {
		var genErr error
		raw, genErr = e.completion.Complete(ctx, []domain.ChatMessage{
			{Role: domain.RoleUser, Content: prompt},
		}, 0.7)
		return genErr
	})
	if err != nil {
		e.log.Warn("query variation generation failed; using original query only", "error", err)
		return nil
	}

	variations := parseVariations(raw, query)
	e.variations.Set(cacheKey, variations)
	return variations
}

func parseVariations(raw string, original string) []string {
	out := make([]string, 0, maxQueryVariations)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		// Strip list markers the model tends to add.
		line = strings.TrimLeft(line, "0123456789.-) ")
		line = strings.Trim(line, `"`)
		if line == "" || strings.EqualFold(line, original) {
			continue
		}
		out = append(out, line)
		if len(out) >= maxQueryVariations {
			break
		}
	}
	return out
}

func variationCacheKey(query string) string {
	key := strings.ToLower(strings.TrimSpace(query))
	if len(key) > variationCacheKeyLen {
		key = key[:variationCacheKeyLen]
	}
	return key
}

// dedupRerank fuses candidates from all branches: candidates sharing a
// content hash collapse to the one with the higher fused score, scores are
// rewritten to providerScore + keyword term bonus, and the result is sorted
// descending and truncated to topK. Deterministic for a given input.
func dedupRerank(query string, docs []domain.RetrievedDocument, topK int) []domain.RetrievedDocument {
	if len(docs) == 0 {
		return nil
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	terms := distinctTerms(query)
	best := make(map[uint64]domain.RetrievedDocument, len(docs))
	order := make([]uint64, 0, len(docs))

	for _, doc := range docs {
		key := contentHash(doc.Content)
		scored := doc
		scored.Score = doc.Score + keywordScore(doc.Content, terms)
		existing, seen := best[key]
		if !seen {
			best[key] = scored
			order = append(order, key)
			continue
		}
		if scored.Score > existing.Score {
			best[key] = scored
		}
	}

	out := make([]domain.RetrievedDocument, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func keywordScore(content string, terms []string) float64 {
	if content == "" || len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			hits++
		}
	}
	return keywordTermWeight * float64(hits)
}

func distinctTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// contentHash is an order-sensitive rolling hash used as the dedup key.
// Not cryptographic; collisions just merge two candidates.
func contentHash(content string) uint64 {
	var h uint64 = 1469598103934665603
	for _, r := range content {
		h ^= uint64(r)
		h *= 1099511628211
	}
	return h
}

// FormatContext renders the top documents as the numbered context block
// appended to the system prompt. Empty input yields an empty string.
func FormatContext(docs []domain.RetrievedDocument) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Use the following context to answer the question:\n")
	for i, doc := range docs {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, strings.TrimSpace(doc.Content)))
	}
	return b.String()
}
