package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anvilworks/ragserver/internal/domain"
	"github.com/anvilworks/ragserver/internal/platform/envutil"
	"github.com/anvilworks/ragserver/internal/platform/logger"
)

const (
	payloadDocIDKey   = "_rs_doc_id"
	payloadContentKey = "_rs_content"
	maxErrorBodyBytes = 1024
)

var pointIDNamespaceUUID = uuid.MustParse("7c9e3d1a-58f2-4b7d-9c44-2f1d0a6b8e31")

// VectorStore is the dense-retrieval surface the retrieval and training
// services depend on. Matches come back ranked best-first.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, content string, metadata map[string]any) error
	Search(ctx context.Context, vector []float32, topK int, filter map[string]any) ([]domain.RetrievedDocument, error)
	Delete(ctx context.Context, id string) error
}

type Config struct {
	URL        string
	Collection string
	VectorDim  int
}

func LoadConfig() Config {
	return Config{
		URL:        envutil.String("QDRANT_URL", "http://localhost:6333"),
		Collection: envutil.String("QDRANT_COLLECTION", "ragserver_documents"),
		VectorDim:  envutil.Int("QDRANT_VECTOR_DIM", 1536),
	}
}

type vectorStore struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type qdrantSearchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func NewVectorStore(log *logger.Logger, cfg Config) (VectorStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("missing qdrant url")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, fmt.Errorf("missing qdrant collection")
	}
	if cfg.VectorDim <= 0 {
		return nil, fmt.Errorf("qdrant vector dim must be positive, got %d", cfg.VectorDim)
	}

	s := &vectorStore{
		log:     log.With("service", "QdrantVectorStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	if err := s.ensureCollection(context.Background()); err != nil {
		return nil, err
	}

	s.log.Info("Qdrant vector store ready",
		"url", s.baseURL,
		"collection", cfg.Collection,
		"vector_dim", cfg.VectorDim,
	)
	return s, nil
}

func (s *vectorStore) Upsert(ctx context.Context, id string, vector []float32, content string, metadata map[string]any) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("vector id is required")
	}
	if len(vector) == 0 {
		return fmt.Errorf("vector %q has empty values", id)
	}
	if len(vector) != s.cfg.VectorDim {
		return fmt.Errorf("vector %q dimension mismatch: expected=%d got=%d", id, s.cfg.VectorDim, len(vector))
	}

	payload := clonePayload(metadata)
	payload[payloadDocIDKey] = id
	payload[payloadContentKey] = content

	req := map[string]any{
		"points": []map[string]any{{
			"id":      s.pointID(id),
			"vector":  vector,
			"payload": payload,
		}},
	}
	return s.doJSON(ctx, http.MethodPut, s.collectionPath("/points?wait=true"), req, nil)
}

func (s *vectorStore) Search(ctx context.Context, vector []float32, topK int, filter map[string]any) ([]domain.RetrievedDocument, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector required")
	}
	if len(vector) != s.cfg.VectorDim {
		return nil, fmt.Errorf("query vector dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(vector))
	}
	if topK <= 0 {
		topK = 10
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
	}
	if qf := translateFilter(filter); qf != nil {
		req["filter"] = qf
	}

	var rawResults []qdrantSearchResultItem
	if err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/search"), req, &rawResults); err != nil {
		return nil, err
	}

	out := make([]domain.RetrievedDocument, 0, len(rawResults))
	for _, item := range rawResults {
		doc := domain.RetrievedDocument{Score: item.Score}
		if id, ok := item.Payload[payloadDocIDKey].(string); ok {
			doc.ID = strings.TrimSpace(id)
		}
		if doc.ID == "" {
			continue
		}
		if content, ok := item.Payload[payloadContentKey].(string); ok {
			doc.Content = content
		}
		meta := make(map[string]any, len(item.Payload))
		for k, v := range item.Payload {
			if k == payloadDocIDKey || k == payloadContentKey {
				continue
			}
			meta[k] = v
		}
		if len(meta) > 0 {
			doc.Metadata = meta
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *vectorStore) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	req := map[string]any{"points": []string{s.pointID(id)}}
	return s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
}

// ensureCollection verifies the collection exists with the configured
// dimension, creating it when absent.
func (s *vectorStore) ensureCollection(ctx context.Context) error {
	var result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := s.doJSON(ctx, http.MethodGet, s.collectionPath(""), nil, &result)
	if err == nil {
		size := result.Config.Params.Vectors.Size
		if size != 0 && size != s.cfg.VectorDim {
			return fmt.Errorf("qdrant collection %q vector size mismatch: expected=%d actual=%d",
				s.cfg.Collection, s.cfg.VectorDim, size)
		}
		return nil
	}

	createReq := map[string]any{
		"vectors": map[string]any{
			"size":     s.cfg.VectorDim,
			"distance": "Cosine",
		},
	}
	if createErr := s.doJSON(ctx, http.MethodPut, s.collectionPath(""), createReq, nil); createErr != nil {
		return fmt.Errorf("qdrant collection bootstrap failed: describe=%v create=%w", err, createErr)
	}
	s.log.Info("Qdrant collection created", "collection", s.cfg.Collection)
	return nil
}

func (s *vectorStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return fmt.Errorf("encode qdrant request: %w", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(os.Getenv("QDRANT_API_KEY")); key != "" {
		req.Header.Set("api-key", key)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return fmt.Errorf("read qdrant response: %w", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw))
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode qdrant envelope: %w", err)
	}
	if statusErr := parseEnvelopeStatus(envelope.Status); statusErr != "" {
		return fmt.Errorf("qdrant error: %s", statusErr)
	}

	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode qdrant result: %w", err)
	}
	return nil
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil && strings.TrimSpace(statusObject.Error) != "" {
		return strings.TrimSpace(statusObject.Error)
	}
	return fmt.Sprintf("status=%s", status)
}

// translateFilter maps opaque equality metadata filters onto qdrant match
// conditions. Only scalar equality is supported; richer filters belong to
// the caller's metadata schema, which this adapter treats as opaque.
func translateFilter(filter map[string]any) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	must := make([]any, 0, len(filter))
	for k, v := range filter {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": v},
		})
	}
	return map[string]any{"must": must}
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *vectorStore) pointID(docID string) string {
	return uuid.NewSHA1(pointIDNamespaceUUID, []byte(s.cfg.Collection+"|"+docID)).String()
}

func (s *vectorStore) collectionPath(suffix string) string {
	path := "/collections/" + s.cfg.Collection
	if strings.TrimSpace(suffix) == "" {
		return path
	}
	return path + suffix
}
