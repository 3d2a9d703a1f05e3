package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/anvilworks/ragserver/internal/domain"
	"github.com/anvilworks/ragserver/internal/platform/logger"
)

// KeywordDocumentRepo is the Postgres full-text implementation of the
// keyword store: plainto_tsquery ranking over the keyword_document table.
type KeywordDocumentRepo interface {
	Index(ctx context.Context, id string, content string, metadata map[string]any) error
	Search(ctx context.Context, query string, limit int) ([]domain.RetrievedDocument, error)
	Delete(ctx context.Context, id string) error
	BulkIndex(ctx context.Context, items []domain.KeywordItem) error
}

type keywordDocumentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewKeywordDocumentRepo(db *gorm.DB, baseLog *logger.Logger) KeywordDocumentRepo {
	return &keywordDocumentRepo{db: db, log: baseLog.With("repo", "KeywordDocumentRepo")}
}

func (r *keywordDocumentRepo) Index(ctx context.Context, id string, content string, metadata map[string]any) error {
	row, err := keywordRow(id, content, metadata)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(row).Error
}

func (r *keywordDocumentRepo) BulkIndex(ctx context.Context, items []domain.KeywordItem) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]*domain.KeywordDocument, 0, len(items))
	for _, item := range items {
		row, err := keywordRow(item.ID, item.Content, item.Metadata)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	// Keep batches small because Content is large.
	const batchSize = 100
	return r.db.WithContext(ctx).CreateInBatches(rows, batchSize).Error
}

func (r *keywordDocumentRepo) Search(ctx context.Context, query string, limit int) ([]domain.RetrievedDocument, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	type ftsRow struct {
		ID      uuid.UUID
		Content string
		Rank    float64
	}
	var rows []ftsRow
	err := r.db.WithContext(ctx).Raw(`
		SELECT keyword_document.id,
		       keyword_document.content,
		       ts_rank(to_tsvector('english', keyword_document.content), plainto_tsquery('english', ?)) AS rank
		FROM keyword_document
		WHERE to_tsvector('english', keyword_document.content) @@ plainto_tsquery('english', ?)
		ORDER BY rank DESC
		LIMIT ?`, query, query, limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.RetrievedDocument, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.RetrievedDocument{
			ID:      row.ID.String(),
			Content: row.Content,
			Score:   row.Rank,
			Metadata: map[string]any{
				"source": "keyword",
			},
		})
	}
	return out, nil
}

func (r *keywordDocumentRepo) Delete(ctx context.Context, id string) error {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("keyword delete: bad id %q: %w", id, err)
	}
	return r.db.WithContext(ctx).
		Where("id = ?", parsed).
		Delete(&domain.KeywordDocument{}).Error
}

func keywordRow(id string, content string, metadata map[string]any) (*domain.KeywordDocument, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, fmt.Errorf("keyword index: bad id %q: %w", id, err)
	}
	var meta datatypes.JSON
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("keyword index: marshal metadata: %w", err)
		}
		meta = datatypes.JSON(raw)
	}
	return &domain.KeywordDocument{ID: parsed, Content: content, Metadata: meta}, nil
}
