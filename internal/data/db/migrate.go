package db

import (
	"fmt"

	"github.com/anvilworks/ragserver/internal/domain"
)

func (s *PostgresService) AutoMigrateAll() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres service not initialized")
	}
	if err := s.db.AutoMigrate(
		&domain.TrainingDocument{},
		&domain.KeywordDocument{},
		&domain.ConversationTurn{},
	); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	// GIN index for the full-text keyword branch over indexed content.
	if err := s.db.Exec(
		`CREATE INDEX IF NOT EXISTS idx_keyword_document_content_fts
		 ON keyword_document
		 USING GIN (to_tsvector('english', content))`,
	).Error; err != nil {
		return fmt.Errorf("fts index: %w", err)
	}
	return nil
}
