package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/anvilworks/ragserver/internal/domain"
	"github.com/anvilworks/ragserver/internal/platform/logger"
)

type ConversationTurnRepo interface {
	Create(ctx context.Context, tx *gorm.DB, turns []*domain.ConversationTurn) error
	ListBySessionID(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error)
}

type conversationTurnRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationTurnRepo(db *gorm.DB, baseLog *logger.Logger) ConversationTurnRepo {
	return &conversationTurnRepo{db: db, log: baseLog.With("repo", "ConversationTurnRepo")}
}

func (r *conversationTurnRepo) Create(ctx context.Context, tx *gorm.DB, turns []*domain.ConversationTurn) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(turns) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).Create(turns).Error
}

func (r *conversationTurnRepo) ListBySessionID(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error) {
	if limit <= 0 {
		limit = 50
	}
	var results []*domain.ConversationTurn
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
