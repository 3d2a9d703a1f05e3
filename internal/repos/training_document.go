package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/anvilworks/ragserver/internal/domain"
	"github.com/anvilworks/ragserver/internal/platform/logger"
)

type TrainingDocumentRepo interface {
	Save(ctx context.Context, tx *gorm.DB, doc *domain.TrainingDocument) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	// HasAny is a cheap existence probe (LIMIT 1, no full count).
	HasAny(ctx context.Context) (bool, error)
}

type trainingDocumentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTrainingDocumentRepo(db *gorm.DB, baseLog *logger.Logger) TrainingDocumentRepo {
	return &trainingDocumentRepo{db: db, log: baseLog.With("repo", "TrainingDocumentRepo")}
}

func (r *trainingDocumentRepo) Save(ctx context.Context, tx *gorm.DB, doc *domain.TrainingDocument) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if doc == nil {
		return nil
	}
	return transaction.WithContext(ctx).Save(doc).Error
}

func (r *trainingDocumentRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("id = ?", id).
		Delete(&domain.TrainingDocument{}).Error
}

func (r *trainingDocumentRepo) HasAny(ctx context.Context) (bool, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).
		Model(&domain.TrainingDocument{}).
		Limit(1).
		Pluck("id", &ids).Error; err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}
