package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TrainingDocument is the relational copy of an indexed document; the
// lexical copy lives in KeywordDocument.
type TrainingDocument struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Content   string         `gorm:"type:text;not null" json:"content"`
	Metadata  datatypes.JSON `gorm:"type:jsonb" json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (TrainingDocument) TableName() string { return "training_document" }

// ConversationTurn is the fire-and-forget relational log of a chat exchange.
type ConversationTurn struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID   string         `gorm:"type:text;index;not null" json:"session_id"`
	UserText    string         `gorm:"type:text;not null" json:"user_text"`
	Assistant   string         `gorm:"type:text;not null" json:"assistant_text"`
	LatencyMS   int64          `json:"latency_ms"`
	FromCache   bool           `json:"from_cache"`
	ContextUsed datatypes.JSON `gorm:"type:jsonb" json:"context_used"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (ConversationTurn) TableName() string { return "conversation_turn" }
