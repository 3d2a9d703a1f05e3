package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// KeywordDocument is the lexical index copy of a trained document. It lives
// in its own table so the keyword store stays an independent saga participant.
type KeywordDocument struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Content   string         `gorm:"type:text;not null" json:"content"`
	Metadata  datatypes.JSON `gorm:"type:jsonb" json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

func (KeywordDocument) TableName() string { return "keyword_document" }

// KeywordItem is one bulk-index input.
type KeywordItem struct {
	ID       string
	Content  string
	Metadata map[string]any
}
