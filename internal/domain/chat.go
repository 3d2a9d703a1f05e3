package domain

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a conversation as sent to the completion
// provider and as persisted inside a session snapshot.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatSession is the durable conversation state. The persisted JSON shape
// (ISO-8601 timestamps) is the cross-instance contract; local in-memory
// copies carry the same struct.
type ChatSession struct {
	ID           string        `json:"id"`
	Instructions string        `json:"instructions"`
	History      []ChatMessage `json:"history"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
}

// SessionInfo is the read-only summary surface exposed outward.
type SessionInfo struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// RetrievedDocument is a transient per-query retrieval hit. Score is only
// comparable within one retrieval call; it is not normalized across sources.
type RetrievedDocument struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
