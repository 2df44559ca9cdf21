package bus

import "time"

// ChatMessage is a single plain chat message as delivered by an ingestion
// source. Edits, bot posts, and empty messages are filtered out by the
// sources before a ChatMessage is produced.
type ChatMessage struct {
	Channel   string
	UserID    string
	Text      string
	MessageID string // platform message identity, unique per message
	Timestamp time.Time
}
