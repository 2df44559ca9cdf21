package store

import "time"

// Question is a detected question. Text is mutable: clustering rewrites it
// with a generalized form and records the merged occurrences in Metadata.
type Question struct {
	ID         int64
	Text       string
	UserID     string
	UserName   string
	Channel    string
	Timestamp  time.Time
	MessageID  string // origin message identity, unique
	Confidence float64
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Answer is immutable once created. QuestionID is 0 for unlinked answers.
type Answer struct {
	ID         int64
	QuestionID int64
	Text       string
	UserID     string
	UserName   string
	Channel    string
	Timestamp  time.Time
	MessageID  string
	Confidence float64
	Metadata   map[string]any
	CreatedAt  time.Time
}

// QAPair is the denormalized export view, unique on (Question, Answer,
// Channel).
type QAPair struct {
	ID           int64
	Question     string
	Answer       string
	QuestionUser string
	AnswerUser   string
	Channel      string
	Timestamp    time.Time
	Confidence   float64
}

// Stats is a snapshot of entity counts for status reporting.
type Stats struct {
	Questions         int
	Answers           int
	QAPairs           int
	ProcessedMessages int
	Channels          int
}
