package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/qamon/qamon/internal/config"
)

// ErrUnavailable marks transient backend loss. Callers may retry the whole
// message later; they must not treat it as data corruption.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned by point lookups for missing rows.
var ErrNotFound = errors.New("not found")

// Store is the durable persistence boundary. All mutations are idempotent:
// questions and answers are keyed on their origin message identity, pairs on
// (question, answer, channel), the processed ledger on message identity.
// The uniqueness lives in schema constraints, not application checks.
type Store interface {
	// StoreQuestion inserts q and returns its ID. A second call with the
	// same MessageID returns the existing row's ID without modifying it.
	StoreQuestion(ctx context.Context, q *Question) (int64, error)
	// StoreAnswer follows the same contract keyed on (MessageID, QuestionID):
	// one message may answer several questions, producing one row per link.
	// a.QuestionID of 0 stores an unlinked answer.
	StoreAnswer(ctx context.Context, a *Answer) (int64, error)
	// StoreQAPair is a no-op when the (question, answer, channel) triple
	// already exists.
	StoreQAPair(ctx context.Context, p *QAPair) error

	// FindOpenQuestions returns questions in channel with no linked answer,
	// newest first. maxAge of 0 means unbounded lookback.
	FindOpenQuestions(ctx context.Context, channel string, maxAge time.Duration) ([]Question, error)
	GetQuestion(ctx context.Context, id int64) (*Question, error)
	// UpdateQuestion rewrites a question's text and metadata in place
	// (clustering).
	UpdateQuestion(ctx context.Context, id int64, text string, metadata map[string]any) error

	IsProcessed(ctx context.Context, messageID string) (bool, error)
	// MarkProcessed is a no-op when messageID is already in the ledger.
	MarkProcessed(ctx context.Context, messageID, channel string) error

	QAPairs(ctx context.Context, channel string, limit int) ([]QAPair, error)
	Stats(ctx context.Context) (*Stats, error)
	// Export writes the named table ("questions", "answers" or "qa_pairs")
	// as CSV.
	Export(ctx context.Context, w io.Writer, table string) error

	Close() error
}

// Open selects the backend from config. The correlator never learns which
// one is active.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w (%v)", op, ErrUnavailable, err)
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
