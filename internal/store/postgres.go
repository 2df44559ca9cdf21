package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the Store on a shared server. The pool handles
// concurrency; uniqueness still lives in the schema, so concurrent writers
// converge on the same rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping postgres", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS questions (
			id BIGSERIAL PRIMARY KEY,
			text TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL,
			message_ts TEXT NOT NULL UNIQUE,
			confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS answers (
			id BIGSERIAL PRIMARY KEY,
			question_id BIGINT NOT NULL DEFAULT 0,
			text TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL,
			message_ts TEXT NOT NULL,
			confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(message_ts, question_id)
		)`,
		`CREATE TABLE IF NOT EXISTS qa_pairs (
			id BIGSERIAL PRIMARY KEY,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			question_user TEXT NOT NULL DEFAULT '',
			answer_user TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL,
			confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(question, answer, channel)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
			id BIGSERIAL PRIMARY KEY,
			message_ts TEXT NOT NULL UNIQUE,
			channel_id TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_channel ON questions(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_timestamp ON questions(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_question_id ON answers(question_id)`,
		`CREATE INDEX IF NOT EXISTS idx_qa_pairs_channel ON qa_pairs(channel)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) StoreQuestion(ctx context.Context, q *Question) (int64, error) {
	meta, err := encodeMetadata(q.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO questions (text, user_id, user_name, channel_id, timestamp, message_ts, confidence_score, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_ts) DO NOTHING
		RETURNING id
	`, q.Text, q.UserID, q.UserName, q.Channel, q.Timestamp.UTC(), q.MessageID, q.Confidence, meta).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx, `SELECT id FROM questions WHERE message_ts = $1`, q.MessageID).Scan(&id)
	}
	if err != nil {
		return 0, unavailable("store question", err)
	}
	return id, nil
}

func (s *PostgresStore) StoreAnswer(ctx context.Context, a *Answer) (int64, error) {
	meta, err := encodeMetadata(a.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO answers (question_id, text, user_id, user_name, channel_id, timestamp, message_ts, confidence_score, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_ts, question_id) DO NOTHING
		RETURNING id
	`, a.QuestionID, a.Text, a.UserID, a.UserName, a.Channel, a.Timestamp.UTC(), a.MessageID, a.Confidence, meta).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx, `SELECT id FROM answers WHERE message_ts = $1 AND question_id = $2`, a.MessageID, a.QuestionID).Scan(&id)
	}
	if err != nil {
		return 0, unavailable("store answer", err)
	}
	return id, nil
}

func (s *PostgresStore) StoreQAPair(ctx context.Context, p *QAPair) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO qa_pairs (question, answer, question_user, answer_user, channel, timestamp, confidence_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (question, answer, channel) DO NOTHING
	`, p.Question, p.Answer, p.QuestionUser, p.AnswerUser, p.Channel, p.Timestamp.UTC(), p.Confidence)
	if err != nil {
		return unavailable("store qa pair", err)
	}
	return nil
}

func (s *PostgresStore) FindOpenQuestions(ctx context.Context, channel string, maxAge time.Duration) ([]Question, error) {
	q := `
		SELECT q.id, q.text, q.user_id, q.user_name, q.channel_id, q.timestamp, q.message_ts, q.confidence_score, q.metadata::text, q.created_at
		FROM questions q
		LEFT JOIN answers a ON a.question_id = q.id
		WHERE q.channel_id = $1 AND a.id IS NULL
	`
	args := []any{channel}
	if maxAge > 0 {
		q += ` AND q.timestamp > $2`
		args = append(args, time.Now().Add(-maxAge).UTC())
	}
	q += ` ORDER BY q.timestamp DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable("find open questions", err)
	}
	defer rows.Close()

	result := make([]Question, 0)
	for rows.Next() {
		var item Question
		var meta string
		if err := rows.Scan(&item.ID, &item.Text, &item.UserID, &item.UserName, &item.Channel, &item.Timestamp, &item.MessageID, &item.Confidence, &meta, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		item.Metadata = decodeMetadata(meta)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) GetQuestion(ctx context.Context, id int64) (*Question, error) {
	var q Question
	var meta string
	err := s.pool.QueryRow(ctx, `
		SELECT id, text, user_id, user_name, channel_id, timestamp, message_ts, confidence_score, metadata::text, created_at
		FROM questions WHERE id = $1
	`, id).Scan(&q.ID, &q.Text, &q.UserID, &q.UserName, &q.Channel, &q.Timestamp, &q.MessageID, &q.Confidence, &meta, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get question", err)
	}
	q.Metadata = decodeMetadata(meta)
	return &q, nil
}

func (s *PostgresStore) UpdateQuestion(ctx context.Context, id int64, text string, metadata map[string]any) error {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE questions SET text = $1, metadata = $2 WHERE id = $3`, text, meta, id)
	if err != nil {
		return unavailable("update question", err)
	}
	return nil
}

func (s *PostgresStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM processed_messages WHERE message_ts = $1`, messageID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("is processed", err)
	}
	return true, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID, channel string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_messages (message_ts, channel_id)
		VALUES ($1, $2)
		ON CONFLICT (message_ts) DO NOTHING
	`, messageID, channel)
	if err != nil {
		return unavailable("mark processed", err)
	}
	return nil
}

func (s *PostgresStore) QAPairs(ctx context.Context, channel string, limit int) ([]QAPair, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT id, question, answer, question_user, answer_user, channel, timestamp, confidence_score
		FROM qa_pairs
	`
	args := []any{}
	if channel != "" {
		q += ` WHERE channel = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, channel, limit)
	} else {
		q += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable("qa pairs", err)
	}
	defer rows.Close()

	pairs := make([]QAPair, 0)
	for rows.Next() {
		var p QAPair
		if err := rows.Scan(&p.ID, &p.Question, &p.Answer, &p.QuestionUser, &p.AnswerUser, &p.Channel, &p.Timestamp, &p.Confidence); err != nil {
			return nil, fmt.Errorf("scan qa pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate qa pairs: %w", err)
	}
	return pairs, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM questions`, &stats.Questions},
		{`SELECT COUNT(*) FROM answers`, &stats.Answers},
		{`SELECT COUNT(*) FROM qa_pairs`, &stats.QAPairs},
		{`SELECT COUNT(*) FROM processed_messages`, &stats.ProcessedMessages},
		{`SELECT COUNT(DISTINCT channel_id) FROM questions`, &stats.Channels},
	}
	for _, c := range counts {
		if err := s.pool.QueryRow(ctx, c.query).Scan(c.dst); err != nil {
			return nil, unavailable("stats", err)
		}
	}
	return stats, nil
}

func (s *PostgresStore) Export(ctx context.Context, w io.Writer, table string) error {
	var query string
	var header []string
	switch table {
	case "qa_pairs":
		query = `SELECT question, answer, question_user, answer_user, channel, timestamp FROM qa_pairs ORDER BY created_at`
		header = []string{"question", "answer", "question_user", "answer_user", "channel", "timestamp"}
	case "questions":
		query = `SELECT text, user_name, channel_id, timestamp, confidence_score FROM questions ORDER BY timestamp`
		header = []string{"text", "user_name", "channel_id", "timestamp", "confidence_score"}
	case "answers":
		query = `SELECT text, user_name, channel_id, timestamp, confidence_score FROM answers ORDER BY timestamp`
		header = []string{"text", "user_name", "channel_id", "timestamp", "confidence_score"}
	default:
		return fmt.Errorf("unknown table %q", table)
	}

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return unavailable("export", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(header))
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("scan export row: %w", err)
		}
		for i, v := range values {
			record[i] = renderCSVValue(v)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate export rows: %w", err)
	}

	cw.Flush()
	return cw.Error()
}
