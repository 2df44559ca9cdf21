package store

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout uses a fixed-width fraction so stored timestamps compare
// lexicographically in channel-history order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the file-backed Store. A single process owns the file; a
// mutex serializes writes on top of SQLite's own locking.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS questions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			text TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			message_ts TEXT NOT NULL UNIQUE,
			confidence_score REAL NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS answers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			question_id INTEGER NOT NULL DEFAULT 0,
			text TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			message_ts TEXT NOT NULL,
			confidence_score REAL NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(message_ts, question_id)
		)`,
		`CREATE TABLE IF NOT EXISTS qa_pairs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			question_user TEXT NOT NULL DEFAULT '',
			answer_user TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			confidence_score REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(question, answer, channel)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_ts TEXT NOT NULL UNIQUE,
			channel_id TEXT NOT NULL DEFAULT '',
			processed_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_channel ON questions(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_timestamp ON questions(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_question_id ON answers(question_id)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_channel ON answers(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_qa_pairs_channel ON qa_pairs(channel)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_messages_ts ON processed_messages(message_ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) StoreQuestion(ctx context.Context, q *Question) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := encodeMetadata(q.Metadata)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO questions (text, user_id, user_name, channel_id, timestamp, message_ts, confidence_score, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_ts) DO NOTHING
	`, q.Text, q.UserID, q.UserName, q.Channel, fmtTime(q.Timestamp), q.MessageID, q.Confidence, meta)
	if err != nil {
		return 0, unavailable("store question", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, unavailable("store question", err)
		}
		return id, nil
	}

	// Duplicate message identity: hand back the existing row.
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM questions WHERE message_ts = ?`, q.MessageID).Scan(&id)
	if err != nil {
		return 0, unavailable("store question", err)
	}
	return id, nil
}

func (s *SQLiteStore) StoreAnswer(ctx context.Context, a *Answer) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := encodeMetadata(a.Metadata)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO answers (question_id, text, user_id, user_name, channel_id, timestamp, message_ts, confidence_score, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_ts, question_id) DO NOTHING
	`, a.QuestionID, a.Text, a.UserID, a.UserName, a.Channel, fmtTime(a.Timestamp), a.MessageID, a.Confidence, meta)
	if err != nil {
		return 0, unavailable("store answer", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, unavailable("store answer", err)
		}
		return id, nil
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM answers WHERE message_ts = ? AND question_id = ?`, a.MessageID, a.QuestionID).Scan(&id)
	if err != nil {
		return 0, unavailable("store answer", err)
	}
	return id, nil
}

func (s *SQLiteStore) StoreQAPair(ctx context.Context, p *QAPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qa_pairs (question, answer, question_user, answer_user, channel, timestamp, confidence_score)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(question, answer, channel) DO NOTHING
	`, p.Question, p.Answer, p.QuestionUser, p.AnswerUser, p.Channel, fmtTime(p.Timestamp), p.Confidence)
	if err != nil {
		return unavailable("store qa pair", err)
	}
	return nil
}

func (s *SQLiteStore) FindOpenQuestions(ctx context.Context, channel string, maxAge time.Duration) ([]Question, error) {
	q := `
		SELECT q.id, q.text, q.user_id, q.user_name, q.channel_id, q.timestamp, q.message_ts, q.confidence_score, q.metadata, q.created_at
		FROM questions q
		LEFT JOIN answers a ON a.question_id = q.id
		WHERE q.channel_id = ? AND a.id IS NULL
	`
	args := []any{channel}
	if maxAge > 0 {
		q += ` AND q.timestamp > ?`
		args = append(args, fmtTime(time.Now().Add(-maxAge)))
	}
	q += ` ORDER BY q.timestamp DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("find open questions", err)
	}
	defer rows.Close()
	return scanQuestions(rows)
}

func (s *SQLiteStore) GetQuestion(ctx context.Context, id int64) (*Question, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, text, user_id, user_name, channel_id, timestamp, message_ts, confidence_score, metadata, created_at
		FROM questions WHERE id = ?
	`, id)

	q, err := scanQuestion(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get question", err)
	}
	return q, nil
}

func (s *SQLiteStore) UpdateQuestion(ctx context.Context, id int64, text string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE questions SET text = ?, metadata = ? WHERE id = ?`, text, meta, id)
	if err != nil {
		return unavailable("update question", err)
	}
	return nil
}

func (s *SQLiteStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_messages WHERE message_ts = ?`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, unavailable("is processed", err)
	}
	return true, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages (message_ts, channel_id, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_ts) DO NOTHING
	`, messageID, channel, fmtTime(time.Now()))
	if err != nil {
		return unavailable("mark processed", err)
	}
	return nil
}

func (s *SQLiteStore) QAPairs(ctx context.Context, channel string, limit int) ([]QAPair, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT id, question, answer, question_user, answer_user, channel, timestamp, confidence_score
		FROM qa_pairs
	`
	args := []any{}
	if channel != "" {
		q += ` WHERE channel = ?`
		args = append(args, channel)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("qa pairs", err)
	}
	defer rows.Close()

	pairs := make([]QAPair, 0)
	for rows.Next() {
		var p QAPair
		var ts string
		if err := rows.Scan(&p.ID, &p.Question, &p.Answer, &p.QuestionUser, &p.AnswerUser, &p.Channel, &ts, &p.Confidence); err != nil {
			return nil, fmt.Errorf("scan qa pair: %w", err)
		}
		p.Timestamp = parseTime(ts)
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate qa pairs: %w", err)
	}
	return pairs, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
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
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, unavailable("stats", err)
		}
	}
	return stats, nil
}

func (s *SQLiteStore) Export(ctx context.Context, w io.Writer, table string) error {
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

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return unavailable("export", err)
	}
	defer rows.Close()

	return writeCSV(w, header, rows)
}

// writeCSV streams sql rows as CSV, rendering every column as text.
func writeCSV(w io.Writer, header []string, rows *sql.Rows) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	values := make([]any, len(header))
	ptrs := make([]any, len(header))
	for i := range values {
		ptrs[i] = &values[i]
	}
	record := make([]string, len(header))

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
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

func renderCSVValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case time.Time:
		return fmtTime(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func scanQuestions(rows *sql.Rows) ([]Question, error) {
	result := make([]Question, 0)
	for rows.Next() {
		var q Question
		var ts, meta, created string
		if err := rows.Scan(&q.ID, &q.Text, &q.UserID, &q.UserName, &q.Channel, &ts, &q.MessageID, &q.Confidence, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.Timestamp = parseTime(ts)
		q.CreatedAt = parseTime(created)
		q.Metadata = decodeMetadata(meta)
		result = append(result, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return result, nil
}

func scanQuestion(row *sql.Row) (*Question, error) {
	var q Question
	var ts, meta, created string
	if err := row.Scan(&q.ID, &q.Text, &q.UserID, &q.UserName, &q.Channel, &ts, &q.MessageID, &q.Confidence, &meta, &created); err != nil {
		return nil, err
	}
	q.Timestamp = parseTime(ts)
	q.CreatedAt = parseTime(created)
	q.Metadata = decodeMetadata(meta)
	return &q, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
