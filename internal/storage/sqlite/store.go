// Package sqlite persists the usage ledger and serves a full-text document
// index from a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			model TEXT NOT NULL,
			provider TEXT,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			cost REAL NOT NULL,
			estimated INTEGER NOT NULL DEFAULT 0,
			user_id TEXT,
			conversation_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			source_id TEXT PRIMARY KEY,
			title TEXT,
			passages INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS passages USING fts5(
			source_id UNINDEXED,
			text,
			tokenize = 'porter unicode61'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// SaveUsage inserts records. Records already present are left untouched.
func (s *Store) SaveUsage(ctx context.Context, records []domain.UsageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO usage_records
		(id, request_id, model, provider, prompt_tokens, completion_tokens, cost, estimated, user_id, conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.RequestID, r.Model, r.Provider, r.PromptTokens, r.CompletionTokens,
			r.Cost, r.Estimated, r.UserID, r.ConversationID, r.Timestamp.UTC().UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to insert usage record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// LoadUsage returns records created at or after since, oldest first.
func (s *Store) LoadUsage(ctx context.Context, since time.Time) ([]domain.UsageRecord, error) {
	query := `SELECT id, request_id, model, provider, prompt_tokens, completion_tokens, cost, estimated,
	                 user_id, conversation_id, created_at
	          FROM usage_records WHERE created_at >= ?
	          ORDER BY created_at ASC, id ASC`

	var sinceNanos int64
	if !since.IsZero() {
		sinceNanos = since.UTC().UnixNano()
	}

	rows, err := s.db.QueryContext(ctx, query, sinceNanos)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []domain.UsageRecord
	for rows.Next() {
		var (
			r                      domain.UsageRecord
			provider, user, convID sql.NullString
			created                int64
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Model, &provider, &r.PromptTokens, &r.CompletionTokens,
			&r.Cost, &r.Estimated, &user, &convID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.Provider = provider.String
		r.UserID = user.String
		r.ConversationID = convID.String
		r.Timestamp = time.Unix(0, created).UTC()
		out = append(out, r)
	}

	return out, rows.Err()
}

// PutDocument splits doc into passages and indexes them, replacing any
// previous version of the same source.
func (s *Store) PutDocument(ctx context.Context, doc storage.Document) (int, error) {
	if doc.SourceID == "" {
		return 0, fmt.Errorf("document source id is required")
	}
	passages := storage.SplitPassages(doc.Text, storage.DefaultPassageChars)
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM passages WHERE source_id = ?`, doc.SourceID); err != nil {
		return 0, fmt.Errorf("failed to delete passages: %w", err)
	}
	for _, p := range passages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO passages (source_id, text) VALUES (?, ?)`, doc.SourceID, p); err != nil {
			return 0, fmt.Errorf("failed to insert passage: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO documents (source_id, title, passages, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET title = excluded.title, passages = excluded.passages, created_at = excluded.created_at`,
		doc.SourceID, doc.Title, len(passages), doc.CreatedAt.UTC().UnixNano()); err != nil {
		return 0, fmt.Errorf("failed to upsert document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit document: %w", err)
	}
	return len(passages), nil
}

// Search ranks passages with BM25. Scores are negated so higher is better.
func (s *Store) Search(ctx context.Context, query string, scope []string, topK int) ([]domain.Passage, error) {
	match := matchExpression(query)
	if match == "" || topK <= 0 {
		return nil, nil
	}

	var (
		sb   strings.Builder
		args = []any{match}
	)
	sb.WriteString(`SELECT source_id, text, bm25(passages) FROM passages WHERE passages MATCH ?`)
	if len(scope) > 0 {
		sb.WriteString(` AND source_id IN (?` + strings.Repeat(`, ?`, len(scope)-1) + `)`)
		for _, id := range scope {
			args = append(args, id)
		}
	}
	sb.WriteString(` ORDER BY bm25(passages) LIMIT ?`)
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search passages: %w", err)
	}
	defer rows.Close()

	var out []domain.Passage
	for rows.Next() {
		var (
			p    domain.Passage
			rank float64
		)
		if err := rows.Scan(&p.SourceID, &p.Text, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan passage: %w", err)
		}
		p.Score = -rank
		out = append(out, p)
	}

	return out, rows.Err()
}

// matchExpression turns free text into an FTS5 query that ORs quoted terms,
// so user input can never be parsed as FTS syntax.
func matchExpression(query string) string {
	terms := storage.Terms(query)
	seen := make(map[string]bool, len(terms))
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		if seen[t] {
			continue
		}
		seen[t] = true
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
