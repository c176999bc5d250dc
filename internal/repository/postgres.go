package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"chatline/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Postgres stores threads and messages in two relational tables. Deleting a
// thread cascades to its messages.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the lib/pq driver, verifies the connection and
// applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping postgres: %w", err)
	}
	p, err := NewPostgres(db)
	if err != nil {
		return nil, err
	}
	if err := p.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func NewPostgres(db *sql.DB) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) CreateThread(ctx context.Context, t domain.Thread) error {
	const q = `
		INSERT INTO threads (id, owner, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := p.db.ExecContext(ctx, q, t.ID, t.Owner, t.Title, t.CreatedAt, t.UpdatedAt); err != nil {
		return fmt.Errorf("repository: CreateThread: %w", err)
	}
	return nil
}

func (p *Postgres) GetThread(ctx context.Context, id string) (domain.Thread, error) {
	const q = `
		SELECT id, owner, title, created_at, updated_at, last_message_at
		FROM threads
		WHERE id = $1`
	t, err := scanThread(p.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Thread{}, fmt.Errorf("repository: GetThread %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Thread{}, fmt.Errorf("repository: GetThread: %w", err)
	}
	return t, nil
}

// ListThreads pages newest update first. The cursor is the RFC 3339
// updated_at of the last thread returned.
func (p *Postgres) ListThreads(ctx context.Context, owner string, limit int, cursor string) ([]domain.Thread, string, error) {
	args := []any{owner, limit}
	q := `
		SELECT id, owner, title, created_at, updated_at, last_message_at
		FROM threads
		WHERE owner = $1`
	if cursor != "" {
		before, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, "", fmt.Errorf("repository: ListThreads: bad cursor: %w", err)
		}
		q += ` AND updated_at < $3`
		args = append(args, before)
	}
	q += `
		ORDER BY updated_at DESC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListThreads query: %w", err)
	}
	defer rows.Close()

	var threads []domain.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, "", fmt.Errorf("repository: ListThreads scan: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("repository: ListThreads rows: %w", err)
	}
	next := ""
	if len(threads) == limit && limit > 0 {
		next = threads[len(threads)-1].UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return threads, next, nil
}

func (p *Postgres) RenameThread(ctx context.Context, id, title string, at time.Time) error {
	const q = `UPDATE threads SET title = $2, updated_at = GREATEST(updated_at, $3) WHERE id = $1`
	res, err := p.db.ExecContext(ctx, q, id, title, at)
	if err != nil {
		return fmt.Errorf("repository: RenameThread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository: RenameThread %q: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) DeleteThread(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM threads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("repository: DeleteThread: %w", err)
	}
	return nil
}

// AppendMessage bumps the thread's timestamps and inserts the message in one
// transaction. The update is owner-scoped, so a thread that belongs to
// someone else (or does not exist) rejects the write.
func (p *Postgres) AppendMessage(ctx context.Context, m domain.Message) error {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: marshal parts: %w", err)
	}
	atts, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: marshal attachments: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const touch = `
		UPDATE threads
		SET updated_at = GREATEST(updated_at, $3),
		    last_message_at = GREATEST(COALESCE(last_message_at, $3), $3)
		WHERE id = $1 AND owner = $2`
	res, err := tx.ExecContext(ctx, touch, m.ThreadID, m.Owner, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: touch thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository: AppendMessage to %q: %w", m.ThreadID, ErrForbidden)
	}

	const insert = `
		INSERT INTO messages (id, thread_id, owner, role, parts, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.ExecContext(ctx, insert, m.ID, m.ThreadID, m.Owner, string(m.Role), string(parts), string(atts), m.CreatedAt); err != nil {
		return fmt.Errorf("repository: AppendMessage: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: AppendMessage: commit: %w", err)
	}
	return nil
}

// ListMessages pages oldest first. The cursor is "<created_at>|<id>" of the
// last message returned.
func (p *Postgres) ListMessages(ctx context.Context, threadID string, limit int, cursor string) ([]domain.Message, string, error) {
	args := []any{threadID, limit}
	q := `
		SELECT id, thread_id, owner, role, parts, attachments, created_at
		FROM messages
		WHERE thread_id = $1`
	if cursor != "" {
		ts, id, ok := strings.Cut(cursor, "|")
		after, err := time.Parse(time.RFC3339Nano, ts)
		if !ok || err != nil {
			return nil, "", errors.New("repository: ListMessages: bad cursor")
		}
		q += ` AND (created_at, id) > ($3, $4)`
		args = append(args, after, id)
	}
	q += `
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListMessages query: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", fmt.Errorf("repository: ListMessages scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("repository: ListMessages rows: %w", err)
	}
	next := ""
	if len(msgs) == limit && limit > 0 {
		last := msgs[len(msgs)-1]
		next = last.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + last.ID
	}
	return msgs, next, nil
}

func (p *Postgres) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	const q = `
		SELECT id, thread_id, owner, role, parts, attachments, created_at
		FROM messages
		WHERE id = $1`
	m, err := scanMessage(p.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("repository: GetMessage %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: GetMessage: %w", err)
	}
	return m, nil
}

func (p *Postgres) TruncateFrom(ctx context.Context, threadID string, from time.Time) error {
	const q = `DELETE FROM messages WHERE thread_id = $1 AND created_at >= $2`
	if _, err := p.db.ExecContext(ctx, q, threadID, from); err != nil {
		return fmt.Errorf("repository: TruncateFrom: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(r rowScanner) (domain.Thread, error) {
	var (
		t    domain.Thread
		last sql.NullTime
	)
	if err := r.Scan(&t.ID, &t.Owner, &t.Title, &t.CreatedAt, &t.UpdatedAt, &last); err != nil {
		return domain.Thread{}, err
	}
	if last.Valid {
		t.LastMessageAt = last.Time
	}
	return t, nil
}

func scanMessage(r rowScanner) (domain.Message, error) {
	var (
		m           domain.Message
		role        string
		parts, atts []byte
	)
	if err := r.Scan(&m.ID, &m.ThreadID, &m.Owner, &role, &parts, &atts, &m.CreatedAt); err != nil {
		return domain.Message{}, err
	}
	m.Role = domain.Role(role)
	if err := json.Unmarshal(parts, &m.Parts); err != nil {
		return domain.Message{}, fmt.Errorf("decode parts: %w", err)
	}
	if len(atts) > 0 {
		if err := json.Unmarshal(atts, &m.Attachments); err != nil {
			return domain.Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return m, nil
}
