//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "chatrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendMessage(ctx context.Context, m Message) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	conv := strings.TrimSpace(m.ConversationID)
	if conv == "" {
		return errors.New("conversation id is empty")
	}
	at := m.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(conversation_id, text, at) VALUES(?,?,?)`,
		conv, m.Text, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	conv := strings.TrimSpace(conversationID)
	if conv == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT text, at FROM messages WHERE conversation_id = ? ORDER BY at, id`, conv)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var text string
		var ms int64
		if err := rows.Scan(&text, &ms); err != nil {
			return nil, err
		}
		out = append(out, Message{ConversationID: conv, Text: text, Timestamp: time.UnixMilli(ms)})
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteMessages(ctx context.Context, conversationID string, upTo time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	conv := strings.TrimSpace(conversationID)
	if conv == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND at <= ?`, conv, upTo.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Conversations(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT conversation_id FROM messages ORDER BY conversation_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var conv string
		if err := rows.Scan(&conv); err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetPreferredEndpoint(ctx context.Context, url string) error {
	return s.putKV(ctx, "preferred_endpoint", strings.TrimSpace(url))
}

func (s *sqliteStore) PreferredEndpoint(ctx context.Context) (string, error) {
	v, err := s.getKV(ctx, "preferred_endpoint")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(v) == "" {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *sqliteStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("session id is empty")
	}
	at := rec.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	b, err := json.Marshal(sessionState{ID: rec.ID, CreatedAt: at.UnixMilli()})
	if err != nil {
		return err
	}
	return s.putKV(ctx, "session", string(b))
}

func (s *sqliteStore) LoadSession(ctx context.Context) (SessionRecord, error) {
	v, err := s.getKV(ctx, "session")
	if err != nil {
		return SessionRecord{}, err
	}
	var st sessionState
	if err := json.Unmarshal([]byte(v), &st); err != nil {
		return SessionRecord{}, err
	}
	if st.ID == "" {
		return SessionRecord{}, ErrNotFound
	}
	return SessionRecord{ID: st.ID, CreatedAt: time.UnixMilli(st.CreatedAt)}, nil
}

func (s *sqliteStore) putKV(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) getKV(ctx context.Context, key string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}
