package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "chatrelay/pkg/logx"
)

// Store is the minimal persistence API used by the relay.
//
// Ordering contract: Messages returns entries for a conversation in append
// order. DeleteMessages removes entries with Timestamp <= upTo (used by the
// outbox after redelivery).
type Store interface {
	AppendMessage(ctx context.Context, m Message) error
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	DeleteMessages(ctx context.Context, conversationID string, upTo time.Time) (int, error)
	Conversations(ctx context.Context) ([]string, error)

	SetPreferredEndpoint(ctx context.Context, url string) error
	PreferredEndpoint(ctx context.Context) (string, error)

	SaveSession(ctx context.Context, rec SessionRecord) error
	LoadSession(ctx context.Context) (SessionRecord, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
