package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"
)

// Manager owns the single active conversation session.
//
// Exactly one session id is active at a time. The id is immutable; it is only
// replaced when the remote side hands back a different conversation id
// (Rotate). The current record is persisted best-effort so a restart resumes
// the same conversation.
type Manager struct {
	mu  sync.RWMutex
	cur storage.SessionRecord

	ttl   time.Duration
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
}

type Options struct {
	// TTL expires a recovered session. 0 means never.
	TTL time.Duration
}

func NewManager(opts Options, store storage.Store, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{ttl: opts.TTL, store: store, log: log, bus: bus}
	m.cur = m.recover()
	return m
}

// recover loads the persisted session or mints a fresh one.
func (m *Manager) recover() storage.SessionRecord {
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rec, err := m.store.LoadSession(ctx)
		cancel()
		switch {
		case err == nil:
			if m.ttl > 0 && time.Since(rec.CreatedAt) > m.ttl {
				m.log.Info("persisted session expired; starting fresh",
					logx.String("session", rec.ID),
					logx.Duration("age", time.Since(rec.CreatedAt)))
			} else {
				m.log.Debug("session recovered", logx.String("session", rec.ID))
				return rec
			}
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrDisabled):
			// fresh start
		default:
			m.log.Warn("session load failed; starting fresh", logx.Err(err))
		}
	}

	rec := storage.SessionRecord{ID: uuid.NewString(), CreatedAt: time.Now()}
	m.persist(rec)
	m.log.Debug("session created", logx.String("session", rec.ID))
	return rec
}

// Current returns the active conversation id.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.ID
}

// Record returns a copy of the active session record.
func (m *Manager) Record() storage.SessionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Rotate replaces the active id with the one the server handed back.
// Empty or unchanged ids are no-ops.
func (m *Manager) Rotate(newID string) {
	newID = strings.TrimSpace(newID)
	if newID == "" {
		return
	}

	m.mu.Lock()
	old := m.cur.ID
	if newID == old {
		m.mu.Unlock()
		return
	}
	rec := storage.SessionRecord{ID: newID, CreatedAt: time.Now()}
	m.cur = rec
	m.mu.Unlock()

	m.persist(rec)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSessionRotated,
			Data: eventbus.SessionRotated{OldID: old, NewID: newID},
		})
	}
	m.log.Info("session rotated", logx.String("old", old), logx.String("new", newID))
}

func (m *Manager) persist(rec storage.SessionRecord) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.SaveSession(ctx, rec); err != nil && !errors.Is(err, storage.ErrDisabled) {
		m.log.Warn("session persist failed", logx.Err(err))
	}
}
