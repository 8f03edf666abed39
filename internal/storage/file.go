package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "chatrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.messages.snapshot.json (periodic snapshot of the offline log)
//   - <prefix>.messages.journal.jsonl (append-only journal: appends + prunes)
//   - <prefix>.state.json             (preferred endpoint + session, atomic rename)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	msgs         map[string][]storedMessage

	statePath string
	state     stateFile

	journalWrites int
}

type storedMessage struct {
	Text string `json:"text"`
	At   int64  `json:"at"` // unix milli
}

// logRecord is one journal line. Op "append" adds a message; Op "prune"
// drops all messages of a conversation with At <= the record's At.
type logRecord struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text,omitempty"`
	At             int64  `json:"at"`
}

type stateFile struct {
	PreferredEndpoint string        `json:"preferred_endpoint,omitempty"`
	Session           *sessionState `json:"session,omitempty"`
}

type sessionState struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"` // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".messages.snapshot.json"
	journalPath := prefix + ".messages.journal.jsonl"
	statePath := prefix + ".state.json"

	// Load messages from snapshot + journal.
	msgs := map[string][]storedMessage{}
	_ = loadMessagesSnapshot(snapPath, msgs)
	_ = replayMessagesJournal(journalPath, msgs)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	var st stateFile
	_ = loadState(statePath, &st)

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		msgs:         msgs,
		statePath:    statePath,
		state:        st,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile != nil {
		err := s.journalFile.Close()
		s.journalFile = nil
		return err
	}
	return nil
}

func (s *fileStore) AppendMessage(ctx context.Context, m Message) error {
	_ = ctx
	conv := strings.TrimSpace(m.ConversationID)
	if conv == "" {
		return errors.New("conversation id is empty")
	}
	at := m.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("message journal closed")
	}
	if s.msgs == nil {
		s.msgs = map[string][]storedMessage{}
	}
	rec := logRecord{Op: "append", ConversationID: conv, Text: m.Text, At: at.UnixMilli()}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.msgs[conv] = append(s.msgs[conv], storedMessage{Text: m.Text, At: rec.At})
	s.noteJournalWriteLocked()
	return nil
}

func (s *fileStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	_ = ctx
	conv := strings.TrimSpace(conversationID)
	if conv == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.msgs[conv]
	if len(stored) == 0 {
		return nil, nil
	}
	out := make([]Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, Message{
			ConversationID: conv,
			Text:           m.Text,
			Timestamp:      time.UnixMilli(m.At),
		})
	}
	return out, nil
}

func (s *fileStore) DeleteMessages(ctx context.Context, conversationID string, upTo time.Time) (int, error) {
	_ = ctx
	conv := strings.TrimSpace(conversationID)
	if conv == "" {
		return 0, nil
	}
	cutoff := upTo.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, errors.New("message journal closed")
	}
	stored := s.msgs[conv]
	if len(stored) == 0 {
		return 0, nil
	}
	kept := stored[:0]
	removed := 0
	for _, m := range stored {
		if m.At <= cutoff {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	if removed == 0 {
		return 0, nil
	}
	if len(kept) == 0 {
		delete(s.msgs, conv)
	} else {
		s.msgs[conv] = kept
	}
	rec := logRecord{Op: "prune", ConversationID: conv, At: cutoff}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return removed, err
	}
	s.noteJournalWriteLocked()
	return removed, nil
}

func (s *fileStore) Conversations(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(s.msgs))
	for conv := range s.msgs {
		out = append(out, conv)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) SetPreferredEndpoint(ctx context.Context, url string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PreferredEndpoint = strings.TrimSpace(url)
	return s.writeStateLocked()
}

func (s *fileStore) PreferredEndpoint(ctx context.Context) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(s.state.PreferredEndpoint) == "" {
		return "", ErrNotFound
	}
	return s.state.PreferredEndpoint, nil
}

func (s *fileStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("session id is empty")
	}
	at := rec.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Session = &sessionState{ID: rec.ID, CreatedAt: at.UnixMilli()}
	return s.writeStateLocked()
}

func (s *fileStore) LoadSession(ctx context.Context) (SessionRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Session == nil || s.state.Session.ID == "" {
		return SessionRecord{}, ErrNotFound
	}
	return SessionRecord{
		ID:        s.state.Session.ID,
		CreatedAt: time.UnixMilli(s.state.Session.CreatedAt),
	}, nil
}

func (s *fileStore) noteJournalWriteLocked() {
	s.journalWrites++
	if s.journalWrites%500 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("message journal compact failed", logx.Any("err", err))
		}
	}
}

func (s *fileStore) compactLocked() error {
	if s.msgs == nil {
		return nil
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.msgs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) writeStateLocked() error {
	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func loadMessagesSnapshot(path string, out map[string][]storedMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]storedMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayMessagesJournal(path string, out map[string][]storedMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r logRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ConversationID == "" {
			continue
		}
		switch r.Op {
		case "append":
			out[r.ConversationID] = append(out[r.ConversationID], storedMessage{Text: r.Text, At: r.At})
		case "prune":
			stored := out[r.ConversationID]
			kept := stored[:0]
			for _, m := range stored {
				if m.At <= r.At {
					continue
				}
				kept = append(kept, m)
			}
			if len(kept) == 0 {
				delete(out, r.ConversationID)
			} else {
				out[r.ConversationID] = kept
			}
		}
	}
	return sc.Err()
}

func loadState(path string, out *stateFile) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}
