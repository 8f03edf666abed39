package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "chatrelay/pkg/logx"
)

// Manager loads the config file, hands out the committed snapshot, and
// pushes validated updates to subscribers when the file changes on disk.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // digest of the committed content, for duplicate-write suppression

	// subsMu serializes publish against Unsubscribe so a send can never
	// race a close.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch runs before committing a reload.
// A rejected config leaves the committed snapshot untouched.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and decodes the file without committing the result.
// Unknown keys and trailing content are errors in both YAML and JSON.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
	case nil:
		return nil, fmt.Errorf("invalid config: trailing data")
	default:
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = configDigest(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func configDigest(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs[i] = m.subs[len(m.subs)-1]
			m.subs[len(m.subs)-1] = nil
			m.subs = m.subs[:len(m.subs)-1]
			close(ch)
			return
		}
	}
}

// publish offers cfg to every subscriber. A full buffer loses its
// oldest entry so the newest config still lands; a subscriber that
// cannot even take that is skipped.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)",
				logx.Int("queue_len", len(ch)), logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload parses, dedupes, validates, and on success commits and
// publishes. Called from the debounced watch path.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := configDigest(cfg)
	m.mu.RLock()
	dup := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if dup {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published",
		logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// debouncer coalesces bursts of fs events into one call after the
// window passes, so a partially written file is not parsed mid-save.
type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	wait  time.Duration
	fn    func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fn)
}

// retryDelay is a jittered exponential backoff for watcher restarts.
type retryDelay struct {
	cur time.Duration
	rng *rand.Rand
}

const (
	watchDelayBase = 250 * time.Millisecond
	watchDelayMax  = 5 * time.Second
)

func newRetryDelay() *retryDelay {
	return &retryDelay{
		cur: watchDelayBase,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *retryDelay) reset() { r.cur = watchDelayBase }

// sleep waits out the current delay (plus up to 50% jitter) and doubles
// it for next time. Returns false when ctx ended first.
func (r *retryDelay) sleep(ctx context.Context) bool {
	wait := r.cur + time.Duration(r.rng.Int63n(int64(r.cur/2)+1))
	if r.cur < watchDelayMax {
		if r.cur *= 2; r.cur > watchDelayMax {
			r.cur = watchDelayMax
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

// Watch follows the config file until ctx ends. The directory is
// watched rather than the file so editors that replace-on-save keep
// being seen; a broken watcher is rebuilt with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	deb := &debouncer{
		wait: 250 * time.Millisecond,
		fn:   func() { m.reload(ctx) },
	}
	delay := newRetryDelay()

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !delay.sleep(ctx) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			m.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
			if !delay.sleep(ctx) {
				return nil
			}
			continue
		}

		delay.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		err = m.watchEvents(ctx, w, file, deb)
		_ = w.Close()
		if err != nil || ctx.Err() != nil {
			return nil
		}

		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir), logx.String("file", file))
		if !delay.sleep(ctx) {
			return nil
		}
	}
	return nil
}

// watchEvents drains one watcher until it breaks. A nil return means
// the watcher died and should be rebuilt; ctx cancellation returns
// ctx.Err().
func (m *Manager) watchEvents(ctx context.Context, w *fsnotify.Watcher, file string, deb *debouncer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			// Match on basename; event paths vary between absolute and
			// relative depending on how the watch was added.
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
				deb.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err == nil {
				continue
			}
			lower := strings.ToLower(err.Error())
			// Overflow means events were lost; a reload covers whatever
			// was missed. Matching on text avoids pinning a specific
			// fsnotify error constant.
			if strings.Contains(lower, "overflow") {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				deb.trigger()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			if strings.Contains(lower, "closed") {
				return nil
			}
		}
	}
}
