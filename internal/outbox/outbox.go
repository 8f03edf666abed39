package outbox

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"chatrelay/internal/delivery"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"
)

// Config controls scheduled redelivery of the offline backlog.
type Config struct {
	Enabled       bool
	FlushSchedule string // see schedule.go for accepted forms; default "@every 90s"
	RatePerSec    int    // default 1
	Burst         int    // default 2
}

// Redeliverer pushes one stored message back through the delivery path.
type Redeliverer interface {
	Redeliver(ctx context.Context, msg storage.Message) error
}

// Service drains the offline message log on a schedule.
//
// Each round walks the persisted conversations in order. Within a
// conversation, redelivery stops at the first failing message so ordering is
// preserved; the delivered prefix is then pruned from the store. A round
// aborts as soon as total endpoint failure shows up, since later messages
// cannot fare better.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	c       *cron.Cron
	runCtx  context.Context
	started bool

	store  storage.Store
	client Redeliverer
	bus    eventbus.Bus
	log    logx.Logger

	flushing atomic.Bool

	// Keys of messages already redelivered this process, so a failed prune
	// cannot cause a re-send next round.
	dmu  sync.Mutex
	sent map[uint64]struct{}
}

func New(cfg Config, store storage.Store, client Redeliverer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:  store,
		client: client,
		bus:    bus,
		log:    log,
		sent:   map[uint64]struct{}{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled && s.store != nil
	s.mu.Unlock()
	return en
}

// Apply swaps config. While running, enable/disable flips and schedule
// changes take effect immediately; rate changes apply to the next round.
// A rejected config leaves the running service untouched.
func (s *Service) Apply(cfg Config) error {
	if strings.TrimSpace(cfg.FlushSchedule) != "" {
		if err := ValidSchedule(cfg.FlushSchedule); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldSchedule := s.cfg.FlushSchedule
	s.applyLocked(cfg)
	if !s.started || s.store == nil {
		return nil
	}

	switch {
	case s.cfg.Enabled && s.c == nil:
		return s.startCronLocked()
	case !s.cfg.Enabled && s.c != nil:
		s.stopCronLocked()
		s.log.Info("outbox disabled")
	case s.cfg.Enabled && s.cfg.FlushSchedule != oldSchedule:
		s.stopCronLocked()
		return s.startCronLocked()
	}
	return nil
}

func (s *Service) applyLocked(cfg Config) {
	if strings.TrimSpace(cfg.FlushSchedule) == "" {
		cfg.FlushSchedule = "@every 90s"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

// Start begins scheduled flushing. Idempotent; a nil store leaves the
// service permanently idle.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.runCtx = ctx
	if s.store == nil {
		s.log.Debug("storage disabled; outbox stays idle")
		return nil
	}
	if !s.cfg.Enabled {
		return nil
	}
	return s.startCronLocked()
}

func (s *Service) startCronLocked() error {
	spec, err := normalizeSchedule(s.cfg.FlushSchedule)
	if err != nil {
		return err
	}
	ctx := s.runCtx
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(spec, func() { s.flushOnce(ctx) }); err != nil {
		return fmt.Errorf("flush schedule: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("outbox started", logx.String("schedule", spec))
	return nil
}

func (s *Service) stopCronLocked() {
	c := s.c
	s.c = nil
	if c == nil {
		return
	}
	// Running rounds finish on their own; nothing to wait for here.
	done := c.Stop()
	go func() { <-done.Done() }()
}

// Stop halts scheduling and waits for an in-flight round up to ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Debug("outbox stopped")
}

// Flush runs one redelivery round outside the schedule.
func (s *Service) Flush(ctx context.Context) {
	s.flushOnce(ctx)
}

func (s *Service) flushOnce(ctx context.Context) {
	// One round at a time; cron fires regardless of how long rounds take.
	if !s.flushing.CompareAndSwap(false, true) {
		return
	}
	defer s.flushing.Store(false)

	if ctx == nil {
		ctx = context.Background()
	}
	st := s.store
	if st == nil || s.client == nil {
		return
	}
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	convs, err := st.Conversations(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrDisabled) {
			s.log.Warn("conversation scan failed", logx.Err(err))
		}
		return
	}
	if len(convs) == 0 {
		return
	}

	start := time.Now()
	delivered, remaining := 0, 0
	down := false

	for _, conv := range convs {
		if down || ctx.Err() != nil {
			break
		}
		msgs, err := st.Messages(ctx, conv)
		if err != nil {
			s.log.Warn("backlog read failed", logx.String("conversation", conv), logx.Err(err))
			continue
		}

		// In order; stop at the first failure so the conversation replays
		// in sequence next round.
		n := 0
		var upTo time.Time
		for _, m := range msgs {
			if ctx.Err() != nil {
				break
			}
			key := sentKey(m)
			if s.alreadySent(key) {
				// Redelivered in an earlier round whose prune failed.
				n++
				upTo = m.Timestamp
				continue
			}
			if err := lim.Wait(ctx); err != nil {
				break
			}
			err := s.client.Redeliver(ctx, m)
			switch {
			case err == nil, errors.Is(err, delivery.ErrEmptyInput):
				// Blank rows are junk; prune them with the delivered ones.
				s.markSent(key)
				n++
				upTo = m.Timestamp
				continue
			case errors.Is(err, delivery.ErrAllEndpointsUnavailable):
				down = true
			}
			break
		}

		if n > 0 {
			if _, err := st.DeleteMessages(ctx, conv, upTo); err != nil {
				s.log.Warn("backlog prune failed", logx.String("conversation", conv), logx.Err(err))
			}
			delivered += n
		}
		remaining += len(msgs) - n
	}

	if delivered == 0 && remaining == 0 {
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeOutboxFlushed, Data: eventbus.OutboxFlushed{
			Delivered: delivered,
			Remaining: remaining, // scanned conversations only when a round aborts early
		}})
	}
	s.log.Info("backlog flush finished",
		logx.Int("delivered", delivered),
		logx.Int("remaining", remaining),
		logx.Bool("endpoints_down", down),
		logx.Duration("took", time.Since(start)))
}

func sentKey(m storage.Message) uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d|", m.ConversationID, m.Timestamp.UnixMilli())
	_, _ = h.Write([]byte(m.Text))
	return h.Sum64()
}

const sentCap = 4096

func (s *Service) alreadySent(key uint64) bool {
	s.dmu.Lock()
	_, ok := s.sent[key]
	s.dmu.Unlock()
	return ok
}

func (s *Service) markSent(key uint64) {
	s.dmu.Lock()
	if len(s.sent) >= sentCap {
		// Entries only matter while their prune is pending; resetting at the
		// cap risks at most one duplicate redelivery per message.
		s.sent = make(map[uint64]struct{}, sentCap/4)
	}
	s.sent[key] = struct{}{}
	s.dmu.Unlock()
}
