// Package telegram is a thin Telegram surface. Each incoming text message
// becomes one send through the delivery core and the reply goes back to the
// same chat. No menus, no callbacks.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"chatrelay/internal/delivery"
	"chatrelay/internal/surface"
	logx "chatrelay/pkg/logx"
)

type Config struct {
	Enabled     bool
	Token       string
	PollTimeout time.Duration // long-poll timeout, default 10s
}

type Surface struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New dials Telegram to validate the token, so it needs network access.
func New(cfg Config, log logx.Logger) (*Surface, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &Surface{cfg: cfg, log: log, bot: b}, nil
}

func (s *Surface) Name() string { return "telegram" }

func (s *Surface) Start(ctx context.Context, ev surface.Events) error {
	if ev.SendRequested == nil {
		return errors.New("telegram: SendRequested capability required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		text := strings.TrimSpace(m.Text)
		if text == "" {
			return nil
		}

		rep, err := ev.SendRequested(rctx, text)
		if err != nil {
			if !errors.Is(err, delivery.ErrEmptyInput) {
				s.log.Warn("telegram send failed", logx.Int64("chat", m.Chat.ID), logx.Err(err))
			}
			return nil
		}

		out := rep.Text
		if rep.Offline {
			out = "[offline] " + out
		}
		for _, part := range splitText(out, sendLimit) {
			if err := c.Send(part); err != nil {
				s.log.Warn("telegram reply failed", logx.Int64("chat", m.Chat.ID), logx.Err(err))
				return nil
			}
		}
		if ev.ResponseReceived != nil {
			ev.ResponseReceived(rep)
		}
		return nil
	})

	go func() {
		defer s.wg.Done()
		// Stop telebot when the surface context ends.
		go func() {
			<-rctx.Done()
			s.bot.Stop()
		}()
		s.log.Info("polling started")
		s.bot.Start() // blocks until Stop
	}()
	return nil
}

// Telegram rejects messages over 4096 characters. Stay a little under so the
// offline prefix never pushes a chunk over the edge.
const sendLimit = 4000

// splitText chunks s into pieces of at most limit runes, preferring a newline
// boundary near the end of each window. Chunking walks bytes with
// DecodeRuneInString so large replies never allocate a full []rune.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = sendLimit
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var parts []string
	start := 0
	for start < len(s) {
		runes := 0
		end := start
		lastNL := -1 // byte index just past the last newline in this window
		lastNLRunes := 0
		for end < len(s) && runes < limit {
			r, size := utf8.DecodeRuneInString(s[end:])
			if r == '\n' {
				lastNL = end + size
				lastNLRunes = runes + 1
			}
			runes++
			end += size
		}
		// Break at the newline only when it is not too far back.
		if end < len(s) && lastNL != -1 && lastNLRunes >= limit/3 {
			end = lastNL
		}
		if part := strings.TrimRight(s[start:end], "\n"); part != "" {
			parts = append(parts, part)
		}
		start = end
		for start < len(s) {
			r, size := utf8.DecodeRuneInString(s[start:])
			if r != '\n' {
				break
			}
			start += size
		}
	}
	return parts
}

// Stop is best-effort: shutdown never waits long on a Telegram long-poll.
func (s *Surface) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go s.bot.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	// Grace window keeps shutdown snappy while getUpdates is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		s.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		s.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}
