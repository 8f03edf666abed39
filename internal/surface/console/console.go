// Package console is a line REPL surface on stdin, mainly for local use and
// smoke testing.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"chatrelay/internal/delivery"
	"chatrelay/internal/surface"
	logx "chatrelay/pkg/logx"
)

type Surface struct {
	log logx.Logger
	in  io.Reader
	out io.Writer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log logx.Logger) *Surface {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Surface{log: log, in: os.Stdin, out: os.Stdout}
}

func (s *Surface) Name() string { return "console" }

func (s *Surface) Start(ctx context.Context, ev surface.Events) error {
	if ev.SendRequested == nil {
		return errors.New("console: SendRequested capability required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.run(runCtx, ev, done)
	return nil
}

func (s *Surface) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

func (s *Surface) run(ctx context.Context, ev surface.Events, done chan struct{}) {
	defer close(done)

	// A read on stdin cannot be interrupted, so scanning happens on its own
	// goroutine. On Stop the scanner goroutine stays blocked until the next
	// line or process exit; that is fine for a terminal.
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(s.in)
		sc.Buffer(make([]byte, 64*1024), 64*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	s.prompt()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				s.log.Debug("console input closed")
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				s.prompt()
				continue
			}
			rep, err := ev.SendRequested(ctx, text)
			if err != nil {
				if !errors.Is(err, delivery.ErrEmptyInput) {
					s.log.Warn("console send failed", logx.Err(err))
				}
				s.prompt()
				continue
			}
			s.render(rep)
			if ev.ResponseReceived != nil {
				ev.ResponseReceived(rep)
			}
			s.prompt()
		}
	}
}

func (s *Surface) render(rep delivery.Reply) {
	if rep.Offline {
		fmt.Fprintf(s.out, "offline> %s\n", rep.Text)
		return
	}
	fmt.Fprintln(s.out, rep.Text)
}

func (s *Surface) prompt() {
	fmt.Fprint(s.out, "> ")
}
