package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/delivery"
	"chatrelay/internal/surface"
	logx "chatrelay/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestConsoleSessionScript(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	s.in = strings.NewReader("hello\n\n   \nstill there?\n")
	out := &syncBuffer{}
	s.out = out

	var mu sync.Mutex
	var sent []string
	var observed []delivery.Reply
	ev := surface.Events{
		SendRequested: func(ctx context.Context, text string) (delivery.Reply, error) {
			mu.Lock()
			sent = append(sent, text)
			mu.Unlock()
			if text == "still there?" {
				return delivery.Reply{Text: "saved your message", ConversationID: "conv-1", Offline: true}, nil
			}
			return delivery.Reply{Text: "echo: " + text, ConversationID: "conv-1"}, nil
		},
		ResponseReceived: func(rep delivery.Reply) {
			mu.Lock()
			observed = append(observed, rep)
			mu.Unlock()
		},
	}

	if err := s.Start(context.Background(), ev); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not drain scripted input")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 2 || sent[0] != "hello" || sent[1] != "still there?" {
		t.Fatalf("sent = %v, want blank lines skipped", sent)
	}
	if len(observed) != 2 {
		t.Fatalf("observed %d replies, want 2", len(observed))
	}

	output := out.String()
	if !strings.Contains(output, "echo: hello") {
		t.Fatalf("missing echo in output:\n%s", output)
	}
	if !strings.Contains(output, "offline> saved your message") {
		t.Fatalf("missing offline marker in output:\n%s", output)
	}
	if !strings.HasPrefix(output, "> ") {
		t.Fatalf("missing prompt in output:\n%s", output)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestConsoleRequiresSendCapability(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	if err := s.Start(context.Background(), surface.Events{}); err == nil {
		t.Fatal("Start without SendRequested succeeded")
	}
}

func TestConsoleStopInterruptsIdleSession(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	// A pipe with no writes behaves like an idle terminal: the read blocks.
	pr, pw := io.Pipe()
	defer pw.Close()
	s.in = pr
	s.out = &syncBuffer{}

	ev := surface.Events{
		SendRequested: func(ctx context.Context, text string) (delivery.Reply, error) {
			return delivery.Reply{Text: text}, nil
		},
	}
	if err := s.Start(context.Background(), ev); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Stop ran into the deadline")
	}
}
