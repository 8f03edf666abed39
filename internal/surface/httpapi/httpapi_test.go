package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/delivery"
	"chatrelay/internal/storage"
	"chatrelay/internal/surface"
	logx "chatrelay/pkg/logx"
)

func echoEvents() surface.Events {
	return surface.Events{
		SendRequested: func(ctx context.Context, text string) (delivery.Reply, error) {
			trimmed := strings.TrimSpace(text)
			if trimmed == "" {
				return delivery.Reply{}, delivery.ErrEmptyInput
			}
			return delivery.Reply{
				Text:           "echo: " + trimmed,
				ConversationID: "conv-1",
				Endpoint:       "http://relay.test",
				ModelInfo:      json.RawMessage(`{"name":"m1"}`),
			}, nil
		},
	}
}

func testServer(t *testing.T, cfg Config, store storage.Store, status func() Status, ev surface.Events) http.Handler {
	t.Helper()
	s := New(cfg, store, status, logx.Nop())
	s.ev = ev
	return s.router()
}

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatEndpoint(t *testing.T) {
	t.Parallel()
	h := testServer(t, Config{}, nil, nil, echoEvents())

	rec := postChat(t, h, `{"message":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Response != "echo: hello" || resp.ConversationID != "conv-1" || resp.Offline {
		t.Fatalf("response = %+v", resp)
	}
	if string(resp.ModelInfo) != `{"name":"m1"}` {
		t.Fatalf("model_info = %s", resp.ModelInfo)
	}

	if rec := postChat(t, h, `{"message":"   "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty message status = %d", rec.Code)
	}
	if rec := postChat(t, h, `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", rec.Code)
	}
}

func TestChatEndpointAbortedSend(t *testing.T) {
	t.Parallel()
	ev := surface.Events{
		SendRequested: func(ctx context.Context, text string) (delivery.Reply, error) {
			return delivery.Reply{}, context.Canceled
		},
	}
	h := testServer(t, Config{}, nil, nil, ev)
	if rec := postChat(t, h, `{"message":"hello"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestChatEndpointOfflineReply(t *testing.T) {
	t.Parallel()
	ev := surface.Events{
		SendRequested: func(ctx context.Context, text string) (delivery.Reply, error) {
			return delivery.Reply{Text: "saved it", ConversationID: "conv-1", Offline: true}, nil
		},
	}
	h := testServer(t, Config{}, nil, nil, ev)
	rec := postChat(t, h, `{"message":"anyone home"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp chatResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Offline || resp.Response != "saved it" {
		t.Fatalf("response = %+v, want offline", resp)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	base := time.Now().Add(-time.Minute)
	for i, text := range []string{"first", "second"} {
		m := storage.Message{ConversationID: "conv-1", Text: text, Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := st.AppendMessage(context.Background(), m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	h := testServer(t, Config{}, st, nil, echoEvents())

	req := httptest.NewRequest(http.MethodGet, "/api/history/conv-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp historyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ConversationID != "conv-1" || len(resp.Messages) != 2 || resp.Messages[0].Text != "first" {
		t.Fatalf("history = %+v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/history/conv-unknown", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation status = %d", rec.Code)
	}

	// Without storage the endpoint reports unavailable, not empty.
	h = testServer(t, Config{}, nil, nil, echoEvents())
	req = httptest.NewRequest(http.MethodGet, "/api/history/conv-1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no-storage status = %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	status := func() Status {
		return Status{Session: "conv-1", Endpoints: []string{"http://a.test"}, Storage: true, Outbox: true}
	}
	h := testServer(t, Config{}, nil, status, echoEvents())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Session != "conv-1" || len(got.Endpoints) != 1 || !got.Storage || !got.Outbox {
		t.Fatalf("status = %+v", got)
	}

	// No provider, no route.
	h = testServer(t, Config{}, nil, nil, echoEvents())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no-provider status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := testServer(t, Config{}, nil, nil, echoEvents())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	t.Parallel()
	h := testServer(t, Config{AllowedOrigins: []string{"http://widget.test"}}, nil, nil, echoEvents())

	// Preflight from an allowed origin.
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://widget.test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://widget.test" {
		t.Fatalf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("allow-credentials = %q", got)
	}

	// Unlisted origins get no CORS headers.
	req = httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://evil.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin allowed: %q", got)
	}

	// Wildcard echoes the origin but never grants credentials.
	h = testServer(t, Config{AllowedOrigins: []string{"*"}}, nil, nil, echoEvents())
	req = httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://anywhere.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://anywhere.test" {
		t.Fatalf("wildcard allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("wildcard granted credentials: %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	// 4/min means a burst of one; the second immediate request is rejected.
	h := testServer(t, Config{RatePerMinute: 4}, nil, nil, echoEvents())

	first := postChat(t, h, `{"message":"hello"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	second := postChat(t, h, `{"message":"hello again"}`)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.Code)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, nil, nil, logx.Nop())

	if err := s.Start(context.Background(), surface.Events{}); err == nil {
		t.Fatal("Start without SendRequested succeeded")
	}
	if err := s.Start(context.Background(), echoEvents()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Already running; a second Start is a no-op.
	if err := s.Start(context.Background(), echoEvents()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop after stop: %v", err)
	}

	bad := New(Config{Addr: "127.0.0.1:999999"}, nil, nil, logx.Nop())
	if err := bad.Start(context.Background(), echoEvents()); err == nil {
		t.Fatal("Start on an invalid addr succeeded")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.Addr != ":8714" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		t.Fatalf("missing timeout defaults: %+v", cfg)
	}
}
