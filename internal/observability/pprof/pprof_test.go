package pprof

import (
	"context"
	"net/http"
	"runtime"
	"testing"
	"time"

	logx "chatrelay/pkg/logx"
)

func getStatus(t *testing.T, url string, header map[string]string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func restoreProfileRates(t *testing.T) {
	t.Helper()
	prev := runtime.SetMutexProfileFraction(-1)
	runtime.SetMutexProfileFraction(prev)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prev)
		runtime.SetBlockProfileRate(0)
	})
}

func TestApplyStartsAndStops(t *testing.T) {
	restoreProfileRates(t)

	s := New(Config{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx := context.Background()
	cfg := Config{
		Enabled:              true,
		Addr:                 "127.0.0.1:0",
		MutexProfileFraction: 7,
		BlockProfileRate:     1,
	}
	if err := s.Apply(ctx, cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	addr := s.Addr()
	if addr == "" {
		t.Fatal("expected a bound address")
	}
	if got := getStatus(t, "http://"+addr+"/debug/pprof/", nil); got != http.StatusOK {
		t.Fatalf("index status = %d", got)
	}
	if got := getStatus(t, "http://"+addr+"/debug/pprof/goroutine", nil); got != http.StatusOK {
		t.Fatalf("goroutine profile status = %d", got)
	}
	if got := getStatus(t, "http://"+addr+"/healthz", nil); got != http.StatusOK {
		t.Fatalf("healthz status = %d", got)
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}

	// Unchanged config is a no-op: same listener stays up.
	if err := s.Apply(ctx, cfg); err != nil {
		t.Fatalf("Apply again: %v", err)
	}
	if s.Addr() != addr {
		t.Fatalf("Addr changed on no-op Apply: %s -> %s", addr, s.Addr())
	}

	cfg.Enabled = false
	if err := s.Apply(ctx, cfg); err != nil {
		t.Fatalf("Apply disable: %v", err)
	}
	if got := s.Addr(); got != "" {
		t.Fatalf("still listening at %s after disable", got)
	}
}

func TestApplyRestartsOnPrefixChange(t *testing.T) {
	restoreProfileRates(t)

	s := New(Config{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx := context.Background()
	if err := s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Prefix: "ops/prof"}); err != nil {
		t.Fatalf("Apply with prefix: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("expected a listener after prefix change")
	}
	if got := getStatus(t, "http://"+addr+"/ops/prof/", nil); got != http.StatusOK {
		t.Fatalf("custom prefix status = %d", got)
	}
	if got := getStatus(t, "http://"+addr+"/ops/prof/goroutine", nil); got != http.StatusOK {
		t.Fatalf("custom prefix profile status = %d", got)
	}
	if got := getStatus(t, "http://"+addr+"/debug/pprof/", nil); got == http.StatusOK {
		t.Fatal("default prefix should not serve after the change")
	}
}

func TestTokenGuard(t *testing.T) {
	restoreProfileRates(t)

	s := New(Config{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	err := s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	addr := s.Addr()

	if got := getStatus(t, "http://"+addr+"/debug/pprof/", nil); got != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", got)
	}
	if got := getStatus(t, "http://"+addr+"/debug/pprof/?token=wrong", nil); got != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", got)
	}
	if got := getStatus(t, "http://"+addr+"/debug/pprof/?token=s3cret", nil); got != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", got)
	}
	hdr := map[string]string{"Authorization": "Bearer s3cret"}
	if got := getStatus(t, "http://"+addr+"/debug/pprof/", hdr); got != http.StatusOK {
		t.Fatalf("bearer token status = %d, want 200", got)
	}
}

func TestRefusesNonLoopbackWithoutToken(t *testing.T) {
	restoreProfileRates(t)

	s := New(Config{}, logx.Nop())
	err := s.Apply(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0"})
	if err == nil {
		s.Stop(context.Background())
		t.Fatal("expected refusal for non-loopback bind without token")
	}
	if s.Addr() != "" {
		t.Fatalf("listener bound despite refusal: %s", s.Addr())
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"", "/debug/pprof/"},
		{"/", "/debug/pprof/"},
		{"  ", "/debug/pprof/"},
		{"ops", "/ops/"},
		{"/ops/prof", "/ops/prof/"},
		{"/ops/prof/", "/ops/prof/"},
	}
	for _, tt := range tests {
		if got := normalizePrefix(tt.in); got != tt.want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:0", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"10.0.0.5:6060", false},
		{"no-port", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
