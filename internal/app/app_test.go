package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/internal/config"
)

func TestMapDeliveryOptions(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Endpoints: config.EndpointsConfig{
			Candidates:     []string{"http://a.test", "http://b.test"},
			RetryBudget:    3,
			AttemptTimeout: "2s",
			ClientMeta:     map[string]string{"client": "widget"},
		},
	}
	opts, err := mapDeliveryOptions(cfg)
	if err != nil {
		t.Fatalf("mapDeliveryOptions: %v", err)
	}
	if len(opts.Endpoints) != 2 || opts.RetryBudget != 3 {
		t.Fatalf("opts = %+v", opts)
	}
	if opts.AttemptTimeout != 2*time.Second {
		t.Fatalf("AttemptTimeout = %v", opts.AttemptTimeout)
	}
	// Omitted backoff falls back to its default.
	if opts.RetryBackoff != 400*time.Millisecond {
		t.Fatalf("RetryBackoff = %v", opts.RetryBackoff)
	}

	cfg.Endpoints.AttemptTimeout = "junk"
	if _, err := mapDeliveryOptions(cfg); err == nil {
		t.Fatal("expected error for junk duration")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{name: "omitted", in: nil, enabled: false},
		{name: "none", in: &config.StorageConfig{Driver: "none"}, enabled: false},
		{name: "file", in: &config.StorageConfig{Driver: "File", Path: "./x"}, enabled: true},
		{name: "sqlite", in: &config.StorageConfig{Driver: "sqlite", Path: "./x.db"}, enabled: true},
		{name: "sqlite no path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "bolt"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("mapStorageConfig: %v", err)
			}
			if enabled != tt.enabled {
				t.Fatalf("enabled = %v, want %v (%+v)", enabled, tt.enabled, sc)
			}
		})
	}
}

func TestMapOutboxConfig(t *testing.T) {
	t.Parallel()
	yes, no := true, false

	// Follows storage by default.
	if c := mapOutboxConfig(&config.Config{}, true); !c.Enabled {
		t.Fatal("outbox should follow enabled storage")
	}
	if c := mapOutboxConfig(&config.Config{}, false); c.Enabled {
		t.Fatal("outbox enabled without storage")
	}

	// An explicit flag can disable but never enable past missing storage.
	cfg := &config.Config{Outbox: &config.OutboxConfig{Enabled: &no, FlushSchedule: "@every 5m"}}
	if c := mapOutboxConfig(cfg, true); c.Enabled {
		t.Fatal("explicit false ignored")
	}
	cfg.Outbox.Enabled = &yes
	if c := mapOutboxConfig(cfg, false); c.Enabled {
		t.Fatal("outbox enabled without storage despite flag")
	}
	if c := mapOutboxConfig(cfg, true); !c.Enabled || c.FlushSchedule != "@every 5m" {
		t.Fatalf("outbox = %+v", c)
	}
}

func TestMapHTTPConfigRate(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		t.Fatalf("mapHTTPConfig: %v", err)
	}
	if hc.RatePerMinute != 60 {
		t.Fatalf("default rate = %d, want 60", hc.RatePerMinute)
	}

	cfg.Surfaces.HTTP.RatePerMinute = -1
	hc, _ = mapHTTPConfig(cfg)
	if hc.RatePerMinute != 0 {
		t.Fatalf("opt-out rate = %d, want 0", hc.RatePerMinute)
	}

	cfg.Surfaces.HTTP.RatePerMinute = 30
	hc, _ = mapHTTPConfig(cfg)
	if hc.RatePerMinute != 30 {
		t.Fatalf("explicit rate = %d", hc.RatePerMinute)
	}
}

func TestMapPprofConfig(t *testing.T) {
	t.Parallel()
	if c := mapPprofConfig(&config.Config{}); c.Enabled {
		t.Fatal("pprof enabled without a debug section")
	}
	cfg := &config.Config{Debug: &config.DebugConfig{Pprof: config.PprofConfig{
		Enabled:              true,
		Addr:                 "127.0.0.1:6161",
		Token:                "t",
		MutexProfileFraction: 3,
	}}}
	c := mapPprofConfig(cfg)
	if !c.Enabled || c.Addr != "127.0.0.1:6161" || c.Token != "t" || c.MutexProfileFraction != 3 {
		t.Fatalf("pprof = %+v", c)
	}
}

func TestMapTelegramConfigEnvToken(t *testing.T) {
	cfg := &config.Config{}
	cfg.Surfaces.Telegram.Enabled = true
	cfg.Surfaces.Telegram.Token = "from-file"

	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		t.Fatalf("mapTelegramConfig: %v", err)
	}
	if tc.Token != "from-file" || tc.PollTimeout != 10*time.Second {
		t.Fatalf("telegram = %+v", tc)
	}

	t.Setenv("CHATRELAY_TELEGRAM_TOKEN", "from-env")
	tc, _ = mapTelegramConfig(cfg)
	if tc.Token != "from-env" {
		t.Fatalf("token = %q, want the environment to win", tc.Token)
	}
}

func TestAppLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: error
endpoints:
  candidates: ["http://127.0.0.1:9/chat"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(a.surfaces) != 0 {
		t.Fatalf("surfaces = %d, want none enabled", len(a.surfaces))
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := a.statusSnapshot()
	if st.Session == "" || len(st.Endpoints) != 1 || st.Storage || st.Outbox {
		t.Fatalf("status = %+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
}

func TestAppRejectsBrokenConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("endpoints:\n  candidates: []\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Parses fine, fails validation before any service is built.
	if _, err := New(path); err == nil {
		t.Fatal("expected error for empty candidates")
	}
}
