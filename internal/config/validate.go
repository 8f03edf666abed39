package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks the parts of the config this package owns. It is used both
// at startup and as the hot-reload gate, so a bad edit never reaches running
// services.
//
// Schedule specs and storage mapping are validated by their consumers (the
// app composes those checks into the manager's validator hook).
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if len(cfg.Endpoints.Candidates) == 0 {
		return fmt.Errorf("endpoints.candidates: at least one URL is required")
	}
	seen := make(map[string]struct{}, len(cfg.Endpoints.Candidates))
	for i, raw := range cfg.Endpoints.Candidates {
		s := strings.TrimSpace(raw)
		if s == "" {
			return fmt.Errorf("endpoints.candidates[%d]: empty URL", i)
		}
		u, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("endpoints.candidates[%d]: invalid URL %q: %w", i, raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("endpoints.candidates[%d]: unsupported scheme %q (want http/https)", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("endpoints.candidates[%d]: missing host in %q", i, raw)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("endpoints.candidates[%d]: duplicate URL %q", i, s)
		}
		seen[s] = struct{}{}
	}
	if cfg.Endpoints.RetryBudget < 0 {
		return fmt.Errorf("endpoints.retry_budget must be >= 0")
	}
	if _, err := ParseDurationField("endpoints.attempt_timeout", cfg.Endpoints.AttemptTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("endpoints.retry_backoff", cfg.Endpoints.RetryBackoff); err != nil {
		return err
	}
	for k := range cfg.Endpoints.ClientMeta {
		kl := strings.ToLower(strings.TrimSpace(k))
		if kl == "message" || kl == "conversation_id" {
			return fmt.Errorf("endpoints.client_meta: key %q is reserved", k)
		}
	}

	if _, err := ParseDurationField("session.ttl", cfg.Session.TTL); err != nil {
		return err
	}

	if cfg.Outbox != nil {
		if cfg.Outbox.RatePerSec < 0 {
			return fmt.Errorf("outbox.rate_per_sec must be >= 0")
		}
		if cfg.Outbox.Burst < 0 {
			return fmt.Errorf("outbox.burst must be >= 0")
		}
	}

	h := cfg.Surfaces.HTTP
	if _, err := ParseDurationField("surfaces.http.read_timeout", h.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("surfaces.http.write_timeout", h.WriteTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("surfaces.http.idle_timeout", h.IdleTimeout); err != nil {
		return err
	}
	if h.Enabled && strings.Contains(strings.TrimSpace(h.Addr), " ") {
		return fmt.Errorf("surfaces.http.addr: invalid address %q", h.Addr)
	}

	tg := cfg.Surfaces.Telegram
	if _, err := ParseDurationField("surfaces.telegram.poll_timeout", tg.PollTimeout); err != nil {
		return err
	}

	if cfg.Debug != nil {
		p := cfg.Debug.Pprof
		if addr := strings.TrimSpace(p.Addr); p.Enabled && addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("debug.pprof.addr: invalid address %q: %w", p.Addr, err)
			}
		}
		if p.MutexProfileFraction < 0 {
			return fmt.Errorf("debug.pprof.mutex_profile_fraction must be >= 0")
		}
		if p.BlockProfileRate < 0 {
			return fmt.Errorf("debug.pprof.block_profile_rate must be >= 0")
		}
	}

	return nil
}
