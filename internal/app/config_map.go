package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/delivery"
	"chatrelay/internal/observability/pprof"
	"chatrelay/internal/outbox"
	"chatrelay/internal/session"
	"chatrelay/internal/storage"
	"chatrelay/internal/surface/httpapi"
	"chatrelay/internal/surface/telegram"
	logx "chatrelay/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDeliveryOptions(cfg *config.Config) (delivery.Options, error) {
	ec := cfg.Endpoints
	attempt, err := config.ParseDurationOrDefault("endpoints.attempt_timeout", ec.AttemptTimeout, 6*time.Second)
	if err != nil {
		return delivery.Options{}, err
	}
	backoff, err := config.ParseDurationOrDefault("endpoints.retry_backoff", ec.RetryBackoff, 400*time.Millisecond)
	if err != nil {
		return delivery.Options{}, err
	}
	return delivery.Options{
		Endpoints:      append([]string(nil), ec.Candidates...),
		RetryBudget:    ec.RetryBudget,
		AttemptTimeout: attempt,
		RetryBackoff:   backoff,
		ClientMeta:     ec.ClientMeta,
	}, nil
}

func mapSessionOptions(cfg *config.Config) (session.Options, error) {
	ttl, err := config.ParseDurationOrDefault("session.ttl", cfg.Session.TTL, 0)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{TTL: ttl}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapOutboxConfig defaults the outbox to "on whenever storage is on"; an
// explicit enabled flag can only narrow that.
func mapOutboxConfig(cfg *config.Config, storageEnabled bool) outbox.Config {
	out := outbox.Config{Enabled: storageEnabled}
	oc := cfg.Outbox
	if oc == nil {
		return out
	}
	if oc.Enabled != nil {
		out.Enabled = *oc.Enabled && storageEnabled
	}
	out.FlushSchedule = oc.FlushSchedule
	out.RatePerSec = oc.RatePerSec
	out.Burst = oc.Burst
	return out
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.Surfaces.HTTP
	read, err := config.ParseDurationOrDefault("surfaces.http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("surfaces.http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("surfaces.http.idle_timeout", hc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}

	rate := hc.RatePerMinute
	switch {
	case rate == 0:
		rate = 60
	case rate < 0:
		rate = 0 // explicit opt-out
	}

	return httpapi.Config{
		Enabled:        hc.Enabled,
		Addr:           hc.Addr,
		AllowedOrigins: append([]string(nil), hc.AllowedOrigins...),
		RatePerMinute:  rate,
		ReadTimeout:    read,
		WriteTimeout:   write,
		IdleTimeout:    idle,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Surfaces.Telegram
	poll, err := config.ParseDurationOrDefault("surfaces.telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	token := tc.Token
	// Secrets stay out of the config file when the environment provides them.
	if env := strings.TrimSpace(os.Getenv("CHATRELAY_TELEGRAM_TOKEN")); env != "" {
		token = env
	}
	return telegram.Config{Enabled: tc.Enabled, Token: token, PollTimeout: poll}, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	if cfg.Debug == nil {
		return pprof.Config{}
	}
	p := cfg.Debug.Pprof
	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 p.Addr,
		Prefix:               p.Prefix,
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
	}
}
