package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Endpoints EndpointsConfig `json:"endpoints"`

	Session SessionConfig `json:"session,omitempty"`

	// Storage controls the optional persistence layer. If omitted (or driver
	// is "none"), the relay still works but offline messages are not durable
	// and the preferred endpoint resets on restart.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Outbox controls offline recovery (redelivery of the persisted backlog).
	// If omitted, the outbox defaults to enabled whenever storage is enabled.
	Outbox *OutboxConfig `json:"outbox,omitempty"`

	Surfaces SurfacesConfig `json:"surfaces"`

	// Debug gates diagnostics that must never run by default.
	Debug *DebugConfig `json:"debug,omitempty"`
}

type DebugConfig struct {
	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig controls the optional net/http/pprof side listener.
//
// Security note:
//   - Binding beyond loopback requires token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// EndpointsConfig is the delivery policy: the ordered fallback list plus
// retry/timeout knobs.
//
// All durations are Go duration strings (e.g. "500ms", "6s").
//
// Defaults (when fields are omitted/zero):
//   - retry_budget: 2 (clamped to 1..5)
//   - attempt_timeout: "6s"
//   - retry_backoff: "400ms"
type EndpointsConfig struct {
	// Candidates is the ordered fallback list. At least one URL is required.
	Candidates []string `json:"candidates"`

	// RetryBudget is the number of attempts per endpoint before advancing
	// to the next candidate.
	RetryBudget int `json:"retry_budget,omitempty"`

	AttemptTimeout string `json:"attempt_timeout,omitempty"`
	RetryBackoff   string `json:"retry_backoff,omitempty"`

	// ClientMeta is merged into every request body (client version, model
	// preferences, ...). Keys "message" and "conversation_id" are reserved.
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

type SessionConfig struct {
	// TTL expires a recovered session; "0s" (default) means never.
	TTL string `json:"ttl,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./chatrelay_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// OutboxConfig controls the offline-recovery worker.
//
// Enabled is a pointer so we can distinguish "omitted" (default to storage
// being enabled) from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - flush_schedule: "@every 90s"
//   - rate_per_sec: 1
//   - burst: 2
type OutboxConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// FlushSchedule accepts a cron spec ("*/2 * * * *"), "@every 90s",
	// "interval:30s" / "every:30s", a bare Go duration, or "HH:MM".
	FlushSchedule string `json:"flush_schedule,omitempty"`

	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`
}

type SurfacesConfig struct {
	Console  ConsoleSurfaceConfig  `json:"console"`
	HTTP     HTTPSurfaceConfig     `json:"http"`
	Telegram TelegramSurfaceConfig `json:"telegram"`
}

type ConsoleSurfaceConfig struct {
	Enabled bool `json:"enabled"`
}

// HTTPSurfaceConfig controls the browser-facing HTTP bridge.
//
// Security note:
//   - AllowedOrigins is an explicit allow-list; "*" allows any origin but
//     disables credentialed requests.
//   - RatePerMinute applies per remote IP.
type HTTPSurfaceConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: ":8714"

	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RatePerMinute  int      `json:"rate_per_minute,omitempty"` // default: 60; 0 keeps the default, negative disables

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TelegramSurfaceConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
