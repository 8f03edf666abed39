package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chatrelay/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Endpoints (delivery policy)
	if !reflect.DeepEqual(oldCfg.Endpoints.Candidates, newCfg.Endpoints.Candidates) ||
		oldCfg.Endpoints.RetryBudget != newCfg.Endpoints.RetryBudget ||
		strings.TrimSpace(oldCfg.Endpoints.AttemptTimeout) != strings.TrimSpace(newCfg.Endpoints.AttemptTimeout) ||
		strings.TrimSpace(oldCfg.Endpoints.RetryBackoff) != strings.TrimSpace(newCfg.Endpoints.RetryBackoff) ||
		!reflect.DeepEqual(oldCfg.Endpoints.ClientMeta, newCfg.Endpoints.ClientMeta) {
		changed = append(changed, "endpoints")
		attrs = append(attrs,
			logx.Int("endpoints.count", len(newCfg.Endpoints.Candidates)),
			logx.Int("endpoints.retry_budget", newCfg.Endpoints.RetryBudget),
			logx.String("endpoints.attempt_timeout", strings.TrimSpace(newCfg.Endpoints.AttemptTimeout)),
			logx.String("endpoints.retry_backoff", strings.TrimSpace(newCfg.Endpoints.RetryBackoff)),
			logx.Int("endpoints.client_meta_keys", len(newCfg.Endpoints.ClientMeta)),
		)
	}

	// Session
	if strings.TrimSpace(oldCfg.Session.TTL) != strings.TrimSpace(newCfg.Session.TTL) {
		changed = append(changed, "session")
		attrs = append(attrs, logx.String("session.ttl", strings.TrimSpace(newCfg.Session.TTL)))
	}

	// Storage (persistence). Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Outbox. Nil means defaults; compare a flattened view so the pointer
	// field doesn't hide flips of the enabled flag.
	oOB := viewOutbox(oldCfg.Outbox)
	nOB := viewOutbox(newCfg.Outbox)
	if oOB != nOB {
		changed = append(changed, "outbox")
		attrs = append(attrs,
			logx.Bool("outbox.enabled_set", nOB.enabledSet),
			logx.Bool("outbox.enabled", nOB.enabled),
			logx.String("outbox.flush_schedule", nOB.schedule),
			logx.Int("outbox.rate_per_sec", nOB.rate),
			logx.Int("outbox.burst", nOB.burst),
		)
	}

	// Surfaces (never log the telegram token)
	if oldCfg.Surfaces.Console != newCfg.Surfaces.Console {
		changed = append(changed, "surfaces.console")
		attrs = append(attrs, logx.Bool("console.enabled", newCfg.Surfaces.Console.Enabled))
	}
	oh, nh := oldCfg.Surfaces.HTTP, newCfg.Surfaces.HTTP
	if oh.Enabled != nh.Enabled ||
		strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		!reflect.DeepEqual(oh.AllowedOrigins, nh.AllowedOrigins) ||
		oh.RatePerMinute != nh.RatePerMinute ||
		strings.TrimSpace(oh.ReadTimeout) != strings.TrimSpace(nh.ReadTimeout) ||
		strings.TrimSpace(oh.WriteTimeout) != strings.TrimSpace(nh.WriteTimeout) ||
		strings.TrimSpace(oh.IdleTimeout) != strings.TrimSpace(nh.IdleTimeout) {
		changed = append(changed, "surfaces.http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Int("http.origin_count", len(nh.AllowedOrigins)),
			logx.Int("http.rate_per_minute", nh.RatePerMinute),
		)
	}
	ot, nt := oldCfg.Surfaces.Telegram, newCfg.Surfaces.Telegram
	if ot.Enabled != nt.Enabled ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		(strings.TrimSpace(ot.Token) != "") != (strings.TrimSpace(nt.Token) != "") {
		changed = append(changed, "surfaces.telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		)
	}

	// Debug diagnostics. Nil means disabled. The token participates in change
	// detection (a rotated token must reach the listener) but only set/unset
	// is logged.
	oD := viewPprof(oldCfg.Debug)
	nD := viewPprof(newCfg.Debug)
	if oD != nD {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nD.enabled),
			logx.String("pprof.addr", nD.addr),
			logx.Bool("pprof.token_set", nD.token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

type pprofView struct {
	enabled  bool
	addr     string
	prefix   string
	token    string
	insecure bool
	mutex    int
	block    int
}

func viewPprof(d *DebugConfig) pprofView {
	if d == nil {
		return pprofView{}
	}
	p := d.Pprof
	return pprofView{
		enabled:  p.Enabled,
		addr:     strings.TrimSpace(p.Addr),
		prefix:   strings.TrimSpace(p.Prefix),
		token:    strings.TrimSpace(p.Token),
		insecure: p.AllowInsecure,
		mutex:    p.MutexProfileFraction,
		block:    p.BlockProfileRate,
	}
}

type outboxView struct {
	enabledSet bool
	enabled    bool
	schedule   string
	rate       int
	burst      int
}

func viewOutbox(ob *OutboxConfig) outboxView {
	if ob == nil {
		return outboxView{}
	}
	v := outboxView{
		schedule: strings.TrimSpace(ob.FlushSchedule),
		rate:     ob.RatePerSec,
		burst:    ob.Burst,
	}
	if ob.Enabled != nil {
		v.enabledSet = true
		v.enabled = *ob.Enabled
	}
	return v
}
