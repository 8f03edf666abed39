package outbox

import (
	"testing"
)

func TestNormalizeScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		spec string
	}{
		{name: "cron", raw: "*/5 * * * *", spec: "*/5 * * * *"},
		{name: "cron with seconds", raw: "30 */5 * * * *", spec: "30 */5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", spec: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", spec: "@hourly"},
		{name: "every descriptor", raw: "@every 90s", spec: "@every 90s"},
		{name: "duration", raw: "90s", spec: "@every 1m30s"},
		{name: "compound duration", raw: "2h30m", spec: "@every 2h30m0s"},
		{name: "hhmm", raw: "01:30", spec: "@every 1h30m0s"},
		{name: "prefixed interval", raw: "interval:45s", spec: "@every 45s"},
		{name: "prefixed every", raw: "every:10m", spec: "@every 10m0s"},
		{name: "padded", raw: "  90s  ", spec: "@every 1m30s"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := normalizeSchedule(tt.raw)
			if err != nil {
				t.Fatalf("normalizeSchedule(%q) error: %v", tt.raw, err)
			}
			if got != tt.spec {
				t.Fatalf("normalizeSchedule(%q) = %q, want %q", tt.raw, got, tt.spec)
			}
		})
	}
}

func TestNormalizeScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "not-a-schedule", "10:99", "0s", "-5m", "cron:", "interval:"} {
		if _, err := normalizeSchedule(raw); err == nil {
			t.Fatalf("normalizeSchedule(%q) expected error", raw)
		}
	}
}

func TestValidSchedule(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"*/5 * * * *", "@every 90s", "90s", "01:30", "cron:@daily"} {
		if err := ValidSchedule(raw); err != nil {
			t.Fatalf("ValidSchedule(%q) error: %v", raw, err)
		}
	}
	// Normalizes fine but fails cron parsing.
	for _, raw := range []string{"61 24 * * *", "bogus cron here", "cron:one two"} {
		if err := ValidSchedule(raw); err == nil {
			t.Fatalf("ValidSchedule(%q) expected error", raw)
		}
	}
}
