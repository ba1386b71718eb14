package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/capitalize-ai/meeting-scheduler/internal/slots"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PUBLIC_URL", "https://sched.example.com/")
	cfg := Load()

	if cfg.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d, want 5", cfg.MaxIterations)
	}
	if cfg.DeferredTTL != 10*time.Minute {
		t.Errorf("DeferredTTL = %v, want 10m", cfg.DeferredTTL)
	}
	if cfg.StoreBackend != StoreMemory {
		t.Errorf("StoreBackend = %q, want memory", cfg.StoreBackend)
	}
	if got := cfg.OAuthRedirectURL(); got != "https://sched.example.com/oauth/google/callback" {
		t.Errorf("OAuthRedirectURL() = %q", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "SQL")
	t.Setenv("MAX_TOOL_ITERATIONS", "3")
	t.Setenv("ACTION_TTL", "30m")
	t.Setenv("AUDIT_ENABLED", "true")
	t.Setenv("GOOGLE_REDIRECT_URL", "https://other/cb")
	cfg := Load()

	if cfg.StoreBackend != StoreSQL || cfg.MaxIterations != 3 || cfg.ActionTTL != 30*time.Minute || !cfg.AuditEnabled {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.OAuthRedirectURL() != "https://other/cb" {
		t.Errorf("OAuthRedirectURL() = %q", cfg.OAuthRedirectURL())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown backend", func(c *Config) { c.StoreBackend = "redis" }, true},
		{"zero iterations", func(c *Config) { c.MaxIterations = 0 }, true},
		{"missing anthropic key", func(c *Config) { c.AnthropicAPIKey = "" }, true},
		{"openai", func(c *Config) { c.DefaultLLM = "openai"; c.OpenAIAPIKey = "k" }, false},
		{"unknown llm", func(c *Config) { c.DefaultLLM = "llama" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{StoreBackend: StoreMemory, MaxIterations: 5, DefaultLLM: "anthropic", AnthropicAPIKey: "k"}
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseCalendar(t *testing.T) {
	cal, err := ParseCalendar([]byte(`
day_start: "10:00"
day_end: "19:00"
step: 15m
holidays: ["2025-01-01", "2025-01-13"]
`))
	if err != nil {
		t.Fatalf("ParseCalendar() error = %v", err)
	}
	if cal.DayStart != (slots.ClockTime{Hour: 10}) || cal.DayEnd != (slots.ClockTime{Hour: 19}) {
		t.Errorf("hours = %s-%s", cal.DayStart, cal.DayEnd)
	}
	if cal.LunchStart != (slots.ClockTime{Hour: 12}) {
		t.Errorf("LunchStart = %s, want default 12:00", cal.LunchStart)
	}
	if cal.Step != 15*time.Minute {
		t.Errorf("Step = %v", cal.Step)
	}
	if !cal.Holidays["2025-01-13"] {
		t.Error("holiday 2025-01-13 missing")
	}
	if cal.Location != slots.JST {
		t.Errorf("Location = %v, want JST", cal.Location)
	}
}

func TestParseCalendarErrors(t *testing.T) {
	for _, doc := range []string{
		`day_start: "25:00"`,
		`step: soon`,
		`holidays: ["01/01/2025"]`,
		`day_start: "18:00"
day_end: "09:00"`,
		`timezone: Mars/Olympus`,
	} {
		if _, err := ParseCalendar([]byte(doc)); err == nil {
			t.Errorf("ParseCalendar(%q) error = nil, want error", doc)
		}
	}
}

func TestLoadCalendarFile(t *testing.T) {
	cal, err := LoadCalendar("")
	if err != nil || cal.DayEnd != (slots.ClockTime{Hour: 18}) {
		t.Fatalf("LoadCalendar(\"\") = %+v, %v", cal, err)
	}

	path := filepath.Join(t.TempDir(), "calendar.yaml")
	if err := os.WriteFile(path, []byte("lunch_start: \"11:30\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cal, err = LoadCalendar(path)
	if err != nil {
		t.Fatalf("LoadCalendar() error = %v", err)
	}
	if cal.LunchStart != (slots.ClockTime{Hour: 11, Minute: 30}) {
		t.Errorf("LunchStart = %s", cal.LunchStart)
	}

	if _, err := LoadCalendar(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadCalendar(missing) error = nil")
	}
}
