package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/vigil/internal/sensor"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/vigil.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "vigil.yaml"), []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "vigil.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "vigil.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "devices:\n  - id: binary_sensor.hall\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.History.Capacity != 50 {
		t.Errorf("history.capacity = %d, want 50", cfg.History.Capacity)
	}
	if cfg.Analysis.LogbookCapacity != 100 {
		t.Errorf("analysis.logbook_capacity = %d, want 100", cfg.Analysis.LogbookCapacity)
	}
	if cfg.Analysis.Interval() != 15*time.Minute {
		t.Errorf("interval = %v, want 15m", cfg.Analysis.Interval())
	}
	if cfg.History.DebugSlots != 5 || cfg.Analysis.DebugSlots != 5 {
		t.Errorf("debug slots = %d/%d, want 5/5", cfg.History.DebugSlots, cfg.Analysis.DebugSlots)
	}
	if len(cfg.Analysis.Keywords) != len(DefaultKeywords) {
		t.Errorf("keywords = %v, want defaults", cfg.Analysis.Keywords)
	}
	if cfg.Analysis.LogbookStore != LogbookStoreSQLite || cfg.State.Backend != StateBackendSQLite {
		t.Errorf("stores = %q/%q, want sqlite/sqlite", cfg.Analysis.LogbookStore, cfg.State.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoad_ExplicitZeroIntervalDisables(t *testing.T) {
	cfg, err := Load(writeConfig(t, "analysis:\n  interval_minutes: 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Analysis.Interval() != 0 {
		t.Errorf("interval = %v, want 0", cfg.Analysis.Interval())
	}
}

func TestLoad_KeywordsReplaceDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "analysis:\n  keywords: [ALARM]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Analysis.Keywords) != 1 || cfg.Analysis.Keywords[0] != "ALARM" {
		t.Errorf("keywords = %v, want [ALARM]", cfg.Analysis.Keywords)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("VIGIL_TEST_URL", "http://ha.local:8123")

	cfg, err := Load(writeConfig(t, "homeassistant:\n  url: ${VIGIL_TEST_URL}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HomeAssistant.URL != "http://ha.local:8123" {
		t.Errorf("url = %q", cfg.HomeAssistant.URL)
	}
}

func TestLoad_EnvOverlayWins(t *testing.T) {
	t.Setenv("VIGIL_LLM_API_KEY", "from-env")
	t.Setenv("VIGIL_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "log_level: info\nllm:\n  provider: gemini\n  api_key: from-file\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Errorf("llm.api_key = %q, want from-env", cfg.LLM.APIKey)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_DotEnvBesideConfig(t *testing.T) {
	path := writeConfig(t, "homeassistant:\n  url: http://ha\n")
	os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("VIGIL_HA_TOKEN=dotenv-token\n"), 0600)
	t.Setenv("VIGIL_HA_TOKEN", "")
	os.Unsetenv("VIGIL_HA_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HomeAssistant.Token != "dotenv-token" {
		t.Errorf("token = %q, want dotenv-token", cfg.HomeAssistant.Token)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "devices: [\n")); err == nil {
		t.Fatal("Load should fail on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"empty device id", func(c *Config) { c.Devices = append(c.Devices, c.Devices[0]); c.Devices[1].ID = "" }, "id is required"},
		{"duplicate device", func(c *Config) { c.Devices = append(c.Devices, c.Devices[0]) }, "duplicate id"},
		{"bad value type", func(c *Config) { c.Devices[0].ValueType = "blob" }, "value_type"},
		{"lowercase keyword", func(c *Config) { c.Analysis.Keywords = []string{"warnung"} }, "uppercase"},
		{"bad logbook store", func(c *Config) { c.Analysis.LogbookStore = "csv" }, "logbook_store"},
		{"bad provider", func(c *Config) { c.LLM.Provider = "openai" }, "llm.provider"},
		{"bad fallback", func(c *Config) { c.LLM.Fallback = []ProviderConfig{{Provider: "openai"}} }, "llm.fallback[0]"},
		{"redis without addr", func(c *Config) { c.State.Backend = StateBackendRedis }, "state.redis.addr"},
		{"ha notify without ha", func(c *Config) { c.Notify.HomeAssistant.Service = "mobile_app" }, "notify.homeassistant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Devices = []sensor.DeviceConfig{{ID: "binary_sensor.hall"}}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProviderConfigured(t *testing.T) {
	tests := []struct {
		cfg  ProviderConfig
		want bool
	}{
		{ProviderConfig{}, false},
		{ProviderConfig{Provider: "gemini"}, false},
		{ProviderConfig{Provider: "gemini", APIKey: "k"}, true},
		{ProviderConfig{Provider: "ollama"}, false},
		{ProviderConfig{Provider: "ollama", BaseURL: "http://localhost:11434"}, true},
	}
	for _, tt := range tests {
		if got := tt.cfg.Configured(); got != tt.want {
			t.Errorf("%+v.Configured() = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}

func TestLoad_LLMFallback(t *testing.T) {
	cfg, err := Load(writeConfig(t, `llm:
  provider: gemini
  model: gemini-2.0-flash
  api_key: g-key
  fallback:
    - provider: ollama
      model: llama3.2
      base_url: http://localhost:11434
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Provider != "gemini" || cfg.LLM.Model != "gemini-2.0-flash" {
		t.Errorf("primary = %+v", cfg.LLM.ProviderConfig)
	}
	if len(cfg.LLM.Fallback) != 1 || cfg.LLM.Fallback[0].Provider != "ollama" {
		t.Errorf("fallback = %+v", cfg.LLM.Fallback)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in, want string
	}{
		{"~", home},
		{"~/vigil/db", filepath.Join(home, "vigil", "db")},
		{"./db", "./db"},
		{"/var/lib/vigil", "/var/lib/vigil"},
		{"~other/db", "~other/db"},
	}
	for _, tt := range tests {
		if got := expandHome(tt.in); got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
