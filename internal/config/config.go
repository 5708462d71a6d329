// Package config handles Vigil configuration loading.
//
// Configuration comes from a YAML file (with ${VAR} expansion) and an
// environment overlay for secrets and deploy-time overrides. A .env file
// next to the config file is loaded into the environment first; values
// already present in the process environment win.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/vigil/internal/sensor"
)

// Defaults applied when the config file leaves a value unset.
const (
	DefaultHistoryCapacity = 50
	DefaultLogbookCapacity = 100
	DefaultDebugSlots      = 5
	DefaultIntervalMinutes = 15
	DefaultMaxOutputTokens = 1024
	DefaultPort            = 8080
)

// DefaultKeywords is the alert keyword set. Responses are uppercased
// before matching, so entries must be uppercase.
var DefaultKeywords = []string{
	"WARNUNG",
	"VORSICHT",
	"PROBLEM",
	"STÖRUNG",
	"INAKTIVITÄT",
	"ABWEICHUNG",
	"NOTFALL",
	"STURZ",
}

// Logbook store backends.
const (
	LogbookStoreSQLite = "sqlite"
	LogbookStoreBlob   = "blob"
)

// State surface backends.
const (
	StateBackendSQLite = "sqlite"
	StateBackendRedis  = "redis"
)

// DefaultSearchPaths returns the config file search order:
// ./vigil.yaml, ~/.config/vigil/vigil.yaml, /etc/vigil/vigil.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"vigil.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vigil", "vigil.yaml"))
	}

	paths = append(paths, "/etc/vigil/vigil.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Vigil configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
	DataDir   string `yaml:"data_dir"`

	// Timezone is an IANA zone name used for debug slot formatting and
	// the time stamp in the analysis prompt. Empty means the host zone.
	Timezone string `yaml:"timezone"`

	Listen        ListenConfig          `yaml:"listen"`
	Devices       []sensor.DeviceConfig `yaml:"devices"`
	History       HistoryConfig         `yaml:"history"`
	Analysis      AnalysisConfig        `yaml:"analysis"`
	LLM           LLMConfig             `yaml:"llm"`
	HomeAssistant HomeAssistantConfig   `yaml:"homeassistant"`
	MQTT          MQTTConfig            `yaml:"mqtt"`
	Notify        NotifyConfig          `yaml:"notify"`
	State         StateConfig           `yaml:"state"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`

	// IngestRate limits POST /api/events per second. Zero disables
	// limiting.
	IngestRate  float64 `yaml:"ingest_rate"`
	IngestBurst int     `yaml:"ingest_burst"`
}

// HistoryConfig sizes the sensor event history.
type HistoryConfig struct {
	Capacity   int `yaml:"capacity"`
	DebugSlots int `yaml:"debug_slots"`
}

// AnalysisConfig controls the analysis scheduler and engine.
type AnalysisConfig struct {
	// IntervalMinutes is the scheduler period. Zero or negative disables
	// timer-driven analysis; manual triggers still work.
	IntervalMinutes int `yaml:"interval_minutes"`

	MaxOutputTokens int      `yaml:"max_output_tokens"`
	Persona         string   `yaml:"persona"`
	Keywords        []string `yaml:"keywords"`
	LogbookCapacity int      `yaml:"logbook_capacity"`
	LogbookStore    string   `yaml:"logbook_store"` // sqlite (default) or blob
	DebugSlots      int      `yaml:"debug_slots"`
}

// Interval returns the scheduler period as a duration.
func (a AnalysisConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMinutes) * time.Minute
}

// LLMConfig selects the text-completion provider. An empty provider
// leaves the engine unconfigured. Fallback providers are tried in
// order when the primary fails.
type LLMConfig struct {
	ProviderConfig `yaml:",inline"`
	Fallback       []ProviderConfig `yaml:"fallback"`
	TimeoutSeconds int              `yaml:"timeout_seconds"`
}

// ProviderConfig is one completion provider.
type ProviderConfig struct {
	Provider string `yaml:"provider"` // anthropic, ollama, gemini
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// Configured reports whether enough is set to build a client.
func (p ProviderConfig) Configured() bool {
	switch p.Provider {
	case "":
		return false
	case "ollama":
		return p.BaseURL != ""
	default:
		return p.APIKey != ""
	}
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// Entities adds glob patterns to the state filter beyond the
	// configured device ids.
	Entities []string `yaml:"entities"`

	// RateLimitPerMinute caps state changes per entity. Zero means
	// unlimited.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Configured reports whether HA is enabled.
func (h HomeAssistantConfig) Configured() bool {
	return h.URL != "" && h.Token != ""
}

// MQTTConfig defines the MQTT broker connection and Home Assistant
// discovery settings.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. mqtt://host:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"` // default homeassistant
	DeviceName      string `yaml:"device_name"`      // default vigil
}

// Configured reports whether MQTT is enabled.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// NotifyConfig holds alert notification channels.
type NotifyConfig struct {
	Email         EmailNotifyConfig `yaml:"email"`
	HomeAssistant HANotifyConfig    `yaml:"homeassistant"`
}

// EmailNotifyConfig configures alert email delivery.
type EmailNotifyConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	// TLS selects implicit TLS (port 465 style). Otherwise STARTTLS is
	// used when the server offers it.
	TLS bool `yaml:"tls"`
}

// Configured reports whether email alerts are enabled.
func (e EmailNotifyConfig) Configured() bool {
	return e.Host != "" && e.From != "" && len(e.To) > 0
}

// HANotifyConfig names a Home Assistant notify service, e.g.
// "mobile_app_phone" for notify.mobile_app_phone.
type HANotifyConfig struct {
	Service string `yaml:"service"`
}

// StateConfig selects the persisted state surface backend.
type StateConfig struct {
	Backend string      `yaml:"backend"` // sqlite (default) or redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the optional Redis backend connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// envOverlay lists the environment variables that override file values.
type envOverlay struct {
	LogLevel     string `env:"VIGIL_LOG_LEVEL"`
	DataDir      string `env:"VIGIL_DATA_DIR"`
	LLMAPIKey    string `env:"VIGIL_LLM_API_KEY"`
	HAToken      string `env:"VIGIL_HA_TOKEN"`
	MQTTPassword string `env:"VIGIL_MQTT_PASSWORD"`
	SMTPPassword string `env:"VIGIL_SMTP_PASSWORD"`
	RedisAddr    string `env:"VIGIL_REDIS_ADDR"`
}

// Load reads configuration from a YAML file, applies the environment
// overlay and fills defaults. It does not validate; call Validate.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	// Unmarshal over the defaults so that explicit zero values (such as
	// interval_minutes: 0) survive.
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// devices or integrations enabled.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: DefaultPort, IngestRate: 10, IngestBurst: 20},
		Analysis: AnalysisConfig{
			IntervalMinutes: DefaultIntervalMinutes,
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() error {
	var o envOverlay
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.LogLevel, o.LogLevel)
	set(&c.DataDir, o.DataDir)
	set(&c.LLM.APIKey, o.LLMAPIKey)
	set(&c.HomeAssistant.Token, o.HAToken)
	set(&c.MQTT.Password, o.MQTTPassword)
	set(&c.Notify.Email.Password, o.SMTPPassword)
	set(&c.State.Redis.Addr, o.RedisAddr)
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.History.Capacity <= 0 {
		c.History.Capacity = DefaultHistoryCapacity
	}
	if c.History.DebugSlots <= 0 {
		c.History.DebugSlots = DefaultDebugSlots
	}
	if c.Analysis.MaxOutputTokens <= 0 {
		c.Analysis.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if len(c.Analysis.Keywords) == 0 {
		c.Analysis.Keywords = append([]string(nil), DefaultKeywords...)
	}
	if c.Analysis.LogbookCapacity <= 0 {
		c.Analysis.LogbookCapacity = DefaultLogbookCapacity
	}
	if c.Analysis.LogbookStore == "" {
		c.Analysis.LogbookStore = LogbookStoreSQLite
	}
	if c.Analysis.DebugSlots <= 0 {
		c.Analysis.DebugSlots = DefaultDebugSlots
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "vigil"
	}
	if c.Notify.Email.Port == 0 {
		c.Notify.Email.Port = 587
	}
	if c.State.Backend == "" {
		c.State.Backend = StateBackendSQLite
	}
	if c.State.Redis.Prefix == "" {
		c.State.Redis.Prefix = "vigil"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
}

// Validate checks the configuration for values that would fail at
// runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: must be text or json", c.LogFormat))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: id is required", i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID))
		}
		seen[d.ID] = true
		switch d.ValueType {
		case "", sensor.TypeAuto, sensor.TypeBool, sensor.TypeNumber, sensor.TypeString:
		default:
			errs = append(errs, fmt.Errorf("devices[%d]: value_type %q: must be auto, bool, number or string", i, d.ValueType))
		}
	}

	for i, k := range c.Analysis.Keywords {
		if k != strings.ToUpper(k) {
			errs = append(errs, fmt.Errorf("analysis.keywords[%d]: %q must be uppercase", i, k))
		}
	}
	switch c.Analysis.LogbookStore {
	case LogbookStoreSQLite, LogbookStoreBlob:
	default:
		errs = append(errs, fmt.Errorf("analysis.logbook_store %q: must be sqlite or blob", c.Analysis.LogbookStore))
	}

	if err := validProvider("llm.provider", c.LLM.Provider); err != nil {
		errs = append(errs, err)
	}
	for i, fb := range c.LLM.Fallback {
		if fb.Provider == "" {
			errs = append(errs, fmt.Errorf("llm.fallback[%d]: provider is required", i))
			continue
		}
		if err := validProvider(fmt.Sprintf("llm.fallback[%d].provider", i), fb.Provider); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.State.Backend {
	case StateBackendSQLite:
	case StateBackendRedis:
		if c.State.Redis.Addr == "" {
			errs = append(errs, errors.New("state.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.backend %q: must be sqlite or redis", c.State.Backend))
	}

	if c.Notify.HomeAssistant.Service != "" && !c.HomeAssistant.Configured() {
		errs = append(errs, errors.New("notify.homeassistant requires homeassistant.url and token"))
	}

	return errors.Join(errs...)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func validProvider(field, p string) error {
	switch p {
	case "", "anthropic", "ollama", "gemini":
		return nil
	}
	return fmt.Errorf("%s %q: must be anthropic, ollama or gemini", field, p)
}

// Location resolves Timezone. Empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
