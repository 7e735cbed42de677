package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/rendis/crewflow/internal/scheduler"
	"github.com/rendis/crewflow/pkg/schema"
)

// Config holds all crewflow configuration.
// Priority: flags > CREWFLOW_* env > .env > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	LogLevel        string `json:"log_level"`
	DBPath          string `json:"db_path"` // empty keeps the archive in memory
	CatalogPath     string `json:"catalog_path"`
	MaxWorkflows    int    `json:"max_workflows"`
	EventBuffer     int    `json:"event_buffer"`
	SubscriberQueue int    `json:"subscriber_queue"`

	Retry    RetryConfig       `json:"retry"`
	Provider ProviderConfig    `json:"provider"`
	Notify   NotifyConfig      `json:"notify"`
	Tracing  TracingConfig     `json:"tracing"`
	Schedule []scheduler.Entry `json:"schedules,omitempty"`
}

// RetryConfig is the default step policy. Durations use time.ParseDuration syntax.
type RetryConfig struct {
	Max         int    `json:"max"`
	Backoff     string `json:"backoff"`
	Delay       string `json:"delay"`
	MaxDelay    string `json:"max_delay"`
	StepTimeout string `json:"step_timeout"`
	CancelGrace string `json:"cancel_grace"`
}

// ProviderConfig selects the completion backend of the LLM agents.
// An empty Name picks the first backend with a key, falling back to static.
type ProviderConfig struct {
	Name         string `json:"name"`
	Model        string `json:"model"`
	AnthropicKey string `json:"anthropic_api_key,omitempty"`
	OpenAIKey    string `json:"openai_api_key,omitempty"`
	GeminiKey    string `json:"gemini_api_key,omitempty"`
	StaticDelay  string `json:"static_delay,omitempty"`
}

// NotifyConfig enables terminal-workflow announcements.
type NotifyConfig struct {
	TelegramToken  string   `json:"telegram_token,omitempty"`
	TelegramChatID int64    `json:"telegram_chat_id,omitempty"`
	DiscordToken   string   `json:"discord_token,omitempty"`
	DiscordChannel string   `json:"discord_channel,omitempty"`
	On             []string `json:"on,omitempty"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter   string  `json:"exporter"`
	SampleRate float64 `json:"sample_rate"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":4200",
		LogLevel:        "info",
		MaxWorkflows:    10,
		EventBuffer:     256,
		SubscriberQueue: 64,
		Retry: RetryConfig{
			Max:     3,
			Backoff: schema.BackoffFixed,
			Delay:   "1s",
		},
		Tracing: TracingConfig{Exporter: "none"},
	}
}

func crewflowDir() string {
	if dir := os.Getenv("CREWFLOW_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewflow"
	}
	return filepath.Join(home, ".crewflow")
}

func settingsPath() string {
	return filepath.Join(crewflowDir(), "settings.json")
}

// loadOptions locate the file layers.
type loadOptions struct {
	SettingsPath string // empty uses ~/.crewflow/settings.json
	EnvFile      string // empty uses .env in the working directory
	Flags        *pflag.FlagSet
}

// loadConfig layers the configuration sources and validates the result.
func loadConfig(opts loadOptions) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	path := opts.SettingsPath
	if path == "" {
		path = settingsPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if opts.SettingsPath != "" {
		return cfg, fmt.Errorf("read settings: %w", err)
	}

	// Layer 3: .env never overrides variables already set in the environment.
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && opts.EnvFile != "" {
		return cfg, fmt.Errorf("load %s: %w", envFile, err)
	}

	// Layer 4: environment variables.
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	// Layer 5: flags set on the command line.
	if opts.Flags != nil {
		if err := applyFlags(&cfg, opts.Flags); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.Validate()
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func setString(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func setInt(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

var envVars = []envVar{
	{"CREWFLOW_LISTEN_ADDR", setString(func(c *Config) *string { return &c.ListenAddr })},
	{"CREWFLOW_LOG_LEVEL", setString(func(c *Config) *string { return &c.LogLevel })},
	{"CREWFLOW_DB_PATH", setString(func(c *Config) *string { return &c.DBPath })},
	{"CREWFLOW_CATALOG", setString(func(c *Config) *string { return &c.CatalogPath })},
	{"CREWFLOW_MAX_WORKFLOWS", setInt(func(c *Config) *int { return &c.MaxWorkflows })},
	{"CREWFLOW_EVENT_BUFFER", setInt(func(c *Config) *int { return &c.EventBuffer })},
	{"CREWFLOW_SUBSCRIBER_QUEUE", setInt(func(c *Config) *int { return &c.SubscriberQueue })},
	{"CREWFLOW_RETRY_MAX", setInt(func(c *Config) *int { return &c.Retry.Max })},
	{"CREWFLOW_RETRY_BACKOFF", setString(func(c *Config) *string { return &c.Retry.Backoff })},
	{"CREWFLOW_RETRY_DELAY", setString(func(c *Config) *string { return &c.Retry.Delay })},
	{"CREWFLOW_RETRY_MAX_DELAY", setString(func(c *Config) *string { return &c.Retry.MaxDelay })},
	{"CREWFLOW_STEP_TIMEOUT", setString(func(c *Config) *string { return &c.Retry.StepTimeout })},
	{"CREWFLOW_CANCEL_GRACE", setString(func(c *Config) *string { return &c.Retry.CancelGrace })},
	{"CREWFLOW_PROVIDER", setString(func(c *Config) *string { return &c.Provider.Name })},
	{"CREWFLOW_MODEL", setString(func(c *Config) *string { return &c.Provider.Model })},
	{"ANTHROPIC_API_KEY", setString(func(c *Config) *string { return &c.Provider.AnthropicKey })},
	{"OPENAI_API_KEY", setString(func(c *Config) *string { return &c.Provider.OpenAIKey })},
	{"GOOGLE_API_KEY", setString(func(c *Config) *string { return &c.Provider.GeminiKey })},
	{"GEMINI_API_KEY", setString(func(c *Config) *string { return &c.Provider.GeminiKey })},
	{"CREWFLOW_STATIC_DELAY", setString(func(c *Config) *string { return &c.Provider.StaticDelay })},
	{"CREWFLOW_TELEGRAM_TOKEN", setString(func(c *Config) *string { return &c.Notify.TelegramToken })},
	{"CREWFLOW_TELEGRAM_CHAT_ID", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		c.Notify.TelegramChatID = n
		return err
	}},
	{"CREWFLOW_DISCORD_TOKEN", setString(func(c *Config) *string { return &c.Notify.DiscordToken })},
	{"CREWFLOW_DISCORD_CHANNEL", setString(func(c *Config) *string { return &c.Notify.DiscordChannel })},
	{"CREWFLOW_NOTIFY_ON", func(c *Config, v string) error {
		c.Notify.On = strings.Split(v, ",")
		return nil
	}},
	{"CREWFLOW_TRACING", setString(func(c *Config) *string { return &c.Tracing.Exporter })},
	{"CREWFLOW_TRACE_SAMPLE_RATE", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		c.Tracing.SampleRate = f
		return err
	}},
}

func applyEnv(cfg *Config) error {
	for _, ev := range envVars {
		v, ok := os.LookupEnv(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", ev.name, err)
		}
	}
	return nil
}

// applyFlags copies the persistent flags the user actually set.
func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var errs []error
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if fs.Changed(name) {
			v, err := fs.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	str("listen", &cfg.ListenAddr)
	str("log-level", &cfg.LogLevel)
	str("db", &cfg.DBPath)
	str("catalog", &cfg.CatalogPath)
	str("provider", &cfg.Provider.Name)
	str("model", &cfg.Provider.Model)
	str("tracing", &cfg.Tracing.Exporter)
	num("max-workflows", &cfg.MaxWorkflows)
	return errors.Join(errs...)
}

// Validate checks the configuration for values the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel))
	}
	if c.MaxWorkflows <= 0 {
		errs = append(errs, errors.New("max_workflows must be positive"))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, errors.New("event_buffer must be positive"))
	}
	if c.SubscriberQueue <= 0 {
		errs = append(errs, errors.New("subscriber_queue must be positive"))
	}

	if c.Retry.Max < 0 {
		errs = append(errs, errors.New("retry.max must not be negative"))
	}
	switch c.Retry.Backoff {
	case "", schema.BackoffFixed, schema.BackoffLinear, schema.BackoffExponential:
	default:
		errs = append(errs, fmt.Errorf("retry.backoff %q: want fixed, linear or exponential", c.Retry.Backoff))
	}
	for name, v := range map[string]string{
		"retry.delay":           c.Retry.Delay,
		"retry.max_delay":       c.Retry.MaxDelay,
		"retry.step_timeout":    c.Retry.StepTimeout,
		"retry.cancel_grace":    c.Retry.CancelGrace,
		"provider.static_delay": c.Provider.StaticDelay,
	} {
		if _, err := parseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	switch c.Provider.Name {
	case "", "static":
	case "anthropic":
		if c.Provider.AnthropicKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider"))
		}
	case "openai":
		if c.Provider.OpenAIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case "gemini":
		if c.Provider.GeminiKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider %q: want anthropic, openai, gemini or static", c.Provider.Name))
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q: want none or stdout", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.sample_rate must be within [0, 1]"))
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == 0) {
		errs = append(errs, errors.New("telegram notifications need both a token and a chat id"))
	}
	if (c.Notify.DiscordToken == "") != (c.Notify.DiscordChannel == "") {
		errs = append(errs, errors.New("discord notifications need both a token and a channel"))
	}
	for _, s := range c.Notify.On {
		if !schema.WorkflowStatus(strings.TrimSpace(s)).Terminal() {
			errs = append(errs, fmt.Errorf("notify.on %q is not a terminal status", s))
		}
	}
	return errors.Join(errs...)
}

// providerName resolves the effective backend.
func (c Config) providerName() string {
	if c.Provider.Name != "" {
		return c.Provider.Name
	}
	switch {
	case c.Provider.AnthropicKey != "":
		return "anthropic"
	case c.Provider.OpenAIKey != "":
		return "openai"
	case c.Provider.GeminiKey != "":
		return "gemini"
	default:
		return "static"
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// mustDuration is parseDuration for values Validate already accepted.
func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// diffConfigs lists the JSON paths whose values differ. Secrets are
// reported by name only.
func diffConfigs(old, new Config) []string {
	var changed []string
	diffValue("", reflect.ValueOf(old), reflect.ValueOf(new), &changed)
	return changed
}

func diffValue(prefix string, a, b reflect.Value, out *[]string) {
	if a.Kind() != reflect.Struct {
		if !reflect.DeepEqual(a.Interface(), b.Interface()) {
			*out = append(*out, prefix)
		}
		return
	}
	t := a.Type()
	for i := 0; i < t.NumField(); i++ {
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if prefix != "" {
			name = prefix + "." + name
		}
		diffValue(name, a.Field(i), b.Field(i), out)
	}
}

// restartRequired reports which of the changed paths only apply on restart.
// Everything except log_level does.
func restartRequired(changed []string) []string {
	var out []string
	for _, p := range changed {
		if p != "log_level" {
			out = append(out, p)
		}
	}
	return out
}
