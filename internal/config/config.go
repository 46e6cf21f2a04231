package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"RelayChat/internal/backend"
	"RelayChat/internal/relay"
	"RelayChat/internal/session"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrConfig marks configuration that must stop the process before it serves traffic.
var ErrConfig = errors.New("config error")

const DefaultSystemPrompt = `You are a helpful personal AI assistant.

Rules:
- Always reply in the same language as the user.
- Be concise, confident, smart and friendly.`

// Config holds application configuration
type Config struct {
	BotToken string
	APIKey   string

	Provider string
	BaseURL  string
	Relay    relay.Config

	SessionBackend string
	SessionDBPath  string
	DatabaseURL    string

	BindAddr        string
	WebhookPath     string
	WebhookURL      string
	WebhookSecret   string
	ShutdownTimeout time.Duration
	WebSessionTTL   time.Duration

	RateLimitPerSec float64
	RateLimitBurst  int

	LogDir           string
	LogLevel         string
	LogFormat        string
	LogStderr        bool
	TelemetryEnabled bool
	MetricsNamespace string

	Debug bool
}

// env names per key; the first one is canonical, the rest are accepted aliases.
var envBindings = map[string][]string{
	"bot_token":            {"BOT_TOKEN", "TELEGRAM_BOT_TOKEN"},
	"api_key":              {"GROQ_API_KEY", "LLM_API_KEY"},
	"llm.provider":         {"LLM_PROVIDER"},
	"llm.base_url":         {"LLM_BASE_URL"},
	"llm.model":            {"LLM_MODEL"},
	"llm.timeout":          {"LLM_TIMEOUT"},
	"llm.temperature":      {"LLM_TEMPERATURE"},
	"llm.max_tokens":       {"LLM_MAX_TOKENS"},
	"llm.system_prompt":    {"SYSTEM_PROMPT"},
	"llm.fallback_text":    {"FALLBACK_TEXT"},
	"session.max_turns":    {"MAX_TURNS"},
	"session.backend":      {"SESSION_BACKEND"},
	"session.db_path":      {"SESSION_DB_PATH"},
	"session.database_url": {"DATABASE_URL"},
	"server.bind":          {"APP_BIND_ADDR"},
	"server.shutdown":      {"APP_SHUTDOWN_TIMEOUT"},
	"server.web_ttl":       {"WEB_SESSION_TTL"},
	"webhook.path":         {"WEBHOOK_PATH"},
	"webhook.url":          {"WEBHOOK_URL"},
	"webhook.secret":       {"WEBHOOK_SECRET"},
	"rate_limit.per_sec":   {"RATE_LIMIT_PER_SEC"},
	"rate_limit.burst":     {"RATE_LIMIT_BURST"},
	"logging.dir":          {"LOG_DIR"},
	"logging.level":        {"LOG_LEVEL"},
	"logging.format":       {"LOG_FORMAT"},
	"logging.stderr":       {"LOG_STDERR"},
	"telemetry.enabled":    {"TELEMETRY_ENABLED"},
	"metrics.namespace":    {"METRICS_NAMESPACE"},
	"debug":                {"DEBUG"},
}

// NewViper returns a viper instance with defaults and environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("llm.provider", backend.KindGroq)
	v.SetDefault("llm.model", relay.DefaultModel)
	v.SetDefault("llm.timeout", relay.DefaultTimeout)
	v.SetDefault("llm.temperature", relay.DefaultTemperature)
	v.SetDefault("llm.max_tokens", relay.DefaultMaxTokens)
	v.SetDefault("llm.system_prompt", DefaultSystemPrompt)
	v.SetDefault("llm.fallback_text", relay.DefaultFallbackText)
	v.SetDefault("session.max_turns", session.DefaultMaxTurns)
	v.SetDefault("session.backend", session.BackendMemory)
	v.SetDefault("session.db_path", "relaychat.db")
	v.SetDefault("server.bind", ":8080")
	v.SetDefault("server.shutdown", 15*time.Second)
	v.SetDefault("server.web_ttl", 30*time.Minute)
	v.SetDefault("webhook.path", "/webhook")
	v.SetDefault("rate_limit.per_sec", 1.0)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("logging.dir", "logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("metrics.namespace", "relaychat")

	for key, names := range envBindings {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if fileExists(f) {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("%w: load %s: %v", ErrConfig, strings.Join(existing, ","), err)
	}
	return nil
}

// ReadFile merges a config file (yaml, toml or json) into v.
func ReadFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	return nil
}

// Load builds and validates the configuration for the Telegram-facing
// commands. Missing credentials are fatal.
func Load(v *viper.Viper) (Config, error) {
	return load(v, true)
}

// LoadLocal is Load without the bot token requirement, for the terminal chat.
func LoadLocal(v *viper.Viper) (Config, error) {
	return load(v, false)
}

func load(v *viper.Viper, requireBot bool) (Config, error) {
	cfg := Config{
		BotToken:         strings.TrimSpace(v.GetString("bot_token")),
		APIKey:           strings.TrimSpace(v.GetString("api_key")),
		Provider:         strings.ToLower(strings.TrimSpace(v.GetString("llm.provider"))),
		BaseURL:          strings.TrimSpace(v.GetString("llm.base_url")),
		SessionBackend:   strings.ToLower(strings.TrimSpace(v.GetString("session.backend"))),
		SessionDBPath:    strings.TrimSpace(v.GetString("session.db_path")),
		DatabaseURL:      strings.TrimSpace(v.GetString("session.database_url")),
		BindAddr:         strings.TrimSpace(v.GetString("server.bind")),
		WebhookPath:      strings.TrimSpace(v.GetString("webhook.path")),
		WebhookURL:       strings.TrimSpace(v.GetString("webhook.url")),
		WebhookSecret:    strings.TrimSpace(v.GetString("webhook.secret")),
		LogDir:           strings.TrimSpace(v.GetString("logging.dir")),
		LogLevel:         v.GetString("logging.level"),
		LogFormat:        v.GetString("logging.format"),
		LogStderr:        v.GetBool("logging.stderr"),
		MetricsNamespace: strings.TrimSpace(v.GetString("metrics.namespace")),
		TelemetryEnabled: v.GetBool("telemetry.enabled"),
		Debug:            v.GetBool("debug"),
		Relay: relay.Config{
			SystemPrompt: v.GetString("llm.system_prompt"),
			Model:        strings.TrimSpace(v.GetString("llm.model")),
			FallbackText: v.GetString("llm.fallback_text"),
		},
	}

	var err error
	if cfg.Relay.Timeout, err = durationValue(v, "llm.timeout"); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationValue(v, "server.shutdown"); err != nil {
		return Config{}, err
	}
	if cfg.WebSessionTTL, err = durationValue(v, "server.web_ttl"); err != nil {
		return Config{}, err
	}
	if cfg.Relay.MaxTurns, err = intValue(v, "session.max_turns"); err != nil {
		return Config{}, err
	}
	if cfg.Relay.MaxTokens, err = intValue(v, "llm.max_tokens"); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = intValue(v, "rate_limit.burst"); err != nil {
		return Config{}, err
	}
	temperature, err := floatValue(v, "llm.temperature")
	if err != nil {
		return Config{}, err
	}
	cfg.Relay.Temperature = float32(temperature)
	if cfg.RateLimitPerSec, err = floatValue(v, "rate_limit.per_sec"); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(requireBot); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate(requireBot bool) error {
	if requireBot && c.BotToken == "" {
		return fmt.Errorf("%w: BOT_TOKEN is required in environment", ErrConfig)
	}
	if c.APIKey == "" && backend.RequiresAPIKey(c.Provider) {
		return fmt.Errorf("%w: GROQ_API_KEY is required in environment", ErrConfig)
	}
	switch c.Provider {
	case backend.KindGroq, backend.KindOpenAI, backend.KindGrok, backend.KindOllama, backend.KindAnthropic:
	default:
		return fmt.Errorf("%w: unknown LLM_PROVIDER %q", ErrConfig, c.Provider)
	}
	switch c.SessionBackend {
	case session.BackendMemory, session.BackendSQLite:
	case session.BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required when SESSION_BACKEND=postgres", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown SESSION_BACKEND %q", ErrConfig, c.SessionBackend)
	}
	if c.Relay.Timeout <= 0 {
		return fmt.Errorf("%w: LLM_TIMEOUT must be positive", ErrConfig)
	}
	if c.WebSessionTTL <= 0 {
		return fmt.Errorf("%w: WEB_SESSION_TTL must be positive", ErrConfig)
	}
	if c.Relay.MaxTurns <= 0 {
		return fmt.Errorf("%w: MAX_TURNS must be positive", ErrConfig)
	}
	if c.Relay.MaxTokens <= 0 {
		return fmt.Errorf("%w: LLM_MAX_TOKENS must be positive", ErrConfig)
	}
	if c.Relay.Temperature < 0 || c.Relay.Temperature > 2 {
		return fmt.Errorf("%w: LLM_TEMPERATURE must be within [0, 2]", ErrConfig)
	}
	if c.RateLimitPerSec < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("%w: RATE_LIMIT_PER_SEC and RATE_LIMIT_BURST must be >= 0", ErrConfig)
	}
	if !strings.HasPrefix(c.WebhookPath, "/") {
		return fmt.Errorf("%w: WEBHOOK_PATH must start with /", ErrConfig)
	}
	if c.WebhookURL != "" && !strings.HasPrefix(c.WebhookURL, "https://") {
		return fmt.Errorf("%w: WEBHOOK_URL must start with https://", ErrConfig)
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	c.BotToken = redact(c.BotToken)
	c.APIKey = redact(c.APIKey)
	c.WebhookSecret = redact(c.WebhookSecret)
	if c.DatabaseURL != "" {
		c.DatabaseURL = "***"
	}
	return c
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "***"
	}
	return s[:2] + "***" + s[len(s)-2:]
}
