// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (./config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Security: sensitive data (the upstream API key) is never logged; see
// MarshalJSON.
//
// Error handling uses sentinel errors for Go-idiomatic checking with
// errors.Is(), wrapped with context via fmt.Errorf("%w: details", ErrXxx).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the upstream API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidListenAddr indicates the listen address is invalid.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidBotID indicates the bot user id is invalid.
	ErrInvalidBotID = errors.New("invalid bot user id")

	// ErrInvalidInterval indicates a duration setting is out of range.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrInvalidMaxRetries indicates the retry budget is out of range.
	ErrInvalidMaxRetries = errors.New("invalid max retries")

	// ErrInvalidRateBurst indicates the rate limiter burst is out of range.
	ErrInvalidRateBurst = errors.New("invalid rate burst")

	// ErrInvalidLogLevel indicates the log level is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (API keys, tokens), update MarshalJSON.
type Config struct {
	// HTTP server
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`   // per-IP rate limiter burst

	// Bot identity: messages authored by this id are never answered.
	BotUserID string `mapstructure:"bot_user_id" json:"bot_user_id"`

	// Upstream model configuration
	GeminiAPIKey      string  `mapstructure:"gemini_api_key" json:"gemini_api_key"` // SENSITIVE: masked in MarshalJSON
	ModelName         string  `mapstructure:"model_name" json:"model_name"`         // e.g. "gemini-2.5-flash"
	Temperature       float32 `mapstructure:"temperature" json:"temperature"`
	SystemInstruction string  `mapstructure:"system_instruction" json:"system_instruction"`

	// Response pacing
	FlushInterval    time.Duration `mapstructure:"flush_interval" json:"flush_interval"`       // partial write throttle
	CallSpacing      time.Duration `mapstructure:"call_spacing" json:"call_spacing"`           // minimum spacing between upstream calls
	MaxRetries       int           `mapstructure:"max_retries" json:"max_retries"`             // retries after a rate-limited call
	RetryBackoffUnit time.Duration `mapstructure:"retry_backoff_unit" json:"retry_backoff_unit"`

	// Agent lifecycle
	AgentIdleTTL time.Duration `mapstructure:"agent_idle_ttl" json:"agent_idle_ttl"` // idle agents past this are reaped; 0 disables
	ReapInterval time.Duration `mapstructure:"reap_interval" json:"reap_interval"`   // idle sweep cadence

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"` // debug, info, warn, error
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"config_name", "config.yaml")
	}

	// Use Unmarshal to automatically map to struct (type-safe)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// CRITICAL: Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("cors_origins", []string{"http://localhost:5173"})
	// Proxy trust default false: safe for direct exposure.
	v.SetDefault("trust_proxy", false)
	v.SetDefault("rate_burst", 60)

	// Bot defaults
	v.SetDefault("bot_user_id", "chatbridge-bot")

	// Model defaults
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("temperature", 0.7)
	v.SetDefault("system_instruction", "")

	// Pacing defaults
	v.SetDefault("flush_interval", time.Second)
	v.SetDefault("call_spacing", 4*time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_backoff_unit", time.Second)

	// Lifecycle defaults
	v.SetDefault("agent_idle_ttl", 30*time.Minute)
	v.SetDefault("reap_interval", time.Minute)

	// Logging defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// bindEnvVariables binds environment variables explicitly. The upstream key
// has no CHATBRIDGE_ prefix because GEMINI_API_KEY is the name the Gemini
// tooling ecosystem already uses.
func bindEnvVariables(v *viper.Viper) {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail)
	// If this panics, it's a BUG in our code, not a runtime error
	mustBind := func(key string, envVars ...string) {
		if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q: %v", key, err))
		}
	}

	mustBind("gemini_api_key", "GEMINI_API_KEY")
	mustBind("listen_addr", "CHATBRIDGE_LISTEN_ADDR")
	mustBind("cors_origins", "CHATBRIDGE_CORS_ORIGINS")
	mustBind("trust_proxy", "CHATBRIDGE_TRUST_PROXY")
	mustBind("rate_burst", "CHATBRIDGE_RATE_BURST")
	mustBind("bot_user_id", "CHATBRIDGE_BOT_USER_ID")
	mustBind("model_name", "CHATBRIDGE_MODEL_NAME")
	mustBind("temperature", "CHATBRIDGE_TEMPERATURE")
	mustBind("system_instruction", "CHATBRIDGE_SYSTEM_INSTRUCTION")
	mustBind("flush_interval", "CHATBRIDGE_FLUSH_INTERVAL")
	mustBind("call_spacing", "CHATBRIDGE_CALL_SPACING")
	mustBind("max_retries", "CHATBRIDGE_MAX_RETRIES")
	mustBind("retry_backoff_unit", "CHATBRIDGE_RETRY_BACKOFF_UNIT")
	mustBind("agent_idle_ttl", "CHATBRIDGE_AGENT_IDLE_TTL")
	mustBind("reap_interval", "CHATBRIDGE_REAP_INTERVAL")
	mustBind("log_level", "CHATBRIDGE_LOG_LEVEL")
	mustBind("log_json", "CHATBRIDGE_LOG_JSON")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks (U+2588) avoid accidental substring matches against the
// real secret.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 characters or fewer are fully masked; longer ones keep the
// first and last 2 characters for debug utility.
//
// THREAT MODEL: this defends against accidental logging of real secrets.
// It is NOT cryptographically secure; if logs are compromised, rotate keys.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - GeminiAPIKey
//
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.GeminiAPIKey = maskSecret(a.GeminiAPIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
