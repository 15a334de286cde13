package config

import (
	"fmt"
	"slices"
)

// validLogLevels are the accepted log_level values.
var validLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// API key is required for all upstream calls (fail-fast at startup, not
	// on the first user message).
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr cannot be empty", ErrInvalidListenAddr)
	}

	if c.BotUserID == "" {
		return fmt.Errorf("%w: bot_user_id cannot be empty", ErrInvalidBotID)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// Temperature range: 0.0 (deterministic) to 2.0 (maximum creativity)
	// Reference: Gemini API documentation
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.FlushInterval <= 0 {
		return fmt.Errorf("%w: flush_interval must be positive, got %v", ErrInvalidInterval, c.FlushInterval)
	}

	if c.CallSpacing <= 0 {
		return fmt.Errorf("%w: call_spacing must be positive, got %v", ErrInvalidInterval, c.CallSpacing)
	}

	if c.RetryBackoffUnit <= 0 {
		return fmt.Errorf("%w: retry_backoff_unit must be positive, got %v", ErrInvalidInterval, c.RetryBackoffUnit)
	}

	// Bounded so a misconfiguration cannot hammer a rate-limiting upstream.
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("%w: must be between 0 and 10, got %d", ErrInvalidMaxRetries, c.MaxRetries)
	}

	// agent_idle_ttl of 0 disables reaping; negative values are nonsense.
	if c.AgentIdleTTL < 0 {
		return fmt.Errorf("%w: agent_idle_ttl cannot be negative, got %v", ErrInvalidInterval, c.AgentIdleTTL)
	}

	if c.AgentIdleTTL > 0 && c.ReapInterval <= 0 {
		return fmt.Errorf("%w: reap_interval must be positive when agent_idle_ttl is set, got %v",
			ErrInvalidInterval, c.ReapInterval)
	}

	if c.RateBurst < 1 {
		return fmt.Errorf("%w: rate_burst must be positive, got %d", ErrInvalidRateBurst, c.RateBurst)
	}

	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v", ErrInvalidLogLevel, c.LogLevel, validLogLevels)
	}

	return nil
}
