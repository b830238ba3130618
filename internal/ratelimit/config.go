// Package ratelimit provides admission control for outbound data-provider calls.
package ratelimit

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// Default thresholds in normal operation.
const (
	DefaultCallerCooldownMs = 120000
	DefaultGlobalCooldownMs = 5000
	DefaultMaxConcurrent    = 5
	DefaultMaxCallsPerHour  = 100
	DefaultWindowMs         = 3600000
)

// Default thresholds while emergency mode is on.
const (
	DefaultEmergencyCallerCooldownMs = 300000
	DefaultEmergencyGlobalCooldownMs = 15000
	DefaultEmergencyMaxConcurrent    = 2
	DefaultEmergencyMaxCallsPerHour  = 40
)

// Defaults for the health monitor that toggles emergency mode.
const (
	DefaultTargetCacheHitPercent = 50
	DefaultMinSamples            = 20
	DefaultMonitorIntervalMs     = 60000
)

// Environment variable names for rate limit configuration.
const (
	EnvCallerCooldownMs          = "PROVIDER_CALLER_COOLDOWN_MS"
	EnvGlobalCooldownMs          = "PROVIDER_GLOBAL_COOLDOWN_MS"
	EnvMaxConcurrent             = "PROVIDER_MAX_CONCURRENT"
	EnvMaxCallsPerHour           = "PROVIDER_MAX_CALLS_PER_HOUR"
	EnvEmergencyCallerCooldownMs = "PROVIDER_EMERGENCY_CALLER_COOLDOWN_MS"
	EnvEmergencyGlobalCooldownMs = "PROVIDER_EMERGENCY_GLOBAL_COOLDOWN_MS"
	EnvEmergencyMaxConcurrent    = "PROVIDER_EMERGENCY_MAX_CONCURRENT"
	EnvEmergencyMaxCallsPerHour  = "PROVIDER_EMERGENCY_MAX_CALLS_PER_HOUR"
	EnvTargetCacheHitPercent     = "PROVIDER_TARGET_CACHE_HIT_PERCENT"
	EnvMinSamples                = "PROVIDER_HEALTH_MIN_SAMPLES"
	EnvMonitorIntervalMs         = "PROVIDER_HEALTH_INTERVAL_MS"
)

// Thresholds is one complete set of gate limits. Emergency mode swaps one set for another.
type Thresholds struct {
	CallerCooldown  time.Duration
	GlobalCooldown  time.Duration
	MaxConcurrent   int
	MaxCallsPerHour int
	Window          time.Duration
}

// Validate ensures the thresholds can admit at least one call.
func (t Thresholds) Validate() error {
	if t.CallerCooldown < 0 {
		return errors.New("CallerCooldown cannot be negative")
	}
	if t.GlobalCooldown < 0 {
		return errors.New("GlobalCooldown cannot be negative")
	}
	if t.MaxConcurrent <= 0 {
		return errors.New("MaxConcurrent must be positive")
	}
	if t.MaxCallsPerHour <= 0 {
		return errors.New("MaxCallsPerHour must be positive")
	}
	if t.Window <= 0 {
		return errors.New("Window must be positive")
	}
	return nil
}

// RateLimitConfig holds the normal and emergency thresholds plus monitor settings.
type RateLimitConfig struct {
	Normal    Thresholds
	Emergency Thresholds

	// TargetCacheHitPercent is the cache-hit rate below which emergency mode turns on.
	// Environment: PROVIDER_TARGET_CACHE_HIT_PERCENT, Default: 50
	TargetCacheHitPercent int

	// MinSamples is the request count required before the hit rate is trusted.
	// Environment: PROVIDER_HEALTH_MIN_SAMPLES, Default: 20
	MinSamples int

	// MonitorInterval is how often the health monitor evaluates stats.
	// Environment: PROVIDER_HEALTH_INTERVAL_MS, Default: 60000
	MonitorInterval time.Duration
}

// NewRateLimitConfig creates a new RateLimitConfig with default values.
func NewRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Normal: Thresholds{
			CallerCooldown:  DefaultCallerCooldownMs * time.Millisecond,
			GlobalCooldown:  DefaultGlobalCooldownMs * time.Millisecond,
			MaxConcurrent:   DefaultMaxConcurrent,
			MaxCallsPerHour: DefaultMaxCallsPerHour,
			Window:          DefaultWindowMs * time.Millisecond,
		},
		Emergency: Thresholds{
			CallerCooldown:  DefaultEmergencyCallerCooldownMs * time.Millisecond,
			GlobalCooldown:  DefaultEmergencyGlobalCooldownMs * time.Millisecond,
			MaxConcurrent:   DefaultEmergencyMaxConcurrent,
			MaxCallsPerHour: DefaultEmergencyMaxCallsPerHour,
			Window:          DefaultWindowMs * time.Millisecond,
		},
		TargetCacheHitPercent: DefaultTargetCacheHitPercent,
		MinSamples:            DefaultMinSamples,
		MonitorInterval:       DefaultMonitorIntervalMs * time.Millisecond,
	}
}

// LoadFromEnv loads configuration from environment variables.
// Invalid values are logged as warnings and defaults are used instead.
func LoadFromEnv() *RateLimitConfig {
	cfg := NewRateLimitConfig()

	loadMs(EnvCallerCooldownMs, DefaultCallerCooldownMs, true, &cfg.Normal.CallerCooldown)
	loadMs(EnvGlobalCooldownMs, DefaultGlobalCooldownMs, true, &cfg.Normal.GlobalCooldown)
	loadPositive(EnvMaxConcurrent, DefaultMaxConcurrent, &cfg.Normal.MaxConcurrent)
	loadPositive(EnvMaxCallsPerHour, DefaultMaxCallsPerHour, &cfg.Normal.MaxCallsPerHour)

	loadMs(EnvEmergencyCallerCooldownMs, DefaultEmergencyCallerCooldownMs, true, &cfg.Emergency.CallerCooldown)
	loadMs(EnvEmergencyGlobalCooldownMs, DefaultEmergencyGlobalCooldownMs, true, &cfg.Emergency.GlobalCooldown)
	loadPositive(EnvEmergencyMaxConcurrent, DefaultEmergencyMaxConcurrent, &cfg.Emergency.MaxConcurrent)
	loadPositive(EnvEmergencyMaxCallsPerHour, DefaultEmergencyMaxCallsPerHour, &cfg.Emergency.MaxCallsPerHour)

	if val := getEnvInt(EnvTargetCacheHitPercent, DefaultTargetCacheHitPercent); val >= 0 && val <= 100 {
		cfg.TargetCacheHitPercent = val
	} else if os.Getenv(EnvTargetCacheHitPercent) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvTargetCacheHitPercent, DefaultTargetCacheHitPercent)
	}
	loadPositive(EnvMinSamples, DefaultMinSamples, &cfg.MinSamples)
	loadMs(EnvMonitorIntervalMs, DefaultMonitorIntervalMs, false, &cfg.MonitorInterval)

	if err := cfg.Validate(); err != nil {
		log.Printf("WARNING: Configuration validation failed: %v. Using defaults.", err)
		return NewRateLimitConfig()
	}

	return cfg
}

func loadMs(key string, def int, allowZero bool, dst *time.Duration) {
	val := getEnvInt(key, def)
	if val > 0 || (allowZero && val == 0) {
		*dst = time.Duration(val) * time.Millisecond
		return
	}
	if os.Getenv(key) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", key, def)
	}
}

func loadPositive(key string, def int, dst *int) {
	if val := getEnvInt(key, def); val > 0 {
		*dst = val
		return
	}
	if os.Getenv(key) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", key, def)
	}
}

// Validate ensures configuration is valid.
// Emergency thresholds must be at least as strict as normal ones.
func (c *RateLimitConfig) Validate() error {
	if err := c.Normal.Validate(); err != nil {
		return fmt.Errorf("normal thresholds: %w", err)
	}
	if err := c.Emergency.Validate(); err != nil {
		return fmt.Errorf("emergency thresholds: %w", err)
	}

	if c.Emergency.MaxConcurrent > c.Normal.MaxConcurrent {
		return fmt.Errorf("emergency MaxConcurrent (%d) exceeds normal (%d)",
			c.Emergency.MaxConcurrent, c.Normal.MaxConcurrent)
	}
	if c.Emergency.MaxCallsPerHour > c.Normal.MaxCallsPerHour {
		return fmt.Errorf("emergency MaxCallsPerHour (%d) exceeds normal (%d)",
			c.Emergency.MaxCallsPerHour, c.Normal.MaxCallsPerHour)
	}
	if c.Emergency.CallerCooldown < c.Normal.CallerCooldown || c.Emergency.GlobalCooldown < c.Normal.GlobalCooldown {
		return errors.New("emergency cooldowns cannot be shorter than normal cooldowns")
	}

	if c.TargetCacheHitPercent < 0 || c.TargetCacheHitPercent > 100 {
		return fmt.Errorf("TargetCacheHitPercent must be between 0 and 100, got %d", c.TargetCacheHitPercent)
	}
	if c.MinSamples <= 0 {
		return errors.New("MinSamples must be positive")
	}
	if c.MonitorInterval <= 0 {
		return errors.New("MonitorInterval must be positive")
	}

	return nil
}

// getEnvInt reads an environment variable and parses it as an integer.
// Returns the default value if unset and -1 if it cannot be parsed.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}

	return intVal
}

// String returns a string representation of the configuration for logging.
func (c *RateLimitConfig) String() string {
	return fmt.Sprintf(
		"RateLimitConfig{Normal: %s, Emergency: %s, TargetCacheHit: %d%%, MinSamples: %d, MonitorInterval: %s}",
		c.Normal, c.Emergency, c.TargetCacheHitPercent, c.MinSamples, c.MonitorInterval,
	)
}

// String renders the thresholds compactly.
func (t Thresholds) String() string {
	return fmt.Sprintf("{caller=%s global=%s concurrent=%d hourly=%d window=%s}",
		t.CallerCooldown, t.GlobalCooldown, t.MaxConcurrent, t.MaxCallsPerHour, t.Window)
}
