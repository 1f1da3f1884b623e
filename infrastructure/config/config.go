// Package config provides environment-variable configuration loading for
// Pinchwork services: typed env helpers plus the default limits, windows,
// fee rate, and grant every process shares.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the environment variable or a default.
func GetEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// GetEnvInt64 returns an int64 environment variable or a default.
func GetEnvInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

// GetEnvFloat returns a float64 environment variable or a default.
func GetEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return parsed
}

// GetEnvDuration parses a duration environment variable or returns a default.
func GetEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return parsed
}

// Limits holds the numeric and string bounds applied to every input.
type Limits struct {
	MaxNeedChars         int
	MaxContextChars      int
	MaxResultChars       int
	MaxFeedbackChars     int
	MaxNameChars         int
	MaxCapabilitiesChars int
	MaxTags              int
	MaxTagChars          int
	MinMaxCredits        int64
	MaxMaxCredits        int64
}

// DefaultLimits returns the platform's standard limits.
func DefaultLimits() Limits {
	return Limits{
		MaxNeedChars:         50_000,
		MaxContextChars:      100_000,
		MaxResultChars:       500_000,
		MaxFeedbackChars:     5_000,
		MaxNameChars:         200,
		MaxCapabilitiesChars: 2_000,
		MaxTags:              10,
		MaxTagChars:          50,
		MinMaxCredits:        1,
		MaxMaxCredits:        100_000,
	}
}

// Windows holds the default per-task timeouts.
type Windows struct {
	ReviewWindow  time.Duration
	ClaimWindow   time.Duration
	DeliverWindow time.Duration
	SystemWindow  time.Duration
	MaxRejections int
}

// DefaultWindows returns the platform's standard windows.
func DefaultWindows() Windows {
	return Windows{
		ReviewWindow:  30 * time.Minute,
		ClaimWindow:   10 * time.Minute,
		DeliverWindow: 10 * time.Minute,
		SystemWindow:  60 * time.Second,
		MaxRejections: 3,
	}
}

// Config is the full typed configuration for a Pinchwork process.
type Config struct {
	Limits  Limits
	Windows Windows

	InitialGrant int64
	FeeRate      float64 // 0..0.5, default 0.10

	ReaperTick time.Duration

	// AbandonCooldown: N abandons within Window triggers Cooldown duration.
	AbandonThreshold int
	AbandonWindow    time.Duration
	AbandonCooldown  time.Duration

	LogLevel  string
	LogFormat string

	DatabaseURL string
}

// FromEnv builds a Config from environment variables, falling back to
// the standard defaults for anything unset.
func FromEnv() Config {
	return Config{
		Limits:  DefaultLimits(),
		Windows: DefaultWindows(),

		InitialGrant: GetEnvInt64("PINCHWORK_INITIAL_GRANT", 100),
		FeeRate:      clampFeeRate(GetEnvFloat("PINCHWORK_FEE_RATE", 0.10)),

		ReaperTick: GetEnvDuration("PINCHWORK_REAPER_TICK", 10*time.Second),

		AbandonThreshold: int(GetEnvInt64("PINCHWORK_ABANDON_THRESHOLD", 3)),
		AbandonWindow:    GetEnvDuration("PINCHWORK_ABANDON_WINDOW", 10*time.Minute),
		AbandonCooldown:  GetEnvDuration("PINCHWORK_ABANDON_COOLDOWN", 5*time.Minute),

		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		DatabaseURL: GetEnv("PINCHWORK_DATABASE_URL", ""),
	}
}

func clampFeeRate(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 0.5 {
		return 0.5
	}
	return rate
}
