package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

type Config struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	JitterMax    time.Duration
	MaxAttempts  int
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     60 * time.Second,
		JitterMax:    time.Second,
		MaxAttempts:  10,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterMax < 0 {
		c.JitterMax = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Backoff is the deterministic part of the delay before attempt:
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// Delay is Backoff plus a uniform jitter in [0, JitterMax).
func Delay(cfg Config, attempt int) time.Duration {
	return Backoff(cfg, attempt) + uniformJitter(cfg.JitterMax)
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
