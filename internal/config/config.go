// Package config reads process configuration from the environment, with an
// optional .env file that never overrides variables already set.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	DataDir       string
	JWTSecret     string
	AllowedOrigin string
	PublicBaseURL string
	TLSCert       string
	TLSKey        string

	MaxUploadBytes      int64
	TypingTTL           time.Duration
	AttachmentRetention time.Duration
	SweepInterval       time.Duration
	ListenerBuffer      int
	RateLimitPerMin     int

	RetryRetention    time.Duration
	RetryInitialDelay time.Duration
	RetryMultiplier   float64
	RetryMaxDelay     time.Duration
	RetryJitterMax    time.Duration
	RetryMaxAttempts  int

	LogLevel  string
	LogFormat string
}

// insecureSecrets are placeholder values shipped in sample .env files.
var insecureSecrets = map[string]bool{
	"change-this-secret-in-production":        true,
	"change-me-use-a-long-random-string-here": true,
	"change-me-use-a-long-random-string":      true,
}

// Load builds a Config from the environment after applying dotenvPath
// (pass "" to skip it).
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		LoadDotenv(dotenvPath)
	}

	c := &Config{
		Port:          getEnv("PORT", "8080"),
		DataDir:       getEnv("DATA_DIR", "./data"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "/uploads"), "/"),
		TLSCert:       getEnv("TLS_CERT", ""),
		TLSKey:        getEnv("TLS_KEY", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
	}
	if c.JWTSecret == "" || insecureSecrets[c.JWTSecret] {
		return nil, fmt.Errorf("JWT_SECRET is not set or is using an insecure default value; generate one with: openssl rand -hex 32")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return nil, fmt.Errorf("TLS_CERT and TLS_KEY must be set together")
	}

	p := parser{}
	maxMB := p.int("MAX_UPLOAD_MB", 25)
	c.MaxUploadBytes = int64(maxMB) * 1024 * 1024
	c.TypingTTL = p.duration("TYPING_TTL", 10*time.Second)
	c.AttachmentRetention = p.duration("ATTACHMENT_RETENTION", time.Hour)
	c.SweepInterval = p.duration("SWEEP_INTERVAL", 10*time.Minute)
	c.ListenerBuffer = p.int("LISTENER_BUFFER", 256)
	c.RateLimitPerMin = p.int("RATE_LIMIT_PER_MIN", 120)
	c.RetryRetention = p.duration("RETRY_RETENTION", time.Hour)
	c.RetryInitialDelay = p.duration("RETRY_INITIAL_DELAY", time.Second)
	c.RetryMultiplier = p.float("RETRY_MULTIPLIER", 2)
	c.RetryMaxDelay = p.duration("RETRY_MAX_DELAY", time.Minute)
	c.RetryJitterMax = p.duration("RETRY_JITTER_MAX", time.Second)
	c.RetryMaxAttempts = p.int("RETRY_MAX_ATTEMPTS", 10)
	if p.err != nil {
		return nil, p.err
	}

	switch {
	case maxMB <= 0:
		return nil, fmt.Errorf("MAX_UPLOAD_MB must be positive")
	case c.TypingTTL <= 0, c.SweepInterval <= 0, c.AttachmentRetention <= 0:
		return nil, fmt.Errorf("TYPING_TTL, SWEEP_INTERVAL and ATTACHMENT_RETENTION must be positive")
	case c.ListenerBuffer <= 0:
		return nil, fmt.Errorf("LISTENER_BUFFER must be positive")
	case c.RetryMultiplier < 1:
		return nil, fmt.Errorf("RETRY_MULTIPLIER must be at least 1")
	case c.RetryMaxAttempts <= 0:
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive")
	}
	return c, nil
}

// parser collects the first parse error so Load can report it once.
type parser struct{ err error }

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return fallback
	}
	return f
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// LoadDotenv reads KEY=VALUE lines from path and sets any variable that is
// not already present. A missing file is not an error.
func LoadDotenv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 1 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])

		// Strip surrounding quotes (single or double)
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') ||
				(val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}

		// Explicit env always wins
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}
