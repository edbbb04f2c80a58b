// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the chat server.
type Config struct {
	Port string

	DBURL string

	// NATSURL is optional. Without it room events fan out in process only,
	// which is fine for a single instance.
	NATSURL      string
	NATSUser     string
	NATSPassword string
	NATSCred     string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	JWTSecret string
	JWTIssuer string

	// Typing frames allowed per connection within TypingWindow.
	TypingRequests int
	TypingWindow   time.Duration

	// REST requests allowed per client IP within APIWindow.
	APIRequests int
	APIWindow   time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on environment variables")
	}

	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		DBURL:         os.Getenv("DB_URL"),
		NATSURL:       os.Getenv("NATS_URL"),
		NATSUser:      os.Getenv("NATS_USER"),
		NATSPassword:  os.Getenv("NATS_PASSWORD"),
		NATSCred:      os.Getenv("NATS_CRED"),
		RedisAddress:  getenv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTIssuer:     os.Getenv("JWT_ISS"),
	}

	var err error
	if cfg.RedisDB, err = getenvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.TypingRequests, err = getenvInt("TYPING_RATE_REQUESTS", 20); err != nil {
		return nil, err
	}
	if cfg.TypingWindow, err = getenvDuration("TYPING_RATE_WINDOW", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.APIRequests, err = getenvInt("API_RATE_REQUESTS", 120); err != nil {
		return nil, err
	}
	if cfg.APIWindow, err = getenvDuration("API_RATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	var errs []error
	if c.DBURL == "" {
		errs = append(errs, errors.New("DB_URL environment variable is not set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET environment variable is not set"))
	}
	if c.TypingRequests <= 0 || c.APIRequests <= 0 {
		errs = append(errs, errors.New("rate limit request counts must be positive"))
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
