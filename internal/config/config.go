package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the server-side settings, sourced from the environment.
type Config struct {
	Port                string
	DatabaseDSN         string
	RedisAddr           string
	EngineCommand       string
	EngineScript        string
	EngineTimeout       time.Duration
	EngineMaxConcurrent int
	EngineEnv           []string
	TempDir             string
}

// Load reads the configuration from environment variables, applying
// defaults for anything unset.
func Load() *Config {
	return &Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseDSN:         getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=facerestore port=5432 sslmode=disable"),
		RedisAddr:           getEnv("REDIS_ADDR", "redis:6379"),
		EngineCommand:       getEnv("ENGINE_COMMAND", "python3"),
		EngineScript:        getEnv("ENGINE_SCRIPT", "./engine/reconstruct.py"),
		EngineTimeout:       getEnvAsDuration("ENGINE_TIMEOUT", 2*time.Minute),
		EngineMaxConcurrent: getEnvAsInt("ENGINE_MAX_CONCURRENT", 4),
		EngineEnv:           parseEngineEnv(os.Getenv("ENGINE_ENV")),
		TempDir:             getEnv("TEMP_DIR", os.TempDir()),
	}
}

// ChildEnv builds the environment handed to the analysis engine. The child
// never inherits the full ambient environment; it gets PATH and HOME plus
// whatever ENGINE_ENV enumerates.
func (c *Config) ChildEnv() []string {
	env := make([]string, 0, len(c.EngineEnv)+2)
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	return append(env, c.EngineEnv...)
}

// EngineArgs returns the fixed arguments placed before the image path.
func (c *Config) EngineArgs() []string {
	if c.EngineScript == "" {
		return nil
	}
	return []string{c.EngineScript}
}

func parseEngineEnv(raw string) []string {
	if raw == "" {
		return nil
	}
	var env []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" || !strings.Contains(entry, "=") {
			continue
		}
		env = append(env, entry)
	}
	return env
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil && intValue > 0 {
			return intValue
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
