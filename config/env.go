package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitwit/x402-gateway/logger"
)

// DefaultEnvFiles are read in order; later files override earlier ones.
var DefaultEnvFiles = []string{".env", ".env.local"}

// LoadEnv loads the env files that exist, overriding the process
// environment. It returns the files actually loaded.
func LoadEnv(l logger.Logger, files ...string) []string {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}
	if l == nil {
		l = logger.NoopLogger{}
	}

	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			l.Warn("failed to load env file", map[string]any{"file": file, "error": err})
			continue
		}
		loaded = append(loaded, file)
	}

	if len(loaded) == 0 {
		l.Debug("no local env files loaded; relying on process environment", nil)
	} else {
		l.Debug("loaded env files", map[string]any{"files": strings.Join(loaded, ", ")})
	}
	return loaded
}

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// GetEnvList splits a comma separated variable, dropping empty items.
func GetEnvList(key string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
