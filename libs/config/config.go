package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func String(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func RequiredString(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func Port(key, fallback string) (string, error) {
	v := String(key, fallback)
	p, err := strconv.Atoi(v)
	if err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("%s must be a valid TCP port (got %q)", key, v)
	}
	return v, nil
}

// Int returns a positive integer from the environment, or fallback when the value is
// missing, malformed or not positive.
func Int(key string, fallback int) int {
	v, err := strconv.Atoi(String(key, ""))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// Float returns a non-negative float, or fallback.
func Float(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(String(key, ""), 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// Duration reads an integer count of unit (e.g. SECONDS keys with time.Second).
func Duration(key string, fallback int, unit time.Duration) time.Duration {
	return time.Duration(Int(key, fallback)) * unit
}

func Bool(key string, fallback bool) bool {
	switch strings.ToLower(String(key, "")) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// List splits a comma separated value, dropping blanks.
func List(key, fallback string) []string {
	items := strings.Split(String(key, fallback), ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
