package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func envValue(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

// BoolEnv accepts 1/true/on/yes and 0/false/off/no; anything else keeps
// defaultValue.
func BoolEnv(name string, defaultValue bool) bool {
	v, ok := envValue(name)
	if !ok {
		return defaultValue
	}

	switch strings.ToLower(v) {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	default:
		return defaultValue
	}
}

// IntEnvClamped parses an integer and clamps it to [minValue, maxValue]
// when that range is non-empty.
func IntEnvClamped(name string, defaultValue, minValue, maxValue int) int {
	v, ok := envValue(name)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	if minValue <= maxValue {
		n = min(max(n, minValue), maxValue)
	}
	return n
}

func DurationEnv(name string, defaultValue time.Duration) time.Duration {
	v, ok := envValue(name)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func StringEnv(name, defaultValue string) string {
	if v, ok := envValue(name); ok {
		return v
	}
	return defaultValue
}
