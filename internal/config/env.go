package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup parses the variable named key with parse. Unset, empty and
// unparsable values yield fallback.
func lookup[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		return fallback
	}
	return v
}

// GetEnv returns the environment variable value or a default.
func GetEnv(key, defaultValue string) string {
	return lookup(key, defaultValue, func(s string) (string, error) { return s, nil })
}

// GetIntEnv returns an integer environment variable or a default.
func GetIntEnv(key string, defaultValue int) int {
	return lookup(key, defaultValue, strconv.Atoi)
}

// GetBoolEnv accepts the forms understood by strconv.ParseBool.
func GetBoolEnv(key string, defaultValue bool) bool {
	return lookup(key, defaultValue, strconv.ParseBool)
}

func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	return lookup(key, defaultValue, time.ParseDuration)
}

// GetListEnv splits a comma-separated variable, dropping blank items.
func GetListEnv(key string, defaultValue []string) []string {
	return lookup(key, defaultValue, func(s string) ([]string, error) {
		var items []string
		for item := range strings.SplitSeq(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	})
}

// GetSecretFile reads a secret mounted as a file, as with Docker or
// Kubernetes secrets. A missing file yields "".
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
