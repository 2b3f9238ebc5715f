// Package env reads typed settings from the environment. Unset or
// unparsable values fall back to the caller's default.
package env

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// lookup parses key with parse, returning def when the variable is empty or
// does not parse
func lookup[T any](key string, def T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

// GetString returns the variable or def when it is empty
func GetString(key, def string) string {
	return lookup(key, def, func(s string) (string, error) { return s, nil })
}

// GetStringFromFile prefers the file named by KEY_FILE, as mounted for
// Docker secrets, and falls back to KEY
func GetStringFromFile(key, def string) string {
	if path := os.Getenv(key + "_FILE"); path != "" {
		if content, err := os.ReadFile(filepath.Clean(path)); err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, def)
}

// GetInt parses a base-10 integer
func GetInt(key string, def int) int {
	return lookup(key, def, strconv.Atoi)
}

// GetBool parses anything strconv.ParseBool accepts
func GetBool(key string, def bool) bool {
	return lookup(key, def, strconv.ParseBool)
}

// GetDuration parses a Go duration such as "30s"
func GetDuration(key string, def time.Duration) time.Duration {
	return lookup(key, def, time.ParseDuration)
}

// GetSlice splits a comma-separated list, trimming entries and skipping
// empty ones. def is returned when nothing usable is set.
func GetSlice(key string, def []string) []string {
	out := lookup(key, []string(nil), func(s string) ([]string, error) {
		var parts []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				parts = append(parts, part)
			}
		}
		return parts, nil
	})
	if len(out) == 0 {
		return def
	}
	return out
}
