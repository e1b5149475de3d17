// Package config reads typed settings from the process environment, loading
// the project dotenv first. Every MATERIAL_*/FEISHU_*/BRIDGE_*/OBJSTORE_*
// knob in this repo goes through these accessors so the dotenv is never
// bypassed.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wuchao05/changdu-material/internal/env"
)

var ensureOnce sync.Once

// lookup returns the trimmed value of key and whether it was set non-empty.
func lookup(key string) (string, bool) {
	ensureOnce.Do(func() { _ = env.Ensure() })
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// String returns the environment variable or fallback when unset.
func String(key, fallback string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

// Duration parses a time duration ("90s", "5m") or returns fallback.
func Duration(key string, fallback time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Bool parses a boolean environment variable (1/true/yes, 0/false/no).
func Bool(key string, fallback bool) bool {
	if val, ok := lookup(key); ok {
		switch strings.ToLower(val) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return fallback
}
