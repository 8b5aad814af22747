// Package env reads process environment variables with fallbacks, for the few
// knobs that live outside the typed config (log format, ops ports).
package env

import "os"

// Get returns the variable's value, or fallback when it is unset or empty.
// Empty and unset are deliberately treated the same: an empty LOG_FORMAT
// should not disable JSON output.
func Get(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
