package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Request fields that are safe to log verbatim. Everything else passed
// through MaskField is masked.
var redactionAllowlist = map[string]struct{}{
	"method":     {},
	"path":       {},
	"status":     {},
	"request_id": {},
	"remote":     {},
	"subject":    {},
	"scope":      {},
	"error":      {},
}

// IsAllowlisted reports whether the provided key is exempt from redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns a sorted copy of the allowlisted keys.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns a slog.Attr that redacts value unless key is allowlisted.
// Empty values pass through unchanged.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
