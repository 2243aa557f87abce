package logging

import (
	"net/url"
	"regexp"
	"strings"
)

// Field names whose values never reach the log.
var sensitiveFields = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"credential",
	"session",
}

var secretPatterns = []*regexp.Regexp{
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9._~+/=-]{16,})`),
	// Bare JWTs (header.payload.signature)
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}`),
	// key=value style secrets
	regexp.MustCompile(`(?i)(token|secret|password)[=:]["']?([a-zA-Z0-9+/=_.-]{16,})["']?`),
}

// RedactedValue replaces anything sensitive.
const RedactedValue = "[REDACTED]"

// Redact scrubs tokens and secrets from free text such as transport errors.
func Redact(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, RedactedValue)
	}
	return result
}

// RedactURL blanks sensitive query parameters (e.g. ?token=) in a URL string.
func RedactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Redact(raw)
	}
	query := parsed.Query()
	changed := false
	for key := range query {
		if IsSensitiveField(key) {
			query.Set(key, RedactedValue)
			changed = true
		}
	}
	if changed {
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}

// IsSensitiveField reports whether a field or parameter name holds a secret.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}
