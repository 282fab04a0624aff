package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing substrings in log, audit and alert text.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Agent credentials issued by the identity store.
	regexp.MustCompile(`\blo_[A-Za-z0-9_\-]{32,}`),
	// Telegram bot tokens: <digits>:<35 chars>.
	regexp.MustCompile(`\b[0-9]{6,12}:[A-Za-z0-9_\-]{30,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Patterns with a prefix group keep the prefix.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSensitiveKey reports whether a field name looks like it carries a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// RedactEnvValue returns the redacted placeholder when key looks secret.
func RedactEnvValue(key, value string) string {
	if IsSensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}
