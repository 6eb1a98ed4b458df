package shared

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{10,}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[=:]\s*\S+`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
}

// Redact masks known secret shapes in s.
func Redact(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

var sensitiveEnvKeys = []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "CREDENTIAL"}

// RedactEnvValue masks the value when the env var name looks sensitive.
func RedactEnvValue(name, value string) string {
	upper := strings.ToUpper(name)
	for _, k := range sensitiveEnvKeys {
		if strings.Contains(upper, k) {
			return "[REDACTED]"
		}
	}
	return value
}
