package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces redacted values.
const RedactedPlaceholder = "[REDACTED]"

// secretPatterns match credentials that show up in model download URLs,
// headers and config dumps.
var secretPatterns = []*regexp.Regexp{
	// Hugging Face access tokens
	regexp.MustCompile(`hf_[A-Za-z0-9]{20,}`),
	// GitHub tokens, classic and fine-grained
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`),
	// Authorization headers
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
	// key=value assignments
	regexp.MustCompile(`(?i)(token|api_key|apikey|secret|password)\s*[:=]\s*[^\s,;&"']{6,}`),
}

// sensitiveKeys are field name fragments whose values are always redacted.
var sensitiveKeys = []string{"TOKEN", "SECRET", "PASSWORD", "API_KEY", "APIKEY", "AUTHORIZATION"}

// Redact replaces every credential found in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, RedactedPlaceholder)
	}
	return s
}

// ContainsSecret reports whether s contains a credential.
func ContainsSecret(s string) bool {
	for _, p := range secretPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// IsSensitiveKey reports whether a field or variable name marks a secret.
func IsSensitiveKey(name string) bool {
	upper := strings.ToUpper(name)
	for _, k := range sensitiveKeys {
		if strings.Contains(upper, k) {
			return true
		}
	}
	return false
}
