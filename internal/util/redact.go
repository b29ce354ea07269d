package util

import (
	"regexp"
	"strings"
)

var (
	// Matches "Bearer <token>" (JWTs and opaque tokens).
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// ArcGIS-style services accept credentials as a query parameter, so they end up
	// inside every submit/status URL we log.
	tokenParamRe = regexp.MustCompile(`(?i)([?&](?:token|api[_-]?key|access[_-]?token)=)[^&\s"']+`)

	// Common key=value formats that sometimes leak in error strings.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|token)\b\s*[:=]\s*[^\s"'&]+`)
)

// RedactSecrets removes obvious secret-bearing substrings from error/log strings.
//
// It is safe to call on any message, including upstream error strings and URLs.
func RedactSecrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "Bearer <redacted>")
	out = tokenParamRe.ReplaceAllString(out, "${1}<redacted>")
	out = apiKeyKVRe.ReplaceAllStringFunc(out, func(m string) string {
		if strings.HasSuffix(m, "<redacted>") {
			return m
		}
		return "<redacted_kv>"
	})
	return strings.TrimSpace(out)
}
