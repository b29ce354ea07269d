package geoprocessing

import (
	"regexp"
	"strings"
	"unicode"
)

// ExtractStatus returns the job status token captured by re, or false when the body
// does not contain it.
func ExtractStatus(re *regexp.Regexp, body []byte) (string, bool) {
	m := re.FindSubmatch(body)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(string(m[1])), true
}

// ExtractValue strips all whitespace from body and returns the decimal that follows
// "<label>:".
func ExtractValue(re *regexp.Regexp, body []byte) (string, bool) {
	m := re.FindStringSubmatch(stripSpace(string(body)))
	if m == nil {
		return "", false
	}
	return m[1], true
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
