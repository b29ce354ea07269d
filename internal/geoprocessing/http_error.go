package geoprocessing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/celltower/polygon-pipeline/internal/util"
)

// arcgisErrorEnvelope is the error shape ArcGIS REST endpoints return with f=json.
type arcgisErrorEnvelope struct {
	Error struct {
		Code    int      `json:"code"`
		Message string   `json:"message"`
		Details []string `json:"details"`
	} `json:"error"`
}

// HTTPError is a sanitized summary of a non-2xx geoprocessing response.
//
// Raw bodies are never included; they can echo the submitted geometry and tokens.
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string
	Message    string

	// Snippet is a redacted, truncated hint for non-JSON responses.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "geoprocessing http error"
	}
	parts := []string{
		fmt.Sprintf("geoprocessing api error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "message="+strings.TrimSpace(e.Message))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return strings.Join(parts, " ")
}

func newHTTPError(op string, resp Response) error {
	h := &HTTPError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if h.Status == "" {
		h.Status = fmt.Sprintf("%d", resp.StatusCode)
	}

	var env arcgisErrorEnvelope
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &env) == nil && strings.TrimSpace(env.Error.Message) != "" {
		h.Message = util.RedactSecrets(env.Error.Message)
		return h
	}

	h.Snippet = redactAndTruncate(resp.Body)
	return h
}

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	const max = 256
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := util.RedactSecrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > max {
		return s + "..."
	}
	return s
}
