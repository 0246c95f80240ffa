package remote

import (
	"fmt"
	"strings"
)

// ManifestError reports a manifest that could not be fetched or parsed.
// It is fatal for the run and is raised before any file operation.
type ManifestError struct {
	URL string
	Err error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %v", e.URL, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// IncompatibleServerError reports a server that cannot serve this client
type IncompatibleServerError struct {
	Reason string
}

func (e *IncompatibleServerError) Error() string {
	return "incompatible server: " + e.Reason
}

// StatusError is a non-2xx HTTP response
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}
