// Package httputil holds helpers shared by the admin HTTP clients.
package httputil

import (
	"fmt"
	"io"
	"net/http"
)

// RetriableStatus reports whether a request answered with statusCode may succeed if sent again:
// any 5xx, 408 and 429.
func RetriableStatus(statusCode int) bool {
	switch {
	case statusCode >= http.StatusInternalServerError:
		return true
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// StatusError is returned for a response with an unexpected status code.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status code %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Retriable reports whether the request may succeed if sent again
func (e *StatusError) Retriable() bool {
	return RetriableStatus(e.StatusCode)
}

// CloseResponse drains up to 2KB of the body before closing it, so that the connection of a
// small response can be reused.
func CloseResponse(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, 2<<10)
	_ = resp.Body.Close()
}
