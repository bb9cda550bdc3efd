package provider

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

var ErrModelNotSupported = errors.New("no provider supports model")

// StatusError is returned by adapters for non-2xx provider responses. The
// optimizer hands it back to callers as-is so status checks keep working.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// NewStatusError drains resp.Body into a StatusError.
func NewStatusError(provider string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(resp.Body)
	return &StatusError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    string(body),
	}
}

// StatusCode returns the provider status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsClientError reports whether err carries a 4xx status. Such errors are
// never retried and never fall back.
func IsClientError(err error) bool {
	code := StatusCode(err)
	return code >= 400 && code < 500
}
