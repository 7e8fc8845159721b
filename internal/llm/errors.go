package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrEmptyReply is returned when the endpoint answers with no content. It is
// retried like a transport failure.
var ErrEmptyReply = errors.New("empty reply from model")

// TransportError reports a failed exchange with the model endpoint.
type TransportError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] status %d: %v", e.Provider, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("[%s] %v", e.Provider, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// statusError classifies an HTTP status: 408, 429 and 5xx are retryable,
// other 4xx are not.
func statusError(provider string, code int, body string) *TransportError {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(code)
	}
	retry := code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
	return &TransportError{Provider: provider, StatusCode: code, Retryable: retry, Cause: errors.New(msg)}
}

// IsRetryable reports whether err is worth another attempt. Cancellation of
// the caller's context never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrEmptyReply) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}
