package completion

import (
	"errors"
	"fmt"

	"LogChat/internal/config"
)

var (
	// ErrTransport reports a network failure before or during a request
	ErrTransport = errors.New("transport error")
	// ErrMalformedResponse reports a body that does not decode into a completion
	ErrMalformedResponse = errors.New("malformed response")
	// ErrEmptyCompletion reports a decoded response that carried no choice text
	ErrEmptyCompletion = errors.New("empty completion")
	// ErrStreamClosed is returned by Recv after the consumer closed the stream
	ErrStreamClosed = errors.New("stream closed")
	// ErrMissingAPIKey is returned by New when no API key is configured
	ErrMissingAPIKey = config.ErrMissingAPIKey
	// ErrResponseTimeout reports a server that went quiet for longer than
	// the client timeout, before the headers or between stream lines
	ErrResponseTimeout = errors.New("timed out waiting for the server")
)

// RequestFailedError reports an HTTP status outside 200-299
type RequestFailedError struct {
	StatusCode int
	Body       string
}

func (e *RequestFailedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

func transportError(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrTransport, op, err)
}

func malformedError(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
}
