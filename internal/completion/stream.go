package completion

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"LogChat/internal/backend"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	dataPrefix    = "data: "
	maxRecordSize = 1024 * 1024
)

// ParseLine maps one line of an event stream to the text fragment it carries.
// It reports false for control lines, the terminal marker and records that do
// not decode, all of which the stream skips.
func ParseLine(line string) (string, bool) {
	payload, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return "", false
	}
	var record backend.CompletionResponse
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return "", false
	}
	return record.FirstText()
}

// Stream delivers the fragments of one streamed completion in arrival order.
// It is consumed once. Recv and Close must not be called concurrently; cancel
// the context passed to SendMessageStream to interrupt a blocked Recv.
type Stream struct {
	client  *Client
	ctx     context.Context
	cancel  context.CancelCauseFunc
	idle    time.Duration
	span    trace.Span
	body    io.ReadCloser
	scanner *bufio.Scanner
	input   string

	text    strings.Builder
	count   int
	dropped int
	done    bool
	err     error
	release sync.Once
}

func newStream(ctx context.Context, c *Client, cancel context.CancelCauseFunc, span trace.Span, body io.ReadCloser, input string) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	return &Stream{
		client:  c,
		ctx:     ctx,
		cancel:  cancel,
		idle:    c.opts.Timeout,
		span:    span,
		body:    body,
		scanner: scanner,
		input:   input,
	}
}

// Recv blocks until the next fragment arrives. It returns io.EOF once the
// server closes the stream, after the full turn has been added to history.
// Any other error is terminal and leaves history unchanged.
func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", s.err
	}

	if s.idle > 0 {
		idle := time.AfterFunc(s.idle, func() { s.cancel(ErrResponseTimeout) })
		defer idle.Stop()
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		fragment, ok := ParseLine(line)
		if !ok {
			if payload, isData := strings.CutPrefix(line, dataPrefix); isData && payload != backend.StreamDoneMarker {
				s.dropped++
				s.client.logger.Debug("dropped undecodable stream record",
					"session_id", s.client.session.ID,
					"record", payload,
				)
			}
			continue
		}
		s.count++
		s.text.WriteString(fragment)
		return fragment, nil
	}

	if err := s.scanner.Err(); err != nil {
		if cause := context.Cause(s.ctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
		s.finish(transportError("read stream", err))
		return "", s.err
	}
	if cause := context.Cause(s.ctx); cause != nil {
		s.finish(transportError("read stream", cause))
		return "", s.err
	}
	if s.count == 0 {
		s.finish(ErrEmptyCompletion)
		return "", s.err
	}

	s.client.appendTurn(s.input, strings.TrimSpace(s.text.String()))
	s.finish(io.EOF)
	return "", io.EOF
}

// Text returns the fragments received so far, concatenated
func (s *Stream) Text() string {
	return s.text.String()
}

// Fragments returns how many fragments have been delivered
func (s *Stream) Fragments() int {
	return s.count
}

// Close abandons the stream. The connection is closed and no history is
// recorded unless Recv already returned io.EOF.
func (s *Stream) Close() error {
	if !s.done {
		s.client.logger.Info("stream abandoned",
			"session_id", s.client.session.ID,
			"fragments", s.count,
		)
		s.finish(ErrStreamClosed)
	}
	return nil
}

// All ranges over the remaining fragments. Iteration ends at the end of the
// stream or at the first error, which is yielded with an empty fragment.
// Breaking out of the loop closes the stream.
func (s *Stream) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.Close()
		for {
			fragment, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}

// Collect drains the stream and returns the trimmed response text
func (s *Stream) Collect() (string, error) {
	for _, err := range s.All() {
		if err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(s.text.String()), nil
}

func (s *Stream) finish(err error) {
	s.done = true
	s.err = err
	s.release.Do(func() {
		s.body.Close()
		s.cancel(nil)

		c := s.client
		if c.fragments != nil {
			c.fragments.Add(context.Background(), int64(s.count))
		}
		s.span.SetAttributes(
			attribute.Int("llm.stream.fragments", s.count),
			attribute.Int("llm.stream.dropped", s.dropped),
		)
		if err != nil && !errors.Is(err, io.EOF) {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
			if !errors.Is(err, ErrStreamClosed) {
				c.logger.Error("stream failed", "session_id", c.session.ID, "error", err)
			}
		}
		s.span.End()
		c.sem.Release(1)
	})
}
