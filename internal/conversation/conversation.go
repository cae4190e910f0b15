// Package conversation keeps the visible transcript of a chat: one row per
// message sent, updated as the response streams in, with failed rows kept in
// place until they are retried.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"LogChat/internal/completion"

	"github.com/google/uuid"
)

var (
	// ErrRowNotFound is returned by Retry for an unknown row id
	ErrRowNotFound = errors.New("row not found")
	// ErrRowNotFailed is returned by Retry for a row that succeeded
	ErrRowNotFailed = errors.New("row did not fail")
)

// Sender is the part of the completion client a conversation drives
type Sender interface {
	SendMessage(ctx context.Context, text string) (string, error)
	SendMessageStream(ctx context.Context, text string) (*completion.Stream, error)
}

// Row is one sent message and its response as shown to the user
type Row struct {
	ID           string
	SendText     string
	ResponseText string
	Err          error
	Pending      bool
	SentAt       time.Time
}

// Failed reports whether the row ended with an error
func (r Row) Failed() bool {
	return r.Err != nil
}

// Options configures a Conversation
type Options struct {
	Stream bool
	// OnFragment is called with each streamed fragment, after the row is updated
	OnFragment func(row Row, fragment string)
}

// Conversation is safe for concurrent readers while a send is in progress
type Conversation struct {
	sender Sender
	opts   Options

	mu   sync.RWMutex
	rows []Row
}

// New creates an empty conversation
func New(sender Sender, opts Options) *Conversation {
	return &Conversation{sender: sender, opts: opts}
}

// SetStream switches between streamed and blocking sends
func (c *Conversation) SetStream(stream bool) {
	c.mu.Lock()
	c.opts.Stream = stream
	c.mu.Unlock()
}

// Send appends a row for text and fills it with the response. A failed row
// stays in the transcript with its error and partial text.
func (c *Conversation) Send(ctx context.Context, text string) (Row, error) {
	row := Row{
		ID:       uuid.New().String(),
		SendText: text,
		Pending:  true,
		SentAt:   time.Now(),
	}

	c.mu.Lock()
	c.rows = append(c.rows, row)
	stream := c.opts.Stream
	c.mu.Unlock()

	var err error
	if stream {
		row, err = c.sendStream(ctx, row)
	} else {
		var response string
		response, err = c.sender.SendMessage(ctx, text)
		row.ResponseText = response
	}

	row.Pending = false
	row.Err = err
	c.update(row)
	return row, err
}

func (c *Conversation) sendStream(ctx context.Context, row Row) (Row, error) {
	s, err := c.sender.SendMessageStream(ctx, row.SendText)
	if err != nil {
		return row, err
	}
	defer s.Close()

	for fragment, err := range s.All() {
		if err != nil {
			return row, err
		}
		row.ResponseText = strings.TrimSpace(s.Text())
		c.update(row)
		if c.opts.OnFragment != nil {
			c.opts.OnFragment(row, fragment)
		}
	}
	row.ResponseText = strings.TrimSpace(s.Text())
	return row, nil
}

// Retry removes a failed row and sends its text again as a new row
func (c *Conversation) Retry(ctx context.Context, id string) (Row, error) {
	c.mu.Lock()
	idx := c.indexOf(id)
	if idx < 0 {
		c.mu.Unlock()
		return Row{}, ErrRowNotFound
	}
	old := c.rows[idx]
	if !old.Failed() {
		c.mu.Unlock()
		return Row{}, ErrRowNotFailed
	}
	c.rows = append(c.rows[:idx], c.rows[idx+1:]...)
	c.mu.Unlock()

	return c.Send(ctx, old.SendText)
}

// LastFailed returns the most recent failed row
func (c *Conversation) LastFailed() (Row, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := len(c.rows) - 1; i >= 0; i-- {
		if c.rows[i].Failed() {
			return c.rows[i], true
		}
	}
	return Row{}, false
}

// Rows returns a snapshot of the transcript
func (c *Conversation) Rows() []Row {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows := make([]Row, len(c.rows))
	copy(rows, c.rows)
	return rows
}

// Clear empties the transcript
func (c *Conversation) Clear() {
	c.mu.Lock()
	c.rows = nil
	c.mu.Unlock()
}

func (c *Conversation) update(row Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := c.indexOf(row.ID); idx >= 0 {
		c.rows[idx] = row
	}
}

func (c *Conversation) indexOf(id string) int {
	for i, r := range c.rows {
		if r.ID == id {
			return i
		}
	}
	return -1
}
