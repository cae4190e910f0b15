package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Policy selects how much conversation history a session retains
type Policy int

const (
	// PolicyNone never retains history; every prompt is built from the preamble alone
	PolicyNone Policy = iota
	// PolicyFull retains every successful turn, trimmed oldest-first to the budget
	PolicyFull
	// PolicyLast retains only the most recent turn
	PolicyLast
)

// String returns the configuration name of the policy
func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyFull:
		return "full"
	case PolicyLast:
		return "last"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration name to a Policy
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return PolicyNone, nil
	case "full", "full-with-budget":
		return PolicyFull, nil
	case "last", "last-turn-only":
		return PolicyLast, nil
	default:
		return PolicyNone, fmt.Errorf("unknown history policy: %q", name)
	}
}

// Turn is one user input and the completed model response
type Turn struct {
	Input     string    `json:"input"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// MeasureFunc reports the rendered length of a history in characters
type MeasureFunc func(turns []Turn) int

// Options configures a new Session
type Options struct {
	Policy  Policy
	Budget  int         // maximum rendered history length; <= 0 disables trimming
	Measure MeasureFunc // nil falls back to the raw text length of each turn
}

// Session holds the rolling history of a single conversation
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	Policy    Policy    `json:"policy"`
	Budget    int       `json:"budget"`

	mu      sync.RWMutex
	turns   []Turn
	measure MeasureFunc
}

// New creates an empty session
func New(opts Options) *Session {
	measure := opts.Measure
	if measure == nil {
		measure = rawLength
	}
	return &Session{
		ID:        uuid.New().String(),
		StartTime: time.Now(),
		Policy:    opts.Policy,
		Budget:    opts.Budget,
		measure:   measure,
	}
}

// Append records a completed turn according to the session policy and returns
// the number of older turns dropped to honor the budget.
func (s *Session) Append(turn Turn) int {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Policy {
	case PolicyNone:
		return 0
	case PolicyLast:
		dropped := len(s.turns)
		s.turns = []Turn{turn}
		return dropped
	}

	s.turns = append(s.turns, turn)
	dropped := 0
	for s.Budget > 0 && len(s.turns) > 0 && s.measure(s.turns) > s.Budget {
		s.turns = s.turns[1:]
		dropped++
	}
	return dropped
}

// Turns returns a copy of the retained history in chronological order
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	return turns
}

// Len returns the number of retained turns
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Last returns the most recent turn, if any
func (s *Session) Last() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// Reset drops all retained turns
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

func rawLength(turns []Turn) int {
	n := 0
	for _, t := range turns {
		n += len([]rune(t.Input)) + len([]rune(t.Response))
	}
	return n
}
