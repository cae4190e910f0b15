package prompt

import (
	"strings"
	"unicode/utf8"

	"LogChat/internal/session"
)

// Roles holds the speaker labels written in front of each line of the prompt
type Roles struct {
	User      string
	Assistant string
}

// DefaultRoles matches the labels used by the default persona
var DefaultRoles = Roles{User: "User", Assistant: "ChatGPT"}

// Builder composes completion prompts from a preamble, history and new input
type Builder struct {
	Preamble string
	Budget   int // maximum prompt length in characters; <= 0 disables trimming
	Roles    Roles
}

// Prompt is a built prompt plus how much history survived trimming
type Prompt struct {
	Text    string
	Kept    int
	Dropped int
}

// Build renders the prompt for userText, dropping the oldest turns until the
// text fits the budget or no history is left.
func (b Builder) Build(userText string, history []session.Turn) Prompt {
	return b.build(userText, history, 0)
}

func (b Builder) build(userText string, history []session.Turn, dropped int) Prompt {
	text := b.render(userText, history)
	if b.Budget > 0 && utf8.RuneCountInString(text) > b.Budget && len(history) > 0 {
		return b.build(userText, history[1:], dropped+1)
	}
	return Prompt{Text: text, Kept: len(history), Dropped: dropped}
}

// HistoryLength is the rendered length of history alone, usable as a
// session.MeasureFunc.
func (b Builder) HistoryLength(history []session.Turn) int {
	var sb strings.Builder
	b.writeHistory(&sb, history)
	return utf8.RuneCountInString(sb.String())
}

func (b Builder) render(userText string, history []session.Turn) string {
	roles := b.roles()

	var sb strings.Builder
	sb.WriteString(b.Preamble)
	b.writeHistory(&sb, history)
	sb.WriteString(roles.User)
	sb.WriteString(": ")
	sb.WriteString(userText)
	sb.WriteString("\n\n\n")
	sb.WriteString(roles.Assistant)
	sb.WriteString(":")
	return sb.String()
}

func (b Builder) writeHistory(sb *strings.Builder, history []session.Turn) {
	roles := b.roles()
	for _, t := range history {
		sb.WriteString(roles.User)
		sb.WriteString(": ")
		sb.WriteString(t.Input)
		sb.WriteString("\n")
		sb.WriteString(roles.Assistant)
		sb.WriteString(": ")
		sb.WriteString(t.Response)
		sb.WriteString("\n")
	}
}

func (b Builder) roles() Roles {
	r := b.Roles
	if r.User == "" {
		r.User = DefaultRoles.User
	}
	if r.Assistant == "" {
		r.Assistant = DefaultRoles.Assistant
	}
	return r
}

// Build renders a prompt with the default role labels
func Build(userText string, history []session.Turn, preamble string, budget int) string {
	return Builder{Preamble: preamble, Budget: budget}.Build(userText, history).Text
}
