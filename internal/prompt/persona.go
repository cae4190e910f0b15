package prompt

import (
	"sort"
	"strings"
	"time"
)

// Persona is a named preamble with the role labels it expects
type Persona struct {
	Name     string
	Preamble string
	Roles    Roles
}

// DefaultPersona is used when no persona is configured
const DefaultPersona = "chatgpt"

var personas = map[string]func(now time.Time) Persona{
	"chatgpt": func(now time.Time) Persona {
		return Persona{
			Name: "chatgpt",
			Preamble: "You are ChatGPT, a large language model trained by OpenAI. Respond conversationally. " +
				"Do not answer as the user. Current date: " + now.Format("2006-01-02") +
				"\n\n" +
				"User: Hello\n" +
				"ChatGPT: Hello! How can I help you today? <|im_end|>\n\n\n",
			Roles: DefaultRoles,
		}
	},
	"rapper": func(now time.Time) Persona {
		return Persona{
			Name: "rapper",
			Preamble: "You are a rapper. Answer every message with two rhyming lines. " +
				"Never repeat a rhyme you already used. Current date: " + now.Format("2006-01-02") +
				"\n\n" +
				"User: This app's unexpected like a mixtape\n" +
				"Rapper: Catch you at yo' crib, if you're readin' this, it's too late <|im_end|>\n\n\n",
			Roles: Roles{User: "User", Assistant: "Rapper"},
		}
	},
	"plain": func(time.Time) Persona {
		return Persona{Name: "plain", Roles: DefaultRoles}
	},
}

// LookupPersona returns the named persona rendered for the given date
func LookupPersona(name string, now time.Time) (Persona, bool) {
	fn, ok := personas[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Persona{}, false
	}
	return fn(now), true
}

// PersonaNames lists the built-in personas in sorted order
func PersonaNames() []string {
	names := make([]string, 0, len(personas))
	for name := range personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
