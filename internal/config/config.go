package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"LogChat/internal/backend"
	"LogChat/internal/prompt"
	"LogChat/internal/session"

	"github.com/BurntSushi/toml"
)

// Environment variables read by ApplyEnv
const (
	// EnvAPIKey holds the bearer token for the completions API
	EnvAPIKey = "OPENAI_API_KEY"
	// EnvModel overrides the configured model
	EnvModel = "LOGCHAT_MODEL"
	// EnvURL overrides the completions endpoint
	EnvURL = "LOGCHAT_URL"
)

// Built-in defaults used by Default
const (
	// DefaultModel is a model still served by the legacy completions endpoint
	DefaultModel = "gpt-3.5-turbo-instruct"
	// DefaultPromptBudget is the prompt size limit in characters
	DefaultPromptBudget = 4000
	// DefaultTimeout bounds a blocking call and the silent gaps of a stream
	DefaultTimeout = 60 * time.Second
	// DefaultMaxTokens caps the length of each response
	DefaultMaxTokens = 256
	// DefaultTemperature is the sampling temperature
	DefaultTemperature = 0.8
	// DefaultHistoryPolicy keeps every turn that fits the budget
	DefaultHistoryPolicy = "full"
)

// ErrMissingAPIKey is returned by Validate when no API key was supplied
var ErrMissingAPIKey = errors.New("api key not set (use " + EnvAPIKey + ")")

// Generation holds the sampling parameters sent with every request
type Generation struct {
	MaxTokens        int      `toml:"max_tokens"`
	Temperature      float64  `toml:"temperature"`
	TopP             *float64 `toml:"top_p"`
	FrequencyPenalty *float64 `toml:"frequency_penalty"`
	PresencePenalty  *float64 `toml:"presence_penalty"`
	BestOf           *int     `toml:"best_of"`
	Stop             []string `toml:"stop"`
}

// Config holds application configuration
type Config struct {
	APIKey  string `toml:"api_key"`
	URL     string `toml:"url"`
	Model   string `toml:"model"`
	Persona string `toml:"persona"`
	// Preamble replaces the persona preamble when set
	Preamble      string `toml:"preamble"`
	HistoryPolicy string `toml:"history_policy"` // none | full | last
	PromptBudget  int    `toml:"prompt_budget"`  // characters
	Stream        bool   `toml:"stream"`
	Debug         bool   `toml:"debug"`
	LogDir        string `toml:"log_dir"`
	Telemetry     bool   `toml:"telemetry"`

	TimeoutSeconds       int `toml:"timeout_seconds"`
	StreamTimeoutSeconds int `toml:"stream_timeout_seconds"` // 0 = bounded only by the caller

	CacheResponses    bool    `toml:"cache_responses"`
	CacheTTLSeconds   int     `toml:"cache_ttl_seconds"`
	RequestsPerSecond float64 `toml:"requests_per_second"` // 0 disables rate limiting
	RequestBurst      int     `toml:"request_burst"`

	Generation Generation `toml:"generation"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		URL:            backend.DefaultCompletionsURL,
		Model:          DefaultModel,
		Persona:        prompt.DefaultPersona,
		HistoryPolicy:  DefaultHistoryPolicy,
		PromptBudget:   DefaultPromptBudget,
		Stream:         true,
		LogDir:         "logs",
		TimeoutSeconds: int(DefaultTimeout / time.Second),
		RequestBurst:   1,
		Generation: Generation{
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			Stop:        append([]string(nil), backend.DefaultStop...),
		},
	}
}

// LoadFile overlays the TOML file at path onto cfg. A missing file is not an
// error when optional is true.
func LoadFile(path string, cfg *Config, optional bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv(EnvURL); v != "" {
		cfg.URL = v
	}
}

// Validate checks that the configuration can build a client
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if c.PromptBudget <= 0 {
		return fmt.Errorf("prompt budget must be positive, got %d", c.PromptBudget)
	}
	if c.Model == "" {
		return fmt.Errorf("model must be set")
	}
	if c.URL == "" {
		return fmt.Errorf("url must be set")
	}
	if c.Generation.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", c.Generation.MaxTokens)
	}
	if c.Preamble == "" {
		if _, ok := prompt.LookupPersona(c.Persona, time.Now()); !ok {
			return fmt.Errorf("unknown persona %q (available: %s)", c.Persona, strings.Join(prompt.PersonaNames(), ", "))
		}
	}
	return nil
}

// Policy parses the configured history policy
func (c Config) Policy() (session.Policy, error) {
	return session.ParsePolicy(c.HistoryPolicy)
}

// Timeout is the whole-request limit for blocking calls
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StreamTimeout bounds a streaming call from request to last fragment
func (c Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutSeconds) * time.Second
}

// CacheTTL is how long cached responses stay valid
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ResolvePersona returns the persona to use, applying a custom preamble if set
func (c Config) ResolvePersona(now time.Time) prompt.Persona {
	p, ok := prompt.LookupPersona(c.Persona, now)
	if !ok {
		p, _ = prompt.LookupPersona(prompt.DefaultPersona, now)
	}
	if c.Preamble != "" {
		p.Name = "custom"
		p.Preamble = c.Preamble
	}
	return p
}
