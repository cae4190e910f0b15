package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"LogChat/internal/backend"
	"LogChat/internal/cache"
	"LogChat/internal/config"
	"LogChat/internal/prompt"
	"LogChat/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const instrumentationName = "LogChat/internal/completion"

// Options configures a Client
type Options struct {
	APIKey     string
	URL        string // defaults to backend.DefaultCompletionsURL
	Model      string
	Generation config.Generation
	Persona    prompt.Persona
	Policy     session.Policy
	Budget     int // prompt budget in characters

	// Timeout bounds a blocking call and, for a stream, the wait for headers
	// and for each line; StreamTimeout bounds a whole stream. Zero leaves the
	// call bounded only by the caller's context.
	Timeout       time.Duration
	StreamTimeout time.Duration

	HTTPClient *http.Client
	Cache      *cache.Cache
	Limiter    *rate.Limiter
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
}

// Client sends one linear conversation to a completions endpoint.
// Calls are serialized: a second call waits until the first finishes.
type Client struct {
	opts         Options
	builder      prompt.Builder
	session      *session.Session
	httpClient   *http.Client
	streamClient *http.Client
	sem          *semaphore.Weighted
	logger       *slog.Logger
	tracer       trace.Tracer
	meter        metric.Meter
	duration     metric.Float64Histogram
	fragments    metric.Int64Counter
}

// New creates a client with an empty session
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.URL == "" {
		opts.URL = backend.DefaultCompletionsURL
	}
	if opts.Generation.Stop == nil {
		opts.Generation.Stop = backend.DefaultStop
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	blocking := *httpClient
	if opts.Timeout > 0 {
		blocking.Timeout = opts.Timeout
	}
	// A client timeout would cut streams off mid-body
	streaming := *httpClient
	streaming.Timeout = 0

	builder := prompt.Builder{
		Preamble: opts.Persona.Preamble,
		Budget:   opts.Budget,
		Roles:    opts.Persona.Roles,
	}

	c := &Client{
		opts:         opts,
		builder:      builder,
		httpClient:   &blocking,
		streamClient: &streaming,
		sem:          semaphore.NewWeighted(1),
		logger:       logger,
		tracer:       tracer,
		meter:        meter,
	}
	c.session = session.New(session.Options{
		Policy:  opts.Policy,
		Budget:  opts.Budget,
		Measure: builder.HistoryLength,
	})

	var err error
	c.duration, err = meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", "error", err)
	}
	c.fragments, err = meter.Int64Counter(
		"llm.stream.fragments",
		metric.WithDescription("Text fragments received from streamed completions"),
	)
	if err != nil {
		logger.Warn("failed to create fragment counter", "error", err)
	}

	logger.Info("created completion client",
		"session_id", c.session.ID,
		"model", opts.Model,
		"persona", opts.Persona.Name,
		"policy", opts.Policy.String(),
		"budget", opts.Budget,
	)
	return c, nil
}

// Session returns the session backing this client
func (c *Client) Session() *session.Session {
	return c.session
}

// History returns a copy of the retained turns
func (c *Client) History() []session.Turn {
	return c.session.Turns()
}

// Reset clears the conversation history
func (c *Client) Reset() {
	c.session.Reset()
	c.logger.Info("session reset", "session_id", c.session.ID)
}

// SendMessage sends text and waits for the complete response. The returned
// text is trimmed and appended to history together with text.
func (c *Client) SendMessage(ctx context.Context, text string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("failed to acquire session: %w", err)
	}
	defer c.sem.Release(1)

	ctx, span := c.tracer.Start(ctx, "completion.send")
	defer span.End()

	response, err := c.send(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("completion failed", "session_id", c.session.ID, "error", err)
		return "", err
	}
	return response, nil
}

func (c *Client) send(ctx context.Context, text string) (string, error) {
	p := c.buildPrompt(text)

	var cacheKey string
	if c.opts.Cache != nil {
		cacheKey = cache.GenerateCacheKey(c.opts.Model, p.Text)
		if cached, ok := c.opts.Cache.Load(cacheKey); ok {
			c.logger.Info("cache hit", "session_id", c.session.ID, "key", cacheKey[:16])
			c.appendTurn(text, cached)
			return cached, nil
		}
	}

	resp, err := c.post(ctx, c.httpClient, p.Text, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError("read response", err)
	}

	var apiResp backend.CompletionResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", malformedError(err)
	}
	c.recordMetrics(ctx, apiResp.Usage)

	raw, ok := apiResp.FirstText()
	if !ok {
		return "", ErrEmptyCompletion
	}

	response := strings.TrimSpace(raw)
	c.appendTurn(text, response)
	if c.opts.Cache != nil {
		c.opts.Cache.Store(cacheKey, response)
	}
	return response, nil
}

// SendMessageStream sends text and returns a stream of response fragments.
// A non-2xx status fails here, before any fragment. The caller must drain
// the stream to io.EOF or Close it; until then other calls wait.
func (c *Client) SendMessageStream(ctx context.Context, text string) (*Stream, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}

	stopTimeout := func() {}
	if c.opts.StreamTimeout > 0 {
		ctx, stopTimeout = context.WithTimeout(ctx, c.opts.StreamTimeout)
	}
	ctx, cancelCause := context.WithCancelCause(ctx)
	cancel := func(cause error) {
		cancelCause(cause)
		stopTimeout()
	}
	ctx, span := c.tracer.Start(ctx, "completion.stream")

	// Timeout bounds the wait for response headers here and the gap between
	// lines in Recv
	var headerTimer *time.Timer
	if c.opts.Timeout > 0 {
		headerTimer = time.AfterFunc(c.opts.Timeout, func() { cancel(ErrResponseTimeout) })
	}

	p := c.buildPrompt(text)
	resp, err := c.post(ctx, c.streamClient, p.Text, true)
	if headerTimer != nil && !headerTimer.Stop() && err == nil {
		resp.Body.Close()
		err = transportError("receive response headers", ErrResponseTimeout)
	}
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrResponseTimeout) && !errors.Is(err, ErrResponseTimeout) {
			err = transportError("receive response headers", ErrResponseTimeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel(nil)
		c.sem.Release(1)
		c.logger.Error("stream request failed", "session_id", c.session.ID, "error", err)
		return nil, err
	}

	return newStream(ctx, c, cancel, span, resp.Body, text), nil
}

func (c *Client) buildPrompt(text string) prompt.Prompt {
	p := c.builder.Build(text, c.session.Turns())
	if p.Dropped > 0 {
		c.logger.Info("trimmed history to fit prompt budget",
			"session_id", c.session.ID,
			"dropped", p.Dropped,
			"kept", p.Kept,
			"budget", c.opts.Budget,
		)
	}
	return p
}

func (c *Client) request(promptText string, stream bool) backend.CompletionRequest {
	g := c.opts.Generation
	return backend.CompletionRequest{
		Model:            c.opts.Model,
		Prompt:           promptText,
		MaxTokens:        g.MaxTokens,
		Temperature:      g.Temperature,
		TopP:             g.TopP,
		FrequencyPenalty: g.FrequencyPenalty,
		PresencePenalty:  g.PresencePenalty,
		BestOf:           g.BestOf,
		Stop:             g.Stop,
		Stream:           stream,
	}
}

// post issues the completion request and returns a response with a 2xx status
func (c *Client) post(ctx context.Context, hc *http.Client, promptText string, stream bool) (*http.Response, error) {
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
		}
	}

	jsonData, err := json.Marshal(c.request(promptText, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return nil, transportError("send request", err)
	}

	if c.duration != nil {
		c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(
				attribute.Int("http.response.status_code", resp.StatusCode),
				attribute.Bool("llm.stream", stream),
			),
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &RequestFailedError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	c.logger.Debug("completion request accepted",
		"session_id", c.session.ID,
		"status", resp.StatusCode,
		"stream", stream,
		"prompt_chars", len([]rune(promptText)),
	)
	return resp, nil
}

func (c *Client) appendTurn(input, response string) {
	dropped := c.session.Append(session.Turn{Input: input, Response: response})
	c.logger.Info("turn recorded",
		"session_id", c.session.ID,
		"turns", c.session.Len(),
		"dropped", dropped,
	)
}

// recordMetrics records OpenTelemetry metrics from usage data
func (c *Client) recordMetrics(ctx context.Context, usage map[string]interface{}) {
	if usage == nil {
		return
	}

	for key, value := range usage {
		if intVal, ok := value.(float64); ok {
			counter, err := c.meter.Int64Counter(
				fmt.Sprintf("llm.usage.%s", key),
				metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
			)
			if err != nil {
				c.logger.Warn("failed to create counter", "key", key, "error", err)
				continue
			}
			counter.Add(ctx, int64(intVal))
		}
	}
}
