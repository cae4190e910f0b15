package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"LogChat/internal/cache"
	"LogChat/internal/completion"
	"LogChat/internal/config"
	"LogChat/internal/conversation"
	"LogChat/internal/prompt"
	"LogChat/internal/telemetry"

	"github.com/peterh/liner"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ChatBot represents the interactive terminal front end
type ChatBot struct {
	config  config.Config
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	out     io.Writer
	client  *completion.Client
	conv    *conversation.Conversation
	persona prompt.Persona
	cleanup []func()

	mu     sync.Mutex
	cancel context.CancelFunc // cancels the in-flight request
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg config.Config) (*ChatBot, error) {
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	var (
		tracer  trace.Tracer
		meter   metric.Meter
		cleanup = []func(){func() { logFile.Close() }}
	)
	if cfg.Telemetry {
		var shutdown func()
		tracer, meter, shutdown, err = telemetry.InitTelemetry(context.Background(), cfg.LogDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		cleanup = append([]func(){shutdown}, cleanup...)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	cb, err := newChatBot(cfg, logger, tracer, meter, os.Stdout)
	if err != nil {
		return nil, err
	}
	cb.cleanup = cleanup
	return cb, nil
}

func newChatBot(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter, out io.Writer) (*ChatBot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cb := &ChatBot{
		config: cfg,
		logger: logger,
		tracer: tracer,
		meter:  meter,
		out:    out,
	}
	if err := cb.connect(cfg.ResolvePersona(time.Now())); err != nil {
		return nil, err
	}
	return cb, nil
}

// connect builds a fresh client and transcript for persona
func (cb *ChatBot) connect(persona prompt.Persona) error {
	policy, err := cb.config.Policy()
	if err != nil {
		return err
	}

	opts := completion.Options{
		APIKey:        cb.config.APIKey,
		URL:           cb.config.URL,
		Model:         cb.config.Model,
		Generation:    cb.config.Generation,
		Persona:       persona,
		Policy:        policy,
		Budget:        cb.config.PromptBudget,
		Timeout:       cb.config.Timeout(),
		StreamTimeout: cb.config.StreamTimeout(),
		Logger:        cb.logger,
		Tracer:        cb.tracer,
		Meter:         cb.meter,
	}
	if cb.config.CacheResponses {
		opts.Cache = cache.New(cb.config.CacheTTL())
	}
	if cb.config.RequestsPerSecond > 0 {
		burst := cb.config.RequestBurst
		if burst < 1 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(cb.config.RequestsPerSecond), burst)
	}

	client, err := completion.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create completion client: %w", err)
	}

	cb.client = client
	cb.persona = persona
	cb.conv = conversation.New(client, conversation.Options{
		Stream:     cb.config.Stream,
		OnFragment: cb.printFragment(),
	})
	return nil
}

// printFragment returns a callback that prints only the newly visible text of a row
func (cb *ChatBot) printFragment() func(conversation.Row, string) {
	var rowID, printed string
	return func(row conversation.Row, _ string) {
		if row.ID != rowID {
			rowID, printed = row.ID, ""
		}
		if strings.HasPrefix(row.ResponseText, printed) {
			fmt.Fprint(cb.out, row.ResponseText[len(printed):])
			printed = row.ResponseText
		}
	}
}

// send runs one exchange and prints the outcome
func (cb *ChatBot) send(ctx context.Context, run func(ctx context.Context) (conversation.Row, error)) {
	ctx, cancel := context.WithCancel(ctx)
	cb.mu.Lock()
	cb.cancel = cancel
	cb.mu.Unlock()
	defer func() {
		cb.mu.Lock()
		cb.cancel = nil
		cb.mu.Unlock()
		cancel()
	}()

	fmt.Fprint(cb.out, "Bot: ")
	row, err := run(ctx)
	// streamed text was already printed fragment by fragment
	if !cb.config.Stream {
		fmt.Fprint(cb.out, row.ResponseText)
	}
	fmt.Fprintln(cb.out)

	if err != nil {
		cb.logger.Error("failed to send message", "error", err)
		fmt.Fprintf(cb.out, "Error: %s (type /retry to send it again)\n", describe(err))
	}
	fmt.Fprintln(cb.out)
}

// describe renders an error for the terminal
func describe(err error) string {
	var reqErr *completion.RequestFailedError
	switch {
	case errors.As(err, &reqErr):
		return fmt.Sprintf("the server answered with status %d", reqErr.StatusCode)
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, completion.ErrResponseTimeout):
		return "the server stopped responding"
	case errors.Is(err, completion.ErrTransport):
		return "could not reach the server"
	case errors.Is(err, completion.ErrMalformedResponse):
		return "the server sent a response that could not be read"
	case errors.Is(err, completion.ErrEmptyCompletion):
		return "the server sent an empty response"
	default:
		return err.Error()
	}
}

// interrupt cancels the in-flight request, if any
func (cb *ChatBot) interrupt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.cancel == nil {
		return false
	}
	cb.cancel()
	return true
}

// watchInterrupts cancels the in-flight request on SIGINT until the
// returned stop func is called
func (cb *ChatBot) watchInterrupts() (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		for {
			select {
			case <-sigChan:
				if cb.interrupt() {
					fmt.Fprint(cb.out, " [cancelled]")
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
		<-exited
	}
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/reset", "/new-session":
		cb.client.Reset()
		cb.conv.Clear()
		fmt.Fprintln(cb.out, "Conversation cleared.")
		return false, nil

	case "/retry":
		row, ok := cb.conv.LastFailed()
		if !ok {
			fmt.Fprintln(cb.out, "Nothing to retry.")
			return false, nil
		}
		fmt.Fprintf(cb.out, "You: %s\n", row.SendText)
		cb.send(ctx, func(ctx context.Context) (conversation.Row, error) {
			return cb.conv.Retry(ctx, row.ID)
		})
		return false, nil

	case "/history":
		turns := cb.client.History()
		if len(turns) == 0 {
			fmt.Fprintln(cb.out, "No history yet.")
			return false, nil
		}
		for i, turn := range turns {
			fmt.Fprintf(cb.out, "%d. You: %s\n   Bot: %s\n", i+1, turn.Input, turn.Response)
		}
		return false, nil

	case "/session":
		s := cb.client.Session()
		fmt.Fprintf(cb.out, "Session: %s\nPersona: %s\nPolicy: %s\nBudget: %d chars\nTurns: %d\nStreaming: %t\n",
			s.ID, cb.persona.Name, s.Policy, s.Budget, s.Len(), cb.config.Stream)
		return false, nil

	case "/stream":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /stream on|off")
		}
		switch parts[1] {
		case "on":
			cb.config.Stream = true
		case "off":
			cb.config.Stream = false
		default:
			return false, fmt.Errorf("usage: /stream on|off")
		}
		cb.conv.SetStream(cb.config.Stream)
		fmt.Fprintf(cb.out, "Streaming %s\n", parts[1])
		return false, nil

	case "/persona":
		if len(parts) < 2 {
			fmt.Fprintf(cb.out, "Persona: %s (available: %s)\n", cb.persona.Name, strings.Join(prompt.PersonaNames(), ", "))
			return false, nil
		}
		persona, ok := prompt.LookupPersona(parts[1], time.Now())
		if !ok {
			return false, fmt.Errorf("unknown persona: %s", parts[1])
		}
		if err := cb.connect(persona); err != nil {
			return false, err
		}
		fmt.Fprintf(cb.out, "Switched to %s persona; conversation cleared.\n", persona.Name)
		return false, nil

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /quit, /exit       - Exit the chat")
		fmt.Fprintln(cb.out, "  /reset             - Clear the conversation")
		fmt.Fprintln(cb.out, "  /retry             - Resend the last failed message")
		fmt.Fprintln(cb.out, "  /history           - Show the turns sent as context")
		fmt.Fprintln(cb.out, "  /session           - Show session settings")
		fmt.Fprintln(cb.out, "  /stream on|off     - Toggle streamed responses")
		fmt.Fprintln(cb.out, "  /persona [name]    - Show or switch persona")
		fmt.Fprintln(cb.out, "  /help              - Show this help message")
		fmt.Fprintln(cb.out, "Press Ctrl+C while a response is arriving to cancel it.")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (type /help)", parts[0])
	}
}

// Run starts the chat loop
func (cb *ChatBot) Run() error {
	defer func() {
		for _, fn := range cb.cleanup {
			fn()
		}
	}()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyFile := filepath.Join(cb.config.LogDir, "input_history")
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.OpenFile(historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			cb.logger.Warn("failed to save input history", "error", err)
			return
		}
		defer f.Close()
		line.WriteHistory(f)
	}()

	stopInterrupts := cb.watchInterrupts()
	defer stopInterrupts()

	fmt.Fprintln(cb.out, "=== LogChat ===")
	fmt.Fprintf(cb.out, "Session: %s\n", cb.client.Session().ID)
	fmt.Fprintf(cb.out, "Model: %s  Persona: %s\n", cb.config.Model, cb.persona.Name)
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)

	ctx := context.Background()
	for {
		input, err := line.Prompt("You: ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(cb.out, "Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		cb.send(ctx, func(ctx context.Context) (conversation.Row, error) {
			return cb.conv.Send(ctx, input)
		})
	}

	fmt.Fprintln(cb.out, "Goodbye!")
	return nil
}
