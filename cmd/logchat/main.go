package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"LogChat/internal/chatbot"
	"LogChat/internal/config"
	"LogChat/internal/prompt"
)

func main() {
	cfg := config.Default()

	configPath := flag.String("config", "logchat.toml", "Path to a TOML config file (optional)")
	model := flag.String("model", "", "Completion model")
	persona := flag.String("persona", "", "Persona ("+strings.Join(prompt.PersonaNames(), "|")+")")
	policy := flag.String("history", "", "History policy (none|full|last)")
	budget := flag.Int("budget", 0, "Prompt budget in characters")
	stream := flag.Bool("stream", true, "Stream responses as they are generated")
	debug := flag.Bool("debug", false, "Enable debug logging")
	telemetry := flag.Bool("telemetry", false, "Export traces and metrics to the log directory")
	flag.Parse()

	explicitConfig := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicitConfig = true
		}
	})
	if err := config.LoadFile(*configPath, &cfg, !explicitConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.ApplyEnv(&cfg)

	// Flags override the file and environment only when given
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model":
			cfg.Model = *model
		case "persona":
			cfg.Persona = *persona
		case "history":
			cfg.HistoryPolicy = *policy
		case "budget":
			cfg.PromptBudget = *budget
		case "stream":
			cfg.Stream = *stream
		case "debug":
			cfg.Debug = *debug
		case "telemetry":
			cfg.Telemetry = *telemetry
		}
	})

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chat: %v\n", err)
		os.Exit(1)
	}

	if err := bot.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
