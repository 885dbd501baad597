package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/db"
	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/memory"
	"github.com/quillhq/quill/internal/orchestrator"
	"github.com/quillhq/quill/internal/skills"
	"github.com/quillhq/quill/internal/tools"
)

func chatCmd() *cobra.Command {
	var conversationID string
	var providerName string
	var parallel bool
	var mcpEndpoint string

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with a language-model backend",
		Long: `Send a message and stream the response. With no prompt argument an
interactive session starts.

Examples:
  quill chat "explain goroutines"
  quill chat                          # interactive
  quill chat --parallel "compare answers"
  quill chat -c work-notes            # named conversation`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runChat(cfg, args, chatOptions{
				conversationID: conversationID,
				providerName:   providerName,
				parallel:       parallel,
				mcpEndpoint:    mcpEndpoint,
			})
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation id (default: a new one)")
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "backend to use (default: first configured)")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "fan the prompt out to all configured backends")
	cmd.Flags().StringVar(&mcpEndpoint, "mcp", "", "MCP endpoint for tool execution")

	return cmd
}

type chatOptions struct {
	conversationID string
	providerName   string
	parallel       bool
	mcpEndpoint    string
}

func runChat(cfg *config.Config, args []string, opts chatOptions) error {
	store, err := db.NewSQLite(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	repo := db.NewMessageRepository(store)

	providers := createProviders(cfg)
	if len(providers) == 0 {
		return fmt.Errorf("no providers configured. Set an API key in %s or add an ollama entry", cfg.DataDir)
	}

	provider := providers[0]
	if opts.providerName != "" {
		if provider = providerByID(providers, opts.providerName); provider == nil {
			return fmt.Errorf("provider %q not configured", opts.providerName)
		}
	}

	bus := events.NewSubject(events.WithReplay(8))
	defer events.Complete(bus)

	loader := skills.NewLoader(cfg.SkillsPath())
	if err := loader.LoadAll(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load skills: %v\n", err)
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if err := loader.Watch(watchCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: skill hot-reload unavailable: %v\n", err)
	}
	defer loader.Stop()

	o := orchestrator.New(cfg, provider, repo)
	o.SetSkills(loader)
	o.SetBus(bus)

	if opts.mcpEndpoint != "" {
		invoker := tools.NewMCPInvoker(opts.mcpEndpoint)
		defer invoker.Close()
		o.SetInvoker(invoker)
	}

	if cfg.Memory.Enabled {
		extractionProvider := provider
		if cfg.Memory.Provider != "" {
			if p := providerByID(providers, cfg.Memory.Provider); p != nil {
				extractionProvider = p
			}
		}
		o.SetExtractor(memory.NewExtractor(extractionProvider, bus))
	}

	if opts.parallel {
		cfg.Parallel.Enabled = true
		o.SetParallelProviders(selectParallelProviders(cfg, providers))
	}

	convID := opts.conversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	if err := o.SetConversation(context.Background(), convID); err != nil {
		return err
	}

	o.SetCallbacks(chatCallbacks())

	events.Subscribe(bus, events.TopicMemoryExtracted, func(ctx context.Context, m events.MemoryExtracted) error {
		if verbose {
			fmt.Printf("\033[90m[memory] %d facts extracted\033[0m\n", len(m.Facts))
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n\033[33mInterrupted\033[0m")
		o.Cancel()
		cancel()
	}()

	if len(args) == 0 {
		return runInteractive(ctx, o)
	}
	return sendAndWait(ctx, o, strings.Join(args, " "))
}

// selectParallelProviders picks the configured fan-out set, defaulting
// to every provider.
func selectParallelProviders(cfg *config.Config, providers []ai.Provider) []ai.Provider {
	if len(cfg.Parallel.Providers) == 0 {
		return providers
	}
	var out []ai.Provider
	for _, name := range cfg.Parallel.Providers {
		if p := providerByID(providers, name); p != nil {
			out = append(out, p)
		}
	}
	return out
}

func chatCallbacks() orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnText: func(delta string) {
			fmt.Print(delta)
		},
		OnParallelText: func(provider, delta string) {
			// Interleaved fan-out output is unreadable raw; tag each chunk.
			fmt.Printf("\033[35m[%s]\033[0m %s", provider, delta)
		},
		OnThinking: func(status string) {
			if verbose {
				fmt.Printf("\033[90m[thinking] %s\033[0m", status)
			}
		},
		OnToolCall: func(call orchestrator.LiveToolCall) {
			switch call.Status {
			case orchestrator.ToolCallRunning:
				fmt.Printf("\n\033[33m[tool: %s]\033[0m\n", call.Name)
			case orchestrator.ToolCallError:
				fmt.Printf("\n\033[31m[tool %s failed: %s]\033[0m\n", call.Name, call.Output)
			}
		},
		OnArtifact: func(a *orchestrator.Artifact) {
			fmt.Printf("\n\033[90m── artifact: %s ──\033[0m\n", a.Title)
		},
		OnError: func(message string) {
			fmt.Fprintf(os.Stderr, "\n\033[31m%s\033[0m\n", message)
		},
	}
}

// sendAndWait runs one exchange to a resting state.
func sendAndWait(ctx context.Context, o *orchestrator.Orchestrator, prompt string) error {
	err := o.Send(ctx, prompt)
	switch {
	case err == nil:
	case isConfirmationRequired(err):
		warning := o.PendingWarning()
		fmt.Printf("\033[33mWarning: %s screening flagged this prompt (%s).\033[0m\n",
			warning.Stage, strings.Join(warning.Patterns, ", "))
		if !promptYesNo("Send anyway?") {
			_ = o.CancelPendingSend()
			return nil
		}
		if err := o.ConfirmPendingSend(ctx); err != nil {
			return err
		}
	default:
		return err
	}

	waitForRest(ctx, o)
	fmt.Println()
	return nil
}

func runInteractive(ctx context.Context, o *orchestrator.Orchestrator) error {
	fmt.Println("\033[1mQuill Interactive Mode\033[0m")
	fmt.Println("Type a message and press Enter. /help for commands, Ctrl+C to exit.")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("\033[36m> \033[0m")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if handleCommand(line, o) {
				continue
			}
		}

		fmt.Print("\033[32m")
		if err := sendAndWait(ctx, o, line); err != nil {
			fmt.Fprintf(os.Stderr, "\033[31mError: %v\033[0m\n", err)
		}
		fmt.Print("\033[0m")
	}
}

func handleCommand(cmd string, o *orchestrator.Orchestrator) bool {
	switch cmd {
	case "/help":
		fmt.Println(`Commands:
  /help     - Show this help
  /cancel   - Cancel the active generation
  /tools    - Show tool calls from the current exchange
  /quit     - Exit`)
		return true

	case "/cancel":
		o.Cancel()
		fmt.Println("Cancelled.")
		return true

	case "/tools":
		calls := o.ToolCalls()
		if len(calls) == 0 {
			fmt.Println("No tool calls in the current exchange.")
			return true
		}
		for _, c := range calls {
			fmt.Printf("  %s %s [%s] retries=%d\n", c.ID, c.Name, c.Status, c.RetryCount)
		}
		return true

	case "/quit", "/exit":
		os.Exit(0)
		return true
	}
	return false
}

func isConfirmationRequired(err error) bool {
	return errors.Is(err, orchestrator.ErrConfirmationRequired)
}

func promptYesNo(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// waitForRest blocks until the orchestrator leaves its active states.
func waitForRest(ctx context.Context, o *orchestrator.Orchestrator) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		switch o.State() {
		case orchestrator.StateSending, orchestrator.StateStreaming:
		default:
			return
		}
	}
}
