package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/logging"
)

var (
	configPath string
	verbose    bool
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quill",
		Short: "Streaming AI-chat orchestration from the terminal",
		Long: `Quill drives streaming conversations against language-model
backends with security screening, reversible redaction, adaptive chunk
buffering, tool-call retry, and optional parallel fan-out.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logging.Setup(os.Stderr, level)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data_dir>/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(chatCmd())
	cmd.AddCommand(patternsCmd())
	cmd.AddCommand(conversationsCmd())

	return cmd
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Load()
}

// createProviders builds one provider per configured backend, in config
// order.
func createProviders(cfg *config.Config) []ai.Provider {
	var providers []ai.Provider
	for _, pc := range cfg.Providers {
		switch pc.Name {
		case "anthropic":
			if pc.APIKey != "" {
				providers = append(providers, ai.NewAnthropicProvider(pc.APIKey, pc.Model))
			}
		case "openai":
			if pc.APIKey != "" {
				providers = append(providers, ai.NewOpenAIProvider(pc.APIKey, pc.Model))
			}
		case "gemini":
			if pc.APIKey != "" {
				providers = append(providers, ai.NewGeminiProvider(pc.APIKey, pc.Model))
			}
		case "ollama":
			providers = append(providers, ai.NewOllamaProvider(pc.BaseURL, pc.Model))
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown provider %q in config\n", pc.Name)
		}
	}
	return providers
}

func providerByID(providers []ai.Provider, id string) ai.Provider {
	for _, p := range providers {
		if p.ID() == id {
			return p
		}
	}
	return nil
}
