package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/security"
)

func patternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Manage redaction patterns",
		Long: `List, add, remove, and toggle the patterns used to redact sensitive
values before text leaves the process. Built-in patterns can be
disabled but not removed; custom patterns live in the config file.`,
	}

	cmd.AddCommand(patternsListCmd())
	cmd.AddCommand(patternsAddCmd())
	cmd.AddCommand(patternsRemoveCmd())
	cmd.AddCommand(patternsToggleCmd("enable", true))
	cmd.AddCommand(patternsToggleCmd("disable", false))
	return cmd
}

// loadRedactor builds a redactor reflecting the saved config.
func loadRedactor(cfg *config.Config) *security.Redactor {
	r := security.NewRedactor()
	for _, name := range cfg.Redaction.DisabledBuiltins {
		_ = r.SetEnabled(name, false)
	}
	for _, p := range cfg.Redaction.CustomPatterns {
		if err := r.AddPattern(p.Name, p.Pattern); err != nil {
			fmt.Printf("Warning: invalid custom pattern %q: %v\n", p.Name, err)
			continue
		}
		if !p.Enabled {
			_ = r.SetEnabled(p.Name, false)
		}
	}
	return r
}

func patternsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List redaction patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, p := range loadRedactor(cfg).Patterns() {
				state := "enabled"
				if !p.Enabled {
					state = "disabled"
				}
				kind := "custom"
				if p.BuiltIn {
					kind = "built-in"
				}
				fmt.Printf("  %-18s %-8s %-9s %s\n", p.Name, kind, state, p.Pattern)
			}
			return nil
		},
	}
}

func patternsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <regex>",
		Short: "Add a custom redaction pattern",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Validate against the live redactor before persisting.
			if err := loadRedactor(cfg).AddPattern(args[0], args[1]); err != nil {
				return err
			}
			cfg.Redaction.CustomPatterns = append(cfg.Redaction.CustomPatterns, config.RedactionPatternConfig{
				Name:    args[0],
				Pattern: args[1],
				Enabled: true,
			})
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Printf("Added pattern %q\n", args[0])
			return nil
		},
	}
}

func patternsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a custom redaction pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := loadRedactor(cfg).RemovePattern(args[0]); err != nil {
				return err
			}
			kept := cfg.Redaction.CustomPatterns[:0]
			for _, p := range cfg.Redaction.CustomPatterns {
				if p.Name != args[0] {
					kept = append(kept, p)
				}
			}
			cfg.Redaction.CustomPatterns = kept
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Printf("Removed pattern %q\n", args[0])
			return nil
		},
	}
}

func patternsToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: verb + " a redaction pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r := loadRedactor(cfg)
			if err := r.SetEnabled(args[0], enabled); err != nil {
				return err
			}

			// Persist: built-ins toggle via the disabled list, custom
			// patterns carry their own flag.
			isBuiltin := false
			for _, p := range r.Patterns() {
				if p.Name == args[0] && p.BuiltIn {
					isBuiltin = true
				}
			}
			if isBuiltin {
				kept := cfg.Redaction.DisabledBuiltins[:0]
				for _, name := range cfg.Redaction.DisabledBuiltins {
					if name != args[0] {
						kept = append(kept, name)
					}
				}
				if !enabled {
					kept = append(kept, args[0])
				}
				cfg.Redaction.DisabledBuiltins = kept
			} else {
				for i := range cfg.Redaction.CustomPatterns {
					if cfg.Redaction.CustomPatterns[i].Name == args[0] {
						cfg.Redaction.CustomPatterns[i].Enabled = enabled
					}
				}
			}
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Printf("Pattern %q %sd\n", args[0], verb)
			return nil
		},
	}
}
