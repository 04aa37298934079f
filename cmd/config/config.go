// Package config provides the "sheetkit config" commands.
package config

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/output"
)

// NewCommand returns the config command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage sheetkit configuration",
		Long:  "Set up, view and change ~/.sheetkit/config.yaml. Every key can also be set with SHEETKIT_<KEY>.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load()
			return err
		},
	}

	cmd.AddCommand(newInitCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newResetCommand())
	cmd.AddCommand(newPathCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newEnvCommand())

	return cmd
}

func newInitCommand() *cobra.Command {
	var noInteractive bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if noInteractive {
				if err := config.WizardNonInteractive(); err != nil {
					return err
				}
				output.Status(cmd.OutOrStdout(), "ok", "Wrote %s", config.ConfigPath())
				return nil
			}
			return config.Wizard(cmd.InOrStdin())
		},
	}
	cmd.Flags().BoolVar(&noInteractive, "no-interactive", false, "Skip prompts, use defaults and generate secrets")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdutil.Print(cmd, config.ToEnv(), func() error {
				fmt.Fprint(cmd.OutOrStdout(), config.ShowConfig())
				return nil
			})
		},
	}
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Set(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
			return nil
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			val := config.Get(args[0])
			return cmdutil.Print(cmd, map[string]string{args[0]: val}, func() error {
				if val == "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: (not set)\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], val)
				}
				return nil
			})
		},
	}
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the config file and restore defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ResetConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration reset to defaults")
			return nil
		},
	}
}

func newPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath())
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			issues := config.Validate()
			errs, warnings := 0, 0
			for _, issue := range issues {
				switch issue.Severity {
				case "error":
					errs++
				case "warning":
					warnings++
				}
			}

			if err := cmdutil.Print(cmd, issues, func() error {
				w := cmd.OutOrStdout()
				if errs == 0 && warnings == 0 {
					output.Status(w, "ok", "Configuration is valid")
					return nil
				}
				fmt.Fprintf(w, "Config validation: %d errors, %d warnings\n\n", errs, warnings)
				for _, issue := range issues {
					level := "error"
					switch issue.Severity {
					case "warning":
						level = "warn"
					case "info":
						level = "ok"
					}
					output.Status(w, level, "  %s: %s", issue.Key, issue.Message)
					if issue.Fix != "" {
						fmt.Fprintf(w, "   Fix: %s\n", issue.Fix)
					}
				}
				return nil
			}); err != nil {
				return err
			}
			if errs > 0 {
				return output.Userf("%d configuration error(s)", errs)
			}
			return nil
		},
	}
}

func newEnvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Export configuration as environment variables",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := config.ToEnv()
			return cmdutil.Print(cmd, env, func() error {
				keys := make([]string, 0, len(env))
				for k := range env {
					keys = append(keys, k)
				}
				sort.Strings(keys)

				for _, k := range keys {
					fmt.Fprintf(cmd.OutOrStdout(), "export %s=%q\n", k, env[k])
				}
				return nil
			})
		},
	}
}
