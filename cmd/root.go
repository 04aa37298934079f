// Package cmd contains all CLI commands for the sheetkit binary.
package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	cmdaudit "github.com/klytics/sheetkit/cmd/audit"
	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/cmd/completion"
	cmdconfig "github.com/klytics/sheetkit/cmd/config"
	"github.com/klytics/sheetkit/cmd/doctor"
	cmdformula "github.com/klytics/sheetkit/cmd/formula"
	cmdincident "github.com/klytics/sheetkit/cmd/incident"
	cmdpatch "github.com/klytics/sheetkit/cmd/patch"
	"github.com/klytics/sheetkit/cmd/policy"
	"github.com/klytics/sheetkit/cmd/serve"
	"github.com/klytics/sheetkit/cmd/shell"
	cmdusage "github.com/klytics/sheetkit/cmd/usage"
	"github.com/klytics/sheetkit/cmd/user"
	"github.com/klytics/sheetkit/cmd/version"
	cmdwatch "github.com/klytics/sheetkit/cmd/watch"
	"github.com/klytics/sheetkit/cmd/workbook"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/output"
	shellpkg "github.com/klytics/sheetkit/internal/shell"
)

var (
	jsonOutput bool
	verbose    bool
	noColor    bool
)

// ungated commands run even when the policy restricts allowed_commands.
var ungated = map[string]bool{"version": true, "help": true, "completion": true, "policy": true, "doctor": true}

// NewRootCommand creates and returns the root cobra command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sheetkit",
		Short: "Collaborative spreadsheet server with built-in data protection",
		Long: `sheetkit serves shared workbooks over HTTP and websockets, evaluates
formulas, classifies and protects sensitive cells, and keeps an audit trail.

The same binary administers users, workbooks, incidents and patches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noColor || os.Getenv("NO_COLOR") != "" {
				color.NoColor = true
			}
			return checkPolicy(cmd)
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as machine-readable JSON")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable ANSI color output")

	rootCmd.AddCommand(serve.NewCommand())
	rootCmd.AddCommand(user.NewCommand())
	rootCmd.AddCommand(workbook.NewCommand())
	rootCmd.AddCommand(cmdformula.NewCommand())
	rootCmd.AddCommand(cmdaudit.NewCommand())
	rootCmd.AddCommand(cmdincident.NewCommand())
	rootCmd.AddCommand(cmdpatch.NewCommand())
	rootCmd.AddCommand(cmdusage.NewCommand())
	rootCmd.AddCommand(policy.NewCommand())
	rootCmd.AddCommand(cmdconfig.NewCommand())
	rootCmd.AddCommand(cmdwatch.NewCommand())
	rootCmd.AddCommand(shell.NewCommand())
	rootCmd.AddCommand(doctor.NewCommand())
	rootCmd.AddCommand(completion.NewCommand(rootCmd))
	rootCmd.AddCommand(version.NewCommand())

	return rootCmd
}

// checkPolicy refuses commands the security policy does not allow.
func checkPolicy(cmd *cobra.Command) error {
	top := cmd
	for top.HasParent() && top.Parent().HasParent() {
		top = top.Parent()
	}
	if !top.HasParent() || ungated[top.Name()] {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	p, err := config.LoadPolicyFrom(cfg.Policy.Path)
	if err != nil {
		return err
	}
	if !config.IsCommandAllowed(p, cmd.CommandPath()) {
		return output.Userf("command %q is not allowed by the security policy at %s", cmdutil.CommandName(cmd), cfg.Policy.Path)
	}
	return nil
}

// Execute runs the root command and exits with a code derived from the error.
func Execute() {
	rootCmd := NewRootCommand()
	shellpkg.DefaultRunner = shellRunner

	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return
	}
	code := output.ExitCode(err)
	if jsonOutput {
		_ = output.PrintJSONError(cmdutil.CommandName(cmd), err, code)
	} else {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgRed).Sprint("Error:"), err)
	}
	os.Exit(code)
}
