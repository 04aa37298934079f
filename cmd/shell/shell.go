// Package shell provides the "sheetkit shell" interactive REPL command.
package shell

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/klytics/sheetkit/internal/config"
	shellpkg "github.com/klytics/sheetkit/internal/shell"
)

// NewCommand creates the "shell" command.
func NewCommand() *cobra.Command {
	var (
		evalCmd string
		as      string
	)

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive sheetkit shell",
		Long: `Start an interactive REPL with history and tab completion.

'set as <user>' makes later commands that take --as act as that user.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			session := shellpkg.NewSession(config.Dir(), commandTree(cmd.Root()))
			session.ActsAs = actsAs(cmd.Root())
			session.Out = cmd.OutOrStdout()
			session.As = as

			if evalCmd != "" {
				out, err := session.Eval(cmd.Context(), evalCmd)
				fmt.Fprint(cmd.OutOrStdout(), out)
				return err
			}
			return session.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&evalCmd, "eval", "", "Run a single command and exit")
	cmd.Flags().StringVar(&as, "as", "", "Default user for commands that take --as")
	return cmd
}

// commandTree maps each visible top-level command to its subcommands.
func commandTree(root *cobra.Command) map[string][]string {
	tree := map[string][]string{}
	for _, c := range root.Commands() {
		if c.Hidden || c.Name() == "shell" || c.Name() == "help" {
			continue
		}
		var subs []string
		for _, sc := range c.Commands() {
			if !sc.Hidden {
				subs = append(subs, sc.Name())
			}
		}
		tree[c.Name()] = subs
	}
	return tree
}

// actsAs collects "command subcommand" paths that define an --as flag.
func actsAs(root *cobra.Command) map[string]bool {
	out := map[string]bool{}
	for _, c := range root.Commands() {
		for _, sc := range c.Commands() {
			if sc.Flags().Lookup("as") != nil {
				out[c.Name()+" "+sc.Name()] = true
			}
		}
	}
	return out
}
