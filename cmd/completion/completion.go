// Package completion provides shell completion generation commands.
package completion

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var installHints = map[string][]string{
	"bash": {
		"sheetkit completion bash > /etc/bash_completion.d/sheetkit",
		"echo 'source <(sheetkit completion bash)' >> ~/.bashrc",
	},
	"zsh":        {"sheetkit completion zsh > ~/.zsh/completions/_sheetkit"},
	"fish":       {"sheetkit completion fish > ~/.config/fish/completions/sheetkit.fish"},
	"powershell": {"sheetkit completion powershell >> $PROFILE"},
}

// NewCommand returns the completion command.
func NewCommand(rootCmd *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completions",
		Long: `Generate shell completion scripts for sheetkit.

Install instructions:
  Bash:       sheetkit completion bash > /etc/bash_completion.d/sheetkit
  Zsh:        sheetkit completion zsh > ~/.zsh/completions/_sheetkit
  Fish:       sheetkit completion fish > ~/.config/fish/completions/sheetkit.fish
  PowerShell: sheetkit completion powershell >> $PROFILE`,
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		Args:      cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hints, ok := installHints[args[0]]
			if !ok {
				return fmt.Errorf("unsupported shell: %s (supported: bash, zsh, fish, powershell)", args[0])
			}
			w := cmd.OutOrStdout()
			writeHeader(w, args[0], hints)

			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletionV2(w, true)
			case "zsh":
				return rootCmd.GenZshCompletion(w)
			case "fish":
				return rootCmd.GenFishCompletion(w, true)
			default:
				return rootCmd.GenPowerShellCompletionWithDesc(w)
			}
		},
	}
}

func writeHeader(w io.Writer, shell string, hints []string) {
	fmt.Fprintf(w, "# sheetkit %s completion\n", shell)
	for i, h := range hints {
		label := "Install:"
		if i > 0 {
			label = "Or:     "
		}
		fmt.Fprintf(w, "# %s %s\n", label, h)
	}
	fmt.Fprintln(w)
}
