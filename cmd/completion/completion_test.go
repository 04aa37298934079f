package completion

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func run(t *testing.T, shell string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "sheetkit"}
	root.AddCommand(&cobra.Command{Use: "workbook", Short: "Manage workbooks", Run: func(*cobra.Command, []string) {}})
	root.AddCommand(&cobra.Command{Use: "user", Short: "Manage users", Run: func(*cobra.Command, []string) {}})
	root.AddCommand(NewCommand(root))

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"completion", shell})
	err := root.Execute()
	return buf.String(), err
}

func TestCompletionScripts(t *testing.T) {
	tests := []struct {
		shell string
		want  string
	}{
		{"bash", "__start_sheetkit"},
		{"zsh", "compdef"},
		{"fish", "complete -c sheetkit"},
		{"powershell", "sheetkit"},
	}
	for _, tt := range tests {
		t.Run(tt.shell, func(t *testing.T) {
			out, err := run(t, tt.shell)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(out, "# sheetkit "+tt.shell+" completion") {
				t.Errorf("missing header:\n%s", out[:min(len(out), 200)])
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("%s completion should contain %q", tt.shell, tt.want)
			}
		})
	}
}

func TestCompletionUnsupportedShell(t *testing.T) {
	_, err := run(t, "tcsh")
	if err == nil {
		t.Fatal("expected error for unsupported shell")
	}
}
