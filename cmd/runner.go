package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/klytics/sheetkit/internal/output"
)

// shellRunner executes one shell line as a fresh command tree so flag
// state never leaks between lines.
func shellRunner(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 && args[0] == "shell" {
		return errors.New("already in a shell")
	}
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	prev := output.Stdout
	output.Stdout = stdout
	defer func() { output.Stdout = prev }()

	return root.ExecuteContext(ctx)
}
