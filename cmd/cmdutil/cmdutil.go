// Package cmdutil holds helpers shared by the sheetkit subcommands.
package cmdutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/cmd/version"
	"github.com/klytics/sheetkit/internal/app"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/logging"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/output"
)

// JSON reports whether --json was given.
func JSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// Logger builds the zap logger selected by --verbose and --json.
func Logger(cmd *cobra.Command) (*zap.Logger, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	return logging.New(verbose, JSON(cmd))
}

// Open loads configuration and the security policy and assembles the
// services. The caller must Close the result.
func Open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	policy, err := config.LoadPolicyFrom(cfg.Policy.Path)
	if err != nil {
		return nil, err
	}
	log, err := Logger(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, policy, version.Version, log)
}

// Print writes data as a JSON envelope under --json and calls text otherwise.
func Print(cmd *cobra.Command, data any, text func() error) error {
	if JSON(cmd) {
		return output.PrintJSON(CommandName(cmd), data)
	}
	return text()
}

// CommandName is the command path without the binary name, e.g. "user list".
func CommandName(cmd *cobra.Command) string {
	path := cmd.CommandPath()
	if i := strings.IndexByte(path, ' '); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Actor resolves the --as username that a command acts on behalf of.
func Actor(ctx context.Context, a *app.App, username string) (*model.User, error) {
	if username == "" {
		return nil, output.Userf("--as <username> is required")
	}
	u, err := a.Store.Users.GetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", username, err)
	}
	return u, nil
}

// ParseTime accepts RFC 3339 timestamps, plain dates and durations such as
// "720h", which are taken as that long before now.
func ParseTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	return time.Time{}, output.Userf("invalid time %q (use YYYY-MM-DD, RFC 3339 or a duration like 720h)", s)
}

// Password returns flagValue when set and otherwise prompts without echo.
func Password(flagValue, prompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv("SHEETKIT_PASSWORD"); v != "" {
		return v, nil
	}
	rl, err := readline.New("")
	if err != nil {
		return "", err
	}
	defer rl.Close()
	b, err := rl.ReadPassword(prompt)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
