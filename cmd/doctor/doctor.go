// Package doctor provides the "sheetkit doctor" command for checking the environment.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/email"
	"github.com/klytics/sheetkit/internal/kv"
	"github.com/klytics/sheetkit/internal/store"
)

// Check represents a single health check result.
type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "ok", "warning", "error"
	Message string `json:"message"`
}

// dialTimeout bounds the SMTP reachability check.
const dialTimeout = 3 * time.Second

// NewCommand creates the "doctor" command.
func NewCommand() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage, mail and policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := runChecks(cmd.Context(), !offline)

			errCount := 0
			for _, c := range checks {
				if c.Status == "error" {
					errCount++
				}
			}

			if err := cmdutil.Print(cmd, checks, func() error {
				printChecks(cmd, checks)
				return nil
			}); err != nil {
				return err
			}
			if errCount > 0 {
				return fmt.Errorf("%d check(s) failed", errCount)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Skip network checks")
	return cmd
}

func printChecks(cmd *cobra.Command, checks []Check) {
	w := cmd.OutOrStdout()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Fprintln(w, "sheetkit doctor")
	fmt.Fprintln(w, "===============")
	fmt.Fprintln(w)

	counts := map[string]int{}
	for _, c := range checks {
		icon := red("x")
		switch c.Status {
		case "ok":
			icon = green("ok")
		case "warning":
			icon = yellow("!")
		}
		counts[c.Status]++
		fmt.Fprintf(w, "  %-3s %s: %s\n", icon, c.Name, c.Message)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %d passed, %d warnings, %d errors\n", counts["ok"], counts["warning"], counts["error"])
}

func runChecks(ctx context.Context, network bool) []Check {
	checks := []Check{{
		Name:    "Go runtime",
		Status:  "ok",
		Message: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	cfg, err := config.Load()
	if err != nil {
		return append(checks, Check{Name: "Config", Status: "error", Message: err.Error()})
	}
	checks = append(checks, configChecks()...)
	checks = append(checks, dbCheck(ctx, cfg), kvCheck(cfg))
	checks = append(checks, smtpCheck(cfg, network))
	checks = append(checks, policyCheck(cfg), patchCheck(cfg))
	return checks
}

func configChecks() []Check {
	var checks []Check
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		checks = append(checks, Check{Name: "Config file", Status: "ok", Message: config.ConfigPath()})
	} else {
		checks = append(checks, Check{Name: "Config file", Status: "warning", Message: "not found; run 'sheetkit config init'"})
	}
	for _, issue := range config.Validate() {
		if issue.Key != "auth.jwt_secret" {
			continue
		}
		status := issue.Severity
		if status == "info" {
			status = "ok"
		}
		checks = append(checks, Check{Name: "JWT secret", Status: status, Message: issue.Message})
	}
	return checks
}

func dbCheck(ctx context.Context, cfg *config.Config) Check {
	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return Check{Name: "Database", Status: "error", Message: err.Error()}
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return Check{Name: "Database", Status: "error", Message: err.Error()}
	}
	users, err := st.Users.List(ctx)
	if err != nil {
		return Check{Name: "Database", Status: "error", Message: err.Error()}
	}
	if len(users) == 0 {
		return Check{Name: "Database", Status: "warning", Message: cfg.DB.Path + " has no users; run 'sheetkit user create <name> --admin'"}
	}
	return Check{Name: "Database", Status: "ok", Message: fmt.Sprintf("%s (%d users)", cfg.DB.Path, len(users))}
}

func kvCheck(cfg *config.Config) Check {
	if cfg.KV.InMemory {
		return Check{Name: "KV store", Status: "warning", Message: "in-memory; revocations and lockouts reset on restart"}
	}
	kvs, err := kv.Open(kv.Config{Path: cfg.KV.Path})
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "lock") {
			msg = cfg.KV.Path + " is locked (is the server running?)"
			return Check{Name: "KV store", Status: "warning", Message: msg}
		}
		return Check{Name: "KV store", Status: "error", Message: msg}
	}
	kvs.Close()
	return Check{Name: "KV store", Status: "ok", Message: cfg.KV.Path}
}

func smtpCheck(cfg *config.Config, network bool) Check {
	sc, err := email.FromConfig(cfg)
	switch {
	case errors.Is(err, email.ErrNotConfigured):
		return Check{Name: "SMTP", Status: "warning", Message: "not configured; incident notifications are only logged"}
	case err != nil:
		return Check{Name: "SMTP", Status: "error", Message: err.Error()}
	case !network:
		return Check{Name: "SMTP", Status: "ok", Message: sc.Host + " (not dialed)"}
	}
	addr := net.JoinHostPort(sc.Host, strconv.Itoa(sc.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return Check{Name: "SMTP", Status: "error", Message: fmt.Sprintf("%s unreachable: %v", addr, err)}
	}
	conn.Close()
	return Check{Name: "SMTP", Status: "ok", Message: addr + " reachable"}
}

func policyCheck(cfg *config.Config) Check {
	p, err := config.LoadPolicyFrom(cfg.Policy.Path)
	if err != nil {
		return Check{Name: "Security policy", Status: "error", Message: err.Error()}
	}
	if p == nil {
		return Check{Name: "Security policy", Status: "warning", Message: "none at " + cfg.Policy.Path + "; built-in defaults apply"}
	}
	if issues := config.ValidatePolicy(p); len(issues) > 0 {
		return Check{Name: "Security policy", Status: "error", Message: strings.Join(issues, "; ")}
	}
	return Check{Name: "Security policy", Status: "ok", Message: fmt.Sprintf("%s (%s)", p.OrgName, cfg.Policy.Path)}
}

func patchCheck(cfg *config.Config) Check {
	if cfg.Patch.FeedURL == "" {
		return Check{Name: "Patch feed", Status: "warning", Message: "patch.feed_url not set; update checks are disabled"}
	}
	return Check{Name: "Patch feed", Status: "ok", Message: fmt.Sprintf("%s (every %s)", cfg.Patch.FeedURL, cfg.Patch.CheckInterval)}
}
