// Package policy provides the "sheetkit policy" commands for the security policy file.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/output"
)

// NewCommand creates the "policy" command with all subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the organization security policy",
		Long: `The security policy names the incident team, adds classification
patterns and DLP rules, sets audit retention and restricts which commands
may run. Its path is policy.path (default ` + config.PolicyPath() + `).`,
	}

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newShowCmd())

	return cmd
}

func policyPath() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return cfg.Policy.Path, nil
}

func newInitCmd() *cobra.Command {
	var (
		orgName string
		domain  string
		out     string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a policy template",
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl := config.GeneratePolicyTemplate(orgName, domain)
			if out == "" {
				fmt.Fprint(cmd.OutOrStdout(), tmpl)
				return nil
			}
			if _, err := os.Stat(out); err == nil {
				return output.Userf("%s already exists", out)
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(tmpl), 0o644); err != nil {
				return err
			}
			output.Status(cmd.OutOrStdout(), "ok", "Wrote %s", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&orgName, "org-name", "My Organization", "Organization name")
	cmd.Flags().StringVar(&domain, "domain", "example.com", "Organization email domain")
	cmd.Flags().StringVarP(&out, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a policy file (default: policy.path)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := policyPath()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				path = args[0]
			}
			p, err := config.LoadPolicyFrom(path)
			if err != nil {
				return output.UserError{Err: err}
			}
			if p == nil {
				return output.Userf("file not found: %s", path)
			}

			issues := config.ValidatePolicy(p)
			if err := cmdutil.Print(cmd, map[string]any{"path": path, "valid": len(issues) == 0, "issues": issues}, func() error {
				if len(issues) == 0 {
					output.Status(cmd.OutOrStdout(), "ok", "Valid policy: %s (%s)", p.OrgName, p.OrgDomain)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Validation failed (%d issues):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", issue)
				}
				return nil
			}); err != nil {
				return err
			}
			if len(issues) > 0 {
				return output.Userf("%d validation issue(s) in %s", len(issues), path)
			}
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := policyPath()
			if err != nil {
				return err
			}
			p, err := config.LoadPolicyFrom(path)
			if err != nil {
				return err
			}
			if p == nil {
				return cmdutil.Print(cmd, map[string]string{"status": "none", "path": path}, func() error {
					fmt.Fprintf(cmd.OutOrStdout(), "No security policy at %s\n", path)
					fmt.Fprintln(cmd.OutOrStdout(), "Built-in classification patterns and DLP policies apply; all commands are allowed.")
					return nil
				})
			}
			return cmdutil.Print(cmd, p, func() error {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Organization:   %s (%s)\n", p.OrgName, p.OrgDomain)
				fmt.Fprintf(w, "Policy file:    %s\n", path)
				fmt.Fprintf(w, "Incident team:  %s\n", orNone(strings.Join(p.IncidentTeam, ", ")))
				if p.Audit.RetentionDays > 0 {
					fmt.Fprintf(w, "Audit retention: %d days\n", p.Audit.RetentionDays)
				}
				if len(p.AllowedCommands) > 0 {
					fmt.Fprintf(w, "Commands:       %s\n", strings.Join(p.AllowedCommands, ", "))
				} else {
					fmt.Fprintln(w, "Commands:       all allowed")
				}

				if len(p.Classification.Patterns) > 0 {
					fmt.Fprintln(w, "\nClassification patterns:")
					tbl := output.NewTable("NAME", "PROTECTION", "REGEX")
					for _, pat := range p.Classification.Patterns {
						tbl.Row(pat.Name, orNone(pat.Protection), pat.Regex)
					}
					if err := tbl.Render(w); err != nil {
						return err
					}
				}
				if len(p.DLP.Policies) > 0 {
					fmt.Fprintln(w, "\nDLP policies:")
					tbl := output.NewTable("NAME", "ACTION", "MIN", "CLASSIFICATIONS")
					for _, d := range p.DLP.Policies {
						tbl.Row(d.Name, d.Action, d.MinMatches, strings.Join(d.Classifications, ", "))
					}
					if err := tbl.Render(w); err != nil {
						return err
					}
				}
				if p.DLP.DisableDefaults {
					fmt.Fprintln(w, "\nBuilt-in DLP policies are disabled.")
				}
				return nil
			})
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
