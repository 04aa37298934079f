// Package incident provides the "sheetkit incident" commands.
package incident

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/internal/app"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/output"
)

// NewCommand creates the "incident" command with all subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Report and track security incidents",
	}

	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newEscalateCmd())

	return cmd
}

// actorID returns the ID of --as, or "cli" when no user was named.
func actorID(ctx context.Context, a *app.App, as string) (string, error) {
	if as == "" {
		return "cli", nil
	}
	u, err := cmdutil.Actor(ctx, a, as)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func parseStatus(s string) (model.IncidentStatus, error) {
	for _, st := range []model.IncidentStatus{model.StatusOpen, model.StatusInvestigating, model.StatusResolved, model.StatusClosed} {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", output.Userf("unknown status %q (open, investigating, resolved, closed)", s)
}

func newReportCmd() *cobra.Command {
	var (
		description string
		severity    string
		as          string
	)

	cmd := &cobra.Command{
		Use:   "report <title>",
		Short: "Open a new incident and notify the incident team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sev, err := model.ParseSeverity(severity)
			if err != nil {
				return err
			}
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			reporter, err := actorID(cmd.Context(), a, as)
			if err != nil {
				return err
			}
			inc, err := a.Incidents.ReportIncident(cmd.Context(), args[0], description, sev, reporter)
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, inc, func() error {
				output.Status(cmd.OutOrStdout(), "ok", "Reported %s incident %s", inc.Severity, inc.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "What happened")
	cmd.Flags().StringVar(&severity, "severity", "medium", "low, medium, high or critical")
	cmd.Flags().StringVar(&as, "as", "", "Reporter username")
	return cmd
}

func newListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active incidents (most severe first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			list := a.Incidents.GetActiveIncidents
			if all {
				list = a.Incidents.List
			}
			incs, err := list(cmd.Context())
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, incs, func() error {
				if len(incs) == 0 {
					output.Status(cmd.OutOrStdout(), "ok", "No incidents.")
					return nil
				}
				tbl := output.NewTable("ID", "SEVERITY", "STATUS", "TITLE", "REPORTED")
				for _, inc := range incs {
					tbl.Row(inc.ID, inc.Severity, inc.Status, inc.Title, inc.ReportedAt.Local().Format(time.DateTime))
				}
				return tbl.Render(cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include resolved and closed incidents")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one incident with its escalation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			inc, err := a.Incidents.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, inc, func() error {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s\n\n", inc.Title)
				fmt.Fprintf(w, "ID:        %s\n", inc.ID)
				fmt.Fprintf(w, "Severity:  %s\n", inc.Severity)
				fmt.Fprintf(w, "Status:    %s\n", inc.Status)
				fmt.Fprintf(w, "Reported:  %s by %s\n", inc.ReportedAt.Local().Format(time.DateTime), inc.ReportedBy)
				fmt.Fprintf(w, "Updated:   %s\n", inc.UpdatedAt.Local().Format(time.DateTime))
				if inc.Description != "" {
					fmt.Fprintf(w, "\n%s\n", inc.Description)
				}
				if len(inc.EscalationHistory) > 0 {
					fmt.Fprintln(w, "\nEscalations:")
					for _, e := range inc.EscalationHistory {
						fmt.Fprintf(w, "  %s  %s -> %s  %s\n", e.At.Local().Format(time.DateTime), e.From, e.To, e.Reason)
					}
				}
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	var as string

	cmd := &cobra.Command{
		Use:   "status <id> <open|investigating|resolved|closed>",
		Short: "Move an incident to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := parseStatus(args[1])
			if err != nil {
				return err
			}
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			userID, err := actorID(cmd.Context(), a, as)
			if err != nil {
				return err
			}
			inc, err := a.Incidents.UpdateIncidentStatus(cmd.Context(), args[0], status, userID)
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, inc, func() error {
				output.Status(cmd.OutOrStdout(), "ok", "Incident %s is now %s", inc.ID, inc.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "Record the change as this user")
	return cmd
}

func newEscalateCmd() *cobra.Command {
	var (
		reason string
		as     string
	)

	cmd := &cobra.Command{
		Use:   "escalate <id> <severity>",
		Short: "Raise an active incident's severity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sev, err := model.ParseSeverity(args[1])
			if err != nil {
				return err
			}
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			userID, err := actorID(cmd.Context(), a, as)
			if err != nil {
				return err
			}
			inc, err := a.Incidents.EscalateIncident(cmd.Context(), args[0], sev, reason, userID)
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, inc, func() error {
				output.Status(cmd.OutOrStdout(), "warn", "Incident %s escalated to %s", inc.ID, inc.Severity)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the severity is raised")
	cmd.Flags().StringVar(&as, "as", "", "Record the change as this user")
	return cmd
}
