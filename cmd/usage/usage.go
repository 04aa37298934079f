// Package usage provides the "sheetkit usage" commands for feature usage reporting.
package usage

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/internal/output"
	usagepkg "github.com/klytics/sheetkit/internal/usage"
)

// topN is how many features and users the summary lists.
const topN = 10

// NewCommand creates the "usage" command. Run bare it prints the summary.
func NewCommand() *cobra.Command {
	var (
		since string
		until string
		by    string
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show aggregated feature usage",
		Long: `Show how often each API feature was used and by whom.

Example:
  sheetkit usage --since 720h
  sheetkit usage --by user
  sheetkit usage features
  sheetkit usage disable workbooks.export.get`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			start, err := cmdutil.ParseTime(since, now)
			if err != nil {
				return err
			}
			end, err := cmdutil.ParseTime(until, now)
			if err != nil {
				return err
			}
			if by != "" && by != "feature" && by != "user" {
				return output.Userf("--by must be feature or user")
			}

			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Usage.Aggregate(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			names := map[string]string{}
			if users, err := a.Store.Users.List(cmd.Context()); err == nil {
				for _, u := range users {
					names[u.ID] = u.Username
				}
			}
			return cmdutil.Print(cmd, stats, func() error {
				return render(cmd, stats, by, names)
			})
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Usage at or after (YYYY-MM-DD, RFC 3339 or duration)")
	cmd.Flags().StringVar(&until, "until", "", "Usage before")
	cmd.Flags().StringVar(&by, "by", "", "Only one breakdown: feature | user")

	cmd.AddCommand(newFeaturesCmd())
	cmd.AddCommand(newToggleCmd("enable", true))
	cmd.AddCommand(newToggleCmd("disable", false))
	return cmd
}

func render(cmd *cobra.Command, stats *usagepkg.Stats, by string, names map[string]string) error {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "SUMMARY")
	fmt.Fprintf(w, "  Events:        %d\n", stats.TotalEvents)
	fmt.Fprintf(w, "  Active users:  %d\n", stats.ActiveUsers)
	fmt.Fprintf(w, "  Avg duration:  %s\n\n", stats.AverageDuration.Round(time.Millisecond))

	if (by == "" || by == "feature") && len(stats.TopFeatures) > 0 {
		fmt.Fprintln(w, "TOP FEATURES")
		tbl := output.NewTable("FEATURE", "COUNT", "SHARE")
		for _, f := range stats.TopFeatures[:min(topN, len(stats.TopFeatures))] {
			tbl.Row(f.Feature, f.Count, fmt.Sprintf("%.0f%%", f.Pct))
		}
		if err := tbl.Render(w); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	if (by == "" || by == "user") && len(stats.TopUsers) > 0 {
		fmt.Fprintln(w, "TOP USERS")
		tbl := output.NewTable("USER", "COUNT")
		for _, u := range stats.TopUsers[:min(topN, len(stats.TopUsers))] {
			name := names[u.UserID]
			if name == "" {
				name = u.UserID
			}
			tbl.Row(name, u.Count)
		}
		return tbl.Render(w)
	}
	return nil
}

func newFeaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "List tracked features",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			features, err := a.Usage.Features(cmd.Context())
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, features, func() error {
				tbl := output.NewTable("NAME", "CATEGORY", "ENABLED", "DESCRIPTION")
				for _, f := range features {
					tbl.Row(f.Name, f.Category, f.IsEnabled, f.Description)
				}
				return tbl.Render(cmd.OutOrStdout())
			})
		},
	}
}

func newToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <feature>",
		Short: fmt.Sprintf("%s usage tracking for a feature", map[bool]string{true: "Enable", false: "Disable"}[enabled]),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := a.Usage.SetEnabled(cmd.Context(), args[0], enabled)
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, f, func() error {
				output.Status(cmd.OutOrStdout(), "ok", "%s: tracking enabled=%t", f.Name, f.IsEnabled)
				return nil
			})
		},
	}
}
