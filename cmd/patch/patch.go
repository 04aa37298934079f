// Package patch provides the "sheetkit patch" commands.
package patch

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/klytics/sheetkit/cmd/cmdutil"
	"github.com/klytics/sheetkit/cmd/version"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/output"
	patchpkg "github.com/klytics/sheetkit/internal/patch"
)

// NewCommand creates the "patch" command with all subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Check for, download and install patches",
		Long: `Check the patch feed (patch.feed_url) for releases newer than this
build, download them with checksum verification and install them.`,
	}

	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newDownloadCmd())
	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}

func newCheckCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Fetch the feed and show patches newer than this build",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			patches, err := a.Patches.CheckForUpdates(cmd.Context(), version.Version, force)
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, patches, func() error {
				if len(patches) == 0 {
					output.Status(cmd.OutOrStdout(), "ok", "sheetkit %s is up to date.", version.Version)
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), patchpkg.FormatNotice(version.Version, patches))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Ignore the check cooldown")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	return patchAction("download <id>", "Download a patch and verify its checksum", "downloaded",
		func(cmd *cobra.Command, svc *patchpkg.Service, id string) (*model.Patch, error) {
			return svc.DownloadPatch(cmd.Context(), id, "cli")
		})
}

func newInstallCmd() *cobra.Command {
	return patchAction("install <id>", "Install a downloaded patch", "installed",
		func(cmd *cobra.Command, svc *patchpkg.Service, id string) (*model.Patch, error) {
			return svc.InstallPatch(cmd.Context(), id, "cli")
		})
}

func patchAction(use, short, verb string, run func(*cobra.Command, *patchpkg.Service, string) (*model.Patch, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := run(cmd, a.Patches, args[0])
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, p, func() error {
				output.Status(cmd.OutOrStdout(), "ok", "Patch %s (%s) %s", p.ID, p.Version, verb)
				if p.LocalPath != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", p.LocalPath)
				}
				return nil
			})
		},
	}
}

func newListCmd() *cobra.Command {
	var installed bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known patches",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cmdutil.Open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			list := a.Patches.List
			if installed {
				list = a.Patches.GetInstalledPatches
			}
			patches, err := list(cmd.Context())
			if err != nil {
				return err
			}
			return cmdutil.Print(cmd, patches, func() error {
				tbl := output.NewTable("ID", "VERSION", "RELEASED", "DOWNLOADED", "INSTALLED")
				for _, p := range patches {
					tbl.Row(p.ID, p.Version, p.ReleasedAt.Format(time.DateOnly), when(p.DownloadedAt), when(p.InstalledAt))
				}
				return tbl.Render(cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().BoolVar(&installed, "installed", false, "Only installed patches, in install order")
	return cmd
}

func when(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
