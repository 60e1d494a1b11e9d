package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/harun/capsule/pkg/catalog"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install <path>",
	Short: "Install a plugin package",
	Long: `Install a plugin from a package directory, .zip or .tar.gz archive.
The package is validated and copied into the plugin store. Permissions
beyond the defaults are not granted; the plugin requests them at runtime.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

var updateCmd = &cobra.Command{
	Use:   "update <id> <path>",
	Short: "Replace an installed plugin with a new package",
	Long: `Replace an installed plugin with a new version of the same package.
The previous version is restored if anything fails. Grants for permissions
the new version no longer declares are revoked.`,
	Args: cobra.ExactArgs(2),
	RunE: runUpdate,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <id>",
	Short: "Remove an installed plugin",
	Long:  `Remove an installed plugin together with its grants and stored data.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUninstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(uninstallCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	d, release, err := openHost()
	if err != nil {
		return err
	}
	defer release()

	rec, err := d.Install(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Installed %s %s as %s\n", rec.Name, rec.Version, rec.ID)
	printRequested(out, rec)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	d, release, err := openHost()
	if err != nil {
		return err
	}
	defer release()

	rec, err := d.Update(cmd.Context(), args[0], args[1])
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Updated %s to %s\n", rec.ID, rec.Version)
	printRequested(out, rec)
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	d, release, err := openHost()
	if err != nil {
		return err
	}
	defer release()

	if err := d.Uninstall(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("uninstall failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled %s\n", args[0])
	return nil
}

// printRequested lists declared permissions that need a grant
func printRequested(out io.Writer, rec *catalog.PluginRecord) {
	var extra []string
	for _, perm := range rec.Permissions {
		if !perm.IsDefault() {
			extra = append(extra, string(perm))
		}
	}
	if len(extra) == 0 {
		return
	}
	fmt.Fprintf(out, "Declares: %s\n", strings.Join(extra, ", "))
	fmt.Fprintf(out, "These are requested at runtime, or grant them with: capsule permissions grant %s <permission>\n", rec.ID)
}
