package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stale backups, staging and temp directories now",
	Long: `Run one janitor pass: remove installer backups and staging directories
older than the grace period, and temp directories of plugins that are not running.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	d, release, err := openHost()
	if err != nil {
		return err
	}
	defer release()

	report := d.Sweep(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backup(s), %d staging dir(s), %d temp dir(s)\n",
		report.Backups, report.Staging, report.TempDirs)
	return nil
}
