package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var serveAll bool

var serveCmd = &cobra.Command{
	Use:   "serve [ids...]",
	Short: "Start the plugin host",
	Long: `Start the plugin host in the foreground: the capability bridge server,
the janitor and a sandbox for each named plugin. Stop it with SIGINT/SIGTERM
or "capsule stop".`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveAll, "all", false, "launch every installed plugin")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	d, release, err := openHost()
	if err != nil {
		return err
	}
	defer release()

	if err := d.Start(); err != nil {
		return err
	}

	ids := args
	if serveAll {
		records, err := d.List(cmd.Context())
		if err != nil {
			_ = d.Stop()
			return fmt.Errorf("failed to list plugins: %w", err)
		}
		ids = ids[:0:0]
		for _, rec := range records {
			ids = append(ids, rec.ID)
		}
	}

	out := cmd.OutOrStdout()
	launched := 0
	for _, id := range ids {
		pc, err := d.Launch(cmd.Context(), id)
		if err != nil {
			fmt.Fprintf(out, "Failed to launch %s: %v\n", id, err)
			continue
		}
		launched++
		fmt.Fprintf(out, "Launched %s %s\n", pc.ID, pc.Version)
	}

	status := d.Status()
	fmt.Fprintf(out, "Host running (bridge %s, %d plugin(s))\n", status.Bridge, launched)

	d.Wait()
	return nil
}
