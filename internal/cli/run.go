package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/capsule/internal/daemon"
	"github.com/harun/capsule/pkg/manifest"
	"github.com/harun/capsule/pkg/sandbox"
	"github.com/spf13/cobra"
)

var runDev bool

var runCmd = &cobra.Command{
	Use:   "run <id|dir>",
	Short: "Run one plugin in the foreground",
	Long: `Run an installed plugin, or a package directory during development, in
a sandboxed window. The command returns when the window closes or on
SIGINT/SIGTERM. With --dev the window reloads whenever package files change.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runDev, "dev", false, "reload the plugin when its files change")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	d, release, err := openHost()
	if err != nil {
		return err
	}
	defer release()

	if err := d.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	pc, err := launchTarget(ctx, d, args[0])
	if err != nil {
		_ = d.Stop()
		return fmt.Errorf("failed to launch %s: %w", args[0], err)
	}

	if runDev {
		if err := d.Watch(ctx, pc.ID); err != nil {
			d.GetLogger().Warn().Err(err).Str("plugin_id", pc.ID).Msg("Dev reload disabled")
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Running %s %s (%s)\n", pc.Name, pc.Version, pc.ID)

	go func() {
		<-d.GetSandboxManager().Wait(pc.ID)
		_ = d.Stop()
	}()
	d.Wait()
	return nil
}

// launchTarget treats arg as a package directory when it holds a manifest,
// otherwise as an installed plugin id.
func launchTarget(ctx context.Context, d *daemon.Daemon, arg string) (*sandbox.PluginContext, error) {
	if info, err := os.Stat(filepath.Join(arg, manifest.FileName)); err == nil && !info.IsDir() {
		return d.LaunchDir(ctx, arg)
	}
	return d.Launch(ctx, arg)
}
