package cli

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/harun/capsule/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show host status",
	Long:  `Show whether a plugin host is running and whether its bridge server answers.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	addr := net.JoinHostPort(cfg.Bridge.Host, strconv.Itoa(cfg.Bridge.Port))
	fmt.Fprintf(out, "Bridge: %s\n", probeBridge(addr))
	return nil
}

// probeBridge reports whether the bridge server at addr answers its health check
func probeBridge(addr string) string {
	resp, err := resty.New().
		SetTimeout(2 * time.Second).
		R().
		Get("http://" + addr + "/healthz")
	if err != nil {
		return fmt.Sprintf("unreachable (%v)", err)
	}
	if !resp.IsSuccess() {
		return fmt.Sprintf("unhealthy (%s)", resp.Status())
	}
	return "ok (ws://" + addr + "/bridge)"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
