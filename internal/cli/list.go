package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/harun/capsule/pkg/catalog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var listOutput string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	Long:  `List installed plugins from the catalog as a table, JSON or YAML.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	d, release, err := openHost()
	if err != nil {
		return err
	}
	defer release()

	records, err := d.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list plugins: %w", err)
	}
	return writeRecords(cmd.OutOrStdout(), listOutput, records)
}

func writeRecords(out io.Writer, format string, records []*catalog.PluginRecord) error {
	if records == nil {
		records = []*catalog.PluginRecord{}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		if len(records) == 0 {
			fmt.Fprintln(out, "No plugins installed.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tVERSION\tAUTHOR\tPERMISSIONS\tSIZE")
		for _, rec := range records {
			perms := make([]string, len(rec.Permissions))
			for i, p := range rec.Permissions {
				perms[i] = string(p)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.Name, rec.Version, rec.Author, strings.Join(perms, ","), formatSize(rec.Size))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (must be: table, json, yaml)", format)
	}
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
