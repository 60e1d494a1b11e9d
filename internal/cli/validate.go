package cli

import (
	"errors"
	"fmt"

	"github.com/harun/capsule/pkg/manifest"
	"github.com/spf13/cobra"
)

var validateDeep bool

var validateCmd = &cobra.Command{
	Use:   "validate <dir>",
	Short: "Validate a plugin package manifest",
	Long: `Validate plugin.json in a package directory. With --deep the version
must be full semver and the entry point must exist inside the package.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDeep, "deep", false, "check semver grammar and entry point existence")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	m, err := manifest.LoadDir(args[0], manifest.Options{Deep: validateDeep, Dir: args[0]})
	if err != nil {
		var verrs manifest.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				fmt.Fprintf(out, "  - %s\n", e.Error())
			}
			return fmt.Errorf("%d validation error(s)", len(verrs))
		}
		return err
	}

	fmt.Fprintf(out, "Valid: %s %s (id %s)\n", m.Name, m.Version, m.ID())
	return nil
}
