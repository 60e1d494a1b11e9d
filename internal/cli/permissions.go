package cli

import (
	"fmt"
	"strings"

	"github.com/harun/capsule/internal/observability"
	"github.com/harun/capsule/pkg/manifest"
	"github.com/harun/capsule/pkg/permission"
	"github.com/spf13/cobra"
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Inspect and change plugin permission grants",
	Long: `Inspect and change plugin permission grants. Changes are written to the
grant file; a running host picks them up the next time it starts.`,
}

var permissionsListCmd = &cobra.Command{
	Use:   "list [id]",
	Short: "List granted permissions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPermissionsList,
}

var permissionsGrantCmd = &cobra.Command{
	Use:   "grant <id> <permission>",
	Short: "Grant a permission without a runtime prompt",
	Args:  cobra.ExactArgs(2),
	RunE:  runPermissionsGrant,
}

var permissionsRevokeCmd = &cobra.Command{
	Use:   "revoke <id> [permission]",
	Short: "Revoke one permission, or every grant when none is named",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runPermissionsRevoke,
}

func init() {
	permissionsCmd.AddCommand(permissionsListCmd)
	permissionsCmd.AddCommand(permissionsGrantCmd)
	permissionsCmd.AddCommand(permissionsRevokeCmd)
	rootCmd.AddCommand(permissionsCmd)
}

func runPermissionsList(cmd *cobra.Command, args []string) error {
	d, release, err := openHost()
	if err != nil {
		return err
	}
	defer release()

	store := d.GetPermissionStore()
	out := cmd.OutOrStdout()

	ids := store.Plugins()
	if len(args) == 1 {
		ids = []string{args[0]}
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "No permission grants recorded.")
		return nil
	}

	for _, id := range ids {
		fmt.Fprintf(out, "%s: %s\n", id, joinPermissions(store.List(id)))

		rec, err := d.GetCatalog().Get(cmd.Context(), id)
		if err != nil {
			continue
		}
		var pending []string
		for _, perm := range rec.Permissions {
			if state := store.State(id, perm); state != permission.StateGranted {
				pending = append(pending, fmt.Sprintf("%s (%s)", perm, state))
			}
		}
		if len(pending) > 0 {
			fmt.Fprintf(out, "  declared, not granted: %s\n", strings.Join(pending, ", "))
		}
	}
	return nil
}

func runPermissionsGrant(cmd *cobra.Command, args []string) error {
	id, perm := args[0], manifest.Permission(args[1])
	if !perm.IsValid() {
		return fmt.Errorf("unknown permission %q", args[1])
	}

	d, release, err := openHost()
	if err != nil {
		return err
	}
	defer release()

	if _, err := d.GetCatalog().Get(cmd.Context(), id); err != nil {
		return fmt.Errorf("plugin %s: %w", id, err)
	}
	if err := d.GetPermissionStore().Grant(id, perm); err != nil {
		return err
	}
	observability.RecordPermissionAudit(cmd.Context(), "permission:grant", id, string(perm), "granted")

	fmt.Fprintf(cmd.OutOrStdout(), "Granted %s to %s\n", perm, id)
	return nil
}

func runPermissionsRevoke(cmd *cobra.Command, args []string) error {
	d, release, err := openHost()
	if err != nil {
		return err
	}
	defer release()

	id := args[0]
	store := d.GetPermissionStore()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		if err := store.RevokeAll(id); err != nil {
			return err
		}
		observability.RecordPermissionAudit(cmd.Context(), "permission:revoke_all", id, "", "revoked")
		fmt.Fprintf(out, "Revoked every permission of %s\n", id)
		return nil
	}

	perm := manifest.Permission(args[1])
	if !perm.IsValid() {
		return fmt.Errorf("unknown permission %q", args[1])
	}
	if err := store.Revoke(id, perm); err != nil {
		return err
	}
	observability.RecordPermissionAudit(cmd.Context(), "permission:revoke", id, string(perm), "revoked")
	fmt.Fprintf(out, "Revoked %s from %s\n", perm, id)
	return nil
}

func joinPermissions(perms []manifest.Permission) string {
	if len(perms) == 0 {
		return "(none)"
	}
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}
