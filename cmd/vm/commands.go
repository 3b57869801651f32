// Package vm wires VM-scoped chain operations into the CLI.
package vm

import "github.com/spf13/cobra"

// Actions defines operations spanning all chains of one VM.
type Actions interface {
	MigratePrepare(cmd *cobra.Command, args []string) error
	MigrateComplete(cmd *cobra.Command, args []string) error
	Commit(cmd *cobra.Command, args []string) error
}

// Command builds the "vm" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Operate on all chains of a virtual machine",
	}

	prepareCmd := &cobra.Command{
		Use:   "migrate-prepare VM",
		Short: "Flatten every chain of the VM so one file per disk moves",
		Args:  cobra.ExactArgs(1),
		RunE:  h.MigratePrepare,
	}
	prepareCmd.Flags().String("dest", "", "directory to transfer archived snapshots to")

	completeCmd := &cobra.Command{
		Use:   "migrate-complete VM",
		Short: "Verify flattened chains and reopen a writable top per disk",
		Args:  cobra.ExactArgs(1),
		RunE:  h.MigrateComplete,
	}

	commitCmd := &cobra.Command{
		Use:   "commit VM",
		Short: "Commit every enabled chain of the VM to its root",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Commit,
	}

	vmCmd.AddCommand(prepareCmd, completeCmd, commitCmd)
	return vmCmd
}
