// Package chain wires the snapshot chain operations into the CLI.
package chain

import "github.com/spf13/cobra"

// Actions defines snapshot chain operations on a single disk.
type Actions interface {
	Enable(cmd *cobra.Command, args []string) error
	Disable(cmd *cobra.Command, args []string) error
	Snapshot(cmd *cobra.Command, args []string) error
	Commit(cmd *cobra.Command, args []string) error
	Restore(cmd *cobra.Command, args []string) error
	Resume(cmd *cobra.Command, args []string) error
	Store(cmd *cobra.Command, args []string) error
	Daily(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Status(cmd *cobra.Command, args []string) error
	Boot(cmd *cobra.Command, args []string) error
}

// Command builds the "chain" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	chainCmd := &cobra.Command{
		Use:   "chain",
		Short: "Manage backing-file snapshot chains",
	}

	enableCmd := &cobra.Command{
		Use:   "enable VM DISK BASE_IMAGE",
		Short: "Adopt a self-contained image as chain root and start snapshotting",
		Args:  cobra.ExactArgs(3),
		RunE:  h.Enable,
	}
	enableCmd.Flags().Bool("store", false, "retain merged snapshots in the archive")
	enableCmd.Flags().Bool("daily", false, "include the disk in periodic snapshot passes")

	disableCmd := &cobra.Command{
		Use:   "disable VM DISK",
		Short: "Commit outstanding links and drop the chain record",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Disable,
	}

	snapshotCmd := &cobra.Command{
		Use:   "snapshot VM DISK",
		Short: "Open a new snapshot link on top of the chain",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Snapshot,
	}

	commitCmd := &cobra.Command{
		Use:   "commit VM DISK",
		Short: "Merge all links into the root (archiving first in store mode)",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Commit,
	}

	restoreCmd := &cobra.Command{
		Use:   "restore VM DISK",
		Short: "Roll the disk back to the root or an archived snapshot",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Restore,
	}
	restoreCmd.Flags().Bool("root", false, "restore from the chain root")
	restoreCmd.Flags().Uint64("index", 0, "archived snapshot index to restore from")

	resumeCmd := &cobra.Command{
		Use:   "resume VM DISK",
		Short: "Resume an interrupted store-mode commit cycle",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Resume,
	}

	storeCmd := &cobra.Command{
		Use:       "store VM DISK on|off",
		Short:     "Toggle snapshot retention for the disk",
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"on", "off"},
		RunE:      h.Store,
	}

	dailyCmd := &cobra.Command{
		Use:       "daily VM DISK on|off",
		Short:     "Toggle periodic snapshots for the disk",
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"on", "off"},
		RunE:      h.Daily,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List chains with depth and on-disk size",
		RunE:    h.List,
	}

	statusCmd := &cobra.Command{
		Use:   "status VM DISK",
		Short: "Show detailed chain state (JSON)",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Status,
	}

	bootCmd := &cobra.Command{
		Use:   "boot VM DISK",
		Short: "Resolve and validate the boot image path for the disk",
		Args:  cobra.ExactArgs(2),
		RunE:  h.Boot,
	}

	chainCmd.AddCommand(enableCmd, disableCmd, snapshotCmd, commitCmd,
		restoreCmd, resumeCmd, storeCmd, dailyCmd, listCmd, statusCmd, bootCmd)
	return chainCmd
}
