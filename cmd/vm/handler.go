package vm

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/projecteru2/chrysalis/chain"
	cmdcore "github.com/projecteru2/chrysalis/cmd/core"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) initManager(cmd *cobra.Command) (context.Context, *chain.Manager, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := cmdcore.InitManager(conf)
	if err != nil {
		return nil, nil, err
	}
	return ctx, mgr, nil
}

func (h Handler) MigratePrepare(cmd *cobra.Command, args []string) error {
	ctx, mgr, err := h.initManager(cmd)
	if err != nil {
		return err
	}
	dest, _ := cmd.Flags().GetString("dest")
	if err := mgr.PrepareMigrate(ctx, args[0], dest); err != nil {
		return err
	}
	fmt.Printf("VM %s prepared for migration\n", args[0])
	return nil
}

func (h Handler) MigrateComplete(cmd *cobra.Command, args []string) error {
	ctx, mgr, err := h.initManager(cmd)
	if err != nil {
		return err
	}
	if err := mgr.CompleteMigrate(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("VM %s migration completed\n", args[0])
	return nil
}

// Commit flattens without transferring: same path migrate-prepare takes when
// no destination is given.
func (h Handler) Commit(cmd *cobra.Command, args []string) error {
	ctx, mgr, err := h.initManager(cmd)
	if err != nil {
		return err
	}
	if err := mgr.PrepareMigrate(ctx, args[0], ""); err != nil {
		return err
	}
	fmt.Printf("all chains of VM %s committed\n", args[0])
	return nil
}
