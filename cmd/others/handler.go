package others

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/chrysalis/cmd/core"
	"github.com/projecteru2/chrysalis/gc"
	"github.com/projecteru2/chrysalis/scheduler"
	"github.com/projecteru2/chrysalis/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	mgr, err := cmdcore.InitManager(conf)
	if err != nil {
		return err
	}

	o := gc.New()
	mgr.RegisterGC(o)
	if err := o.Run(ctx); err != nil {
		return err
	}
	log.WithFunc("cmd.gc").Infof(ctx, "GC completed")
	return nil
}

func (h Handler) Daemon(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	mgr, err := cmdcore.InitManager(conf)
	if err != nil {
		return err
	}
	sched := scheduler.New(conf, mgr)
	if once, _ := cmd.Flags().GetBool("once"); once {
		sched.RunOnce(ctx)
		return nil
	}
	return sched.Run(ctx)
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
