package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/chrysalis/chain"
	cmdcore "github.com/projecteru2/chrysalis/cmd/core"
	"github.com/projecteru2/chrysalis/types"
	"github.com/projecteru2/chrysalis/utils"
)

type Handler struct {
	cmdcore.BaseHandler
}

// session bundles what every chain subcommand needs after init.
type session struct {
	context.Context
	mgr  *chain.Manager
	disk types.DiskRef
}

// initManager is the shared init for all chain subcommands.
func (h Handler) initManager(cmd *cobra.Command, args []string) (session, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return session{}, err
	}
	mgr, err := cmdcore.InitManager(conf)
	if err != nil {
		return session{}, err
	}
	s := session{Context: ctx, mgr: mgr}
	if len(args) >= 2 {
		s.disk = types.DiskRef{VM: args[0], Disk: args[1]}
	}
	return s, nil
}

func (h Handler) Enable(cmd *cobra.Command, args []string) error {
	c, err := h.initManager(cmd, args)
	if err != nil {
		return err
	}
	storeMode, _ := cmd.Flags().GetBool("store")
	dailyMode, _ := cmd.Flags().GetBool("daily")
	if err := c.mgr.Enable(c.Context, c.disk, args[2], storeMode, dailyMode); err != nil {
		return err
	}
	fmt.Printf("chain enabled on %s (store=%t daily=%t)\n", c.disk, storeMode, dailyMode)
	return nil
}

func (h Handler) Disable(cmd *cobra.Command, args []string) error {
	c, err := h.initManager(cmd, args)
	if err != nil {
		return err
	}
	if err := c.mgr.Disable(c.Context, c.disk); err != nil {
		return err
	}
	fmt.Printf("chain disabled on %s\n", c.disk)
	return nil
}

func (h Handler) Snapshot(cmd *cobra.Command, args []string) error {
	c, err := h.initManager(cmd, args)
	if err != nil {
		return err
	}
	index, err := c.mgr.Snapshot(c.Context, c.disk)
	if err != nil {
		return err
	}
	fmt.Printf("snapshot link %d opened on %s\n", index, c.disk)
	return nil
}

func (h Handler) Commit(cmd *cobra.Command, args []string) error {
	c, err := h.initManager(cmd, args)
	if err != nil {
		return err
	}
	if err := c.mgr.CommitToRoot(c.Context, c.disk); err != nil {
		return err
	}
	fmt.Printf("chain of %s committed to root\n", c.disk)
	return nil
}

func (h Handler) Restore(cmd *cobra.Command, args []string) error {
	c, err := h.initManager(cmd, args)
	if err != nil {
		return err
	}
	useRoot, _ := cmd.Flags().GetBool("root")
	snapIndex, _ := cmd.Flags().GetUint64("index")
	if !useRoot && !cmd.Flags().Changed("index") {
		return fmt.Errorf("either --root or --index is required")
	}
	index, err := c.mgr.Restore(c.Context, c.disk, useRoot, snapIndex)
	if err != nil {
		return err
	}
	fmt.Printf("disk %s restored, new top link %d\n", c.disk, index)
	return nil
}

func (h Handler) Resume(cmd *cobra.Command, args []string) error {
	c, err := h.initManager(cmd, args)
	if err != nil {
		return err
	}
	if err := c.mgr.ResumeRebase(c.Context, c.disk); err != nil {
		return err
	}
	log.WithFunc("cmd.chain.resume").Infof(c.Context, "commit cycle of %s converged", c.disk)
	fmt.Printf("commit cycle of %s converged\n", c.disk)
	return nil
}

func (h Handler) Store(cmd *cobra.Command, args []string) error {
	return h.toggle(cmd, args, "store", (*chain.Manager).SetStoreMode)
}

func (h Handler) Daily(cmd *cobra.Command, args []string) error {
	return h.toggle(cmd, args, "daily", (*chain.Manager).SetDailyMode)
}

func (h Handler) toggle(cmd *cobra.Command, args []string, name string,
	set func(*chain.Manager, context.Context, types.DiskRef, bool) error) error {
	c, err := h.initManager(cmd, args)
	if err != nil {
		return err
	}
	var enable bool
	switch args[2] {
	case "on":
		enable = true
	case "off":
	default:
		return fmt.Errorf("expected on or off, got %q", args[2])
	}
	if err := set(c.mgr, c.Context, c.disk, enable); err != nil {
		return err
	}
	fmt.Printf("%s mode of %s set to %s\n", name, c.disk, args[2])
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	c, err := h.initManager(cmd, nil)
	if err != nil {
		return err
	}
	chains, err := c.mgr.List(c.Context)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(chains))
	for key := range chains {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DISK\tROOT\tDEPTH\tSIZE\tSTORE\tDAILY\tSTATE")
	for _, key := range keys {
		state := chains[key]
		disk, err := types.ParseDiskRef(key)
		if err != nil {
			continue
		}
		var size int64
		size += utils.FileSize(c.mgr.Resolver().Root(disk, &state))
		for _, i := range state.Links() {
			size += utils.FileSize(c.mgr.Resolver().Link(disk, i))
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%t\t%t\t%s\n",
			key, state.RootIndex, state.Depth(), cmdcore.FormatSize(size),
			state.StoreMode, state.DailyMode, describeState(&state))
	}
	return w.Flush()
}

func (h Handler) Status(cmd *cobra.Command, args []string) error {
	c, err := h.initManager(cmd, args)
	if err != nil {
		return err
	}
	state, err := c.mgr.Status(c.Context, c.disk)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func (h Handler) Boot(cmd *cobra.Command, args []string) error {
	c, err := h.initManager(cmd, args)
	if err != nil {
		return err
	}
	path, err := c.mgr.ResolveBoot(c.Context, c.disk)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func describeState(s *types.ChainState) string {
	switch {
	case s.RebasePhase != types.RebaseIdle:
		return fmt.Sprintf("commit pending (%s)", s.RebasePhase)
	case !s.Committed:
		return "open"
	default:
		return "committed"
	}
}
