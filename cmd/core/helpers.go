package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/chrysalis/chain"
	"github.com/projecteru2/chrysalis/config"
	"github.com/projecteru2/chrysalis/hypervisor/qemublock"
	"github.com/projecteru2/chrysalis/lock/flock"
	"github.com/projecteru2/chrysalis/storage"
	boltstore "github.com/projecteru2/chrysalis/storage/bolt"
	jsonstore "github.com/projecteru2/chrysalis/storage/json"
	"github.com/projecteru2/chrysalis/types"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitLedgerStore opens the chain ledger store selected by the config.
func InitLedgerStore(conf *config.Config) (storage.Store[types.ChainIndex], error) {
	if err := conf.EnsureChainDirs(); err != nil {
		return nil, fmt.Errorf("ensure chain dirs: %w", err)
	}
	switch conf.LedgerBackend {
	case config.LedgerBackendJSON:
		return jsonstore.New[types.ChainIndex](conf.LedgerFile(), flock.New(conf.LedgerLock())), nil
	case config.LedgerBackendBolt:
		store, err := boltstore.Open[types.ChainIndex](conf.LedgerBolt())
		if err != nil {
			return nil, fmt.Errorf("open bolt ledger: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", conf.LedgerBackend)
	}
}

// InitManager builds the chain manager over the configured ledger store and
// the qemu block backend.
func InitManager(conf *config.Config) (*chain.Manager, error) {
	store, err := InitLedgerStore(conf)
	if err != nil {
		return nil, err
	}
	return chain.NewManager(conf, store, qemublock.New(conf)), nil
}

// FormatSize renders a byte count for table output.
func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}
