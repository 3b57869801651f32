// Package scheduler takes periodic snapshots of disks that opted into
// automatic chains.
package scheduler

import (
	"context"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/chain"
	"github.com/projecteru2/chrysalis/config"
	"github.com/projecteru2/chrysalis/types"
)

// Scheduler periodically snapshots every enabled disk in daily mode.
type Scheduler struct {
	conf *config.Config
	mgr  *chain.Manager
}

// New creates a Scheduler over the given chain manager.
func New(conf *config.Config, mgr *chain.Manager) *Scheduler {
	return &Scheduler{conf: conf, mgr: mgr}
}

// Run loops until ctx ends, executing one pass every SnapshotPeriod.
// Pass errors are logged, never fatal: a disk that fails today is retried
// on the next pass.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := log.WithFunc("scheduler.Run")
	logger.Infof(ctx, "periodic snapshots every %s", s.conf.SnapshotPeriod)
	ticker := time.NewTicker(s.conf.SnapshotPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce snapshots every enabled daily-mode disk sequentially. Each disk
// gets its own timeout so one stuck merge job cannot stall the pass, and a
// failure on one disk never blocks the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	logger := log.WithFunc("scheduler.RunOnce")
	chains, err := s.mgr.List(ctx)
	if err != nil {
		logger.Errorf(ctx, err, "list chains")
		return
	}

	var taken, failed int
	for key, state := range chains {
		if !state.Enabled || !state.DailyMode {
			continue
		}
		disk, err := types.ParseDiskRef(key)
		if err != nil {
			logger.Errorf(ctx, err, "corrupt ledger key")
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, s.conf.SnapshotTimeout)
		index, err := s.mgr.Snapshot(dctx, disk)
		cancel()
		if err != nil {
			failed++
			logger.Errorf(ctx, err, "scheduled snapshot of %s", disk)
			continue
		}
		taken++
		logger.Infof(ctx, "scheduled snapshot of %s: link %d", disk, index)
	}
	if taken+failed > 0 {
		logger.Infof(ctx, "pass done: %d taken, %d failed", taken, failed)
	}
}
