// Package qemublock implements hypervisor.Hypervisor with the qemu/libvirt
// block tooling: qemu-img for overlay creation, rebase and offline merges,
// virsh for live block-commit jobs on running domains.
package qemublock

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/config"
	"github.com/projecteru2/chrysalis/hypervisor"
)

const qcow2 = "qcow2"

// compile-time interface check.
var _ hypervisor.Hypervisor = (*QemuBlock)(nil)

// QemuBlock shells out to qemu-img and virsh.
type QemuBlock struct {
	conf *config.Config
}

// New creates a QemuBlock backend.
func New(conf *config.Config) *QemuBlock {
	return &QemuBlock{conf: conf}
}

// CreateOverlay creates a qcow2 overlay at overlay backed by base.
func (q *QemuBlock) CreateOverlay(ctx context.Context, base, overlay string) error {
	_, err := q.run(ctx, q.conf.QemuImgBinary,
		"create", "-f", qcow2, "-b", base, "-F", qcow2, overlay)
	if err != nil {
		return fmt.Errorf("create overlay %s on %s: %w", overlay, base, err)
	}
	return nil
}

// Rebase rewrites path's backing pointer to newBacking. Unsafe mode (-u):
// only the pointer changes, the caller guarantees the content lines up.
func (q *QemuBlock) Rebase(ctx context.Context, path, newBacking string) error {
	args := []string{"rebase", "-u"}
	if newBacking == "" {
		args = append(args, "-b", "")
	} else {
		args = append(args, "-b", newBacking, "-F", qcow2)
	}
	args = append(args, path)
	if _, err := q.run(ctx, q.conf.QemuImgBinary, args...); err != nil {
		return fmt.Errorf("rebase %s onto %s: %w", path, newBacking, err)
	}
	return nil
}

// ImageInfo probes path with qemu-img info.
func (q *QemuBlock) ImageInfo(ctx context.Context, path string) (hypervisor.ImageInfo, error) {
	var info hypervisor.ImageInfo
	out, err := q.run(ctx, q.conf.QemuImgBinary, "info", "--output=json", path)
	if err != nil {
		return info, fmt.Errorf("probe %s: %w", path, err)
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return info, fmt.Errorf("parse image info for %s: %w", path, err)
	}
	return info, nil
}

// domainRunning reports whether the libvirt domain is currently running.
func (q *QemuBlock) domainRunning(ctx context.Context, domain string) bool {
	out, err := q.run(ctx, q.conf.VirshBinary, "domstate", domain)
	return err == nil && strings.TrimSpace(out) == "running"
}

// run executes a command and returns its combined output.
func (q *QemuBlock) run(ctx context.Context, bin string, args ...string) (string, error) {
	logger := log.WithFunc("qemublock.run")
	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec // binaries from config, args from ledger paths
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.Warnf(ctx, "%s %s: %v: %s", bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		return string(out), fmt.Errorf("%s %s: %w: %s", bin, args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
