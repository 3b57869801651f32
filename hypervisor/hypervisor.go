// Package hypervisor defines the block-operation surface the chain manager
// needs from the VM layer. The manager never asks the hypervisor which file
// a disk is attached to — it only issues block operations against paths the
// ledger resolved.
package hypervisor

import (
	"context"
	"errors"
)

// ErrJobGone is returned by Job.Status when the hypervisor no longer knows
// the job. Merge jobs that finish may be cleaned up before the next poll;
// callers treat ErrJobGone after a progressing job as completion.
var ErrJobGone = errors.New("block job no longer exists")

// JobState is the coarse state of an asynchronous block-merge job.
type JobState string

const (
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is a handle to a long-running block-merge job. The job itself may run
// unbounded; callers apply their own timeout and may Cancel.
type Job interface {
	// ID identifies the job for logging.
	ID() string
	// Status polls the job. JobDone and JobFailed are terminal.
	Status(ctx context.Context) (JobState, error)
	// Cancel aborts a running job. The merge target is left as it was;
	// partially merged data in the base is harmless since links remain.
	Cancel(ctx context.Context) error
}

// MergeSpec describes a block-merge: fold the content of Top and everything
// between Top and Base down into Base. Domain and Device name the attachment
// point for live merges; they may be empty for offline disks.
type MergeSpec struct {
	Domain string // libvirt domain name, empty when VM is not running
	Device string // guest device the chain is attached to, e.g. "vda"
	Base   string // path of the merge target (typically the chain root)
	Top    string // path of the current chain top
	// Links are the paths between Base and Top inclusive of Top, ordered
	// bottom to top. Offline merges fold them one at a time.
	Links []string
}

// ImageInfo describes one backing-file image.
type ImageInfo struct {
	Format      string `json:"format"`
	BackingFile string `json:"backing-filename"`
	VirtualSize int64  `json:"virtual-size"`
	ActualSize  int64  `json:"actual-size"`
}

// SelfContained reports whether the image has no backing file.
func (i ImageInfo) SelfContained() bool { return i.BackingFile == "" }

// Hypervisor is the block-job interface of the VM layer.
type Hypervisor interface {
	// CreateOverlay creates a new writable image at overlay whose backing
	// file is base. The overlay becomes the new top of the chain.
	CreateOverlay(ctx context.Context, base, overlay string) error
	// StartMerge launches an asynchronous job folding a chain's links into
	// its base. The returned handle is polled by the caller.
	StartMerge(ctx context.Context, spec MergeSpec) (Job, error)
	// Rebase rewrites path's backing-file pointer to newBacking without
	// touching data (unsafe rebase: the caller guarantees content identity).
	Rebase(ctx context.Context, path, newBacking string) error
	// ImageInfo probes an image file's format and backing pointer.
	ImageInfo(ctx context.Context, path string) (ImageInfo, error)
}
