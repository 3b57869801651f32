package qemublock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/hypervisor"
	"github.com/projecteru2/chrysalis/utils"
)

const (
	pivotConfirmTimeout = 30 * time.Second
	pivotPollInterval   = 500 * time.Millisecond
)

// StartMerge launches a block-merge job. Running domains get a live virsh
// blockcommit supervised by polling; otherwise the links are folded offline
// with qemu-img, one at a time from the top down.
func (q *QemuBlock) StartMerge(ctx context.Context, spec hypervisor.MergeSpec) (hypervisor.Job, error) {
	if len(spec.Links) == 0 {
		return nil, fmt.Errorf("merge %s: no links to fold", spec.Base)
	}
	if spec.Domain != "" && q.domainRunning(ctx, spec.Domain) {
		return q.startLiveMerge(ctx, spec)
	}
	return q.startOfflineMerge(spec), nil
}

// liveJob supervises a virsh blockcommit running inside libvirt.
// An active commit parks in the ready state at 100% until pivoted; Status
// issues the pivot and only then reports done.
type liveJob struct {
	q       *QemuBlock
	id      string
	domain  string
	device  string
	pivoted bool
}

func (q *QemuBlock) startLiveMerge(ctx context.Context, spec hypervisor.MergeSpec) (hypervisor.Job, error) {
	_, err := q.run(ctx, q.conf.VirshBinary, "blockcommit",
		spec.Domain, spec.Device, "--base", spec.Base, "--top", spec.Top, "--active")
	if err != nil {
		return nil, fmt.Errorf("start blockcommit %s/%s: %w", spec.Domain, spec.Device, err)
	}
	return &liveJob{q: q, id: uuid.NewString(), domain: spec.Domain, device: spec.Device}, nil
}

func (j *liveJob) ID() string { return j.id }

func (j *liveJob) Status(ctx context.Context) (hypervisor.JobState, error) {
	if j.pivoted {
		return hypervisor.JobDone, nil
	}
	out, err := j.q.run(ctx, j.q.conf.VirshBinary, "blockjob", j.domain, j.device, "--info")
	if err != nil {
		return hypervisor.JobFailed, fmt.Errorf("poll blockjob %s/%s: %w", j.domain, j.device, err)
	}
	switch {
	case strings.Contains(out, "No current block job"):
		// The job vanished without reaching ready: aborted out of band.
		return hypervisor.JobFailed, fmt.Errorf("blockjob %s/%s: %w", j.domain, j.device, hypervisor.ErrJobGone)
	case strings.Contains(out, "100 %"):
		// Ready: all data drained into the base, pivot to finish. libvirt
		// clears the job asynchronously after the pivot, so wait for it to
		// vanish before reporting done.
		if _, err := j.q.run(ctx, j.q.conf.VirshBinary, "blockjob", j.domain, j.device, "--pivot"); err != nil {
			return hypervisor.JobFailed, fmt.Errorf("pivot blockjob %s/%s: %w", j.domain, j.device, err)
		}
		if err := utils.WaitFor(ctx, pivotConfirmTimeout, pivotPollInterval, func() (bool, error) {
			out, err := j.q.run(ctx, j.q.conf.VirshBinary, "blockjob", j.domain, j.device, "--info")
			if err != nil {
				return false, err
			}
			return strings.Contains(out, "No current block job"), nil
		}); err != nil {
			return hypervisor.JobFailed, fmt.Errorf("confirm pivot %s/%s: %w", j.domain, j.device, err)
		}
		j.pivoted = true
		return hypervisor.JobDone, nil
	default:
		return hypervisor.JobRunning, nil
	}
}

func (j *liveJob) Cancel(ctx context.Context) error {
	if j.pivoted {
		return nil
	}
	if _, err := j.q.run(ctx, j.q.conf.VirshBinary, "blockjob", j.domain, j.device, "--abort"); err != nil {
		return fmt.Errorf("abort blockjob %s/%s: %w", j.domain, j.device, err)
	}
	return nil
}

// offlineJob folds links with qemu-img commit in a background goroutine.
// Each commit folds one file into its immediate backing file; walking from
// the top down drains the whole chain into the base.
type offlineJob struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (q *QemuBlock) startOfflineMerge(spec hypervisor.MergeSpec) hypervisor.Job {
	ctx, cancel := context.WithCancel(context.Background())
	job := &offlineJob{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(job.done)
		logger := log.WithFunc("qemublock.offlineMerge")
		for i := len(spec.Links) - 1; i >= 0; i-- {
			link := spec.Links[i]
			logger.Infof(ctx, "folding %s", link)
			if _, err := q.run(ctx, q.conf.QemuImgBinary, "commit", "-f", qcow2, link); err != nil {
				job.mu.Lock()
				job.err = fmt.Errorf("fold %s: %w", link, err)
				job.mu.Unlock()
				return
			}
		}
	}()
	return job
}

func (j *offlineJob) ID() string { return j.id }

func (j *offlineJob) Status(_ context.Context) (hypervisor.JobState, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		if j.err != nil {
			return hypervisor.JobFailed, j.err
		}
		return hypervisor.JobDone, nil
	default:
		return hypervisor.JobRunning, nil
	}
}

func (j *offlineJob) Cancel(_ context.Context) error {
	j.cancel()
	<-j.done
	return nil
}
