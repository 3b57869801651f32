// Package fake is an in-process Hypervisor for tests. Images are real files
// whose first line records the backing pointer, so chain linkage survives
// renames and can be probed back like qemu-img info would.
package fake

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/projecteru2/chrysalis/hypervisor"
)

const backingPrefix = "backing: "

// Fake implements hypervisor.Hypervisor on plain files. Failure injection
// fields are consumed once and reset, except RebaseErrs which is keyed by
// image path and consulted on every call.
type Fake struct {
	mu sync.Mutex

	FailNextOverlay    error
	FailNextMergeStart error
	FailNextMergeJob   error
	RebaseErrs         map[string]error

	// hold keeps started merge jobs in JobRunning until Release is called.
	hold     bool
	held     []*mergeJob
	Overlays int
	Merges   int
	Rebases  int
}

func New() *Fake {
	return &Fake{RebaseErrs: make(map[string]error)}
}

// HoldMerges makes subsequent merge jobs stay running until Release.
func (f *Fake) HoldMerges() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = true
}

// Release completes all held merge jobs and stops holding.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = false
	for _, j := range f.held {
		j.finish(nil)
	}
	f.held = nil
}

func (f *Fake) CreateOverlay(_ context.Context, base, overlay string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailNextOverlay; err != nil {
		f.FailNextOverlay = nil
		return err
	}
	if _, err := os.Stat(base); err != nil {
		return fmt.Errorf("backing file: %w", err)
	}
	f.Overlays++
	return writeImage(overlay, base, fmt.Sprintf("overlay of %s", base))
}

func (f *Fake) StartMerge(_ context.Context, spec hypervisor.MergeSpec) (hypervisor.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailNextMergeStart; err != nil {
		f.FailNextMergeStart = nil
		return nil, err
	}
	job := &mergeJob{id: uuid.NewString(), fake: f, spec: spec}
	if f.hold {
		f.held = append(f.held, job)
		return job, nil
	}
	if err := f.FailNextMergeJob; err != nil {
		f.FailNextMergeJob = nil
		job.finish(err)
		return job, nil
	}
	job.finish(nil)
	return job, nil
}

func (f *Fake) Rebase(_ context.Context, path, newBacking string) error {
	f.mu.Lock()
	err := f.RebaseErrs[path]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := probe(path); err != nil {
		return err
	}
	f.mu.Lock()
	f.Rebases++
	f.mu.Unlock()
	return rewriteBacking(path, newBacking)
}

func (f *Fake) ImageInfo(_ context.Context, path string) (hypervisor.ImageInfo, error) {
	return probe(path)
}

// mergeJob mimics an async block job: terminal state is set by finish and
// polled via Status.
type mergeJob struct {
	id   string
	fake *Fake
	spec hypervisor.MergeSpec

	mu   sync.Mutex
	done bool
	err  error
}

func (j *mergeJob) ID() string { return j.id }

func (j *mergeJob) Status(context.Context) (hypervisor.JobState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case !j.done:
		return hypervisor.JobRunning, nil
	case j.err != nil:
		return hypervisor.JobFailed, j.err
	default:
		return hypervisor.JobDone, nil
	}
}

func (j *mergeJob) Cancel(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return hypervisor.ErrJobGone
	}
	j.done = true
	j.err = fmt.Errorf("merge canceled")
	return nil
}

// finish completes the job. On success the merge is materialized: link
// content is appended to the base and the base keeps its backing pointer.
func (j *mergeJob) finish(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return
	}
	j.done = true
	j.err = err
	if err != nil {
		return
	}
	j.fake.Merges++
	for _, link := range j.spec.Links {
		data, readErr := os.ReadFile(link)
		if readErr != nil {
			j.err = readErr
			return
		}
		f, openErr := os.OpenFile(j.spec.Base, os.O_APPEND|os.O_WRONLY, 0o600)
		if openErr != nil {
			j.err = openErr
			return
		}
		_, j.err = f.WriteString(fmt.Sprintf("merged %d bytes from %s\n", len(data), link))
		f.Close()
		if j.err != nil {
			return
		}
	}
}

// WriteBase creates a self-contained image file at path.
func WriteBase(path string) error {
	return writeImage(path, "", "base image")
}

func writeImage(path, backing, body string) error {
	return os.WriteFile(path, []byte(backingPrefix+backing+"\n"+body+"\n"), 0o600)
}

func rewriteBacking(path, backing string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, rest, _ := strings.Cut(string(data), "\n")
	return os.WriteFile(path, []byte(backingPrefix+backing+"\n"+rest), 0o600)
}

func probe(path string) (hypervisor.ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return hypervisor.ImageInfo{}, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return hypervisor.ImageInfo{}, fmt.Errorf("empty image %s", path)
	}
	line := scanner.Text()
	if !strings.HasPrefix(line, backingPrefix) {
		return hypervisor.ImageInfo{}, fmt.Errorf("not a fake image: %s", path)
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		return hypervisor.ImageInfo{}, statErr
	}
	return hypervisor.ImageInfo{
		Format:      "qcow2",
		BackingFile: strings.TrimPrefix(line, backingPrefix),
		VirtualSize: info.Size(),
		ActualSize:  info.Size(),
	}, nil
}
