package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/stnd-dev/batch-run-monitor/internal/registry"
	"github.com/stnd-dev/batch-run-monitor/pkg/file"
	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

// Local runs jobs as subprocesses on the monitor host. Submit tends the
// process for its whole lifetime: the returned error only covers the
// spawn itself, the job outcome lands in the tracker.
type Local struct {
	tracker *Tracker
	flag    *RunFlag

	pollInterval time.Duration
	gracePeriod  time.Duration
	extraEnv     []string

	running atomic.Int64
}

func NewLocal(tracker *Tracker, flag *RunFlag) *Local {
	return &Local{
		tracker:      tracker,
		flag:         flag,
		pollInterval: time.Second,
		gracePeriod:  2 * time.Second,
	}
}

// SetExtraEnv adds environment entries to every spawned job, typically
// the monitor address the payload should self-report to.
func (b *Local) SetExtraEnv(env []string) {
	b.extraEnv = env
}

// Running is the authoritative count of live local processes.
func (b *Local) Running() int64 {
	return b.running.Load()
}

func (b *Local) Submit(ctx context.Context, req SubmitRequest) error {
	if !b.flag.Enabled() {
		return ErrStopped
	}

	if err := file.EnsureParentDir(req.LogPath); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.Create(req.LogPath)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command("/bin/sh", "-c", req.Command)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if len(b.extraEnv) > 0 {
		cmd.Env = append(os.Environ(), b.extraEnv...)
	}
	// Own process group so cancellation reaches spawned children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn job for row %d: %w", req.RowID, err)
	}

	b.running.Add(1)
	defer b.running.Add(-1)

	pid := int64(cmd.Process.Pid)
	b.tracker.Set(req.RowID, TrackedJob{JobID: pid, Status: registry.StatusRunning})

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case waitErr := <-done:
			code := exitCodeOf(cmd, waitErr)
			status := registry.StatusCompleted
			switch {
			case code == 0:
			case code == -1 && !b.flag.Enabled():
				// Killed by signal while the run flag was down: that is
				// a cancellation, not a job failure.
				status = registry.StatusCancelled
			default:
				status = registry.StatusFailed
			}
			b.tracker.SetOutcome(req.RowID, status, code)
			return nil
		case <-time.After(b.pollInterval):
			if b.flag.Enabled() {
				continue
			}
			log.Info("Stopping job with row ID %d", req.RowID)
			_ = cmd.Process.Signal(syscall.SIGINT)
			select {
			case <-done:
			case <-time.After(b.gracePeriod):
				killProcessGroup(int(pid))
				<-done
			}
			b.tracker.SetOutcome(req.RowID, registry.StatusCancelled, exitCodeOf(cmd, nil))
			return nil
		}
	}
}

// Query reports liveness per pid. A missing process is classified
// FAILED, which conflates "never started" with "already reaped".
func (b *Local) Query(ctx context.Context, ids []int64) (map[int64]JobState, error) {
	stats := make(map[int64]JobState, len(ids))
	for _, id := range ids {
		if processExists(int(id)) {
			stats[id] = JobState{Status: registry.StatusRunning}
		} else {
			stats[id] = JobState{Status: registry.StatusFailed}
		}
	}
	return stats, nil
}

func (b *Local) List(ctx context.Context) (map[int64]bool, error) {
	alive := make(map[int64]bool)
	for _, tracked := range b.tracker.Snapshot() {
		if tracked.JobID != 0 && processExists(int(tracked.JobID)) {
			alive[tracked.JobID] = true
		}
	}
	return alive, nil
}

// Cancel interrupts each live pid. Errors are ignored: the process may
// already be gone.
func (b *Local) Cancel(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if processExists(int(id)) {
			_ = syscall.Kill(int(id), syscall.SIGINT)
		}
	}
	return nil
}

func (b *Local) ForceCancel(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if processExists(int(id)) {
			killProcessGroup(int(id))
		}
	}
	return nil
}

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		// Negative PGID targets the full process group.
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if state := cmd.ProcessState; state != nil {
		return state.ExitCode()
	}
	if waitErr != nil {
		return 1
	}
	return 0
}
