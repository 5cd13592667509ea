package backend

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stnd-dev/batch-run-monitor/internal/registry"
	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

// ClusterCLI names the scheduler binaries the cluster backend shells
// out to. The defaults target a Slurm-style installation.
type ClusterCLI struct {
	Accounting string // batched state query, e.g. sacct
	Queue      string // live queue listing, e.g. squeue
	Cancel     string // cancellation, e.g. scancel
}

func DefaultClusterCLI() ClusterCLI {
	return ClusterCLI{
		Accounting: "sacct",
		Queue:      "squeue",
		Cancel:     "scancel",
	}
}

// Cluster submits jobs through a batch scheduler's command-line surface
// and derives their state from its accounting and queue tools.
type Cluster struct {
	tracker *Tracker
	flag    *RunFlag
	cli     ClusterCLI

	submitTimeout time.Duration
	queryTimeout  time.Duration
	listTimeout   time.Duration
}

func NewCluster(tracker *Tracker, flag *RunFlag, cli ClusterCLI) *Cluster {
	return &Cluster{
		tracker:       tracker,
		flag:          flag,
		cli:           cli,
		submitTimeout: 60 * time.Second,
		queryTimeout:  180 * time.Second,
		listTimeout:   60 * time.Second,
	}
}

var digitsPattern = regexp.MustCompile(`\d+`)

// Submit runs the prepared submission command and extracts the numeric
// execution id from its output. A timeout or an output without an id is
// a retryable submission fault.
func (b *Cluster) Submit(ctx context.Context, req SubmitRequest) error {
	if !b.flag.Enabled() {
		return ErrStopped
	}

	runCtx, cancel := context.WithTimeout(ctx, b.submitTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", req.Command)
	output, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("submission for row %d took longer than %s", req.RowID, b.submitTimeout)
	}
	if err != nil {
		return fmt.Errorf("submission for row %d failed: %w (%s)",
			req.RowID, err, strings.TrimSpace(string(output)))
	}

	jobID, ok := extractJobID(string(output))
	if !ok {
		return fmt.Errorf("no job id found in submission output for row %d: %q",
			req.RowID, strings.TrimSpace(string(output)))
	}

	log.Info("Submitted a job with ID: %d", jobID)
	b.tracker.Set(req.RowID, TrackedJob{JobID: jobID, Status: registry.StatusPending})
	return nil
}

// extractJobID concatenates every digit run in the output, matching the
// id format "Submitted batch job 12345" style submitters print.
func extractJobID(output string) (int64, bool) {
	numbers := digitsPattern.FindAllString(output, -1)
	if len(numbers) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.Join(numbers, ""), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// Query issues one batched accounting call covering all ids. A timeout
// is reported as an error so the caller retries on the next tick.
func (b *Cluster) Query(ctx context.Context, ids []int64) (map[int64]JobState, error) {
	if len(ids) == 0 {
		return map[int64]JobState{}, nil
	}

	idList := make([]string, 0, len(ids))
	for _, id := range ids {
		idList = append(idList, strconv.FormatInt(id, 10))
	}

	runCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.cli.Accounting,
		"-j", strings.Join(idList, ","),
		"--format=JobID,State,ExitCode", "--noheader")
	output, err := cmd.Output()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("accounting query timed out after %s", b.queryTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("accounting query failed: %w", err)
	}

	return parseAccounting(string(output)), nil
}

// parseAccounting reads "JobID State ExitCode" rows, skipping job-step
// lines (ids containing a "+" suffix).
func parseAccounting(output string) map[int64]JobState {
	stats := make(map[int64]JobState)
	for _, line := range strings.Split(output, "\n") {
		columns := strings.Fields(line)
		if len(columns) != 3 || strings.Contains(columns[0], "+") {
			continue
		}

		idDigits := digitsPattern.FindAllString(columns[0], -1)
		if len(idDigits) == 0 {
			continue
		}
		jobID, err := strconv.ParseInt(strings.Join(idDigits, ""), 10, 64)
		if err != nil {
			continue
		}

		state := JobState{Status: mapClusterState(columns[1])}
		if code, ok := parseExitCode(columns[2]); ok {
			state.ExitCode = &code
		}
		stats[jobID] = state
	}
	return stats
}

// mapClusterState translates a scheduler state word into a job status.
// Unknown states carry no information for this pass.
func mapClusterState(state string) registry.Status {
	state = strings.ToUpper(strings.TrimSpace(state))
	switch {
	case state == "COMPLETED":
		return registry.StatusCompleted
	case state == "RUNNING" || state == "COMPLETING":
		return registry.StatusRunning
	case state == "PENDING" || state == "REQUEUED" || state == "SUSPENDED":
		return registry.StatusPending
	case state == "TIMEOUT":
		return registry.StatusTimeout
	case strings.HasPrefix(state, "CANCELLED"):
		// Accounting reports "CANCELLED by <uid>" for operator cancels.
		return registry.StatusCancelled
	case state == "FAILED" || state == "NODE_FAIL" || state == "OUT_OF_MEMORY" ||
		state == "BOOT_FAIL" || state == "DEADLINE" || state == "PREEMPTED":
		return registry.StatusFailed
	}
	return ""
}

// parseExitCode reads the "code:signal" pair accounting tools print.
func parseExitCode(raw string) (int, bool) {
	head, _, _ := strings.Cut(raw, ":")
	code, err := strconv.Atoi(head)
	if err != nil {
		return 0, false
	}
	return code, true
}

// List returns the ids currently visible in the live queue. A failing
// listing yields an error so callers can fall back to their tracking.
func (b *Cluster) List(ctx context.Context) (map[int64]bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, b.listTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.cli.Queue, "--me", "--noheader")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("queue listing failed: %w", err)
	}

	active := make(map[int64]bool)
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if id, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			active[id] = true
		}
	}
	return active, nil
}

func (b *Cluster) Cancel(ctx context.Context, ids []int64) error {
	return b.runCancel(ctx, ids)
}

// ForceCancel sends the KILL-signal variant for jobs that survived a
// graceful cancel.
func (b *Cluster) ForceCancel(ctx context.Context, ids []int64) error {
	return b.runCancel(ctx, ids, "--signal=KILL")
}

func (b *Cluster) runCancel(ctx context.Context, ids []int64, extraArgs ...string) error {
	if len(ids) == 0 {
		return nil
	}

	args := append([]string{}, extraArgs...)
	for _, id := range ids {
		args = append(args, strconv.FormatInt(id, 10))
	}

	cmd := exec.CommandContext(ctx, b.cli.Cancel, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cancel command failed: %w (%s)",
			err, strings.TrimSpace(string(output)))
	}
	return nil
}
