package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stnd-dev/batch-run-monitor/internal/backend"
	"github.com/stnd-dev/batch-run-monitor/internal/registry"
)

func intPtr(v int) *int { return &v }

// accountingBackend serves a canned accounting view.
type accountingBackend struct {
	states   map[int64]backend.JobState
	queryErr error
	queried  [][]int64
}

func (a *accountingBackend) Submit(ctx context.Context, req backend.SubmitRequest) error {
	return nil
}

func (a *accountingBackend) Query(ctx context.Context, ids []int64) (map[int64]backend.JobState, error) {
	a.queried = append(a.queried, ids)
	if a.queryErr != nil {
		return nil, a.queryErr
	}
	return a.states, nil
}

func (a *accountingBackend) List(ctx context.Context) (map[int64]bool, error) {
	return map[int64]bool{}, nil
}

func (a *accountingBackend) Cancel(ctx context.Context, ids []int64) error      { return nil }
func (a *accountingBackend) ForceCancel(ctx context.Context, ids []int64) error { return nil }

func TestPassAppliesAccountingResults(t *testing.T) {
	reg := registry.New()
	tracker := backend.NewTracker()
	tracker.Set(2, backend.TrackedJob{JobID: 100, Status: registry.StatusPending})
	tracker.Set(3, backend.TrackedJob{JobID: 101, Status: registry.StatusPending})

	be := &accountingBackend{states: map[int64]backend.JobState{
		100: {Status: registry.StatusRunning},
		101: {Status: registry.StatusFailed, ExitCode: intPtr(1)},
	}}

	rec := New(reg, tracker, be, false)
	require.NoError(t, rec.Pass(context.Background()))

	job, ok := reg.Get(100)
	require.True(t, ok)
	assert.Equal(t, registry.StatusRunning, job.Status)
	assert.Equal(t, 2, job.CSVRowID)

	job, ok = reg.Get(101)
	require.True(t, ok)
	assert.Equal(t, registry.StatusFailed, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 1, *job.ExitCode)

	// All tracked ids go out in one batched query.
	require.Len(t, be.queried, 1)
	assert.ElementsMatch(t, []int64{100, 101}, be.queried[0])
}

func TestPassKeepsSelfReportedStatusOnAccountingMiss(t *testing.T) {
	reg := registry.New()
	tracker := backend.NewTracker()
	tracker.Set(2, backend.TrackedJob{JobID: 100, Status: registry.StatusPending})

	// The job reported RUNNING itself but the accounting system has not
	// caught up yet; the tracked PENDING must not demote it.
	reg.ApplyObservations([]registry.Observation{
		{RowID: 2, JobID: 100, Status: registry.StatusRunning},
	})

	rec := New(reg, tracker, &accountingBackend{states: map[int64]backend.JobState{}}, false)
	require.NoError(t, rec.Pass(context.Background()))

	job, ok := reg.Get(100)
	require.True(t, ok)
	assert.Equal(t, registry.StatusRunning, job.Status)
}

func TestPassTerminalTrackedStatusSticksOnAccountingMiss(t *testing.T) {
	reg := registry.New()
	tracker := backend.NewTracker()
	tracker.Set(2, backend.TrackedJob{JobID: 100, Status: registry.StatusPending})
	tracker.MarkCancelled(2)

	reg.ApplyObservations([]registry.Observation{
		{RowID: 2, JobID: 100, Status: registry.StatusRunning},
	})

	rec := New(reg, tracker, &accountingBackend{states: map[int64]backend.JobState{}}, false)
	require.NoError(t, rec.Pass(context.Background()))

	job, ok := reg.Get(100)
	require.True(t, ok)
	assert.Equal(t, registry.StatusCancelled, job.Status)
}

func TestPassSkipsRegistryOnQueryFailure(t *testing.T) {
	reg := registry.New()
	tracker := backend.NewTracker()
	tracker.Set(2, backend.TrackedJob{JobID: 100, Status: registry.StatusRunning})

	be := &accountingBackend{queryErr: errors.New("sacct timed out")}
	rec := New(reg, tracker, be, false)

	err := rec.Pass(context.Background())
	require.Error(t, err)
	assert.Empty(t, reg.Snapshot(), "a failed pass must leave the registry untouched")
}

func TestPassLocalTrustsTracker(t *testing.T) {
	reg := registry.New()
	tracker := backend.NewTracker()
	tracker.Set(2, backend.TrackedJob{JobID: 4242, Status: registry.StatusRunning})
	tracker.SetOutcome(3, registry.StatusCompleted, 0)

	be := &accountingBackend{}
	rec := New(reg, tracker, be, true)
	require.NoError(t, rec.Pass(context.Background()))

	assert.Empty(t, be.queried, "local mode must not shell out to accounting")

	job, ok := reg.Get(4242)
	require.True(t, ok)
	assert.Equal(t, registry.StatusRunning, job.Status)
}

func TestPassPartialAccountingCoverage(t *testing.T) {
	reg := registry.New()
	tracker := backend.NewTracker()
	for i := 0; i < 5; i++ {
		tracker.Set(i+2, backend.TrackedJob{JobID: int64(100 + i), Status: registry.StatusPending})
	}

	// Only three of five ids show up in accounting; the other two keep
	// their tracked status without being lost.
	be := &accountingBackend{states: map[int64]backend.JobState{
		100: {Status: registry.StatusRunning},
		101: {Status: registry.StatusRunning},
		102: {Status: registry.StatusCompleted, ExitCode: intPtr(0)},
	}}

	rec := New(reg, tracker, be, false)
	require.NoError(t, rec.Pass(context.Background()))

	require.Len(t, reg.Snapshot(), 5)
	for i, want := range []registry.Status{
		registry.StatusRunning,
		registry.StatusRunning,
		registry.StatusCompleted,
		registry.StatusPending,
		registry.StatusPending,
	} {
		job, ok := reg.Get(int64(100 + i))
		require.True(t, ok)
		assert.Equal(t, want, job.Status, "job %d", 100+i)
	}
}
