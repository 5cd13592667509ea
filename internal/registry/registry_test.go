package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stnd-dev/batch-run-monitor/internal/protocol"
)

func intPtr(v int) *int { return &v }

func TestApplyEnvelopeCreatesAndMerges(t *testing.T) {
	reg := New()

	reg.ApplyEnvelope(protocol.Envelope{
		JobID: 42,
		Messages: []protocol.Item{
			{Type: protocol.JobStarted},
			{Type: protocol.JobResultUpdate, Key: "loss", Value: "0.5"},
		},
	})

	job, ok := reg.Get(42)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, job.Status)
	require.Len(t, job.PendingWrites(), 1)
	assert.Equal(t, KV{Key: "loss", Value: "0.5"}, job.PendingWrites()[0])

	// A later envelope for the same id merges into the same record.
	reg.ApplyEnvelope(protocol.Envelope{
		JobID: 42,
		Messages: []protocol.Item{
			{Type: protocol.JobResultUpdate, Key: "loss", Value: "0.3"},
			{Type: protocol.JobFinished},
		},
	})

	job, ok = reg.Get(42)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
	require.Len(t, job.PendingWrites(), 1, "same key should be upserted, not appended")
	assert.Equal(t, "0.3", job.PendingWrites()[0].Value)
	assert.Len(t, reg.Snapshot(), 1)
}

func TestTerminalStatusIsNeverOverwritten(t *testing.T) {
	tests := []struct {
		name     string
		terminal Status
	}{
		{"completed", StatusCompleted},
		{"failed", StatusFailed},
		{"cancelled", StatusCancelled},
		{"timeout", StatusTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New()
			reg.ApplyObservations([]Observation{
				{RowID: 2, JobID: 7, Status: tt.terminal},
			})

			// Neither a self-report nor a reconciled sighting may
			// resurrect a finished job.
			reg.ApplyEnvelope(protocol.Envelope{
				JobID:    7,
				Messages: []protocol.Item{{Type: protocol.JobStarted}},
			})
			reg.ApplyObservations([]Observation{
				{RowID: 2, JobID: 7, Status: StatusRunning},
			})

			job, ok := reg.Get(7)
			require.True(t, ok)
			assert.Equal(t, tt.terminal, job.Status)
		})
	}
}

func TestWeakObservationOnlyFillsEmptyStatus(t *testing.T) {
	reg := New()

	// Self-reported RUNNING must survive a weak PENDING sighting.
	reg.ApplyEnvelope(protocol.Envelope{
		JobID:    7,
		Messages: []protocol.Item{{Type: protocol.JobStarted}},
	})
	reg.ApplyObservations([]Observation{
		{RowID: 2, JobID: 7, Status: StatusPending, Weak: true},
	})

	job, ok := reg.Get(7)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, job.Status)

	// A record with no status yet does take the weak value.
	reg.ApplyObservations([]Observation{
		{RowID: 3, JobID: 8, Status: StatusPending, Weak: true},
	})
	job, ok = reg.Get(8)
	require.True(t, ok)
	assert.Equal(t, StatusPending, job.Status)
}

func TestDrainDirtyPublishesEachChangeOnce(t *testing.T) {
	reg := New()
	reg.ApplyObservations([]Observation{
		{RowID: 2, JobID: 7, Status: StatusRunning},
	})

	drained := reg.DrainDirty()
	require.Len(t, drained, 1)
	assert.Equal(t, 2, drained[0].CSVRowID)
	assert.Equal(t, StatusRunning, drained[0].Status)

	// Nothing changed, so a second drain is empty.
	assert.Empty(t, reg.DrainDirty())

	// Re-observing the same status is not a change either.
	reg.ApplyObservations([]Observation{
		{RowID: 2, JobID: 7, Status: StatusRunning},
	})
	assert.Empty(t, reg.DrainDirty())

	// An exit code arriving later is a change.
	reg.ApplyObservations([]Observation{
		{RowID: 2, JobID: 7, Status: StatusCompleted, ExitCode: intPtr(0)},
	})
	drained = reg.DrainDirty()
	require.Len(t, drained, 1)
	require.NotNil(t, drained[0].ExitCode)
	assert.Equal(t, 0, *drained[0].ExitCode)
}

func TestDrainDirtySkipsRowlessJobs(t *testing.T) {
	reg := New()

	// A self-report can arrive before the reconciler joins the job to
	// its row; it must stay queued until then.
	reg.ApplyEnvelope(protocol.Envelope{
		JobID:    9,
		Messages: []protocol.Item{{Type: protocol.JobStarted}},
	})
	assert.Empty(t, reg.DrainDirty())

	reg.ApplyObservations([]Observation{{RowID: 4, JobID: 9}})
	drained := reg.DrainDirty()
	require.Len(t, drained, 1)
	assert.Equal(t, 4, drained[0].CSVRowID)
	assert.Equal(t, StatusRunning, drained[0].Status)
}

func TestObservationJoinsRowToSelfReportedJob(t *testing.T) {
	reg := New()
	reg.ApplyEnvelope(protocol.Envelope{
		JobID:    11,
		Messages: []protocol.Item{{Type: protocol.JobResultUpdate, Key: "acc", Value: "0.9"}},
	})
	reg.ApplyObservations([]Observation{
		{RowID: 5, JobID: 11, Status: StatusRunning},
	})

	require.Len(t, reg.Snapshot(), 1, "row join must not create a second record")
	job, ok := reg.Get(11)
	require.True(t, ok)
	assert.Equal(t, 5, job.CSVRowID)
	assert.Len(t, job.PendingWrites(), 1)
}

func TestRowJoinAttachesLogPath(t *testing.T) {
	reg := New()
	reg.SetLogPath(5, "/runs/logs/row_5.log")

	// A self-report carries no row, so no path can attach yet.
	reg.ApplyEnvelope(protocol.Envelope{
		JobID:    11,
		Messages: []protocol.Item{{Type: protocol.JobStarted}},
	})
	job, ok := reg.Get(11)
	require.True(t, ok)
	assert.Empty(t, job.LogPath)

	reg.ApplyObservations([]Observation{
		{RowID: 5, JobID: 11, Status: StatusRunning},
	})

	job, ok = reg.Get(11)
	require.True(t, ok)
	assert.Equal(t, "/runs/logs/row_5.log", job.LogPath)
}

func TestForceCancelActive(t *testing.T) {
	reg := New()
	reg.ApplyObservations([]Observation{
		{RowID: 2, JobID: 1, Status: StatusRunning},
		{RowID: 3, JobID: 2, Status: StatusCompleted},
		{RowID: 4, JobID: 3, Status: StatusPending},
	})
	reg.DrainDirty()

	flipped := reg.ForceCancelActive()
	assert.Equal(t, 2, flipped)

	drained := reg.DrainDirty()
	require.Len(t, drained, 2)
	for _, job := range drained {
		assert.Equal(t, StatusCancelled, job.Status)
	}

	job, _ := reg.Get(2)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestUnnotifiedFailuresAreOneShot(t *testing.T) {
	reg := New()
	reg.ApplyObservations([]Observation{
		{RowID: 2, JobID: 1, Status: StatusFailed, ExitCode: intPtr(1)},
		{RowID: 3, JobID: 2, Status: StatusTimeout},
		{RowID: 4, JobID: 3, Status: StatusCompleted},
	})

	failures := reg.UnnotifiedFailures()
	require.Len(t, failures, 2)

	assert.Empty(t, reg.UnnotifiedFailures(), "failures must be reported once")
}

func TestCounts(t *testing.T) {
	reg := New()
	reg.ApplyObservations([]Observation{
		{RowID: 2, JobID: 1, Status: StatusRunning},
		{RowID: 3, JobID: 2, Status: StatusRunning},
		{RowID: 4, JobID: 3, Status: StatusCompleted},
		{RowID: 5, JobID: 4, Status: StatusFailed},
		{RowID: 6, JobID: 5, Status: StatusCancelled},
		{RowID: 7, JobID: 6, Status: StatusPending},
	})

	counts := reg.Counts()
	assert.Equal(t, Counts{Running: 2, Finished: 1, Failed: 2}, counts)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusTimeout.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())

	assert.True(t, StatusPending.IsActive())
	assert.True(t, StatusRunning.IsActive())
	assert.False(t, StatusSubmitted.IsActive())
	assert.False(t, StatusCompleted.IsActive())
}
