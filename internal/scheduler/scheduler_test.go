package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stnd-dev/batch-run-monitor/internal/backend"
	"github.com/stnd-dev/batch-run-monitor/internal/registry"
)

// fakeBackend models a cluster-style backend: submissions register in
// the tracker and the live queue mirrors tracked active ids.
type fakeBackend struct {
	mu        sync.Mutex
	tracker   *backend.Tracker
	failures  map[int]int // rowID -> submit failures left to inject
	submitErr error       // overrides the generic failure error
	submitted []int
}

func newFakeBackend(tracker *backend.Tracker) *fakeBackend {
	return &fakeBackend{
		tracker:  tracker,
		failures: make(map[int]int),
	}
}

func (f *fakeBackend) Submit(ctx context.Context, req backend.SubmitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures[req.RowID] > 0 {
		f.failures[req.RowID]--
		if f.submitErr != nil {
			return f.submitErr
		}
		return errors.New("submission refused")
	}
	f.submitted = append(f.submitted, req.RowID)
	f.tracker.Set(req.RowID, backend.TrackedJob{
		JobID:  int64(1000 + req.RowID),
		Status: registry.StatusRunning,
	})
	return nil
}

func (f *fakeBackend) Query(ctx context.Context, ids []int64) (map[int64]backend.JobState, error) {
	return map[int64]backend.JobState{}, nil
}

func (f *fakeBackend) List(ctx context.Context) (map[int64]bool, error) {
	live := make(map[int64]bool)
	for _, id := range f.tracker.ActiveIDs() {
		live[id] = true
	}
	return live, nil
}

func (f *fakeBackend) Cancel(ctx context.Context, ids []int64) error      { return nil }
func (f *fakeBackend) ForceCancel(ctx context.Context, ids []int64) error { return nil }

func (f *fakeBackend) submittedRows() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.submitted...)
}

func makeDescs(n int) []Descriptor {
	descs := make([]Descriptor, 0, n)
	for i := 0; i < n; i++ {
		descs = append(descs, Descriptor{RowID: i + 2, Command: "true"})
	}
	return descs
}

// tickUntil ticks the scheduler until cond holds, failing the test if it
// never does.
func tickUntil(t *testing.T, s *Scheduler, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.Tick(context.Background())
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never reached")
}

func TestUnboundedDispatchesEverything(t *testing.T) {
	tracker := backend.NewTracker()
	flag := backend.NewRunFlag()
	fake := newFakeBackend(tracker)

	s := New(makeDescs(5), fake, tracker, flag, Config{MaxConcurrent: Unbounded})

	tickUntil(t, s, func() bool {
		return len(fake.submittedRows()) == 5 && s.Drained()
	})
	assert.Equal(t, 5, s.Submitted())
	assert.Equal(t, 0, s.PendingCount())
}

func TestConcurrencyCeilingIsHonored(t *testing.T) {
	tracker := backend.NewTracker()
	flag := backend.NewRunFlag()
	fake := newFakeBackend(tracker)

	s := New(makeDescs(3), fake, tracker, flag, Config{MaxConcurrent: 1})

	tickUntil(t, s, func() bool { return len(fake.submittedRows()) == 1 })

	// The first job still occupies the single slot, so further ticks
	// must not submit more.
	for i := 0; i < 5; i++ {
		s.Tick(context.Background())
		time.Sleep(10 * time.Millisecond)
	}
	assert.Len(t, fake.submittedRows(), 1)

	// Finishing the job frees the slot for exactly one more.
	first := fake.submittedRows()[0]
	tracker.SetOutcome(first, registry.StatusCompleted, 0)
	tickUntil(t, s, func() bool { return len(fake.submittedRows()) == 2 })
}

func TestFailedSubmissionIsReenqueued(t *testing.T) {
	tracker := backend.NewTracker()
	flag := backend.NewRunFlag()
	fake := newFakeBackend(tracker)
	fake.failures[2] = 2

	s := New(makeDescs(1), fake, tracker, flag, Config{MaxConcurrent: Unbounded, MaxRetries: 5})

	tickUntil(t, s, func() bool {
		return len(fake.submittedRows()) == 1 && s.Drained()
	})

	job, ok := tracker.Get(2)
	require.True(t, ok)
	assert.Equal(t, registry.StatusRunning, job.Status)
}

func TestRetriesExhaustedMarksRowFailed(t *testing.T) {
	tracker := backend.NewTracker()
	flag := backend.NewRunFlag()
	fake := newFakeBackend(tracker)
	fake.failures[2] = 100

	s := New(makeDescs(1), fake, tracker, flag, Config{MaxConcurrent: Unbounded, MaxRetries: 3})

	tickUntil(t, s, func() bool {
		job, ok := tracker.Get(2)
		return ok && job.Status == registry.StatusFailed && s.Drained()
	})
	assert.Empty(t, fake.submittedRows())
}

func TestStoppedSubmissionIsNotRetried(t *testing.T) {
	tracker := backend.NewTracker()
	flag := backend.NewRunFlag()
	fake := newFakeBackend(tracker)
	fake.failures[2] = 100
	fake.submitErr = backend.ErrStopped

	s := New(makeDescs(1), fake, tracker, flag, Config{MaxConcurrent: Unbounded, MaxRetries: 3})

	tickUntil(t, s, func() bool { return s.Drained() })

	assert.Equal(t, 0, s.PendingCount())
	job, ok := tracker.Get(2)
	if ok {
		assert.NotEqual(t, registry.StatusFailed, job.Status)
	}
}

func TestDisabledFlagStopsDispatch(t *testing.T) {
	tracker := backend.NewTracker()
	flag := backend.NewRunFlag()
	fake := newFakeBackend(tracker)

	s := New(makeDescs(3), fake, tracker, flag, Config{MaxConcurrent: Unbounded})

	flag.Disable()
	for i := 0; i < 5; i++ {
		s.Tick(context.Background())
		time.Sleep(10 * time.Millisecond)
	}
	assert.Empty(t, fake.submittedRows())
	assert.Equal(t, 3, s.PendingCount())
}

func TestCancelInflightMarksActiveRows(t *testing.T) {
	tracker := backend.NewTracker()
	flag := backend.NewRunFlag()

	// A backend whose submissions never return, so handles stay active.
	blocked := &blockingBackend{release: make(chan struct{})}
	defer close(blocked.release)

	s := New(makeDescs(2), blocked, tracker, flag, Config{MaxConcurrent: Unbounded})
	s.Tick(context.Background())
	require.Equal(t, 2, s.ActiveSubmissions())

	s.CancelInflight()
	for _, rowID := range []int{2, 3} {
		job, ok := tracker.Get(rowID)
		require.True(t, ok)
		assert.Equal(t, registry.StatusCancelled, job.Status)
	}
}

// countingBackend exposes a live process counter like the local backend
// does, which replaces the queue-verification arithmetic entirely.
type countingBackend struct {
	*fakeBackend
	running int64
}

func (c *countingBackend) Running() int64 { return c.running }

func TestLocalStyleCounterIsAuthoritative(t *testing.T) {
	tracker := backend.NewTracker()
	flag := backend.NewRunFlag()
	counting := &countingBackend{fakeBackend: newFakeBackend(tracker), running: 1}

	s := New(makeDescs(2), counting, tracker, flag, Config{MaxConcurrent: 1})

	// The counter already reports a live process, so the single slot is
	// taken and nothing dispatches.
	for i := 0; i < 5; i++ {
		s.Tick(context.Background())
		time.Sleep(10 * time.Millisecond)
	}
	assert.Empty(t, counting.submittedRows())

	// With the counter at zero the slot frees up again each tick.
	counting.running = 0
	tickUntil(t, s, func() bool {
		return len(counting.submittedRows()) == 2 && s.Drained()
	})
}

// slowSpawnBackend delays Submit before the process registers, so the
// live counter cannot see the dispatch yet.
type slowSpawnBackend struct {
	*fakeBackend
	release chan struct{}
}

func (b *slowSpawnBackend) Running() int64 { return 0 }

func (b *slowSpawnBackend) Submit(ctx context.Context, req backend.SubmitRequest) error {
	<-b.release
	return b.fakeBackend.Submit(ctx, req)
}

func TestCounterBackendCountsUnregisteredDispatches(t *testing.T) {
	tracker := backend.NewTracker()
	flag := backend.NewRunFlag()
	slow := &slowSpawnBackend{fakeBackend: newFakeBackend(tracker), release: make(chan struct{})}

	s := New(makeDescs(2), slow, tracker, flag, Config{MaxConcurrent: 1})

	s.Tick(context.Background())
	require.Equal(t, 1, s.ActiveSubmissions())

	// The first dispatch has not registered its process yet; it still
	// owns the single slot.
	for i := 0; i < 5; i++ {
		s.Tick(context.Background())
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, s.ActiveSubmissions())
	assert.Equal(t, 1, s.PendingCount())

	close(slow.release)
	tickUntil(t, s, func() bool {
		return len(slow.submittedRows()) == 2 && s.Drained()
	})
}

type blockingBackend struct {
	release chan struct{}
}

func (b *blockingBackend) Submit(ctx context.Context, req backend.SubmitRequest) error {
	<-b.release
	return backend.ErrStopped
}

func (b *blockingBackend) Query(ctx context.Context, ids []int64) (map[int64]backend.JobState, error) {
	return map[int64]backend.JobState{}, nil
}

func (b *blockingBackend) List(ctx context.Context) (map[int64]bool, error) {
	return map[int64]bool{}, nil
}

func (b *blockingBackend) Cancel(ctx context.Context, ids []int64) error      { return nil }
func (b *blockingBackend) ForceCancel(ctx context.Context, ids []int64) error { return nil }
