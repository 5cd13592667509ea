package monitor

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/stnd-dev/batch-run-monitor/internal/backend"
	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

// Phase is the shutdown state of the batch.
type Phase int32

const (
	PhaseRunning Phase = iota
	PhaseDraining
	PhaseDone
)

// ShutdownState is the explicit shutdown switch the main loop polls
// each tick. Only the first transition to DRAINING wins; later signals
// are acknowledged and ignored.
type ShutdownState struct {
	phase     atomic.Int32
	drainCh   chan struct{}
	drainOnce sync.Once
}

func NewShutdownState() *ShutdownState {
	return &ShutdownState{drainCh: make(chan struct{})}
}

func (s *ShutdownState) Phase() Phase {
	return Phase(s.phase.Load())
}

// BeginDrain moves RUNNING to DRAINING. Returns false when draining was
// already in progress.
func (s *ShutdownState) BeginDrain() bool {
	if !s.phase.CompareAndSwap(int32(PhaseRunning), int32(PhaseDraining)) {
		return false
	}
	s.drainOnce.Do(func() { close(s.drainCh) })
	return true
}

// Draining is closed once the drain begins, so sleeps can be cut short.
func (s *ShutdownState) Draining() <-chan struct{} {
	return s.drainCh
}

func (s *ShutdownState) MarkDone() {
	s.phase.Store(int32(PhaseDone))
}

// WatchSignals installs the interrupt handler: the first SIGINT/SIGTERM
// clears the run-enable flag and starts the drain, every further signal
// is logged and ignored. The returned function restores the original
// signal disposition.
func WatchSignals(state *ShutdownState, flag *backend.RunFlag) func() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		for range ch {
			if state.BeginDrain() {
				flag.Disable()
				log.Info("Received exit signal. Preparing to terminate all jobs...")
			} else {
				log.Info("Cancellation in progress, please wait...")
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
