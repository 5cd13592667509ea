package experiment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/stnd-dev/batch-run-monitor/internal/backend"
	"github.com/stnd-dev/batch-run-monitor/internal/config"
	"github.com/stnd-dev/batch-run-monitor/internal/manager"
	"github.com/stnd-dev/batch-run-monitor/internal/monitor"
	"github.com/stnd-dev/batch-run-monitor/internal/protocol"
	"github.com/stnd-dev/batch-run-monitor/internal/publish"
	"github.com/stnd-dev/batch-run-monitor/internal/reconcile"
	"github.com/stnd-dev/batch-run-monitor/internal/registry"
	"github.com/stnd-dev/batch-run-monitor/internal/scheduler"
	"github.com/stnd-dev/batch-run-monitor/pkg/file"
	"github.com/stnd-dev/batch-run-monitor/pkg/icron"
	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

// BatchService runs the batch described by the run table, either once
// or on a cron schedule for recurring batches.
type BatchService struct {
	cfg      config.Config
	cronExpr string
	cron     *cron.Cron
}

func NewBatchService(cfg config.Config, cron *cron.Cron) BatchService {
	return BatchService{
		cfg:      cfg,
		cronExpr: cfg.Batch.CronExpr,
		cron:     cron,
	}
}

var singleflightGroup singleflight.Group

// Schedule runs the batch. Without a cron expression it runs once and
// returns; with one it blocks, triggering a run per schedule and
// skipping triggers that fire while a run is still in progress.
func (s BatchService) Schedule(ctx context.Context) error {
	log.Info("Run BatchService")

	if s.cronExpr == "" {
		return s.runOnce(ctx)
	}

	if info, err := icron.GetTriggerInfo(s.cronExpr, time.Now()); err == nil {
		log.Info("Recurring batch, next trigger at %s (in %s)",
			info.Next.Format(publish.TimeFormat), info.TimeUntilNext)
	}

	stopCh := make(chan error, 1)
	runFunc := func() {
		_, _, _ = singleflightGroup.Do("run", func() (any, error) {
			if err := s.runOnce(ctx); err != nil {
				if errors.Is(err, monitor.ErrCancelled) {
					stopCh <- err
					return nil, nil
				}
				log.Error("Batch run failed: %v", err)
			}
			return nil, nil
		})
	}
	if _, err := s.cron.AddFunc(s.cronExpr, runFunc); err != nil {
		return err
	}

	s.cron.Start()
	err := <-stopCh
	<-s.cron.Stop().Done()
	return err
}

// runOnce executes one full batch lifecycle: load the run table, wire
// the update transport and backend, then hand control to the monitor
// loop until the batch finishes or is cancelled.
func (s BatchService) runOnce(ctx context.Context) error {
	rows, err := LoadCSV(s.cfg.Batch.CSVPath)
	if err != nil {
		return err
	}

	runDir, err := NewRunDir(s.cfg.Batch.RunDir)
	if err != nil {
		return err
	}
	log.Info("Run directory: %s", runDir)

	reg := registry.New()

	env := make(map[string]string)
	var files *manager.FileIngest
	if s.cfg.Monitor.UseFiles {
		updates := UpdatesDir(runDir)
		if err := file.EnsureDir(updates); err != nil {
			return fmt.Errorf("create updates directory: %w", err)
		}
		files = manager.NewFileIngest(reg, updates)
		env[protocol.UpdatesDirEnv] = updates
	} else {
		mgr := manager.New(reg)
		addr, err := mgr.Start()
		if err != nil {
			return err
		}
		defer mgr.Close()

		dialAddr, err := reachableAddr(addr)
		if err != nil {
			return err
		}
		env[protocol.AddrEnv] = dialAddr
	}

	local := s.cfg.Batch.RunLocally
	descs, err := BuildDescriptors(rows, runDir, s.cfg.Batch.Name, local, env)
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		log.Info("No runnable rows in %s, nothing to do.", s.cfg.Batch.CSVPath)
		return nil
	}
	log.Info("Loaded %d runnable rows from %s", len(descs), s.cfg.Batch.CSVPath)

	tracker := backend.NewTracker()
	flag := backend.NewRunFlag()
	var be backend.Backend
	if local {
		lb := backend.NewLocal(tracker, flag)
		extra := make([]string, 0, len(env))
		for k, v := range env {
			extra = append(extra, k+"="+v)
		}
		lb.SetExtraEnv(extra)
		be = lb
	} else {
		be = backend.NewCluster(tracker, flag, backend.ClusterCLI{
			Accounting: s.cfg.Cluster.AccountingCmd,
			Queue:      s.cfg.Cluster.QueueCmd,
			Cancel:     s.cfg.Cluster.CancelCmd,
		})
	}

	sched := scheduler.New(descs, be, tracker, flag, scheduler.Config{
		MaxConcurrent: s.cfg.Monitor.MaxConcurrent,
		MaxRetries:    s.cfg.Monitor.SubmitRetries,
	})
	rec := reconcile.New(reg, tracker, be, local)

	sink, err := s.buildSink(runDir)
	if err != nil {
		return err
	}
	batcher := publish.NewBatcher(sink, s.cfg.Publish.MinFlushInterval)

	mon := monitor.New(monitor.Deps{
		Registry:   reg,
		Tracker:    tracker,
		Flag:       flag,
		Backend:    be,
		Scheduler:  sched,
		Reconciler: rec,
		Batcher:    batcher,
		FileIngest: files,
		Shutdown:   monitor.NewShutdownState(),
		Local:      local,
		TickMax:    s.cfg.Monitor.TickMax,
	})
	return mon.Run(ctx)
}

func (s BatchService) buildSink(runDir string) (publish.Sink, error) {
	csvPath := s.cfg.Publish.CSVPath
	if csvPath == "" {
		csvPath = filepath.Join(runDir, "status.csv")
	}
	csvSink, err := publish.NewCSVSink(csvPath)
	if err != nil {
		return nil, err
	}

	sinks := publish.MultiSink{csvSink}
	if s.cfg.Publish.WorkbookPath != "" {
		sheet, err := publish.NewSheetSink(s.cfg.Publish.WorkbookPath, s.cfg.Publish.Worksheet)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sheet)
	}
	return sinks, nil
}

// reachableAddr turns the listener's bound address into one a job
// payload can dial: the bound port on this host's name, so cluster jobs
// on other nodes can reach the monitor too.
func reachableAddr(bound string) (string, error) {
	_, port, err := net.SplitHostPort(bound)
	if err != nil {
		return "", fmt.Errorf("parse listener address %q: %w", bound, err)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port), nil
}
