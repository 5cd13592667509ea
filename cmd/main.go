package main

import (
	"context"
	"errors"
	"os"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/stnd-dev/batch-run-monitor/internal/config"
	"github.com/stnd-dev/batch-run-monitor/internal/experiment"
	"github.com/stnd-dev/batch-run-monitor/internal/monitor"
	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

func main() {
	// A missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()
	log.InitLogger(log.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}

	cron := cron.New()
	svc := experiment.NewBatchService(*cfg, cron)

	if err := svc.Schedule(context.Background()); err != nil {
		if errors.Is(err, monitor.ErrCancelled) {
			log.Info("Batch cancelled.")
			os.Exit(1)
		}
		log.Fatal("Batch failed: %v", err)
	}
}
