package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all monitor configuration, read from environment
// variables with sensible defaults.
//
// Environment Variables:
// Batch:
// - BATCH_CSV: path to the run table (required)
// - BATCH_NAME: batch name used for script/job naming (default: batch)
// - RUN_LOCALLY: run jobs as local subprocesses instead of submitting
//   to the cluster scheduler (default: true)
// - RUN_DIR: base directory for per-run logs/scripts/updates (default: runs)
// - BATCH_CRON: optional cron expression for recurring batches
//
// Monitor:
// - MAX_CONCURRENT_JOBS: concurrency ceiling, -1 for unbounded (default: -1)
// - SUBMIT_MAX_RETRIES: submission retries per row, 0 retries forever (default: 5)
// - USE_FILE_UPDATES: ingest job self-reports from .jsonl files instead
//   of the socket (default: false)
// - MONITOR_SOCKET_PORT: fixed listener port; unset picks a free one
// - TICK_MAX_SECONDS: ceiling of the linear tick backoff (default: 15)
//
// Cluster CLI:
// - CLUSTER_ACCOUNTING_CMD (default: sacct)
// - CLUSTER_QUEUE_CMD (default: squeue)
// - CLUSTER_CANCEL_CMD (default: scancel)
//
// Publication:
// - STATUS_CSV: status table path (default: <run dir>/status.csv)
// - STATUS_XLSX: optional workbook to publish into
// - STATUS_WORKSHEET: worksheet name inside the workbook (default: Sheet1)
// - PUBLISH_MIN_INTERVAL_SECONDS: minimum delay between unforced
//   publication flushes (default: 5)

type Config struct {
	Batch   BatchConfig   `json:"batch"`
	Monitor MonitorConfig `json:"monitor"`
	Cluster ClusterConfig `json:"cluster"`
	Publish PublishConfig `json:"publish"`
}

type BatchConfig struct {
	CSVPath    string `json:"csv_path"`
	Name       string `json:"name"`
	RunLocally bool   `json:"run_locally"`
	RunDir     string `json:"run_dir"`
	CronExpr   string `json:"cron_expr"`
}

type MonitorConfig struct {
	MaxConcurrent int           `json:"max_concurrent"`
	SubmitRetries int           `json:"submit_retries"`
	UseFiles      bool          `json:"use_files"`
	TickMax       time.Duration `json:"tick_max"`
}

// ClusterConfig names the scheduler binaries shelled out to.
type ClusterConfig struct {
	AccountingCmd string `json:"accounting_cmd"`
	QueueCmd      string `json:"queue_cmd"`
	CancelCmd     string `json:"cancel_cmd"`
}

type PublishConfig struct {
	CSVPath          string        `json:"csv_path"`
	WorkbookPath     string        `json:"workbook_path"`
	Worksheet        string        `json:"worksheet"`
	MinFlushInterval time.Duration `json:"min_flush_interval"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment
// variables and options.
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Batch: BatchConfig{
			CSVPath:    getEnvString("BATCH_CSV", ""),
			Name:       getEnvString("BATCH_NAME", "batch"),
			RunLocally: getEnvBool("RUN_LOCALLY", true),
			RunDir:     getEnvString("RUN_DIR", "runs"),
			CronExpr:   getEnvString("BATCH_CRON", ""),
		},
		Monitor: MonitorConfig{
			MaxConcurrent: getEnvInt("MAX_CONCURRENT_JOBS", -1),
			SubmitRetries: getEnvInt("SUBMIT_MAX_RETRIES", 5),
			UseFiles:      getEnvBool("USE_FILE_UPDATES", false),
			TickMax:       time.Duration(getEnvInt("TICK_MAX_SECONDS", 15)) * time.Second,
		},
		Cluster: ClusterConfig{
			AccountingCmd: getEnvString("CLUSTER_ACCOUNTING_CMD", "sacct"),
			QueueCmd:      getEnvString("CLUSTER_QUEUE_CMD", "squeue"),
			CancelCmd:     getEnvString("CLUSTER_CANCEL_CMD", "scancel"),
		},
		Publish: PublishConfig{
			CSVPath:          getEnvString("STATUS_CSV", ""),
			WorkbookPath:     getEnvString("STATUS_XLSX", ""),
			Worksheet:        getEnvString("STATUS_WORKSHEET", "Sheet1"),
			MinFlushInterval: time.Duration(getEnvInt("PUBLISH_MIN_INTERVAL_SECONDS", 5)) * time.Second,
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Batch.CSVPath == "" {
		return fmt.Errorf("BATCH_CSV is required")
	}
	if c.Monitor.MaxConcurrent == 0 || c.Monitor.MaxConcurrent < -1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be positive or -1, got %d", c.Monitor.MaxConcurrent)
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean value from environment variables with default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
