package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stnd-dev/batch-run-monitor/pkg/file"
)

// DefaultBatchArgs are the scheduler directives applied to every batch
// script unless the caller overrides them.
func DefaultBatchArgs() map[string]string {
	return map[string]string{
		"gpus":          "1",
		"time":          "24:00:00",
		"ntasks":        "1",
		"cpus-per-task": "2",
	}
}

// WriteBatchScript materialises a task command into a batch submission
// script with one directive header per argument, and returns the submit
// command to run. logPath is used for both output and error capture.
func WriteBatchScript(dir, name, command, logPath string, args map[string]string) (string, error) {
	merged := DefaultBatchArgs()
	for k, v := range args {
		merged[k] = v
	}
	merged["job-name"] = name
	merged["output"] = logPath
	merged["error"] = logPath

	if err := file.EnsureParentDir(logPath); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	if err := file.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("create script directory: %w", err)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "#SBATCH --%s=%s\n", k, merged[k])
	}
	sb.WriteString(command)
	sb.WriteString("\n")

	scriptPath := filepath.Join(dir, name+".sbatch")
	if err := os.WriteFile(scriptPath, []byte(sb.String()), 0755); err != nil {
		return "", fmt.Errorf("write batch script: %w", err)
	}

	return fmt.Sprintf("sbatch %s", scriptPath), nil
}
