package main

import (
	"fmt"
	"os"
	"path/filepath"

	"chordcache/src/config"

	"github.com/charmbracelet/log"
)

// setupLog routes the default logger according to env. Logs go to stderr
// unless a log file is configured.
func setupLog(env config.Env) (func() error, error) {
	log.SetOutput(os.Stderr)
	log.SetReportTimestamp(true)
	if env.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if env.LogFile == "" {
		return func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(env.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(env.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return f.Close, nil
}
