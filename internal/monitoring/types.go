// Package monitoring - types.go defines shared types.
//
// TYPES:
//   - LoggerConfig: Level, format and output of the zerolog logger
//   - AlertConfig:  Alert thresholds
package monitoring

import (
	"io"
	"time"
)

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console; empty picks console on a terminal
	Output string `yaml:"output"` // stdout, stderr, or file path

	// Writer overrides Output when set.
	Writer io.Writer `yaml:"-"`
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}
