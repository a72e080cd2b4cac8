// Package logging wraps github.com/charmbracelet/log so every core
// component logs through one consistently configured logger instead of
// scattering fmt.Fprintf(os.Stderr, ...) calls. The teacher prints plain
// lines to stderr; the core's structured logger keeps that same terse,
// one-line-per-event register but attaches the key/value pairs (process
// id, workspace id, repo name) a supervisor needs to correlate output
// across concurrent attempts.
package logging

import (
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	once   sync.Once
	logger *log.Logger
)

// Default returns the process-wide logger, created on first use with
// level Info and a short timestamp, matching the terse register the rest
// of the corpus's CLIs use.
func Default() *log.Logger {
	once.Do(func() {
		logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      "15:04:05",
		})
		if lvl := os.Getenv("VK_LOG_LEVEL"); lvl != "" {
			if parsed, err := log.ParseLevel(lvl); err == nil {
				logger.SetLevel(parsed)
			}
		}
	})
	return logger
}

// With returns a child logger carrying the given key/value pairs, the way
// every per-process or per-workspace log line should be tagged.
func With(kv ...interface{}) *log.Logger {
	return Default().With(kv...)
}
