// Package logging constructs the loggers used across stowage.
//
// By default loggers write to stderr. When a log file is configured,
// output goes to a size-rotated file instead so a long-running daemon
// does not grow an unbounded log.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log output goes and how files rotate.
type Options struct {
	// File is the log file path. Empty means log to stderr.
	File string

	// MaxSizeMB is the maximum size of the log file before rotation.
	MaxSizeMB int

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int

	// MaxAgeDays is the maximum age of rotated files in days.
	MaxAgeDays int
}

// DefaultOptions returns stderr logging with rotation defaults that
// apply once a file is set.
func DefaultOptions() Options {
	return Options{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Writer returns the destination for log output described by opts.
func Writer(opts Options) io.Writer {
	if opts.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
}

// New returns a logger with the given prefix writing to the
// destination described by opts.
func New(prefix string, opts Options) *log.Logger {
	return log.New(Writer(opts), prefix, log.LstdFlags)
}
