// Package logging builds the process loggers: stderr, plus a rotating log
// file when one is configured.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log output.
type Options struct {
	// File is the log file path. Empty logs to stderr only.
	File string

	// MaxSizeMB is the size at which the file is rotated
	MaxSizeMB int

	// MaxBackups is how many rotated files are kept
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept
	MaxAgeDays int

	// Compress gzips rotated files
	Compress bool

	// Verbose enables Debugf output
	Verbose bool

	// Stderr overrides os.Stderr, for tests.
	Stderr io.Writer
}

// Logging owns the shared log destination. Every component logger writes to
// the same sink with its own prefix.
type Logging struct {
	out     io.Writer
	file    *lumberjack.Logger
	verbose bool

	mu    sync.Mutex
	debug *log.Logger
}

// New opens the log destination.
func New(opts Options) (*Logging, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	l := &Logging{out: stderr, verbose: opts.Verbose}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		l.out = io.MultiWriter(stderr, l.file)
	}
	return l, nil
}

// Logger returns a logger for one component, e.g. Logger("sync") prefixes
// lines with "[sync] ".
func (l *Logging) Logger(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Debugf logs only when verbose output is on.
func (l *Logging) Debugf(format string, args ...any) {
	if !l.verbose {
		return
	}
	l.mu.Lock()
	if l.debug == nil {
		l.debug = log.New(l.out, "[debug] ", log.LstdFlags|log.Lmicroseconds)
	}
	d := l.debug
	l.mu.Unlock()
	d.Printf(format, args...)
}

// Writer is the shared destination.
func (l *Logging) Writer() io.Writer {
	return l.out
}

// Close flushes and closes the log file, if any.
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
