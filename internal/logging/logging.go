// Package logging builds the component loggers used across tasksync.
//
// Every component logs through a stdlib *log.Logger with a bracketed prefix
// such as "[sync] ". All loggers built from one Output share the same
// destination: stderr, or a size-rotated file when a path is configured.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log destination.
type Options struct {
	// File enables rotated file logging when set.
	File string

	// MaxSizeMB is the size at which the file is rotated. Zero means 10.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept. Zero means 3.
	MaxBackups int

	// Verbose also copies file output to stderr.
	Verbose bool
}

// Output is a shared log destination.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger
}

// Open creates the destination described by opts.
func Open(opts Options) (*Output, error) {
	if opts.File == "" {
		return &Output{w: os.Stderr}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, err
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	backups := opts.MaxBackups
	if backups <= 0 {
		backups = 3
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: backups,
		Compress:   true,
	}

	var w io.Writer = file
	if opts.Verbose {
		w = io.MultiWriter(file, os.Stderr)
	}
	return &Output{w: w, file: file}, nil
}

// Discard returns an Output that drops everything.
func Discard() *Output {
	return &Output{w: io.Discard}
}

// Logger returns a logger for one component, e.g. Logger("sync").
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying destination.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
