// Package logging builds the per-component loggers of the application.
//
// Every component receives a standard *log.Logger prefixed with its name,
// e.g. "[processor] ". All loggers share one sink: a size-rotated file under
// {nxdrive_home}/logs, optionally mirrored to stderr.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the name of the active log file.
const FileName = "ndrive.log"

// Options configures the sink.
type Options struct {
	Dir        string
	Console    bool
	Verbose    bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultOptions returns rotation settings suited to a desktop client.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:        dir,
		Console:    true,
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// Sink hands out component loggers writing to the same destination.
type Sink struct {
	w       io.Writer
	file    *lumberjack.Logger
	verbose bool

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// Open creates the log directory and the rotating file writer.
func Open(opts Options) (*Sink, error) {
	var writers []io.Writer
	var file *lumberjack.Logger
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
		file = &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, FileName),
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, file)
	}
	if opts.Console {
		writers = append(writers, os.Stderr)
	}

	var w io.Writer = io.Discard
	if len(writers) > 0 {
		w = io.MultiWriter(writers...)
	}
	return &Sink{w: w, file: file, verbose: opts.Verbose, loggers: make(map[string]*log.Logger)}, nil
}

// New returns a sink writing to w, for tests and embedding.
func New(w io.Writer, verbose bool) *Sink {
	return &Sink{w: w, verbose: verbose, loggers: make(map[string]*log.Logger)}
}

// Discard returns a sink dropping everything.
func Discard() *Sink {
	return New(io.Discard, false)
}

// Logger returns the logger of a component.
func (s *Sink) Logger(component string) *log.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loggers[component]; ok {
		return l
	}
	l := log.New(s.w, "["+component+"] ", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	s.loggers[component] = l
	return l
}

// Debug returns the debug logger of a component. It discards output unless
// the sink is verbose.
func (s *Sink) Debug(component string) *log.Logger {
	if !s.verbose {
		return log.New(io.Discard, "", 0)
	}
	return s.Logger(component + ":debug")
}

// Verbose reports whether debug output is enabled.
func (s *Sink) Verbose() bool {
	return s.verbose
}

// Rotate forces a new log file, e.g. on SIGHUP.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

// Close flushes and closes the log file.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
