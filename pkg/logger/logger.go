package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Default is the default logger instance
	Default *slog.Logger
)

func init() {
	Default = New("info", os.Stderr)
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a JSON logger with the specified level and output
func New(level string, output io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// NewText creates a text logger for interactive use at the bench
func NewText(level string, output io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// FileOptions configures the rotating log file
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Options selects level, format and sinks
type Options struct {
	Level  string
	Format string // json or text
	File   *FileOptions
}

// Build returns a logger writing to stderr, plus a rotating file when opts.File is set.
// The returned closer releases the file and must be called on shutdown.
func Build(opts Options) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if opts.File != nil && opts.File.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File.Path,
			MaxSize:    orDefault(opts.File.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.File.MaxBackups, 5),
			MaxAge:     orDefault(opts.File.MaxAgeDays, 30),
			Compress:   opts.File.Compress,
		}
		out = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}

	if strings.EqualFold(opts.Format, "text") {
		return NewText(opts.Level, out), closer
	}
	return New(opts.Level, out), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// SetDefault sets the default logger
func SetDefault(logger *slog.Logger) {
	Default = logger
	slog.SetDefault(logger)
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	Default.Debug(msg, args...)
}

// Info logs an info message
func Info(msg string, args ...any) {
	Default.Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	Default.Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	Default.Error(msg, args...)
}

// With returns a logger with additional attributes
func With(args ...any) *slog.Logger {
	return Default.With(args...)
}
