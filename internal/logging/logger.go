// Package logging builds the index server's slog handler chain.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syntrixbase/backupindex/internal/config"
)

const (
	mainLogName  = "backupindex.log"
	errorLogName = "errors.log"
)

// Logger is a slog.Logger that owns its rotating log files.
type Logger struct {
	*slog.Logger
	files []*lumberjack.Logger
}

// Initialize builds a Logger from cfg and installs it as the slog default.
func Initialize(cfg config.LoggingConfig) (*Logger, error) {
	logger, err := New(cfg, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger.Logger)

	logger.Info("Logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"dir", cfg.Dir,
		"console_enabled", cfg.Console.Enabled,
		"file_enabled", cfg.File.Enabled,
		"repeat_window", cfg.RepeatWindow,
	)
	return logger, nil
}

// New builds the handler chain described by cfg. Console output goes to
// console; file output goes to backupindex.log with warnings and errors
// copied to errors.log.
func New(cfg config.LoggingConfig, console io.Writer) (*Logger, error) {
	l := &Logger{}
	var handlers []slog.Handler

	if cfg.Console.Enabled && console != nil {
		handlers = append(handlers, newHandler(console, cfg.Console.Format, parseLevel(cfg.Console.Level)))
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		main := l.rotating(cfg, mainLogName)
		handlers = append(handlers, newHandler(main, cfg.File.Format, parseLevel(cfg.File.Level)))

		errs := l.rotating(cfg, errorLogName)
		handlers = append(handlers, NewLevelFilter(newHandler(errs, cfg.File.Format, slog.LevelDebug), slog.LevelWarn))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, nil)
	case 1:
		handler = handlers[0]
	default:
		handler = NewMultiHandler(handlers...)
	}
	if cfg.RepeatWindow > 0 {
		handler = NewRepeatSuppressor(handler, cfg.RepeatWindow)
	}

	l.Logger = slog.New(handler)
	return l, nil
}

// Close closes every log file, returning all close errors.
func (l *Logger) Close() error {
	var err error
	for _, f := range l.files {
		err = multierr.Append(err, f.Close())
	}
	l.files = nil
	return err
}

func (l *Logger) rotating(cfg config.LoggingConfig, name string) *lumberjack.Logger {
	f := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, name),
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}
	l.files = append(l.files, f)
	return f
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
