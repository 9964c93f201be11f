package mirror

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the package-level structured logger for all mirror operations.
// Defaults to a no-op (discard) handler until InitLogger is called.
var logger *slog.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// LogConfig configures InitLogger.
type LogConfig struct {
	// Level is the minimum level written to the console.
	Level slog.Level
	// Dir, if non-empty, receives level-split rotating log files.
	Dir string
}

// InitLogger configures the package logger.
// Always enables console output: INFO→stdout, WARN/ERROR→stderr (DEBUG goes
// to stdout too when cfg.Level allows it).
// If cfg.Dir is non-empty, also writes to level-split log files:
//   - mirror_warn.log:  WARN + ERROR
//   - mirror_info.log:  INFO only (10MB, 3 backups)
//   - mirror_debug.log: DEBUG only (10MB, 1 backup)
func InitLogger(cfg LogConfig) *slog.Logger {
	console := &consoleHandler{
		min:    cfg.Level,
		stdout: newTintHandler(os.Stdout, cfg.Level),
		stderr: newTintHandler(os.Stderr, slog.LevelWarn),
	}

	handlers := []slog.Handler{console}

	if cfg.Dir != "" {
		os.MkdirAll(cfg.Dir, 0750) //nolint:errcheck

		warnFile := slog.NewTextHandler(&lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "mirror_warn.log"),
			MaxSize:    100,
			MaxBackups: 3,
		}, &slog.HandlerOptions{Level: slog.LevelWarn})

		infoFile := &levelRangeHandler{
			min: slog.LevelInfo,
			max: slog.LevelInfo,
			inner: slog.NewTextHandler(&lumberjack.Logger{
				Filename:   filepath.Join(cfg.Dir, "mirror_info.log"),
				MaxSize:    10,
				MaxBackups: 3,
			}, &slog.HandlerOptions{Level: slog.LevelInfo}),
		}

		debugFile := &levelRangeHandler{
			min: slog.LevelDebug,
			max: slog.LevelDebug,
			inner: slog.NewTextHandler(&lumberjack.Logger{
				Filename:   filepath.Join(cfg.Dir, "mirror_debug.log"),
				MaxSize:    10,
				MaxBackups: 1,
			}, &slog.HandlerOptions{Level: slog.LevelDebug}),
		}

		handlers = append(handlers, warnFile, infoFile, debugFile)
	}

	logger = slog.New(&multiHandler{handlers: handlers})
	return logger
}

// SetLogger replaces the package logger. Tests use it to capture output.
func SetLogger(l *slog.Logger) {
	logger = l
}

func newTintHandler(f *os.File, level slog.Level) slog.Handler {
	return tint.NewHandler(f, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(f.Fd()),
	})
}

// sub returns a child logger tagged with the given component name.
func sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// logEnabled reports whether the given log level is enabled.
// Use this to guard expensive DEBUG logging in hot paths.
func logEnabled(level slog.Level) bool {
	return logger.Enabled(context.Background(), level)
}

// --- consoleHandler: routes INFO and below →stdout, WARN+→stderr ---

type consoleHandler struct {
	min    slog.Level
	stdout slog.Handler
	stderr slog.Handler
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{
		min:    h.min,
		stdout: h.stdout.WithAttrs(attrs),
		stderr: h.stderr.WithAttrs(attrs),
	}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{
		min:    h.min,
		stdout: h.stdout.WithGroup(name),
		stderr: h.stderr.WithGroup(name),
	}
}

// --- levelRangeHandler: passes only a specific level range ---

type levelRangeHandler struct {
	min, max slog.Level
	inner    slog.Handler
}

func (h *levelRangeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min && level <= h.max
}

func (h *levelRangeHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelRangeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithAttrs(attrs)}
}

func (h *levelRangeHandler) WithGroup(name string) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithGroup(name)}
}

// --- multiHandler: fans out to multiple handlers ---

type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
