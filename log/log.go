// Package log provides the structured logger used throughout the PearTube
// node. It wraps log/slog the same way go-ethereum's log package does:
// a small Logger handle per component, colorized terminal output when
// stdout is a TTY, and a Crit level that exits the process.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Logger is a thin wrapper around slog.Logger that adds the Crit level and
// keeps the component name attached to every record.
type Logger struct {
	inner *slog.Logger
}

var (
	rootMu sync.Mutex
	root   = New()

	minLevel atomic.Int64 // slog.Level, defaults to 0 (Info)
)

// SetVerbosity sets the minimum level emitted by every logger, by name:
// trace, debug, info, warn, error. Unrecognized names are treated as info,
// matching the config package's Verbosity field default.
func SetVerbosity(name string) {
	var lvl slog.Level
	switch strings.ToLower(name) {
	case "trace":
		lvl = levelTrace
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	minLevel.Store(int64(lvl))
}

// SetOutput redirects the root logger to w instead of stderr. Loggers made
// with New keep writing to stderr.
func SetOutput(w io.Writer) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = newWith(w)
}

// Root returns the shared root logger.
func Root() *Logger {
	rootMu.Lock()
	defer rootMu.Unlock()
	return root
}

// New creates a logger scoped with the given alternating key/value context,
// e.g. log.New("component", "driveregistry").
func New(ctx ...any) *Logger {
	return newWith(os.Stderr, ctx...)
}

func newWith(w io.Writer, ctx ...any) *Logger {
	handler := newTerminalHandler(w)
	l := slog.New(handler)
	if len(ctx) > 0 {
		l = l.With(ctx...)
	}
	return &Logger{inner: l}
}

// With returns a derived logger carrying additional context fields.
func (l *Logger) With(ctx ...any) *Logger {
	return &Logger{inner: l.inner.With(ctx...)}
}

func (l *Logger) Trace(msg string, ctx ...any) { l.inner.Log(context.Background(), levelTrace, msg, ctx...) }
func (l *Logger) Debug(msg string, ctx ...any) { l.inner.Debug(msg, ctx...) }
func (l *Logger) Info(msg string, ctx ...any)  { l.inner.Info(msg, ctx...) }
func (l *Logger) Warn(msg string, ctx ...any)  { l.inner.Warn(msg, ctx...) }
func (l *Logger) Error(msg string, ctx ...any) { l.inner.Error(msg, ctx...) }

// Crit logs at the highest level and terminates the process, matching
// go-ethereum's usage for unrecoverable initialisation failures (spec.md §7:
// "Initialisation failures are fatal").
func (l *Logger) Crit(msg string, ctx ...any) {
	l.inner.Log(context.Background(), levelCrit, msg, ctx...)
	os.Exit(1)
}

const (
	levelTrace = slog.Level(-8)
	levelCrit  = slog.Level(12)
)

// package-level convenience functions operate on Root().
func Trace(msg string, ctx ...any) { Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { Root().Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { Root().Crit(msg, ctx...) }

// terminalHandler renders records the way geth's term handler does:
// "LVL[timestamp] msg key=val key=val", colorized by level when the
// underlying writer is a TTY.
type terminalHandler struct {
	w      io.Writer
	color  bool
	attrs  []slog.Attr
	groups []string
}

func newTerminalHandler(w io.Writer) *terminalHandler {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd())
	}
	out := w
	if useColor {
		out = colorable.NewColorable(w.(*os.File))
	}
	return &terminalHandler{w: out, color: useColor}
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return int64(level) >= minLevel.Load()
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	lvl := levelString(r.Level)
	if h.color {
		lvl = colorForLevel(r.Level).Sprint(lvl)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-5s[%s] %s", lvl, r.Time.Format("01-02|15:04:05.000"), r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	b.WriteByte('\n')
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &n
}

func (h *terminalHandler) WithGroup(name string) slog.Handler {
	n := *h
	n.groups = append(append([]string{}, h.groups...), name)
	return &n
}

func levelString(l slog.Level) string {
	switch {
	case l <= levelTrace:
		return "TRACE"
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	case l < levelCrit:
		return "ERROR"
	default:
		return "CRIT"
	}
}

func colorForLevel(l slog.Level) *color.Color {
	switch {
	case l <= levelTrace:
		return color.New(color.FgHiBlack)
	case l < slog.LevelInfo:
		return color.New(color.FgCyan)
	case l < slog.LevelWarn:
		return color.New(color.FgGreen)
	case l < slog.LevelError:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

// Callers returns the function name skip frames up the stack, used sparingly
// for error context the way geth's log package captures a call site.
func Callers(skip int) string {
	c := stack.Caller(skip + 1)
	return fmt.Sprintf("%n (%v)", c, c)
}
