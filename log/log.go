// Package log is the structured, leveled logger the rt package reports its
// non-fatal diagnostics through (engine.New hands it to rt.Shared.Logger).
// cmd/ritevm builds one from its --verbose flag; the CLI prints its own
// results directly to stdout, not through a Logger.
package log

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
)

// Level is a log record's severity.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "???"
	}
}

var levelColor = map[Level]*color.Color{
	LevelDebug: color.New(color.FgCyan),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

// Logger writes leveled, key-value records to an underlying writer. It
// implements rt.Logger (Warnf) so the VM core can report without importing
// this package's concrete type.
type Logger struct {
	out      io.Writer
	minLevel Level
	color    bool
}

// New creates a Logger writing to out at minLevel and above. useColor
// applies ANSI coloring per level; callers typically pass isatty(out).
func New(out io.Writer, minLevel Level, useColor bool) *Logger {
	return &Logger{out: out, minLevel: minLevel, color: useColor}
}

// NewStderr creates a Logger over a colorable stderr, the default sink for
// cmd/ritevm and standalone engine use.
func NewStderr(minLevel Level) *Logger {
	return New(colorable.NewColorableStderr(), minLevel, true)
}

func (l *Logger) log(level Level, msg string, kv []any) {
	if level < l.minLevel {
		return
	}
	ts := time.Now().UTC().Format("15:04:05.000")
	caller := stack.Caller(2)
	if l.color {
		levelColor[level].Fprintf(l.out, "%-5s", level.String())
		fmt.Fprintf(l.out, " %s %s %s (%v)\n", ts, msg, formatKV(kv), caller)
		return
	}
	fmt.Fprintf(l.out, "%-5s [%s] %s %s (%v)\n", level, ts, msg, formatKV(kv), caller)
}

func formatKV(kv []any) string {
	if len(kv) == 0 {
		return ""
	}
	s := ""
	for i := 0; i+1 < len(kv); i += 2 {
		s += fmt.Sprintf("%v=%v ", kv[i], kv[i+1])
	}
	return s
}

func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, msg, kv) }

// Warnf implements rt.Logger: a printf-style shim over Warn so the VM core's
// "%d", "%v"-style format strings don't all need rewriting into key-value
// pairs.
func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, fmt.Sprintf(format, args...), nil)
}

// Default is the package-level logger used by code that has no Runtime to
// thread a Logger through, matching the corpus convention of a package-level
// fallback logger (e.g. go-ethereum's log.Root()).
var Default = NewStderr(LevelInfo)

func Discard() *Logger { return New(io.Discard, LevelError, false) }
