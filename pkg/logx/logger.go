package logx

import (
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var setupOnce sync.Once

// setupGlobals sets zerolog's process-wide field names and formats once.
func setupGlobals() {
	setupOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})
}

var discard = zerolog.Nop()

// Logger writes leveled entries to the zerolog logger its source currently
// holds, so loggers taken from a Sink follow Sink.Apply. The zero value
// discards everything.
type Logger struct {
	src    *atomic.Pointer[zerolog.Logger]
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger { return fixed(zerolog.Nop()) }

// NewWriter returns a JSON logger on w. Tests use it to capture output.
func NewWriter(w io.Writer, level string) Logger {
	setupGlobals()
	return fixed(zerolog.New(w).Level(parseLevel(level, LevelDebug)).With().Timestamp().Logger())
}

func fixed(zl zerolog.Logger) Logger {
	src := new(atomic.Pointer[zerolog.Logger])
	src.Store(&zl)
	return Logger{src: src}
}

func (l Logger) IsZero() bool { return l.src == nil }

func (l Logger) current() *zerolog.Logger {
	if l.src == nil {
		return &discard
	}
	return l.src.Load()
}

// Enabled reports whether entries at level would be written.
func (l Logger) Enabled(level Level) bool {
	lvl := l.current().GetLevel()
	return lvl != zerolog.Disabled && level >= lvl
}

// With returns a logger that adds fields to every entry.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

func (l Logger) write(level Level, msg string, fields []Field) {
	e := l.current().WithLevel(level)
	if e == nil {
		return
	}
	// Skip write and the level method to report the calling line.
	e.Caller(2)
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// parseLevel accepts zerolog level names in any case, plus "warning".
func parseLevel(s string, def Level) Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return LevelWarn
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
