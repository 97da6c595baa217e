package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field is one key/value attached to a log line. The zero Field is
// ignored.
type Field struct {
	apply func(e *zerolog.Event)
}

func field(fn func(e *zerolog.Event)) Field { return Field{apply: fn} }

func String(k, v string) Field          { return field(func(e *zerolog.Event) { e.Str(k, v) }) }
func Int(k string, v int) Field         { return field(func(e *zerolog.Event) { e.Int(k, v) }) }
func Int64(k string, v int64) Field     { return field(func(e *zerolog.Event) { e.Int64(k, v) }) }
func Uint64(k string, v uint64) Field   { return field(func(e *zerolog.Event) { e.Uint64(k, v) }) }
func Bool(k string, v bool) Field       { return field(func(e *zerolog.Event) { e.Bool(k, v) }) }
func Float64(k string, v float64) Field { return field(func(e *zerolog.Event) { e.Float64(k, v) }) }
func Time(k string, v time.Time) Field  { return field(func(e *zerolog.Event) { e.Time(k, v) }) }
func Any(k string, v any) Field         { return field(func(e *zerolog.Event) { e.Interface(k, v) }) }

func Duration(k string, v time.Duration) Field {
	return field(func(e *zerolog.Event) { e.Dur(k, v) })
}

func Err(err error) Field {
	return field(func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	})
}

func Stack(stack string) Field {
	return field(func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	})
}

// rootSource yields the current zerolog root. A Service source follows
// runtime Apply calls; a fixed source never changes.
type rootSource interface {
	root() zerolog.Logger
}

type fixedRoot struct{ zl zerolog.Logger }

func (f fixedRoot) root() zerolog.Logger { return f.zl }

// Logger is the handle the rest of the program logs through. The zero
// value is a safe no-op; With returns a copy carrying extra fixed
// fields that every later line repeats.
type Logger struct {
	src    rootSource
	fields []Field
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return Logger{src: fixedRoot{zerolog.Nop()}}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return Logger{src: l.src, fields: merged}
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := zerolog.Nop()
	if l.src != nil {
		zl = l.src.root()
	}
	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	if site := callSite(3); site != "" {
		ev.Str(zerolog.CallerFieldName, site)
	}
	for _, f := range l.fields {
		if f.apply != nil {
			f.apply(ev)
		}
	}
	for _, f := range fields {
		if f.apply != nil {
			f.apply(ev)
		}
	}
	ev.Msg(msg)
}

// callSite returns file:line of the log call, short enough for the
// console writer.
func callSite(skip int) string {
	if _, file, line, ok := runtime.Caller(skip); ok && file != "" {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}
	return ""
}

// Service owns the sinks. Apply swaps level and outputs in place, so
// every Logger handed out earlier picks up the change on its next line.
type Service struct {
	mu   sync.Mutex
	live atomic.Pointer[zerolog.Logger]
	sink *os.File
}

// New builds the service, applies cfg, and returns the root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{src: s}
}

func (s *Service) root() zerolog.Logger {
	if zl := s.live.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the root logger from cfg. Concurrent use is fine; the
// swap is atomic and lines in flight finish on the old sinks.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink != nil {
		_ = s.sink.Close()
		s.sink = nil
	}

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter())
	}
	if cfg.File.Enabled {
		if f, err := openSink(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file: %v\n", err)
		} else {
			s.sink = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.live.Store(&zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil {
		_ = s.sink.Close()
		s.sink = nil
	}
	return nil
}

func openSink(path string) (*os.File, error) {
	if strings.TrimSpace(path) == "" {
		path = "./shopkeeper.log"
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: timeFormat,
		FormatCaller: func(v any) string {
			s, _ := v.(string)
			return s
		},
	}
}

func parseLevel(raw string, fallback zerolog.Level) zerolog.Level {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return fallback
	}
	return lvl
}
