// Package logging provides structured log output for the toolbox.
// Limiters, retry policies, breakers and the API client all accept a
// *Logger; the zero-cost default is Nop().
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Format selects the line encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// ParseLevel converts a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger writes leveled, structured entries through zap.
// Loggers derived with WithComponent or WithTraceID share the level and
// output of their parent.
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

// sink is the output state shared by a logger family.
type sink struct {
	mu     sync.Mutex
	level  zap.AtomicLevel
	output io.Writer
	format Format
	core   zapcore.Core
	nop    bool
}

func (s *sink) rebuild() {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder
	encCfg.CallerKey = ""
	encCfg.StacktraceKey = ""

	var enc zapcore.Encoder
	if s.format == FormatJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeName = func(name string, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString("[" + name + "]")
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	s.core = zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(s.output)), s.level)
}

// New creates a new Logger writing console lines to stdout at INFO.
func New() *Logger {
	s := &sink{
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
		output: os.Stdout,
		format: FormatConsole,
	}
	s.rebuild()
	return &Logger{sink: s}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	s := &sink{
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
		output: io.Discard,
		format: FormatConsole,
		core:   zapcore.NewNopCore(),
		nop:    true,
	}
	return &Logger{sink: s}
}

// OrNop returns l, or a discard logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, traceID: l.traceID}
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{sink: l.sink, component: l.component, traceID: traceID}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.level.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output = w
	l.sink.nop = false
	l.sink.rebuild()
}

// SetFormat switches between console and JSON lines.
func (l *Logger) SetFormat(f Format) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.format = f
	if !l.sink.nop {
		l.sink.rebuild()
	}
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l.sink.nop {
		return false
	}
	return l.sink.level.Enabled(level.zapLevel())
}

// Zap exposes the underlying zap logger for callers that log natively.
func (l *Logger) Zap() *zap.Logger {
	l.sink.mu.Lock()
	core := l.sink.core
	l.sink.mu.Unlock()

	zl := zap.New(core)
	if l.component != "" {
		zl = zl.Named(l.component)
	}
	if l.traceID != "" {
		zl = zl.With(zap.String("trace_id", l.traceID))
	}
	return zl
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.core.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// toZapFields converts a field map into zap fields ordered by key.
func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case time.Duration:
			out = append(out, zap.Duration(k, v))
		case error:
			out = append(out, zap.String(k, v.Error()))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if !l.Enabled(level) {
		return
	}

	var zf []zap.Field
	if len(fields) > 0 && fields[0] != nil {
		zf = toZapFields(fields[0])
	}
	if l.traceID != "" {
		zf = append(zf, zap.String("trace_id", l.traceID))
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	ent := zapcore.Entry{
		Level:      level.zapLevel(),
		Time:       time.Now().UTC(),
		LoggerName: l.component,
		Message:    msg,
	}
	if ce := l.sink.core.Check(ent, nil); ce != nil {
		ce.Write(zf...)
	}
}
