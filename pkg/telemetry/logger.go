package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog behind the field vocabulary the rest of the
// codebase shares: component, run_id, node, action, provider. Keeping
// the names in one place keeps log queries portable across
// subsystems.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger builds the root logger. An unknown level string falls back
// to info rather than failing.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := logDestination(cfg.Output)
	if err != nil {
		return nil, err
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger()}, nil
}

// logDestination resolves the configured output name. Anything that is
// not stdout or stderr is treated as a file path and opened for
// append.
func logDestination(name string) (io.Writer, error) {
	switch name {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	}
}

func derive(zl zerolog.Logger) *Logger {
	return &Logger{zlog: zl}
}

// NewComponentLogger returns a child tagged with a subsystem name such
// as executor or planner.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return derive(l.zlog.With().Str("component", component).Logger())
}

// Zerolog hands out the underlying logger for libraries that accept
// one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// WithContext stores the logger in ctx for FromContext to find.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger carried by ctx. Contexts that never
// passed through WithContext get a plain stderr logger; the result is
// never nil.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return derive(zerolog.New(os.Stderr).With().Timestamp().Logger())
}

// WithField returns a child logger with one extra field attached.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return derive(l.zlog.With().Interface(key, value).Logger())
}

// WithFields attaches a set of fields at once.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zctx := l.zlog.With()
	for k, v := range fields {
		zctx = zctx.Interface(k, v)
	}
	return derive(zctx.Logger())
}

// WithRunID tags entries with the run they belong to.
func (l *Logger) WithRunID(runID string) *Logger {
	return derive(l.zlog.With().Str("run_id", runID).Logger())
}

// WithNode tags entries with a node address.
func (l *Logger) WithNode(addr string) *Logger {
	return derive(l.zlog.With().Str("node", addr).Logger())
}

// WithAction tags entries with the plan action being carried out.
func (l *Logger) WithAction(action string) *Logger {
	return derive(l.zlog.With().Str("action", action).Logger())
}

// WithProvider tags entries with the provider serving the operation.
func (l *Logger) WithProvider(name string) *Logger {
	return derive(l.zlog.With().Str("provider", name).Logger())
}

// WithError attaches err under the standard error field.
func (l *Logger) WithError(err error) *Logger {
	return derive(l.zlog.With().Err(err).Logger())
}

// Debug logs msg at debug level. Structured data goes through the
// WithX helpers rather than format verbs.
func (l *Logger) Debug(msg string) {
	l.zlog.Debug().Msg(msg)
}

// Info logs msg at info level.
func (l *Logger) Info(msg string) {
	l.zlog.Info().Msg(msg)
}

// Warn logs msg at warn level.
func (l *Logger) Warn(msg string) {
	l.zlog.Warn().Msg(msg)
}

// Error logs msg at error level.
func (l *Logger) Error(msg string) {
	l.zlog.Error().Msg(msg)
}
