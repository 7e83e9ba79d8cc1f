package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/funnyzak/tapkit/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the structured logger shared by every component. Fields are
// alternating key/value pairs; a non-string key drops its pair.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	// Fatal logs and exits the process.
	Fatal(msg string, fields ...interface{})
	// With returns a child logger that adds fields to every event.
	With(fields ...interface{}) Logger
}

const consoleTimeFormat = "2006-01-02 15:04:05"

type zerologAdapter struct {
	logger zerolog.Logger
}

// fieldSink is what both a zerolog.Event and a zerolog.Context can take.
type fieldSink[T any] interface {
	Str(key, val string) T
	Int64(key string, i int64) T
	Uint64(key string, i uint64) T
	Float64(key string, f float64) T
	Bool(key string, b bool) T
	AnErr(key string, err error) T
	Strs(key string, vals []string) T
	Dur(key string, d time.Duration) T
	Time(key string, t time.Time) T
	Interface(key string, i interface{}) T
}

func appendFields[T fieldSink[T]](dst T, fields []interface{}) T {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			dst = dst.Str(key, v)
		case int:
			dst = dst.Int64(key, int64(v))
		case int32:
			dst = dst.Int64(key, int64(v))
		case int64:
			dst = dst.Int64(key, v)
		case uint:
			dst = dst.Uint64(key, uint64(v))
		case uint32:
			dst = dst.Uint64(key, uint64(v))
		case uint64:
			dst = dst.Uint64(key, v)
		case float32:
			dst = dst.Float64(key, float64(v))
		case float64:
			dst = dst.Float64(key, v)
		case bool:
			dst = dst.Bool(key, v)
		case error:
			dst = dst.AnErr(key, v)
		case []string:
			dst = dst.Strs(key, v)
		case time.Duration:
			dst = dst.Dur(key, v)
		case time.Time:
			dst = dst.Time(key, v)
		default:
			dst = dst.Interface(key, v)
		}
	}
	return dst
}

func (z *zerologAdapter) Debug(msg string, fields ...interface{}) {
	appendFields(z.logger.Debug(), fields).Msg(msg)
}

func (z *zerologAdapter) Info(msg string, fields ...interface{}) {
	appendFields(z.logger.Info(), fields).Msg(msg)
}

func (z *zerologAdapter) Warn(msg string, fields ...interface{}) {
	appendFields(z.logger.Warn(), fields).Msg(msg)
}

func (z *zerologAdapter) Error(msg string, fields ...interface{}) {
	appendFields(z.logger.Error(), fields).Msg(msg)
}

func (z *zerologAdapter) Fatal(msg string, fields ...interface{}) {
	appendFields(z.logger.Fatal(), fields).Msg(msg)
}

func (z *zerologAdapter) With(fields ...interface{}) Logger {
	return &zerologAdapter{logger: appendFields(z.logger.With(), fields).Logger()}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &zerologAdapter{logger: zerolog.Nop()}
}

// NewWriterLogger writes JSON events at level to w.
func NewWriterLogger(w io.Writer, level string) Logger {
	return &zerologAdapter{logger: newZerolog(w, level)}
}

// NewLogger builds the process logger. Logs go to stderr so stdout stays free
// for printed records: human-readable unless outputMode is "json". With file
// logging enabled a rotated JSON copy is written as well.
func NewLogger(cfg *config.LogConfig, outputMode string) Logger {
	var terminal io.Writer = os.Stderr
	if !strings.EqualFold(outputMode, "json") {
		terminal = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: consoleTimeFormat}
	}
	writers := []io.Writer{terminal}

	if cfg.FileLogging.Enable {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FileLogging.Path,
			MaxSize:    cfg.FileLogging.MaxSizeMB,
			MaxBackups: cfg.FileLogging.MaxBackups,
			MaxAge:     cfg.FileLogging.MaxAgeDays,
			Compress:   cfg.FileLogging.Compress,
		})
	}

	return &zerologAdapter{logger: newZerolog(zerolog.MultiLevelWriter(writers...), cfg.Level)}
}

func newZerolog(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
