package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rs/zerolog"

	slogger "github.com/clusterui/realtime/pkg/logger/slog"
)

const (
	permission = 0664
)

// Logger is the structured logger every component takes.
// Args are alternating key/value pairs, as in log/slog.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
	// With returns a Logger that adds args to every entry.
	With(args ...any) Logger
}

type slogLogger struct {
	*slogger.SlogHandler
}

func (l slogLogger) With(args ...any) Logger {
	return slogLogger{l.SlogHandler.With(args...)}
}

// New returns a Logger writing through the given slog handler.
func New(h slog.Handler) Logger {
	return slogLogger{slogger.New(h)}
}

// Default is the logger components fall back to when none is configured.
func Default() Logger {
	return New(slog.NewJSONHandler(os.Stdout, nil))
}

// Discard drops everything. Useful in tests that don't assert on logs.
func Discard() Logger {
	return New(slog.NewTextHandler(io.Discard, nil))
}

// LogBuild configures a zerolog-backed Logger.
type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
}

// LogData is a Logger backed by zerolog.
type LogData struct {
	LogFile *os.File
	Logger  zerolog.Logger
}

func NewBuild() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// Level sets the minimum level by name (debug, info, warn, error).
// Unknown names keep the current level.
func (build *LogBuild) Level(name string) *LogBuild {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(name)); err == nil && lvl != zerolog.NoLevel {
		build.level = lvl
	}
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	writer := build.writer
	if writer == nil {
		writer = os.Stdout
	}
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		writer = zerolog.SyncWriter(logData.LogFile)
	}
	logData.Logger = zerolog.New(writer).Level(build.level).With().Timestamp().Logger()
	return logData, nil
}

func (l *LogData) Error(msg string, args ...any) {
	l.Logger.Error().Fields(args).Msg(msg)
}

func (l *LogData) Warn(msg string, args ...any) {
	l.Logger.Warn().Fields(args).Msg(msg)
}

func (l *LogData) Info(msg string, args ...any) {
	l.Logger.Info().Fields(args).Msg(msg)
}

func (l *LogData) Debug(msg string, args ...any) {
	l.Logger.Debug().Fields(args).Msg(msg)
}

// With shares the log file with l; only the root LogData should be closed.
func (l *LogData) With(args ...any) Logger {
	return &LogData{Logger: l.Logger.With().Fields(args).Logger()}
}

// Close releases the log file, if any.
func (l *LogData) Close() error {
	if l.LogFile == nil {
		return nil
	}
	return l.LogFile.Close()
}
