// Package logger provides the structured logging used across the module.
//
// Components log through the small Logger interface. The default
// implementation writes zerolog JSON lines; pkg/logger/slog adapts a
// log/slog handler instead.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// Logger is the logging contract of every component. Args are alternating
// key/value pairs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// FieldLogger is a Logger that can attach fields to every later entry.
type FieldLogger interface {
	Logger
	With(args ...any) Logger
}

// With returns l with args attached to every entry. A logger without field
// support is returned unchanged.
func With(l Logger, args ...any) Logger {
	if fl, ok := l.(FieldLogger); ok && len(args) > 0 {
		return fl.With(args...)
	}
	return l
}

type LogBuild struct {
	writer     io.Writer
	path       string
	level      zerolog.Level
	LogChannel chan string
}

type LogData struct {
	writer     io.Writer
	LogFile    *os.File
	Logger     zerolog.Logger
	LogChannel chan string
}

func New() *LogBuild {
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

func (build *LogBuild) FromChannel(chn chan string) *LogBuild {
	build.LogChannel = chn
	return build
}

// Level sets the minimum level by name ("debug", "info", "warn", "error").
// Unknown names keep the current level.
func (build *LogBuild) Level(name string) *LogBuild {
	if lvl, err := zerolog.ParseLevel(name); err == nil && name != "" {
		build.level = lvl
	}
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	logData.writer = os.Stdout
	if build.writer != nil {
		logData.writer = build.writer
	}
	logData.LogChannel = build.LogChannel
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		logData.writer = zerolog.SyncWriter(logData.LogFile)
	}
	if logData.LogChannel != nil {
		logData.writer = io.MultiWriter(logData.writer, channelWriter(logData.LogChannel))
	}
	logData.Logger = zerolog.New(logData.writer).Level(build.level).With().Timestamp().Logger()
	return
}

// Handler returns the Logger view of the built zerolog logger.
func (logData *LogData) Handler() *ZerologHandler {
	return FromZerolog(logData.Logger)
}

// Close releases the log file, if any.
func (logData *LogData) Close() error {
	if logData.LogFile != nil {
		return logData.LogFile.Close()
	}
	return nil
}

type channelWriter chan string

func (c channelWriter) Write(p []byte) (int, error) {
	select {
	case c <- string(p):
	default:
	}
	return len(p), nil
}

// ZerologHandler implements Logger on top of a zerolog.Logger.
type ZerologHandler struct {
	logger zerolog.Logger
}

var _ FieldLogger = (*ZerologHandler)(nil)

func FromZerolog(l zerolog.Logger) *ZerologHandler {
	return &ZerologHandler{logger: l}
}

// Nop discards everything.
func Nop() *ZerologHandler {
	return FromZerolog(zerolog.Nop())
}

func (h *ZerologHandler) With(args ...any) Logger {
	return &ZerologHandler{logger: h.logger.With().Fields(args).Logger()}
}

func (h *ZerologHandler) Error(msg string, args ...any) {
	h.logger.Error().Fields(args).Msg(msg)
}

func (h *ZerologHandler) Warn(msg string, args ...any) {
	h.logger.Warn().Fields(args).Msg(msg)
}

func (h *ZerologHandler) Info(msg string, args ...any) {
	h.logger.Info().Fields(args).Msg(msg)
}

func (h *ZerologHandler) Debug(msg string, args ...any) {
	h.logger.Debug().Fields(args).Msg(msg)
}
