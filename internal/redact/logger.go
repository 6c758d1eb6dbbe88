package redact

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls where and how log lines are written.
type LogConfig struct {
	Level      string // trace | debug | info | warn | error
	Format     string // json | console
	Output     string // stderr | stdout | discard | file path
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	loggerMu sync.RWMutex
	logger   = zerolog.New(os.Stderr).With().Timestamp().Logger()
	closer   io.Closer
)

// Setup replaces the package logger. Any previously opened log file is
// closed.
func Setup(cfg LogConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var (
		out     io.Writer
		newFile io.Closer
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	case "discard", "none":
		out = io.Discard
	default:
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = lj
		newFile = lj
	}

	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: newFile != nil}
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if closer != nil {
		_ = closer.Close()
	}
	closer = newFile
	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return nil
}

// SetOutput points the package logger at w, keeping the current level.
// Intended for tests.
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = logger.Output(w)
}

// Logger returns the current package logger.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Close releases the log file, if any.
func Close() error {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// Logf prints a redacted log line at info level.
func Logf(format string, args ...interface{}) {
	l := Logger()
	l.Info().Msg(Sprintf(format, args...))
}

// Debugf prints a redacted log line at debug level.
func Debugf(format string, args ...interface{}) {
	l := Logger()
	if e := l.Debug(); e.Enabled() {
		e.Msg(Sprintf(format, args...))
	}
}

// Warnf prints a redacted log line at warn level.
func Warnf(format string, args ...interface{}) {
	l := Logger()
	l.Warn().Msg(Sprintf(format, args...))
}

// Errorf prints a redacted log line at error level.
func Errorf(format string, args ...interface{}) {
	l := Logger()
	l.Error().Msg(Sprintf(format, args...))
}

// Fatalf prints a redacted fatal log line and exits.
func Fatalf(format string, args ...interface{}) {
	l := Logger()
	l.Fatal().Msg(Sprintf(format, args...))
}

// Writer returns an io.Writer that logs every write as a redacted warning,
// for libraries that only accept a *log.Logger.
func Writer() io.Writer {
	return logWriter{}
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	Warnf("%s", strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}
