// Package logging builds the structured logger used by core/conn and
// cmd/natsub. core/sub and core/proto do not import this package or
// log at all. Callers log through the narrow Logger facade defined
// here, matching the teacher's own pkg/log facade consumed by
// core/conn.Conn.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.elastic.co/ecszerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the facade the rest of the module logs through.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config controls where and how logs are written.
type Config struct {
	// Format selects the on-disk encoding: "ecs" for Elastic Common
	// Schema JSON (via zerolog), anything else for logrus's default
	// JSON formatter.
	Format string

	// FilePath, if set, routes output through a rotating lumberjack
	// file sink instead of stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	Debug bool
}

// New builds a Logger from cfg.
func New(cfg Config) Logger {
	out := writer(cfg)

	if cfg.Format == "ecs" {
		level := zerolog.InfoLevel
		if cfg.Debug {
			level = zerolog.DebugLevel
		}
		zl := ecszerolog.New(out, ecszerolog.Level(level)).With().Timestamp().Logger()
		return &ecsLogger{zl: zl}
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

func writer(cfg Config) io.Writer {
	if cfg.FilePath == "" {
		return os.Stderr
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	maxAge := cfg.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 28
	}

	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}
}

// ecsLogger adapts a zerolog.Logger (as produced by ecszerolog) to the
// Debugf/Warnf/Errorf facade the rest of the module expects.
type ecsLogger struct {
	zl zerolog.Logger
}

func (l *ecsLogger) Debugf(format string, args ...interface{}) { l.zl.Debug().Msgf(format, args...) }
func (l *ecsLogger) Warnf(format string, args ...interface{})  { l.zl.Warn().Msgf(format, args...) }
func (l *ecsLogger) Errorf(format string, args ...interface{}) { l.zl.Error().Msgf(format, args...) }

// Nop is a Logger that discards everything, used as the zero-value
// default so core/conn never needs a nil check.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
