// Package logging wraps logrus with the field-based call style the rest of
// the engine uses (log.WithFields(...).Info(...)) plus file rotation.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias kept so call sites don't import logrus directly.
type Fields = logrus.Fields

var global = New("info", "")

// New builds a standalone logger at the given level, optionally writing to
// a rotated file instead of stderr.
func New(level string, logFile string) *logrus.Logger {
	logger := logrus.New()
	logger.SetReportCaller(true)
	logger.AddHook(&callerHook{})

	if lvl, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
		},
	})

	if logFile != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename: logFile,
			MaxSize:  100,
			MaxAge:   14,
			Compress: true,
		})
	} else {
		logger.SetOutput(os.Stderr)
	}

	return logger
}

// Global returns the process-wide default logger, used only at the points
// the engine has no Logger field to thread through (flag parsing, init
// panics before an Engine exists).
func Global() *logrus.Logger {
	return global
}

// callerHook rewrites the reported caller to the first frame outside of
// logrus and this package, so log lines point at the real call site.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !more {
			break
		}
		if strings.Contains(frame.Function, "sirupsen/logrus") ||
			strings.Contains(frame.Function, "arbengine/internal/logging") {
			continue
		}
		entry.Caller = &frame
		break
	}
	return nil
}
