package log

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	zap.ReplaceGlobals(logger)
}

func Debug(format string, args ...interface{}) {
	if enabled(DEBUG) {
		zap.S().Debugf(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if enabled(INFO) {
		zap.S().Infof(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if enabled(WARNING) {
		zap.S().Warnf(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if enabled(ERROR) {
		zap.S().Errorf(format, args...)
	}
}

func Fatal(format string, args ...interface{}) {
	zap.S().Fatalf(format, args...)
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = zap.L().Sync()
}

func SetLevel(level Level) {
	logLevel.Store(int32(level))
}

func GetLevel() Level {
	return Level(logLevel.Load())
}

func enabled(level Level) bool {
	return Level(logLevel.Load()) <= level
}

type Level int

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARNING:
		return "warning"
	case ERROR:
		return "error"
	case FATAL:
		return "fatal"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a configuration string such as "warn" into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARNING, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

var logLevel atomic.Int32
