// Package log wraps zap with the small leveled facade used across the
// commitlog packages, so call sites never touch the zap API directly.
package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
	FATAL
)

// Env selects which zap preset backs the package logger. Unlike the
// teacher's package-scope init(), the logger is not force-installed:
// a library importer calls Init once during its own startup.
type Env int

const (
	Production Env = iota
	Development
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
	level  = INFO
)

// Init installs the process-wide logger. Safe to call once at startup;
// if never called, Debug/Info/Warn/Error/Fatal are no-ops except Fatal,
// which still panics so a misused library never silently swallows a
// fatal condition.
func Init(env Env) error {
	var l *zap.Logger
	var err error
	switch env {
	case Development:
		l, err = zap.NewDevelopment()
	default:
		l, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

func SetLevel(lv Level) {
	mu.Lock()
	level = lv
	mu.Unlock()
}

func current() (*zap.Logger, Level) {
	mu.RLock()
	defer mu.RUnlock()
	return logger, level
}

func Debug(format string, args ...interface{}) {
	l, lv := current()
	if l == nil || lv > DEBUG {
		return
	}
	l.Sugar().Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	l, lv := current()
	if l == nil || lv > INFO {
		return
	}
	l.Sugar().Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	l, lv := current()
	if l == nil || lv > WARNING {
		return
	}
	l.Sugar().Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	l, lv := current()
	if l == nil || lv > ERROR {
		return
	}
	l.Sugar().Errorf(format, args...)
}

// Fatal logs at error level if a logger is installed, then panics. The
// commitlog package never calls os.Exit on behalf of its importer.
func Fatal(format string, args ...interface{}) {
	if l, _ := current(); l != nil {
		l.Sugar().Errorf(format, args...)
	}
	panic(fmt.Sprintf(format, args...))
}
