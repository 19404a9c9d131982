package cron

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// LogLevel controls how chatty the underlying cron runtime is.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser selects the cron expression dialect.
type Parser int

const (
	// DefaultParser accepts standard five-field specs and descriptors.
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithLogWriter(writer io.Writer) Option {
	return func(s *Scheduler) {
		s.logWriter = writer
	}
}

func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler receives failed runs and recovered panics.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.errorHandler = handler
		}
	}
}

func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// loggerAdapter renders robfig/cron key/value logs through Logger.
type loggerAdapter struct {
	logger Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...any) {
	if l.level >= LogLevelInfo {
		l.logger.Info("%s", formatKeysAndValues(msg, keysAndValues))
	}
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if l.level < LogLevelError {
		return
	}
	line := formatKeysAndValues(msg, keysAndValues)
	if err != nil {
		line = fmt.Sprintf("%s: %v", line, err)
	}
	l.logger.Error("%s", line)
}

// errorHandlerAdapter forwards recovered panics to the error handler.
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if e.handler == nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("%s", formatKeysAndValues(msg, keysAndValues))
	}
	e.handler(err)
}

func formatKeysAndValues(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		b.WriteByte(' ')
		if i+1 < len(kv) {
			fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
		} else {
			fmt.Fprintf(&b, "%v", kv[i])
		}
	}
	return b.String()
}
