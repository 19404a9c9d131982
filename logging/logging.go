// Package logging adapts go-logger to the workflow.Logger contract.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/goliatone/go-logger/glog"

	workflow "github.com/goliatone/go-workflow"
)

// Adapter wraps a glog.Logger.
type Adapter struct {
	logger glog.Logger
}

var (
	_ workflow.Logger       = Adapter{}
	_ workflow.FieldsLogger = Adapter{}
)

// Wrap adapts an existing glog logger; nil yields the fmt fallback.
func Wrap(logger glog.Logger) workflow.Logger {
	if logger == nil {
		return workflow.NewFmtLogger(nil)
	}
	return Adapter{logger: logger}
}

// New builds a glog logger writing to out (stderr when nil). Format "json"
// selects structured output.
func New(level, format string, out io.Writer) workflow.Logger {
	if out == nil {
		out = os.Stderr
	}
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	if strings.EqualFold(format, "json") {
		return Wrap(glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level), glog.WithLoggerTypeJSON()))
	}
	return Wrap(glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level)))
}

func (a Adapter) Trace(msg string, args ...any) { a.logger.Trace(msg, args...) }
func (a Adapter) Debug(msg string, args ...any) { a.logger.Debug(msg, args...) }
func (a Adapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a Adapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a Adapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a Adapter) Fatal(msg string, args ...any) { a.logger.Fatal(msg, args...) }

func (a Adapter) WithContext(ctx context.Context) workflow.Logger {
	if a.logger == nil {
		return workflow.NewFmtLogger(nil).WithContext(ctx)
	}
	return Adapter{logger: a.logger.WithContext(ctx)}
}

func (a Adapter) WithFields(fields map[string]any) workflow.Logger {
	if a.logger == nil {
		return workflow.NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := a.logger.(glog.FieldsLogger); ok {
		return Adapter{logger: fl.WithFields(fields)}
	}
	return a
}
