package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-workflow/runner"
)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Job is a cancellable unit of periodic work.
type Job func(ctx context.Context) error

// JobConfig tunes how a scheduled job runs.
type JobConfig struct {
	// Expression is a cron spec or descriptor such as "@every 1m".
	Expression string
	// Timeout bounds a single run; zero means no bound.
	Timeout time.Duration
	// MaxRetries retries a failed run before reporting the error.
	MaxRetries int
}

// Scheduler wraps robfig/cron. Runs of the same job never overlap and Stop
// cancels the context handed to in-flight jobs once its own context ends.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger    Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	baseCtx    context.Context
	cancelBase context.CancelFunc
	started    bool

	nextHandleID int64
	handles      map[int64]*jobHandle
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		handles: make(map[int64]*jobHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// Schedule registers a recurring job.
func (s *Scheduler) Schedule(cfg JobConfig, job Job) (Handle, error) {
	if cfg.Expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if job == nil {
		return nil, fmt.Errorf("cron job cannot be nil")
	}
	h := runner.NewHandler(
		runner.WithTimeout(cfg.Timeout),
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithErrorHandler(s.errorHandler),
		runner.WithLogger(s.logger),
	)

	handle := s.newHandle()
	wrapped := rcron.FuncJob(func() {
		if !handle.begin() {
			return
		}
		err := h.Run(s.baseCtx, func(ctx context.Context) error { return job(ctx) })
		handle.end(time.Now().In(s.location), err)
		if err != nil {
			s.errorHandler(err)
		}
	})

	// the skip chain is per job so one slow job never delays another
	logger := s.cronLogger()
	if logger == nil {
		logger = rcron.DiscardLogger
	}
	entryID, err := s.cron.AddJob(cfg.Expression, rcron.NewChain(rcron.SkipIfStillRunning(logger)).Then(wrapped))
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	handle.entryID = int(entryID)
	s.storeHandle(handle)
	return handle, nil
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.cron.Start()
	return nil
}

// Stop prevents new runs and waits for in-flight jobs. When ctx ends first the
// jobs' context is canceled and ctx.Err() is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	var err error
	if started {
		done := s.cron.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	s.cancelBase()

	var handles []*jobHandle
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*jobHandle)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		handle.finish(ScheduleStatusStopped)
	}
	return err
}

// Next reports the next activation of a handle, zero when unknown.
func (s *Scheduler) Next(handle Handle) time.Time {
	jh, ok := handle.(*jobHandle)
	if !ok || jh.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(rcron.EntryID(jh.entryID)).Next
}

func (s *Scheduler) removeHandle(id int64) {
	s.mu.Lock()
	handle := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if handle != nil && handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) storeHandle(handle *jobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle.key] = handle
}

func (s *Scheduler) newHandle() *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &jobHandle{
		scheduler: s,
		key:       s.nextHandleID,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	if level >= LogLevelDebug {
		return rcron.VerbosePrintfLogger(stdLogger)
	}
	return rcron.PrintfLogger(stdLogger)
}

func (s *Scheduler) cronLogger() rcron.Logger {
	switch {
	case s.logger != nil:
		return &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		return makeLogger(s.logWriter, s.logLevel)
	case s.logLevel > LogLevelSilent:
		return makeLogger(os.Stdout, s.logLevel)
	default:
		return nil
	}
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	if s.errorHandler != nil {
		opts = append(opts, rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
		))
	}

	if logger := s.cronLogger(); logger != nil {
		opts = append(opts, rcron.WithLogger(logger))
	}
	return opts
}
