package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/engine"
	"github.com/goliatone/go-workflow/store"
)

const (
	DefaultLookahead  = 7 * 24 * time.Hour
	DefaultBatchLimit = 500
)

// ErrSweepInProgress is returned when Sweep is called while another sweep runs.
var ErrSweepInProgress = errors.New("sweep already in progress")

// SweepReport summarizes one sweep.
type SweepReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Scanned    int
	Reminded   int
	Escalated  int
	// Overdue counts escalation gaps: overdue assignments with no target.
	Overdue int
	Skipped int
	Failed  int
	Errors  []error
}

// Sweeper escalates and flags overdue assignments.
type Sweeper struct {
	engine    *engine.Engine
	logger    workflow.Logger
	metrics   engine.MetricsRecorder
	lookahead time.Duration
	limit     int
	panics    PanicLogger

	mu sync.Mutex
}

type SweeperOption func(*Sweeper)

func WithSweepLogger(logger workflow.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = workflow.NormalizeLogger(logger)
	}
}

func WithSweepMetrics(m engine.MetricsRecorder) SweeperOption {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithLookahead sets how far ahead of now deadlines are scanned for reminders.
func WithLookahead(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d >= 0 {
			s.lookahead = d
		}
	}
}

// WithBatchLimit sets how many assignments are read from the store per page.
func WithBatchLimit(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.limit = n
		}
	}
}

func WithPanicLogger(fn PanicLogger) SweeperOption {
	return func(s *Sweeper) {
		if fn != nil {
			s.panics = fn
		}
	}
}

// NewSweeper builds a sweeper bound to an engine.
func NewSweeper(e *engine.Engine, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		engine:    e,
		logger:    e.Logger(),
		lookahead: DefaultLookahead,
		limit:     DefaultBatchLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.panics == nil {
		s.panics = s.logPanic
	}
	return s
}

// Sweep sends due reminders and escalates overdue assignments. A failure on
// one assignment never stops the others; it is counted in the report. Sweep
// refuses to overlap with itself and returns ErrSweepInProgress instead.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	if !s.mu.TryLock() {
		return SweepReport{}, ErrSweepInProgress
	}
	defer s.mu.Unlock()

	now := s.engine.Now()
	report := SweepReport{StartedAt: now}
	passes := []store.DueQuery{
		{Until: now, SkipSignaled: true, Limit: s.limit},
		{Since: now, Until: now.Add(s.lookahead), SkipReminded: true, Limit: s.limit},
	}
	for _, q := range passes {
		if err := s.scan(ctx, q, now, &report); err != nil {
			report.FinishedAt = s.engine.Now()
			return report, err
		}
	}

	report.FinishedAt = s.engine.Now()
	s.record(report.FinishedAt.Sub(report.StartedAt), nil)
	if report.Scanned > 0 {
		workflow.WithLoggerFields(s.logger.WithContext(ctx), map[string]any{
			"scanned":   report.Scanned,
			"reminded":  report.Reminded,
			"escalated": report.Escalated,
			"overdue":   report.Overdue,
			"failed":    report.Failed,
		}).Info("sweep finished")
	}
	return report, nil
}

// scan pages through the assignments matching q so rows left open by earlier
// sweeps never hide later ones.
func (s *Sweeper) scan(ctx context.Context, q store.DueQuery, now time.Time, report *SweepReport) error {
	for {
		page, err := s.engine.Store().FindDueAssignments(ctx, q)
		if err != nil {
			s.record(0, err)
			return fmt.Errorf("find due assignments: %w", err)
		}
		for _, a := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			report.Scanned++
			s.handle(ctx, a, now, report)
		}
		if len(page) == 0 || q.Limit <= 0 || len(page) < q.Limit {
			return nil
		}
		q = q.Next(page[len(page)-1])
	}
}

func (s *Sweeper) handle(ctx context.Context, a *workflow.Assignment, now time.Time, report *SweepReport) {
	fields := map[string]any{"assignment_id": a.ID, "instance_id": a.InstanceID, "step": a.StepID}
	err := s.isolate(fields, func() error {
		if !a.Overdue(now) {
			sent, err := s.engine.SendReminder(ctx, a.ID)
			if err != nil {
				return err
			}
			if sent {
				report.Reminded++
			} else {
				report.Skipped++
			}
			return nil
		}
		outcome, _, err := s.engine.EscalateOverdue(ctx, a.ID)
		if err != nil {
			return err
		}
		switch outcome {
		case engine.OutcomeEscalated:
			report.Escalated++
		case engine.OutcomeOverdue:
			report.Overdue++
			if s.metrics != nil {
				s.metrics.RecordError("sweep", workflow.ErrCodeEscalationGap)
			}
		default:
			report.Skipped++
		}
		return nil
	})
	if err == nil {
		return
	}
	if workflow.IsConcurrentModification(err) {
		// another writer moved the instance first; the next sweep re-evaluates it
		report.Skipped++
		return
	}
	report.Failed++
	report.Errors = append(report.Errors, fmt.Errorf("assignment %s: %w", a.ID, err))
	workflow.WithLoggerFields(s.logger.WithContext(ctx), fields).Error("sweep failed for assignment: %v", err)
}

func (s *Sweeper) record(d time.Duration, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDuration("sweep", d)
	if err != nil {
		s.metrics.RecordError("sweep", "internal")
		return
	}
	s.metrics.RecordSuccess("sweep")
}
