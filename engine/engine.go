package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/runner"
	"github.com/goliatone/go-workflow/store"
)

const (
	// SystemActor is recorded for scheduler driven timeline entries.
	SystemActor = "system"

	DefaultCallTimeout        = 5 * time.Second
	DefaultDelegationCacheTTL = 30 * time.Second
)

// Engine is the workflow runtime: definition store, instance manager,
// assignment resolver, delegation registry and timeline recorder.
type Engine struct {
	store       store.Store
	clock       func() time.Time
	newID       func() string
	logger      workflow.Logger
	notifier    Notifier
	permissions PermissionChecker
	directory   RoleDirectory
	fetcher     MetadataFetcher
	strategy    AutoStrategy
	metrics     MetricsRecorder
	adminRoles  []string

	callTimeout time.Duration
	cacheTTL    time.Duration
	calls       *runner.Handler
	delegations *delegationCache
}

// Option customizes the engine.
type Option func(*Engine)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithIDGenerator replaces uuid based identifiers.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger workflow.Logger) Option {
	return func(e *Engine) {
		e.logger = workflow.NormalizeLogger(logger)
	}
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithPermissionChecker(p PermissionChecker) Option {
	return func(e *Engine) {
		e.permissions = p
	}
}

func WithRoleDirectory(d RoleDirectory) Option {
	return func(e *Engine) {
		e.directory = d
	}
}

func WithMetadataFetcher(f MetadataFetcher) Option {
	return func(e *Engine) {
		e.fetcher = f
	}
}

// WithAutoStrategy selects the policy for auto assignments.
func WithAutoStrategy(s AutoStrategy) Option {
	return func(e *Engine) {
		if s != nil {
			e.strategy = s
		}
	}
}

func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithCallTimeout bounds every collaborator call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.callTimeout = d
	}
}

// WithDelegationCacheTTL sets the delegation read cache lifetime; zero disables it.
func WithDelegationCacheTTL(d time.Duration) Option {
	return func(e *Engine) {
		e.cacheTTL = d
	}
}

// WithAdminRoles lists roles allowed to cancel, reassign and manage delegations.
func WithAdminRoles(roles ...string) Option {
	return func(e *Engine) {
		e.adminRoles = e.adminRoles[:0]
		for _, r := range roles {
			if r = workflow.NormalizeID(r); r != "" {
				e.adminRoles = append(e.adminRoles, r)
			}
		}
	}
}

// New builds an engine on top of a store.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("workflow engine requires a store")
	}
	e := &Engine{
		store:       st,
		clock:       time.Now,
		newID:       uuid.NewString,
		logger:      workflow.NewFmtLogger(nil),
		notifier:    NopNotifier{},
		strategy:    FirstEligible{},
		metrics:     nopMetrics{},
		callTimeout: DefaultCallTimeout,
		cacheTTL:    DefaultDelegationCacheTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.calls = runner.NewHandler(runner.WithTimeout(e.callTimeout))
	e.delegations = newDelegationCache(e.cacheTTL, e.clock)
	return e, nil
}

// Store exposes the underlying store for read paths such as the scheduler.
func (e *Engine) Store() store.Store { return e.store }

// Logger returns the engine logger.
func (e *Engine) Logger() workflow.Logger { return e.logger }

// Now returns the engine clock in UTC.
func (e *Engine) Now() time.Time {
	return e.clock().UTC()
}

// call runs a collaborator lookup with the configured timeout.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	return e.calls.Run(ctx, fn)
}

func (e *Engine) observe(op string, started time.Time, err error) {
	e.metrics.RecordDuration(op, e.clock().Sub(started))
	if err == nil {
		e.metrics.RecordSuccess(op)
		return
	}
	code := workflow.ErrorCode(err)
	if code == "" {
		code = "internal"
	}
	e.metrics.RecordError(op, code)
}

func (e *Engine) log(ctx context.Context, fields map[string]any) workflow.Logger {
	return workflow.WithLoggerFields(e.logger.WithContext(ctx), fields)
}

// apply runs fn in a transaction after re-checking the instance version.
func (e *Engine) apply(ctx context.Context, expected *workflow.Instance, fields map[string]any, fn func(tx store.Tx) error) error {
	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		current, err := tx.LoadInstance(ctx, expected.ID)
		if err != nil {
			return err
		}
		if current == nil || current.Version != expected.Version {
			return store.ErrVersionConflict
		}
		return fn(tx)
	})
	return mapTxError(err, fields)
}

func mapTxError(err error, fields map[string]any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrVersionConflict):
		return workflow.NewError(workflow.ErrConcurrentModification, "instance was modified concurrently", err, fields)
	case workflow.ErrorCode(err) != "":
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("persist workflow state: %w", err)
	}
}

// saveInstance writes the instance under the version CAS and bumps inst.Version.
func saveInstance(ctx context.Context, tx store.Tx, inst *workflow.Instance) error {
	next, err := tx.SaveInstanceIfVersion(ctx, inst, inst.Version)
	if err != nil {
		return err
	}
	inst.Version = next
	return nil
}

func (e *Engine) loadInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, workflow.NewError(workflow.ErrValidation, "instance id is required", nil, nil)
	}
	inst, err := e.store.LoadInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	if inst == nil {
		return nil, workflow.NewError(workflow.ErrNotFound, "instance not found", nil, map[string]any{"instance_id": id})
	}
	return inst, nil
}

func (e *Engine) loadDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, workflow.NewError(workflow.ErrValidation, "definition id is required", nil, nil)
	}
	def, err := e.store.LoadDefinition(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	if def == nil {
		return nil, workflow.NewError(workflow.ErrNotFound, "definition not found", nil, map[string]any{"definition_id": id})
	}
	return def, nil
}

func (e *Engine) openAssignment(ctx context.Context, inst *workflow.Instance) (*workflow.Assignment, error) {
	open, err := store.OpenAssignment(ctx, e.store, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	if open == nil {
		// the assignment may have been closed by a writer that committed after inst was read
		if current, err := e.store.LoadInstance(ctx, inst.ID); err == nil && current != nil && current.Version != inst.Version {
			return nil, workflow.NewError(workflow.ErrConcurrentModification, "instance was modified concurrently", nil, instanceFields(inst))
		}
		return nil, workflow.NewError(workflow.ErrNotFound, "instance has no open assignment", nil, map[string]any{
			"instance_id": inst.ID,
			"step":        inst.CurrentStep,
		})
	}
	return open, nil
}

// requireOpen re-reads an assignment inside a transaction.
func requireOpen(ctx context.Context, tx store.Tx, id string) (*workflow.Assignment, error) {
	a, err := tx.LoadAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil || !a.Open() {
		return nil, store.ErrVersionConflict
	}
	return a, nil
}

func instanceFields(inst *workflow.Instance) map[string]any {
	return map[string]any{
		"instance_id": inst.ID,
		"entity":      inst.Entity.String(),
		"step":        inst.CurrentStep,
		"version":     inst.Version,
	}
}
