package engine

import (
	"context"
	"time"

	workflow "github.com/goliatone/go-workflow"
)

// PermissionRequest describes an attempted operation for the permission collaborator.
type PermissionRequest struct {
	Actor      string
	Resource   workflow.EntityRef
	Action     workflow.Action
	InstanceID string
	StepID     string
	Context    map[string]any
}

// PermissionDecision is the collaborator verdict.
type PermissionDecision struct {
	Allowed bool
	Reason  string
}

// PermissionChecker is the external permission/role checker.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, req PermissionRequest) (PermissionDecision, error)
}

// RoleDirectory answers role membership questions. An empty scope means
// membership regardless of context.
type RoleDirectory interface {
	UsersWithRole(ctx context.Context, role, scope string) ([]string, error)
	HasRole(ctx context.Context, user, role, scope string) (bool, error)
}

// MetadataFetcher snapshots entity attributes when Start receives none.
type MetadataFetcher interface {
	FetchEntityMetadata(ctx context.Context, ref workflow.EntityRef) (workflow.Metadata, error)
}

// EventKind names a notification.
type EventKind string

const (
	EventAssign         EventKind = "assign"
	EventBeforeDeadline EventKind = "before_deadline"
	EventOverdue        EventKind = "overdue"
	EventEscalate       EventKind = "escalate"
)

// Event is handed to notifiers after the owning transaction committed.
type Event struct {
	Kind       EventKind            `json:"kind"`
	Instance   *workflow.Instance   `json:"instance"`
	Assignment *workflow.Assignment `json:"assignment"`
	// Previous is the escalated assignment for EventEscalate.
	Previous *workflow.Assignment `json:"previous,omitempty"`
	At       time.Time            `json:"at"`
	Reason   string               `json:"reason,omitempty"`
}

// Notifier is the notification sink.
type Notifier interface {
	OnAssign(ctx context.Context, evt Event) error
	BeforeDeadline(ctx context.Context, evt Event) error
	OnOverdue(ctx context.Context, evt Event) error
	OnEscalate(ctx context.Context, evt Event) error
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) OnAssign(context.Context, Event) error       { return nil }
func (NopNotifier) BeforeDeadline(context.Context, Event) error { return nil }
func (NopNotifier) OnOverdue(context.Context, Event) error      { return nil }
func (NopNotifier) OnEscalate(context.Context, Event) error     { return nil }

// MultiNotifier fans events out to every sink, returning the first error.
type MultiNotifier []Notifier

func (m MultiNotifier) each(fn func(Notifier) error) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := fn(n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiNotifier) OnAssign(ctx context.Context, evt Event) error {
	return m.each(func(n Notifier) error { return n.OnAssign(ctx, evt) })
}

func (m MultiNotifier) BeforeDeadline(ctx context.Context, evt Event) error {
	return m.each(func(n Notifier) error { return n.BeforeDeadline(ctx, evt) })
}

func (m MultiNotifier) OnOverdue(ctx context.Context, evt Event) error {
	return m.each(func(n Notifier) error { return n.OnOverdue(ctx, evt) })
}

func (m MultiNotifier) OnEscalate(ctx context.Context, evt Event) error {
	return m.each(func(n Notifier) error { return n.OnEscalate(ctx, evt) })
}

// MetricsRecorder receives per-operation measurements.
type MetricsRecorder interface {
	RecordDuration(operation string, d time.Duration)
	RecordError(operation, code string)
	RecordSuccess(operation string)
}

type nopMetrics struct{}

func (nopMetrics) RecordDuration(string, time.Duration) {}
func (nopMetrics) RecordError(string, string)           {}
func (nopMetrics) RecordSuccess(string)                 {}
