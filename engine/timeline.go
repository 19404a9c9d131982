package engine

import (
	"context"
	"fmt"
	"time"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/store"
)

// Timeline returns the audit trail of an instance ordered by timestamp and
// insertion sequence.
func (e *Engine) Timeline(ctx context.Context, instanceID string) ([]workflow.TimelineEntry, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.ListTimeline(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	workflow.SortTimeline(entries)
	return entries, nil
}

type entryOpts struct {
	status   workflow.AssignmentStatus
	actor    string
	comment  string
	metadata workflow.Metadata
}

func (e *Engine) newEntry(instanceID, stepID string, action workflow.Action, at time.Time, opts entryOpts) workflow.TimelineEntry {
	return workflow.TimelineEntry{
		ID:         e.newID(),
		InstanceID: instanceID,
		StepID:     stepID,
		Action:     action,
		Status:     opts.status,
		Actor:      opts.actor,
		Comment:    opts.comment,
		Metadata:   opts.metadata,
		Timestamp:  at,
	}
}

// assignEntry records the creation of an assignment.
func (e *Engine) assignEntry(a *workflow.Assignment, actor string, action workflow.Action) workflow.TimelineEntry {
	md := workflow.Metadata{"assignment_id": a.ID, "assignee": a.Assignee()}
	if a.Scope != "" {
		md["scope"] = a.Scope
	}
	if len(a.Delegates) > 0 {
		md["delegates"] = append([]string(nil), a.Delegates...)
	}
	return e.newEntry(a.InstanceID, a.StepID, action, a.AssignedAt, entryOpts{
		status:   a.Status,
		actor:    actor,
		metadata: md,
	})
}

// appendTimeline appends entries inside the committing transaction.
func appendTimeline(ctx context.Context, tx store.Tx, entries ...workflow.TimelineEntry) error {
	for _, entry := range entries {
		if _, err := tx.AppendTimeline(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// emit hands an event to the notifier after commit. Failures are logged only.
func (e *Engine) emit(ctx context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = e.Now()
	}
	var err error
	switch evt.Kind {
	case EventAssign:
		err = e.notifier.OnAssign(ctx, evt)
	case EventBeforeDeadline:
		err = e.notifier.BeforeDeadline(ctx, evt)
	case EventOverdue:
		err = e.notifier.OnOverdue(ctx, evt)
	case EventEscalate:
		err = e.notifier.OnEscalate(ctx, evt)
	}
	if err != nil {
		fields := map[string]any{"event": string(evt.Kind)}
		if evt.Assignment != nil {
			fields["assignment_id"] = evt.Assignment.ID
		}
		e.log(ctx, fields).Warn("notification failed: %v", err)
	}
}
