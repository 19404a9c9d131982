package engine

import (
	"context"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/store"
)

// EscalationOutcome describes what EscalateOverdue did with an assignment.
type EscalationOutcome string

const (
	OutcomeEscalated EscalationOutcome = "escalated"
	// OutcomeOverdue means the deadline passed with nowhere to escalate.
	OutcomeOverdue EscalationOutcome = "overdue"
	OutcomeSkipped EscalationOutcome = "skipped"
)

// EscalateOverdue escalates an overdue open assignment to its step's
// escalation target. Assignments without a target, or that are themselves an
// escalation, get a single overdue signal instead. Repeated calls are no-ops.
// The returned assignment is the new one on escalation, the signaled one otherwise.
func (e *Engine) EscalateOverdue(ctx context.Context, assignmentID string) (outcome EscalationOutcome, out *workflow.Assignment, err error) {
	started := e.clock()
	defer func() { e.observe("escalate", started, err) }()

	a, err := e.store.LoadAssignment(ctx, assignmentID)
	if err != nil {
		return OutcomeSkipped, nil, err
	}
	now := e.Now()
	if a == nil || !a.Overdue(now) {
		return OutcomeSkipped, nil, nil
	}
	inst, err := e.loadInstance(ctx, a.InstanceID)
	if err != nil {
		return OutcomeSkipped, nil, err
	}
	if !inst.Active() {
		return OutcomeSkipped, nil, nil
	}
	def, err := e.bindDefinition(ctx, inst)
	if err != nil {
		return OutcomeSkipped, nil, err
	}
	step, _ := def.Step(a.StepID)
	fields := instanceFields(inst)
	fields["assignment_id"] = a.ID
	fields["action"] = string(workflow.ActionEscalate)

	if step.EscalateTo == "" || a.EscalatedFrom != "" {
		return e.signalOverdue(ctx, inst, a, fields)
	}

	next, err := e.resolve(ctx, inst, step, escalationRule(step), nil, now)
	if err != nil {
		return OutcomeSkipped, nil, err
	}
	if window := step.EscalationWindow(); window > 0 {
		next.Deadline = workflow.TimePtr(now.Add(window))
	}
	next.EscalatedFrom = a.ID

	old := a.Clone()
	old.Status = workflow.AssignmentEscalated
	old.EscalatedTo = next.Assignee()
	old.EscalatedAt = workflow.TimePtr(now)

	updated := inst.Clone()
	entry := e.newEntry(inst.ID, a.StepID, workflow.ActionEscalate, now, entryOpts{
		status: workflow.AssignmentEscalated,
		actor:  SystemActor,
		metadata: workflow.Metadata{
			"from_assignment": a.ID,
			"assignment_id":   next.ID,
			"from":            a.Assignee(),
			"to":              next.Assignee(),
		},
	})

	err = e.apply(ctx, inst, fields, func(tx store.Tx) error {
		if _, err := requireOpen(ctx, tx, a.ID); err != nil {
			return err
		}
		if err := tx.UpdateAssignment(ctx, old); err != nil {
			return err
		}
		if err := tx.InsertAssignment(ctx, next); err != nil {
			return err
		}
		if err := saveInstance(ctx, tx, updated); err != nil {
			return err
		}
		return appendTimeline(ctx, tx, entry)
	})
	if err != nil {
		return OutcomeSkipped, nil, err
	}

	e.log(ctx, fields).Info("assignment escalated from %s to %s", a.Assignee(), next.Assignee())
	e.emit(ctx, Event{Kind: EventEscalate, Instance: updated.Clone(), Assignment: next.Clone(), Previous: old.Clone(), At: now})
	return OutcomeEscalated, next, nil
}

func (e *Engine) signalOverdue(ctx context.Context, inst *workflow.Instance, a *workflow.Assignment, fields map[string]any) (EscalationOutcome, *workflow.Assignment, error) {
	if a.OverdueSignaledAt != nil {
		return OutcomeSkipped, nil, nil
	}
	now := e.Now()
	signaled := a.Clone()
	signaled.OverdueSignaledAt = workflow.TimePtr(now)
	updated := inst.Clone()

	err := e.apply(ctx, inst, fields, func(tx store.Tx) error {
		current, err := requireOpen(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if current.OverdueSignaledAt != nil {
			return store.ErrVersionConflict
		}
		if err := tx.UpdateAssignment(ctx, signaled); err != nil {
			return err
		}
		return saveInstance(ctx, tx, updated)
	})
	if err != nil {
		return OutcomeSkipped, nil, err
	}

	gap := workflow.NewError(workflow.ErrEscalationGap, "", nil, fields)
	e.log(ctx, fields).Warn("%v: assignee %s", gap, a.Assignee())
	e.emit(ctx, Event{Kind: EventOverdue, Instance: updated.Clone(), Assignment: signaled.Clone(), At: now, Reason: gap.Message})
	return OutcomeOverdue, signaled, nil
}

// SendReminder emits the before-deadline notification once, when the
// assignment is inside its step's notify window.
func (e *Engine) SendReminder(ctx context.Context, assignmentID string) (sent bool, err error) {
	a, err := e.store.LoadAssignment(ctx, assignmentID)
	if err != nil {
		return false, err
	}
	if a == nil || !a.Open() || a.Deadline == nil || a.ReminderSentAt != nil {
		return false, nil
	}
	inst, err := e.loadInstance(ctx, a.InstanceID)
	if err != nil {
		return false, err
	}
	if !inst.Active() {
		return false, nil
	}
	def, err := e.bindDefinition(ctx, inst)
	if err != nil {
		return false, err
	}
	step, _ := def.Step(a.StepID)
	now := e.Now()
	if step.NotifyBefore.IsZero() || now.Before(a.Deadline.Add(-step.NotifyBefore.Duration)) || now.After(*a.Deadline) {
		return false, nil
	}

	reminded := a.Clone()
	reminded.ReminderSentAt = workflow.TimePtr(now)
	updated := inst.Clone()
	fields := instanceFields(inst)
	fields["assignment_id"] = a.ID

	err = e.apply(ctx, inst, fields, func(tx store.Tx) error {
		current, err := requireOpen(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if current.ReminderSentAt != nil {
			return store.ErrVersionConflict
		}
		if err := tx.UpdateAssignment(ctx, reminded); err != nil {
			return err
		}
		return saveInstance(ctx, tx, updated)
	})
	if err != nil {
		return false, err
	}
	e.emit(ctx, Event{Kind: EventBeforeDeadline, Instance: updated.Clone(), Assignment: reminded.Clone(), At: now})
	return true, nil
}
