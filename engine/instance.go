package engine

import (
	"context"
	"fmt"
	"strings"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/runner"
	"github.com/goliatone/go-workflow/store"
)

// Result is returned by every instance mutation.
type Result struct {
	Instance *workflow.Instance
	// Assignment is the assignment the operation acted on, if any.
	Assignment *workflow.Assignment
	// Next is the assignment created by the operation, if any.
	Next *workflow.Assignment
}

// StartRequest starts a definition for an entity.
type StartRequest struct {
	DefinitionID string
	Entity       workflow.EntityRef
	// Metadata is snapshotted; when nil the metadata fetcher is asked.
	Metadata workflow.Metadata
	ActorID  string
}

// SubmitRequest submits an action against the open assignment of an instance.
type SubmitRequest struct {
	InstanceID string
	Action     workflow.Action
	ActorID    string
	Comment    string
	// ExpectedVersion, when set, must match the stored instance version.
	ExpectedVersion int
}

type CancelRequest struct {
	InstanceID      string
	ActorID         string
	Reason          string
	ExpectedVersion int
}

type ReassignRequest struct {
	InstanceID string
	ActorID    string
	ToUser     string
	ToRole     string
	Comment    string
}

// Start creates an instance bound to an entity and its first assignment.
func (e *Engine) Start(ctx context.Context, req StartRequest) (res *Result, err error) {
	started := e.clock()
	defer func() { e.observe("start", started, err) }()

	ref := workflow.EntityRef{
		Type: workflow.EntityType(workflow.NormalizeID(string(req.Entity.Type))),
		ID:   strings.TrimSpace(req.Entity.ID),
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	def, err := e.loadDefinition(ctx, req.DefinitionID)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{"definition_id": def.ID, "entity": ref.String()}
	if !def.Active {
		return nil, workflow.NewError(workflow.ErrValidation, "definition is not active", nil, fields)
	}
	if def.EntityType != "" && def.EntityType != ref.Type {
		return nil, workflow.NewError(workflow.ErrValidation, "definition does not apply to entity type", nil, fields)
	}
	// the owner is the fallback assignee whenever the instance returns to its start step
	if strings.TrimSpace(req.ActorID) == "" {
		return nil, workflow.NewError(workflow.ErrValidation, "starting actor is required", nil, fields)
	}

	metadata := req.Metadata
	if metadata == nil && e.fetcher != nil {
		metadata, err = runner.Call(ctx, e.calls, func(ctx context.Context) (workflow.Metadata, error) {
			return e.fetcher.FetchEntityMetadata(ctx, ref)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch entity metadata: %w", err)
		}
	}

	startStep, _ := def.StartStep()
	first, err := def.FirstStep()
	if err != nil {
		return nil, err
	}

	now := e.Now()
	actor := strings.TrimSpace(req.ActorID)
	inst := &workflow.Instance{
		ID:                e.newID(),
		DefinitionID:      def.ID,
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Entity:            ref,
		CurrentStep:       first.ID,
		Status:            workflow.InstanceActive,
		Metadata:          metadata.Clone(),
		StartedBy:         actor,
		StartedAt:         now,
		Version:           1,
	}
	entries := []workflow.TimelineEntry{
		e.newEntry(inst.ID, startStep.ID, workflow.ActionSubmit, now, entryOpts{
			status:   workflow.AssignmentCompleted,
			actor:    actor,
			metadata: workflow.Metadata{"to_step": first.ID},
		}),
	}

	var next *workflow.Assignment
	if first.Kind == workflow.StepEnd {
		inst.Status = workflow.InstanceCompleted
		inst.CompletedAt = workflow.TimePtr(now)
		entries = append(entries, e.newEntry(inst.ID, first.ID, workflow.ActionComplete, now, entryOpts{actor: actor}))
	} else {
		if next, err = e.resolveStep(ctx, inst, first, now); err != nil {
			return nil, err
		}
		entries = append(entries, e.assignEntry(next, actor, workflow.ActionAssign))
	}

	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertInstance(ctx, inst); err != nil {
			return err
		}
		if next != nil {
			if err := tx.InsertAssignment(ctx, next); err != nil {
				return err
			}
		}
		return appendTimeline(ctx, tx, entries...)
	})
	if err != nil {
		return nil, mapTxError(err, fields)
	}

	e.log(ctx, instanceFields(inst)).Info("instance started")
	if next != nil {
		e.emit(ctx, Event{Kind: EventAssign, Instance: inst.Clone(), Assignment: next.Clone(), At: now})
	}
	return &Result{Instance: inst, Next: next}, nil
}

// SubmitAction applies an action to the open assignment of an instance.
func (e *Engine) SubmitAction(ctx context.Context, req SubmitRequest) (res *Result, err error) {
	started := e.clock()
	defer func() { e.observe("submit_action", started, err) }()

	action, err := workflow.ParseAction(string(req.Action))
	if err != nil {
		return nil, err
	}
	actor := strings.TrimSpace(req.ActorID)
	if actor == "" {
		return nil, workflow.NewError(workflow.ErrValidation, "actor is required", nil, nil)
	}
	inst, err := e.loadInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	fields := instanceFields(inst)
	fields["action"] = string(action)
	fields["actor"] = actor

	if err := checkActive(inst, req.ExpectedVersion, fields); err != nil {
		return nil, err
	}

	switch action {
	case workflow.ActionVeto:
		return e.veto(ctx, inst, actor, req.Comment, fields)
	case workflow.ActionCancel:
		return e.cancel(ctx, inst, actor, req.Comment, fields)
	case workflow.ActionAssign, workflow.ActionReassign, workflow.ActionEscalate:
		return nil, workflow.NewError(workflow.ErrInvalidTransition, "action cannot be submitted directly", nil, fields)
	}

	def, err := e.bindDefinition(ctx, inst)
	if err != nil {
		return nil, err
	}
	open, err := e.openAssignment(ctx, inst)
	if err != nil {
		return nil, err
	}
	now := e.Now()

	ok, err := e.mayAct(ctx, inst, open, actor, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.deny(ctx, fields, "")
	}
	allowed, reason, err := e.permit(ctx, PermissionRequest{
		Actor:      actor,
		Resource:   inst.Entity,
		Action:     action,
		InstanceID: inst.ID,
		StepID:     inst.CurrentStep,
		Context:    inst.Metadata.Clone(),
	})
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, e.deny(ctx, fields, reason)
	}

	target, err := def.Route(inst.CurrentStep, action, inst.Metadata)
	if err != nil {
		return nil, err
	}

	updated := inst.Clone()
	updated.CurrentStep = target.ID

	done := open.Clone()
	done.Status = workflow.AssignmentCompleted
	if action == workflow.ActionReject {
		done.Status = workflow.AssignmentRejected
	}
	if done.StartedAt == nil {
		done.StartedAt = workflow.TimePtr(now)
	}
	done.CompletedAt = workflow.TimePtr(now)
	done.CompletedBy = actor
	done.Action = action
	done.Comment = strings.TrimSpace(req.Comment)

	entries := []workflow.TimelineEntry{
		e.newEntry(inst.ID, open.StepID, action, now, entryOpts{
			status:   done.Status,
			actor:    actor,
			comment:  done.Comment,
			metadata: workflow.Metadata{"assignment_id": open.ID, "to_step": target.ID},
		}),
	}

	var next *workflow.Assignment
	if target.Kind == workflow.StepEnd {
		updated.Status = workflow.InstanceCompleted
		updated.CompletedAt = workflow.TimePtr(now)
		entries = append(entries, e.newEntry(inst.ID, target.ID, workflow.ActionComplete, now, entryOpts{actor: actor}))
	} else {
		if next, err = e.resolveStep(ctx, updated, target, now); err != nil {
			return nil, err
		}
		entries = append(entries, e.assignEntry(next, actor, workflow.ActionAssign))
	}

	err = e.apply(ctx, inst, fields, func(tx store.Tx) error {
		if _, err := requireOpen(ctx, tx, open.ID); err != nil {
			return err
		}
		if err := tx.UpdateAssignment(ctx, done); err != nil {
			return err
		}
		if next != nil {
			if err := tx.InsertAssignment(ctx, next); err != nil {
				return err
			}
		}
		if err := saveInstance(ctx, tx, updated); err != nil {
			return err
		}
		return appendTimeline(ctx, tx, entries...)
	})
	if err != nil {
		return nil, err
	}

	e.log(ctx, instanceFields(updated)).Info("action %s applied by %s", action, actor)
	if next != nil {
		e.emit(ctx, Event{Kind: EventAssign, Instance: updated.Clone(), Assignment: next.Clone(), At: now})
	}
	return &Result{Instance: updated, Assignment: done, Next: next}, nil
}

// Cancel moves an active instance to cancelled. The owner, an administrator or
// an actor granted cancel by the permission checker may cancel.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (res *Result, err error) {
	started := e.clock()
	defer func() { e.observe("cancel", started, err) }()

	actor := strings.TrimSpace(req.ActorID)
	if actor == "" {
		return nil, workflow.NewError(workflow.ErrValidation, "actor is required", nil, nil)
	}
	inst, err := e.loadInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	fields := instanceFields(inst)
	fields["action"] = string(workflow.ActionCancel)
	fields["actor"] = actor
	if err := checkActive(inst, req.ExpectedVersion, fields); err != nil {
		return nil, err
	}
	return e.cancel(ctx, inst, actor, req.Reason, fields)
}

func (e *Engine) cancel(ctx context.Context, inst *workflow.Instance, actor, reason string, fields map[string]any) (*Result, error) {
	if err := e.requireOwnerOrAdmin(ctx, inst, actor, workflow.ActionCancel, fields); err != nil {
		return nil, err
	}
	open, err := store.OpenAssignment(ctx, e.store, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}

	now := e.Now()
	reason = strings.TrimSpace(reason)
	updated := inst.Clone()
	updated.Status = workflow.InstanceCancelled
	updated.CompletedAt = workflow.TimePtr(now)

	var skipped *workflow.Assignment
	if open != nil {
		skipped = open.Clone()
		skipped.Status = workflow.AssignmentSkipped
		skipped.CompletedAt = workflow.TimePtr(now)
		skipped.CompletedBy = actor
		skipped.Action = workflow.ActionCancel
		skipped.Comment = reason
	}
	entry := e.newEntry(inst.ID, inst.CurrentStep, workflow.ActionCancel, now, entryOpts{
		status:  workflow.AssignmentSkipped,
		actor:   actor,
		comment: reason,
	})

	err = e.apply(ctx, inst, fields, func(tx store.Tx) error {
		if skipped != nil {
			if _, err := requireOpen(ctx, tx, skipped.ID); err != nil {
				return err
			}
			if err := tx.UpdateAssignment(ctx, skipped); err != nil {
				return err
			}
		}
		if err := saveInstance(ctx, tx, updated); err != nil {
			return err
		}
		return appendTimeline(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	e.log(ctx, instanceFields(updated)).Info("instance cancelled by %s", actor)
	return &Result{Instance: updated, Assignment: skipped}, nil
}

// Claim pins an open role assignment to an eligible actor.
func (e *Engine) Claim(ctx context.Context, instanceID, actorID string) (res *Result, err error) {
	started := e.clock()
	defer func() { e.observe("claim", started, err) }()

	actor := strings.TrimSpace(actorID)
	if actor == "" {
		return nil, workflow.NewError(workflow.ErrValidation, "actor is required", nil, nil)
	}
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	fields := instanceFields(inst)
	fields["action"] = "claim"
	fields["actor"] = actor
	if err := checkActive(inst, 0, fields); err != nil {
		return nil, err
	}
	open, err := e.openAssignment(ctx, inst)
	if err != nil {
		return nil, err
	}
	if open.User != "" {
		if open.User == actor {
			return &Result{Instance: inst, Assignment: open}, nil
		}
		return nil, workflow.NewError(workflow.ErrInvalidTransition, "assignment is already pinned", nil, fields)
	}
	now := e.Now()
	ok, err := e.mayAct(ctx, inst, open, actor, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.deny(ctx, fields, "")
	}

	claimed := open.Clone()
	claimed.User = actor
	claimed.Status = workflow.AssignmentInProgress
	claimed.StartedAt = workflow.TimePtr(now)
	updated := inst.Clone()
	entry := e.newEntry(inst.ID, open.StepID, workflow.ActionAssign, now, entryOpts{
		status:   workflow.AssignmentInProgress,
		actor:    actor,
		metadata: workflow.Metadata{"assignment_id": open.ID, "assignee": actor, "claimed": true},
	})

	err = e.apply(ctx, inst, fields, func(tx store.Tx) error {
		if _, err := requireOpen(ctx, tx, open.ID); err != nil {
			return err
		}
		if err := tx.UpdateAssignment(ctx, claimed); err != nil {
			return err
		}
		if err := saveInstance(ctx, tx, updated); err != nil {
			return err
		}
		return appendTimeline(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	e.log(ctx, instanceFields(updated)).Info("assignment claimed by %s", actor)
	return &Result{Instance: updated, Assignment: claimed}, nil
}

// Reassign replaces the open assignment with one for another user or role on
// the same step, keeping its deadline.
func (e *Engine) Reassign(ctx context.Context, req ReassignRequest) (res *Result, err error) {
	started := e.clock()
	defer func() { e.observe("reassign", started, err) }()

	actor := strings.TrimSpace(req.ActorID)
	toUser := strings.TrimSpace(req.ToUser)
	toRole := workflow.NormalizeID(req.ToRole)
	if actor == "" {
		return nil, workflow.NewError(workflow.ErrValidation, "actor is required", nil, nil)
	}
	if (toUser == "") == (toRole == "") {
		return nil, workflow.NewError(workflow.ErrValidation, "reassign needs exactly one of user or role", nil, nil)
	}
	inst, err := e.loadInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	fields := instanceFields(inst)
	fields["action"] = string(workflow.ActionReassign)
	fields["actor"] = actor
	if err := checkActive(inst, 0, fields); err != nil {
		return nil, err
	}
	if err := e.requireAdmin(ctx, inst, actor, workflow.ActionReassign, fields); err != nil {
		return nil, err
	}
	def, err := e.bindDefinition(ctx, inst)
	if err != nil {
		return nil, err
	}
	open, err := e.openAssignment(ctx, inst)
	if err != nil {
		return nil, err
	}
	step, ok := def.Step(open.StepID)
	if !ok {
		return nil, workflow.NewError(workflow.ErrNotFound, "assignment step missing from definition", nil, fields)
	}

	now := e.Now()
	rule := assignmentRule{Type: workflow.AssignRole, Role: toRole, ContextField: step.ContextField}
	if toUser != "" {
		rule = assignmentRule{Type: workflow.AssignUser, User: toUser}
	}
	next, err := e.resolve(ctx, inst, step, rule, open.Deadline, now)
	if err != nil {
		return nil, err
	}

	old := open.Clone()
	old.Status = workflow.AssignmentSkipped
	old.CompletedAt = workflow.TimePtr(now)
	old.CompletedBy = actor
	old.Action = workflow.ActionReassign
	old.Comment = strings.TrimSpace(req.Comment)

	updated := inst.Clone()
	entry := e.newEntry(inst.ID, open.StepID, workflow.ActionReassign, now, entryOpts{
		status:  workflow.AssignmentPending,
		actor:   actor,
		comment: old.Comment,
		metadata: workflow.Metadata{
			"from_assignment": open.ID,
			"assignment_id":   next.ID,
			"from":            open.Assignee(),
			"to":              next.Assignee(),
		},
	})

	err = e.apply(ctx, inst, fields, func(tx store.Tx) error {
		if _, err := requireOpen(ctx, tx, open.ID); err != nil {
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
		return nil, err
	}
	e.log(ctx, instanceFields(updated)).Info("assignment reassigned to %s", next.Assignee())
	e.emit(ctx, Event{Kind: EventAssign, Instance: updated.Clone(), Assignment: next.Clone(), At: now, Reason: "reassign"})
	return &Result{Instance: updated, Assignment: old, Next: next}, nil
}

// Instance returns a stored instance.
func (e *Engine) Instance(ctx context.Context, id string) (*workflow.Instance, error) {
	return e.loadInstance(ctx, id)
}

// Assignments lists every assignment of an instance in creation order.
func (e *Engine) Assignments(ctx context.Context, instanceID string) ([]*workflow.Assignment, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	list, err := e.store.ListAssignments(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return list, nil
}

// OpenAssignment returns the pending or in-progress assignment of an instance.
func (e *Engine) OpenAssignment(ctx context.Context, instanceID string) (*workflow.Assignment, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return e.openAssignment(ctx, inst)
}

func (e *Engine) InstancesForEntity(ctx context.Context, ref workflow.EntityRef) ([]*workflow.Instance, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	list, err := e.store.FindInstancesByEntity(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("find instances: %w", err)
	}
	return list, nil
}

func (e *Engine) InstancesByStatus(ctx context.Context, status workflow.InstanceStatus) ([]*workflow.Instance, error) {
	if !status.Valid() {
		return nil, workflow.NewError(workflow.ErrValidation, "unknown instance status", nil, map[string]any{"status": string(status)})
	}
	list, err := e.store.FindInstancesByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("find instances: %w", err)
	}
	return list, nil
}

// AssignmentsForUser lists assignments pinned to a user.
func (e *Engine) AssignmentsForUser(ctx context.Context, user string, openOnly bool) ([]*workflow.Assignment, error) {
	list, err := e.store.FindAssignmentsByUser(ctx, strings.TrimSpace(user), openOnly)
	if err != nil {
		return nil, fmt.Errorf("find assignments: %w", err)
	}
	return list, nil
}

func checkActive(inst *workflow.Instance, expectedVersion int, fields map[string]any) error {
	if expectedVersion > 0 && expectedVersion != inst.Version {
		return workflow.NewError(workflow.ErrConcurrentModification, "instance version changed", nil, fields)
	}
	if !inst.Active() {
		return workflow.NewError(workflow.ErrInvalidTransition, "instance is not active", nil, withStatus(fields, inst))
	}
	return nil
}

func withStatus(fields map[string]any, inst *workflow.Instance) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["status"] = string(inst.Status)
	return out
}

func (e *Engine) requireOwnerOrAdmin(ctx context.Context, inst *workflow.Instance, actor string, action workflow.Action, fields map[string]any) error {
	if inst.StartedBy != "" && actor == inst.StartedBy {
		return nil
	}
	return e.requireAdmin(ctx, inst, actor, action, fields)
}

func (e *Engine) requireAdmin(ctx context.Context, inst *workflow.Instance, actor string, action workflow.Action, fields map[string]any) error {
	admin, err := e.isAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	allowed, reason, err := e.grants(ctx, PermissionRequest{
		Actor:      actor,
		Resource:   inst.Entity,
		Action:     action,
		InstanceID: inst.ID,
		StepID:     inst.CurrentStep,
	})
	if err != nil {
		return err
	}
	if !allowed {
		return e.deny(ctx, fields, reason)
	}
	return nil
}
