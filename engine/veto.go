package engine

import (
	"context"
	"fmt"
	"strings"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/store"
)

// VetoRequest bypasses the remaining steps of an instance.
type VetoRequest struct {
	InstanceID      string
	ActorID         string
	Comment         string
	ExpectedVersion int
}

// Veto jumps an active instance to the definition veto target. Every step on
// the way that is skipped is recorded in the timeline.
func (e *Engine) Veto(ctx context.Context, req VetoRequest) (*Result, error) {
	return e.SubmitAction(ctx, SubmitRequest{
		InstanceID:      req.InstanceID,
		Action:          workflow.ActionVeto,
		ActorID:         req.ActorID,
		Comment:         req.Comment,
		ExpectedVersion: req.ExpectedVersion,
	})
}

func (e *Engine) veto(ctx context.Context, inst *workflow.Instance, actor, comment string, fields map[string]any) (*Result, error) {
	def, err := e.bindDefinition(ctx, inst)
	if err != nil {
		return nil, err
	}
	if def.VetoTarget == "" {
		return nil, workflow.NewError(workflow.ErrInvalidTransition, "definition has no veto target", nil, fields)
	}
	target, ok := def.Step(def.VetoTarget)
	if !ok {
		return nil, workflow.NewError(workflow.ErrInvalidTransition, "veto target missing from definition", nil, fields)
	}

	now := e.Now()
	standing, err := e.vetoStanding(ctx, def, inst, actor, now)
	if err != nil {
		return nil, err
	}
	if !standing {
		return nil, e.deny(ctx, fields, "actor holds no veto role")
	}
	allowed, reason, err := e.permit(ctx, PermissionRequest{
		Actor:      actor,
		Resource:   inst.Entity,
		Action:     workflow.ActionVeto,
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

	open, err := store.OpenAssignment(ctx, e.store, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	comment = strings.TrimSpace(comment)

	var skipped *workflow.Assignment
	if open != nil {
		skipped = open.Clone()
		skipped.Status = workflow.AssignmentSkipped
		skipped.CompletedAt = workflow.TimePtr(now)
		skipped.CompletedBy = actor
		skipped.Action = workflow.ActionVeto
		skipped.Comment = comment
	}

	entries := []workflow.TimelineEntry{
		e.newEntry(inst.ID, inst.CurrentStep, workflow.ActionVeto, now, entryOpts{
			status:   workflow.AssignmentSkipped,
			actor:    actor,
			comment:  comment,
			metadata: workflow.Metadata{"veto_target": target.ID},
		}),
	}
	for _, stepID := range bypassedSteps(def, inst.CurrentStep, target.ID) {
		entries = append(entries, e.newEntry(inst.ID, stepID, workflow.ActionVeto, now, entryOpts{
			status:   workflow.AssignmentSkipped,
			actor:    actor,
			metadata: workflow.Metadata{"skipped_by": string(workflow.ActionVeto)},
		}))
	}
	entries = append(entries, e.newEntry(inst.ID, target.ID, workflow.ActionComplete, now, entryOpts{actor: actor}))

	updated := inst.Clone()
	updated.CurrentStep = target.ID
	updated.Status = workflow.InstanceCompleted
	updated.CompletedAt = workflow.TimePtr(now)

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
		return appendTimeline(ctx, tx, entries...)
	})
	if err != nil {
		return nil, err
	}
	e.log(ctx, instanceFields(updated)).Info("instance vetoed by %s", actor)
	return &Result{Instance: updated, Assignment: skipped}, nil
}

// bypassedSteps lists the steps strictly between from and to on the shortest path.
func bypassedSteps(def *workflow.Definition, from, to string) []string {
	path := def.PathBetween(from, to)
	if len(path) <= 2 {
		return nil
	}
	return path[1 : len(path)-1]
}
