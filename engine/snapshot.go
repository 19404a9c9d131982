package engine

import (
	"context"
	"errors"
	"fmt"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/store"
)

// Export captures an instance with its assignments and timeline.
func (e *Engine) Export(ctx context.Context, instanceID string) (*workflow.Snapshot, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	assignments, err := e.store.ListAssignments(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	timeline, err := e.store.ListTimeline(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	workflow.SortTimeline(timeline)
	return &workflow.Snapshot{Instance: inst, Assignments: assignments, Timeline: timeline}, nil
}

// Import restores a snapshot under its original identifiers, version and
// timeline sequences. The instance must not exist yet.
func (e *Engine) Import(ctx context.Context, snap *workflow.Snapshot) (err error) {
	started := e.clock()
	defer func() { e.observe("import", started, err) }()

	if snap == nil || snap.Instance == nil {
		return workflow.NewError(workflow.ErrValidation, "snapshot has no instance", nil, nil)
	}
	inst := snap.Instance
	fields := map[string]any{"instance_id": inst.ID}
	if inst.ID == "" {
		return workflow.NewError(workflow.ErrValidation, "snapshot instance has no id", nil, nil)
	}
	if !inst.Status.Valid() {
		return workflow.NewError(workflow.ErrValidation, "snapshot instance has unknown status", nil, fields)
	}
	open := 0
	for _, a := range snap.Assignments {
		if a == nil || a.InstanceID != inst.ID {
			return workflow.NewError(workflow.ErrValidation, "snapshot assignment belongs to another instance", nil, fields)
		}
		if a.Open() {
			open++
		}
	}
	if open > 1 {
		return workflow.NewError(workflow.ErrValidation, "snapshot has more than one open assignment", nil, fields)
	}

	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertInstance(ctx, inst); err != nil {
			return err
		}
		for _, a := range snap.Assignments {
			if err := tx.InsertAssignment(ctx, a); err != nil {
				return err
			}
		}
		for _, entry := range snap.Timeline {
			if entry.InstanceID != inst.ID {
				return workflow.NewError(workflow.ErrValidation, "snapshot timeline entry belongs to another instance", nil, fields)
			}
			if _, err := tx.AppendTimeline(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		return workflow.NewError(workflow.ErrValidation, "snapshot records already exist", err, fields)
	}
	if err != nil {
		return mapTxError(err, fields)
	}
	e.log(ctx, instanceFields(inst)).Info("instance imported")
	return nil
}
