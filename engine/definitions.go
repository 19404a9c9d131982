package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/store"
)

// CreateDefinition validates and stores a new inactive definition version.
// The version is one past the highest stored version of the same name.
func (e *Engine) CreateDefinition(ctx context.Context, def *workflow.Definition) (out *workflow.Definition, err error) {
	started := e.clock()
	defer func() { e.observe("create_definition", started, err) }()

	if def == nil {
		return nil, workflow.NewError(workflow.ErrValidation, "definition is required", nil, nil)
	}
	def = def.Clone()
	def.Normalize()
	if strings.TrimSpace(def.Name) == "" {
		return nil, workflow.NewError(workflow.ErrValidation, "definition name is required", nil, nil)
	}
	if err := def.Validate(); err != nil {
		e.log(ctx, map[string]any{"definition": def.Name}).Warn("definition rejected: %v", err)
		return nil, err
	}
	if def.ID == "" {
		def.ID = e.newID()
	}
	def.Active = false
	if def.CreatedAt.IsZero() {
		def.CreatedAt = e.Now()
	}

	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		existing, err := tx.ListDefinitions(ctx, def.Name)
		if err != nil {
			return err
		}
		version := 0
		for _, d := range existing {
			if d.Version > version {
				version = d.Version
			}
		}
		def.Version = version + 1
		return tx.InsertDefinition(ctx, def)
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, workflow.NewError(workflow.ErrValidation, "definition id already exists", err, map[string]any{"definition_id": def.ID})
	}
	if err != nil {
		return nil, fmt.Errorf("store definition: %w", err)
	}
	e.log(ctx, map[string]any{
		"definition_id": def.ID,
		"definition":    def.Name,
		"version":       def.Version,
	}).Info("definition created")
	return def.Clone(), nil
}

// ActivateDefinition marks a definition active and deactivates the other
// versions sharing its name. Running instances keep their bound version.
func (e *Engine) ActivateDefinition(ctx context.Context, id string) (out *workflow.Definition, err error) {
	started := e.clock()
	defer func() { e.observe("activate_definition", started, err) }()

	def, err := e.loadDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		siblings, err := tx.ListDefinitions(ctx, def.Name)
		if err != nil {
			return err
		}
		for _, other := range siblings {
			if other.ID != def.ID && other.Active {
				if err := tx.SetDefinitionActive(ctx, other.ID, false); err != nil {
					return err
				}
			}
		}
		return tx.SetDefinitionActive(ctx, def.ID, true)
	})
	if err != nil {
		return nil, fmt.Errorf("activate definition: %w", err)
	}
	def.Active = true
	e.log(ctx, map[string]any{"definition_id": def.ID, "version": def.Version}).Info("definition activated")
	return def, nil
}

// Definition returns a stored definition.
func (e *Engine) Definition(ctx context.Context, id string) (*workflow.Definition, error) {
	return e.loadDefinition(ctx, id)
}

// ActiveDefinition returns the active version of a named definition.
func (e *Engine) ActiveDefinition(ctx context.Context, name string) (*workflow.Definition, error) {
	name = strings.TrimSpace(name)
	list, err := e.store.ListDefinitions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	for _, def := range list {
		if def.Active {
			return def, nil
		}
	}
	return nil, workflow.NewError(workflow.ErrNotFound, "no active definition", nil, map[string]any{"definition": name})
}

// Definitions lists every version of name, or every definition when name is empty.
func (e *Engine) Definitions(ctx context.Context, name string) ([]*workflow.Definition, error) {
	list, err := e.store.ListDefinitions(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	return list, nil
}

// LoadDefinitionSet creates every definition of a document and activates the
// ones flagged active. It stops at the first failure.
func (e *Engine) LoadDefinitionSet(ctx context.Context, set workflow.DefinitionSet) ([]*workflow.Definition, error) {
	out := make([]*workflow.Definition, 0, len(set.Definitions))
	for i := range set.Definitions {
		doc := set.Definitions[i]
		created, err := e.CreateDefinition(ctx, &doc)
		if err != nil {
			return out, err
		}
		if doc.Active {
			if created, err = e.ActivateDefinition(ctx, created.ID); err != nil {
				return out, err
			}
		}
		out = append(out, created)
	}
	return out, nil
}

// bindDefinition loads the definition an instance is bound to.
func (e *Engine) bindDefinition(ctx context.Context, inst *workflow.Instance) (*workflow.Definition, error) {
	def, err := e.loadDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	return def, nil
}

func deadlineFor(now time.Time, step workflow.Step) *time.Time {
	if step.Deadline.IsZero() {
		return nil
	}
	return workflow.TimePtr(now.Add(step.Deadline.Duration))
}
