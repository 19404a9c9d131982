package engine

import (
	"context"
	"time"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/runner"
)

// permit asks the permission collaborator. Without one every request passes,
// so it only narrows checks that already succeeded.
func (e *Engine) permit(ctx context.Context, req PermissionRequest) (bool, string, error) {
	if e.permissions == nil {
		return true, "", nil
	}
	decision, err := runner.Call(ctx, e.calls, func(ctx context.Context) (PermissionDecision, error) {
		return e.permissions.CheckPermission(ctx, req)
	})
	if err != nil {
		return false, "", workflow.NewError(workflow.ErrUnauthorized, "permission check failed", err, map[string]any{
			"actor":  req.Actor,
			"action": string(req.Action),
		})
	}
	return decision.Allowed, decision.Reason, nil
}

// grants asks the permission collaborator for an explicit grant. Without one
// nothing is granted.
func (e *Engine) grants(ctx context.Context, req PermissionRequest) (bool, string, error) {
	if e.permissions == nil {
		return false, "no permission checker configured", nil
	}
	return e.permit(ctx, req)
}

func (e *Engine) holdsRole(ctx context.Context, user, role, scope string) (bool, error) {
	if e.directory == nil || user == "" || role == "" {
		return false, nil
	}
	return runner.Call(ctx, e.calls, func(ctx context.Context) (bool, error) {
		return e.directory.HasRole(ctx, user, role, scope)
	})
}

func (e *Engine) isAdmin(ctx context.Context, actor string) (bool, error) {
	for _, role := range e.adminRoles {
		ok, err := e.holdsRole(ctx, actor, role, "")
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// mayAct reports whether actor can act on the assignment: the pinned user, a
// holder of the assignment role in scope, or a delegate of either.
func (e *Engine) mayAct(ctx context.Context, inst *workflow.Instance, a *workflow.Assignment, actor string, now time.Time) (bool, error) {
	if a.User != "" {
		if actor == a.User {
			return true, nil
		}
		delegators, err := e.DelegatorsFor(ctx, actor, a.Role, inst.Entity.Type, now)
		if err != nil {
			return false, err
		}
		for _, from := range delegators {
			if from == a.User {
				return true, nil
			}
		}
		return false, nil
	}
	ok, err := e.holdsRole(ctx, actor, a.Role, a.Scope)
	if err != nil || ok {
		return ok, err
	}
	delegators, err := e.DelegatorsFor(ctx, actor, a.Role, inst.Entity.Type, now)
	if err != nil {
		return false, err
	}
	for _, from := range delegators {
		ok, err := e.holdsRole(ctx, from, a.Role, a.Scope)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// vetoStanding reports whether actor holds a veto role of the definition,
// directly or through a delegation.
func (e *Engine) vetoStanding(ctx context.Context, def *workflow.Definition, inst *workflow.Instance, actor string, now time.Time) (bool, error) {
	for _, role := range def.VetoRoles {
		ok, err := e.holdsRole(ctx, actor, role, "")
		if err != nil || ok {
			return ok, err
		}
		delegators, err := e.DelegatorsFor(ctx, actor, role, inst.Entity.Type, now)
		if err != nil {
			return false, err
		}
		for _, from := range delegators {
			ok, err := e.holdsRole(ctx, from, role, "")
			if err != nil || ok {
				return ok, err
			}
		}
	}
	return false, nil
}

// deny logs a failed attempt and returns the unauthorized error.
func (e *Engine) deny(ctx context.Context, fields map[string]any, reason string) error {
	if reason == "" {
		reason = "actor is not allowed to act on this step"
	}
	e.log(ctx, fields).Warn("unauthorized attempt: %s", reason)
	return workflow.NewError(workflow.ErrUnauthorized, reason, nil, fields)
}
