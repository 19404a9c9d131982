package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/runner"
)

// AutoRequest carries the eligible users for an auto assignment.
type AutoRequest struct {
	Role       string
	Scope      string
	Candidates []string
	Instance   *workflow.Instance
	Step       workflow.Step
}

// AutoStrategy picks one user for an auto assignment. An empty pick leaves
// the assignment on the role.
type AutoStrategy interface {
	Pick(ctx context.Context, req AutoRequest) (string, error)
}

// FirstEligible picks the first candidate in lexical order.
type FirstEligible struct{}

func (FirstEligible) Pick(_ context.Context, req AutoRequest) (string, error) {
	if len(req.Candidates) == 0 {
		return "", nil
	}
	return sortedCopy(req.Candidates)[0], nil
}

// RoundRobin rotates through candidates per role and scope.
type RoundRobin struct {
	mu   sync.Mutex
	next map[string]int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{next: make(map[string]int)}
}

func (r *RoundRobin) Pick(_ context.Context, req AutoRequest) (string, error) {
	if len(req.Candidates) == 0 {
		return "", nil
	}
	candidates := sortedCopy(req.Candidates)
	key := req.Role + "|" + req.Scope

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next == nil {
		r.next = make(map[string]int)
	}
	idx := r.next[key] % len(candidates)
	r.next[key] = idx + 1
	return candidates[idx], nil
}

// WorkloadCounter reports how many open assignments a user holds.
type WorkloadCounter interface {
	CountOpenAssignmentsByUser(ctx context.Context, user string) (int, error)
}

// LeastLoaded picks the candidate with the fewest open assignments, ties
// broken lexically.
type LeastLoaded struct {
	Counter WorkloadCounter
}

func NewLeastLoaded(counter WorkloadCounter) *LeastLoaded {
	return &LeastLoaded{Counter: counter}
}

func (l *LeastLoaded) Pick(ctx context.Context, req AutoRequest) (string, error) {
	if len(req.Candidates) == 0 {
		return "", nil
	}
	candidates := sortedCopy(req.Candidates)
	if l.Counter == nil {
		return candidates[0], nil
	}
	best, bestLoad := "", -1
	for _, user := range candidates {
		load, err := l.Counter.CountOpenAssignmentsByUser(ctx, user)
		if err != nil {
			return "", fmt.Errorf("count workload for %s: %w", user, err)
		}
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = user, load
		}
	}
	return best, nil
}

// assignmentRule is the resolvable part of a step rule or an escalation target.
type assignmentRule struct {
	Type         workflow.AssignmentType
	Role         string
	User         string
	ContextField string
	Pin          bool
}

func stepRule(step workflow.Step) assignmentRule {
	return assignmentRule{
		Type:         step.AssignmentType,
		Role:         step.AssignedRole,
		User:         step.AssignedUser,
		ContextField: step.ContextField,
		Pin:          step.PinAssignee,
	}
}

func escalationRule(step workflow.Step) assignmentRule {
	rule := assignmentRule{Type: step.EscalationTargetType(), ContextField: step.ContextField}
	if rule.Type == workflow.AssignUser {
		rule.User = step.EscalateTo
	} else {
		rule.Role = step.EscalateTo
	}
	return rule
}

// resolveStep builds the pending assignment for a step. A start step re-entered
// through a reject without its own rule goes back to the instance owner.
func (e *Engine) resolveStep(ctx context.Context, inst *workflow.Instance, step workflow.Step, now time.Time) (*workflow.Assignment, error) {
	rule := stepRule(step)
	if step.Kind == workflow.StepStart && !rule.Type.Valid() {
		rule = assignmentRule{Type: workflow.AssignUser, User: inst.StartedBy}
	}
	return e.resolve(ctx, inst, step, rule, deadlineFor(now, step), now)
}

// resolve turns a rule into a concrete assignment. Collaborator calls happen
// here, before any transaction is opened.
func (e *Engine) resolve(ctx context.Context, inst *workflow.Instance, step workflow.Step, rule assignmentRule, deadline *time.Time, now time.Time) (*workflow.Assignment, error) {
	a := &workflow.Assignment{
		ID:         e.newID(),
		InstanceID: inst.ID,
		StepID:     step.ID,
		Type:       rule.Type,
		Status:     workflow.AssignmentPending,
		AssignedAt: now,
		Deadline:   deadline,
	}
	fields := map[string]any{"instance_id": inst.ID, "step": step.ID, "rule": string(rule.Type)}

	var holders []string
	switch rule.Type {
	case workflow.AssignUser:
		a.User = rule.User
		if a.User == "" {
			e.log(ctx, fields).Warn("user assignment resolved without a user")
		}
	case workflow.AssignRole, workflow.AssignAuto:
		a.Role = rule.Role
		if rule.ContextField != "" {
			a.Scope = inst.Metadata.String(rule.ContextField)
		}
		var err error
		if holders, err = e.roleHolders(ctx, a.Role, a.Scope); err != nil {
			return nil, workflow.NewError(workflow.ErrValidation, "role lookup failed", err, fields)
		}
		if rule.Type == workflow.AssignAuto {
			pick, err := e.pick(ctx, AutoRequest{Role: a.Role, Scope: a.Scope, Candidates: holders, Instance: inst, Step: step})
			if err != nil {
				return nil, workflow.NewError(workflow.ErrValidation, "auto assignment strategy failed", err, fields)
			}
			a.User = pick
		} else if rule.Pin && len(holders) > 0 {
			a.User = sortedCopy(holders)[0]
		}
		if a.User == "" && (rule.Pin || rule.Type == workflow.AssignAuto) {
			e.log(ctx, fields).Warn("no eligible holder for role %s, leaving assignment on the role", a.Role)
		}
	default:
		return nil, workflow.NewError(workflow.ErrValidation, "step has no assignment rule", nil, fields)
	}

	principals := holders
	if a.User != "" {
		principals = []string{a.User}
	}
	delegates, err := e.delegatesFor(ctx, principals, a.Role, inst.Entity.Type, now)
	if err != nil {
		return nil, err
	}
	a.Delegates = delegates
	return a, nil
}

func (e *Engine) roleHolders(ctx context.Context, role, scope string) ([]string, error) {
	if e.directory == nil || role == "" {
		return nil, nil
	}
	users, err := runner.Call(ctx, e.calls, func(ctx context.Context) ([]string, error) {
		return e.directory.UsersWithRole(ctx, role, scope)
	})
	if err != nil {
		return nil, err
	}
	return sortedCopy(users), nil
}

func (e *Engine) pick(ctx context.Context, req AutoRequest) (string, error) {
	return runner.Call(ctx, e.calls, func(ctx context.Context) (string, error) {
		return e.strategy.Pick(ctx, req)
	})
}

// delegatesFor collects the delegates of the given principals for a role. A
// pinned user assignment without a role accepts delegations of any role.
func (e *Engine) delegatesFor(ctx context.Context, principals []string, role string, entityType workflow.EntityType, now time.Time) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, user := range principals {
		d, err := e.ActiveFrom(ctx, user, role, entityType, now)
		if err != nil {
			return nil, err
		}
		if d == nil {
			continue
		}
		if _, ok := seen[d.ToUser]; ok {
			continue
		}
		seen[d.ToUser] = struct{}{}
		out = append(out, d.ToUser)
	}
	sort.Strings(out)
	return out, nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
