// Package directory provides an in-process role directory and permission
// checker driven by configuration.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/engine"
)

// Grant gives a user a role, optionally narrowed to one scope.
type Grant struct {
	Role  string `json:"role" yaml:"role"`
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// ParseGrant reads "role" or "role@scope".
func ParseGrant(raw string) (Grant, error) {
	role, scope, _ := strings.Cut(strings.TrimSpace(raw), "@")
	g := Grant{Role: workflow.NormalizeID(role), Scope: strings.TrimSpace(scope)}
	if g.Role == "" {
		return g, fmt.Errorf("grant %q has no role", raw)
	}
	return g, nil
}

func (g Grant) matches(role, scope string) bool {
	if g.Role != role {
		return false
	}
	return scope == "" || g.Scope == "" || g.Scope == scope
}

type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Rule allows or denies an action to holders of any listed role. An empty
// action matches every action.
type Rule struct {
	Action workflow.Action `json:"action,omitempty" yaml:"action,omitempty"`
	Roles  []string        `json:"roles" yaml:"roles"`
	Effect Effect          `json:"effect" yaml:"effect"`
}

// administrative actions need an explicit allow rule
var administrative = map[workflow.Action]bool{
	workflow.ActionCancel:   true,
	workflow.ActionReassign: true,
	workflow.ActionAssign:   true,
}

// Static is a RoleDirectory and PermissionChecker backed by memory.
type Static struct {
	mu     sync.RWMutex
	grants map[string][]Grant
	rules  []Rule
}

var (
	_ engine.RoleDirectory     = (*Static)(nil)
	_ engine.PermissionChecker = (*Static)(nil)
)

func NewStatic() *Static {
	return &Static{grants: make(map[string][]Grant)}
}

// FromMap builds a directory from user -> ["role", "role@scope"] entries.
func FromMap(users map[string][]string, rules ...Rule) (*Static, error) {
	d := NewStatic()
	for user, raw := range users {
		for _, entry := range raw {
			g, err := ParseGrant(entry)
			if err != nil {
				return nil, fmt.Errorf("user %s: %w", user, err)
			}
			d.Grant(user, g.Role, g.Scope)
		}
	}
	for _, r := range rules {
		if err := d.AddRule(r); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Grant adds a role to a user; repeated grants are ignored.
func (d *Static) Grant(user, role, scope string) {
	user = strings.TrimSpace(user)
	g := Grant{Role: workflow.NormalizeID(role), Scope: strings.TrimSpace(scope)}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.grants[user] {
		if existing == g {
			return
		}
	}
	d.grants[user] = append(d.grants[user], g)
}

// Revoke removes a role grant from a user.
func (d *Static) Revoke(user, role, scope string) {
	user = strings.TrimSpace(user)
	g := Grant{Role: workflow.NormalizeID(role), Scope: strings.TrimSpace(scope)}
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.grants[user]
	out := list[:0]
	for _, existing := range list {
		if existing != g {
			out = append(out, existing)
		}
	}
	d.grants[user] = out
}

func (d *Static) AddRule(r Rule) error {
	if r.Effect != Allow && r.Effect != Deny {
		return fmt.Errorf("rule effect must be allow or deny, got %q", r.Effect)
	}
	if r.Action != "" && !r.Action.Valid() {
		return fmt.Errorf("rule has unknown action %q", r.Action)
	}
	roles := make([]string, 0, len(r.Roles))
	for _, role := range r.Roles {
		if role = workflow.NormalizeID(role); role != "" {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return fmt.Errorf("rule for %q lists no roles", r.Action)
	}
	r.Roles = roles
	d.mu.Lock()
	d.rules = append(d.rules, r)
	d.mu.Unlock()
	return nil
}

func (d *Static) UsersWithRole(_ context.Context, role, scope string) ([]string, error) {
	role = workflow.NormalizeID(role)
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for user, grants := range d.grants {
		for _, g := range grants {
			if g.matches(role, scope) {
				out = append(out, user)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *Static) HasRole(_ context.Context, user, role, scope string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hasRole(strings.TrimSpace(user), workflow.NormalizeID(role), scope), nil
}

func (d *Static) hasRole(user, role, scope string) bool {
	for _, g := range d.grants[user] {
		if g.matches(role, scope) {
			return true
		}
	}
	return false
}

// CheckPermission applies deny rules first, then allow rules. Without a
// matching allow rule ordinary actions pass and administrative ones fail.
func (d *Static) CheckPermission(_ context.Context, req engine.PermissionRequest) (engine.PermissionDecision, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	holds := func(r Rule) bool {
		for _, role := range r.Roles {
			if d.hasRole(req.Actor, role, "") {
				return true
			}
		}
		return false
	}
	applies := func(r Rule) bool {
		return r.Action == "" || r.Action == req.Action
	}

	for _, r := range d.rules {
		if r.Effect == Deny && applies(r) && holds(r) {
			return engine.PermissionDecision{Reason: fmt.Sprintf("%s denied by rule", req.Action)}, nil
		}
	}
	constrained := false
	for _, r := range d.rules {
		if r.Effect != Allow || !applies(r) {
			continue
		}
		constrained = true
		if holds(r) {
			return engine.PermissionDecision{Allowed: true}, nil
		}
	}
	if constrained || administrative[req.Action] {
		return engine.PermissionDecision{Reason: fmt.Sprintf("no rule allows %s", req.Action)}, nil
	}
	return engine.PermissionDecision{Allowed: true}, nil
}
