package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/store"
)

// DelegationRequest creates a delegation from one user to another.
type DelegationRequest struct {
	FromUser   string
	ToUser     string
	Role       string
	EntityType workflow.EntityType
	Start      time.Time
	End        time.Time
	Reason     string
	// ActorID is the administrator or delegating user; empty means system.
	ActorID string
}

// CreateDelegation stores an active delegation. Overlapping delegations are
// accepted; the most recently created one wins when several are effective.
func (e *Engine) CreateDelegation(ctx context.Context, req DelegationRequest) (out *workflow.Delegation, err error) {
	started := e.clock()
	defer func() { e.observe("create_delegation", started, err) }()

	d := &workflow.Delegation{
		ID:         e.newID(),
		FromUser:   strings.TrimSpace(req.FromUser),
		ToUser:     strings.TrimSpace(req.ToUser),
		Role:       workflow.NormalizeID(req.Role),
		EntityType: workflow.EntityType(workflow.NormalizeID(string(req.EntityType))),
		Start:      req.Start.UTC(),
		End:        req.End.UTC(),
		Active:     true,
		Reason:     strings.TrimSpace(req.Reason),
		CreatedBy:  strings.TrimSpace(req.ActorID),
		CreatedAt:  e.Now(),
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := e.authorizeDelegation(ctx, d.CreatedBy, d.FromUser, workflow.ActionAssign); err != nil {
		return nil, err
	}

	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		return tx.InsertDelegation(ctx, d)
	})
	if err != nil {
		return nil, fmt.Errorf("store delegation: %w", err)
	}
	e.delegations.invalidate()
	e.log(ctx, map[string]any{
		"delegation_id": d.ID,
		"from_user":     d.FromUser,
		"to_user":       d.ToUser,
		"role":          d.Role,
	}).Info("delegation created")
	return d, nil
}

// RevokeDelegation deactivates a delegation.
func (e *Engine) RevokeDelegation(ctx context.Context, id, actorID string) (out *workflow.Delegation, err error) {
	started := e.clock()
	defer func() { e.observe("revoke_delegation", started, err) }()

	id = strings.TrimSpace(id)
	d, err := e.store.LoadDelegation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load delegation: %w", err)
	}
	if d == nil {
		return nil, workflow.NewError(workflow.ErrNotFound, "delegation not found", nil, map[string]any{"delegation_id": id})
	}
	if err := e.authorizeDelegation(ctx, strings.TrimSpace(actorID), d.FromUser, workflow.ActionCancel); err != nil {
		return nil, err
	}
	d.Active = false
	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		return tx.UpdateDelegation(ctx, d)
	})
	if errors.Is(err, store.ErrMissing) {
		return nil, workflow.NewError(workflow.ErrNotFound, "delegation not found", err, map[string]any{"delegation_id": id})
	}
	if err != nil {
		return nil, fmt.Errorf("revoke delegation: %w", err)
	}
	e.delegations.invalidate()
	e.log(ctx, map[string]any{"delegation_id": d.ID, "actor": actorID}).Info("delegation revoked")
	return d, nil
}

// IsActive reports whether user has an effective outgoing delegation for the
// role and entity type at the given time.
func (e *Engine) IsActive(ctx context.Context, user, role string, entityType workflow.EntityType, at time.Time) (bool, error) {
	d, err := e.ActiveFrom(ctx, user, role, entityType, at)
	return d != nil, err
}

// ActiveFrom returns the newest delegation from user effective at the given time.
// An empty role matches delegations of any role.
func (e *Engine) ActiveFrom(ctx context.Context, fromUser, role string, entityType workflow.EntityType, at time.Time) (*workflow.Delegation, error) {
	if fromUser == "" {
		return nil, nil
	}
	list, err := e.delegations.load(ctx, "from|"+fromUser, func(ctx context.Context) ([]*workflow.Delegation, error) {
		return e.store.FindDelegationsFrom(ctx, fromUser, "")
	})
	if err != nil {
		return nil, err
	}
	for _, d := range list {
		if delegationApplies(d, role, entityType, at) {
			return d, nil
		}
	}
	return nil, nil
}

// DelegatorsFor lists the users whose authority for role is delegated to toUser.
func (e *Engine) DelegatorsFor(ctx context.Context, toUser, role string, entityType workflow.EntityType, at time.Time) ([]string, error) {
	if toUser == "" {
		return nil, nil
	}
	list, err := e.delegations.load(ctx, "to|"+toUser, func(ctx context.Context) ([]*workflow.Delegation, error) {
		return e.store.FindDelegationsTo(ctx, toUser, "")
	})
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, d := range list {
		if !delegationApplies(d, role, entityType, at) {
			continue
		}
		if _, ok := seen[d.FromUser]; ok {
			continue
		}
		seen[d.FromUser] = struct{}{}
		out = append(out, d.FromUser)
	}
	return out, nil
}

// Delegations lists delegations created by a user, newest first.
func (e *Engine) Delegations(ctx context.Context, fromUser string) ([]*workflow.Delegation, error) {
	list, err := e.store.FindDelegationsFrom(ctx, strings.TrimSpace(fromUser), "")
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	return list, nil
}

func (e *Engine) authorizeDelegation(ctx context.Context, actor, fromUser string, action workflow.Action) error {
	if actor == "" || actor == fromUser {
		return nil
	}
	admin, err := e.isAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	allowed, reason, err := e.grants(ctx, PermissionRequest{
		Actor:   actor,
		Action:  action,
		Context: map[string]any{"operation": "delegation", "from_user": fromUser},
	})
	if err != nil {
		return err
	}
	if !allowed {
		e.log(ctx, map[string]any{"actor": actor, "from_user": fromUser}).Warn("delegation change denied: %s", reason)
		return workflow.NewError(workflow.ErrUnauthorized, "actor cannot manage delegations for this user", nil, map[string]any{
			"actor":     actor,
			"from_user": fromUser,
		})
	}
	return nil
}

func delegationApplies(d *workflow.Delegation, role string, entityType workflow.EntityType, at time.Time) bool {
	if !d.EffectiveAt(at) {
		return false
	}
	if role == "" {
		return d.EntityType == "" || d.EntityType == entityType
	}
	return d.Covers(role, entityType)
}

// delegationCache keeps raw delegation lists for a short time. Effectiveness
// is always evaluated by the reader so an expired delegation never authorizes.
type delegationCache struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	entries map[string]cachedDelegations
	// generation moves on every invalidate; fetches that started earlier are not stored.
	generation uint64
}

type cachedDelegations struct {
	list    []*workflow.Delegation
	expires time.Time
}

func newDelegationCache(ttl time.Duration, clock func() time.Time) *delegationCache {
	return &delegationCache{ttl: ttl, clock: clock, entries: make(map[string]cachedDelegations)}
}

func (c *delegationCache) load(ctx context.Context, key string, fetch func(context.Context) ([]*workflow.Delegation, error)) ([]*workflow.Delegation, error) {
	var generation uint64
	if c.ttl > 0 {
		c.mu.Lock()
		entry, ok := c.entries[key]
		generation = c.generation
		c.mu.Unlock()
		if ok && c.clock().Before(entry.expires) {
			return entry.list, nil
		}
	}
	list, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("load delegations: %w", err)
	}
	if c.ttl > 0 {
		c.mu.Lock()
		if c.generation == generation {
			c.entries[key] = cachedDelegations{list: list, expires: c.clock().Add(c.ttl)}
		}
		c.mu.Unlock()
	}
	return list, nil
}

func (c *delegationCache) invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cachedDelegations)
	c.generation++
	c.mu.Unlock()
}
