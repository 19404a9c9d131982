package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/engine"
)

func TestStaticScopedRoles(t *testing.T) {
	d, err := FromMap(map[string][]string{
		"mia":  {"manager@ops"},
		"max":  {"Manager@finance"},
		"dora": {"director", "manager"},
	})
	require.NoError(t, err)
	ctx := context.Background()

	users, err := d.UsersWithRole(ctx, "manager", "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"dora", "mia"}, users)

	users, err = d.UsersWithRole(ctx, "manager", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"dora", "max", "mia"}, users)

	ok, err := d.HasRole(ctx, "mia", "manager", "finance")
	require.NoError(t, err)
	assert.False(t, ok)

	d.Revoke("dora", "manager", "")
	ok, err = d.HasRole(ctx, "dora", "manager", "ops")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = FromMap(map[string][]string{"x": {"@ops"}})
	assert.Error(t, err)
}

func TestStaticPermissionRules(t *testing.T) {
	d, err := FromMap(
		map[string][]string{"ada": {"admin"}, "mia": {"manager"}, "tim": {"intern"}},
		Rule{Action: workflow.ActionCancel, Roles: []string{"admin"}, Effect: Allow},
		Rule{Roles: []string{"intern"}, Effect: Deny},
	)
	require.NoError(t, err)
	ctx := context.Background()

	check := func(actor string, action workflow.Action) bool {
		decision, err := d.CheckPermission(ctx, engine.PermissionRequest{Actor: actor, Action: action})
		require.NoError(t, err)
		return decision.Allowed
	}

	assert.True(t, check("ada", workflow.ActionCancel))
	assert.False(t, check("mia", workflow.ActionCancel))
	assert.True(t, check("mia", workflow.ActionApprove))
	assert.False(t, check("tim", workflow.ActionApprove))
	assert.False(t, check("mia", workflow.ActionReassign))

	assert.Error(t, d.AddRule(Rule{Roles: []string{"x"}, Effect: "maybe"}))
	assert.Error(t, d.AddRule(Rule{Effect: Allow}))
}
