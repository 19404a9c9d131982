package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/store"
)

var epoch = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testDirectory maps roles to users; scoped entries override by scope.
type testDirectory struct {
	mu     sync.Mutex
	roles  map[string][]string
	scoped map[string]map[string][]string
}

func (d *testDirectory) UsersWithRole(_ context.Context, role, scope string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if scope != "" {
		if users, ok := d.scoped[role][scope]; ok {
			return append([]string(nil), users...), nil
		}
	}
	return append([]string(nil), d.roles[role]...), nil
}

func (d *testDirectory) HasRole(ctx context.Context, user, role, scope string) (bool, error) {
	users, _ := d.UsersWithRole(ctx, role, scope)
	for _, u := range users {
		if u == user {
			return true, nil
		}
	}
	return false, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) record(evt Event) error {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) OnAssign(_ context.Context, evt Event) error       { return n.record(evt) }
func (n *recordingNotifier) BeforeDeadline(_ context.Context, evt Event) error { return n.record(evt) }
func (n *recordingNotifier) OnOverdue(_ context.Context, evt Event) error      { return n.record(evt) }
func (n *recordingNotifier) OnEscalate(_ context.Context, evt Event) error     { return n.record(evt) }

func (n *recordingNotifier) kinds() []EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventKind, 0, len(n.events))
	for _, evt := range n.events {
		out = append(out, evt.Kind)
	}
	return out
}

type fixture struct {
	engine   *Engine
	store    store.Store
	clock    *testClock
	dir      *testDirectory
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		clock: &testClock{now: epoch},
		dir: &testDirectory{
			roles: map[string][]string{
				"manager":  {"mia"},
				"director": {"dora"},
				"ceo":      {"vic"},
				"admin":    {"ada"},
			},
		},
		notifier: &recordingNotifier{},
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithLogger(workflow.NopLogger{}),
		WithRoleDirectory(f.dir),
		WithNotifier(f.notifier),
		WithAdminRoles("admin"),
	}
	e, err := New(f.store, append(base, opts...)...)
	require.NoError(t, err)
	f.engine = e
	return f
}

// reviewDefinition is draft(start) -> review(manager, 3d, escalate director) -> approved(end).
func reviewDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:       "finding-review",
		EntityType: workflow.EntityFinding,
		Steps: []workflow.Step{
			{ID: "draft", Kind: workflow.StepStart},
			{
				ID:             "review",
				Kind:           workflow.StepApproval,
				AssignmentType: workflow.AssignRole,
				AssignedRole:   "manager",
				Deadline:       workflow.MustParseDuration("3d"),
				EscalateTo:     "director",
				NotifyBefore:   workflow.MustParseDuration("1d"),
			},
			{ID: "approved", Kind: workflow.StepEnd},
		},
		Transitions: []workflow.Transition{
			{From: "draft", To: "review", Action: workflow.ActionSubmit},
			{From: "review", To: "approved", Action: workflow.ActionApprove},
			{From: "review", To: "draft", Action: workflow.ActionReject},
		},
		VetoRoles:  []string{"ceo"},
		VetoTarget: "approved",
	}
}

// signoffDefinition adds a second approval between review and approved.
func signoffDefinition() *workflow.Definition {
	def := reviewDefinition()
	def.Name = "finding-signoff"
	def.Steps = []workflow.Step{
		def.Steps[0],
		def.Steps[1],
		{ID: "signoff", Kind: workflow.StepApproval, AssignmentType: workflow.AssignUser, AssignedUser: "dora"},
		def.Steps[2],
	}
	def.Transitions = []workflow.Transition{
		{From: "draft", To: "review", Action: workflow.ActionSubmit},
		{From: "review", To: "signoff", Action: workflow.ActionApprove},
		{From: "signoff", To: "approved", Action: workflow.ActionApprove},
		{From: "review", To: "draft", Action: workflow.ActionReject},
	}
	return def
}

func (f *fixture) activate(t *testing.T, def *workflow.Definition) *workflow.Definition {
	t.Helper()
	ctx := context.Background()
	created, err := f.engine.CreateDefinition(ctx, def)
	require.NoError(t, err)
	active, err := f.engine.ActivateDefinition(ctx, created.ID)
	require.NoError(t, err)
	return active
}

func (f *fixture) start(t *testing.T, def *workflow.Definition, entityID string, md workflow.Metadata) *Result {
	t.Helper()
	res, err := f.engine.Start(context.Background(), StartRequest{
		DefinitionID: def.ID,
		Entity:       workflow.EntityRef{Type: workflow.EntityFinding, ID: entityID},
		Metadata:     md,
		ActorID:      "alice",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) timelineActions(t *testing.T, instanceID string) []workflow.Action {
	t.Helper()
	entries, err := f.engine.Timeline(context.Background(), instanceID)
	require.NoError(t, err)
	out := make([]workflow.Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}
