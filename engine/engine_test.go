package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/store"
)

func TestStartCreatesSingleAssignmentOnFirstStep(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())

	res := f.start(t, def, "F-1", workflow.Metadata{"department": "ops"})

	assert.Equal(t, "review", res.Instance.CurrentStep)
	assert.Equal(t, workflow.InstanceActive, res.Instance.Status)
	assert.Equal(t, 1, res.Instance.Version)
	require.NotNil(t, res.Next)
	assert.Equal(t, "manager", res.Next.Role)
	assert.Empty(t, res.Next.User)
	assert.Equal(t, workflow.AssignmentPending, res.Next.Status)
	require.NotNil(t, res.Next.Deadline)
	assert.True(t, res.Next.Deadline.Equal(epoch.Add(72*time.Hour)))

	assignments, err := f.engine.Assignments(context.Background(), res.Instance.ID)
	require.NoError(t, err)
	assert.Len(t, assignments, 1)
	assert.Equal(t, []workflow.Action{workflow.ActionSubmit, workflow.ActionAssign}, f.timelineActions(t, res.Instance.ID))
	assert.Equal(t, []EventKind{EventAssign}, f.notifier.kinds())
}

func TestStartRequiresActiveDefinitionAndMatchingEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft, err := f.engine.CreateDefinition(ctx, reviewDefinition())
	require.NoError(t, err)

	_, err = f.engine.Start(ctx, StartRequest{
		DefinitionID: draft.ID,
		Entity:       workflow.EntityRef{Type: workflow.EntityFinding, ID: "F-1"},
	})
	assert.True(t, workflow.IsValidation(err), "inactive definition: %v", err)

	_, err = f.engine.ActivateDefinition(ctx, draft.ID)
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, StartRequest{
		DefinitionID: draft.ID,
		Entity:       workflow.EntityRef{Type: workflow.EntityAudit, ID: "A-1"},
	})
	assert.True(t, workflow.IsValidation(err), "entity mismatch: %v", err)

	_, err = f.engine.Start(ctx, StartRequest{
		DefinitionID: draft.ID,
		Entity:       workflow.EntityRef{Type: workflow.EntityFinding, ID: "F-1"},
		ActorID:      "  ",
	})
	assert.True(t, workflow.IsValidation(err), "missing owner: %v", err)

	_, err = f.engine.Start(ctx, StartRequest{
		DefinitionID: "missing",
		Entity:       workflow.EntityRef{Type: workflow.EntityFinding, ID: "F-1"},
	})
	assert.True(t, workflow.IsNotFound(err))
}

type staticFetcher workflow.Metadata

func (s staticFetcher) FetchEntityMetadata(context.Context, workflow.EntityRef) (workflow.Metadata, error) {
	return workflow.Metadata(s), nil
}

func TestStartFetchesMetadataWhenMissing(t *testing.T) {
	f := newFixture(t, WithMetadataFetcher(staticFetcher{"department": "finance"}))
	def := f.activate(t, reviewDefinition())

	res := f.start(t, def, "F-9", nil)
	assert.Equal(t, "finance", res.Instance.Metadata.String("department"))
}

func TestApproveCompletesInstance(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)
	f.clock.Advance(time.Hour)

	res, err := f.engine.SubmitAction(context.Background(), SubmitRequest{
		InstanceID: started.Instance.ID,
		Action:     workflow.ActionApprove,
		ActorID:    "mia",
		Comment:    "looks good",
	})
	require.NoError(t, err)

	assert.Equal(t, "approved", res.Instance.CurrentStep)
	assert.Equal(t, workflow.InstanceCompleted, res.Instance.Status)
	assert.Equal(t, 2, res.Instance.Version)
	assert.Nil(t, res.Next)
	assert.Equal(t, workflow.AssignmentCompleted, res.Assignment.Status)
	assert.Equal(t, "mia", res.Assignment.CompletedBy)
	assert.Equal(t, "looks good", res.Assignment.Comment)

	assert.Equal(t, []workflow.Action{
		workflow.ActionSubmit, workflow.ActionAssign, workflow.ActionApprove, workflow.ActionComplete,
	}, f.timelineActions(t, started.Instance.ID))

	_, err = f.engine.SubmitAction(context.Background(), SubmitRequest{
		InstanceID: started.Instance.ID,
		Action:     workflow.ActionApprove,
		ActorID:    "mia",
	})
	assert.True(t, workflow.IsInvalidTransition(err))
}

func TestRejectReturnsToDraftWithFreshAssignment(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)
	ctx := context.Background()

	res, err := f.engine.SubmitAction(ctx, SubmitRequest{
		InstanceID: started.Instance.ID,
		Action:     workflow.ActionReject,
		ActorID:    "mia",
	})
	require.NoError(t, err)
	assert.Equal(t, "draft", res.Instance.CurrentStep)
	assert.Equal(t, workflow.InstanceActive, res.Instance.Status)
	assert.Equal(t, workflow.AssignmentRejected, res.Assignment.Status)
	require.NotNil(t, res.Next)
	assert.Equal(t, "draft", res.Next.StepID)
	assert.Equal(t, "alice", res.Next.User)
	assert.NotEqual(t, started.Next.ID, res.Next.ID)

	resubmitted, err := f.engine.SubmitAction(ctx, SubmitRequest{
		InstanceID: started.Instance.ID,
		Action:     workflow.ActionSubmit,
		ActorID:    "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "review", resubmitted.Instance.CurrentStep)
	assert.Equal(t, "manager", resubmitted.Next.Role)

	list, err := f.engine.Assignments(ctx, started.Instance.ID)
	require.NoError(t, err)
	open := 0
	for _, a := range list {
		if a.Open() {
			open++
		}
	}
	assert.Len(t, list, 3)
	assert.Equal(t, 1, open)
}

func TestUnauthorizedActorLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)

	_, err := f.engine.SubmitAction(context.Background(), SubmitRequest{
		InstanceID: started.Instance.ID,
		Action:     workflow.ActionApprove,
		ActorID:    "bob",
	})
	require.Error(t, err)
	assert.True(t, workflow.IsUnauthorized(err))

	inst, err := f.engine.Instance(context.Background(), started.Instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Version)
	assert.Equal(t, "review", inst.CurrentStep)
	assert.Len(t, f.timelineActions(t, inst.ID), 2)
}

type denyAll struct{}

func (denyAll) CheckPermission(context.Context, PermissionRequest) (PermissionDecision, error) {
	return PermissionDecision{Allowed: false, Reason: "frozen"}, nil
}

func TestPermissionCheckerCanDenyRoleHolder(t *testing.T) {
	f := newFixture(t, WithPermissionChecker(denyAll{}))
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)

	_, err := f.engine.SubmitAction(context.Background(), SubmitRequest{
		InstanceID: started.Instance.ID,
		Action:     workflow.ActionApprove,
		ActorID:    "mia",
	})
	assert.True(t, workflow.IsUnauthorized(err))
}

func TestNoMatchingTransitionIsInvalid(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)

	_, err := f.engine.SubmitAction(context.Background(), SubmitRequest{
		InstanceID: started.Instance.ID,
		Action:     workflow.ActionComplete,
		ActorID:    "mia",
	})
	assert.True(t, workflow.IsInvalidTransition(err))
}

func routingDefinition() *workflow.Definition {
	approval := func(id, role string) workflow.Step {
		return workflow.Step{ID: id, Kind: workflow.StepApproval, AssignmentType: workflow.AssignRole, AssignedRole: role}
	}
	return &workflow.Definition{
		Name:       "routing",
		EntityType: workflow.EntityFinding,
		Steps: []workflow.Step{
			{ID: "draft", Kind: workflow.StepStart},
			approval("triage", "manager"),
			approval("board", "director"),
			approval("audit", "director"),
			{ID: "closed", Kind: workflow.StepEnd},
		},
		Transitions: []workflow.Transition{
			{From: "draft", To: "triage", Action: workflow.ActionSubmit},
			{From: "triage", To: "closed", Action: workflow.ActionApprove},
			{From: "board", To: "closed", Action: workflow.ActionApprove},
			{From: "audit", To: "closed", Action: workflow.ActionApprove},
		},
		Conditions: []workflow.Condition{
			{StepID: "triage", Field: "score", Operator: workflow.OpGreaterEqual, Value: 8, NextStep: "board"},
			{StepID: "triage", Field: "score", Operator: workflow.OpGreaterEqual, Value: 5, NextStep: "audit"},
		},
	}
}

func TestConditionsAreEvaluatedInOrderBeforeTransitions(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, routingDefinition())

	cases := []struct {
		score int
		want  string
	}{
		{score: 9, want: "board"},
		{score: 6, want: "audit"},
		{score: 1, want: "closed"},
	}
	for i, tc := range cases {
		started := f.start(t, def, "F-"+string(rune('a'+i)), workflow.Metadata{"score": tc.score})
		res, err := f.engine.SubmitAction(context.Background(), SubmitRequest{
			InstanceID: started.Instance.ID,
			Action:     workflow.ActionApprove,
			ActorID:    "mia",
		})
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Instance.CurrentStep, "score %d", tc.score)
	}
}

func TestConcurrentSubmitsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)

	var (
		wg      sync.WaitGroup
		gate    = make(chan struct{})
		results = make([]error, 2)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-gate
			_, results[i] = f.engine.SubmitAction(context.Background(), SubmitRequest{
				InstanceID:      started.Instance.ID,
				Action:          workflow.ActionApprove,
				ActorID:         "mia",
				ExpectedVersion: started.Instance.Version,
			})
		}(i)
	}
	close(gate)
	wg.Wait()

	var ok, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case workflow.IsConcurrentModification(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	approvals := 0
	for _, action := range f.timelineActions(t, started.Instance.ID) {
		if action == workflow.ActionApprove {
			approvals++
		}
	}
	assert.Equal(t, 1, approvals)

	inst, err := f.engine.Instance(context.Background(), started.Instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, inst.Version)
}

func TestApplyRejectsStaleInstance(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)
	ctx := context.Background()

	stale := started.Instance.Clone()
	_, err := f.engine.Claim(ctx, started.Instance.ID, "mia")
	require.NoError(t, err)

	err = f.engine.apply(ctx, stale, instanceFields(stale), func(tx store.Tx) error {
		t.Fatal("mutation must not run on a stale version")
		return nil
	})
	assert.True(t, workflow.IsConcurrentModification(err))
}

func TestRetryOnConflictRetriesOnlyConflicts(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 3, func(context.Context) error {
		calls++
		if calls < 3 {
			return workflow.NewError(workflow.ErrConcurrentModification, "", nil, nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryOnConflict(context.Background(), 3, func(context.Context) error {
		calls++
		return workflow.NewError(workflow.ErrUnauthorized, "", nil, nil)
	})
	assert.True(t, workflow.IsUnauthorized(err))
	assert.Equal(t, 1, calls)
}

func TestCancelRequiresOwnerOrAdmin(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	ctx := context.Background()

	first := f.start(t, def, "F-1", nil)
	_, err := f.engine.Cancel(ctx, CancelRequest{InstanceID: first.Instance.ID, ActorID: "bob", Reason: "nope"})
	assert.True(t, workflow.IsUnauthorized(err))

	res, err := f.engine.Cancel(ctx, CancelRequest{InstanceID: first.Instance.ID, ActorID: "alice", Reason: "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCancelled, res.Instance.Status)
	assert.NotNil(t, res.Instance.CompletedAt)
	assert.Equal(t, workflow.AssignmentSkipped, res.Assignment.Status)

	entries, err := f.engine.Timeline(ctx, first.Instance.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, workflow.ActionCancel, last.Action)
	assert.Equal(t, "duplicate", last.Comment)

	second := f.start(t, def, "F-2", nil)
	_, err = f.engine.Cancel(ctx, CancelRequest{InstanceID: second.Instance.ID, ActorID: "ada"})
	require.NoError(t, err)
}

func TestClaimAndReassign(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)
	ctx := context.Background()

	_, err := f.engine.Claim(ctx, started.Instance.ID, "bob")
	assert.True(t, workflow.IsUnauthorized(err))

	claimed, err := f.engine.Claim(ctx, started.Instance.ID, "mia")
	require.NoError(t, err)
	assert.Equal(t, "mia", claimed.Assignment.User)
	assert.Equal(t, workflow.AssignmentInProgress, claimed.Assignment.Status)
	assert.Equal(t, 2, claimed.Instance.Version)

	_, err = f.engine.Reassign(ctx, ReassignRequest{InstanceID: started.Instance.ID, ActorID: "mia", ToUser: "sam"})
	assert.True(t, workflow.IsUnauthorized(err))

	moved, err := f.engine.Reassign(ctx, ReassignRequest{InstanceID: started.Instance.ID, ActorID: "ada", ToUser: "sam"})
	require.NoError(t, err)
	assert.Equal(t, workflow.AssignmentSkipped, moved.Assignment.Status)
	assert.Equal(t, "sam", moved.Next.User)
	assert.Equal(t, started.Next.Deadline, moved.Next.Deadline)

	done, err := f.engine.SubmitAction(ctx, SubmitRequest{InstanceID: started.Instance.ID, Action: workflow.ActionApprove, ActorID: "sam"})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, done.Instance.Status)
}

func TestDelegateActsForRoleHolder(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	ctx := context.Background()

	d, err := f.engine.CreateDelegation(ctx, DelegationRequest{
		FromUser: "mia",
		ToUser:   "dan",
		Role:     "manager",
		Start:    epoch.Add(-time.Hour),
		End:      epoch.Add(24 * time.Hour),
		Reason:   "vacation",
		ActorID:  "mia",
	})
	require.NoError(t, err)

	first := f.start(t, def, "F-1", nil)
	assert.Equal(t, []string{"dan"}, first.Next.Delegates)

	res, err := f.engine.SubmitAction(ctx, SubmitRequest{InstanceID: first.Instance.ID, Action: workflow.ActionApprove, ActorID: "dan"})
	require.NoError(t, err)
	assert.Equal(t, "dan", res.Assignment.CompletedBy)

	second := f.start(t, def, "F-2", nil)
	_, err = f.engine.RevokeDelegation(ctx, d.ID, "mia")
	require.NoError(t, err)
	_, err = f.engine.SubmitAction(ctx, SubmitRequest{InstanceID: second.Instance.ID, Action: workflow.ActionApprove, ActorID: "dan"})
	assert.True(t, workflow.IsUnauthorized(err))
}

// stallingStore holds one FindDelegationsTo result until released.
type stallingStore struct {
	store.Store
	once    sync.Once
	fetched chan struct{}
	release chan struct{}
}

func (s *stallingStore) FindDelegationsTo(ctx context.Context, toUser, role string) ([]*workflow.Delegation, error) {
	list, err := s.Store.FindDelegationsTo(ctx, toUser, role)
	s.once.Do(func() {
		close(s.fetched)
		<-s.release
	})
	return list, err
}

func TestRevokeWinsOverInFlightDelegationRead(t *testing.T) {
	backing := &stallingStore{
		Store:   store.NewMemoryStore(),
		fetched: make(chan struct{}),
		release: make(chan struct{}),
	}
	clock := &testClock{now: epoch}
	e, err := New(backing,
		WithClock(clock.Now),
		WithLogger(workflow.NopLogger{}),
		WithRoleDirectory(&testDirectory{roles: map[string][]string{"manager": {"mia"}}}),
		WithDelegationCacheTTL(time.Hour),
	)
	require.NoError(t, err)
	ctx := context.Background()

	d, err := e.CreateDelegation(ctx, DelegationRequest{
		FromUser: "mia",
		ToUser:   "dan",
		Role:     "manager",
		Start:    epoch.Add(-time.Hour),
		End:      epoch.Add(24 * time.Hour),
		ActorID:  "mia",
	})
	require.NoError(t, err)

	done := make(chan []string, 1)
	go func() {
		users, err := e.DelegatorsFor(ctx, "dan", "manager", workflow.EntityFinding, epoch)
		assert.NoError(t, err)
		done <- users
	}()

	<-backing.fetched
	_, err = e.RevokeDelegation(ctx, d.ID, "mia")
	require.NoError(t, err)
	close(backing.release)
	assert.Equal(t, []string{"mia"}, <-done)

	clock.Advance(time.Second)
	users, err := e.DelegatorsFor(ctx, "dan", "manager", workflow.EntityFinding, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestExpiredDelegationNeverAuthorizes(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	ctx := context.Background()

	_, err := f.engine.CreateDelegation(ctx, DelegationRequest{
		FromUser: "mia",
		ToUser:   "dan",
		Role:     "manager",
		Start:    epoch,
		End:      epoch.Add(time.Hour),
	})
	require.NoError(t, err)
	started := f.start(t, def, "F-1", nil)

	active, err := f.engine.IsActive(ctx, "mia", "manager", workflow.EntityFinding, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, active)

	f.clock.Advance(2 * time.Hour)
	_, err = f.engine.SubmitAction(ctx, SubmitRequest{InstanceID: started.Instance.ID, Action: workflow.ActionApprove, ActorID: "dan"})
	assert.True(t, workflow.IsUnauthorized(err))
}

func TestDelegationValidationAndOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateDelegation(ctx, DelegationRequest{FromUser: "mia", ToUser: "mia", Role: "manager", Start: epoch, End: epoch})
	assert.True(t, workflow.IsValidation(err))
	_, err = f.engine.CreateDelegation(ctx, DelegationRequest{FromUser: "mia", ToUser: "dan", Role: "manager", Start: epoch, End: epoch.Add(-time.Minute)})
	assert.True(t, workflow.IsValidation(err))
	_, err = f.engine.CreateDelegation(ctx, DelegationRequest{FromUser: "mia", ToUser: "dan", Role: "manager", Start: epoch, End: epoch.Add(time.Hour), ActorID: "bob"})
	assert.True(t, workflow.IsUnauthorized(err))

	_, err = f.engine.CreateDelegation(ctx, DelegationRequest{FromUser: "mia", ToUser: "dan", Role: "manager", Start: epoch, End: epoch.Add(time.Hour)})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.engine.CreateDelegation(ctx, DelegationRequest{FromUser: "mia", ToUser: "sam", Role: "manager", Start: epoch, End: epoch.Add(time.Hour), ActorID: "ada"})
	require.NoError(t, err)

	d, err := f.engine.ActiveFrom(ctx, "mia", "manager", workflow.EntityFinding, f.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "sam", d.ToUser)
}

func TestVetoSkipsRemainingSteps(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, signoffDefinition())
	started := f.start(t, def, "F-1", nil)
	ctx := context.Background()

	_, err := f.engine.Veto(ctx, VetoRequest{InstanceID: started.Instance.ID, ActorID: "mia"})
	assert.True(t, workflow.IsUnauthorized(err))

	res, err := f.engine.Veto(ctx, VetoRequest{InstanceID: started.Instance.ID, ActorID: "vic", Comment: "override"})
	require.NoError(t, err)
	assert.Equal(t, "approved", res.Instance.CurrentStep)
	assert.Equal(t, workflow.InstanceCompleted, res.Instance.Status)
	assert.Equal(t, workflow.AssignmentSkipped, res.Assignment.Status)

	entries, err := f.engine.Timeline(ctx, started.Instance.ID)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "review", entries[2].StepID)
	assert.Equal(t, workflow.ActionVeto, entries[2].Action)
	assert.Equal(t, workflow.AssignmentSkipped, entries[2].Status)
	assert.Equal(t, "signoff", entries[3].StepID)
	assert.Equal(t, workflow.AssignmentSkipped, entries[3].Status)
	assert.Equal(t, "approved", entries[4].StepID)
	assert.Equal(t, workflow.ActionComplete, entries[4].Action)
}

func TestVetoThroughDelegation(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)
	ctx := context.Background()

	_, err := f.engine.CreateDelegation(ctx, DelegationRequest{
		FromUser: "vic", ToUser: "dan", Role: "ceo", Start: epoch, End: epoch.Add(time.Hour),
	})
	require.NoError(t, err)
	res, err := f.engine.SubmitAction(ctx, SubmitRequest{InstanceID: started.Instance.ID, Action: workflow.ActionVeto, ActorID: "dan"})
	require.NoError(t, err)
	assert.Equal(t, "approved", res.Instance.CurrentStep)
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", workflow.Metadata{"department": "ops", "score": 4})
	ctx := context.Background()
	_, err := f.engine.SubmitAction(ctx, SubmitRequest{InstanceID: started.Instance.ID, Action: workflow.ActionReject, ActorID: "mia", Comment: "missing evidence"})
	require.NoError(t, err)

	snap, err := f.engine.Export(ctx, started.Instance.ID)
	require.NoError(t, err)
	data, err := workflow.MarshalSnapshot(snap)
	require.NoError(t, err)

	restored, err := workflow.UnmarshalSnapshot(data)
	require.NoError(t, err)
	target := newFixture(t)
	require.NoError(t, target.engine.Import(ctx, restored))

	again, err := target.engine.Export(ctx, started.Instance.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Instance, again.Instance)
	assert.Equal(t, snap.Assignments, again.Assignments)
	assert.Equal(t, snap.Timeline, again.Timeline)

	againData, err := workflow.MarshalSnapshot(again)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(againData))

	err = target.engine.Import(ctx, restored)
	assert.True(t, workflow.IsValidation(err))
}

func TestImportedOnHoldInstanceAcceptsNoActions(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)
	ctx := context.Background()

	snap, err := f.engine.Export(ctx, started.Instance.ID)
	require.NoError(t, err)
	snap.Instance.Status = workflow.InstanceOnHold

	target := newFixture(t)
	require.NoError(t, target.engine.Import(ctx, snap))

	_, err = target.engine.SubmitAction(ctx, SubmitRequest{InstanceID: started.Instance.ID, Action: workflow.ActionApprove, ActorID: "mia"})
	assert.True(t, workflow.IsInvalidTransition(err), "on hold: %v", err)

	target.clock.Advance(73 * time.Hour)
	outcome, _, err := target.engine.EscalateOverdue(ctx, started.Next.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestEscalateOverdueOnce(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)
	ctx := context.Background()

	outcome, _, err := f.engine.EscalateOverdue(ctx, started.Next.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	f.clock.Advance(73 * time.Hour)
	outcome, next, err := f.engine.EscalateOverdue(ctx, started.Next.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, outcome)
	assert.Equal(t, "director", next.Role)
	assert.Equal(t, started.Next.ID, next.EscalatedFrom)
	assert.True(t, next.Deadline.Equal(f.clock.Now().Add(72*time.Hour)))

	outcome, _, err = f.engine.EscalateOverdue(ctx, started.Next.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	list, err := f.engine.Assignments(ctx, started.Instance.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, workflow.AssignmentEscalated, list[0].Status)
	assert.Equal(t, "role:director", list[0].EscalatedTo)

	// an escalation is never escalated again, only signaled once
	f.clock.Advance(73 * time.Hour)
	outcome, _, err = f.engine.EscalateOverdue(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOverdue, outcome)
	outcome, _, err = f.engine.EscalateOverdue(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	assert.Equal(t, []EventKind{EventAssign, EventEscalate, EventOverdue}, f.notifier.kinds())

	res, err := f.engine.SubmitAction(ctx, SubmitRequest{InstanceID: started.Instance.ID, Action: workflow.ActionApprove, ActorID: "dora"})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, res.Instance.Status)
}

func TestSendReminderOnceInsideWindow(t *testing.T) {
	f := newFixture(t)
	def := f.activate(t, reviewDefinition())
	started := f.start(t, def, "F-1", nil)
	ctx := context.Background()

	sent, err := f.engine.SendReminder(ctx, started.Next.ID)
	require.NoError(t, err)
	assert.False(t, sent)

	f.clock.Advance(60 * time.Hour)
	sent, err = f.engine.SendReminder(ctx, started.Next.ID)
	require.NoError(t, err)
	assert.True(t, sent)
	sent, err = f.engine.SendReminder(ctx, started.Next.ID)
	require.NoError(t, err)
	assert.False(t, sent)

	assert.Equal(t, []EventKind{EventAssign, EventBeforeDeadline}, f.notifier.kinds())
}

func TestCreateDefinitionVersionsAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := reviewDefinition()
	bad.Steps = append(bad.Steps, workflow.Step{ID: "again", Kind: workflow.StepStart})
	_, err := f.engine.CreateDefinition(ctx, bad)
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
	var defErr *workflow.DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.True(t, defErr.HasIssue(workflow.IssueMultipleStart))

	list, err := f.engine.Definitions(ctx, "finding-review")
	require.NoError(t, err)
	assert.Empty(t, list)

	v1, err := f.engine.CreateDefinition(ctx, reviewDefinition())
	require.NoError(t, err)
	v2, err := f.engine.CreateDefinition(ctx, reviewDefinition())
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)

	_, err = f.engine.ActivateDefinition(ctx, v1.ID)
	require.NoError(t, err)
	_, err = f.engine.ActivateDefinition(ctx, v2.ID)
	require.NoError(t, err)

	active, err := f.engine.ActiveDefinition(ctx, "finding-review")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
	first, err := f.engine.Definition(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, first.Active)
}

func TestPinnedAndAutoAssignments(t *testing.T) {
	f := newFixture(t, WithAutoStrategy(NewRoundRobin()))
	f.dir.roles["analyst"] = []string{"zoe", "ann"}
	f.dir.scoped = map[string]map[string][]string{"analyst": {"ops": {"omar"}}}

	def := reviewDefinition()
	def.Name = "auto"
	def.Steps[1] = workflow.Step{
		ID:             "review",
		Kind:           workflow.StepTask,
		AssignmentType: workflow.AssignAuto,
		AssignedRole:   "analyst",
		ContextField:   "department",
	}
	active := f.activate(t, def)

	scoped := f.start(t, active, "F-1", workflow.Metadata{"department": "ops"})
	assert.Equal(t, "ops", scoped.Next.Scope)
	assert.Equal(t, "omar", scoped.Next.User)

	first := f.start(t, active, "F-2", nil)
	second := f.start(t, active, "F-3", nil)
	assert.Equal(t, "ann", first.Next.User)
	assert.Equal(t, "zoe", second.Next.User)
}

type fixedCounter map[string]int

func (c fixedCounter) CountOpenAssignmentsByUser(_ context.Context, user string) (int, error) {
	return c[user], nil
}

func TestLeastLoadedPicksSmallestWorkload(t *testing.T) {
	strategy := NewLeastLoaded(fixedCounter{"ann": 4, "bo": 1, "cy": 1})
	got, err := strategy.Pick(context.Background(), AutoRequest{Candidates: []string{"cy", "ann", "bo"}})
	require.NoError(t, err)
	assert.Equal(t, "bo", got)

	got, err = FirstEligible{}.Pick(context.Background(), AutoRequest{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
