package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataLookup(t *testing.T) {
	m := Metadata{
		"severity":   "high",
		"owner":      map[string]any{"team": Metadata{"name": "ops"}},
		"dotted.key": 1,
		"amount":     12.5,
	}
	v, ok := m.Lookup("owner.team.name")
	require.True(t, ok)
	assert.Equal(t, "ops", v)

	v, ok = m.Lookup("dotted.key")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Lookup("owner.region")
	assert.False(t, ok)
	assert.Equal(t, "12.5", m.String("amount"))
	assert.Equal(t, "", m.String("missing"))

	cp := m.Clone()
	cp["severity"] = "low"
	assert.Equal(t, "high", m["severity"])
}

func TestDelegationWindow(t *testing.T) {
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	d := &Delegation{FromUser: "mia", ToUser: "max", Role: "manager", Start: start, End: start.Add(48 * time.Hour), Active: true}
	require.NoError(t, d.Validate())

	assert.True(t, d.EffectiveAt(start))
	assert.True(t, d.EffectiveAt(start.Add(48*time.Hour)))
	assert.False(t, d.EffectiveAt(start.Add(-time.Second)))
	assert.False(t, d.EffectiveAt(start.Add(49*time.Hour)))

	d.Active = false
	assert.False(t, d.EffectiveAt(start.Add(time.Hour)))

	assert.True(t, d.Covers("Manager", EntityAudit))
	d.EntityType = EntityFinding
	assert.False(t, d.Covers("manager", EntityAudit))

	for _, bad := range []Delegation{
		{FromUser: "mia", ToUser: "mia", Role: "manager", Start: start, End: start},
		{FromUser: "mia", ToUser: "max", Start: start, End: start},
		{FromUser: "mia", ToUser: "max", Role: "manager", Start: start, End: start.Add(-time.Hour)},
		{FromUser: "", ToUser: "max", Role: "manager", Start: start, End: start},
	} {
		assert.True(t, IsValidation(bad.Validate()))
	}
}

func TestAssignmentState(t *testing.T) {
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	a := &Assignment{Role: "manager", Status: AssignmentPending, Deadline: TimePtr(now)}
	assert.True(t, a.Open())
	assert.False(t, a.Overdue(now))
	assert.True(t, a.Overdue(now.Add(time.Minute)))
	assert.Equal(t, "role:manager", a.Assignee())

	a.User = "mia"
	assert.Equal(t, "mia", a.Assignee())

	cp := a.Clone()
	*cp.Deadline = now.Add(time.Hour)
	assert.True(t, a.Deadline.Equal(now))

	a.Status = AssignmentCompleted
	assert.False(t, a.Overdue(now.Add(time.Hour)))
}

func TestSnapshotRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	snap := &Snapshot{
		Instance: &Instance{
			ID:          "inst-1",
			Entity:      EntityRef{Type: EntityAudit, ID: "a-7"},
			CurrentStep: "review",
			Status:      InstanceActive,
			Metadata:    Metadata{"severity": "high"},
			Version:     3,
			StartedAt:   at,
		},
		Assignments: []*Assignment{{ID: "as-1", InstanceID: "inst-1", StepID: "review", Type: AssignRole, Role: "manager", Status: AssignmentPending, AssignedAt: at}},
		Timeline: []TimelineEntry{
			{ID: "t-2", InstanceID: "inst-1", StepID: "review", Action: ActionAssign, Timestamp: at, Sequence: 2},
			{ID: "t-1", InstanceID: "inst-1", StepID: "draft", Action: ActionSubmit, Timestamp: at, Sequence: 1},
		},
	}
	raw, err := MarshalSnapshot(snap)
	require.NoError(t, err)
	back, err := UnmarshalSnapshot(raw)
	require.NoError(t, err)

	assert.Equal(t, snap.Instance.Version, back.Instance.Version)
	assert.Equal(t, "high", back.Instance.Metadata["severity"])
	assert.True(t, back.Instance.StartedAt.Equal(at))
	require.Len(t, back.Assignments, 1)
	assert.Equal(t, *snap.Assignments[0], *back.Assignments[0])

	SortTimeline(back.Timeline)
	assert.Equal(t, "t-1", back.Timeline[0].ID)

	_, err = UnmarshalSnapshot([]byte(`{"instance":null}`))
	assert.Error(t, err)
}
