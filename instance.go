package workflow

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Metadata is a key/value snapshot of entity attributes used by conditions.
type Metadata map[string]any

// Lookup resolves a key, descending into nested maps with dotted paths.
func (m Metadata) Lookup(field string) (any, bool) {
	field = strings.TrimSpace(field)
	if m == nil || field == "" {
		return nil, false
	}
	if v, ok := m[field]; ok {
		return v, true
	}
	parts := strings.Split(field, ".")
	var cur any = map[string]any(m)
	for _, part := range parts {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case Metadata:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}

// String returns the field as a string, or "" when absent.
func (m Metadata) String(field string) string {
	v, ok := m.Lookup(field)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(raw), `"`)
}

// Clone deep copies the snapshot through JSON so callers cannot mutate shared state.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		out := make(Metadata, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Instance is one run of a definition bound to one entity.
type Instance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion int            `json:"definition_version"`
	Entity            EntityRef      `json:"entity"`
	CurrentStep       string         `json:"current_step"`
	Status            InstanceStatus `json:"status"`
	Metadata          Metadata       `json:"metadata,omitempty"`
	StartedBy         string         `json:"started_by,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Version           int            `json:"version"`
}

// Active reports whether the instance still accepts actions.
func (i *Instance) Active() bool {
	return i != nil && i.Status == InstanceActive
}

func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Metadata = i.Metadata.Clone()
	cp.CompletedAt = cloneTime(i.CompletedAt)
	return &cp
}

// Assignment records who is responsible for a step of an instance.
type Assignment struct {
	ID                string           `json:"id"`
	InstanceID        string           `json:"instance_id"`
	StepID            string           `json:"step_id"`
	Type              AssignmentType   `json:"type"`
	Role              string           `json:"role,omitempty"`
	Scope             string           `json:"scope,omitempty"`
	User              string           `json:"user,omitempty"`
	Delegates         []string         `json:"delegates,omitempty"`
	Status            AssignmentStatus `json:"status"`
	AssignedAt        time.Time        `json:"assigned_at"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	Deadline          *time.Time       `json:"deadline,omitempty"`
	CompletedBy       string           `json:"completed_by,omitempty"`
	Action            Action           `json:"action,omitempty"`
	Comment           string           `json:"comment,omitempty"`
	EscalatedTo       string           `json:"escalated_to,omitempty"`
	EscalatedAt       *time.Time       `json:"escalated_at,omitempty"`
	EscalatedFrom     string           `json:"escalated_from,omitempty"`
	ReminderSentAt    *time.Time       `json:"reminder_sent_at,omitempty"`
	OverdueSignaledAt *time.Time       `json:"overdue_signaled_at,omitempty"`
}

// Open reports whether the assignment still awaits an action.
func (a *Assignment) Open() bool {
	return a != nil && a.Status.Open()
}

// Overdue reports whether the deadline passed at the given time.
func (a *Assignment) Overdue(now time.Time) bool {
	return a != nil && a.Open() && a.Deadline != nil && now.After(*a.Deadline)
}

// Assignee describes the responsible actor for logs and notifications.
func (a *Assignment) Assignee() string {
	if a == nil {
		return ""
	}
	if a.User != "" {
		return a.User
	}
	return "role:" + a.Role
}

func (a *Assignment) Clone() *Assignment {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Delegates = append([]string(nil), a.Delegates...)
	if len(a.Delegates) == 0 {
		cp.Delegates = nil
	}
	cp.StartedAt = cloneTime(a.StartedAt)
	cp.CompletedAt = cloneTime(a.CompletedAt)
	cp.Deadline = cloneTime(a.Deadline)
	cp.EscalatedAt = cloneTime(a.EscalatedAt)
	cp.ReminderSentAt = cloneTime(a.ReminderSentAt)
	cp.OverdueSignaledAt = cloneTime(a.OverdueSignaledAt)
	return &cp
}

// Delegation temporarily transfers a role's acting authority between users.
type Delegation struct {
	ID         string     `json:"id"`
	FromUser   string     `json:"from_user"`
	ToUser     string     `json:"to_user"`
	Role       string     `json:"role"`
	EntityType EntityType `json:"entity_type,omitempty"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	Active     bool       `json:"active"`
	Reason     string     `json:"reason,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EffectiveAt reports whether the delegation grants authority at t. The active
// flag alone is not enough: outside [Start, End] it is inactive.
func (d *Delegation) EffectiveAt(t time.Time) bool {
	if d == nil || !d.Active {
		return false
	}
	return !t.Before(d.Start) && !t.After(d.End)
}

// Covers reports whether the delegation matches a role and entity type scope.
func (d *Delegation) Covers(role string, entityType EntityType) bool {
	if d == nil || d.Role != normalizeID(role) {
		return false
	}
	return d.EntityType == "" || d.EntityType == entityType
}

// Validate enforces Start <= End and FromUser != ToUser.
func (d *Delegation) Validate() error {
	fields := map[string]any{"from_user": d.FromUser, "to_user": d.ToUser, "role": d.Role}
	switch {
	case strings.TrimSpace(d.FromUser) == "" || strings.TrimSpace(d.ToUser) == "":
		return validationError("delegation requires from and to users", fields)
	case d.FromUser == d.ToUser:
		return validationError("delegation cannot target the delegating user", fields)
	case strings.TrimSpace(d.Role) == "":
		return validationError("delegation requires a role", fields)
	case d.End.Before(d.Start):
		return validationError("delegation start must not be after end", fields)
	case d.EntityType != "" && !d.EntityType.Valid():
		return validationError("unknown entity type", fields)
	}
	return nil
}

// TimelineEntry is one immutable record of the instance audit trail.
type TimelineEntry struct {
	ID         string           `json:"id"`
	InstanceID string           `json:"instance_id"`
	StepID     string           `json:"step_id"`
	Action     Action           `json:"action"`
	Status     AssignmentStatus `json:"status,omitempty"`
	Actor      string           `json:"actor,omitempty"`
	Comment    string           `json:"comment,omitempty"`
	Metadata   Metadata         `json:"metadata,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Sequence   int64            `json:"sequence"`
}

// SortTimeline orders entries by timestamp with insertion sequence as tie-break.
func SortTimeline(entries []TimelineEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].Sequence < entries[j].Sequence
	})
}

// Snapshot is the serialized form of an instance with its assignments and timeline.
type Snapshot struct {
	Instance    *Instance       `json:"instance"`
	Assignments []*Assignment   `json:"assignments"`
	Timeline    []TimelineEntry `json:"timeline"`
}

// MarshalSnapshot renders a snapshot as JSON.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot reconstructs a snapshot from JSON.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, NewError(ErrValidation, "malformed snapshot", err, nil)
	}
	if s.Instance == nil {
		return nil, validationError("snapshot has no instance", nil)
	}
	return &s, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
