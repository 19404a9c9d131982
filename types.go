package workflow

import (
	"strings"
)

// StepKind classifies a step in a definition graph.
type StepKind string

const (
	StepStart    StepKind = "start"
	StepApproval StepKind = "approval"
	StepTask     StepKind = "task"
	StepDecision StepKind = "decision"
	StepEnd      StepKind = "end"
)

// Valid reports whether the kind is known.
func (k StepKind) Valid() bool {
	switch k {
	case StepStart, StepApproval, StepTask, StepDecision, StepEnd:
		return true
	default:
		return false
	}
}

// Actionable reports whether an assignment can be created for the kind.
func (k StepKind) Actionable() bool {
	switch k {
	case StepApproval, StepTask, StepDecision:
		return true
	default:
		return false
	}
}

// AssignmentType selects how the responsible actor of a step is resolved.
type AssignmentType string

const (
	AssignRole AssignmentType = "role"
	AssignUser AssignmentType = "user"
	AssignAuto AssignmentType = "auto"
)

func (t AssignmentType) Valid() bool {
	switch t {
	case AssignRole, AssignUser, AssignAuto:
		return true
	default:
		return false
	}
}

// InstanceStatus is the lifecycle status of a workflow instance.
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "active"
	InstanceCompleted InstanceStatus = "completed"
	InstanceCancelled InstanceStatus = "cancelled"
	// InstanceOnHold is reserved for instances imported from other systems.
	// No engine operation sets or clears it; like every non-active status it
	// accepts no actions and is skipped by escalation.
	InstanceOnHold InstanceStatus = "on_hold"
)

func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceActive, InstanceCompleted, InstanceCancelled, InstanceOnHold:
		return true
	default:
		return false
	}
}

// AssignmentStatus is the status of a step assignment.
type AssignmentStatus string

const (
	AssignmentPending    AssignmentStatus = "pending"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentRejected   AssignmentStatus = "rejected"
	AssignmentEscalated  AssignmentStatus = "escalated"
	AssignmentSkipped    AssignmentStatus = "skipped"
)

func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentPending, AssignmentInProgress, AssignmentCompleted,
		AssignmentRejected, AssignmentEscalated, AssignmentSkipped:
		return true
	default:
		return false
	}
}

// Open reports whether the assignment still waits for an actor.
func (s AssignmentStatus) Open() bool {
	return s == AssignmentPending || s == AssignmentInProgress
}

// Action is an operation recorded against an instance.
type Action string

const (
	ActionSubmit   Action = "submit"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionAssign   Action = "assign"
	ActionReassign Action = "reassign"
	ActionEscalate Action = "escalate"
	ActionVeto     Action = "veto"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

func (a Action) Valid() bool {
	switch a {
	case ActionSubmit, ActionApprove, ActionReject, ActionAssign, ActionReassign,
		ActionEscalate, ActionVeto, ActionComplete, ActionCancel:
		return true
	default:
		return false
	}
}

// ParseAction normalizes and validates an action name.
func ParseAction(raw string) (Action, error) {
	a := Action(normalizeID(raw))
	if !a.Valid() {
		return "", validationError("unknown action", map[string]any{"action": raw})
	}
	return a, nil
}

// EntityType tags the kind of record an instance is bound to.
type EntityType string

const (
	EntityFinding          EntityType = "finding"
	EntityAction           EntityType = "action"
	EntityAudit            EntityType = "audit"
	EntityCorrectiveAction EntityType = "corrective_action"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityFinding, EntityAction, EntityAudit, EntityCorrectiveAction:
		return true
	default:
		return false
	}
}

// ParseEntityType normalizes and validates an entity type tag.
func ParseEntityType(raw string) (EntityType, error) {
	t := EntityType(normalizeID(raw))
	if !t.Valid() {
		return "", validationError("unknown entity type", map[string]any{"entity_type": raw})
	}
	return t, nil
}

// EntityRef is a polymorphic reference to the record a workflow runs against.
type EntityRef struct {
	Type EntityType `json:"type" yaml:"type"`
	ID   string     `json:"id" yaml:"id"`
}

func (r EntityRef) String() string {
	return string(r.Type) + ":" + r.ID
}

// Validate checks the reference is complete.
func (r EntityRef) Validate() error {
	if !r.Type.Valid() {
		return validationError("unknown entity type", map[string]any{"entity_type": string(r.Type)})
	}
	if strings.TrimSpace(r.ID) == "" {
		return validationError("entity id is required", map[string]any{"entity_type": string(r.Type)})
	}
	return nil
}

func normalizeID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeID lower-cases and trims step ids, roles and action names.
func NormalizeID(s string) string {
	return normalizeID(s)
}
