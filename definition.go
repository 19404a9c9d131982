package workflow

import (
	"strings"
	"time"
)

// Definition is an immutable, versioned workflow template.
type Definition struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	EntityType  EntityType   `json:"entity_type" yaml:"entity_type"`
	Version     int          `json:"version" yaml:"version"`
	Active      bool         `json:"active" yaml:"active"`
	Steps       []Step       `json:"steps" yaml:"steps"`
	Transitions []Transition `json:"transitions" yaml:"transitions"`
	Conditions  []Condition  `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	VetoRoles   []string     `json:"veto_roles,omitempty" yaml:"veto_roles,omitempty"`
	VetoTarget  string       `json:"veto_target,omitempty" yaml:"veto_target,omitempty"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at,omitempty"`
}

// Step is a named state of the definition graph and its assignment rule.
type Step struct {
	ID                 string         `json:"id" yaml:"id"`
	Name               string         `json:"name,omitempty" yaml:"name,omitempty"`
	Kind               StepKind       `json:"kind" yaml:"kind"`
	AssignmentType     AssignmentType `json:"assignment_type,omitempty" yaml:"assignment_type,omitempty"`
	AssignedRole       string         `json:"assigned_role,omitempty" yaml:"assigned_role,omitempty"`
	AssignedUser       string         `json:"assigned_user,omitempty" yaml:"assigned_user,omitempty"`
	ContextField       string         `json:"context_field,omitempty" yaml:"context_field,omitempty"`
	PinAssignee        bool           `json:"pin_assignee,omitempty" yaml:"pin_assignee,omitempty"`
	Deadline           Duration       `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	EscalateTo         string         `json:"escalate_to,omitempty" yaml:"escalate_to,omitempty"`
	EscalateToType     AssignmentType `json:"escalate_to_type,omitempty" yaml:"escalate_to_type,omitempty"`
	EscalationDeadline Duration       `json:"escalation_deadline,omitempty" yaml:"escalation_deadline,omitempty"`
	NotifyBefore       Duration       `json:"notify_before,omitempty" yaml:"notify_before,omitempty"`
}

// EscalationTargetType returns role unless the step pins a user target.
func (s Step) EscalationTargetType() AssignmentType {
	if s.EscalateToType == AssignUser {
		return AssignUser
	}
	return AssignRole
}

// EscalationWindow is the deadline length for an escalated assignment.
func (s Step) EscalationWindow() time.Duration {
	if !s.EscalationDeadline.IsZero() {
		return s.EscalationDeadline.Duration
	}
	return s.Deadline.Duration
}

// Transition moves an instance from one step to another on an action.
type Transition struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Action    Action `json:"action" yaml:"action"`
	Condition *Expr  `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Condition routes a step to NextStep when its expression matches. Conditions
// are evaluated before the plain transition table.
type Condition struct {
	StepID   string   `json:"step_id" yaml:"step_id"`
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
	NextStep string   `json:"next_step" yaml:"next_step"`
	// Action limits the condition to one action; empty matches any forward action.
	Action Action `json:"action,omitempty" yaml:"action,omitempty"`
}

func (c Condition) Expr() Expr {
	return Expr{Field: c.Field, Operator: c.Operator, Value: c.Value}
}

// AppliesTo reports whether the condition participates in routing the action.
func (c Condition) AppliesTo(action Action) bool {
	if c.Action != "" {
		return c.Action == action
	}
	return action != ActionReject
}

// Normalize trims and lower-cases identifiers in place.
func (d *Definition) Normalize() {
	d.Name = strings.TrimSpace(d.Name)
	d.EntityType = EntityType(normalizeID(string(d.EntityType)))
	d.VetoTarget = normalizeID(d.VetoTarget)
	for i := range d.VetoRoles {
		d.VetoRoles[i] = normalizeID(d.VetoRoles[i])
	}
	for i := range d.Steps {
		st := &d.Steps[i]
		st.ID = normalizeID(st.ID)
		st.Name = strings.TrimSpace(st.Name)
		st.Kind = StepKind(normalizeID(string(st.Kind)))
		st.AssignmentType = AssignmentType(normalizeID(string(st.AssignmentType)))
		st.AssignedRole = normalizeID(st.AssignedRole)
		st.AssignedUser = strings.TrimSpace(st.AssignedUser)
		st.ContextField = strings.TrimSpace(st.ContextField)
		st.EscalateToType = AssignmentType(normalizeID(string(st.EscalateToType)))
		if st.EscalationTargetType() == AssignRole {
			st.EscalateTo = normalizeID(st.EscalateTo)
		} else {
			st.EscalateTo = strings.TrimSpace(st.EscalateTo)
		}
	}
	for i := range d.Transitions {
		tr := &d.Transitions[i]
		tr.From = normalizeID(tr.From)
		tr.To = normalizeID(tr.To)
		tr.Action = Action(normalizeID(string(tr.Action)))
		if tr.Condition != nil {
			if op, err := ParseOperator(string(tr.Condition.Operator)); err == nil {
				tr.Condition.Operator = op
			}
		}
	}
	for i := range d.Conditions {
		c := &d.Conditions[i]
		c.StepID = normalizeID(c.StepID)
		c.NextStep = normalizeID(c.NextStep)
		c.Action = Action(normalizeID(string(c.Action)))
		c.Field = strings.TrimSpace(c.Field)
		if op, err := ParseOperator(string(c.Operator)); err == nil {
			c.Operator = op
		}
	}
}

// Step looks up a step by id.
func (d *Definition) Step(id string) (Step, bool) {
	id = normalizeID(id)
	for _, st := range d.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return Step{}, false
}

// StartStep returns the single start step.
func (d *Definition) StartStep() (Step, bool) {
	for _, st := range d.Steps {
		if st.Kind == StepStart {
			return st, true
		}
	}
	return Step{}, false
}

// FirstStep is the target of the start step's first outgoing transition.
func (d *Definition) FirstStep() (Step, error) {
	start, ok := d.StartStep()
	if !ok {
		return Step{}, validationError("definition has no start step", map[string]any{"definition_id": d.ID})
	}
	for _, tr := range d.Transitions {
		if tr.From != start.ID {
			continue
		}
		next, ok := d.Step(tr.To)
		if !ok {
			break
		}
		return next, nil
	}
	return Step{}, validationError("start step has no outgoing transition", map[string]any{
		"definition_id": d.ID,
		"step":          start.ID,
	})
}

// Route picks the next step for an action: conditions scoped to the step in
// list order first, then the plain transition table.
func (d *Definition) Route(stepID string, action Action, metadata Metadata) (Step, error) {
	stepID = normalizeID(stepID)
	fields := map[string]any{"definition_id": d.ID, "step": stepID, "action": string(action)}

	for idx, cond := range d.Conditions {
		if cond.StepID != stepID || !cond.AppliesTo(action) {
			continue
		}
		ok, err := cond.Expr().Evaluate(metadata)
		if err != nil {
			return Step{}, NewError(ErrInvalidTransition, "condition evaluation failed", err, withField(fields, "condition", idx))
		}
		if !ok {
			continue
		}
		if next, found := d.Step(cond.NextStep); found {
			return next, nil
		}
	}

	for _, tr := range d.Transitions {
		if tr.From != stepID || tr.Action != action {
			continue
		}
		if tr.Condition != nil {
			ok, err := tr.Condition.Evaluate(metadata)
			if err != nil {
				return Step{}, NewError(ErrInvalidTransition, "transition condition evaluation failed", err, fields)
			}
			if !ok {
				continue
			}
		}
		if next, found := d.Step(tr.To); found {
			return next, nil
		}
	}
	return Step{}, NewError(ErrInvalidTransition, "no transition for action from current step", nil, fields)
}

// Successors lists the distinct steps reachable in one hop, transitions first.
func (d *Definition) Successors(stepID string) []string {
	stepID = normalizeID(stepID)
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, tr := range d.Transitions {
		if tr.From == stepID {
			add(tr.To)
		}
	}
	for _, c := range d.Conditions {
		if c.StepID == stepID {
			add(c.NextStep)
		}
	}
	return out
}

// PathBetween returns the shortest step path from one step to another,
// both ends included. It returns nil when the target cannot be reached.
func (d *Definition) PathBetween(from, to string) []string {
	from, to = normalizeID(from), normalizeID(to)
	if from == to {
		return []string{from}
	}
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range d.Successors(cur) {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				path := []string{to}
				for at := cur; at != ""; at = prev[at] {
					path = append([]string{at}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// HasVetoRole reports whether the role is on the veto roster.
func (d *Definition) HasVetoRole(role string) bool {
	role = normalizeID(role)
	for _, r := range d.VetoRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to callers.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Steps = append([]Step(nil), d.Steps...)
	cp.Transitions = make([]Transition, len(d.Transitions))
	for i, tr := range d.Transitions {
		cp.Transitions[i] = tr
		if tr.Condition != nil {
			c := *tr.Condition
			cp.Transitions[i].Condition = &c
		}
	}
	cp.Conditions = append([]Condition(nil), d.Conditions...)
	cp.VetoRoles = append([]string(nil), d.VetoRoles...)
	if len(d.Transitions) == 0 {
		cp.Transitions = nil
	}
	return &cp
}

func withField(fields map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
