package workflow

import (
	"fmt"
	"strings"
)

// Validate checks the definition graph and assignment rules. All findings are
// reported together in a *DefinitionError.
func (d *Definition) Validate() error {
	v := graphValidator{def: d}
	v.run()
	if len(v.issues) == 0 {
		return nil
	}
	return &DefinitionError{Definition: d.Name, Issues: v.issues}
}

type graphValidator struct {
	def    *Definition
	steps  map[string]Step
	issues []GraphIssue
}

func (v *graphValidator) add(code IssueCode, ref, format string, args ...any) {
	v.issues = append(v.issues, GraphIssue{Code: code, Ref: ref, Message: fmt.Sprintf(format, args...)})
}

func (v *graphValidator) run() {
	d := v.def
	if strings.TrimSpace(d.Name) == "" {
		v.add(IssueMissingField, "name", "definition name is required")
	}
	if d.EntityType != "" && !d.EntityType.Valid() {
		v.add(IssueMissingField, "entity_type", "unknown entity type %q", d.EntityType)
	}

	v.steps = make(map[string]Step, len(d.Steps))
	var starts, ends int
	for _, st := range d.Steps {
		if st.ID == "" {
			v.add(IssueMissingField, "steps", "step id is required")
			continue
		}
		if _, dup := v.steps[st.ID]; dup {
			v.add(IssueDuplicateStep, st.ID, "duplicate step id")
			continue
		}
		v.steps[st.ID] = st
		if !st.Kind.Valid() {
			v.add(IssueInvalidKind, st.ID, "unknown step kind %q", st.Kind)
			continue
		}
		switch st.Kind {
		case StepStart:
			starts++
		case StepEnd:
			ends++
		}
	}
	switch {
	case starts == 0:
		v.add(IssueMissingStart, "", "definition requires exactly one start step")
	case starts > 1:
		v.add(IssueMultipleStart, "", "definition has %d start steps, expected one", starts)
	}
	if ends == 0 {
		v.add(IssueMissingEnd, "", "definition requires at least one end step")
	}

	for _, st := range d.Steps {
		v.checkRule(st)
	}
	v.checkReferences()
	v.checkVeto()
	if ends > 0 {
		v.checkReachability()
	}
	if starts == 1 {
		v.checkStartExit()
	}
}

func (v *graphValidator) checkRule(st Step) {
	if !st.Kind.Actionable() {
		return
	}
	switch st.AssignmentType {
	case AssignRole, AssignAuto:
		if st.AssignedRole == "" {
			v.add(IssueInvalidRule, st.ID, "%s assignment requires assigned_role", st.AssignmentType)
		}
	case AssignUser:
		if st.AssignedUser == "" {
			v.add(IssueInvalidRule, st.ID, "user assignment requires assigned_user")
		}
	default:
		v.add(IssueInvalidRule, st.ID, "unknown assignment type %q", st.AssignmentType)
	}
	if st.EscalateToType != "" && st.EscalateToType != AssignRole && st.EscalateToType != AssignUser {
		v.add(IssueInvalidRule, st.ID, "escalation target type must be role or user")
	}
	if st.EscalateTo == "" && !st.EscalationDeadline.IsZero() {
		v.add(IssueInvalidRule, st.ID, "escalation_deadline set without escalate_to")
	}
}

func (v *graphValidator) checkReferences() {
	d := v.def
	for idx, tr := range d.Transitions {
		ref := fmt.Sprintf("transitions[%d]", idx)
		if _, ok := v.steps[tr.From]; !ok {
			v.add(IssueDanglingReference, ref, "unknown from step %q", tr.From)
		}
		if _, ok := v.steps[tr.To]; !ok {
			v.add(IssueDanglingReference, ref, "unknown to step %q", tr.To)
		}
		if !tr.Action.Valid() {
			v.add(IssueMissingField, ref, "unknown action %q", tr.Action)
		}
		if tr.Condition != nil && !tr.Condition.Operator.Valid() {
			v.add(IssueInvalidOperator, ref, "unknown operator %q", tr.Condition.Operator)
		}
	}
	for idx, c := range d.Conditions {
		ref := fmt.Sprintf("conditions[%d]", idx)
		if _, ok := v.steps[c.StepID]; !ok {
			v.add(IssueDanglingReference, ref, "unknown step %q", c.StepID)
		}
		if _, ok := v.steps[c.NextStep]; !ok {
			v.add(IssueDanglingReference, ref, "unknown next step %q", c.NextStep)
		}
		if c.Field == "" {
			v.add(IssueMissingField, ref, "condition field is required")
		}
		if !c.Operator.Valid() {
			v.add(IssueInvalidOperator, ref, "unknown operator %q", c.Operator)
		} else if (c.Operator == OpIn || c.Operator == OpNotIn) && !isList(c.Value) {
			v.add(IssueInvalidOperator, ref, "operator %s requires a list value", c.Operator)
		}
		if c.Action != "" && !c.Action.Valid() {
			v.add(IssueMissingField, ref, "unknown action %q", c.Action)
		}
	}
}

func (v *graphValidator) checkVeto() {
	d := v.def
	if len(d.VetoRoles) == 0 {
		if d.VetoTarget != "" {
			if _, ok := v.steps[d.VetoTarget]; !ok {
				v.add(IssueInvalidVetoTarget, d.VetoTarget, "veto target is not a step")
			}
		}
		return
	}
	if d.VetoTarget == "" {
		v.add(IssueInvalidVetoTarget, "", "veto roles require an explicit veto_target")
		return
	}
	st, ok := v.steps[d.VetoTarget]
	if !ok {
		v.add(IssueInvalidVetoTarget, d.VetoTarget, "veto target is not a step")
		return
	}
	if st.Kind != StepEnd {
		v.add(IssueInvalidVetoTarget, d.VetoTarget, "veto target must be an end step")
	}
}

// checkReachability walks edges backwards from every end step; any step not
// visited cannot finish.
func (v *graphValidator) checkReachability() {
	d := v.def
	reverse := make(map[string][]string)
	for _, tr := range d.Transitions {
		reverse[tr.To] = append(reverse[tr.To], tr.From)
	}
	for _, c := range d.Conditions {
		reverse[c.NextStep] = append(reverse[c.NextStep], c.StepID)
	}
	visited := make(map[string]bool, len(v.steps))
	var queue []string
	for _, st := range d.Steps {
		if st.Kind == StepEnd && !visited[st.ID] {
			visited[st.ID] = true
			queue = append(queue, st.ID)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, prev := range reverse[cur] {
			if !visited[prev] {
				visited[prev] = true
				queue = append(queue, prev)
			}
		}
	}
	for _, st := range d.Steps {
		if st.ID != "" && !visited[st.ID] {
			v.add(IssueUnreachableEnd, st.ID, "no end step is reachable from this step")
		}
	}
}

func (v *graphValidator) checkStartExit() {
	start, _ := v.def.StartStep()
	for _, tr := range v.def.Transitions {
		if tr.From == start.ID {
			if target, ok := v.steps[tr.To]; ok && target.Kind == StepStart {
				v.add(IssueInvalidRule, start.ID, "start step cannot transition to itself")
			}
			return
		}
	}
	v.add(IssueDanglingReference, start.ID, "start step requires an outgoing transition")
}

func isList(v any) bool {
	_, ok := asList(v)
	return ok
}
