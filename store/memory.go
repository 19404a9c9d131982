package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	workflow "github.com/goliatone/go-workflow"
)

// memState is the full in-memory data set. Stored records are never mutated in
// place: every write stores a fresh clone, so copying the maps is enough to
// isolate a transaction.
type memState struct {
	definitions map[string]*workflow.Definition
	instances   map[string]*workflow.Instance
	assignments map[string]*workflow.Assignment
	byInstance  map[string][]string
	delegations map[string]*workflow.Delegation
	timeline    map[string][]workflow.TimelineEntry
	sequence    int64
}

func newMemState() *memState {
	return &memState{
		definitions: make(map[string]*workflow.Definition),
		instances:   make(map[string]*workflow.Instance),
		assignments: make(map[string]*workflow.Assignment),
		byInstance:  make(map[string][]string),
		delegations: make(map[string]*workflow.Delegation),
		timeline:    make(map[string][]workflow.TimelineEntry),
	}
}

func (s *memState) fork() *memState {
	cp := &memState{
		definitions: make(map[string]*workflow.Definition, len(s.definitions)),
		instances:   make(map[string]*workflow.Instance, len(s.instances)),
		assignments: make(map[string]*workflow.Assignment, len(s.assignments)),
		byInstance:  make(map[string][]string, len(s.byInstance)),
		delegations: make(map[string]*workflow.Delegation, len(s.delegations)),
		timeline:    make(map[string][]workflow.TimelineEntry, len(s.timeline)),
		sequence:    s.sequence,
	}
	for k, v := range s.definitions {
		cp.definitions[k] = v
	}
	for k, v := range s.instances {
		cp.instances[k] = v
	}
	for k, v := range s.assignments {
		cp.assignments[k] = v
	}
	for k, v := range s.byInstance {
		cp.byInstance[k] = v
	}
	for k, v := range s.delegations {
		cp.delegations[k] = v
	}
	for k, v := range s.timeline {
		cp.timeline[k] = v
	}
	return cp
}

// MemoryStore is a thread-safe in-memory Store. Transactions are serialized and
// applied copy-on-write, so a failing callback leaves no trace.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// RunInTx applies mutations atomically with rollback on error.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	if fn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{state: s.state.fork()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) read(fn func(*memState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.state)
}

func (s *MemoryStore) LoadDefinition(_ context.Context, id string) (def *workflow.Definition, err error) {
	s.read(func(st *memState) { def = loadDefinition(st, id) })
	return def, nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context, name string) (out []*workflow.Definition, err error) {
	s.read(func(st *memState) { out = listDefinitions(st, name) })
	return out, nil
}

func (s *MemoryStore) LoadInstance(_ context.Context, id string) (inst *workflow.Instance, err error) {
	s.read(func(st *memState) { inst = loadInstance(st, id) })
	return inst, nil
}

func (s *MemoryStore) FindInstancesByEntity(_ context.Context, ref workflow.EntityRef) (out []*workflow.Instance, err error) {
	s.read(func(st *memState) {
		out = filterInstances(st, func(inst *workflow.Instance) bool { return inst.Entity == ref })
	})
	return out, nil
}

func (s *MemoryStore) FindInstancesByStatus(_ context.Context, status workflow.InstanceStatus) (out []*workflow.Instance, err error) {
	s.read(func(st *memState) {
		out = filterInstances(st, func(inst *workflow.Instance) bool { return inst.Status == status })
	})
	return out, nil
}

func (s *MemoryStore) LoadAssignment(_ context.Context, id string) (a *workflow.Assignment, err error) {
	s.read(func(st *memState) { a = loadAssignment(st, id) })
	return a, nil
}

func (s *MemoryStore) ListAssignments(_ context.Context, instanceID string) (out []*workflow.Assignment, err error) {
	s.read(func(st *memState) { out = listAssignments(st, instanceID) })
	return out, nil
}

func (s *MemoryStore) FindAssignmentsByUser(_ context.Context, user string, openOnly bool) (out []*workflow.Assignment, err error) {
	s.read(func(st *memState) { out = assignmentsByUser(st, user, openOnly) })
	return out, nil
}

func (s *MemoryStore) FindDueAssignments(_ context.Context, q DueQuery) (out []*workflow.Assignment, err error) {
	s.read(func(st *memState) { out = findDue(st, q) })
	return out, nil
}

func (s *MemoryStore) CountOpenAssignmentsByUser(_ context.Context, user string) (n int, err error) {
	s.read(func(st *memState) { n = len(assignmentsByUser(st, user, true)) })
	return n, nil
}

func (s *MemoryStore) LoadDelegation(_ context.Context, id string) (d *workflow.Delegation, err error) {
	s.read(func(st *memState) { d = loadDelegation(st, id) })
	return d, nil
}

func (s *MemoryStore) FindDelegationsFrom(_ context.Context, fromUser, role string) (out []*workflow.Delegation, err error) {
	s.read(func(st *memState) {
		out = filterDelegations(st, func(d *workflow.Delegation) bool {
			return d.FromUser == fromUser && (role == "" || d.Role == role)
		})
	})
	return out, nil
}

func (s *MemoryStore) FindDelegationsTo(_ context.Context, toUser, role string) (out []*workflow.Delegation, err error) {
	s.read(func(st *memState) {
		out = filterDelegations(st, func(d *workflow.Delegation) bool {
			return d.ToUser == toUser && (role == "" || d.Role == role)
		})
	})
	return out, nil
}

func (s *MemoryStore) ListTimeline(_ context.Context, instanceID string) (out []workflow.TimelineEntry, err error) {
	s.read(func(st *memState) { out = listTimeline(st, instanceID) })
	return out, nil
}

type memTx struct {
	state *memState
}

func (t *memTx) LoadDefinition(_ context.Context, id string) (*workflow.Definition, error) {
	return loadDefinition(t.state, id), nil
}

func (t *memTx) ListDefinitions(_ context.Context, name string) ([]*workflow.Definition, error) {
	return listDefinitions(t.state, name), nil
}

func (t *memTx) LoadInstance(_ context.Context, id string) (*workflow.Instance, error) {
	return loadInstance(t.state, id), nil
}

func (t *memTx) FindInstancesByEntity(_ context.Context, ref workflow.EntityRef) ([]*workflow.Instance, error) {
	return filterInstances(t.state, func(inst *workflow.Instance) bool { return inst.Entity == ref }), nil
}

func (t *memTx) FindInstancesByStatus(_ context.Context, status workflow.InstanceStatus) ([]*workflow.Instance, error) {
	return filterInstances(t.state, func(inst *workflow.Instance) bool { return inst.Status == status }), nil
}

func (t *memTx) LoadAssignment(_ context.Context, id string) (*workflow.Assignment, error) {
	return loadAssignment(t.state, id), nil
}

func (t *memTx) ListAssignments(_ context.Context, instanceID string) ([]*workflow.Assignment, error) {
	return listAssignments(t.state, instanceID), nil
}

func (t *memTx) FindAssignmentsByUser(_ context.Context, user string, openOnly bool) ([]*workflow.Assignment, error) {
	return assignmentsByUser(t.state, user, openOnly), nil
}

func (t *memTx) FindDueAssignments(_ context.Context, q DueQuery) ([]*workflow.Assignment, error) {
	return findDue(t.state, q), nil
}

func (t *memTx) CountOpenAssignmentsByUser(_ context.Context, user string) (int, error) {
	return len(assignmentsByUser(t.state, user, true)), nil
}

func (t *memTx) LoadDelegation(_ context.Context, id string) (*workflow.Delegation, error) {
	return loadDelegation(t.state, id), nil
}

func (t *memTx) FindDelegationsFrom(_ context.Context, fromUser, role string) ([]*workflow.Delegation, error) {
	return filterDelegations(t.state, func(d *workflow.Delegation) bool {
		return d.FromUser == fromUser && (role == "" || d.Role == role)
	}), nil
}

func (t *memTx) FindDelegationsTo(_ context.Context, toUser, role string) ([]*workflow.Delegation, error) {
	return filterDelegations(t.state, func(d *workflow.Delegation) bool {
		return d.ToUser == toUser && (role == "" || d.Role == role)
	}), nil
}

func (t *memTx) ListTimeline(_ context.Context, instanceID string) ([]workflow.TimelineEntry, error) {
	return listTimeline(t.state, instanceID), nil
}

func (t *memTx) InsertDefinition(_ context.Context, def *workflow.Definition) error {
	if def == nil || strings.TrimSpace(def.ID) == "" {
		return errors.New("definition id required")
	}
	if _, ok := t.state.definitions[def.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range t.state.definitions {
		if existing.Name == def.Name && existing.Version == def.Version {
			return ErrDuplicate
		}
	}
	t.state.definitions[def.ID] = def.Clone()
	return nil
}

func (t *memTx) SetDefinitionActive(_ context.Context, id string, active bool) error {
	def, ok := t.state.definitions[id]
	if !ok {
		return ErrMissing
	}
	cp := def.Clone()
	cp.Active = active
	t.state.definitions[id] = cp
	return nil
}

func (t *memTx) InsertInstance(_ context.Context, inst *workflow.Instance) error {
	if inst == nil || strings.TrimSpace(inst.ID) == "" {
		return errors.New("instance id required")
	}
	if _, ok := t.state.instances[inst.ID]; ok {
		return ErrDuplicate
	}
	cp := inst.Clone()
	if cp.Version <= 0 {
		cp.Version = 1
	}
	t.state.instances[inst.ID] = cp
	return nil
}

func (t *memTx) SaveInstanceIfVersion(_ context.Context, inst *workflow.Instance, expected int) (int, error) {
	if inst == nil || strings.TrimSpace(inst.ID) == "" {
		return 0, errors.New("instance id required")
	}
	current, ok := t.state.instances[inst.ID]
	if !ok || current.Version != expected {
		return 0, ErrVersionConflict
	}
	cp := inst.Clone()
	cp.Version = expected + 1
	t.state.instances[inst.ID] = cp
	return cp.Version, nil
}

func (t *memTx) InsertAssignment(_ context.Context, a *workflow.Assignment) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return errors.New("assignment id required")
	}
	if _, ok := t.state.assignments[a.ID]; ok {
		return ErrDuplicate
	}
	t.state.assignments[a.ID] = a.Clone()
	ids := t.state.byInstance[a.InstanceID]
	t.state.byInstance[a.InstanceID] = append(append(make([]string, 0, len(ids)+1), ids...), a.ID)
	return nil
}

func (t *memTx) UpdateAssignment(_ context.Context, a *workflow.Assignment) error {
	if a == nil {
		return errors.New("assignment required")
	}
	if _, ok := t.state.assignments[a.ID]; !ok {
		return ErrMissing
	}
	t.state.assignments[a.ID] = a.Clone()
	return nil
}

func (t *memTx) InsertDelegation(_ context.Context, d *workflow.Delegation) error {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return errors.New("delegation id required")
	}
	if _, ok := t.state.delegations[d.ID]; ok {
		return ErrDuplicate
	}
	cp := *d
	t.state.delegations[d.ID] = &cp
	return nil
}

func (t *memTx) UpdateDelegation(_ context.Context, d *workflow.Delegation) error {
	if d == nil {
		return errors.New("delegation required")
	}
	if _, ok := t.state.delegations[d.ID]; !ok {
		return ErrMissing
	}
	cp := *d
	t.state.delegations[d.ID] = &cp
	return nil
}

func (t *memTx) AppendTimeline(_ context.Context, entry workflow.TimelineEntry) (workflow.TimelineEntry, error) {
	if strings.TrimSpace(entry.InstanceID) == "" {
		return entry, errors.New("timeline entry requires an instance id")
	}
	if entry.Sequence <= 0 {
		t.state.sequence++
		entry.Sequence = t.state.sequence
	} else if entry.Sequence > t.state.sequence {
		t.state.sequence = entry.Sequence
	}
	entry.Metadata = entry.Metadata.Clone()
	existing := t.state.timeline[entry.InstanceID]
	t.state.timeline[entry.InstanceID] = append(append(make([]workflow.TimelineEntry, 0, len(existing)+1), existing...), entry)
	return entry, nil
}

func loadDefinition(st *memState, id string) *workflow.Definition {
	return st.definitions[id].Clone()
}

func listDefinitions(st *memState, name string) []*workflow.Definition {
	out := make([]*workflow.Definition, 0)
	for _, def := range st.definitions {
		if name == "" || def.Name == name {
			out = append(out, def.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func loadInstance(st *memState, id string) *workflow.Instance {
	return st.instances[id].Clone()
}

func filterInstances(st *memState, keep func(*workflow.Instance) bool) []*workflow.Instance {
	out := make([]*workflow.Instance, 0)
	for _, inst := range st.instances {
		if keep(inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func loadAssignment(st *memState, id string) *workflow.Assignment {
	return st.assignments[id].Clone()
}

func listAssignments(st *memState, instanceID string) []*workflow.Assignment {
	ids := st.byInstance[instanceID]
	out := make([]*workflow.Assignment, 0, len(ids))
	for _, id := range ids {
		if a, ok := st.assignments[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

func assignmentsByUser(st *memState, user string, openOnly bool) []*workflow.Assignment {
	out := make([]*workflow.Assignment, 0)
	for _, a := range st.assignments {
		if a.User != user || (openOnly && !a.Open()) {
			continue
		}
		out = append(out, a.Clone())
	}
	sortAssignments(out)
	return out
}

func findDue(st *memState, q DueQuery) []*workflow.Assignment {
	out := make([]*workflow.Assignment, 0)
	for _, a := range st.assignments {
		if !q.Match(a) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(*out[j].Deadline) {
			return out[i].Deadline.Before(*out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func sortAssignments(list []*workflow.Assignment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].AssignedAt.Equal(list[j].AssignedAt) {
			return list[i].AssignedAt.Before(list[j].AssignedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func loadDelegation(st *memState, id string) *workflow.Delegation {
	d, ok := st.delegations[id]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

func filterDelegations(st *memState, keep func(*workflow.Delegation) bool) []*workflow.Delegation {
	out := make([]*workflow.Delegation, 0)
	for _, d := range st.delegations {
		if keep(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortDelegations(out)
	return out
}

// sortDelegations orders newest first.
func sortDelegations(list []*workflow.Delegation) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}

func listTimeline(st *memState, instanceID string) []workflow.TimelineEntry {
	entries := st.timeline[instanceID]
	out := make([]workflow.TimelineEntry, len(entries))
	for i, e := range entries {
		e.Metadata = e.Metadata.Clone()
		out[i] = e
	}
	workflow.SortTimeline(out)
	return out
}
