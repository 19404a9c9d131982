package store

import (
	"context"
	"errors"
	"time"

	workflow "github.com/goliatone/go-workflow"
)

var (
	// ErrVersionConflict indicates an optimistic-lock compare-and-set failure.
	ErrVersionConflict = errors.New("instance version conflict")
	// ErrDuplicate indicates an insert for an id that already exists.
	ErrDuplicate = errors.New("record already exists")
	// ErrMissing indicates an update for an id that does not exist.
	ErrMissing = errors.New("record does not exist")
)

// Reader exposes the read paths. Missing single records return (nil, nil).
type Reader interface {
	LoadDefinition(ctx context.Context, id string) (*workflow.Definition, error)
	// ListDefinitions returns every version of name ordered by version; all definitions when name is empty.
	ListDefinitions(ctx context.Context, name string) ([]*workflow.Definition, error)

	LoadInstance(ctx context.Context, id string) (*workflow.Instance, error)
	FindInstancesByEntity(ctx context.Context, ref workflow.EntityRef) ([]*workflow.Instance, error)
	FindInstancesByStatus(ctx context.Context, status workflow.InstanceStatus) ([]*workflow.Instance, error)

	LoadAssignment(ctx context.Context, id string) (*workflow.Assignment, error)
	ListAssignments(ctx context.Context, instanceID string) ([]*workflow.Assignment, error)
	FindAssignmentsByUser(ctx context.Context, user string, openOnly bool) ([]*workflow.Assignment, error)
	// FindDueAssignments returns open assignments matching q, earliest deadline first.
	FindDueAssignments(ctx context.Context, q DueQuery) ([]*workflow.Assignment, error)
	CountOpenAssignmentsByUser(ctx context.Context, user string) (int, error)

	LoadDelegation(ctx context.Context, id string) (*workflow.Delegation, error)
	FindDelegationsFrom(ctx context.Context, fromUser, role string) ([]*workflow.Delegation, error)
	FindDelegationsTo(ctx context.Context, toUser, role string) ([]*workflow.Delegation, error)

	ListTimeline(ctx context.Context, instanceID string) ([]workflow.TimelineEntry, error)
}

// DueQuery selects open assignments with a deadline. Results are ordered by
// (deadline, id) so callers can page with the cursor fields.
type DueQuery struct {
	// Until is the inclusive upper bound on the deadline.
	Until time.Time
	// Since, when set, is an exclusive lower bound on the deadline.
	Since time.Time
	// AfterDeadline and AfterID resume after a previously returned assignment.
	AfterDeadline time.Time
	AfterID       string
	// SkipSignaled drops assignments already flagged overdue.
	SkipSignaled bool
	// SkipReminded drops assignments whose reminder was already sent.
	SkipReminded bool
	Limit        int
}

// Next returns the query for the page following last.
func (q DueQuery) Next(last *workflow.Assignment) DueQuery {
	if last == nil || last.Deadline == nil {
		return q
	}
	q.AfterDeadline = *last.Deadline
	q.AfterID = last.ID
	return q
}

// Match reports whether an open assignment satisfies the query filters.
func (q DueQuery) Match(a *workflow.Assignment) bool {
	if a == nil || !a.Open() || a.Deadline == nil {
		return false
	}
	d := *a.Deadline
	if d.After(q.Until) {
		return false
	}
	if !q.Since.IsZero() && !d.After(q.Since) {
		return false
	}
	if !q.AfterDeadline.IsZero() {
		if d.Before(q.AfterDeadline) || (d.Equal(q.AfterDeadline) && a.ID <= q.AfterID) {
			return false
		}
	}
	if q.SkipSignaled && a.OverdueSignaledAt != nil {
		return false
	}
	if q.SkipReminded && a.ReminderSentAt != nil {
		return false
	}
	return true
}

// Writer exposes the mutations available inside a transaction.
type Writer interface {
	InsertDefinition(ctx context.Context, def *workflow.Definition) error
	SetDefinitionActive(ctx context.Context, id string, active bool) error

	InsertInstance(ctx context.Context, inst *workflow.Instance) error
	// SaveInstanceIfVersion writes inst when the stored version equals expected and returns the new version.
	SaveInstanceIfVersion(ctx context.Context, inst *workflow.Instance, expected int) (int, error)

	InsertAssignment(ctx context.Context, a *workflow.Assignment) error
	UpdateAssignment(ctx context.Context, a *workflow.Assignment) error

	InsertDelegation(ctx context.Context, d *workflow.Delegation) error
	UpdateDelegation(ctx context.Context, d *workflow.Delegation) error

	// AppendTimeline stores an entry and returns it with its insertion sequence.
	// An entry that already carries a sequence keeps it (used by imports).
	AppendTimeline(ctx context.Context, entry workflow.TimelineEntry) (workflow.TimelineEntry, error)
}

// Tx is the transactional store boundary.
type Tx interface {
	Reader
	Writer
}

// Store persists workflow state. All writes go through RunInTx so an instance
// update, its assignments and its timeline entries commit or roll back together.
type Store interface {
	Reader
	RunInTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// OpenAssignment returns the single open assignment of an instance, if any.
func OpenAssignment(ctx context.Context, r Reader, instanceID string) (*workflow.Assignment, error) {
	list, err := r.ListAssignments(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var open *workflow.Assignment
	for _, a := range list {
		if a.Open() {
			open = a
		}
	}
	return open, nil
}
