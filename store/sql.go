package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	workflow "github.com/goliatone/go-workflow"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"

	// timeLayout is fixed width so TEXT columns sort chronologically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	timelineSequence = "timeline"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wf_definitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		document TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (name, version)
	)`,
	`CREATE TABLE IF NOT EXISTS wf_instances (
		id TEXT PRIMARY KEY,
		definition_id TEXT NOT NULL,
		definition_name TEXT NOT NULL,
		definition_version INTEGER NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		current_step TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '',
		started_by TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wf_instances_entity ON wf_instances (entity_type, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_wf_instances_status ON wf_instances (status)`,
	`CREATE TABLE IF NOT EXISTS wf_assignments (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		type TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL DEFAULT '',
		assigned_user TEXT NOT NULL DEFAULT '',
		delegates TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		assigned_at TEXT NOT NULL,
		started_at TEXT NOT NULL DEFAULT '',
		completed_at TEXT NOT NULL DEFAULT '',
		deadline TEXT NOT NULL DEFAULT '',
		completed_by TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		escalated_to TEXT NOT NULL DEFAULT '',
		escalated_at TEXT NOT NULL DEFAULT '',
		escalated_from TEXT NOT NULL DEFAULT '',
		reminder_sent_at TEXT NOT NULL DEFAULT '',
		overdue_signaled_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wf_assignments_instance ON wf_assignments (instance_id, position)`,
	`CREATE INDEX IF NOT EXISTS idx_wf_assignments_user ON wf_assignments (assigned_user, status)`,
	`CREATE INDEX IF NOT EXISTS idx_wf_assignments_deadline ON wf_assignments (status, deadline)`,
	`CREATE TABLE IF NOT EXISTS wf_delegations (
		id TEXT PRIMARY KEY,
		from_user TEXT NOT NULL,
		to_user TEXT NOT NULL,
		role TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		reason TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wf_delegations_from ON wf_delegations (from_user, role)`,
	`CREATE INDEX IF NOT EXISTS idx_wf_delegations_to ON wf_delegations (to_user, role)`,
	`CREATE TABLE IF NOT EXISTS wf_timeline (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL,
		sequence BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wf_timeline_instance ON wf_timeline (instance_id, ts, sequence)`,
	`CREATE TABLE IF NOT EXISTS wf_sequences (
		name TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
	`INSERT INTO wf_sequences (name, value) VALUES ('timeline', 0) ON CONFLICT (name) DO NOTHING`,
}

// SQLStore persists workflow state through sqlx. The schema only uses types
// shared by sqlite3 and postgres; placeholders are rebound per driver.
type SQLStore struct {
	sqlQueries
	db *sqlx.DB
}

// OpenSQLStore opens a database for the driver and ensures the schema.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	driver = strings.TrimSpace(driver)
	if driver != DialectSQLite && driver != DialectPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DialectSQLite {
		if strings.Contains(dsn, ":memory:") {
			// every connection to :memory: is a distinct database
			db.SetMaxOpenConns(1)
		} else if err := configureSQLite(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	store, err := NewSQLStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func configureSQLite(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=30000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("configure sqlite: %w", err)
		}
	}
	return nil
}

// NewSQLStore wraps an open connection and ensures the schema.
func NewSQLStore(ctx context.Context, db *sqlx.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("sql store requires a database")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &SQLStore{sqlQueries: sqlQueries{ext: db}, db: db}, nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunInTx runs fn in a database transaction, committing only when fn succeeds.
func (s *SQLStore) RunInTx(ctx context.Context, fn func(Tx) error) (err error) {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	if fn == nil {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(&sqlQueries{ext: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// sqlQueries implements Tx over either the database or an open transaction.
type sqlQueries struct {
	ext sqlx.ExtContext
}

func (q *sqlQueries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
}

func (q *sqlQueries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *sqlQueries) selectRows(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

type definitionRow struct {
	ID         string `db:"id"`
	Name       string `db:"name"`
	EntityType string `db:"entity_type"`
	Version    int    `db:"version"`
	Active     int    `db:"active"`
	Document   string `db:"document"`
	CreatedAt  string `db:"created_at"`
}

func (r definitionRow) toDefinition() (*workflow.Definition, error) {
	var def workflow.Definition
	if err := json.Unmarshal([]byte(r.Document), &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", r.ID, err)
	}
	def.ID = r.ID
	def.Name = r.Name
	def.EntityType = workflow.EntityType(r.EntityType)
	def.Version = r.Version
	def.Active = r.Active != 0
	def.CreatedAt = parseTime(r.CreatedAt)
	return &def, nil
}

func (q *sqlQueries) LoadDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	var row definitionRow
	err := q.get(ctx, &row, `SELECT * FROM wf_definitions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", id, err)
	}
	return row.toDefinition()
}

func (q *sqlQueries) ListDefinitions(ctx context.Context, name string) ([]*workflow.Definition, error) {
	var rows []definitionRow
	var err error
	if name == "" {
		err = q.selectRows(ctx, &rows, `SELECT * FROM wf_definitions ORDER BY name, version`)
	} else {
		err = q.selectRows(ctx, &rows, `SELECT * FROM wf_definitions WHERE name = ? ORDER BY version`, name)
	}
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	out := make([]*workflow.Definition, 0, len(rows))
	for _, row := range rows {
		def, err := row.toDefinition()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (q *sqlQueries) InsertDefinition(ctx context.Context, def *workflow.Definition) error {
	if def == nil || strings.TrimSpace(def.ID) == "" {
		return errors.New("definition id required")
	}
	var count int
	if err := q.get(ctx, &count, `SELECT COUNT(*) FROM wf_definitions WHERE id = ? OR (name = ? AND version = ?)`,
		def.ID, def.Name, def.Version); err != nil {
		return fmt.Errorf("check definition: %w", err)
	}
	if count > 0 {
		return ErrDuplicate
	}
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	_, err = q.exec(ctx, `INSERT INTO wf_definitions (id, name, entity_type, version, active, document, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, string(def.EntityType), def.Version, boolInt(def.Active), string(doc), formatTime(def.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

func (q *sqlQueries) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	res, err := q.exec(ctx, `UPDATE wf_definitions SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("update definition: %w", err)
	}
	return requireRow(res)
}

type instanceRow struct {
	ID                string `db:"id"`
	DefinitionID      string `db:"definition_id"`
	DefinitionName    string `db:"definition_name"`
	DefinitionVersion int    `db:"definition_version"`
	EntityType        string `db:"entity_type"`
	EntityID          string `db:"entity_id"`
	CurrentStep       string `db:"current_step"`
	Status            string `db:"status"`
	Metadata          string `db:"metadata"`
	StartedBy         string `db:"started_by"`
	StartedAt         string `db:"started_at"`
	CompletedAt       string `db:"completed_at"`
	Version           int    `db:"version"`
}

func (r instanceRow) toInstance() (*workflow.Instance, error) {
	md, err := decodeMetadata(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("decode instance %s metadata: %w", r.ID, err)
	}
	return &workflow.Instance{
		ID:                r.ID,
		DefinitionID:      r.DefinitionID,
		DefinitionName:    r.DefinitionName,
		DefinitionVersion: r.DefinitionVersion,
		Entity:            workflow.EntityRef{Type: workflow.EntityType(r.EntityType), ID: r.EntityID},
		CurrentStep:       r.CurrentStep,
		Status:            workflow.InstanceStatus(r.Status),
		Metadata:          md,
		StartedBy:         r.StartedBy,
		StartedAt:         parseTime(r.StartedAt),
		CompletedAt:       parseTimePtr(r.CompletedAt),
		Version:           r.Version,
	}, nil
}

func instancesFromRows(rows []instanceRow) ([]*workflow.Instance, error) {
	out := make([]*workflow.Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := row.toInstance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (q *sqlQueries) LoadInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	var row instanceRow
	err := q.get(ctx, &row, `SELECT * FROM wf_instances WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return row.toInstance()
}

func (q *sqlQueries) FindInstancesByEntity(ctx context.Context, ref workflow.EntityRef) ([]*workflow.Instance, error) {
	var rows []instanceRow
	if err := q.selectRows(ctx, &rows, `SELECT * FROM wf_instances WHERE entity_type = ? AND entity_id = ?
		ORDER BY started_at, id`, string(ref.Type), ref.ID); err != nil {
		return nil, fmt.Errorf("find instances by entity: %w", err)
	}
	return instancesFromRows(rows)
}

func (q *sqlQueries) FindInstancesByStatus(ctx context.Context, status workflow.InstanceStatus) ([]*workflow.Instance, error) {
	var rows []instanceRow
	if err := q.selectRows(ctx, &rows, `SELECT * FROM wf_instances WHERE status = ? ORDER BY started_at, id`,
		string(status)); err != nil {
		return nil, fmt.Errorf("find instances by status: %w", err)
	}
	return instancesFromRows(rows)
}

func (q *sqlQueries) InsertInstance(ctx context.Context, inst *workflow.Instance) error {
	if inst == nil || strings.TrimSpace(inst.ID) == "" {
		return errors.New("instance id required")
	}
	md, err := encodeJSON(inst.Metadata)
	if err != nil {
		return err
	}
	version := inst.Version
	if version <= 0 {
		version = 1
	}
	var count int
	if err := q.get(ctx, &count, `SELECT COUNT(*) FROM wf_instances WHERE id = ?`, inst.ID); err != nil {
		return fmt.Errorf("check instance: %w", err)
	}
	if count > 0 {
		return ErrDuplicate
	}
	_, err = q.exec(ctx, `INSERT INTO wf_instances (id, definition_id, definition_name, definition_version,
		entity_type, entity_id, current_step, status, metadata, started_by, started_at, completed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.DefinitionName, inst.DefinitionVersion,
		string(inst.Entity.Type), inst.Entity.ID, inst.CurrentStep, string(inst.Status), md,
		inst.StartedBy, formatTime(inst.StartedAt), formatTimePtr(inst.CompletedAt), version)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (q *sqlQueries) SaveInstanceIfVersion(ctx context.Context, inst *workflow.Instance, expected int) (int, error) {
	if inst == nil || strings.TrimSpace(inst.ID) == "" {
		return 0, errors.New("instance id required")
	}
	md, err := encodeJSON(inst.Metadata)
	if err != nil {
		return 0, err
	}
	next := expected + 1
	res, err := q.exec(ctx, `UPDATE wf_instances SET current_step = ?, status = ?, metadata = ?,
		completed_at = ?, version = ? WHERE id = ? AND version = ?`,
		inst.CurrentStep, string(inst.Status), md, formatTimePtr(inst.CompletedAt), next, inst.ID, expected)
	if err != nil {
		return 0, fmt.Errorf("save instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("save instance: %w", err)
	}
	if n == 0 {
		return 0, ErrVersionConflict
	}
	return next, nil
}

type assignmentRow struct {
	ID                string `db:"id"`
	InstanceID        string `db:"instance_id"`
	Position          int    `db:"position"`
	StepID            string `db:"step_id"`
	Type              string `db:"type"`
	Role              string `db:"role"`
	Scope             string `db:"scope"`
	User              string `db:"assigned_user"`
	Delegates         string `db:"delegates"`
	Status            string `db:"status"`
	AssignedAt        string `db:"assigned_at"`
	StartedAt         string `db:"started_at"`
	CompletedAt       string `db:"completed_at"`
	Deadline          string `db:"deadline"`
	CompletedBy       string `db:"completed_by"`
	Action            string `db:"action"`
	Comment           string `db:"comment"`
	EscalatedTo       string `db:"escalated_to"`
	EscalatedAt       string `db:"escalated_at"`
	EscalatedFrom     string `db:"escalated_from"`
	ReminderSentAt    string `db:"reminder_sent_at"`
	OverdueSignaledAt string `db:"overdue_signaled_at"`
}

func (r assignmentRow) toAssignment() (*workflow.Assignment, error) {
	var delegates []string
	if r.Delegates != "" {
		if err := json.Unmarshal([]byte(r.Delegates), &delegates); err != nil {
			return nil, fmt.Errorf("decode assignment %s delegates: %w", r.ID, err)
		}
	}
	if len(delegates) == 0 {
		delegates = nil
	}
	return &workflow.Assignment{
		ID:                r.ID,
		InstanceID:        r.InstanceID,
		StepID:            r.StepID,
		Type:              workflow.AssignmentType(r.Type),
		Role:              r.Role,
		Scope:             r.Scope,
		User:              r.User,
		Delegates:         delegates,
		Status:            workflow.AssignmentStatus(r.Status),
		AssignedAt:        parseTime(r.AssignedAt),
		StartedAt:         parseTimePtr(r.StartedAt),
		CompletedAt:       parseTimePtr(r.CompletedAt),
		Deadline:          parseTimePtr(r.Deadline),
		CompletedBy:       r.CompletedBy,
		Action:            workflow.Action(r.Action),
		Comment:           r.Comment,
		EscalatedTo:       r.EscalatedTo,
		EscalatedAt:       parseTimePtr(r.EscalatedAt),
		EscalatedFrom:     r.EscalatedFrom,
		ReminderSentAt:    parseTimePtr(r.ReminderSentAt),
		OverdueSignaledAt: parseTimePtr(r.OverdueSignaledAt),
	}, nil
}

func assignmentsFromRows(rows []assignmentRow) ([]*workflow.Assignment, error) {
	out := make([]*workflow.Assignment, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAssignment()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (q *sqlQueries) LoadAssignment(ctx context.Context, id string) (*workflow.Assignment, error) {
	var row assignmentRow
	err := q.get(ctx, &row, `SELECT * FROM wf_assignments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load assignment %s: %w", id, err)
	}
	return row.toAssignment()
}

func (q *sqlQueries) ListAssignments(ctx context.Context, instanceID string) ([]*workflow.Assignment, error) {
	var rows []assignmentRow
	if err := q.selectRows(ctx, &rows, `SELECT * FROM wf_assignments WHERE instance_id = ? ORDER BY position`,
		instanceID); err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return assignmentsFromRows(rows)
}

func (q *sqlQueries) FindAssignmentsByUser(ctx context.Context, user string, openOnly bool) ([]*workflow.Assignment, error) {
	var rows []assignmentRow
	var err error
	if openOnly {
		err = q.selectRows(ctx, &rows, `SELECT * FROM wf_assignments WHERE assigned_user = ? AND status IN (?, ?)
			ORDER BY assigned_at, id`, user, string(workflow.AssignmentPending), string(workflow.AssignmentInProgress))
	} else {
		err = q.selectRows(ctx, &rows, `SELECT * FROM wf_assignments WHERE assigned_user = ? ORDER BY assigned_at, id`, user)
	}
	if err != nil {
		return nil, fmt.Errorf("find assignments by user: %w", err)
	}
	return assignmentsFromRows(rows)
}

func (q *sqlQueries) FindDueAssignments(ctx context.Context, dq DueQuery) ([]*workflow.Assignment, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT * FROM wf_assignments WHERE status IN (?, ?) AND deadline <> '' AND deadline <= ?`)
	args := []any{string(workflow.AssignmentPending), string(workflow.AssignmentInProgress), formatTime(dq.Until)}
	if !dq.Since.IsZero() {
		sb.WriteString(` AND deadline > ?`)
		args = append(args, formatTime(dq.Since))
	}
	if !dq.AfterDeadline.IsZero() {
		after := formatTime(dq.AfterDeadline)
		sb.WriteString(` AND (deadline > ? OR (deadline = ? AND id > ?))`)
		args = append(args, after, after, dq.AfterID)
	}
	if dq.SkipSignaled {
		sb.WriteString(` AND overdue_signaled_at = ''`)
	}
	if dq.SkipReminded {
		sb.WriteString(` AND reminder_sent_at = ''`)
	}
	sb.WriteString(` ORDER BY deadline, id`)
	if dq.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, dq.Limit)
	}
	var rows []assignmentRow
	if err := q.selectRows(ctx, &rows, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("find due assignments: %w", err)
	}
	return assignmentsFromRows(rows)
}

func (q *sqlQueries) CountOpenAssignmentsByUser(ctx context.Context, user string) (int, error) {
	var n int
	if err := q.get(ctx, &n, `SELECT COUNT(*) FROM wf_assignments WHERE assigned_user = ? AND status IN (?, ?)`,
		user, string(workflow.AssignmentPending), string(workflow.AssignmentInProgress)); err != nil {
		return 0, fmt.Errorf("count assignments: %w", err)
	}
	return n, nil
}

func (q *sqlQueries) InsertAssignment(ctx context.Context, a *workflow.Assignment) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return errors.New("assignment id required")
	}
	var count int
	if err := q.get(ctx, &count, `SELECT COUNT(*) FROM wf_assignments WHERE id = ?`, a.ID); err != nil {
		return fmt.Errorf("check assignment: %w", err)
	}
	if count > 0 {
		return ErrDuplicate
	}
	var position int
	if err := q.get(ctx, &position, `SELECT COUNT(*) FROM wf_assignments WHERE instance_id = ?`, a.InstanceID); err != nil {
		return fmt.Errorf("position assignment: %w", err)
	}
	delegates, err := encodeDelegates(a.Delegates)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `INSERT INTO wf_assignments (id, instance_id, position, step_id, type, role, scope,
		assigned_user, delegates, status, assigned_at, started_at, completed_at, deadline, completed_by, action,
		comment, escalated_to, escalated_at, escalated_from, reminder_sent_at, overdue_signaled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.InstanceID, position+1, a.StepID, string(a.Type), a.Role, a.Scope,
		a.User, delegates, string(a.Status), formatTime(a.AssignedAt), formatTimePtr(a.StartedAt),
		formatTimePtr(a.CompletedAt), formatTimePtr(a.Deadline), a.CompletedBy, string(a.Action),
		a.Comment, a.EscalatedTo, formatTimePtr(a.EscalatedAt), a.EscalatedFrom,
		formatTimePtr(a.ReminderSentAt), formatTimePtr(a.OverdueSignaledAt))
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (q *sqlQueries) UpdateAssignment(ctx context.Context, a *workflow.Assignment) error {
	if a == nil {
		return errors.New("assignment required")
	}
	delegates, err := encodeDelegates(a.Delegates)
	if err != nil {
		return err
	}
	res, err := q.exec(ctx, `UPDATE wf_assignments SET step_id = ?, type = ?, role = ?, scope = ?, assigned_user = ?,
		delegates = ?, status = ?, assigned_at = ?, started_at = ?, completed_at = ?, deadline = ?, completed_by = ?,
		action = ?, comment = ?, escalated_to = ?, escalated_at = ?, escalated_from = ?, reminder_sent_at = ?,
		overdue_signaled_at = ? WHERE id = ?`,
		a.StepID, string(a.Type), a.Role, a.Scope, a.User,
		delegates, string(a.Status), formatTime(a.AssignedAt), formatTimePtr(a.StartedAt),
		formatTimePtr(a.CompletedAt), formatTimePtr(a.Deadline), a.CompletedBy,
		string(a.Action), a.Comment, a.EscalatedTo, formatTimePtr(a.EscalatedAt), a.EscalatedFrom,
		formatTimePtr(a.ReminderSentAt), formatTimePtr(a.OverdueSignaledAt), a.ID)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	return requireRow(res)
}

type delegationRow struct {
	ID         string `db:"id"`
	FromUser   string `db:"from_user"`
	ToUser     string `db:"to_user"`
	Role       string `db:"role"`
	EntityType string `db:"entity_type"`
	StartAt    string `db:"start_at"`
	EndAt      string `db:"end_at"`
	Active     int    `db:"active"`
	Reason     string `db:"reason"`
	CreatedBy  string `db:"created_by"`
	CreatedAt  string `db:"created_at"`
}

func (r delegationRow) toDelegation() *workflow.Delegation {
	return &workflow.Delegation{
		ID:         r.ID,
		FromUser:   r.FromUser,
		ToUser:     r.ToUser,
		Role:       r.Role,
		EntityType: workflow.EntityType(r.EntityType),
		Start:      parseTime(r.StartAt),
		End:        parseTime(r.EndAt),
		Active:     r.Active != 0,
		Reason:     r.Reason,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  parseTime(r.CreatedAt),
	}
}

func (q *sqlQueries) LoadDelegation(ctx context.Context, id string) (*workflow.Delegation, error) {
	var row delegationRow
	err := q.get(ctx, &row, `SELECT * FROM wf_delegations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load delegation %s: %w", id, err)
	}
	return row.toDelegation(), nil
}

func (q *sqlQueries) findDelegations(ctx context.Context, column, user, role string) ([]*workflow.Delegation, error) {
	query := `SELECT * FROM wf_delegations WHERE ` + column + ` = ?`
	args := []any{user}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, role)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	var rows []delegationRow
	if err := q.selectRows(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("find delegations: %w", err)
	}
	out := make([]*workflow.Delegation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDelegation())
	}
	return out, nil
}

func (q *sqlQueries) FindDelegationsFrom(ctx context.Context, fromUser, role string) ([]*workflow.Delegation, error) {
	return q.findDelegations(ctx, "from_user", fromUser, role)
}

func (q *sqlQueries) FindDelegationsTo(ctx context.Context, toUser, role string) ([]*workflow.Delegation, error) {
	return q.findDelegations(ctx, "to_user", toUser, role)
}

func (q *sqlQueries) InsertDelegation(ctx context.Context, d *workflow.Delegation) error {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return errors.New("delegation id required")
	}
	var count int
	if err := q.get(ctx, &count, `SELECT COUNT(*) FROM wf_delegations WHERE id = ?`, d.ID); err != nil {
		return fmt.Errorf("check delegation: %w", err)
	}
	if count > 0 {
		return ErrDuplicate
	}
	_, err := q.exec(ctx, `INSERT INTO wf_delegations (id, from_user, to_user, role, entity_type, start_at, end_at,
		active, reason, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.FromUser, d.ToUser, d.Role, string(d.EntityType), formatTime(d.Start), formatTime(d.End),
		boolInt(d.Active), d.Reason, d.CreatedBy, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert delegation: %w", err)
	}
	return nil
}

func (q *sqlQueries) UpdateDelegation(ctx context.Context, d *workflow.Delegation) error {
	if d == nil {
		return errors.New("delegation required")
	}
	res, err := q.exec(ctx, `UPDATE wf_delegations SET from_user = ?, to_user = ?, role = ?, entity_type = ?,
		start_at = ?, end_at = ?, active = ?, reason = ? WHERE id = ?`,
		d.FromUser, d.ToUser, d.Role, string(d.EntityType), formatTime(d.Start), formatTime(d.End),
		boolInt(d.Active), d.Reason, d.ID)
	if err != nil {
		return fmt.Errorf("update delegation: %w", err)
	}
	return requireRow(res)
}

type timelineRow struct {
	ID         string `db:"id"`
	InstanceID string `db:"instance_id"`
	StepID     string `db:"step_id"`
	Action     string `db:"action"`
	Status     string `db:"status"`
	Actor      string `db:"actor"`
	Comment    string `db:"comment"`
	Metadata   string `db:"metadata"`
	Timestamp  string `db:"ts"`
	Sequence   int64  `db:"sequence"`
}

func (q *sqlQueries) ListTimeline(ctx context.Context, instanceID string) ([]workflow.TimelineEntry, error) {
	var rows []timelineRow
	if err := q.selectRows(ctx, &rows, `SELECT * FROM wf_timeline WHERE instance_id = ? ORDER BY ts, sequence`,
		instanceID); err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	out := make([]workflow.TimelineEntry, 0, len(rows))
	for _, row := range rows {
		md, err := decodeMetadata(row.Metadata)
		if err != nil {
			return nil, fmt.Errorf("decode timeline %s metadata: %w", row.ID, err)
		}
		out = append(out, workflow.TimelineEntry{
			ID:         row.ID,
			InstanceID: row.InstanceID,
			StepID:     row.StepID,
			Action:     workflow.Action(row.Action),
			Status:     workflow.AssignmentStatus(row.Status),
			Actor:      row.Actor,
			Comment:    row.Comment,
			Metadata:   md,
			Timestamp:  parseTime(row.Timestamp),
			Sequence:   row.Sequence,
		})
	}
	workflow.SortTimeline(out)
	return out, nil
}

func (q *sqlQueries) AppendTimeline(ctx context.Context, entry workflow.TimelineEntry) (workflow.TimelineEntry, error) {
	if strings.TrimSpace(entry.InstanceID) == "" || strings.TrimSpace(entry.ID) == "" {
		return entry, errors.New("timeline entry requires id and instance id")
	}
	seq, err := q.nextSequence(ctx, entry.Sequence)
	if err != nil {
		return entry, err
	}
	entry.Sequence = seq
	md, err := encodeJSON(entry.Metadata)
	if err != nil {
		return entry, err
	}
	_, err = q.exec(ctx, `INSERT INTO wf_timeline (id, instance_id, step_id, action, status, actor, comment, metadata,
		ts, sequence) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.InstanceID, entry.StepID, string(entry.Action), string(entry.Status), entry.Actor,
		entry.Comment, md, formatTime(entry.Timestamp), entry.Sequence)
	if err != nil {
		return entry, fmt.Errorf("append timeline: %w", err)
	}
	entry.Metadata, _ = decodeMetadata(md)
	return entry, nil
}

// nextSequence bumps the timeline counter row. The row update serializes
// concurrent writers for the rest of their transaction.
func (q *sqlQueries) nextSequence(ctx context.Context, explicit int64) (int64, error) {
	if explicit > 0 {
		if _, err := q.exec(ctx, `UPDATE wf_sequences SET value = CASE WHEN value < ? THEN ? ELSE value END WHERE name = ?`,
			explicit, explicit, timelineSequence); err != nil {
			return 0, fmt.Errorf("advance timeline sequence: %w", err)
		}
		return explicit, nil
	}
	if _, err := q.exec(ctx, `UPDATE wf_sequences SET value = value + 1 WHERE name = ?`, timelineSequence); err != nil {
		return 0, fmt.Errorf("advance timeline sequence: %w", err)
	}
	var value int64
	if err := q.get(ctx, &value, `SELECT value FROM wf_sequences WHERE name = ?`, timelineSequence); err != nil {
		return 0, fmt.Errorf("read timeline sequence: %w", err)
	}
	return value, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMissing
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseTimePtr(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t := parseTime(raw)
	return &t
}

func encodeJSON(md workflow.Metadata) (string, error) {
	if md == nil {
		return "", nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw string) (workflow.Metadata, error) {
	if raw == "" {
		return nil, nil
	}
	var md workflow.Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, err
	}
	return md, nil
}

func encodeDelegates(delegates []string) (string, error) {
	if len(delegates) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(delegates)
	if err != nil {
		return "", fmt.Errorf("encode delegates: %w", err)
	}
	return string(raw), nil
}
