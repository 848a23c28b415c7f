// internal/store/tasks.go
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agoralab/agora/internal/tasks"
)

const taskColumns = `id, title, description, type, complexity, risk, strategy, created_by,
	assignees, status, role, round, parent_id, result_summary, metadata,
	created_at, updated_at, completed_at, due_at`

// StatusPatch carries the optional fields UpdateTaskStatus may set
// together with the status change.
type StatusPatch struct {
	Assignees     []string
	Strategy      *tasks.RoutingStrategy
	Role          *tasks.WorkflowRole
	Round         *int
	ResultSummary *string
	Metadata      map[string]string // merged into existing metadata
	ChangedBy     string
	Reason        string
}

// CreateTask validates and persists a new task, assigning an ID if absent.
// Returns the canonical ID.
func (s *Store) CreateTask(t *tasks.Task) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = tasks.StatusPending
	}
	if t.Role == "" {
		t.Role = tasks.RoleExecution
	}

	assignees, _ := json.Marshal(t.Assignees)
	metadata, _ := json.Marshal(t.Metadata)

	_, err := s.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.Title, t.Description, t.Type, t.Complexity, t.Risk,
		string(t.Strategy), t.CreatedBy, string(assignees), t.Status, t.Role,
		t.Round, t.ParentID, t.ResultSummary, string(metadata),
		t.CreatedAt, t.UpdatedAt, t.CompletedAt, t.DueAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// GetTask retrieves a task snapshot by ID
func (s *Store) GetTask(id string) (*tasks.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// UpdateTaskStatus performs a compare-and-set on the task status and
// applies the patch in the same transaction. Returns ErrConflict when
// the stored status no longer matches expectedFrom, and ErrInvalid when
// the transition is not permitted by the lifecycle.
func (s *Store) UpdateTaskStatus(id string, expectedFrom, to tasks.Status, patch StatusPatch) error {
	if !tasks.CanTransition(expectedFrom, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrInvalid, expectedFrom, to)
	}

	return s.inTx(func(tx *sql.Tx) error {
		return applyStatusChange(tx, id, expectedFrom, to, patch)
	})
}

// applyStatusChange is the shared CAS body, usable inside a larger transaction
func applyStatusChange(tx *sql.Tx, id string, expectedFrom, to tasks.Status, patch StatusPatch) error {
	var current string
	var rawMeta sql.NullString
	err := tx.QueryRow(`SELECT status, metadata FROM tasks WHERE id = ?`, id).Scan(&current, &rawMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if tasks.Status(current) != expectedFrom {
		return fmt.Errorf("%w: status is %s, expected %s", ErrConflict, current, expectedFrom)
	}

	now := time.Now().UTC()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(to), now}

	if patch.Assignees != nil {
		raw, _ := json.Marshal(patch.Assignees)
		sets = append(sets, "assignees = ?")
		args = append(args, string(raw))
	}
	if patch.Strategy != nil {
		sets = append(sets, "strategy = ?")
		args = append(args, string(*patch.Strategy))
	}
	if patch.Role != nil {
		sets = append(sets, "role = ?")
		args = append(args, string(*patch.Role))
	}
	if patch.Round != nil {
		sets = append(sets, "round = ?")
		args = append(args, *patch.Round)
	}
	if patch.ResultSummary != nil {
		sets = append(sets, "result_summary = ?")
		args = append(args, *patch.ResultSummary)
	}
	if len(patch.Metadata) > 0 {
		merged := make(map[string]string)
		if rawMeta.Valid && rawMeta.String != "" {
			json.Unmarshal([]byte(rawMeta.String), &merged)
		}
		for k, v := range patch.Metadata {
			merged[k] = v
		}
		raw, _ := json.Marshal(merged)
		sets = append(sets, "metadata = ?")
		args = append(args, string(raw))
	}
	if tasks.IsTerminal(to) {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}

	args = append(args, id)
	if _, err := tx.Exec(`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO task_history (task_id, from_status, to_status, changed_by, reason, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, string(expectedFrom), string(to), patch.ChangedBy, patch.Reason, now)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// TaskFilter narrows ListTasks results
type TaskFilter struct {
	Status        tasks.Status
	Type          tasks.Type
	AgentID       string // assignee or creator
	MinRisk       int
	MaxRisk       int
	MinComplexity int
	MaxComplexity int
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	OrderBy       string // column name, default created_at
	Descending    bool
	Limit         int
	Offset        int
}

var orderColumns = map[string]bool{
	"created_at": true, "updated_at": true, "completed_at": true,
	"complexity": true, "risk": true, "status": true, "type": true, "title": true,
}

// ListTasks returns a filtered, ordered page of tasks plus the total match count
func (s *Store) ListTasks(f TaskFilter) ([]*tasks.Task, int, error) {
	var where []string
	var args []interface{}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.AgentID != "" {
		where = append(where, `(created_by = ? OR EXISTS (
			SELECT 1 FROM json_each(tasks.assignees) WHERE json_each.value = ?))`)
		args = append(args, f.AgentID, f.AgentID)
	}
	if f.MinRisk > 0 {
		where = append(where, "risk >= ?")
		args = append(args, f.MinRisk)
	}
	if f.MaxRisk > 0 {
		where = append(where, "risk <= ?")
		args = append(args, f.MaxRisk)
	}
	if f.MinComplexity > 0 {
		where = append(where, "complexity >= ?")
		args = append(args, f.MinComplexity)
	}
	if f.MaxComplexity > 0 {
		where = append(where, "complexity <= ?")
		args = append(args, f.MaxComplexity)
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *f.CreatedBefore)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	order := "created_at"
	if orderColumns[f.OrderBy] {
		order = f.OrderBy
	}
	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + clause + ` ORDER BY ` + order + ` ` + dir
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	list, err := scanTasks(rows)
	return list, total, err
}

// GetPendingFor returns tasks assigned to the agent that await its input
func (s *Store) GetPendingFor(agentID string) ([]*tasks.Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?)
		AND EXISTS (SELECT 1 FROM json_each(tasks.assignees) WHERE json_each.value = ?)
		ORDER BY created_at
	`, string(tasks.StatusAssigned), string(tasks.StatusWaitingInput), agentID)
	if err != nil {
		return nil, fmt.Errorf("pending tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// HistoryEntry is one recorded status transition
type HistoryEntry struct {
	TaskID     string    `json:"task_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ChangedBy  string    `json:"changed_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// GetHistory returns the transition audit trail for a task, oldest first
func (s *Store) GetHistory(taskID string) ([]HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT task_id, from_status, to_status, changed_by, reason, changed_at
		FROM task_history WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var changedBy, reason sql.NullString
		if err := rows.Scan(&e.TaskID, &e.FromStatus, &e.ToStatus, &changedBy, &reason, &e.ChangedAt); err != nil {
			return nil, err
		}
		e.ChangedBy = changedBy.String
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	var t tasks.Task
	var strategy, createdBy, parentID, resultSummary sql.NullString
	var assignees, metadata sql.NullString
	var completedAt, dueAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Type, &t.Complexity, &t.Risk,
		&strategy, &createdBy, &assignees, &t.Status, &t.Role, &t.Round,
		&parentID, &resultSummary, &metadata,
		&t.CreatedAt, &t.UpdatedAt, &completedAt, &dueAt,
	)
	if err != nil {
		return nil, err
	}

	t.Strategy = tasks.RoutingStrategy(strategy.String)
	t.CreatedBy = createdBy.String
	t.ParentID = parentID.String
	t.ResultSummary = resultSummary.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.Time
	}
	if assignees.Valid && assignees.String != "" {
		if err := json.Unmarshal([]byte(assignees.String), &t.Assignees); err != nil {
			t.Assignees = nil
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			t.Metadata = make(map[string]string)
		}
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*tasks.Task, error) {
	var list []*tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
