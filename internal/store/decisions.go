// internal/store/decisions.go
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

const decisionColumns = `id, task_id, strategy, consensus, winner_id, runner_ups,
	content, confidence, total_tokens, tokens_saved, partial, rationale, decided_at`

// PutDecision persists a decision, enforcing one per task. Referenced
// proposals must belong to the same task.
func (s *Store) PutDecision(d *tasks.Decision) error {
	return s.inTx(func(tx *sql.Tx) error {
		return insertDecision(tx, d)
	})
}

// CompleteTaskWithDecision writes the decision and moves the task to
// COMPLETED in a single transaction. On any error nothing is persisted
// and the task stays in its prior state for the retry path.
func (s *Store) CompleteTaskWithDecision(taskID string, expectedFrom tasks.Status, d *tasks.Decision, patch StatusPatch) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := insertDecision(tx, d); err != nil {
			return err
		}
		return applyStatusChange(tx, taskID, expectedFrom, tasks.StatusCompleted, patch)
	})
}

func insertDecision(tx *sql.Tx, d *tasks.Decision) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}

	var existing int
	err := tx.QueryRow(`SELECT 1 FROM decisions WHERE task_id = ?`, d.TaskID).Scan(&existing)
	if err == nil {
		return ErrDuplicateDecision
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check decision: %w", err)
	}

	// Every referenced proposal must belong to this task.
	refs := append([]string{}, d.RunnerUps...)
	if d.WinnerID != "" {
		refs = append(refs, d.WinnerID)
	}
	for _, ref := range refs {
		var taskID string
		err := tx.QueryRow(`SELECT task_id FROM proposals WHERE id = ?`, ref).Scan(&taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: proposal %s not found", ErrInvalid, ref)
		}
		if err != nil {
			return fmt.Errorf("check proposal ref: %w", err)
		}
		if taskID != d.TaskID {
			return fmt.Errorf("%w: proposal %s belongs to task %s", ErrInvalid, ref, taskID)
		}
	}

	runnerUps, _ := json.Marshal(d.RunnerUps)
	_, err = tx.Exec(`
		INSERT INTO decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.TaskID, d.Strategy, boolInt(d.Consensus), nullable(d.WinnerID),
		string(runnerUps), d.Content, d.Confidence, d.TotalTokens, d.TokensSaved,
		boolInt(d.Partial), d.Rationale, d.DecidedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicateDecision
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// GetDecision retrieves the decision for a task
func (s *Store) GetDecision(taskID string) (*tasks.Decision, error) {
	row := s.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE task_id = ?`, taskID)

	var d tasks.Decision
	var consensus, partial int
	var winnerID, runnerUps, content, rationale sql.NullString
	err := row.Scan(
		&d.ID, &d.TaskID, &d.Strategy, &consensus, &winnerID, &runnerUps,
		&content, &d.Confidence, &d.TotalTokens, &d.TokensSaved, &partial,
		&rationale, &d.DecidedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}

	d.Consensus = consensus != 0
	d.Partial = partial != 0
	d.WinnerID = winnerID.String
	d.Content = content.String
	d.Rationale = rationale.String
	if runnerUps.Valid && runnerUps.String != "" {
		json.Unmarshal([]byte(runnerUps.String), &d.RunnerUps)
	}
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
