// internal/store/proposals.go
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agoralab/agora/internal/tasks"
)

const proposalColumns = `id, task_id, agent_id, input_type, content, content_hash,
	confidence, tokens_in, tokens_out, revision_of, superseded, created_at`

// PutProposal persists a proposal, enforcing at most one active proposal
// per (task, agent). Resubmitting identical content is a no-op returning
// the existing proposal ID. Different content supersedes the previous
// active proposal and links it via revision_of.
func (s *Store) PutProposal(p *tasks.Proposal) (string, error) {
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if p.ContentHash == "" {
		p.ContentHash = tasks.HashContent(p.Content)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	var id string
	err := s.inTx(func(tx *sql.Tx) error {
		// Task must exist; rely on the read rather than the FK so the
		// caller gets ErrNotFound instead of a constraint error.
		var exists int
		if err := tx.QueryRow(`SELECT 1 FROM tasks WHERE id = ?`, p.TaskID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("check task: %w", err)
		}

		var activeID, activeHash string
		err := tx.QueryRow(`
			SELECT id, content_hash FROM proposals
			WHERE task_id = ? AND agent_id = ? AND superseded = 0
		`, p.TaskID, p.AgentID).Scan(&activeID, &activeHash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// First submission for this (task, agent).
		case err != nil:
			return fmt.Errorf("check active proposal: %w", err)
		case activeHash == p.ContentHash:
			// Idempotent resubmission.
			id = activeID
			return nil
		default:
			if _, err := tx.Exec(`UPDATE proposals SET superseded = 1 WHERE id = ?`, activeID); err != nil {
				return fmt.Errorf("supersede proposal: %w", err)
			}
			p.RevisionOf = activeID
		}

		_, err = tx.Exec(`
			INSERT INTO proposals (`+proposalColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`,
			p.ID, p.TaskID, p.AgentID, string(p.InputType), p.Content, p.ContentHash,
			p.Confidence, p.TokensIn, p.TokensOut, nullable(p.RevisionOf), p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		id = p.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListProposals returns every proposal for a task, oldest first
func (s *Store) ListProposals(taskID string) ([]*tasks.Proposal, error) {
	return s.queryProposals(`
		SELECT `+proposalColumns+` FROM proposals WHERE task_id = ? ORDER BY created_at, id
	`, taskID)
}

// ActiveProposals returns the non-superseded proposals for a task
func (s *Store) ActiveProposals(taskID string) ([]*tasks.Proposal, error) {
	return s.queryProposals(`
		SELECT `+proposalColumns+` FROM proposals
		WHERE task_id = ? AND superseded = 0 ORDER BY created_at, id
	`, taskID)
}

// GetProposal retrieves one proposal by ID
func (s *Store) GetProposal(id string) (*tasks.Proposal, error) {
	rows, err := s.queryProposals(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) queryProposals(query string, args ...interface{}) ([]*tasks.Proposal, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	var list []*tasks.Proposal
	for rows.Next() {
		var p tasks.Proposal
		var revisionOf sql.NullString
		var superseded int
		err := rows.Scan(
			&p.ID, &p.TaskID, &p.AgentID, &p.InputType, &p.Content, &p.ContentHash,
			&p.Confidence, &p.TokensIn, &p.TokensOut, &revisionOf, &superseded, &p.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		p.RevisionOf = revisionOf.String
		p.Superseded = superseded != 0
		list = append(list, &p)
	}
	return list, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
