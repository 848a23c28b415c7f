// internal/store/events.go
package store

import (
	"encoding/json"
	"fmt"

	"github.com/agoralab/agora/internal/events"
)

// AppendEvent persists a published event to the audit log.
// Implements events.EventLog.
func (s *Store) AppendEvent(e *events.Event) error {
	var payload interface{}
	if len(e.Payload) > 0 {
		b, _ := json.Marshal(e.Payload)
		payload = string(b)
	}
	_, err := s.db.Exec(`
		INSERT INTO events_log (seq, id, type, topic, task_id, agent_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Seq, e.ID, string(e.Type), string(e.Topic),
		nullable(e.TaskID), nullable(e.AgentID), payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// TrimEvents keeps only the newest keep rows in the audit log.
// Returns the number of rows removed.
func (s *Store) TrimEvents(keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`
		DELETE FROM events_log WHERE seq NOT IN (
			SELECT seq FROM events_log ORDER BY seq DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("trim events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LastEventSeq returns the highest persisted sequence number, so the bus
// can resume numbering across restarts.
func (s *Store) LastEventSeq() (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last event seq: %w", err)
	}
	return seq, nil
}
