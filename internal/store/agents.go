// internal/store/agents.go
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgentRow is the persisted snapshot of a registry record
type AgentRow struct {
	ID           string             `json:"id"`
	Type         string             `json:"type,omitempty"`
	Name         string             `json:"name,omitempty"`
	Capabilities map[string]float64 `json:"capabilities,omitempty"`
	Status       string             `json:"status"`
	LatencyEMA   float64            `json:"latency_ema"`
	LastProbe    *time.Time         `json:"last_probe,omitempty"`
}

// UpsertAgent persists the current registry view of an agent
func (s *Store) UpsertAgent(a *AgentRow) error {
	caps, _ := json.Marshal(a.Capabilities)
	_, err := s.db.Exec(`
		INSERT INTO agents (id, type, name, capabilities, status, latency_ema, last_probe)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type,
			name=excluded.name,
			capabilities=excluded.capabilities,
			status=excluded.status,
			latency_ema=excluded.latency_ema,
			last_probe=excluded.last_probe
	`, a.ID, a.Type, a.Name, string(caps), a.Status, a.LatencyEMA, a.LastProbe)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// ListAgents returns all persisted agent snapshots
func (s *Store) ListAgents() ([]*AgentRow, error) {
	rows, err := s.db.Query(`
		SELECT id, type, name, capabilities, status, latency_ema, last_probe FROM agents ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var list []*AgentRow
	for rows.Next() {
		var a AgentRow
		var agentType, name, caps sql.NullString
		var lastProbe sql.NullTime
		if err := rows.Scan(&a.ID, &agentType, &name, &caps, &a.Status, &a.LatencyEMA, &lastProbe); err != nil {
			return nil, err
		}
		a.Type = agentType.String
		a.Name = name.String
		if caps.Valid && caps.String != "" {
			json.Unmarshal([]byte(caps.String), &a.Capabilities)
		}
		if lastProbe.Valid {
			a.LastProbe = &lastProbe.Time
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}
