// Command dbctl inspects an agora database from the shell: task and
// decision lookups, agent state, and the tail of the event log. It is
// a read-only maintenance tool; all writes go through the server.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := flag.String("db", "data/agora.db", "path to the sqlite database")
	action := flag.String("action", "", "action: tasks, task, decision, agents, events, stats")
	taskID := flag.String("task", "", "task ID (for task/decision)")
	status := flag.String("status", "", "status filter (for tasks)")
	limit := flag.Int("limit", 20, "row limit")
	jsonOutput := flag.Bool("json", false, "output as JSON")
	flag.Parse()

	if *action == "" {
		fmt.Fprintln(os.Stderr, "Usage: dbctl -db <path> -action <action> [-task <id>] [-status <s>] [-limit <n>] [-json]")
		fmt.Fprintln(os.Stderr, "Actions: tasks, task, decision, agents, events, stats")
		os.Exit(1)
	}

	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&mode=ro", *dbPath))
	if err != nil {
		fail("open database: %v", err)
	}
	defer db.Close()

	switch *action {
	case "tasks":
		err = listTasks(db, *status, *limit, *jsonOutput)
	case "task":
		err = showTask(db, *taskID, *jsonOutput)
	case "decision":
		err = showDecision(db, *taskID, *jsonOutput)
	case "agents":
		err = listAgents(db, *jsonOutput)
	case "events":
		err = tailEvents(db, *limit, *jsonOutput)
	case "stats":
		err = showStats(db, *jsonOutput)
	default:
		fail("unknown action: %s", *action)
	}
	if err != nil {
		fail("%v", err)
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func emit(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type taskRow struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Strategy  string `json:"strategy,omitempty"`
	Round     int    `json:"round"`
	CreatedBy string `json:"created_by,omitempty"`
	CreatedAt string `json:"created_at"`
}

func listTasks(db *sql.DB, status string, limit int, asJSON bool) error {
	query := `SELECT id, title, type, status, COALESCE(strategy,''), round,
		COALESCE(created_by,''), created_at FROM tasks`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	var list []taskRow
	for rows.Next() {
		var t taskRow
		if err := rows.Scan(&t.ID, &t.Title, &t.Type, &t.Status, &t.Strategy,
			&t.Round, &t.CreatedBy, &t.CreatedAt); err != nil {
			return err
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if asJSON {
		return emit(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tSTRATEGY\tROUND\tTITLE")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			short(t.ID), t.Status, t.Type, t.Strategy, t.Round, t.Title)
	}
	return w.Flush()
}

func showTask(db *sql.DB, id string, asJSON bool) error {
	if id == "" {
		return fmt.Errorf("-task required")
	}
	row := db.QueryRow(`SELECT id, title, COALESCE(description,''), type, complexity, risk,
		COALESCE(strategy,''), COALESCE(created_by,''), COALESCE(assignees,'[]'),
		status, role, round, COALESCE(result_summary,''), created_at, updated_at
		FROM tasks WHERE id = ?`, id)

	var t struct {
		ID            string          `json:"id"`
		Title         string          `json:"title"`
		Description   string          `json:"description,omitempty"`
		Type          string          `json:"type"`
		Complexity    int             `json:"complexity"`
		Risk          int             `json:"risk"`
		Strategy      string          `json:"strategy,omitempty"`
		CreatedBy     string          `json:"created_by,omitempty"`
		Assignees     json.RawMessage `json:"assignees"`
		Status        string          `json:"status"`
		Role          string          `json:"role"`
		Round         int             `json:"round"`
		ResultSummary string          `json:"result_summary,omitempty"`
		CreatedAt     string          `json:"created_at"`
		UpdatedAt     string          `json:"updated_at"`
	}
	var assignees string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Type, &t.Complexity, &t.Risk,
		&t.Strategy, &t.CreatedBy, &assignees, &t.Status, &t.Role, &t.Round,
		&t.ResultSummary, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return err
	}
	t.Assignees = json.RawMessage(assignees)

	if asJSON {
		return emit(t)
	}
	fmt.Printf("Task %s\n  title: %s\n  type: %s  complexity: %d  risk: %d\n"+
		"  status: %s  strategy: %s  role: %s  round: %d\n  assignees: %s\n",
		t.ID, t.Title, t.Type, t.Complexity, t.Risk,
		t.Status, t.Strategy, t.Role, t.Round, assignees)
	if t.ResultSummary != "" {
		fmt.Printf("  result: %s\n", t.ResultSummary)
	}
	return nil
}

func showDecision(db *sql.DB, taskID string, asJSON bool) error {
	if taskID == "" {
		return fmt.Errorf("-task required")
	}
	row := db.QueryRow(`SELECT id, strategy, consensus, COALESCE(winner_id,''),
		confidence, total_tokens, tokens_saved, partial, COALESCE(rationale,''), decided_at
		FROM decisions WHERE task_id = ?`, taskID)

	var d struct {
		ID          string  `json:"id"`
		Strategy    string  `json:"strategy"`
		Consensus   bool    `json:"consensus"`
		WinnerID    string  `json:"winner_id,omitempty"`
		Confidence  float64 `json:"confidence"`
		TotalTokens int     `json:"total_tokens"`
		TokensSaved int     `json:"tokens_saved"`
		Partial     bool    `json:"partial"`
		Rationale   string  `json:"rationale,omitempty"`
		DecidedAt   string  `json:"decided_at"`
	}
	err := row.Scan(&d.ID, &d.Strategy, &d.Consensus, &d.WinnerID, &d.Confidence,
		&d.TotalTokens, &d.TokensSaved, &d.Partial, &d.Rationale, &d.DecidedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no decision for task %s", taskID)
	}
	if err != nil {
		return err
	}

	if asJSON {
		return emit(d)
	}
	fmt.Printf("Decision %s\n  strategy: %s  consensus: %t  partial: %t\n"+
		"  winner: %s  confidence: %.2f\n  tokens: %d used, %d saved\n  rationale: %s\n",
		d.ID, d.Strategy, d.Consensus, d.Partial,
		d.WinnerID, d.Confidence, d.TotalTokens, d.TokensSaved, d.Rationale)
	return nil
}

func listAgents(db *sql.DB, asJSON bool) error {
	rows, err := db.Query(`SELECT id, COALESCE(name,''), status, latency_ema,
		COALESCE(capabilities,'{}') FROM agents ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type agentRow struct {
		ID           string          `json:"id"`
		Name         string          `json:"name,omitempty"`
		Status       string          `json:"status"`
		LatencyEMA   float64         `json:"latency_ema_ms"`
		Capabilities json.RawMessage `json:"capabilities"`
	}
	var list []agentRow
	for rows.Next() {
		var a agentRow
		var caps string
		if err := rows.Scan(&a.ID, &a.Name, &a.Status, &a.LatencyEMA, &caps); err != nil {
			return err
		}
		a.Capabilities = json.RawMessage(caps)
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if asJSON {
		return emit(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tLATENCY(ms)\tCAPABILITIES")
	for _, a := range list {
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\n", a.ID, a.Status, a.LatencyEMA, a.Capabilities)
	}
	return w.Flush()
}

func tailEvents(db *sql.DB, limit int, asJSON bool) error {
	rows, err := db.Query(`SELECT seq, type, topic, COALESCE(task_id,''),
		COALESCE(agent_id,''), created_at FROM events_log
		ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	type eventRow struct {
		Seq       uint64 `json:"seq"`
		Type      string `json:"type"`
		Topic     string `json:"topic"`
		TaskID    string `json:"task_id,omitempty"`
		AgentID   string `json:"agent_id,omitempty"`
		CreatedAt string `json:"created_at"`
	}
	var list []eventRow
	for rows.Next() {
		var e eventRow
		if err := rows.Scan(&e.Seq, &e.Type, &e.Topic, &e.TaskID, &e.AgentID, &e.CreatedAt); err != nil {
			return err
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if asJSON {
		return emit(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTYPE\tTOPIC\tTASK\tAGENT\tAT")
	for _, e := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Type, e.Topic, short(e.TaskID), e.AgentID, e.CreatedAt)
	}
	return w.Flush()
}

func showStats(db *sql.DB, asJSON bool) error {
	stats := map[string]interface{}{}

	rows, err := db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return err
	}
	byStatus := map[string]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			rows.Close()
			return err
		}
		byStatus[s] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	stats["tasks_by_status"] = byStatus

	for name, query := range map[string]string{
		"decisions": `SELECT COUNT(*) FROM decisions`,
		"proposals": `SELECT COUNT(*) FROM proposals`,
		"events":    `SELECT COUNT(*) FROM events_log`,
		"agents":    `SELECT COUNT(*) FROM agents`,
	} {
		var n int
		if err := db.QueryRow(query).Scan(&n); err != nil {
			return err
		}
		stats[name] = n
	}

	if asJSON {
		return emit(stats)
	}
	fmt.Println("Tasks by status:")
	for s, n := range byStatus {
		fmt.Printf("  %-15s %d\n", s, n)
	}
	fmt.Printf("Proposals: %v\nDecisions: %v\nAgents: %v\nEvents: %v\n",
		stats["proposals"], stats["decisions"], stats["agents"], stats["events"])
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
