// Package journal keeps an advisory event log of task lifecycle
// transitions in a SQLite database under the workspace. It exists for
// humans tailing history; claim correctness never depends on it.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

const dbName = "journal.db"

type Journal struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	AgentID string `json:"agent_id"`
	Payload string `json:"payload_json"`
}

// Open opens (creating if needed) the journal database for a workspace
// and applies embedded migrations.
func Open(workspaceRoot string) (*Journal, error) {
	dir := filepath.Join(workspaceRoot, ".orc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(2000)", filepath.Join(dir, dbName))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	j := &Journal{DB: conn, Now: time.Now}
	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.DB.Close()
}

func (j *Journal) migrate() error {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if !f.IsDir() {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrationsFS.ReadFile("sql/" + name)
		if err != nil {
			return err
		}
		if _, err := j.DB.Exec(string(data)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

// Append records a lifecycle event. Transient SQLITE_BUSY contention from
// concurrent agents is retried with a short backoff.
func (j *Journal) Append(ctx context.Context, evtType, taskID, agentID string, payload Payload) error {
	if j.Now == nil {
		j.Now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ts := j.Now().UTC().Format(time.RFC3339)
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		_, err := j.DB.ExecContext(ctx, `INSERT INTO events(ts,type,task_id,agent_id,payload_json) VALUES (?,?,?,?,?)`,
			ts, evtType, nullable(taskID), agentID, string(data))
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
	}
	return lastErr
}

// Tail returns the n most recent events, optionally filtered by type and
// task id.
func (j *Journal) Tail(ctx context.Context, n int, evtType, taskID string) ([]Event, error) {
	if n <= 0 {
		n = 20
	}
	q := `SELECT id, ts, type, COALESCE(task_id,''), agent_id, payload_json FROM events`
	var conds []string
	var args []any
	if evtType != "" {
		conds = append(conds, "type = ?")
		args = append(args, evtType)
	}
	if taskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, taskID)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)
	rows, err := j.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.AgentID, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
