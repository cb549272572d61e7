package state

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Mirror caches the authoritative JSON documents in an embedded SQLite
// database so state tool calls stay O(1) and cross-entity queries (task
// dependency rollups, memory filtering) avoid reparsing JSON. The mirror is
// strictly disposable: Rebuild repopulates it from JSON at any time.
type Mirror struct {
	path string
	db   *sql.DB
}

// OpenMirror opens (or creates) the mirror database and ensures its schema.
func OpenMirror(path string) (*Mirror, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mirror path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	m := &Mirror{path: path, db: db}
	if err := m.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Mirror) ensureSchema() error {
	if _, err := m.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS issues (
			state_dir TEXT PRIMARY KEY,
			repo TEXT NOT NULL,
			issue_number INTEGER NOT NULL,
			title TEXT,
			provider TEXT,
			branch TEXT,
			workflow TEXT,
			phase TEXT,
			status_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			state_dir TEXT NOT NULL,
			task_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			title TEXT,
			summary TEXT,
			status TEXT NOT NULL,
			depends_on TEXT,
			files_allowed TEXT,
			acceptance TEXT,
			PRIMARY KEY (state_dir, task_id)
		);`,
		`CREATE TABLE IF NOT EXISTS memory (
			state_dir TEXT NOT NULL,
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value_json TEXT,
			source_iteration INTEGER NOT NULL,
			stale INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT,
			PRIMARY KEY (state_dir, scope, key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("mirror schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (m *Mirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// UpsertIssue replaces the issue row for a state directory.
func (m *Mirror) UpsertIssue(stateDir string, issue *Issue) error {
	status, err := json.Marshal(issue.Status)
	if err != nil {
		return err
	}
	_, err = m.db.Exec(`
		INSERT INTO issues (state_dir, repo, issue_number, title, provider, branch, workflow, phase, status_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(state_dir) DO UPDATE SET
			repo=excluded.repo, issue_number=excluded.issue_number,
			title=excluded.title, provider=excluded.provider,
			branch=excluded.branch, workflow=excluded.workflow,
			phase=excluded.phase, status_json=excluded.status_json`,
		stateDir, issue.Repo, issue.Number, issue.Title, string(issue.Provider),
		issue.Branch, issue.Workflow, issue.Phase, string(status))
	return err
}

// UpsertTasks replaces the full task set for a state directory.
func (m *Mirror) UpsertTasks(stateDir string, list *TaskList) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tasks WHERE state_dir = ?`, stateDir); err != nil {
		return err
	}
	for i, t := range list.Tasks {
		deps, _ := json.Marshal(t.DependsOn)
		files, _ := json.Marshal(t.FilesAllowed)
		acc, _ := json.Marshal(t.AcceptanceCriteria)
		if _, err := tx.Exec(`
			INSERT INTO tasks (state_dir, task_id, position, title, summary, status, depends_on, files_allowed, acceptance)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			stateDir, t.ID, i, t.Title, t.Summary, string(t.Status),
			string(deps), string(files), string(acc)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertMemory replaces one memory row.
func (m *Mirror) UpsertMemory(stateDir string, e MemoryEntry) error {
	value, err := compactValue(e.Value)
	if err != nil {
		return fmt.Errorf("memory value (%s, %s): %w", e.Scope, e.Key, err)
	}
	_, err = m.db.Exec(`
		INSERT INTO memory (state_dir, scope, key, value_json, source_iteration, stale, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(state_dir, scope, key) DO UPDATE SET
			value_json=excluded.value_json,
			source_iteration=excluded.source_iteration,
			stale=excluded.stale,
			updated_at=excluded.updated_at`,
		stateDir, string(e.Scope), e.Key, value, e.SourceIteration,
		boolToInt(e.Stale), e.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"))
	return err
}

// compactValue normalizes a raw JSON value to its compact encoding.
// memory.json is written indented, so rebuild-time values come back
// re-indented; compacting keeps incremental and rebuilt rows byte-identical.
func compactValue(v json.RawMessage) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// MarkMemoryStale monotonically sets stale=1 on a row.
func (m *Mirror) MarkMemoryStale(stateDir string, scope MemoryScope, key string) error {
	_, err := m.db.Exec(`UPDATE memory SET stale = 1 WHERE state_dir = ? AND scope = ? AND key = ?`,
		stateDir, string(scope), key)
	return err
}

// DeleteMemory removes a row.
func (m *Mirror) DeleteMemory(stateDir string, scope MemoryScope, key string) error {
	_, err := m.db.Exec(`DELETE FROM memory WHERE state_dir = ? AND scope = ? AND key = ?`,
		stateDir, string(scope), key)
	return err
}

// QueryMemory returns entries for a state directory, optionally filtered by
// scope, ordered by source_iteration then key.
func (m *Mirror) QueryMemory(stateDir string, scope MemoryScope, includeStale bool) ([]MemoryEntry, error) {
	query := `SELECT scope, key, value_json, source_iteration, stale FROM memory WHERE state_dir = ?`
	args := []any{stateDir}
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, string(scope))
	}
	if !includeStale {
		query += ` AND stale = 0`
	}
	query += ` ORDER BY source_iteration ASC, key ASC`

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var scopeStr, valueStr string
		var stale int
		if err := rows.Scan(&scopeStr, &e.Key, &valueStr, &e.SourceIteration, &stale); err != nil {
			return nil, err
		}
		e.Scope = MemoryScope(scopeStr)
		e.Value = json.RawMessage(valueStr)
		e.Stale = stale != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Rebuild drops all rows for a state directory and repopulates them from the
// authoritative JSON documents.
func (m *Mirror) Rebuild(s *Store) error {
	for _, stmt := range []string{
		`DELETE FROM issues WHERE state_dir = ?`,
		`DELETE FROM tasks WHERE state_dir = ?`,
		`DELETE FROM memory WHERE state_dir = ?`,
	} {
		if _, err := m.db.Exec(stmt, s.Dir()); err != nil {
			return err
		}
	}
	if issue, err := s.GetIssue(); err == nil {
		if err := m.UpsertIssue(s.Dir(), issue); err != nil {
			return err
		}
	} else if !isNotFound(err) {
		return err
	}
	if list, err := s.GetTasks(); err == nil {
		if err := m.UpsertTasks(s.Dir(), list); err != nil {
			return err
		}
	} else if !isNotFound(err) {
		return err
	}
	doc, err := s.loadMemoryDoc()
	if err != nil {
		return err
	}
	for _, e := range doc.Entries {
		if err := m.UpsertMemory(s.Dir(), e); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
