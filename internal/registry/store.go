package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/splitmind/splitmind/pkg/models"
)

// SQLiteStore is the optional shared-KV backing for Registry state: a
// WAL-mode SQLite database with one table per coordination concern,
// scoped by project_id so one database file can back every project an
// orchestrator process manages.
type SQLiteStore struct {
	conn *sql.DB
	mu   sync.Mutex
	path string
}

// OpenSQLiteStore opens (creating if needed) a SQLite-backed Store at
// path, enabling WAL mode and applying schema migrations.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

func (s *SQLiteStore) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Agents},
		{2, migrationV2Locks},
		{3, migrationV3Interfaces},
		{4, migrationV4Messages},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Agents = `
CREATE TABLE IF NOT EXISTS agents (
	project_id TEXT NOT NULL,
	session_name TEXT NOT NULL,
	task_id TEXT,
	branch TEXT,
	description TEXT,
	registered_at DATETIME NOT NULL,
	last_heartbeat DATETIME NOT NULL,
	held_locks TEXT NOT NULL DEFAULT '[]',
	todos TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (project_id, session_name)
);
`

const migrationV2Locks = `
CREATE TABLE IF NOT EXISTS file_locks (
	project_id TEXT NOT NULL,
	path TEXT NOT NULL,
	session_name TEXT NOT NULL,
	change_type TEXT,
	reason TEXT,
	acquired_at DATETIME NOT NULL,
	PRIMARY KEY (project_id, path)
);
`

const migrationV3Interfaces = `
CREATE TABLE IF NOT EXISTS shared_interfaces (
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	definition_text TEXT,
	owner_session TEXT NOT NULL,
	registered_at DATETIME NOT NULL,
	PRIMARY KEY (project_id, name)
);
`

const migrationV4Messages = `
CREATE TABLE IF NOT EXISTS messages (
	project_id TEXT NOT NULL,
	id TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipient TEXT,
	kind TEXT,
	body TEXT,
	sent_at DATETIME NOT NULL,
	PRIMARY KEY (project_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, sent_at);
`

func (s *SQLiteStore) SaveAgent(projectID string, a *models.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	locks, err := json.Marshal(a.HeldLocks)
	if err != nil {
		return err
	}
	todos, err := json.Marshal(a.Todos)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(`
		INSERT INTO agents (project_id, session_name, task_id, branch, description, registered_at, last_heartbeat, held_locks, todos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, session_name) DO UPDATE SET
			task_id=excluded.task_id, branch=excluded.branch, description=excluded.description,
			last_heartbeat=excluded.last_heartbeat, held_locks=excluded.held_locks, todos=excluded.todos
	`, projectID, a.SessionName, a.TaskID, a.Branch, a.Description, a.RegisteredAt, a.LastHeartbeat, string(locks), string(todos))
	return err
}

func (s *SQLiteStore) DeleteAgent(projectID, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`DELETE FROM agents WHERE project_id = ? AND session_name = ?`, projectID, session)
	return err
}

func (s *SQLiteStore) SaveLock(projectID string, l *models.FileLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`
		INSERT INTO file_locks (project_id, path, session_name, change_type, reason, acquired_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, path) DO UPDATE SET
			session_name=excluded.session_name, change_type=excluded.change_type,
			reason=excluded.reason, acquired_at=excluded.acquired_at
	`, projectID, l.Path, l.SessionName, l.ChangeType, l.Reason, l.AcquiredAt)
	return err
}

func (s *SQLiteStore) DeleteLock(projectID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`DELETE FROM file_locks WHERE project_id = ? AND path = ?`, projectID, path)
	return err
}

func (s *SQLiteStore) SaveInterface(projectID string, i *models.SharedInterface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`
		INSERT INTO shared_interfaces (project_id, name, definition_text, owner_session, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, name) DO UPDATE SET
			definition_text=excluded.definition_text, owner_session=excluded.owner_session
	`, projectID, i.Name, i.DefinitionText, i.OwnerSession, i.RegisteredAt)
	return err
}

func (s *SQLiteStore) AppendMessage(projectID string, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`
		INSERT INTO messages (project_id, id, sender, recipient, kind, body, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, projectID, m.ID, m.From, m.To, m.Kind, m.Body, m.Timestamp)
	return err
}

// LoadAll reconstructs one project's (projectID's) live state from disk, used to
// repopulate a Registry on orchestrator restart.
func (s *SQLiteStore) LoadAll(projectID string) ([]*models.AgentRecord, []*models.FileLock, []*models.SharedInterface, []models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents, err := s.loadAgents(projectID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	locks, err := s.loadLocks(projectID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ifaces, err := s.loadInterfaces(projectID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	msgs, err := s.loadMessages(projectID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return agents, locks, ifaces, msgs, nil
}

func (s *SQLiteStore) loadAgents(projectID string) ([]*models.AgentRecord, error) {
	rows, err := s.conn.Query(`
		SELECT session_name, task_id, branch, description, registered_at, last_heartbeat, held_locks, todos
		FROM agents WHERE project_id = ?
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AgentRecord
	for rows.Next() {
		var a models.AgentRecord
		var locksJSON, todosJSON string
		var taskID, branch, description sql.NullString
		var registeredAt, lastHeartbeat time.Time
		if err := rows.Scan(&a.SessionName, &taskID, &branch, &description, &registeredAt, &lastHeartbeat, &locksJSON, &todosJSON); err != nil {
			return nil, err
		}
		a.TaskID = taskID.String
		a.Branch = branch.String
		a.Description = description.String
		a.RegisteredAt = registeredAt
		a.LastHeartbeat = lastHeartbeat
		json.Unmarshal([]byte(locksJSON), &a.HeldLocks)
		json.Unmarshal([]byte(todosJSON), &a.Todos)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadLocks(projectID string) ([]*models.FileLock, error) {
	rows, err := s.conn.Query(`
		SELECT path, session_name, change_type, reason, acquired_at FROM file_locks WHERE project_id = ?
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.FileLock
	for rows.Next() {
		var l models.FileLock
		var changeType, reason sql.NullString
		if err := rows.Scan(&l.Path, &l.SessionName, &changeType, &reason, &l.AcquiredAt); err != nil {
			return nil, err
		}
		l.ChangeType = changeType.String
		l.Reason = reason.String
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadInterfaces(projectID string) ([]*models.SharedInterface, error) {
	rows, err := s.conn.Query(`
		SELECT name, definition_text, owner_session, registered_at FROM shared_interfaces WHERE project_id = ?
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SharedInterface
	for rows.Next() {
		var i models.SharedInterface
		var def sql.NullString
		if err := rows.Scan(&i.Name, &def, &i.OwnerSession, &i.RegisteredAt); err != nil {
			return nil, err
		}
		i.DefinitionText = def.String
		out = append(out, &i)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadMessages(projectID string) ([]models.Message, error) {
	rows, err := s.conn.Query(`
		SELECT id, sender, recipient, kind, body, sent_at FROM messages WHERE project_id = ? ORDER BY sent_at ASC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var to sql.NullString
		if err := rows.Scan(&m.ID, &m.From, &to, &m.Kind, &m.Body, &m.Timestamp); err != nil {
			return nil, err
		}
		m.To = to.String
		out = append(out, m)
	}
	return out, rows.Err()
}
