package agent

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/dispatchd/dispatchd/internal/protocol"
)

// Journal statuses. Acquired and running entries are live work; anything
// else is a settled record kept for the dedupe window.
const (
	journalAcquired = "acquired"
	journalRunning  = "running"
)

// Journal persists acquired work in a local SQLite database. It makes
// duplicate task deliveries detectable and leaves a trace of what was in
// flight when the agent last stopped.
type Journal struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// JournalEntry is one persisted task record.
type JournalEntry struct {
	InstanceID uuid.UUID
	JobName    string
	Status     string
	Task       protocol.ScheduledTask
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewJournal opens (or creates) the journal database under stateDir.
func NewJournal(stateDir string) (*Journal, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dbPath := filepath.Join(stateDir, "journal.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if err := createJournalTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Journal{
		db:     db,
		dbPath: dbPath,
	}, nil
}

func createJournalTables(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			instance_id TEXT PRIMARY KEY,
			job_name TEXT NOT NULL,
			status TEXT NOT NULL,
			task_json TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	_, err := db.Exec(schema)
	return err
}

// EnsureAgentID returns the persisted agent identity, generating and
// storing one on first use. The id survives restarts so the server keeps
// a single row per agent.
func (j *Journal) EnsureAgentID() (uuid.UUID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var value string
	err := j.db.QueryRow("SELECT value FROM meta WHERE key = 'agent_id'").Scan(&value)
	if err == nil {
		id, parseErr := uuid.Parse(value)
		if parseErr != nil {
			return uuid.Nil, fmt.Errorf("stored agent id is invalid: %w", parseErr)
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return uuid.Nil, fmt.Errorf("failed to read agent id: %w", err)
	}

	id := uuid.New()
	if _, err := j.db.Exec("INSERT INTO meta (key, value) VALUES ('agent_id', ?)", id.String()); err != nil {
		return uuid.Nil, fmt.Errorf("failed to store agent id: %w", err)
	}
	return id, nil
}

// Record journals a freshly delivered task as acquired. It reports
// whether the instance was already present, in any status; a duplicate
// delivery must not start the task a second time.
func (j *Journal) Record(task protocol.ScheduledTask) (already bool, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("failed to serialize task: %w", err)
	}

	res, err := j.db.Exec(`
		INSERT INTO tasks (instance_id, job_name, status, task_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id) DO NOTHING
	`, task.TaskInstanceID.String(), task.Job.Name, journalAcquired, string(taskJSON))
	if err != nil {
		return false, fmt.Errorf("failed to record task: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record task: %w", err)
	}
	return inserted == 0, nil
}

// SetStatus updates the journaled status for an instance.
func (j *Journal) SetStatus(instanceID uuid.UUID, status string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE instance_id = ?
	`, status, instanceID.String())
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// Pending returns the entries that were live when the journal was last
// written: acquired tasks that never started and tasks caught running.
func (j *Journal) Pending() ([]JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.Query(`
		SELECT instance_id, job_name, status, task_json, created_at, updated_at
		FROM tasks
		WHERE status IN (?, ?)
		ORDER BY created_at ASC
	`, journalAcquired, journalRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var rawID, taskJSON string

		if err := rows.Scan(&rawID, &entry.JobName, &entry.Status, &taskJSON, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task entry: %w", err)
		}
		entry.InstanceID, err = uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("corrupt instance id in journal: %w", err)
		}
		if err := json.Unmarshal([]byte(taskJSON), &entry.Task); err != nil {
			return nil, fmt.Errorf("failed to deserialize task: %w", err)
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return entries, nil
}

// Cleanup removes settled entries older than maxAge. Live entries are
// never touched.
func (j *Journal) Cleanup(maxAge time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	// Rows are stamped with SQLite's CURRENT_TIMESTAMP, which is UTC.
	cutoff := time.Now().UTC().Add(-maxAge)
	_, err := j.db.Exec(`
		DELETE FROM tasks
		WHERE status NOT IN (?, ?)
		AND updated_at < ?
	`, journalAcquired, journalRunning, cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up journal: %w", err)
	}
	return nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db != nil {
		err := j.db.Close()
		j.db = nil
		return err
	}
	return nil
}
