package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS balancer_state (
	node_uuid TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	state BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (node_uuid, algorithm)
);

CREATE TABLE IF NOT EXISTS jobs (
	uuid TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	record TEXT NOT NULL,
	submitted_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_submitted_at ON jobs(submitted_at);
`

// SQLStore implements Store on a SQLite database through sqlx.
type SQLStore struct {
	db *sqlx.DB
}

type jobRow struct {
	UUID        string `db:"uuid"`
	Name        string `db:"name"`
	Record      string `db:"record"`
	SubmittedAt int64  `db:"submitted_at"`
}

// NewSQLStore opens (creating if needed) the SQLite database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) SaveBalancerState(nodeUUID, algorithm string, state []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO balancer_state (node_uuid, algorithm, state, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(node_uuid, algorithm) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		nodeUUID, algorithm, state, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save balancer state: %w", err)
	}
	return nil
}

func (s *SQLStore) GetBalancerState(nodeUUID, algorithm string) ([]byte, error) {
	var state []byte
	err := s.db.Get(&state, `SELECT state FROM balancer_state WHERE node_uuid = ? AND algorithm = ?`, nodeUUID, algorithm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("balancer state %s/%s: %w", nodeUUID, algorithm, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balancer state: %w", err)
	}
	return state, nil
}

func (s *SQLStore) DeleteBalancerState(nodeUUID, algorithm string) error {
	_, err := s.db.Exec(`DELETE FROM balancer_state WHERE node_uuid = ? AND algorithm = ?`, nodeUUID, algorithm)
	return err
}

func (s *SQLStore) SaveJob(rec *JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	row := jobRow{UUID: rec.UUID, Name: rec.Name, Record: string(data), SubmittedAt: rec.SubmittedAt.UnixNano()}
	_, err = s.db.NamedExec(`
		INSERT INTO jobs (uuid, name, record, submitted_at) VALUES (:uuid, :name, :record, :submitted_at)
		ON CONFLICT(uuid) DO UPDATE SET name = excluded.name, record = excluded.record`, row)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetJob(uuid string) (*JobRecord, error) {
	var row jobRow
	err := s.db.Get(&row, `SELECT uuid, name, record, submitted_at FROM jobs WHERE uuid = ?`, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.decode()
}

func (s *SQLStore) ListJobs() ([]*JobRecord, error) {
	var rows []jobRow
	if err := s.db.Select(&rows, `SELECT uuid, name, record, submitted_at FROM jobs ORDER BY submitted_at`); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]*JobRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.decode()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, rec)
	}
	return jobs, nil
}

func (s *SQLStore) DeleteJob(uuid string) error {
	_, err := s.db.Exec(`DELETE FROM jobs WHERE uuid = ?`, uuid)
	return err
}

func (r jobRow) decode() (*JobRecord, error) {
	var rec JobRecord
	if err := json.Unmarshal([]byte(r.Record), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", r.UUID, err)
	}
	return &rec, nil
}
