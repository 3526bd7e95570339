package trajectory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"toolforge/internal/logging"
)

// SQLiteStore mirrors trajectories into a single WAL-mode database so they
// can be queried across sessions.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates or opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.TrajectoryDebug("Trajectory mirror at %s", path)
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS trajectory (
		session TEXT NOT NULL,
		seq INTEGER NOT NULL,
		time DATETIME NOT NULL,
		actor TEXT NOT NULL,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		payload_json TEXT,
		metadata_json TEXT,
		PRIMARY KEY (session, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_trajectory_action ON trajectory(action);
	`)
	return err
}

// Write inserts e. Rewriting an existing (session, seq) is an error.
func (s *SQLiteStore) Write(e Entry) error {
	payload, err := marshalNullable(e.Payload)
	if err != nil {
		return err
	}
	var metadata interface{}
	if len(e.Metadata) > 0 {
		metadata, err = marshalNullable(e.Metadata)
		if err != nil {
			return err
		}
	}
	_, err = s.db.Exec(
		`INSERT INTO trajectory (session, seq, time, actor, kind, action, payload_json, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Session, e.Seq, e.Time.UTC().Format(time.RFC3339Nano), string(e.Actor), string(e.Kind), e.Action, payload, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func marshalNullable(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}
	return string(data), nil
}

// CloseSession is a no-op; every Write is committed.
func (s *SQLiteStore) CloseSession(string) error { return nil }

// Entries returns a session's entries ordered by seq.
func (s *SQLiteStore) Entries(session string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT seq, time, actor, kind, action, payload_json, metadata_json
		 FROM trajectory WHERE session = ? ORDER BY seq`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to query trajectory: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			ts                string
			actor, kind       string
			payload, metadata sql.NullString
		)
		if err := rows.Scan(&e.Seq, &ts, &actor, &kind, &e.Action, &payload, &metadata); err != nil {
			return nil, err
		}
		e.Session = session
		e.Actor = Actor(actor)
		e.Kind = Kind(kind)
		if e.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("bad timestamp for seq %d: %w", e.Seq, err)
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("bad payload for seq %d: %w", e.Seq, err)
			}
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("bad metadata for seq %d: %w", e.Seq, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sessions lists recorded sessions, most recent first.
func (s *SQLiteStore) Sessions() ([]string, error) {
	rows, err := s.db.Query(`SELECT session FROM trajectory GROUP BY session ORDER BY MAX(time) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
