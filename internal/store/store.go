// Package store persists what outlives a session: installed environments,
// verified tool artifacts, and cached validation runs. Records live in SQL
// (SQLite by default, Postgres when configured). Large payloads such as
// adapter source and run results live in a content-addressed blob directory
// next to the database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"toolforge/internal/config"
	"toolforge/internal/contract"
	"toolforge/internal/environment"
	"toolforge/internal/logging"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the SQL-backed record store plus its blob directory.
type Store struct {
	db     *sql.DB
	driver string
	blobs  *Blobs
}

// Open connects to the configured database, applies migrations and
// prepares the blob directory under cfg.Root.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	root := cfg.Root
	if root == "" {
		root = ".toolforge/store"
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = filepath.Join(root, "toolforge.db")
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
			}
		}
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required for the postgres driver")
		}
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	blobs, err := NewBlobs(filepath.Join(root, "blobs"))
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, driver: driver, blobs: blobs}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	logging.Store("Store opened (driver=%s, root=%s)", driver, root)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Blobs returns the blob directory.
func (s *Store) Blobs() *Blobs {
	return s.blobs
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeLayout is fixed width so timestamps sort as text in both dialects.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// INSTALLED ENVIRONMENTS
// =============================================================================

// InstalledRecord is a persisted installed environment. The install package
// owns the shape of Data.
type InstalledRecord struct {
	ID          string               `json:"id"`
	Repository  string               `json:"repository"`
	Fingerprint string               `json:"fingerprint"`
	Snapshot    environment.Snapshot `json:"snapshot"`
	Data        json.RawMessage      `json:"data"`
	CreatedAt   time.Time            `json:"created_at"`
}

// SaveInstalled inserts or replaces an installed environment record.
func (s *Store) SaveInstalled(ctx context.Context, rec *InstalledRecord) error {
	if rec.Repository == "" {
		return fmt.Errorf("installed record has no repository")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode installed record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO installed_environments (id, repository, fingerprint, snapshot_ref, snapshot_digest, record_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			repository = excluded.repository,
			fingerprint = excluded.fingerprint,
			snapshot_ref = excluded.snapshot_ref,
			snapshot_digest = excluded.snapshot_digest,
			record_json = excluded.record_json`),
		rec.ID, rec.Repository, rec.Fingerprint, rec.Snapshot.Ref, rec.Snapshot.Digest, string(data), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save installed environment: %w", err)
	}
	logging.StoreDebug("Saved installed environment %s for %s", rec.ID, rec.Repository)
	return nil
}

// LookupInstalled returns the most recent installed environment for a
// repository key, or ErrNotFound.
func (s *Store) LookupInstalled(ctx context.Context, repository string) (*InstalledRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT record_json FROM installed_environments
		WHERE repository = ? ORDER BY created_at DESC LIMIT 1`), repository)
	return scanInstalled(row)
}

// GetInstalled returns an installed environment by ID.
func (s *Store) GetInstalled(ctx context.Context, id string) (*InstalledRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT record_json FROM installed_environments WHERE id = ?`), id)
	return scanInstalled(row)
}

// DeleteInstalled removes an installed environment record. Removing a
// missing record is not an error.
func (s *Store) DeleteInstalled(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM installed_environments WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete installed environment: %w", err)
	}
	return nil
}

// ListInstalled returns every installed environment, newest first.
func (s *Store) ListInstalled(ctx context.Context) ([]*InstalledRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_json FROM installed_environments ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed environments: %w", err)
	}
	defer rows.Close()

	var out []*InstalledRecord
	for rows.Next() {
		rec, err := scanInstalled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInstalled(row scanner) (*InstalledRecord, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read installed environment: %w", err)
	}
	var rec InstalledRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("corrupt installed environment record: %w", err)
	}
	return &rec, nil
}

// =============================================================================
// TOOL ARTIFACTS
// =============================================================================

// ToolArtifact is a synthesized adapter together with everything needed to
// run it again: the contract it satisfies and the installed snapshot it runs
// against.
type ToolArtifact struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Contract    contract.TaskContract `json:"contract"`
	Language    string                `json:"language"`
	Code        string                `json:"code,omitempty"`
	InstalledID string                `json:"installed_id"`
	Snapshot    environment.Snapshot  `json:"snapshot"`
	Session     string                `json:"session"`
	// Verified is set once the adapter passed its self-check.
	Verified bool `json:"verified"`
	// Attempts is how many synthesis attempts it took.
	Attempts int `json:"attempts"`
	// Digest is the sha256 of Code.
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveArtifact writes the adapter source to the blob directory and inserts
// or replaces the artifact under its name.
func (s *Store) SaveArtifact(ctx context.Context, a *ToolArtifact) error {
	if a.Name == "" {
		return fmt.Errorf("artifact has no name")
	}
	digest, err := s.blobs.Put([]byte(a.Code))
	if err != nil {
		return err
	}
	a.Digest = digest
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	rec := *a
	rec.Code = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tool_artifacts (name, id, digest, installed_id, session_id, verified, record_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			id = excluded.id,
			digest = excluded.digest,
			installed_id = excluded.installed_id,
			session_id = excluded.session_id,
			verified = excluded.verified,
			record_json = excluded.record_json,
			created_at = excluded.created_at`),
		a.Name, a.ID, a.Digest, a.InstalledID, a.Session, boolInt(a.Verified), string(data), formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	logging.Store("Saved artifact %s (digest=%s, verified=%v)", a.Name, shortDigest(a.Digest), a.Verified)
	return nil
}

// Artifact returns the artifact stored under name, code included.
func (s *Store) Artifact(ctx context.Context, name string) (*ToolArtifact, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT record_json FROM tool_artifacts WHERE name = ?`), name)
	a, err := scanArtifact(row)
	if err != nil {
		return nil, err
	}
	code, err := s.blobs.Get(a.Digest)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", name, err)
	}
	a.Code = string(code)
	return a, nil
}

// ListArtifacts returns every artifact without its code, ordered by name.
func (s *Store) ListArtifacts(ctx context.Context) ([]*ToolArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_json FROM tool_artifacts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*ToolArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArtifact removes an artifact record. The code blob stays; other
// artifacts may share it.
func (s *Store) DeleteArtifact(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tool_artifacts WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanArtifact(row scanner) (*ToolArtifact, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	var a ToolArtifact
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("corrupt artifact record: %w", err)
	}
	return &a, nil
}

// =============================================================================
// RUN CACHE
// =============================================================================

// RunRecord is one cached validation run. Result holds the run's encoded
// outcome and is kept in the blob directory.
type RunRecord struct {
	Key       string          `json:"key"`
	Tool      string          `json:"tool"`
	TestCase  string          `json:"test_case"`
	Pass      bool            `json:"pass"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// PutRun caches a run under its key, replacing any earlier entry.
func (s *Store) PutRun(ctx context.Context, rec *RunRecord) error {
	if rec.Key == "" {
		return fmt.Errorf("run record has no key")
	}
	digest, err := s.blobs.Put(rec.Result)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO run_cache (cache_key, tool_name, test_case, pass, result_digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			tool_name = excluded.tool_name,
			test_case = excluded.test_case,
			pass = excluded.pass,
			result_digest = excluded.result_digest,
			created_at = excluded.created_at`),
		rec.Key, rec.Tool, rec.TestCase, boolInt(rec.Pass), digest, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to cache run: %w", err)
	}
	return nil
}

// GetRun returns the cached run for key, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, key string) (*RunRecord, error) {
	var (
		rec     RunRecord
		pass    int
		digest  string
		created string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT cache_key, tool_name, test_case, pass, result_digest, created_at
		FROM run_cache WHERE cache_key = ?`), key,
	).Scan(&rec.Key, &rec.Tool, &rec.TestCase, &pass, &digest, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cached run: %w", err)
	}
	rec.Pass = pass != 0
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("bad timestamp on cached run %s: %w", key, err)
	}
	if rec.Result, err = s.blobs.Get(digest); err != nil {
		return nil, fmt.Errorf("cached run %s: %w", key, err)
	}
	return &rec, nil
}

// InvalidateRuns drops every cached run of a tool.
func (s *Store) InvalidateRuns(ctx context.Context, tool string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM run_cache WHERE tool_name = ?`), tool)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate runs: %w", err)
	}
	return res.RowsAffected()
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
