package trajectory

import (
	"errors"
	"path/filepath"

	"toolforge/internal/config"
)

// Backend is the configured store plus whatever must be closed at exit.
type Backend struct {
	Store  Store
	JSONL  *JSONLStore
	SQLite *SQLiteStore
}

// OpenBackend builds the JSONL store, plus the SQLite mirror when enabled.
func OpenBackend(cfg *config.Config) (*Backend, error) {
	jsonl, err := NewJSONLStore(cfg.Trajectory.Dir)
	if err != nil {
		return nil, err
	}
	b := &Backend{Store: jsonl, JSONL: jsonl}
	if cfg.Trajectory.SQLiteMirror {
		mirror, err := NewSQLiteStore(filepath.Join(cfg.Trajectory.Dir, "trajectory.db"))
		if err != nil {
			jsonl.Close()
			return nil, err
		}
		b.SQLite = mirror
		b.Store = MultiStore{jsonl, mirror}
	}
	return b, nil
}

// Close closes every store.
func (b *Backend) Close() error {
	var errs []error
	if b.JSONL != nil {
		errs = append(errs, b.JSONL.Close())
	}
	if b.SQLite != nil {
		errs = append(errs, b.SQLite.Close())
	}
	return errors.Join(errs...)
}
