package trajectory

import (
	"errors"
	"fmt"

	"toolforge/internal/logging"
)

// MultiStore fans writes out to several stores. The first is the primary:
// reads come from it and only its write errors are returned. The others are
// mirrors whose failures are logged.
type MultiStore []Store

// Write writes to every store.
func (m MultiStore) Write(e Entry) error {
	if len(m) == 0 {
		return fmt.Errorf("no trajectory stores configured")
	}
	err := m[0].Write(e)
	for _, s := range m[1:] {
		if merr := s.Write(e); merr != nil {
			logging.TrajectoryWarn("Mirror write of %s/%d failed: %v", e.Session, e.Seq, merr)
		}
	}
	return err
}

// CloseSession closes the session in every store.
func (m MultiStore) CloseSession(session string) error {
	var errs []error
	for _, s := range m {
		if err := s.CloseSession(session); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entries reads from the first store.
func (m MultiStore) Entries(session string) ([]Entry, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("no trajectory stores configured")
	}
	return m[0].Entries(session)
}
