package trajectory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"toolforge/internal/logging"
)

// FileName is the trajectory file inside a session directory.
const FileName = "trajectory.jsonl"

// JSONLStore writes one trajectory.jsonl per session under Dir/<session>/.
type JSONLStore struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewJSONLStore creates a store rooted at dir.
func NewJSONLStore(dir string) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trajectory directory: %w", err)
	}
	return &JSONLStore{dir: dir, files: make(map[string]*os.File)}, nil
}

// Path returns the trajectory file of session.
func (s *JSONLStore) Path(session string) string {
	return filepath.Join(s.dir, session, FileName)
}

func (s *JSONLStore) file(session string) (*os.File, error) {
	if f, ok := s.files[session]; ok {
		return f, nil
	}
	path := s.Path(session)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trajectory file: %w", err)
	}
	s.files[session] = f
	return f, nil
}

// Write appends e as one JSON line. The file is unbuffered, so the line is
// in the OS once Write returns.
func (s *JSONLStore) Write(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.file(e.Session)
	if err != nil {
		return err
	}
	_, err = f.Write(line)
	return err
}

// CloseSession fsyncs and closes the session file.
func (s *JSONLStore) CloseSession(session string) error {
	s.mu.Lock()
	f, ok := s.files[session]
	delete(s.files, session)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync trajectory: %w", err)
	}
	return f.Close()
}

// Entries reads a session file back.
func (s *JSONLStore) Entries(session string) ([]Entry, error) {
	f, err := os.Open(s.Path(session))
	if err != nil {
		return nil, fmt.Errorf("failed to open trajectory: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupt trajectory line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Close closes every open session file.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	sessions := make([]string, 0, len(s.files))
	for id := range s.files {
		sessions = append(sessions, id)
	}
	s.mu.Unlock()
	for _, id := range sessions {
		if err := s.CloseSession(id); err != nil {
			logging.TrajectoryWarn("Failed to close session %s: %v", id, err)
		}
	}
	return nil
}
