// Package install stands up a reproducible environment for a repository.
// An Orchestrator asks the oracle for an install script, runs it in a fresh
// environment and feeds failures back as diagnostics until the script
// succeeds or the attempt budget runs out. A successful environment is
// snapshotted and recorded so later sessions reuse it.
package install

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"toolforge/internal/contract"
	"toolforge/internal/environment"
	"toolforge/internal/sandbox"
	"toolforge/internal/store"
)

var (
	// ErrInstallFailed is the sentinel every InstallFailed unwraps to.
	ErrInstallFailed = errors.New("install failed")
	// ErrIncompatible is returned when a task names a different repository
	// than the installed environment holds.
	ErrIncompatible = errors.New("incompatible installed environment")
)

// Attempt is one install script and what running it produced.
type Attempt struct {
	Index  int    `json:"index"`
	Script string `json:"script"`
	// Outcome is Success, RuntimeError (non-zero exit), Timeout or
	// EnvironmentError (the environment could not be allocated or died).
	Outcome  sandbox.OutcomeKind `json:"outcome"`
	ExitCode int                 `json:"exit_code"`
	// Tail holds the last lines of combined output.
	Tail string `json:"tail,omitempty"`
	// FailingCommand is the last command traced by bash -x.
	FailingCommand string        `json:"failing_command,omitempty"`
	Diagnostic     string        `json:"diagnostic,omitempty"`
	Summary        string        `json:"summary"`
	Duration       time.Duration `json:"duration"`
}

// Succeeded reports whether the script ran to a zero exit.
func (a Attempt) Succeeded() bool {
	return a.Outcome == sandbox.OutcomeSuccess
}

// InstalledEnvironment is a repository installed into a snapshot. It is
// never modified once created.
type InstalledEnvironment struct {
	ID         string              `json:"id"`
	Repository contract.Repository `json:"repository"`
	BaseImage  string              `json:"base_image"`
	// Path is where the repository was installed inside the environment.
	Path     string               `json:"path"`
	Steps    []Attempt            `json:"steps"`
	Snapshot environment.Snapshot `json:"snapshot"`
	// Script is the install script that succeeded.
	Script string `json:"script"`
	// Fingerprint is Fingerprint(Repository) at install time.
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`

	// Reused is set when Install returned a previously recorded environment.
	Reused bool `json:"-"`
}

// Compatible reports whether c can be synthesized against e, which holds
// when both name the same repository and ref.
func (e *InstalledEnvironment) Compatible(c *contract.TaskContract) error {
	have := e.Fingerprint
	if have == "" {
		have = Fingerprint(e.Repository)
	}
	if have != Fingerprint(c.Repository) {
		return fmt.Errorf("%w: %s holds %s, task %s needs %s",
			ErrIncompatible, e.ID, RepositoryKey(e.Repository), c.Name, RepositoryKey(c.Repository))
	}
	return nil
}

// RepositoryKey identifies a repository and ref in the store.
func RepositoryKey(r contract.Repository) string {
	url := strings.TrimSuffix(strings.TrimSpace(r.URL), "/")
	url = strings.TrimSuffix(url, ".git")
	if r.Ref == "" {
		return url
	}
	return url + "@" + r.Ref
}

// Fingerprint hashes the repository key. Two refs of one repository have
// different fingerprints.
func Fingerprint(r contract.Repository) string {
	sum := sha256.Sum256([]byte(RepositoryKey(r)))
	return hex.EncodeToString(sum[:])
}

// SnapshotName is the snapshot name for an installed repository. It carries
// a short fingerprint so installing another ref never re-tags this one.
func SnapshotName(r contract.Repository) string {
	return "installed-" + r.FriendlyName() + "-" + Fingerprint(r)[:12]
}

// Record converts e into its store record.
func (e *InstalledEnvironment) Record() (*store.InstalledRecord, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode installed environment: %w", err)
	}
	return &store.InstalledRecord{
		ID:          e.ID,
		Repository:  RepositoryKey(e.Repository),
		Fingerprint: e.Fingerprint,
		Snapshot:    e.Snapshot,
		Data:        data,
		CreatedAt:   e.CreatedAt,
	}, nil
}

// FromRecord decodes a stored installed environment.
func FromRecord(rec *store.InstalledRecord) (*InstalledEnvironment, error) {
	var e InstalledEnvironment
	if err := json.Unmarshal(rec.Data, &e); err != nil {
		return nil, fmt.Errorf("corrupt installed environment %s: %w", rec.ID, err)
	}
	return &e, nil
}

// InstallFailed is returned when every attempt in the budget failed.
type InstallFailed struct {
	Repository string
	Attempts   []Attempt
}

func (e *InstallFailed) Error() string {
	return fmt.Sprintf("install of %s failed after %d attempts: %s", e.Repository, len(e.Attempts), e.LastDiagnostic())
}

func (e *InstallFailed) Unwrap() error {
	return ErrInstallFailed
}

// LastDiagnostic returns the diagnostic of the final attempt.
func (e *InstallFailed) LastDiagnostic() string {
	if len(e.Attempts) == 0 {
		return "no attempts"
	}
	last := e.Attempts[len(e.Attempts)-1]
	if last.Diagnostic == "" {
		return last.Summary
	}
	return last.Diagnostic
}
