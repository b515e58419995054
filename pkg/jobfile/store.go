package jobfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Store persists and loads job manifests from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
//	<root>/<job_id>/workspace/
//	<root>/index.json
//	<root>/locks/
//
// Root is expected to be under the app data dir. A manifest on disk is
// always a complete serialization: writes go to a temp file in the same
// directory and are renamed into place.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) WorkspaceDir(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "workspace")
}

func (s *Store) StdoutPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "stdout.log")
}

func (s *Store) StderrPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "stderr.log")
}

// LockDir is the directory holding advisory lock files for this store.
func (s *Store) LockDir() string {
	return filepath.Join(s.root, "locks")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write persists the manifest atomically. The record is schema-validated
// before the rename so a manifest on disk is never partially valid.
func (s *Store) Write(job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	jobID := strings.TrimSpace(job.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if !job.State.Valid() {
		return fmt.Errorf("invalid job state: %q", job.State)
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	job.UpdatedAt = time.Now().UTC()

	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job manifest: %w", err)
	}
	if err := ValidateRaw(b); err != nil {
		return fmt.Errorf("refusing to persist invalid manifest: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get reads a manifest from disk. The returned Job is a snapshot: callers
// holding the job lock must re-read after acquisition before mutating.
func (s *Store) Get(jobID string) (*Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	if err := ValidateRaw([]byte(trimmed)); err != nil {
		return nil, fmt.Errorf("job.json failed validation: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(trimmed), &job); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &job, nil
}

// List returns all manifests under the root, newest first. Unreadable or
// invalid entries are skipped; they surface through ValidateConsistency
// rather than breaking enumeration.
func (s *Store) List() ([]Job, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "locks" {
			continue
		}
		j, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *j)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

// Delete removes a job directory entirely. Explicit cleanup only; nothing
// in the orchestration core calls this automatically.
func (s *Store) Delete(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	return os.RemoveAll(s.JobDir(jobID))
}

// IsProcessAlive probes a pid for existence without sending a signal.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}
