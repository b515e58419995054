package jobfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IndexLockName is the shared lock name guarding index.json. Anything that
// rewrites the index must hold it; job manifests have their own per-job
// lock names.
const IndexLockName = "index"

// Index maps job identifiers to their directories and remembers the
// operator's currently selected job.
type Index struct {
	Jobs     map[string]string `json:"jobs"`
	Selected string            `json:"selected,omitempty"`
}

func (s *Store) IndexPath() string {
	return filepath.Join(s.root, "index.json")
}

// LoadIndex reads index.json, returning an empty index when none exists.
// Callers must hold the index lock before a read-modify-write cycle.
func (s *Store) LoadIndex() (*Index, error) {
	b, err := os.ReadFile(s.IndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{Jobs: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}

	var idx Index
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("parse index.json: %w", err)
	}
	if idx.Jobs == nil {
		idx.Jobs = map[string]string{}
	}
	return &idx, nil
}

// SaveIndex writes index.json atomically.
func (s *Store) SaveIndex(idx *Index) error {
	if idx == nil {
		return fmt.Errorf("index is nil")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.root, "index.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpName, s.IndexPath()); err != nil {
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// ResolveJobID expands a job id prefix to a full id using the index,
// falling back to directory names. Ambiguous prefixes are an error.
func (s *Store) ResolveJobID(idOrPrefix string) (string, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return "", fmt.Errorf("job_id is required")
	}

	idx, err := s.LoadIndex()
	if err != nil {
		return "", err
	}

	candidates := make([]string, 0, 1)
	for id := range idx.Jobs {
		if strings.HasPrefix(id, idOrPrefix) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		entries, err := os.ReadDir(s.root)
		if err != nil && !os.IsNotExist(err) {
			return "", err
		}
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(e.Name(), idOrPrefix) {
				candidates = append(candidates, e.Name())
			}
		}
	}

	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("no job matches %q", idOrPrefix)
	case 1:
		return candidates[0], nil
	default:
		return "", fmt.Errorf("job id prefix %q is ambiguous (%d matches)", idOrPrefix, len(candidates))
	}
}
