package jobfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	job := &Job{
		JobID:           "job-1",
		Name:            "demo",
		State:           StatePending,
		Prompt:          "fix the flaky tests",
		Repo:            "/srv/checkouts/demo",
		Role:            RoleAutonomous,
		RequireApproval: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.Write(job); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get("job-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.JobID != job.JobID {
		t.Fatalf("job_id mismatch: got=%q want=%q", got.JobID, job.JobID)
	}
	if got.State != StatePending {
		t.Fatalf("state mismatch: got=%q want=%q", got.State, StatePending)
	}
	if !got.RequireApproval {
		t.Fatalf("require_approval not persisted")
	}
}

func TestStore_WriteRejectsInvalidState(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Now().UTC()
	job := &Job{
		JobID:     "job-bad",
		State:     State("exploded"),
		Prompt:    "p",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Write(job); err == nil {
		t.Fatalf("expected error for invalid state")
	}
}

func TestStore_WriteIsAtomic(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	now := time.Now().UTC()
	job := &Job{JobID: "job-1", State: StateDraft, Prompt: "p", CreatedAt: now, UpdatedAt: now}
	if err := s.Write(job); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	// No temp files may survive a successful write.
	entries, err := os.ReadDir(s.JobDir("job-1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "job.json.tmp") {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}

func TestStore_GetRejectsMalformedManifest(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	dir := s.JobDir("job-bad")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	// Unknown field plus missing required fields.
	raw := `{"job_id":"job-bad","state":"pending","prompt":"p","created_at":"2026-03-02T12:00:00Z","updated_at":"2026-03-02T12:00:00Z","bogus_field":true}`
	if err := os.WriteFile(filepath.Join(dir, "job.json"), []byte(raw), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := s.Get("job-bad"); err == nil {
		t.Fatalf("expected validation error for unknown field")
	}
}

func TestStore_ListSortsNewestFirstAndSkipsLockDir(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	t1 := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)

	if err := s.Write(&Job{JobID: "job-1", State: StatePending, Prompt: "a", CreatedAt: t1, UpdatedAt: t1}); err != nil {
		t.Fatalf("Write job-1: %v", err)
	}
	if err := s.Write(&Job{JobID: "job-2", State: StatePending, Prompt: "b", CreatedAt: t2, UpdatedAt: t2}); err != nil {
		t.Fatalf("Write job-2: %v", err)
	}
	if err := os.MkdirAll(s.LockDir(), 0755); err != nil {
		t.Fatalf("MkdirAll locks: %v", err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected job count: %d", len(got))
	}
	if got[0].JobID != "job-2" {
		t.Fatalf("expected newest first, got[0]=%q", got[0].JobID)
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Fatalf("own pid should be alive")
	}
	if IsProcessAlive(0) || IsProcessAlive(-1) {
		t.Fatalf("non-positive pids are never alive")
	}
}
