// Package lockfile implements advisory cross-process locks over the
// platform's native file locking call.
//
// Locks are named; each name maps to one lock file under the manager's
// directory. Mutual exclusion is enforced by flock(2), not by the lock
// file's presence: a file left behind by a dead process carries no lock,
// so stale locks are reclaimed by simply acquiring them. The holder
// metadata written into the file is audit evidence for humans and for the
// recovery manager, never the exclusion mechanism itself.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Sentinel errors for lock operations.
var (
	// ErrBusy indicates another holder currently owns the lock.
	// Callers must treat this as "try later", never as fatal.
	ErrBusy = errors.New("lock is busy")

	// ErrTimeout indicates acquisition did not succeed within the
	// caller's timeout. Retryable.
	ErrTimeout = errors.New("lock acquisition timed out")
)

// JobLockName returns the lock name guarding one job's manifest.
// The engine, the sentinel, and the recovery manager all use this same
// name; there is no private bypass path.
func JobLockName(jobID string) string {
	return "job:" + jobID
}

// Holder records who took a lock, for audit and crash detection.
type Holder struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held advisory lock. Release it on every exit path.
type Lock struct {
	name string
	path string
	f    *os.File
}

// Name returns the lock's name.
func (l *Lock) Name() string {
	return l.name
}

// Release unlocks and closes the lock file. Safe to call once per Lock;
// the file itself is left in place for the next acquirer.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	// Best effort: clear holder metadata so a stale-looking file is not
	// mistaken for a crash of the releasing process.
	_ = l.f.Truncate(0)
	unlockErr := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock %q: %w", l.name, unlockErr)
	}
	return closeErr
}

// Manager creates named locks under one directory.
type Manager struct {
	dir string
}

func NewManager(dir string) *Manager {
	return &Manager{dir: strings.TrimSpace(dir)}
}

// Path returns the lock file path for a name.
func (m *Manager) Path(name string) string {
	// Lock names may contain separators (job:<uuid>); flatten anything
	// that would escape the lock directory.
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(name)
	return filepath.Join(m.dir, safe+".lock")
}

// TryAcquire attempts a non-blocking acquisition.
//
// Returns ErrBusy (wrapped) when another live process holds the lock.
func (m *Manager) TryAcquire(name string) (*Lock, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("lock name is required")
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	path := m.Path(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %q: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK || err == syscall.EAGAIN {
			return nil, fmt.Errorf("lock %q: %w", name, ErrBusy)
		}
		return nil, fmt.Errorf("flock %q: %w", name, err)
	}

	// Lock held; record holder metadata for auditors.
	host, _ := os.Hostname()
	holder := Holder{PID: os.Getpid(), Host: host, AcquiredAt: time.Now().UTC()}
	b, _ := json.Marshal(holder)
	_ = f.Truncate(0)
	_, _ = f.WriteAt(append(b, '\n'), 0)

	return &Lock{name: name, path: path, f: f}, nil
}

// Acquire attempts acquisition with bounded backoff until timeout.
//
// Returns ErrTimeout (wrapped) when the lock stays busy past the
// caller's deadline. Any other error is returned immediately.
func (m *Manager) Acquire(name string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond

	for {
		lock, err := m.TryAcquire(name)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("lock %q after %s: %w", name, timeout, ErrTimeout)
		}
		if backoff > remaining {
			backoff = remaining
		}
		time.Sleep(backoff)
		if backoff < 250*time.Millisecond {
			backoff *= 2
		}
	}
}

// WithLock runs fn while holding the named lock, releasing it on every
// exit path including a panic inside fn (the panic is converted to an
// error after release).
func (m *Manager) WithLock(name string, timeout time.Duration, fn func() error) (err error) {
	if fn == nil {
		return fmt.Errorf("lock %q: fn is nil", name)
	}
	lock, err := m.Acquire(name, timeout)
	if err != nil {
		return err
	}
	defer func() {
		releaseErr := lock.Release()
		if r := recover(); r != nil {
			err = fmt.Errorf("lock %q: panic in critical section: %v", name, r)
			return
		}
		if err == nil {
			err = releaseErr
		}
	}()
	return fn()
}

// ReadHolder reads recorded holder metadata without taking the lock.
// Returns nil when the file is absent or carries no metadata.
func (m *Manager) ReadHolder(name string) (*Holder, error) {
	b, err := os.ReadFile(m.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, nil
	}
	var h Holder
	if err := json.Unmarshal([]byte(trimmed), &h); err != nil {
		return nil, fmt.Errorf("parse lock holder: %w", err)
	}
	return &h, nil
}

// StaleHolder reports the recorded holder when the lock file names a
// process that no longer exists. Liveness is checked, not assumed.
func (m *Manager) StaleHolder(name string) (*Holder, bool) {
	h, err := m.ReadHolder(name)
	if err != nil || h == nil {
		return nil, false
	}
	if processAlive(h.PID) {
		return h, false
	}
	return h, true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
