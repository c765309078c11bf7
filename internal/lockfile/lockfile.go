// Package lockfile keeps two hub processes from serving the same workflow
// database and import directory.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLocked is returned when a running process holds the lock.
var ErrLocked = errors.New("another scrcpyhub instance is running")

// Lockfile is an exclusive, PID-stamped lock file. A lock whose process no
// longer runs is stale and taken over.
type Lockfile struct {
	path   string
	file   *os.File
	locked bool
}

// New creates a lock at path. Nothing touches the disk until TryAcquire.
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// ForDatabase returns the lock guarding the database at dbPath. An
// in-memory database needs none and yields nil.
func ForDatabase(dbPath string) *Lockfile {
	if dbPath == "" || dbPath == ":memory:" {
		return nil
	}
	return New(dbPath + ".lock")
}

// TryAcquire takes the lock. The note is stored next to the PID and shown
// to the next process that finds the lock held.
func (l *Lockfile) TryAcquire(note string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := l.create()
	if os.IsExist(err) {
		holder, running := l.holder()
		if running {
			return fmt.Errorf("%w: %s", ErrLocked, holder)
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lockfile: %w", err)
		}
		file, err = l.create()
	}
	if err != nil {
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	l.file = file
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), strings.ReplaceAll(note, "\n", " "))
	if _, err := file.WriteString(content); err != nil {
		_ = l.Release()
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

func (l *Lockfile) create() (*os.File, error) {
	return os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
}

// holder describes the process recorded in the lock file and reports
// whether it still runs. Unreadable files count as stale.
func (l *Lockfile) holder() (string, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", false
	}

	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return "", false
	}
	if pid != os.Getpid() && !isProcessRunning(pid) {
		return "", false
	}

	desc := fmt.Sprintf("pid %d", pid)
	if len(lines) == 2 && strings.TrimSpace(lines[1]) != "" {
		desc += " (" + strings.TrimSpace(lines[1]) + ")"
	}
	return desc, true
}

// Release removes the lock. Releasing an unheld lock is a no-op.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false

	var errs []error
	if l.file != nil {
		errs = append(errs, l.file.Close())
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove lockfile: %w", err))
	}
	return errors.Join(errs...)
}

// Locked reports whether this process holds the lock.
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lock file path.
func (l *Lockfile) Path() string {
	return l.path
}
