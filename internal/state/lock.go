package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned when another live process holds the state directory.
var ErrLocked = errors.New("state directory is locked by another process")

const lockFileName = ".lock"

// acquireLock takes the advisory single-writer lock for the state directory.
// The lock file records the holder PID; a lock held by a dead process is
// broken and re-acquired.
func acquireLock(dir string) error {
	path := filepath.Join(dir, lockFileName)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock file: %w", err)
		}
		pid, rerr := readLockPID(path)
		if rerr == nil && processAlive(pid) {
			return fmt.Errorf("%w (pid %d)", ErrLocked, pid)
		}
		// Holder is gone; break the lock and retry once.
		os.Remove(path)
	}
	return fmt.Errorf("%w", ErrLocked)
}

func releaseLock(dir string) {
	os.Remove(filepath.Join(dir, lockFileName))
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive reports whether a PID refers to a live process we can signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
