package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// File-based mutual exclusion between independent processes sharing one
// store directory. Two flavors:
//
//   - age-stale locks (.gc-running): reclaimed when the file is older than
//     the configured staleness window, regardless of owner liveness;
//   - pid-liveness locks (.embedding-repair.lock): reclaimed when the
//     recorded process no longer exists, probed with a zero signal.
//
// Both are inherently racy: between reading a stale lock and replacing it,
// another process may do the same (TOCTOU). The window is a few
// milliseconds and the guarded work is idempotent, so the contract is kept
// for compatibility with the on-disk layout rather than replaced by an
// advisory OS lock.

const (
	gcLockFile      = ".gc-running"
	repairLockFile  = ".embedding-repair.lock"
	lastGCStampFile = ".last-gc-timestamp"
)

// AcquireMaintenanceLock takes the consolidation/GC lock. It returns a
// release function and true on success; false means another process holds a
// fresh lock and the caller should treat the run as "not my turn".
func (s *Store) AcquireMaintenanceLock() (release func(), ok bool) {
	return acquireLock(filepath.Join(s.dir, gcLockFile), func(pid int, age time.Duration) bool {
		return age > s.cfg.LockStaleAfter
	})
}

// AcquireRepairLock takes the embedding-repair lock. Staleness is judged by
// owner liveness, not age.
func (s *Store) AcquireRepairLock() (release func(), ok bool) {
	return acquireLock(filepath.Join(s.dir, repairLockFile), func(pid int, age time.Duration) bool {
		return pid <= 0 || !processAlive(pid)
	})
}

func acquireLock(path string, stale func(pid int, age time.Duration) bool) (func(), bool) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, true
		}
		if !os.IsExist(err) {
			return nil, false
		}
		pid, age, rerr := readLock(path)
		if rerr != nil {
			// Lock vanished between the create attempt and the read; retry.
			continue
		}
		if !stale(pid, age) {
			return nil, false
		}
		os.Remove(path)
	}
	return nil, false
}

func readLock(path string) (pid int, age time.Duration, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	pid, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	return pid, time.Since(info.ModTime()), nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// LastMaintenance returns the timestamp of the last successful
// consolidation/GC run, zero when none is recorded.
func (s *Store) LastMaintenance() time.Time {
	data, err := os.ReadFile(filepath.Join(s.dir, lastGCStampFile))
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}
	}
	return t
}

// RecordMaintenance stamps the interval gate file.
func (s *Store) RecordMaintenance(t time.Time) error {
	path := filepath.Join(s.dir, lastGCStampFile)
	if err := os.WriteFile(path, []byte(t.UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", lastGCStampFile, err)
	}
	return nil
}

// MaintenanceDue reports whether the minimum interval since the last run
// has elapsed. Independent of the lock.
func (s *Store) MaintenanceDue(now time.Time) bool {
	last := s.LastMaintenance()
	return last.IsZero() || now.Sub(last) >= s.cfg.GCMinInterval
}
