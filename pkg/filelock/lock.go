// Package filelock implements the cross-process advisory lock used by every writer of the
// shared state files. The lock is a sibling file "<target>.lock" holding a single line
// "pid=<n> started=<RFC3339>". A lock whose owner pid no longer exists is stale and may be
// broken by the next writer.
//
// Taking and breaking the lock file is serialised between processes by a flock(2) on the
// sibling "<target>.lock.guard", which is never removed. Two processes that both find the same
// stale lock therefore break it one after the other, and the second one sees the first one's
// fresh lock.
//
// Locks are process-wide: New returns the same *Lock for the same target, and a process that
// already holds the lock may acquire it again (the release happens when the last holder releases).
package filelock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/yusufsyaifudin/saiyoumail/pkg/procutil"
)

const (
	suffix      = ".lock"
	guardSuffix = ".guard"

	// a lock file that cannot be parsed is considered "being written" for this long.
	unparsableGrace = 5 * time.Second
)

var ErrLockHeld = errors.New("lock is held")

// HeldError tells which process is holding the lock.
type HeldError struct {
	Path string
	Info Info
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %s is held by pid %d since %s", e.Path, e.Info.PID, e.Info.Started.Format(time.RFC3339))
}

func (e *HeldError) Unwrap() error {
	return ErrLockHeld
}

// Info is the content of a lock file.
type Info struct {
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

func (i Info) String() string {
	return fmt.Sprintf("pid=%d started=%s", i.PID, i.Started.Format(time.RFC3339))
}

// ParseInfo parses "pid=<n> started=<RFC3339>".
func ParseInfo(line string) (Info, error) {
	var info Info
	for _, field := range strings.Fields(line) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}

		switch k {
		case "pid":
			pid, err := strconv.Atoi(v)
			if err != nil {
				return Info{}, fmt.Errorf("invalid pid %q: %w", v, err)
			}
			info.PID = pid

		case "started":
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return Info{}, fmt.Errorf("invalid started %q: %w", v, err)
			}
			info.Started = t
		}
	}

	if info.PID <= 0 {
		return Info{}, fmt.Errorf("lock file line %q has no pid", line)
	}

	return info, nil
}

type Lock struct {
	path  string
	mu    sync.Mutex
	depth int
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Lock{}
)

// New returns the process-wide lock guarding target.
func New(target string) *Lock {
	p, err := filepath.Abs(target + suffix)
	if err != nil {
		p = filepath.Clean(target + suffix)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if l, ok := registry[p]; ok {
		return l
	}

	l := &Lock{path: p}
	registry[p] = l
	return l
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// TryAcquire takes the lock without waiting. It returns *HeldError when a live process owns it.
func (l *Lock) TryAcquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth > 0 {
		l.depth++
		return nil
	}

	unlock, err := l.guard()
	if err != nil {
		return err
	}

	defer unlock()

	for attempt := 0; attempt < 3; attempt++ {
		err = l.create()
		if err == nil {
			if err = l.confirm(); err != nil {
				return err
			}

			l.depth = 1
			return nil
		}

		if !errors.Is(err, fs.ErrExist) {
			return err
		}

		stale, info, err := l.inspect()
		if err != nil {
			return err
		}

		if !stale {
			return &HeldError{Path: l.path, Info: info}
		}

		if err = os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("break stale lock %s (%s): %w", l.path, info, err)
		}
	}

	return fmt.Errorf("cannot acquire lock %s: %w", l.path, ErrLockHeld)
}

// Acquire blocks until the lock is taken or ctx is done.
func (l *Lock) Acquire(ctx context.Context, pollEvery time.Duration) error {
	if pollEvery <= 0 {
		pollEvery = 200 * time.Millisecond
	}

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		err := l.TryAcquire()
		if err == nil || !errors.Is(err, ErrLockHeld) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w: %w", l.path, err, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release drops one hold. The lock file is removed once the last hold is released,
// but only when it still belongs to this process.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 {
		return nil
	}

	l.depth--
	if l.depth > 0 {
		return nil
	}

	unlock, err := l.guard()
	if err != nil {
		return err
	}

	defer unlock()

	info, err := ReadInfo(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err == nil && info.PID != os.Getpid() {
		// somebody broke our lock and owns it now
		return nil
	}

	if err = os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock %s: %w", l.path, err)
	}

	return nil
}

// Held reports whether this process currently holds the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth > 0
}

// Holder returns the live owner of the lock, if any. Stale lock files report false.
func (l *Lock) Holder() (Info, bool, error) {
	info, err := ReadInfo(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, false, nil
	}

	if err != nil {
		return Info{}, false, err
	}

	if !procutil.Alive(info.PID) {
		return info, false, nil
	}

	return info, true, nil
}

// Do runs fn while holding the lock, waiting up to ctx for it.
func (l *Lock) Do(ctx context.Context, fn func() error) (err error) {
	if err = l.Acquire(ctx, 0); err != nil {
		return err
	}

	defer func() {
		if _err := l.Release(); _err != nil {
			err = multierr.Append(err, _err)
		}
	}()

	return fn()
}

// ReadInfo reads and parses a lock file.
func ReadInfo(path string) (Info, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}

	return ParseInfo(strings.TrimSpace(string(b)))
}

func (l *Lock) create() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}

		return fmt.Errorf("create lock %s: %w", l.path, err)
	}

	info := Info{PID: os.Getpid(), Started: time.Now()}
	_, werr := f.WriteString(info.String() + "\n")
	err = multierr.Combine(werr, f.Sync(), f.Close())
	if err != nil {
		_ = os.Remove(l.path)
		return fmt.Errorf("write lock %s: %w", l.path, err)
	}

	return nil
}

// guard takes the exclusive flock on the guard file. The flock is dropped when the
// descriptor is closed, also when the process dies.
func (l *Lock) guard() (unlock func(), err error) {
	if err = os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(l.path+guardSuffix, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock guard %s: %w", l.path, err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}

	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock lock guard %s: %w", l.path, err)
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

// confirm re-reads a freshly created lock file; it must carry our pid.
func (l *Lock) confirm() error {
	info, err := ReadInfo(l.path)
	if err != nil {
		return fmt.Errorf("verify lock %s: %w", l.path, err)
	}

	if info.PID != os.Getpid() {
		return &HeldError{Path: l.path, Info: info}
	}

	return nil
}

// inspect decides whether an existing lock file is stale.
func (l *Lock) inspect() (stale bool, info Info, err error) {
	info, err = ReadInfo(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, Info{}, nil
	}

	if err != nil {
		st, statErr := os.Stat(l.path)
		if statErr != nil {
			return true, Info{}, nil
		}

		return time.Since(st.ModTime()) > unparsableGrace, Info{Started: st.ModTime()}, nil
	}

	if info.PID == os.Getpid() {
		// our pid but not our hold: left over by a previous process that had the same pid
		return true, info, nil
	}

	return !procutil.Alive(info.PID), info, nil
}
