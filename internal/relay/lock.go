package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrLockLost means the lease was taken over or removed while held.
var ErrLockLost = errors.New("lock lost")

// Locker keeps two relays from sweeping at once. Implemented by redis.Lock
// and FileLock. Refresh extends a held lease and fails once it is gone.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// breakTTL frees the takeover guard if a relay dies between creating and
// removing it.
const breakTTL = 30 * time.Second

// FileLock is a lock file created with O_EXCL. A file not refreshed within
// the TTL is treated as left behind by a crashed run and replaced. Replacing
// happens under a second guard file so two relays can't both break the same
// stale lock.
type FileLock struct {
	path  string
	ttl   time.Duration
	now   func() time.Time
	token []byte
}

func NewFileLock(path string, ttl time.Duration) *FileLock {
	return &FileLock{path: path, ttl: ttl, now: time.Now}
}

func (l *FileLock) TryLock(ctx context.Context) (bool, error) {
	token := []byte(strconv.Itoa(os.Getpid()) + " " + uuid.NewString() + "\n")
	for attempt := 0; attempt < 2; attempt++ {
		created, err := l.create(token)
		if err != nil {
			return false, err
		}
		if created {
			l.token = token
			return true, nil
		}

		info, stale, err := l.stale()
		if err != nil {
			return false, err
		}
		if !stale {
			return false, nil
		}
		if err := l.breakStale(info); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (l *FileLock) create(token []byte) (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lock file %s: %w", l.path, err)
	}
	_, werr := f.Write(token)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("write lock file %s: %w", l.path, errors.Join(werr, cerr))
	}
	return true, nil
}

// stale reports whether the file at path has outlived the TTL. info is nil
// when the file is already gone.
func (l *FileLock) stale() (fs.FileInfo, bool, error) {
	if l.ttl <= 0 {
		return nil, false, nil
	}
	info, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stat lock file %s: %w", l.path, err)
	}
	return info, l.now().Sub(info.ModTime()) > l.ttl, nil
}

// breakStale removes the lock file only if it is still the same stale file
// seen earlier. The check and the remove run under the guard file, so a lock
// created by another relay in the meantime is never removed.
func (l *FileLock) breakStale(seen fs.FileInfo) error {
	if seen == nil {
		return nil
	}
	guard := l.path + ".break"
	f, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		if info, serr := os.Stat(guard); serr == nil && l.now().Sub(info.ModTime()) > breakTTL {
			_ = os.Remove(guard)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("create lock guard %s: %w", guard, err)
	}
	_ = f.Close()
	defer os.Remove(guard)

	info, stale, err := l.stale()
	if err != nil || info == nil || !stale || !os.SameFile(seen, info) {
		return err
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale lock file %s: %w", l.path, err)
	}
	return nil
}

func (l *FileLock) owned() error {
	if l.token == nil {
		return errors.New("lock not held")
	}
	content, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s removed", ErrLockLost, l.path)
	}
	if err != nil {
		return fmt.Errorf("read lock file %s: %w", l.path, err)
	}
	if !bytes.Equal(content, l.token) {
		return fmt.Errorf("%w: %s taken over", ErrLockLost, l.path)
	}
	return nil
}

// Refresh touches the lock file so it stays fresh past the TTL.
func (l *FileLock) Refresh(ctx context.Context) error {
	if err := l.owned(); err != nil {
		return err
	}
	now := l.now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return fmt.Errorf("touch lock file %s: %w", l.path, err)
	}
	return nil
}

// Unlock removes the lock file if it still carries our token.
func (l *FileLock) Unlock(ctx context.Context) error {
	err := l.owned()
	l.token = nil
	if err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file %s: %w", l.path, err)
	}
	return nil
}
