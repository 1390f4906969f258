package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

var (
	// ErrWouldBlock is returned by [Locker.TryLock] when the lock is held by
	// another process.
	ErrWouldBlock = errors.New("lock would block")

	// errInodeMismatch is an internal sentinel indicating the lock file was
	// replaced between open and flock. Callers should retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// Locker acquires an exclusive, process-wide lock on a data directory using
// flock(2) on a single ".lock" sentinel file. A dedupvault data directory
// (FWI/PDHI files, the GC candidate table, the container store) must never
// be opened read-write by two processes at once - torn writes from one
// process could be replayed as valid by the other's transaction journal.
// [container.DirStore] is the only caller; FWI and PDHI are opened in-process
// by the same component that already holds the directory lock.
//
// flock locks an inode, not a pathname, so Locker verifies the lock file it
// flocked still matches the path after acquiring, closing a race where the
// file was replaced mid-acquisition.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that uses the given filesystem for file operations.
func NewLocker(fsys FS) *Locker {
	return &Locker{
		fs:    fsys,
		flock: syscall.Flock,
	}
}

// Lock represents a held exclusive lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent - calling it multiple times is safe and subsequent calls
// return nil.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, syscall.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

// Lock acquires an exclusive lock on the file at path, blocking until the
// lock is available.
//
// If the file or its parent directories do not exist, they are created
// lazily. The lock is held on the exact path provided - not a temporary file.
//
// Race conditions where the file is replaced (renamed, deleted+recreated)
// during lock acquisition are handled automatically - the lock is always
// acquired on the inode currently at path.
func (l *Locker) Lock(path string) (*Lock, error) {
	for {
		file, err := l.openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, false)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

// TryLock attempts to acquire an exclusive lock without blocking.
//
// Returns [ErrWouldBlock] immediately if the lock is held by another
// process (or the lock file was replaced mid-acquisition).
func (l *Locker) TryLock(path string) (*Lock, error) {
	file, err := l.openLockFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening lockfile: %w", err)
	}

	err = l.acquire(file, path, true)
	if err == nil {
		return &Lock{file: file, flock: l.flock}, nil
	}

	_ = file.Close()

	if errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch) {
		return nil, ErrWouldBlock
	}

	return nil, err
}

// acquire attempts to flock the given file and verify the inode still matches
// path. On failure, the file is unlocked (if needed) but NOT closed - the
// caller must close it.
func (l *Locker) acquire(file File, path string, nonBlocking bool) error {
	fd := int(file.Fd())

	flags := syscall.LOCK_EX
	if nonBlocking {
		flags |= syscall.LOCK_NB
	}

	if err := flockRetryEINTR(l.flock, fd, flags); err != nil {
		if isWouldBlock(err) {
			return ErrWouldBlock
		}

		return err
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, syscall.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, syscall.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string) (File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath verifies that f (the open file descriptor we're about to
// use as the lock) still refers to the file currently at path. flock locks an
// inode, not a pathname, so a concurrent rename/recreate at path can leave two
// callers each believing they hold "the" lock on different inodes; this check
// closes that window.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR. We cap retries to avoid
// spinning forever under pathological signal storms.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error

	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
