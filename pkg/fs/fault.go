package fs

import (
	"fmt"
	"os"
	"sync"
)

// FaultOp identifies an [FS] method [Fault] can fail.
type FaultOp string

// Valid FaultOp values for [Fault.FailAfter].
const (
	FaultOpOpenFile  FaultOp = "openfile"
	FaultOpWriteFile FaultOp = "writefile"
	FaultOpReadFile  FaultOp = "readfile"
	FaultOpMkdirAll  FaultOp = "mkdirall"
	FaultOpRename    FaultOp = "rename"
)

// Fault wraps an [FS] and deterministically fails one configured operation
// after a fixed number of successful calls. It exists to drive the
// IoError/StorageFull propagation paths of the Container Store reference
// implementation ([container.DirStore]'s
// rename-based commit and JSON read/write), not to model arbitrary
// filesystem unreliability - unlike a randomized fault injector, the same
// configuration always fails on the same call, so callers can assert on a
// specific partially-completed operation (for example "the rename that
// commits a container failed, so the temp file is left behind and the
// container never appears as committed").
//
// The zero value wraps nothing; use [NewFault].
type Fault struct {
	fs FS

	mu    sync.Mutex
	rules map[FaultOp]*faultRule
}

type faultRule struct {
	remaining int
	err       error
}

// NewFault wraps fsys so operations armed with [Fault.FailAfter] can be made
// to fail deterministically.
func NewFault(fsys FS) *Fault {
	return &Fault{fs: fsys, rules: make(map[FaultOp]*faultRule)}
}

// FailAfter arms op to fail with err after n further successful calls (n==0
// fails on the very next call). Calling FailAfter again for the same op
// replaces its rule.
func (f *Fault) FailAfter(op FaultOp, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules[op] = &faultRule{remaining: n, err: err}
}

// trigger reports whether op should fail now, consuming one call toward the
// armed countdown either way.
func (f *Fault) trigger(op FaultOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rule, armed := f.rules[op]
	if !armed {
		return nil
	}

	if rule.remaining > 0 {
		rule.remaining--
		return nil
	}

	delete(f.rules, op)

	return rule.err
}

var _ FS = (*Fault)(nil)

func (f *Fault) Open(path string) (File, error) { return f.fs.Open(path) }

func (f *Fault) Create(path string) (File, error) { return f.fs.Create(path) }

func (f *Fault) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.trigger(FaultOpOpenFile); err != nil {
		return nil, fmt.Errorf("fault: openfile %s: %w", path, err)
	}

	return f.fs.OpenFile(path, flag, perm)
}

func (f *Fault) ReadFile(path string) ([]byte, error) {
	if err := f.trigger(FaultOpReadFile); err != nil {
		return nil, fmt.Errorf("fault: readfile %s: %w", path, err)
	}

	return f.fs.ReadFile(path)
}

func (f *Fault) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := f.trigger(FaultOpWriteFile); err != nil {
		return fmt.Errorf("fault: writefile %s: %w", path, err)
	}

	return f.fs.WriteFile(path, data, perm)
}

func (f *Fault) ReadDir(path string) ([]os.DirEntry, error) { return f.fs.ReadDir(path) }

func (f *Fault) MkdirAll(path string, perm os.FileMode) error {
	if err := f.trigger(FaultOpMkdirAll); err != nil {
		return fmt.Errorf("fault: mkdirall %s: %w", path, err)
	}

	return f.fs.MkdirAll(path, perm)
}

func (f *Fault) Stat(path string) (os.FileInfo, error) { return f.fs.Stat(path) }

func (f *Fault) Exists(path string) (bool, error) { return f.fs.Exists(path) }

func (f *Fault) Remove(path string) error { return f.fs.Remove(path) }

func (f *Fault) RemoveAll(path string) error { return f.fs.RemoveAll(path) }

func (f *Fault) Rename(oldpath, newpath string) error {
	if err := f.trigger(FaultOpRename); err != nil {
		return fmt.Errorf("fault: rename %s -> %s: %w", oldpath, newpath, err)
	}

	return f.fs.Rename(oldpath, newpath)
}
