package fs

import (
	"errors"
	"path/filepath"
	"testing"
)

var errFaultTest = errors.New("simulated failure")

func TestFaultFailsArmedOpThenPassesThroughAfterward(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")

	f := NewFault(NewReal())
	f.FailAfter(FaultOpWriteFile, 0, errFaultTest)

	if err := f.WriteFile(path, []byte("a"), 0o600); !errors.Is(err, errFaultTest) {
		t.Fatalf("expected armed WriteFile to fail, got %v", err)
	}

	if exists, _ := f.Exists(path); exists {
		t.Fatalf("expected no file left behind by the failed write")
	}

	if err := f.WriteFile(path, []byte("b"), 0o600); err != nil {
		t.Fatalf("expected the next WriteFile to pass through, got %v", err)
	}
}

func TestFaultFailAfterCountsSuccessesBeforeFailing(t *testing.T) {
	dir := t.TempDir()

	f := NewFault(NewReal())
	f.FailAfter(FaultOpMkdirAll, 2, errFaultTest)

	for i := 0; i < 2; i++ {
		if err := f.MkdirAll(filepath.Join(dir, "a", "b"), 0o755); err != nil {
			t.Fatalf("call %d: expected success before the armed count is exhausted, got %v", i, err)
		}
	}

	if err := f.MkdirAll(filepath.Join(dir, "a", "b"), 0o755); !errors.Is(err, errFaultTest) {
		t.Fatalf("expected the third call to fail, got %v", err)
	}
}

func TestFaultLeavesOtherOpsUnaffected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "untouched.json")

	f := NewFault(NewReal())
	f.FailAfter(FaultOpRename, 0, errFaultTest)

	if err := f.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("WriteFile should be unaffected by a Rename fault, got %v", err)
	}
}
