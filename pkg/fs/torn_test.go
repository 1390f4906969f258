package fs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestTornWriteCorruptsOnlyTheGivenRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	original := bytes.Repeat([]byte{0xAB}, 32)
	if err := os.WriteFile(path, original, 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := TornWrite(path, 8, 4); err != nil {
		t.Fatalf("TornWrite: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !bytes.Equal(got[:8], original[:8]) {
		t.Fatalf("expected bytes before offset to be untouched")
	}

	if bytes.Equal(got[8:12], original[8:12]) {
		t.Fatalf("expected the torn range to differ from the original bytes")
	}

	if !bytes.Equal(got[12:], original[12:]) {
		t.Fatalf("expected bytes after the torn range to be untouched")
	}
}
