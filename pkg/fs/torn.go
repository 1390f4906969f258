package fs

import "os"

// TornWrite simulates a crash mid-write by overwriting n bytes at offset
// within the file at path with 0xFF bytes, bypassing the [FS]/
// [File] abstraction entirely.
//
// FWI slots and PDHI pages are written through a raw file descriptor
// obtained from [File.Fd] so multiple writers can target independent
// offsets concurrently (see pkg/fwi and pkg/pdhi's use of
// golang.org/x/sys/unix's Pread/Pwrite) - the [FS] layer never observes
// those writes, so a fault injector built around [FS]/[File] calls (see
// [Fault]) cannot reach them. Crash-recovery tests for those components use
// TornWrite instead, corrupting the same bytes a real torn sector write
// would have left behind.
func TornWrite(path string, offset int64, n int) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	garbage := make([]byte, n)
	for i := range garbage {
		garbage[i] = 0xFF
	}

	if _, err := f.WriteAt(garbage, offset); err != nil {
		return err
	}

	return f.Sync()
}
