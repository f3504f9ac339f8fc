//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Preallocate reserves disk space for a file about to receive size
// bytes. FALLOC_FL_KEEP_SIZE leaves the file length at whatever has
// actually been written, so a short write never pads the file with
// zeros. Errors are ignored as fallocate is not supported on all
// filesystems.
func Preallocate(f *os.File, size int64) {
	if size <= 0 {
		return
	}
	//nolint:errcheck // fallocate is advisory; not supported on all filesystems
	unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
}
