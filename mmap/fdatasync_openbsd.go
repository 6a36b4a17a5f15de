package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// OpenBSD has no unified buffer cache, so mapped pages are synced through
// the mapping.
func fdatasync(f *os.File, mapping []byte) error {
	if mapping != nil {
		return unix.Msync(mapping, unix.MS_SYNC|unix.MS_INVALIDATE)
	}
	return f.Sync()
}
