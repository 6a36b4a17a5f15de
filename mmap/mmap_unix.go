//go:build unix

package mmap

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int, opt Options) ([]byte, error) {
	prot := unix.PROT_READ
	if opt.Has(Writable) {
		prot |= unix.PROT_WRITE
	}

	b, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %v: %w", f.Name(), err)
	}

	if !opt.Has(SequentialAccess) {
		return b, nil
	}
	// ENOSYS only means the kernel ignores hints
	if err := unix.Madvise(b, unix.MADV_SEQUENTIAL); err != nil && err != syscall.ENOSYS {
		_ = unix.Munmap(b)
		return nil, fmt.Errorf("madvise %v: %w", f.Name(), err)
	}
	return b, nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
