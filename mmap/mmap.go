// Package mmap wraps memory mapping of files and the matching durability
// primitives for the platforms skdb runs on.
package mmap

import (
	"errors"
	"fmt"
	"os"
)

type Options uint

const (
	// Writable maps the file read-write (otherwise it's mapped read-only).
	Writable Options = 1 << 0

	// SequentialAccess hints aggressive read-ahead. Maps to MADV_SEQUENTIAL.
	SequentialAccess Options = 1 << 1
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

var ErrClosed = errors.New("mmap: region closed")

// Fdatasync makes the data written to f durable, skipping the metadata
// that fsync would also flush. If mapping is non-nil it is the mmap'ed view
// of f and is synced through the mapping where the OS supports that.
//
// Errors are not recoverable: after a failed sync the OS may have dropped the
// dirty pages, so the only safe reaction is to stop writing.
func Fdatasync(f *os.File, mapping []byte) error {
	return fdatasync(f, mapping)
}

// Region is a writable mapping of a file that can grow. The file is extended
// with Truncate before remapping, so the mapping never extends past EOF.
type Region struct {
	f    *os.File
	data []byte
	opt  Options
}

// OpenRegion maps f read-write, growing the file to at least size bytes.
func OpenRegion(f *os.File, size int64, opt Options) (*Region, error) {
	opt |= Writable
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() > size {
		size = st.Size()
	}
	r := &Region{f: f, opt: opt}
	if err := r.remap(size); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Region) Bytes() []byte {
	return r.data
}

func (r *Region) Size() int64 {
	return int64(len(r.data))
}

// Grow makes the region at least size bytes long. Slices obtained from Bytes
// before Grow must not be used afterwards.
func (r *Region) Grow(size int64) error {
	if r.f == nil {
		return ErrClosed
	}
	if size <= int64(len(r.data)) {
		return nil
	}
	if size > MaxSize {
		return fmt.Errorf("mmap: %d bytes exceeds maximum mapping size", size)
	}
	if err := munmap(r.data); err != nil {
		return err
	}
	r.data = nil
	return r.remap(size)
}

func (r *Region) remap(size int64) error {
	if err := r.f.Truncate(size); err != nil {
		return fmt.Errorf("mmap: truncate: %w", err)
	}
	b, err := mmap(r.f, int(size), r.opt)
	if err != nil {
		return err
	}
	r.data = b
	return nil
}

func (r *Region) Sync() error {
	if r.f == nil {
		return ErrClosed
	}
	return fdatasync(r.f, r.data)
}

// Close unmaps the region. The file itself stays open and owned by the
// caller.
func (r *Region) Close() error {
	if r.f == nil {
		return nil
	}
	var err error
	if len(r.data) > 0 {
		err = munmap(r.data)
	}
	r.data = nil
	r.f = nil
	return err
}
