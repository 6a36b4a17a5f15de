package journal

import (
	"fmt"
	"os"

	"github.com/andreyvit/skvar/mmap"
)

const (
	minMappedSize     = 64 * 1024
	maxMappedGrowStep = 64 * 1024 * 1024
)

// mappedLog is a Log that writes through a memory mapping. The file is
// preallocated ahead of the logical end; the tail past Size reads as zeros
// and is cut off on Close.
type mappedLog struct {
	f    *os.File
	r    *mmap.Region
	size int64
}

// OpenMappedLog opens (creating if needed) a memory-mapped log at path. The
// whole current file is treated as content.
func OpenMappedLog(path string) (Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	var ok bool
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	r, err := mmap.OpenRegion(f, max(minMappedSize, st.Size()), mmap.SequentialAccess)
	if err != nil {
		return nil, err
	}
	ok = true
	return &mappedLog{f: f, r: r, size: st.Size()}, nil
}

func (l *mappedLog) ensure(n int64) error {
	need := l.size + n
	capacity := l.r.Size()
	if need <= capacity {
		return nil
	}
	for capacity < need {
		capacity += min(capacity, maxMappedGrowStep)
	}
	return l.r.Grow(capacity)
}

func (l *mappedLog) Append(p []byte) (int64, error) {
	if l.f == nil {
		return 0, ErrClosed
	}
	if err := l.ensure(int64(len(p))); err != nil {
		return 0, err
	}
	off := l.size
	copy(l.r.Bytes()[off:], p)
	l.size += int64(len(p))
	return off, nil
}

func (l *mappedLog) ReadRange(off int64, n int) ([]byte, error) {
	if l.f == nil {
		return nil, ErrClosed
	}
	if off < 0 || n < 0 || off+int64(n) > l.size {
		return nil, fmt.Errorf("journal: range %d+%d outside of log size %d", off, n, l.size)
	}
	buf := make([]byte, n)
	copy(buf, l.r.Bytes()[off:])
	return buf, nil
}

// Flush is a no-op: the mapping already is the page cache.
func (l *mappedLog) Flush() error {
	if l.f == nil {
		return ErrClosed
	}
	return nil
}

func (l *mappedLog) Sync() error {
	if l.f == nil {
		return ErrClosed
	}
	return l.r.Sync()
}

func (l *mappedLog) Size() int64 {
	return l.size
}

func (l *mappedLog) Truncate(size int64) error {
	if l.f == nil {
		return ErrClosed
	}
	if size > l.size {
		return fmt.Errorf("journal: cannot truncate log of %d bytes to %d", l.size, size)
	}
	clear(l.r.Bytes()[size:l.size])
	l.size = size
	return nil
}

func (l *mappedLog) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.r.Close()
	if terr := l.f.Truncate(l.size); err == nil {
		err = terr
	}
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f, l.r = nil, nil
	return err
}
