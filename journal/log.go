package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrClosed = errors.New("journal: log closed")

// Log is an append-only byte log backing a segment. Implementations are not
// safe for concurrent use.
type Log interface {
	// Append writes p at the end of the log and returns its offset.
	Append(p []byte) (off int64, err error)

	// ReadRange returns a copy of n bytes at off. Appended bytes are readable
	// immediately, flushed or not.
	ReadRange(off int64, n int) ([]byte, error)

	// Flush hands buffered bytes over to the OS.
	Flush() error

	// Sync makes everything appended so far durable.
	Sync() error

	// Size returns the logical length of the log.
	Size() int64

	// Truncate cuts the log to size bytes, which must not exceed Size.
	Truncate(size int64) error

	Close() error
}

const fileLogBufferSize = 64 * 1024

// fileLog is a Log over buffered os.File writes.
type fileLog struct {
	f       *os.File
	w       *bufio.Writer
	size    int64
	flushed int64
}

// OpenFileLog opens (creating if needed) a log at path using buffered file
// I/O. The whole file is considered log content.
func OpenFileLog(path string) (Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(st.Size(), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &fileLog{
		f:       f,
		w:       bufio.NewWriterSize(f, fileLogBufferSize),
		size:    st.Size(),
		flushed: st.Size(),
	}, nil
}

func (l *fileLog) Append(p []byte) (int64, error) {
	if l.f == nil {
		return 0, ErrClosed
	}
	off := l.size
	n, err := l.w.Write(p)
	l.size += int64(n)
	return off, err
}

func (l *fileLog) ReadRange(off int64, n int) ([]byte, error) {
	if l.f == nil {
		return nil, ErrClosed
	}
	if off < 0 || n < 0 || off+int64(n) > l.size {
		return nil, fmt.Errorf("journal: range %d+%d outside of log size %d", off, n, l.size)
	}
	if off+int64(n) > l.flushed {
		if err := l.Flush(); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, n)
	if _, err := l.f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

func (l *fileLog) Flush() error {
	if l.f == nil {
		return ErrClosed
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	l.flushed = l.size
	return nil
}

func (l *fileLog) Sync() error {
	if err := l.Flush(); err != nil {
		return err
	}
	return fdatasync(l.f)
}

func (l *fileLog) Size() int64 {
	return l.size
}

func (l *fileLog) Truncate(size int64) error {
	if l.f == nil {
		return ErrClosed
	}
	if size > l.size {
		return fmt.Errorf("journal: cannot truncate log of %d bytes to %d", l.size, size)
	}
	if err := l.Flush(); err != nil {
		return err
	}
	if err := l.f.Truncate(size); err != nil {
		return err
	}
	if _, err := l.f.Seek(size, io.SeekStart); err != nil {
		return err
	}
	l.size, l.flushed = size, size
	return nil
}

func (l *fileLog) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.w.Flush()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f, l.w = nil, nil
	return err
}
