package skdb

import (
	"errors"
	"fmt"
)

var (
	ErrClosed             = errors.New("skdb: storage closed")
	ErrUnsupportedVersion = errors.New("skdb: unsupported data version")
)

// DecodeError reports malformed or truncated bytes in the main data region or
// in a journal record. A backend that hits one in its main region disables
// itself rather than serve partial data.
type DecodeError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func decodeErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DecodeError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// StorageError reports a failed file operation.
type StorageError struct {
	Op   string
	File string
	Err  error
}

func storageErr(op, file string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{op, file, err}
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("skdb: %s %s: %v", e.Op, e.File, e.Err)
}
