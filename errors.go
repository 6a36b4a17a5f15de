package skvar

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedValue = errors.New("unsupported variable value")
	errEmptyPath        = errors.New("empty path")
	errRootNotString    = errors.New("root name must be a string")
	errPathTooLong      = errors.New("path has too many parts")
	errValueTooDeep     = errors.New("list value nests too deeply")
)

// InvalidPathError is returned when a path part is neither an integer nor a
// string, or when a path cannot address a scope variable.
type InvalidPathError struct {
	Parts []any
	Index int
	Err   error
}

func (e *InvalidPathError) Unwrap() error {
	return e.Err
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid variable path %v (part %d): %v", e.Parts, e.Index, e.Err)
}

// InvalidKeyError is returned for container keys of unsupported type or range.
type InvalidKeyError struct {
	Key    any
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid key %v (%T): %s", e.Key, e.Key, e.Reason)
}

func pathErr(p Path, idx int, err error) error {
	parts := make([]any, p.Len())
	for i, k := range p.Keys() {
		parts[i] = k.Value()
	}
	return &InvalidPathError{Parts: parts, Index: idx, Err: err}
}
