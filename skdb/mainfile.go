package skdb

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/andreyvit/skvar"
	"github.com/andreyvit/skvar/mmap"
)

const (
	mainSuffix = ".skdb"
	tempSuffix = ".tmp"
)

// replaceMainFile atomically replaces the main file at path with meta followed
// by region, and returns the new file opened for metadata updates.
func replaceMainFile(path string, meta Metadata, region []byte) (*os.File, error) {
	tmp := path + tempSuffix
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, storageErr("create", tmp, err)
	}
	var ok bool
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(meta.Append(make([]byte, 0, MetadataSize))); err != nil {
		return nil, storageErr("write", tmp, err)
	}
	if _, err := f.Write(region); err != nil {
		return nil, storageErr("write", tmp, err)
	}
	if err := mmap.Fdatasync(f, nil); err != nil {
		return nil, storageErr("sync", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, storageErr("rename", tmp, err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return nil, storageErr("sync dir", filepath.Dir(path), err)
	}
	ok = true
	return f, nil
}

// syncDir makes a rename durable. Windows has no directory fsync.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// countingVisitor validates the structure of a tree and counts its values.
type countingVisitor struct {
	values int
	roots  int
	depth  int
}

func (v *countingVisitor) Value(name skvar.Key, data []byte) error {
	v.values++
	if v.depth == 0 {
		v.roots++
	}
	return nil
}

func (v *countingVisitor) ListStart(name skvar.Key, size int) error {
	if v.depth == 0 {
		v.roots++
	}
	v.depth++
	return nil
}

func (v *countingVisitor) ListEnd(name skvar.Key, isArray bool) error {
	v.depth--
	return nil
}
