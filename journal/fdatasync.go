package journal

import (
	"os"

	"github.com/andreyvit/skvar/mmap"
)

func fdatasync(f *os.File) error {
	return mmap.Fdatasync(f, nil)
}
