package skdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/andreyvit/skvar/mmap"
)

// DataVersion is the format version written into new files.
const DataVersion = 1

// MetadataSize is the size of the header preceding the main region.
const MetadataSize = 9

// Metadata is the header of a main file:
//
//   - metadata = dataVersion:32 dirty:8 variableCount:32
//
// Dirty means the journal may hold changes missing from the main region.
type Metadata struct {
	DataVersion   int32
	Dirty         bool
	VariableCount int32
}

func (m Metadata) Append(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.DataVersion))
	if m.Dirty {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return binary.BigEndian.AppendUint32(buf, uint32(m.VariableCount))
}

func (m Metadata) String() string {
	return fmt.Sprintf("v%d dirty=%v count=%d", m.DataVersion, m.Dirty, m.VariableCount)
}

func DecodeMetadata(data []byte) (Metadata, error) {
	if len(data) < MetadataSize {
		return Metadata{}, decodeErrf(data, 0, io.ErrUnexpectedEOF, "metadata truncated")
	}
	m := Metadata{
		DataVersion:   int32(binary.BigEndian.Uint32(data[0:4])),
		VariableCount: int32(binary.BigEndian.Uint32(data[5:9])),
	}
	switch data[4] {
	case 0:
	case 1:
		m.Dirty = true
	default:
		return Metadata{}, decodeErrf(data[:MetadataSize], 4, nil, "invalid dirty flag %d", data[4])
	}
	if m.DataVersion <= 0 || m.DataVersion > DataVersion {
		return m, fmt.Errorf("%w %d", ErrUnsupportedVersion, m.DataVersion)
	}
	if m.VariableCount < 0 {
		return Metadata{}, decodeErrf(data[:MetadataSize], 5, nil, "negative variable count")
	}
	return m, nil
}

// writeMetadata updates the header in place and waits for it to hit the disk.
func writeMetadata(f *os.File, m Metadata) error {
	if _, err := f.WriteAt(m.Append(make([]byte, 0, MetadataSize)), 0); err != nil {
		return storageErr("write metadata", f.Name(), err)
	}
	return storageErr("sync metadata", f.Name(), mmap.Fdatasync(f, nil))
}
