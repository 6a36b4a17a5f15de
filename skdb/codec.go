package skdb

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/andreyvit/skvar"
)

// Key tags.
const (
	tagInt    byte = 0
	tagString byte = 1
)

// EntryType tags a tree entry or a journal record.
type EntryType byte

const (
	// EntryValue is followed by the byte size of a msgpack scalar.
	EntryValue EntryType = 0
	// EntryList is followed by the number of child entries.
	EntryList EntryType = 1
	// EntryDelete only appears in journal records and carries no payload.
	EntryDelete EntryType = 2
)

func (t EntryType) String() string {
	switch t {
	case EntryValue:
		return "value"
	case EntryList:
		return "list"
	case EntryDelete:
		return "delete"
	default:
		return fmt.Sprintf("EntryType(%d)", byte(t))
	}
}

// MaxDepth bounds list nesting accepted by the decoder. Encoders refuse
// anything with a leaf path longer than skvar.MaxPathLen, which always stays
// below it.
const MaxDepth = skvar.MaxPathLen

var (
	errTooDeep     = errors.New("lists nested too deeply")
	errPathTooLong = errors.New("path has too many parts")

	errRootNotString = errors.New("root variable name must be a string")
)

// AppendKey encodes k: a tag byte, then a 4-byte integer or a 2-byte length
// followed by UTF-8 bytes.
func AppendKey(buf []byte, k skvar.Key) []byte {
	bb := bytesBuilder{buf}
	bb.appendKey(k)
	return bb.Buf
}

func (bb *bytesBuilder) appendKey(k skvar.Key) {
	if k.IsInt() {
		bb.WriteByte(tagInt)
		bb.AppendUint32(uint32(k.Int()))
	} else {
		s := k.Str()
		bb.WriteByte(tagString)
		bb.AppendUint16(uint16(len(s)))
		bb.Write([]byte(s))
	}
}

// AppendPath encodes p as a 2-byte part count followed by its keys.
func AppendPath(buf []byte, p skvar.Path) ([]byte, error) {
	if p.Len() > math.MaxUint16 {
		return buf, errPathTooLong
	}
	bb := bytesBuilder{buf}
	bb.AppendUint16(uint16(p.Len()))
	for _, k := range p.Keys() {
		bb.appendKey(k)
	}
	return bb.Buf, nil
}

func (d *byteDecoder) Key() (skvar.Key, error) {
	off := d.Off()
	tag, err := d.Byte()
	if err != nil {
		return skvar.Key{}, err
	}
	switch tag {
	case tagInt:
		v, err := d.Uint32()
		if err != nil {
			return skvar.Key{}, err
		}
		return skvar.IntKey(int32(v)), nil
	case tagString:
		n, err := d.Uint16()
		if err != nil {
			return skvar.Key{}, err
		}
		raw, err := d.Raw(int(n))
		if err != nil {
			return skvar.Key{}, err
		}
		if !utf8.Valid(raw) {
			return skvar.Key{}, decodeErrf(d.Orig, off, nil, "key is not valid UTF-8")
		}
		return skvar.StrKey(string(raw)), nil
	default:
		return skvar.Key{}, decodeErrf(d.Orig, off, nil, "invalid key tag %d", tag)
	}
}

func (d *byteDecoder) Path() (skvar.Path, error) {
	off := d.Off()
	n, err := d.Uint16()
	if err != nil {
		return skvar.Path{}, err
	}
	if n == 0 {
		return skvar.Path{}, decodeErrf(d.Orig, off, nil, "empty path")
	}
	keys := make([]skvar.Key, n)
	for i := range keys {
		keys[i], err = d.Key()
		if err != nil {
			return skvar.Path{}, err
		}
	}
	if !keys[0].IsString() {
		return skvar.Path{}, decodeErrf(d.Orig, off, nil, "root key %v is not a string", keys[0])
	}
	return skvar.PathOf(keys...), nil
}

// entryHeader is the common prefix of tree entries and journal records.
type entryHeader struct {
	Type EntryType
	Size int
}

func (d *byteDecoder) EntryHeader() (entryHeader, error) {
	off := d.Off()
	t, err := d.Byte()
	if err != nil {
		return entryHeader{}, err
	}
	n, err := d.Uint32()
	if err != nil {
		return entryHeader{}, err
	}
	h := entryHeader{EntryType(t), int(n)}
	switch h.Type {
	case EntryValue:
		if h.Size > d.Len() {
			return h, decodeErrf(d.Orig, off, nil, "value size %d exceeds remaining %d bytes", h.Size, d.Len())
		}
	case EntryList:
		// every child entry takes at least minEntrySize bytes
		if h.Size > d.Len()/minEntrySize {
			return h, decodeErrf(d.Orig, off, nil, "list of %d children cannot fit in remaining %d bytes", h.Size, d.Len())
		}
	case EntryDelete:
		if h.Size != 0 {
			return h, decodeErrf(d.Orig, off, nil, "delete entry with size %d", h.Size)
		}
	default:
		return h, decodeErrf(d.Orig, off, nil, "invalid entry type %d", t)
	}
	return h, nil
}

// minEntrySize is an empty string key with a zero-length list header.
const minEntrySize = 3 + 1 + 4

// AppendKeys encodes the keys of p back to back, without a count. Encoded
// keys are self-delimiting, so the encoding of a path is a byte prefix of the
// encodings of its descendants.
func AppendKeys(buf []byte, p skvar.Path) []byte {
	bb := bytesBuilder{buf}
	for _, k := range p.Keys() {
		bb.appendKey(k)
	}
	return bb.Buf
}

// DecodeKeys is the inverse of AppendKeys.
func DecodeKeys(data []byte) (skvar.Path, error) {
	d := makeByteDecoder(data)
	var keys []skvar.Key
	for d.Len() > 0 {
		k, err := d.Key()
		if err != nil {
			return skvar.Path{}, err
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 || !keys[0].IsString() {
		return skvar.Path{}, decodeErrf(data, 0, errRootNotString, "invalid key sequence")
	}
	return skvar.PathOf(keys...), nil
}
