package skdb

import (
	"fmt"

	"github.com/andreyvit/skvar"
)

// Serializer writes the tree entry format:
//
//   - entry = key type:8 size:32 payload
//   - VALUE payload = msgpack scalar of size bytes
//   - LIST payload = size child entries, in ordered-entries order
//
// Values must be normalized.
type Serializer struct {
	bb     bytesBuilder
	values int
}

func NewSerializer(buf []byte) *Serializer {
	return &Serializer{bb: bytesBuilder{buf}}
}

func (s *Serializer) Bytes() []byte { return s.bb.Buf }
func (s *Serializer) Values() int   { return s.values }

// WriteEntry writes v under name.
func (s *Serializer) WriteEntry(name skvar.Key, v any) error {
	return s.writeEntry(name, v, 0)
}

// writeEntry writes v under name; depth is the number of path parts above
// name.
func (s *Serializer) writeEntry(name skvar.Key, v any, depth int) error {
	s.bb.appendKey(name)
	if l, ok := v.(*skvar.List); ok {
		if depth+2 > skvar.MaxPathLen {
			return fmt.Errorf("%v: %w", name, errTooDeep)
		}
		s.bb.WriteByte(byte(EntryList))
		s.bb.AppendUint32(uint32(l.Size()))
		return s.writeChildren(l, depth+1)
	}

	s.bb.WriteByte(byte(EntryValue))
	sizeOff := s.bb.Grow(4)
	start := len(s.bb.Buf)
	var err error
	s.bb.Buf, err = AppendScalar(s.bb.Buf, v)
	if err != nil {
		return fmt.Errorf("%v: %w", name, err)
	}
	s.bb.PutUint32At(sizeOff, uint32(len(s.bb.Buf)-start))
	s.values++
	return nil
}

func (s *Serializer) writeChildren(l *skvar.List, depth int) error {
	for k, v := range l.OrderedEntries() {
		if err := s.writeEntry(k, v, depth); err != nil {
			return err
		}
	}
	return nil
}

// WriteScope writes every global root variable of scope as a top-level entry.
func (s *Serializer) WriteScope(scope *skvar.Scope) error {
	for name, v := range scope.Roots() {
		if err := s.WriteEntry(skvar.StrKey(name), v); err != nil {
			return err
		}
	}
	return nil
}

// AppendRecord encodes a journal record setting p to v, or deleting p when v
// is nil:
//
//   - record = path type:8 size:32 payload
//   - path = count:16 key*count
//
// The payload is the same as in a tree entry.
func AppendRecord(buf []byte, p skvar.Path, v any) ([]byte, error) {
	if p.Len() > skvar.MaxPathLen {
		return buf, fmt.Errorf("%v: %w", p, errPathTooLong)
	}
	buf, err := AppendPath(buf, p)
	if err != nil {
		return buf, err
	}
	s := Serializer{bb: bytesBuilder{buf}}
	switch v := v.(type) {
	case nil:
		s.bb.WriteByte(byte(EntryDelete))
		s.bb.AppendUint32(0)
	case *skvar.List:
		if p.Len()+1 > skvar.MaxPathLen {
			return buf, fmt.Errorf("%v: %w", p, errTooDeep)
		}
		s.bb.WriteByte(byte(EntryList))
		s.bb.AppendUint32(uint32(v.Size()))
		if err := s.writeChildren(v, p.Len()); err != nil {
			return buf, fmt.Errorf("%v: %w", p, err)
		}
	default:
		s.bb.WriteByte(byte(EntryValue))
		sizeOff := s.bb.Grow(4)
		start := len(s.bb.Buf)
		s.bb.Buf, err = AppendScalar(s.bb.Buf, v)
		if err != nil {
			return buf, fmt.Errorf("%v: %w", p, err)
		}
		s.bb.PutUint32At(sizeOff, uint32(len(s.bb.Buf)-start))
	}
	return s.bb.Buf, nil
}

// Record is a decoded journal record. Value is nil for deletions.
type Record struct {
	Path  skvar.Path
	Value any
}

// DecodeRecordPath decodes just the path of a journal record.
func DecodeRecordPath(data []byte) (skvar.Path, error) {
	d := makeByteDecoder(data)
	return d.Path()
}

// DecodeRecord decodes a whole journal record.
func DecodeRecord(data []byte) (Record, error) {
	d := makeByteDecoder(data)
	p, err := d.Path()
	if err != nil {
		return Record{}, err
	}
	h, err := d.EntryHeader()
	if err != nil {
		return Record{}, err
	}
	rec := Record{Path: p}
	switch h.Type {
	case EntryValue:
		raw, _ := d.Raw(h.Size)
		rec.Value, err = DecodeScalar(raw)
		if err != nil {
			return Record{}, err
		}
	case EntryList:
		b := newListBuilder(h.Size)
		r := Reader{d: d, entries: h.Size}
		if err := r.Visit(b); err != nil {
			return Record{}, err
		}
		d = r.d
		rec.Value = b.Result()
	}
	if d.Len() != 0 {
		return Record{}, decodeErrf(data, d.Off(), nil, "trailing bytes after record")
	}
	return rec, nil
}
