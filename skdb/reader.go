package skdb

import (
	"errors"

	"github.com/andreyvit/skvar"
)

// Visitor receives the entries of a tree in document order. Returning
// SkipList from ListStart skips the list's children and its ListEnd.
// ListEnd reports whether the children were keyed exactly 0..size-1.
type Visitor interface {
	Value(name skvar.Key, data []byte) error
	ListStart(name skvar.Key, size int) error
	ListEnd(name skvar.Key, isArray bool) error
}

// SkipList is returned by Visitor.ListStart to skip the list.
var SkipList = errors.New("skip this list")

// Reader walks serialized tree entries without recursion.
type Reader struct {
	d       byteDecoder
	entries int // top-level entries to read, or -1 for all remaining data
}

// NewReader returns a Reader over top-level entries filling data.
func NewReader(data []byte) *Reader {
	return &Reader{d: makeByteDecoder(data), entries: -1}
}

type frame struct {
	name      skvar.Key
	remaining int
	next      int32 // key expected next while the list still looks like an array
	array     bool
}

// Visit feeds every entry to v. Errors returned by v abort the walk and are
// returned as is.
func (r *Reader) Visit(v Visitor) error {
	var stack []frame
	for {
		for len(stack) > 0 && stack[len(stack)-1].remaining == 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if err := v.ListEnd(top.name, top.array); err != nil {
				return err
			}
		}
		if len(stack) == 0 {
			if r.entries == 0 || (r.entries < 0 && r.d.Len() == 0) {
				return nil
			}
			if r.entries > 0 {
				r.entries--
			}
		} else {
			stack[len(stack)-1].remaining--
		}

		off := r.d.Off()
		name, err := r.d.Key()
		if err != nil {
			return err
		}
		if n := len(stack); n > 0 {
			if top := &stack[n-1]; top.array {
				top.array = name.IsInt() && name.Int() == top.next
				top.next++
			}
		}
		h, err := r.d.EntryHeader()
		if err != nil {
			return err
		}
		switch h.Type {
		case EntryValue:
			data, _ := r.d.Raw(h.Size)
			if err := v.Value(name, data); err != nil {
				return err
			}
		case EntryList:
			if len(stack) >= MaxDepth {
				return decodeErrf(r.d.Orig, off, errTooDeep, "list %v", name)
			}
			err = v.ListStart(name, h.Size)
			if err == SkipList {
				if err := skipEntries(&r.d, h.Size); err != nil {
					return err
				}
				continue
			} else if err != nil {
				return err
			}
			stack = append(stack, frame{name: name, remaining: h.Size, array: h.Size > 0})
		default:
			return decodeErrf(r.d.Orig, off, nil, "unexpected %v entry in a tree", h.Type)
		}
	}
}

func skipEntries(d *byteDecoder, n int) error {
	for pending := n; pending > 0; pending-- {
		if _, err := d.Key(); err != nil {
			return err
		}
		h, err := d.EntryHeader()
		if err != nil {
			return err
		}
		switch h.Type {
		case EntryValue:
			d.Raw(h.Size)
		case EntryList:
			pending += h.Size
		default:
			return decodeErrf(d.Orig, d.Off(), nil, "unexpected %v entry in a tree", h.Type)
		}
	}
	return nil
}
