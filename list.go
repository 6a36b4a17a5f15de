package skvar

import (
	"fmt"
	"iter"
	"maps"
	"math"
	"slices"
	"strings"
)

// Mode is the internal representation of a List. Modes only ever move
// forward: Array -> SmallList -> Map.
type Mode uint8

const (
	ModeArray Mode = iota
	ModeSmallList
	ModeMap
)

func (m Mode) String() string {
	switch m {
	case ModeArray:
		return "array"
	case ModeSmallList:
		return "small-list"
	case ModeMap:
		return "map"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// SmallListLimit is the largest number of entries a small-list holds; the
// next insertion promotes the list to a map.
const SmallListLimit = 8

// List holds the children of one variable node.
//
// A new List is a plain array. It becomes a small list as soon as a string
// key, a non-contiguous integer key or a removal from the middle shows up, and
// a map once it holds more than SmallListLimit entries. Removals never move a
// list back to a simpler mode.
//
// List stores values as given; Scope normalizes them before storing. A nil
// value is never stored: putting nil removes the key.
type List struct {
	mode  Mode
	arr   []any
	small []listEntry
	m     map[Key]any
	next  int64 // next index used by Add outside of array mode
}

type listEntry struct {
	key   Key
	value any
}

func NewList() *List {
	return &List{}
}

// newListSized preallocates for size entries. Arrays start in array mode,
// everything else goes straight to the mode that fits size.
func newListSized(size int, isArray bool) *List {
	switch {
	case isArray:
		return &List{arr: make([]any, 0, size)}
	case size > SmallListLimit:
		return &List{mode: ModeMap, m: make(map[Key]any, size)}
	default:
		return &List{mode: ModeSmallList, small: make([]listEntry, 0, size)}
	}
}

// NewListSized returns an empty list prepared to receive size entries. An
// array-mode list still promotes itself if the entries turn out not to be
// contiguous, using size to pick the mode.
func NewListSized(size int, isArray bool) *List {
	return newListSized(size, isArray)
}

func (l *List) Mode() Mode { return l.mode }

func (l *List) Size() int {
	switch l.mode {
	case ModeArray:
		return len(l.arr)
	case ModeSmallList:
		return len(l.small)
	default:
		return len(l.m)
	}
}

func (l *List) IsEmpty() bool { return l.Size() == 0 }

// Add appends v after the largest integer key ever stored. Once that key is
// math.MaxInt32, Add fills the lowest free non-negative index instead.
func (l *List) Add(v any) {
	if v == nil {
		return
	}
	if l.mode == ModeArray && len(l.arr) < math.MaxInt32 {
		l.arr = append(l.arr, v)
		return
	}
	l.Put(IntKey(l.nextIndex()), v)
}

func (l *List) nextIndex() int32 {
	if l.mode == ModeArray {
		return int32(len(l.arr))
	}
	if l.next <= math.MaxInt32 {
		return int32(l.next)
	}
	// MaxInt32 is taken; reuse the lowest free index
	for i := int32(0); ; i++ {
		if _, ok := l.Get(IntKey(i)); !ok {
			return i
		}
	}
}

func (l *List) noteKey(k Key) {
	if k.IsInt() && int64(k.i) >= l.next {
		l.next = int64(k.i) + 1
	}
}

// Put inserts or overwrites the value for k. A nil value removes k.
func (l *List) Put(k Key, v any) {
	if v == nil {
		l.Remove(k)
		return
	}
	if l.mode == ModeArray {
		if k.IsInt() {
			n := len(l.arr)
			if k.i >= 0 && int(k.i) < n {
				l.arr[k.i] = v
				return
			} else if int(k.i) == n {
				l.arr = append(l.arr, v)
				return
			}
		}
		l.promoteFromArray(len(l.arr) + 1)
	}
	if l.mode == ModeSmallList {
		for i := range l.small {
			if l.small[i].key == k {
				l.small[i].value = v
				return
			}
		}
		if len(l.small) < SmallListLimit {
			l.small = append(l.small, listEntry{k, v})
			l.noteKey(k)
			return
		}
		l.promoteToMap()
	}
	l.m[k] = v
	l.noteKey(k)
}

func (l *List) Get(k Key) (any, bool) {
	switch l.mode {
	case ModeArray:
		if k.IsInt() && k.i >= 0 && int(k.i) < len(l.arr) {
			return l.arr[k.i], true
		}
		return nil, false
	case ModeSmallList:
		for _, e := range l.small {
			if e.key == k {
				return e.value, true
			}
		}
		return nil, false
	default:
		v, ok := l.m[k]
		return v, ok
	}
}

// Remove deletes k and returns the removed value.
func (l *List) Remove(k Key) (any, bool) {
	if l.mode == ModeArray {
		n := len(l.arr)
		if !k.IsInt() || k.i < 0 || int(k.i) >= n {
			return nil, false
		}
		if int(k.i) == n-1 {
			v := l.arr[n-1]
			l.arr[n-1] = nil
			l.arr = l.arr[:n-1]
			return v, true
		}
		l.promoteFromArray(n)
	}
	if l.mode == ModeSmallList {
		for i, e := range l.small {
			if e.key == k {
				l.small = slices.Delete(l.small, i, i+1)
				return e.value, true
			}
		}
		return nil, false
	}
	v, ok := l.m[k]
	if ok {
		delete(l.m, k)
	}
	return v, ok
}

// promoteFromArray leaves array mode, picking the mode able to hold
// expected entries. Capacity reserved by NewListSized counts as expected.
func (l *List) promoteFromArray(expected int) {
	n := len(l.arr)
	expected = max(expected, cap(l.arr))
	l.next = int64(n)
	if expected > SmallListLimit {
		l.m = make(map[Key]any, expected)
		for i, v := range l.arr {
			l.m[IntKey(int32(i))] = v
		}
		l.mode = ModeMap
	} else {
		l.small = make([]listEntry, n, SmallListLimit)
		for i, v := range l.arr {
			l.small[i] = listEntry{IntKey(int32(i)), v}
		}
		l.mode = ModeSmallList
	}
	l.arr = nil
}

func (l *List) promoteToMap() {
	l.m = make(map[Key]any, 2*len(l.small))
	for _, e := range l.small {
		l.m[e.key] = e.value
	}
	l.small = nil
	l.mode = ModeMap
}

// PutAny is Put for keys of arbitrary Go type.
func (l *List) PutAny(key, v any) error {
	k, err := KeyOf(key)
	if err != nil {
		return err
	}
	l.Put(k, v)
	return nil
}

func (l *List) GetAny(key any) (any, bool, error) {
	k, err := KeyOf(key)
	if err != nil {
		return nil, false, err
	}
	v, ok := l.Get(k)
	return v, ok, nil
}

func (l *List) RemoveAny(key any) (any, bool, error) {
	k, err := KeyOf(key)
	if err != nil {
		return nil, false, err
	}
	v, ok := l.Remove(k)
	return v, ok, nil
}

// OrderedEntries yields entries in index order (array), insertion order
// (small list) or ascending key order (map, see Key.Compare).
func (l *List) OrderedEntries() iter.Seq2[Key, any] {
	if l.mode != ModeMap {
		return l.UnorderedEntries()
	}
	return func(yield func(Key, any) bool) {
		keys := slices.SortedFunc(maps.Keys(l.m), Key.Compare)
		for _, k := range keys {
			v, ok := l.m[k]
			if !ok {
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}
}

// UnorderedEntries yields entries in whatever order is cheapest. The order is
// only stable while the list is not modified.
func (l *List) UnorderedEntries() iter.Seq2[Key, any] {
	return func(yield func(Key, any) bool) {
		switch l.mode {
		case ModeArray:
			for i, v := range l.arr {
				if !yield(IntKey(int32(i)), v) {
					return
				}
			}
		case ModeSmallList:
			for _, e := range l.small {
				if !yield(e.key, e.value) {
					return
				}
			}
		default:
			for k, v := range l.m {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}

func (l *List) OrderedValues() iter.Seq[any] {
	return values(l.OrderedEntries())
}

func (l *List) UnorderedValues() iter.Seq[any] {
	return values(l.UnorderedEntries())
}

func values(entries iter.Seq2[Key, any]) iter.Seq[any] {
	return func(yield func(any) bool) {
		for _, v := range entries {
			if !yield(v) {
				return
			}
		}
	}
}

// Clone returns a deep copy; nested lists are cloned too.
func (l *List) Clone() *List {
	c := &List{mode: l.mode, next: l.next}
	switch l.mode {
	case ModeArray:
		c.arr = make([]any, len(l.arr), cap(l.arr))
		for i, v := range l.arr {
			c.arr[i] = cloneValue(v)
		}
	case ModeSmallList:
		c.small = make([]listEntry, len(l.small), cap(l.small))
		for i, e := range l.small {
			c.small[i] = listEntry{e.key, cloneValue(e.value)}
		}
	default:
		c.m = make(map[Key]any, len(l.m))
		for k, v := range l.m {
			c.m[k] = cloneValue(v)
		}
	}
	return c
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case *List:
		return v.Clone()
	case []byte:
		return slices.Clone(v)
	default:
		return v
	}
}

// LeafCount returns the number of non-list values in the subtree.
func (l *List) LeafCount() int {
	var n int
	for _, v := range l.UnorderedEntries() {
		if sub, ok := v.(*List); ok {
			n += sub.LeafCount()
		} else {
			n++
		}
	}
	return n
}

func (l *List) Dump() string {
	var buf strings.Builder
	dumpValue(&buf, l)
	return buf.String()
}

func dumpValue(buf *strings.Builder, v any) {
	switch v := v.(type) {
	case *List:
		buf.WriteByte('{')
		first := true
		for k, sub := range v.OrderedEntries() {
			if !first {
				buf.WriteString(", ")
			}
			first = false
			buf.WriteString(k.String())
			buf.WriteString(": ")
			dumpValue(buf, sub)
		}
		buf.WriteByte('}')
	case string:
		fmt.Fprintf(buf, "%q", v)
	case []byte:
		fmt.Fprintf(buf, "0x%x", v)
	default:
		fmt.Fprint(buf, v)
	}
}
