package skvar

import (
	"encoding/binary"
	"iter"
	"slices"
	"strings"
	"weak"

	"github.com/cespare/xxhash/v2"
)

// PathSep separates path parts in Path.String and ParsePath.
const PathSep = "::"

// MaxPathLen is the longest path a Scope accepts, counting the root name.
// A list stored at path p may only nest as deep as the remaining parts allow.
const MaxPathLen = 256

// Path is an immutable sequence of keys addressing a variable. The first key
// names a root variable and must be a string for use with Scope.
//
// The zero Path is empty; backends interpret it as "everything".
type Path struct {
	keys []Key
	hint *parentHint
}

// parentHint remembers the List that held the last key of the path when it
// was last resolved. It is only trusted while the scope's structural
// generation is unchanged.
type parentHint struct {
	scope weak.Pointer[Scope]
	gen   uint64
	list  weak.Pointer[List]
}

// NewPath builds a path from strings, integers and Keys.
func NewPath(parts ...any) (Path, error) {
	keys := make([]Key, len(parts))
	for i, part := range parts {
		k, err := KeyOf(part)
		if err != nil {
			return Path{}, &InvalidPathError{Parts: parts, Index: i, Err: err}
		}
		keys[i] = k
	}
	return Path{keys: keys, hint: new(parentHint)}, nil
}

func MustPath(parts ...any) Path {
	p, err := NewPath(parts...)
	if err != nil {
		panic(err)
	}
	return p
}

func PathOf(keys ...Key) Path {
	return Path{keys: slices.Clone(keys), hint: new(parentHint)}
}

// ParsePath splits s on PathSep. Parts that look like decimal int32 values
// become integer keys.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, &InvalidPathError{Parts: []any{s}, Err: errEmptyPath}
	}
	strs := strings.Split(s, PathSep)
	keys := make([]Key, len(strs))
	for i, str := range strs {
		keys[i] = parseKey(str)
	}
	return Path{keys: keys, hint: new(parentHint)}, nil
}

func (p Path) Len() int     { return len(p.keys) }
func (p Path) IsZero() bool { return len(p.keys) == 0 }

func (p Path) At(i int) Key { return p.keys[i] }

func (p Path) Last() Key { return p.keys[len(p.keys)-1] }

// Keys iterates over path parts in order.
func (p Path) Keys() iter.Seq2[int, Key] {
	return func(yield func(int, Key) bool) {
		for i, k := range p.keys {
			if !yield(i, k) {
				return
			}
		}
	}
}

// Parent returns the path without its last part. The parent of a one-part
// path is the zero Path.
func (p Path) Parent() Path {
	if len(p.keys) <= 1 {
		return Path{}
	}
	return Path{keys: p.keys[:len(p.keys)-1:len(p.keys)-1], hint: new(parentHint)}
}

func (p Path) Child(k Key) Path {
	keys := make([]Key, len(p.keys)+1)
	copy(keys, p.keys)
	keys[len(p.keys)] = k
	return Path{keys: keys, hint: new(parentHint)}
}

func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix.keys) > len(p.keys) {
		return false
	}
	return slices.Equal(p.keys[:len(prefix.keys)], prefix.keys)
}

func (p Path) Equal(o Path) bool {
	return slices.Equal(p.keys, o.keys)
}

// Hash is consistent with Equal.
func (p Path) Hash() uint64 {
	var d xxhash.Digest
	d.Reset()
	var buf [5]byte
	for _, k := range p.keys {
		if k.IsString() {
			buf[0] = 1
			binary.BigEndian.PutUint32(buf[1:], uint32(len(k.s)))
			d.Write(buf[:])
			d.WriteString(k.s)
		} else {
			buf[0] = 0
			binary.BigEndian.PutUint32(buf[1:], uint32(k.i))
			d.Write(buf[:])
		}
	}
	return d.Sum64()
}

func (p Path) String() string {
	var buf strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteString(PathSep)
		}
		buf.WriteString(k.String())
	}
	return buf.String()
}

func (p Path) cachedParent(s *Scope) *List {
	h := p.hint
	if h == nil || h.scope.Value() != s || h.gen != s.gen {
		return nil
	}
	return h.list.Value()
}

func (p Path) cacheParent(s *Scope, l *List) {
	if p.hint == nil {
		return
	}
	p.hint.scope = weak.Make(s)
	p.hint.gen = s.gen
	p.hint.list = weak.Make(l)
}

func parseKey(s string) Key {
	if n := len(s); n > 0 && n <= 11 {
		var v int64
		neg := s[0] == '-'
		digits := s
		if neg {
			digits = s[1:]
		}
		ok := len(digits) > 0 && (len(digits) == 1 || digits[0] != '0')
		for i := 0; ok && i < len(digits); i++ {
			c := digits[i]
			if c < '0' || c > '9' {
				ok = false
				break
			}
			v = v*10 + int64(c-'0')
		}
		if neg {
			v = -v
		}
		if ok && v >= -1<<31 && v < 1<<31 && !(neg && v == 0) {
			return IntKey(int32(v))
		}
	}
	return StrKey(s)
}
