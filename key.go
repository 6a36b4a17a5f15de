package skvar

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
)

type keyKind uint8

const (
	keyInt keyKind = iota
	keyString
)

// MaxKeyStringLen is the longest string key the skdb wire format can hold.
const MaxKeyStringLen = math.MaxUint16

// Key is a single path part: either an integer index or a string key.
// The zero Key is the integer 0. Keys are comparable and can be used as map
// keys directly.
type Key struct {
	s    string
	i    int32
	kind keyKind
}

func IntKey(i int32) Key {
	return Key{i: i, kind: keyInt}
}

func StrKey(s string) Key {
	return Key{s: s, kind: keyString}
}

// KeyOf converts an arbitrary Go value into a Key. Integers must fit into
// int32. Unsupported types yield *InvalidKeyError.
func KeyOf(v any) (Key, error) {
	switch v := v.(type) {
	case Key:
		return v, nil
	case string:
		if len(v) > MaxKeyStringLen {
			return Key{}, &InvalidKeyError{Key: v, Reason: "string key too long"}
		}
		return StrKey(v), nil
	case int:
		return intKeyOf(int64(v), v)
	case int8:
		return IntKey(int32(v)), nil
	case int16:
		return IntKey(int32(v)), nil
	case int32:
		return IntKey(v), nil
	case int64:
		return intKeyOf(v, v)
	case uint8:
		return IntKey(int32(v)), nil
	case uint16:
		return IntKey(int32(v)), nil
	case uint32:
		if v > math.MaxInt32 {
			return Key{}, &InvalidKeyError{Key: v, Reason: "integer key out of int32 range"}
		}
		return IntKey(int32(v)), nil
	case uint:
		if uint64(v) > math.MaxInt32 {
			return Key{}, &InvalidKeyError{Key: v, Reason: "integer key out of int32 range"}
		}
		return IntKey(int32(v)), nil
	case uint64:
		if v > math.MaxInt32 {
			return Key{}, &InvalidKeyError{Key: v, Reason: "integer key out of int32 range"}
		}
		return IntKey(int32(v)), nil
	default:
		return Key{}, &InvalidKeyError{Key: v, Reason: fmt.Sprintf("unsupported key type %T", v)}
	}
}

func intKeyOf(i int64, orig any) (Key, error) {
	if i < math.MinInt32 || i > math.MaxInt32 {
		return Key{}, &InvalidKeyError{Key: orig, Reason: "integer key out of int32 range"}
	}
	return IntKey(int32(i)), nil
}

func (k Key) IsInt() bool    { return k.kind == keyInt }
func (k Key) IsString() bool { return k.kind == keyString }

// Int returns the integer value of an integer key, or 0 for string keys.
func (k Key) Int() int32 { return k.i }

// Str returns the string value of a string key, or "" for integer keys.
func (k Key) Str() string { return k.s }

// Value returns int32 or string.
func (k Key) Value() any {
	if k.kind == keyString {
		return k.s
	}
	return k.i
}

func (k Key) String() string {
	if k.kind == keyString {
		return k.s
	}
	return strconv.FormatInt(int64(k.i), 10)
}

// Compare orders integer keys before string keys, integers numerically and
// strings bytewise.
func (k Key) Compare(o Key) int {
	if k.kind != o.kind {
		return cmp.Compare(k.kind, o.kind)
	}
	if k.kind == keyString {
		return cmp.Compare(k.s, o.s)
	}
	return cmp.Compare(k.i, o.i)
}
