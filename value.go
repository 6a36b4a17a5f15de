package skvar

import (
	"fmt"
	"math"
)

// Normalize converts v into one of the canonical variable value types:
// nil, bool, int64, float64, string, []byte or *List. Other Go integer and
// float types are widened; anything else fails with ErrUnsupportedValue.
func Normalize(v any) (any, error) {
	switch v := v.(type) {
	case nil, bool, int64, float64, string, []byte, *List:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, v)
		}
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, v)
		}
		return int64(v), nil
	case float32:
		return float64(v), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// IsList reports whether v is a container.
func IsList(v any) bool {
	_, ok := v.(*List)
	return ok
}

// Equal compares two variable values. Lists are equal when they hold equal
// values under the same keys, regardless of their modes.
func Equal(a, b any) bool {
	switch a := a.(type) {
	case *List:
		bl, ok := b.(*List)
		if !ok || a.Size() != bl.Size() {
			return false
		}
		for k, av := range a.UnorderedEntries() {
			bv, ok := bl.Get(k)
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case []byte:
		bb, ok := b.([]byte)
		return ok && string(a) == string(bb)
	default:
		if _, ok := b.(*List); ok {
			return false
		}
		if _, ok := b.([]byte); ok {
			return false
		}
		return a == b
	}
}

// fitsDepth reports whether every leaf of l is at most room levels below l.
func fitsDepth(l *List, room int) bool {
	if l.IsEmpty() {
		return true
	}
	if room < 1 {
		return false
	}
	for _, v := range l.UnorderedEntries() {
		if sub, ok := v.(*List); ok && !fitsDepth(sub, room-1) {
			return false
		}
	}
	return true
}

// normalizeList copies l, normalizing values and dropping empty sublists.
func normalizeList(l *List) (*List, error) {
	c := newListSized(l.Size(), l.mode == ModeArray)
	for k, v := range l.OrderedEntries() {
		v, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", k, err)
		}
		if sub, ok := v.(*List); ok {
			if sub, err = normalizeList(sub); err != nil {
				return nil, fmt.Errorf("%v: %w", k, err)
			}
			if sub.IsEmpty() {
				continue
			}
			v = sub
		}
		c.Put(k, v)
	}
	return c, nil
}
