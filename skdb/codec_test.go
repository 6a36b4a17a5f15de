package skdb

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/andreyvit/skvar"
	"github.com/andreyvit/skvar/journal/journaltest"
)

var bytesEq = journaltest.BytesEq
var expand = journaltest.Expand

func TestAppendKey(t *testing.T) {
	bytesEq(t, AppendKey(nil, skvar.IntKey(5)), expand("00 #5"))
	bytesEq(t, AppendKey(nil, skvar.IntKey(-1)), expand("00 ff_ff_ff_ff"))
	bytesEq(t, AppendKey(nil, skvar.StrKey("ab")), expand("01 %2 'ab"))
	bytesEq(t, AppendKey(nil, skvar.StrKey("")), expand("01 %0"))
}

func TestAppendPath(t *testing.T) {
	buf := must(AppendPath(nil, skvar.MustPath("test", 3, "x")))
	bytesEq(t, buf, expand("%3 01 %4 'test 00 #3 01 %1 'x"))

	d := makeByteDecoder(buf)
	p := must(d.Path())
	deepEq(t, p.String(), "test::3::x")
	deepEq(t, d.Len(), 0)
}

func TestDecodePath_errors(t *testing.T) {
	tests := []struct {
		data string
		msg  string
	}{
		{"%0", "empty path"},
		{"%1 00 #1", "root key 1 is not a string"},
		{"%1 05", "invalid key tag 5"},
		{"%2 01 %1 'a", "not enough data"},
		{"%1 01 %2 ff_fe", "not valid UTF-8"},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			d := makeByteDecoder(expand(tt.data))
			_, err := d.Path()
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("** got %v, wanted a DecodeError", err)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("** got %q, wanted it to mention %q", err.Error(), tt.msg)
			}
		})
	}
}

func TestScalar(t *testing.T) {
	tests := []struct {
		v   any
		enc string
	}{
		{true, "c3"},
		{false, "c2"},
		{int64(5), "05"},
		{int64(-1), "ff"},
		{int64(300), "cd_01_2c"},
		{int64(math.MinInt64), "d3_80_00_00_00_00_00_00_00"},
		{1.5, "cb_3f_f8_00_00_00_00_00_00"},
		{"bar", "a3 'bar"},
		{"", "a0"},
		{[]byte{1, 2}, "c4_02_01_02"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T(%v)", tt.v, tt.v), func(t *testing.T) {
			data := must(AppendScalar(nil, tt.v))
			bytesEq(t, data, expand(tt.enc))
			deepEq(t, must(DecodeScalar(data)), tt.v)
		})
	}
}

func TestScalar_rejects(t *testing.T) {
	if _, err := AppendScalar(nil, nil); !errors.Is(err, skvar.ErrUnsupportedValue) {
		t.Errorf("AppendScalar(nil) = %v, wanted ErrUnsupportedValue", err)
	}
	for _, enc := range []string{"", "c0", "c1", "90", "80", "cf_ff_ff_ff_ff_ff_ff_ff_ff", "05_05"} {
		if v, err := DecodeScalar(expand(enc)); err == nil {
			t.Errorf("DecodeScalar(%s) = %v, wanted error", enc, v)
		}
	}
}

func TestAppendRecord(t *testing.T) {
	rec := must(AppendRecord(nil, skvar.MustPath("test", "foo"), "bar"))
	bytesEq(t, rec, expand("%2 01 %4 'test 01 %3 'foo", "00 #4 a3 'bar"))

	rec = must(AppendRecord(nil, skvar.MustPath("x"), nil))
	bytesEq(t, rec, expand("%1 01 %1 'x 02 #0"))

	l := skvar.NewList()
	l.Add(int64(7))
	l.Put(skvar.StrKey("k"), true)
	rec = must(AppendRecord(nil, skvar.MustPath("x"), l))
	bytesEq(t, rec, expand("%1 01 %1 'x 01 #2", "00 #0 00 #1 07", "01 %1 'k 00 #1 c3"))

	r := must(DecodeRecord(rec))
	deepEq(t, r.Path.String(), "x")
	if !skvar.Equal(r.Value, l) {
		t.Errorf("** got %v, wanted %v", r.Value, l.Dump())
	}
}

func TestDecodeRecord_keepsArrays(t *testing.T) {
	arr := skvar.NewList()
	arr.Add("x")
	arr.Add("y")
	l := skvar.NewList()
	l.Put(skvar.StrKey("arr"), arr)
	r := must(DecodeRecord(must(AppendRecord(nil, skvar.MustPath("x"), arr))))
	deepEq(t, r.Value.(*skvar.List).Mode(), skvar.ModeArray)

	r = must(DecodeRecord(must(AppendRecord(nil, skvar.MustPath("x"), l))))
	inner, _ := r.Value.(*skvar.List).Get(skvar.StrKey("arr"))
	deepEq(t, inner.(*skvar.List).Mode(), skvar.ModeArray)
	deepEq(t, r.Value.(*skvar.List).Mode(), skvar.ModeSmallList)
}

func TestAppendRecord_depthLimit(t *testing.T) {
	parts := []any{"p"}
	for len(parts) < skvar.MaxPathLen {
		parts = append(parts, len(parts))
	}
	must(AppendRecord(nil, skvar.MustPath(parts...), int64(1)))
	if _, err := AppendRecord(nil, skvar.MustPath(append(parts, "x")...), int64(1)); !errors.Is(err, errPathTooLong) {
		t.Errorf("** long path err = %v, wanted errPathTooLong", err)
	}

	leaf := skvar.NewList()
	leaf.Add(int64(1))
	if _, err := AppendRecord(nil, skvar.MustPath(parts...), leaf); !errors.Is(err, errTooDeep) {
		t.Errorf("** list at the longest path err = %v, wanted errTooDeep", err)
	}
	if _, err := AppendRecord(nil, skvar.MustPath(parts[:len(parts)-1]...), leaf); err != nil {
		t.Errorf("** list one level up failed: %v", err)
	}

	nested := leaf
	for range skvar.MaxPathLen - 1 {
		outer := skvar.NewList()
		outer.Add(nested)
		nested = outer
	}
	s := NewSerializer(nil)
	if err := s.WriteEntry(skvar.StrKey("n"), nested); !errors.Is(err, errTooDeep) {
		t.Errorf("** WriteEntry of a too deep list err = %v, wanted errTooDeep", err)
	}
}

func TestDecodeRecord_errors(t *testing.T) {
	for _, spec := range []string{
		"%1 01 %1 'x 02 #1",             // delete with payload
		"%1 01 %1 'x 03 #0",             // bad type
		"%1 01 %1 'x 00 #2 a1",          // truncated value
		"%1 01 %1 'x 00 #1 05 ff",       // trailing bytes
		"%1 01 %1 'x 01 #1 00 #0 02 #0", // delete inside a list
	} {
		if r, err := DecodeRecord(expand(spec)); err == nil {
			t.Errorf("DecodeRecord(%s) = %v, wanted error", spec, r)
		}
	}
}

type callRecorder struct {
	calls []string
	skip  string
}

func (r *callRecorder) Value(name skvar.Key, data []byte) error {
	r.calls = append(r.calls, fmt.Sprintf("value(%v, %d)", name, len(data)))
	return nil
}

func (r *callRecorder) ListStart(name skvar.Key, size int) error {
	r.calls = append(r.calls, fmt.Sprintf("listStart(%v, %d)", name, size))
	if name.IsString() && name.Str() == r.skip {
		return SkipList
	}
	return nil
}

func (r *callRecorder) ListEnd(name skvar.Key, isArray bool) error {
	r.calls = append(r.calls, fmt.Sprintf("listEnd(%v, %v)", name, isArray))
	return nil
}

func TestReader_traversalOrder(t *testing.T) {
	s := NewSerializer(nil)
	ensure(s.WriteEntry(skvar.StrKey("a"), int64(1)))
	ensure(s.WriteEntry(skvar.StrKey("b"), "xy"))
	l := skvar.NewList()
	l.Put(skvar.StrKey("c"), true)
	ensure(s.WriteEntry(skvar.StrKey("d"), l))
	deepEq(t, s.Values(), 3)

	bytesEq(t, s.Bytes(), expand(
		"01 %1 'a 00 #1 01",
		"01 %1 'b 00 #3 a2 'xy",
		"01 %1 'd 01 #1",
		"01 %1 'c 00 #1 c3",
	))

	var rec callRecorder
	ensure(NewReader(s.Bytes()).Visit(&rec))
	deepEq(t, rec.calls, []string{
		"value(a, 1)",
		"value(b, 3)",
		"listStart(d, 1)",
		"value(c, 1)",
		"listEnd(d, false)",
	})
}

func TestReader_isArray(t *testing.T) {
	arr := skvar.NewList()
	arr.Add("x")
	arr.Add("y")
	sparse := skvar.NewList()
	sparse.Put(skvar.IntKey(1), "x")
	nested := skvar.NewList()
	nested.Add(arr.Clone())
	nested.Add(int64(1))

	s := NewSerializer(nil)
	ensure(s.WriteEntry(skvar.StrKey("arr"), arr))
	ensure(s.WriteEntry(skvar.StrKey("sparse"), sparse))
	ensure(s.WriteEntry(skvar.StrKey("nested"), nested))

	var rec callRecorder
	ensure(NewReader(s.Bytes()).Visit(&rec))
	deepEq(t, rec.calls, []string{
		"listStart(arr, 2)",
		"value(0, 2)",
		"value(1, 2)",
		"listEnd(arr, true)",
		"listStart(sparse, 1)",
		"value(1, 2)",
		"listEnd(sparse, false)",
		"listStart(nested, 2)",
		"listStart(0, 2)",
		"value(0, 2)",
		"value(1, 2)",
		"listEnd(0, true)",
		"value(1, 1)",
		"listEnd(nested, true)",
	})
}

func TestReader_skipList(t *testing.T) {
	inner := skvar.NewList()
	inner.Add(int64(1))
	outer := skvar.NewList()
	outer.Put(skvar.StrKey("in"), inner)
	outer.Put(skvar.StrKey("v"), int64(2))

	s := NewSerializer(nil)
	ensure(s.WriteEntry(skvar.StrKey("skipped"), outer))
	ensure(s.WriteEntry(skvar.StrKey("z"), int64(3)))

	rec := callRecorder{skip: "skipped"}
	ensure(NewReader(s.Bytes()).Visit(&rec))
	deepEq(t, rec.calls, []string{
		"listStart(skipped, 2)",
		"value(z, 1)",
	})
}

func TestReader_emptyList(t *testing.T) {
	var rec callRecorder
	ensure(NewReader(expand("01 %1 'e 01 #0")).Visit(&rec))
	deepEq(t, rec.calls, []string{"listStart(e, 0)", "listEnd(e, false)"})
}

func TestReader_maxDepth(t *testing.T) {
	var data []byte
	for range MaxDepth + 1 {
		data = append(data, expand("00 #0 01 #1")...)
	}
	data = append(data, expand("00 #0 00 #1 01")...)

	var cv countingVisitor
	err := NewReader(data).Visit(&cv)
	var de *DecodeError
	if !errors.As(err, &de) || !errors.Is(err, errTooDeep) {
		t.Fatalf("** got %v, wanted a DecodeError wrapping errTooDeep", err)
	}
}

func TestReader_corrupted(t *testing.T) {
	for _, spec := range []string{
		"01 %1 'a 00 #5 01",    // value larger than data
		"01 %1 'a 01 #3 00 #0", // list larger than data
		"01 %1 'a 02 #0",       // delete in a tree
		"01 %1 'a 07 #0",       // unknown type
		"01 %1",                // truncated key
	} {
		var cv countingVisitor
		err := NewReader(expand(spec)).Visit(&cv)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("Visit(%s) = %v, wanted DecodeError", spec, err)
		}
	}
}

func TestSerializer_scopeRoundTrip(t *testing.T) {
	scope := skvar.NewScope(skvar.ScopeOptions{Logger: journaltest.Logger(t)})
	ensure(scope.Set(skvar.MustPath("num"), nil, 42))
	ensure(scope.Set(skvar.MustPath("f"), nil, 0.25))
	ensure(scope.Set(skvar.MustPath("bin"), nil, []byte("raw")))
	ensure(scope.Set(skvar.MustPath("list", 0), nil, "a"))
	ensure(scope.Set(skvar.MustPath("list", 1), nil, "b"))
	ensure(scope.Set(skvar.MustPath("map", "x", "y"), nil, true))
	for i := range 20 {
		ensure(scope.Set(skvar.MustPath("big", fmt.Sprint("k", i)), nil, i))
	}

	s := NewSerializer(nil)
	ensure(s.WriteScope(scope))
	deepEq(t, s.Values(), scope.Count())

	restored := skvar.NewScope(skvar.ScopeOptions{Logger: journaltest.Logger(t)})
	ensure(NewReader(s.Bytes()).Visit(newScopeBuilder(restored, "")))
	scopesEq(t, restored, scope)

	only := skvar.NewScope(skvar.ScopeOptions{Logger: journaltest.Logger(t)})
	ensure(NewReader(s.Bytes()).Visit(newScopeBuilder(only, "map")))
	deepEq(t, only.Dump(), "map = {x: {y: true}}\n")
}

func TestMetadata(t *testing.T) {
	m := Metadata{DataVersion: 1, Dirty: true, VariableCount: 3}
	data := m.Append(nil)
	bytesEq(t, data, expand("#1 01 #3"))
	deepEq(t, must(DecodeMetadata(data)), m)

	if _, err := DecodeMetadata(expand("#1 07 #3")); err == nil {
		t.Errorf("DecodeMetadata accepted an invalid dirty flag")
	}
	if _, err := DecodeMetadata(expand("#99 00 #0")); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("DecodeMetadata(v99) = %v, wanted ErrUnsupportedVersion", err)
	}
	if _, err := DecodeMetadata(expand("#1 00")); err == nil {
		t.Errorf("DecodeMetadata accepted truncated data")
	}
}

func scopesEq(t testing.TB, a, e *skvar.Scope) bool {
	t.Helper()
	if a.Dump() != e.Dump() {
		t.Errorf("** got:\n%s\nwanted:\n%s", a.Dump(), e.Dump())
		return false
	}
	for name, ev := range e.Roots() {
		av, _ := a.Get(skvar.MustPath(name), nil)
		if !skvar.Equal(av, ev) {
			t.Errorf("** %s: got %v, wanted %v", name, av, ev)
			return false
		}
	}
	return true
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
