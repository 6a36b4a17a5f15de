package journal_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/andreyvit/skvar/journal"
	"github.com/andreyvit/skvar/journal/journaltest"
)

var bytesEq = journaltest.BytesEq

func forEachLog(t *testing.T, f func(t *testing.T, o journal.Options)) {
	t.Run("file", func(t *testing.T) {
		f(t, journal.Options{Logger: journaltest.Logger(t)})
	})
	t.Run("mmap", func(t *testing.T) {
		f(t, journal.Options{Logger: journaltest.Logger(t), UseMmap: true})
	})
}

func TestSegment_trivial(t *testing.T) {
	forEachLog(t, func(t *testing.T, o journal.Options) {
		path := filepath.Join(t.TempDir(), journal.SegmentName("v", 7))
		seg := must(journal.Create(path, 7, o))
		p1 := must(seg.Append([]byte("hello")))
		p2 := must(seg.Append([]byte("w")))
		deepEq(t, p1, journal.Pos{Off: journal.HeaderSize + 4, Size: 5})
		deepEq(t, p2, journal.Pos{Off: p1.End() + 4, Size: 1})
		bytesEq(t, must(seg.Read(p1)), []byte("hello"))
		ensure(seg.Sync())
		ensure(seg.Close())

		data := journaltest.ReadFile(t, path)
		deepEq(t, len(data), journal.HeaderSize+(4+5+8)+(4+1+8))
		bytesEq(t, data[:16], journaltest.Expand("'SKJOURNL 00 00_00_00 #7"))
		bytesEq(t, data[24:33], journaltest.Expand("#5 'hello"))
	})
}

func TestSegment_reopen(t *testing.T) {
	forEachLog(t, func(t *testing.T, o journal.Options) {
		path := filepath.Join(t.TempDir(), journal.SegmentName("v", 1))
		seg := must(journal.Create(path, 1, o))
		must(seg.Append([]byte("one")))
		must(seg.Append([]byte("two")))
		ensure(seg.Close())

		var recs []string
		var positions []journal.Pos
		seg = must(journal.Open(path, 1, o, func(pos journal.Pos, rec []byte) error {
			recs = append(recs, string(rec))
			positions = append(positions, pos)
			return nil
		}))
		deepEq(t, recs, []string{"one", "two"})
		deepEq(t, seg.Records(), 2)

		p3 := must(seg.Append([]byte("three")))
		bytesEq(t, must(seg.Read(positions[1])), []byte("two"))
		bytesEq(t, must(seg.Read(p3)), []byte("three"))
		ensure(seg.Close())

		recs = nil
		seg = must(journal.Open(path, 1, o, func(pos journal.Pos, rec []byte) error {
			recs = append(recs, string(rec))
			return nil
		}))
		deepEq(t, recs, []string{"one", "two", "three"})
		ensure(seg.Close())
	})
}

func TestSegment_trimsTornTail(t *testing.T) {
	forEachLog(t, func(t *testing.T, o journal.Options) {
		path := filepath.Join(t.TempDir(), journal.SegmentName("v", 1))
		seg := must(journal.Create(path, 1, o))
		must(seg.Append([]byte("intact")))
		last := must(seg.Append([]byte("torn")))
		ensure(seg.Close())

		// simulate a crash in the middle of writing the last frame
		ensure(os.Truncate(path, last.End()-3))

		var recs []string
		seg = must(journal.Open(path, 1, o, func(pos journal.Pos, rec []byte) error {
			recs = append(recs, string(rec))
			return nil
		}))
		deepEq(t, recs, []string{"intact"})
		deepEq(t, seg.Size(), last.Off-4)
		ensure(seg.Close())
	})
}

func TestSegment_checksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), journal.SegmentName("v", 1))
	o := journal.Options{Logger: journaltest.Logger(t)}
	seg := must(journal.Create(path, 1, o))
	must(seg.Append([]byte("good")))
	bad := must(seg.Append([]byte("bad!")))
	must(seg.Append([]byte("after")))
	ensure(seg.Close())

	data := journaltest.ReadFile(t, path)
	data[bad.Off] ^= 0xFF
	ensure(os.WriteFile(path, data, 0o666))

	var recs []string
	seg = must(journal.Open(path, 1, o, func(pos journal.Pos, rec []byte) error {
		recs = append(recs, string(rec))
		return nil
	}))
	deepEq(t, recs, []string{"good"})
	ensure(seg.Close())
}

func TestSegment_badHeader(t *testing.T) {
	dir := t.TempDir()
	o := journal.Options{Logger: journaltest.Logger(t)}
	noop := func(journal.Pos, []byte) error { return nil }

	empty := filepath.Join(dir, journal.SegmentName("v", 1))
	ensure(os.WriteFile(empty, nil, 0o666))
	if _, err := journal.Open(empty, 1, o, noop); !errors.Is(err, journal.ErrCorruptedSegment) {
		t.Errorf("Open(empty) = %v, wanted ErrCorruptedSegment", err)
	}

	other := filepath.Join(dir, journal.SegmentName("v", 2))
	ensure(must(journal.Create(other, 2, o)).Close())
	if _, err := journal.Open(other, 3, o, noop); !errors.Is(err, journal.ErrCorruptedSegment) {
		t.Errorf("Open(wrong gen) = %v, wanted ErrCorruptedSegment", err)
	}
}

func TestSegment_callbackErrorAborts(t *testing.T) {
	path := filepath.Join(t.TempDir(), journal.SegmentName("v", 1))
	o := journal.Options{Logger: journaltest.Logger(t)}
	seg := must(journal.Create(path, 1, o))
	must(seg.Append([]byte("x")))
	ensure(seg.Close())

	boom := errors.New("boom")
	_, err := journal.Open(path, 1, o, func(journal.Pos, []byte) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Open = %v, wanted boom", err)
	}
}

func TestListSegments(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		journal.SegmentName("v", 10),
		journal.SegmentName("v", 2),
		journal.SegmentName("other", 1),
		"v.skdb",
		"v-junk.journal",
	} {
		ensure(os.WriteFile(filepath.Join(dir, name), nil, 0o666))
	}
	deepEq(t, must(journal.ListSegments(dir, "v")), []journal.SegmentFile{
		{Name: "v-000000000002.journal", Gen: 2},
		{Name: "v-000000000010.journal", Gen: 10},
	})
}

func TestParseSegmentName(t *testing.T) {
	gen, err := journal.ParseSegmentName("vars", "vars-000000000123.journal")
	if err != nil {
		t.Fatal(err)
	}
	if gen != 123 {
		t.Errorf("gen = %v, expected 123", gen)
	}
	for _, name := range []string{"vars-123.wal", "x-000000000001.journal", "vars-abc.journal"} {
		if _, err := journal.ParseSegmentName("vars", name); err == nil {
			t.Errorf("ParseSegmentName(%q) succeeded, wanted error", name)
		}
	}
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
