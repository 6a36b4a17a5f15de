package skdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/andreyvit/skvar"
	"github.com/andreyvit/skvar/journal"
	"github.com/andreyvit/skvar/journal/journaltest"
)

func testOptions(t testing.TB) Options {
	return Options{
		Name:             "vars",
		Logger:           journaltest.Logger(t),
		Verbose:          true,
		CompactInterval:  -1,
		CompactThreshold: -1,
		Context:          context.Background(),
	}
}

func newScope(t testing.TB) *skvar.Scope {
	return skvar.NewScope(skvar.ScopeOptions{Logger: journaltest.Logger(t)})
}

// openScope opens the database and loads it into a fresh scope.
func openScope(t testing.TB, dir string, o Options) (*skvar.Scope, *Storage) {
	t.Helper()
	st := must(Open(dir, o))
	scope := newScope(t)
	scope.Attach(st)
	ensure(scope.Load(o.Context))
	return scope, st
}

// crash stops the storage without compacting, leaving files as they would
// be after the process died.
func crash(s *Storage) {
	s.qmu.Lock()
	s.closing = true
	s.qmu.Unlock()
	close(s.stop)
	<-s.done
	s.compactMu.Lock()
	s.bg.Wait()
	s.mu.Lock()
	ensure(s.release())
	s.mu.Unlock()
	s.compactMu.Unlock()
}

func readMetadata(t testing.TB, dir string) Metadata {
	t.Helper()
	data := journaltest.ReadFile(t, filepath.Join(dir, "vars.skdb"))
	return must(DecodeMetadata(data))
}

func journalFiles(t testing.TB, dir string) []journal.SegmentFile {
	return must(journal.ListSegments(dir, "vars"))
}

func get(scope *skvar.Scope, parts ...any) any {
	v, _ := scope.Get(skvar.MustPath(parts...), nil)
	return v
}

func set(scope *skvar.Scope, value any, parts ...any) {
	ensure(scope.Set(skvar.MustPath(parts...), nil, value))
}

func TestStorage_createsEmpty(t *testing.T) {
	dir := t.TempDir()
	scope, st := openScope(t, dir, testOptions(t))
	deepEq(t, scope.Len(), 0)
	deepEq(t, st.State(), StateClean)
	ensure(scope.Close())
	deepEq(t, st.State(), StateClosed)

	journaltest.FileEq(t, filepath.Join(dir, "vars.skdb"), "#1 00 #0")
}

func TestStorage_roundTrip(t *testing.T) {
	forEachMode(t, func(t *testing.T, o Options) {
		dir := t.TempDir()
		scope, _ := openScope(t, dir, o)
		set(scope, "bar", "test", "foo")
		set(scope, 42, "num")
		set(scope, 2.5, "f")
		set(scope, []byte{0, 1}, "bin")
		set(scope, "a", "arr", 0)
		set(scope, "b", "arr", 1)
		set(scope, true, "deep", "x", 1, "y")
		set(scope, "gone", "del", "me")
		set(scope, nil, "del", "me")
		want := scope.Dump()
		ensure(scope.Close())

		deepEq(t, readMetadata(t, dir), Metadata{DataVersion: 1, VariableCount: 7})

		scope, _ = openScope(t, dir, o)
		deepEq(t, scope.Dump(), want)
		deepEq(t, get(scope, "test", "foo"), any("bar"))
		deepEq(t, get(scope, "arr", 1), any("b"))
		deepEq(t, get(scope, "del"), nil)
		ensure(scope.Close())
	})
}

func TestStorage_crashRecovery(t *testing.T) {
	forEachMode(t, func(t *testing.T, o Options) {
		dir := t.TempDir()
		scope, st := openScope(t, dir, o)
		set(scope, "bar", "test", "foo")
		ensure(st.Sync())
		deepEq(t, st.State(), StateDirty)
		crash(st)

		deepEq(t, readMetadata(t, dir).Dirty, true)
		deepEq(t, len(journalFiles(t, dir)), 1)

		scope, st = openScope(t, dir, o)
		deepEq(t, get(scope, "test", "foo"), any("bar"))
		deepEq(t, st.State(), StateClean)
		deepEq(t, readMetadata(t, dir), Metadata{DataVersion: 1, VariableCount: 1})
		ensure(scope.Close())
	})
}

func TestStorage_journalOverrides(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, st := openScope(t, dir, o)
	set(scope, 1, "a", "x")
	set(scope, 2, "a", "y")
	ensure(st.Compact())

	// replaces a::x, then replaces the whole of a, then adds to it
	set(scope, 10, "a", "x")
	l := skvar.NewList()
	l.Put(skvar.StrKey("z"), int64(3))
	set(scope, l, "a")
	set(scope, 4, "a", "w")
	set(scope, 5, "b")
	set(scope, nil, "b")
	ensure(st.Sync())
	j := st.cur
	deepEq(t, j.Records(), 5)
	deepEq(t, j.Live(), 3)
	want := scope.Dump()
	crash(st)

	scope, st = openScope(t, dir, o)
	deepEq(t, scope.Dump(), want)
	deepEq(t, scope.Dump(), "a = {z: 3, w: 4}\n")
	ensure(scope.Close())
}

func TestStorage_compactionIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, st := openScope(t, dir, o)
	set(scope, "x", "list", 0)
	set(scope, "y", "list", 1)
	set(scope, 1, "n")
	ensure(st.Compact())
	set(scope, "z", "list", 2)
	set(scope, nil, "n")
	set(scope, 2, "m")
	ensure(st.Sync())
	want := scope.Dump()
	snap := must(st.Snapshot())
	crash(st)

	// emulate a crash right after the new region was renamed into place,
	// before metadata got cleared and the journal removed
	ser := NewSerializer(nil)
	ensure(ser.WriteScope(snap))
	f := must(replaceMainFile(filepath.Join(dir, "vars.skdb"), Metadata{DataVersion: 1, Dirty: true, VariableCount: int32(ser.Values())}, ser.Bytes()))
	ensure(f.Close())
	deepEq(t, len(journalFiles(t, dir)), 1)

	scope, st = openScope(t, dir, o)
	deepEq(t, scope.Dump(), want)
	deepEq(t, st.Stats().Metadata, Metadata{DataVersion: 1, VariableCount: 4})
	ensure(scope.Close())

	scope, _ = openScope(t, dir, o)
	deepEq(t, scope.Dump(), want)
	ensure(scope.Close())
}

func TestStorage_staleJournalIgnoredWhenClean(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, st := openScope(t, dir, o)
	set(scope, "kept", "v")
	ensure(scope.Close())

	// a journal left behind after metadata was cleared must not be replayed
	seg := must(journal.Create(filepath.Join(dir, journal.SegmentName("vars", 9)), 9, journal.Options{}))
	must(seg.Append(must(AppendRecord(nil, skvar.MustPath("v"), "stale"))))
	ensure(seg.Close())

	scope, st = openScope(t, dir, o)
	deepEq(t, get(scope, "v"), any("kept"))
	deepEq(t, st.Stats().JournalGen, uint32(10))
	deepEq(t, journalFiles(t, dir), []journal.SegmentFile{{Name: journal.SegmentName("vars", 10), Gen: 10}})
	ensure(scope.Close())
}

func TestStorage_tornJournalTail(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, st := openScope(t, dir, o)
	set(scope, 1, "a")
	set(scope, 2, "b")
	ensure(st.Sync())
	crash(st)

	segs := journalFiles(t, dir)
	deepEq(t, len(segs), 1)
	path := filepath.Join(dir, segs[0].Name)
	fi := must(os.Stat(path))
	ensure(os.Truncate(path, fi.Size()-3))

	scope, _ = openScope(t, dir, o)
	deepEq(t, scope.Dump(), "a = 1\n")
	ensure(scope.Close())
}

func TestStorage_corruptRecordsSkipped(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, st := openScope(t, dir, o)
	set(scope, 1, "a")
	ensure(st.Sync())
	gen := st.cur.Gen()
	crash(st)

	// framed correctly, but the records themselves are garbage
	path := filepath.Join(dir, journal.SegmentName("vars", gen))
	seg := must(journal.Open(path, gen, journal.Options{}, func(journal.Pos, []byte) error { return nil }))
	must(seg.Append(expand("ff ff")))
	must(seg.Append(expand("%1 01 %1 'b 00 #1 c1")))
	must(seg.Append(must(AppendRecord(nil, skvar.MustPath("c"), int64(3)))))
	ensure(seg.Close())

	var logs logBuffer
	o.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	scope, st = openScope(t, dir, o)
	deepEq(t, scope.Dump(), "a = 1\nc = 3\n")
	deepEq(t, st.Stats().SkippedRecords, 2)
	if !strings.Contains(logs.String(), "path=b") {
		t.Errorf("** skipped record warning does not name the variable:\n%s", logs.String())
	}
	ensure(scope.Close())
}

// logBuffer collects log output written from several goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStorage_corruptJournalHeaderRemoved(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, st := openScope(t, dir, o)
	set(scope, 1, "a")
	ensure(st.Sync())
	gen := st.cur.Gen()
	crash(st)

	path := filepath.Join(dir, journal.SegmentName("vars", gen))
	data := journaltest.ReadFile(t, path)
	data[0] = 'X'
	ensure(os.WriteFile(path, data, 0o666))

	scope, _ = openScope(t, dir, o)
	deepEq(t, scope.Len(), 0)
	ensure(scope.Close())
}

func TestStorage_corruptRegionFails(t *testing.T) {
	dir := t.TempDir()
	ensure(os.WriteFile(filepath.Join(dir, "vars.skdb"), expand("#1 00 #1 01 %1 'a 00 #9 05"), 0o666))

	_, err := Open(dir, testOptions(t))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("** got %v, wanted DecodeError", err)
	}
}

func TestStorage_countMismatchFails(t *testing.T) {
	dir := t.TempDir()
	ensure(os.WriteFile(filepath.Join(dir, "vars.skdb"), expand("#1 00 #2 01 %1 'a 00 #1 05"), 0o666))

	_, err := Open(dir, testOptions(t))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("** got %v, wanted DecodeError", err)
	}
}

func TestStorage_arraysSurviveJournal(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, st := openScope(t, dir, o)
	l := skvar.NewList()
	l.Add("x")
	l.Add("y")
	set(scope, l, "arr")
	ensure(st.Sync())

	snap := must(st.Snapshot())
	v, _ := snap.Get(skvar.MustPath("arr"), skvar.Global)
	deepEq(t, v.(*skvar.List).Mode(), skvar.ModeArray)

	ensure(st.Compact())
	snap = must(st.Snapshot())
	v, _ = snap.Get(skvar.MustPath("arr"), skvar.Global)
	deepEq(t, v.(*skvar.List).Mode(), skvar.ModeArray)
	ensure(scope.Close())
}

func deepParts(n int) []any {
	parts := []any{"deep"}
	for i := 1; i < n; i++ {
		parts = append(parts, i)
	}
	return parts
}

func TestStorage_tooDeepChangesDropped(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, st := openScope(t, dir, o)
	set(scope, 1, "ok")
	set(scope, 2, deepParts(skvar.MaxPathLen)...)
	if err := scope.Set(skvar.MustPath(deepParts(300)...), nil, 1); err == nil {
		t.Errorf("** Set of a 300-part path succeeded")
	}

	// storages called directly must not journal what compaction cannot write
	st.VariableChanged(skvar.MustPath(deepParts(300)...), int64(1))
	nested := skvar.NewList()
	nested.Add(int64(1))
	for range skvar.MaxPathLen {
		outer := skvar.NewList()
		outer.Add(nested)
		nested = outer
	}
	st.VariableChanged(skvar.MustPath("nested"), nested)
	ensure(st.Sync())
	deepEq(t, st.Stats().JournalRecords, 2)
	ensure(scope.Close())

	scope, _ = openScope(t, dir, o)
	deepEq(t, get(scope, "ok"), any(int64(1)))
	deepEq(t, get(scope, deepParts(skvar.MaxPathLen)...), any(int64(2)))
	deepEq(t, scope.Len(), 2)
	ensure(scope.Close())
}

func TestStorage_loadPath(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, st := openScope(t, dir, o)
	set(scope, 1, "a", "b")
	set(scope, 2, "a", "c")
	set(scope, 3, "other")
	ensure(st.Compact())
	set(scope, 4, "a", "b", "d")
	ensure(scope.Close())

	st = must(Open(dir, o))
	fresh := newScope(t)
	ensure(st.LoadVariables(fresh, skvar.MustPath("a", "b")))
	deepEq(t, fresh.Dump(), "a = {b: {d: 4}}\n")

	fresh = newScope(t)
	ensure(st.LoadVariables(fresh, skvar.MustPath("other")))
	deepEq(t, fresh.Dump(), "other = 3\n")

	fresh = newScope(t)
	ensure(st.LoadVariables(fresh, skvar.MustPath("missing", 1)))
	deepEq(t, fresh.Len(), 0)
	ensure(st.Close())
}

func TestStorage_unloadThenLoad(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, _ := openScope(t, dir, o)
	set(scope, "v", "big", "x")
	ensure(scope.Unload(skvar.MustPath("big")))
	deepEq(t, scope.Len(), 0)

	ensure(scope.LoadPath(o.Context, skvar.MustPath("big", "x")))
	deepEq(t, get(scope, "big", "x"), any("v"))
	ensure(scope.Close())
}

func TestStorage_compactRotatesJournal(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, st := openScope(t, dir, o)
	for i := range 100 {
		set(scope, i, "counter")
	}
	ensure(st.Sync())
	stats := st.Stats()
	deepEq(t, stats.JournalRecords, 100)
	deepEq(t, stats.State, StateDirty)

	ensure(st.Compact())
	stats = st.Stats()
	deepEq(t, stats.JournalRecords, 0)
	deepEq(t, stats.JournalGen, uint32(2))
	deepEq(t, stats.State, StateClean)
	deepEq(t, stats.Metadata, Metadata{DataVersion: 1, VariableCount: 1})
	deepEq(t, journalFiles(t, dir), []journal.SegmentFile{{Name: journal.SegmentName("vars", 2), Gen: 2}})
	deepEq(t, journaltest.FileNames(t, dir), []string{journal.SegmentName("vars", 2), "vars.skdb"})
	journaltest.FileEq(t, filepath.Join(dir, "vars.skdb"), "#1 00 #1", "01 %7 'counter 00 #1 63")
	ensure(scope.Close())
}

func TestStorage_thresholdCompaction(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	o.CompactThreshold = 256
	scope, st := openScope(t, dir, o)
	for i := range 50 {
		set(scope, fmt.Sprint("value ", i), "k", i)
	}
	ensure(scope.Close())

	deepEq(t, readMetadata(t, dir), Metadata{DataVersion: 1, VariableCount: 50})
	scope, st = openScope(t, dir, o)
	deepEq(t, get(scope, "k", 49), any("value 49"))
	deepEq(t, st.Stats().Metadata.VariableCount, int32(50))
	ensure(scope.Close())
}

func TestStorage_afterClose(t *testing.T) {
	dir := t.TempDir()
	scope, st := openScope(t, dir, testOptions(t))
	ensure(scope.Close())
	ensure(st.Close())

	st.VariableChanged(skvar.MustPath("late"), int64(1))
	if err := st.LoadVariables(newScope(t), skvar.Path{}); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadVariables after Close = %v, wanted ErrClosed", err)
	}
}

func TestStorage_localContextNotPersisted(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	scope, _ := openScope(t, dir, o)
	local := skvar.NewLocalContext()
	ensure(scope.Set(skvar.MustPath("tmp"), local, "x"))
	set(scope, "y", "kept")
	ensure(scope.Close())

	scope, _ = openScope(t, dir, o)
	deepEq(t, scope.Dump(), "kept = \"y\"\n")
	ensure(scope.Close())
}

func forEachMode(t *testing.T, f func(t *testing.T, o Options)) {
	t.Run("file", func(t *testing.T) {
		f(t, testOptions(t))
	})
	t.Run("mmap", func(t *testing.T) {
		o := testOptions(t)
		o.UseMmap = true
		f(t, o)
	})
	t.Run("syncNone", func(t *testing.T) {
		o := testOptions(t)
		o.SyncMode = SyncNone
		f(t, o)
	})
}
