// Package skdb is a journaling variable store implementing skvar.Storage.
//
// A database is a directory holding a main file and journal segments:
//
//   - <name>.skdb = metadata region
//   - <name>-<gen>.journal = journal segment (see package journal)
//
// The main region is a depth-first serialization of every variable (see
// Serializer), rewritten wholesale by compaction. Changes are appended to the
// current journal segment as records and indexed in memory by path.
//
// The metadata dirty flag is raised before the first change is journaled and
// cleared as the last step of a compaction that leaves the journal empty. On
// open, a dirty database replays its journals on top of the main region.
// Replaying a journal whose changes are already in the main region yields the
// same state, so a crash at any point of a compaction is recoverable.
package skdb

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyvit/skvar"
	"github.com/andreyvit/skvar/journal"
)

type State int32

const (
	StateClosed State = iota
	StateOpening
	StateClean
	StateDirty
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Storage is a skdb database. VariableChanged may be called from one
// goroutine while the background worker and compactions run on others.
type Storage struct {
	dir  string
	path string
	opt  Options
	jopt journal.Options

	state  atomic.Int32
	region atomic.Pointer[[]byte]

	// mu guards the journals, the main file handle and the metadata.
	// Compaction holds it only to rotate the journal and to install its
	// result.
	mu          sync.Mutex
	file        *os.File
	meta        Metadata
	cur         *Journal
	sealed      []*Journal
	lastCompact time.Time
	skipped     int

	compactMu sync.Mutex

	qmu     sync.Mutex
	queue   []change
	closing bool
	failure error

	wake  chan struct{}
	syncs chan chan error
	stop  chan struct{}
	done  chan struct{}
	bg    sync.WaitGroup
}

var _ skvar.Storage = (*Storage)(nil)

type change struct {
	path skvar.Path
	rec  []byte
}

// Stats is a snapshot of a storage's state.
type Stats struct {
	State          State
	Metadata       Metadata
	RegionBytes    int
	JournalGen     uint32
	JournalBytes   int64
	JournalRecords int
	SealedJournals int
	Queued         int
	LastCompaction time.Time
	// SkippedRecords counts journal records dropped as unreadable since
	// Open.
	SkippedRecords int
}

// Open opens or creates the database in dir. Open is retried once if it
// fails with a StorageError. A dirty database is recovered before Open
// returns.
func Open(dir string, o Options) (*Storage, error) {
	o.norm()
	s, err := open(dir, o)
	if se := (*StorageError)(nil); errors.As(err, &se) {
		o.Logger.LogAttrs(o.Context, slog.LevelWarn, "skdb: open failed, retrying", slog.String("db", o.Name), slog.String("dir", dir), slog.Any("err", err))
		s, err = open(dir, o)
	}
	if err != nil {
		o.Logger.LogAttrs(o.Context, slog.LevelError, "skdb: open failed", slog.String("db", o.Name), slog.String("dir", dir), slog.Any("err", err))
		return nil, err
	}
	return s, nil
}

func open(dir string, o Options) (*Storage, error) {
	s := &Storage{
		dir:   dir,
		path:  filepath.Join(dir, o.Name+mainSuffix),
		opt:   o,
		wake:  make(chan struct{}, 1),
		syncs: make(chan chan error),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.jopt = journal.Options{
		UseMmap:   o.UseMmap,
		DebugName: o.Name,
		Logger:    o.Logger,
		Context:   o.Context,
	}
	s.state.Store(int32(StateOpening))

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, storageErr("mkdir", dir, err)
	}
	if err := os.Remove(s.path + tempSuffix); err != nil && !os.IsNotExist(err) {
		return nil, storageErr("remove", s.path+tempSuffix, err)
	}

	var ok bool
	defer func() {
		if !ok {
			s.release()
		}
	}()

	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		s.logf(slog.LevelInfo, "skdb: creating database", slog.String("file", s.path))
		f, err = replaceMainFile(s.path, Metadata{DataVersion: DataVersion}, nil)
	} else if err != nil {
		err = storageErr("open", s.path, err)
	}
	if err != nil {
		return nil, err
	}
	s.file = f

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, storageErr("read", s.path, err)
	}
	meta, err := DecodeMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	region := data[MetadataSize:]
	var cv countingVisitor
	if err := NewReader(region).Visit(&cv); err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	if !meta.Dirty && cv.values != int(meta.VariableCount) {
		return nil, decodeErrf(data[:MetadataSize], 5, nil, "%s: variable count is %d, but region holds %d", s.path, meta.VariableCount, cv.values)
	}
	s.meta = meta
	s.region.Store(&region)

	segs, err := journal.ListSegments(dir, o.Name)
	if err != nil {
		return nil, storageErr("list", dir, err)
	}
	nextGen := uint32(1)
	if len(segs) > 0 {
		nextGen = segs[len(segs)-1].Gen + 1
	}
	for _, seg := range segs {
		segPath := filepath.Join(dir, seg.Name)
		if !meta.Dirty {
			s.logf(slog.LevelDebug, "skdb: removing stale journal", slog.String("file", segPath))
			if err := os.Remove(segPath); err != nil {
				return nil, storageErr("remove", segPath, err)
			}
			continue
		}
		j, err := openJournal(segPath, seg.Gen, s.jopt)
		if errors.Is(err, journal.ErrCorruptedSegment) {
			o.Logger.LogAttrs(o.Context, slog.LevelWarn, "skdb: removing journal with corrupted header", slog.String("db", o.Name), slog.String("file", segPath))
			if err := os.Remove(segPath); err != nil {
				return nil, storageErr("remove", segPath, err)
			}
			continue
		} else if err != nil {
			return nil, storageErr("open journal", segPath, err)
		}
		s.sealed = append(s.sealed, j)
		s.skipped += j.Skipped()
	}

	s.cur, err = createJournal(filepath.Join(dir, journal.SegmentName(o.Name, nextGen)), nextGen, s.jopt)
	if err != nil {
		return nil, err
	}

	if meta.Dirty {
		s.state.Store(int32(StateDirty))
		var records int
		for _, j := range s.sealed {
			records += j.Records()
		}
		s.logf(slog.LevelInfo, "skdb: recovering from journal", slog.Int("journals", len(s.sealed)), slog.Int("records", records))
		if err := s.compact("recovery"); err != nil {
			return nil, err
		}
	} else {
		s.state.Store(int32(StateClean))
	}

	ok = true
	go s.run()
	return s, nil
}

func (s *Storage) Name() string   { return s.opt.Name }
func (s *Storage) Path() string   { return s.path }
func (s *Storage) String() string { return "skdb:" + s.path }
func (s *Storage) State() State   { return State(s.state.Load()) }

// Err returns the error that disabled the storage, if any.
func (s *Storage) Err() error {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.failure
}

func (s *Storage) logf(level slog.Level, msg string, attrs ...slog.Attr) {
	if level < slog.LevelWarn && !s.opt.Verbose {
		level = slog.LevelDebug
	}
	s.opt.Logger.LogAttrs(s.opt.Context, level, msg, append(attrs, slog.String("db", s.opt.Name))...)
}

// fail disables the storage. Changes are dropped from then on.
func (s *Storage) fail(err error) {
	s.qmu.Lock()
	first := s.failure == nil
	if first {
		s.failure = err
		s.queue = nil
	}
	s.qmu.Unlock()
	if first {
		s.state.Store(int32(StateFailed))
		s.opt.Logger.LogAttrs(s.opt.Context, slog.LevelError, "skdb: storage disabled", slog.String("db", s.opt.Name), slog.String("file", s.path), slog.Any("err", err))
	}
}

// VariableChanged encodes the change and queues it for the worker.
func (s *Storage) VariableChanged(p skvar.Path, value any) {
	rec, err := AppendRecord(nil, p, value)
	if err != nil {
		s.opt.Logger.LogAttrs(s.opt.Context, slog.LevelError, "skdb: cannot journal change", slog.String("db", s.opt.Name), slog.String("path", p.String()), slog.Any("err", err))
		return
	}
	s.qmu.Lock()
	if s.closing || s.failure != nil {
		s.qmu.Unlock()
		return
	}
	s.queue = append(s.queue, change{p, rec})
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Storage) VariableUnloaded(p skvar.Path) {
	s.logf(slog.LevelDebug, "skdb: variable unloaded", slog.String("path", p.String()))
}

func (s *Storage) run() {
	defer close(s.done)

	var tick <-chan time.Time
	if s.opt.CompactInterval > 0 {
		t := time.NewTicker(s.opt.CompactInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-s.wake:
			s.drain()
		case reply := <-s.syncs:
			reply <- s.drain()
		case <-tick:
			s.drain()
			s.startCompaction("interval")
		case <-s.stop:
			if err := s.drain(); err != nil {
				s.fail(err)
			}
			return
		}
	}
}

// drain appends queued changes to the current journal.
func (s *Storage) drain() error {
	s.qmu.Lock()
	batch := s.queue
	s.queue = nil
	failure := s.failure
	s.qmu.Unlock()
	if failure != nil {
		return failure
	}
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	err := s.appendBatch(batch)
	large := s.opt.CompactThreshold > 0 && s.cur.Size() > s.opt.CompactThreshold
	s.mu.Unlock()
	if err != nil {
		s.fail(err)
		return err
	}
	if large {
		s.startCompaction("threshold")
	}
	return nil
}

func (s *Storage) appendBatch(batch []change) error {
	if !s.meta.Dirty {
		s.meta.Dirty = true
		if err := writeMetadata(s.file, s.meta); err != nil {
			return err
		}
		s.state.Store(int32(StateDirty))
	}
	for _, c := range batch {
		if err := s.cur.Append(c.path, c.rec); err != nil {
			return err
		}
		if s.opt.SyncMode == SyncAlways {
			if err := s.cur.Sync(); err != nil {
				return storageErr("sync", s.cur.String(), err)
			}
		}
	}
	switch s.opt.SyncMode {
	case SyncBatch:
		return storageErr("sync", s.cur.String(), s.cur.Sync())
	case SyncNone:
		return storageErr("flush", s.cur.String(), s.cur.Flush())
	}
	return nil
}

// Sync waits until every change queued so far is journaled.
func (s *Storage) Sync() error {
	if err := s.Err(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	select {
	case s.syncs <- reply:
		return <-reply
	case <-s.done:
		return ErrClosed
	}
}

// Compact journals pending changes and compacts them into the main region.
func (s *Storage) Compact() error {
	if err := s.Sync(); err != nil {
		return err
	}
	s.compactMu.Lock()
	defer s.compactMu.Unlock()
	return s.compact("manual")
}

func (s *Storage) startCompaction(reason string) {
	if !s.compactMu.TryLock() {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.compactMu.Unlock()
		s.compact(reason)
	}()
}

// compact merges the main region with the journals into a new main region.
// The caller must hold compactMu (or be the only goroutine, as during
// open). Changes keep being journaled while the merge runs.
func (s *Storage) compact(reason string) error {
	if err := s.Err(); err != nil {
		return err
	}
	start := s.opt.Now()

	s.mu.Lock()
	if s.cur.IsEmpty() && len(s.sealed) == 0 && !s.meta.Dirty {
		s.mu.Unlock()
		return nil
	}
	if !s.cur.IsEmpty() {
		if err := s.rotate(); err != nil {
			s.mu.Unlock()
			s.fail(err)
			return err
		}
	}
	sealed := slices.Clone(s.sealed)
	region := *s.region.Load()
	dataVer := s.meta.DataVersion
	s.mu.Unlock()

	scope := skvar.NewScope(skvar.ScopeOptions{Logger: s.opt.Logger})
	if err := NewReader(region).Visit(newScopeBuilder(scope, "")); err != nil {
		err = fmt.Errorf("%s: %w", s.path, err)
		s.fail(err)
		return err
	}
	var skipped int
	for _, j := range sealed {
		n, err := j.Apply(s.opt.Context, scope, "", s.opt.Logger)
		skipped += n
		if err != nil {
			s.fail(err)
			return err
		}
	}
	ser := NewSerializer(make([]byte, 0, len(region)+int(min(totalSize(sealed), 1<<30))))
	if err := ser.WriteScope(scope); err != nil {
		s.fail(err)
		return err
	}
	newRegion := ser.Bytes()
	meta := Metadata{DataVersion: max(dataVer, DataVersion), Dirty: true, VariableCount: int32(ser.Values())}
	f, err := replaceMainFile(s.path, meta, newRegion)
	if err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.file.Close()
	s.file = f
	s.region.Store(&newRegion)
	s.sealed = slices.Delete(s.sealed, 0, len(sealed))
	s.meta = meta
	s.lastCompact = s.opt.Now()
	s.skipped += skipped
	if s.cur.IsEmpty() && len(s.sealed) == 0 {
		s.meta.Dirty = false
		err = writeMetadata(s.file, s.meta)
		if err == nil {
			s.state.Store(int32(StateClean))
		}
	}
	s.mu.Unlock()
	if err != nil {
		s.fail(err)
		return err
	}

	for _, j := range sealed {
		if err := j.Remove(); err != nil {
			s.opt.Logger.LogAttrs(s.opt.Context, slog.LevelWarn, "skdb: cannot remove compacted journal", slog.String("db", s.opt.Name), slog.String("file", j.String()), slog.Any("err", err))
		}
	}
	s.logf(slog.LevelInfo, "skdb: compacted", slog.String("reason", reason), slog.Int("journals", len(sealed)), slog.Int("values", ser.Values()), slog.Int("bytes", len(newRegion)), slog.Int("skipped", skipped), slog.Duration("elapsed", s.opt.Now().Sub(start)))
	return nil
}

// rotate seals the current journal and starts the next generation. Must be
// called with mu held.
func (s *Storage) rotate() error {
	if err := s.cur.Sync(); err != nil {
		return storageErr("sync", s.cur.String(), err)
	}
	gen := s.cur.Gen() + 1
	next, err := createJournal(filepath.Join(s.dir, journal.SegmentName(s.opt.Name, gen)), gen, s.jopt)
	if err != nil {
		return err
	}
	s.sealed = append(s.sealed, s.cur)
	s.cur = next
	return nil
}

func totalSize(js []*Journal) int64 {
	var n int64
	for _, j := range js {
		n += j.Size()
	}
	return n
}

// LoadVariables restores the durable state under p into scope. The zero
// Path loads everything. Other paths load their whole root variable and
// restore just p.
func (s *Storage) LoadVariables(scope *skvar.Scope, p skvar.Path) error {
	if err := s.Sync(); err != nil {
		return err
	}
	var only string
	if !p.IsZero() {
		if !p.At(0).IsString() {
			return nil
		}
		only = p.At(0).Str()
	}
	tmp, err := s.materialize(only)
	if err != nil {
		return err
	}
	if p.Len() <= 1 {
		for name, v := range tmp.Roots() {
			if err := scope.Restore(skvar.PathOf(skvar.StrKey(name)), v); err != nil {
				return err
			}
		}
		return nil
	}
	if v, ok := tmp.Get(p, skvar.Global); ok {
		return scope.Restore(p, v)
	}
	return nil
}

// Snapshot returns a detached scope holding every durable variable.
func (s *Storage) Snapshot() (*skvar.Scope, error) {
	if err := s.Sync(); err != nil {
		return nil, err
	}
	return s.materialize("")
}

func (s *Storage) materialize(only string) (*skvar.Scope, error) {
	scope := skvar.NewScope(skvar.ScopeOptions{Logger: s.opt.Logger})

	s.mu.Lock()
	defer s.mu.Unlock()
	region := *s.region.Load()
	if err := NewReader(region).Visit(newScopeBuilder(scope, only)); err != nil {
		err = fmt.Errorf("%s: %w", s.path, err)
		s.fail(err)
		return nil, err
	}
	for _, j := range append(slices.Clip(s.sealed), s.cur) {
		if _, err := j.Apply(s.opt.Context, scope, only, s.opt.Logger); err != nil {
			return nil, err
		}
	}
	return scope, nil
}

func (s *Storage) Stats() Stats {
	s.qmu.Lock()
	queued := len(s.queue)
	s.qmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		State:          s.State(),
		Metadata:       s.meta,
		RegionBytes:    len(*s.region.Load()),
		SealedJournals: len(s.sealed),
		Queued:         queued,
		LastCompaction: s.lastCompact,
		SkippedRecords: s.skipped,
	}
	if s.cur != nil {
		st.JournalGen = s.cur.Gen()
		st.JournalBytes = s.cur.Size()
		st.JournalRecords = s.cur.Records()
	}
	return st
}

// Close stops accepting changes, journals and compacts everything queued,
// and releases the files. Close is idempotent.
func (s *Storage) Close() error {
	s.qmu.Lock()
	if s.closing {
		s.qmu.Unlock()
		return nil
	}
	s.closing = true
	s.qmu.Unlock()

	close(s.stop)
	<-s.done

	s.compactMu.Lock()
	err := s.compact("close")
	s.compactMu.Unlock()
	s.bg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if rerr := s.release(); err == nil {
		err = rerr
	}
	s.state.Store(int32(StateClosed))
	return err
}

// release closes every file. Must not race with the worker.
func (s *Storage) release() error {
	var errs []error
	for _, j := range s.sealed {
		errs = append(errs, j.Close())
	}
	s.sealed = nil
	if s.cur != nil {
		errs = append(errs, s.cur.Close())
		s.cur = nil
	}
	if s.file != nil {
		errs = append(errs, s.file.Close())
		s.file = nil
	}
	return errors.Join(errs...)
}
