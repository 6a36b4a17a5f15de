// Package boltstore keeps script variables in a bbolt database, one key per
// scalar value.
//
// A bolt key is the concatenation of the encoded keys of a variable's path
// (see skdb.AppendKeys), so every variable under a path shares its byte
// prefix. Values are msgpack scalars. Lists are not stored explicitly; they
// are rebuilt from their leaves on load.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/andreyvit/skvar"
	"github.com/andreyvit/skvar/skdb"
)

var ErrClosed = errors.New("boltstore: closed")

const DefaultBucket = "variables"

type Options struct {
	Bucket    string
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int
	Context   context.Context
}

func (o *Options) norm() {
	if o.Bucket == "" {
		o.Bucket = DefaultBucket
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
}

// Store is a skvar.Storage backed by bbolt. Changes are queued by
// VariableChanged and committed in batches by a background goroutine.
type Store struct {
	bdb    *bbolt.DB
	bucket []byte
	opt    Options

	mu      sync.Mutex
	queue   []op
	closing bool
	failure error

	wake  chan struct{}
	syncs chan chan error
	stop  chan struct{}
	done  chan struct{}
}

var _ skvar.Storage = (*Store)(nil)

// op replaces everything at and below prefix with leaves.
type op struct {
	path   string
	prefix []byte
	// ends are the lengths of the ancestors' prefixes
	ends   []int
	leaves []leaf
}

type leaf struct {
	key, value []byte
}

func Open(path string, o Options) (*Store, error) {
	o.norm()
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if o.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if o.MmapSize != 0 {
		bopt.InitialMmapSize = o.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("boltstore: %w", err)
	}
	s := &Store{
		bdb:    bdb,
		bucket: []byte(o.Bucket),
		opt:    o,
		wake:   make(chan struct{}, 1),
		syncs:  make(chan chan error),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("boltstore: %w", err)
	}
	go s.run()
	return s, nil
}

func (s *Store) Bolt() *bbolt.DB { return s.bdb }
func (s *Store) String() string  { return "bolt:" + s.bdb.Path() }

func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Store) fail(err error) {
	s.mu.Lock()
	first := s.failure == nil
	if first {
		s.failure = err
		s.queue = nil
	}
	s.mu.Unlock()
	if first {
		s.opt.Logger.LogAttrs(s.opt.Context, slog.LevelError, "boltstore: storage disabled", slog.String("file", s.bdb.Path()), slog.Any("err", err))
	}
}

// VariableChanged flattens value into leaves and queues the change.
func (s *Store) VariableChanged(p skvar.Path, value any) {
	o := op{path: p.String()}
	for i, k := range p.Keys() {
		if i > 0 {
			o.ends = append(o.ends, len(o.prefix))
		}
		o.prefix = skdb.AppendKey(o.prefix, k)
	}
	if err := o.addLeaves(o.prefix, value); err != nil {
		s.opt.Logger.LogAttrs(s.opt.Context, slog.LevelError, "boltstore: cannot store change", slog.String("path", o.path), slog.Any("err", err))
		return
	}
	s.mu.Lock()
	if s.closing || s.failure != nil {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, o)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (o *op) addLeaves(key []byte, v any) error {
	switch v := v.(type) {
	case nil:
		return nil
	case *skvar.List:
		for k, sub := range v.OrderedEntries() {
			if err := o.addLeaves(skdb.AppendKey(bytes.Clone(key), k), sub); err != nil {
				return err
			}
		}
		return nil
	default:
		data, err := skdb.AppendScalar(nil, v)
		if err != nil {
			return err
		}
		o.leaves = append(o.leaves, leaf{key, data})
		return nil
	}
}

func (s *Store) VariableUnloaded(p skvar.Path) {
	if s.opt.Verbose {
		s.opt.Logger.LogAttrs(s.opt.Context, slog.LevelDebug, "boltstore: variable unloaded", slog.String("path", p.String()))
	}
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.commit()
		case reply := <-s.syncs:
			reply <- s.commit()
		case <-s.stop:
			s.commit()
			return
		}
	}
}

func (s *Store) commit() error {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	failure := s.failure
	s.mu.Unlock()
	if failure != nil {
		return failure
	}
	if len(batch) == 0 {
		return nil
	}

	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, o := range batch {
			if err := apply(b, o); err != nil {
				return fmt.Errorf("%s: %w", o.path, err)
			}
		}
		return nil
	})
	if err != nil {
		err = fmt.Errorf("boltstore: %w", err)
		s.fail(err)
		return err
	}
	if s.opt.Verbose {
		s.opt.Logger.LogAttrs(s.opt.Context, slog.LevelDebug, "boltstore: committed", slog.Int("changes", len(batch)))
	}
	return nil
}

func apply(b *bbolt.Bucket, o op) error {
	// a scalar stored at an ancestor is replaced by the new list
	for _, end := range o.ends {
		if err := b.Delete(o.prefix[:end]); err != nil {
			return err
		}
	}

	c := b.Cursor()
	for k, _ := c.Seek(o.prefix); k != nil && bytes.HasPrefix(k, o.prefix); k, _ = c.Seek(o.prefix) {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	for _, l := range o.leaves {
		if err := b.Put(l.key, l.value); err != nil {
			return err
		}
	}
	return nil
}

// Sync waits until every queued change is committed.
func (s *Store) Sync() error {
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

// LoadVariables restores the variables under p, or everything for the zero
// Path.
func (s *Store) LoadVariables(scope *skvar.Scope, p skvar.Path) error {
	if err := s.Sync(); err != nil {
		return err
	}
	prefix := skdb.AppendKeys(nil, p)
	var n int
	err := s.bdb.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			path, err := skdb.DecodeKeys(k)
			if err != nil {
				return err
			}
			value, err := skdb.DecodeScalar(v)
			if err != nil {
				return fmt.Errorf("%v: %w", path, err)
			}
			if err := scope.Restore(path, value); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: %w", err)
	}
	if s.opt.Verbose {
		s.opt.Logger.LogAttrs(s.opt.Context, slog.LevelDebug, "boltstore: loaded", slog.String("path", p.String()), slog.Int("values", n))
	}
	return nil
}

// Count returns the number of stored scalar values.
func (s *Store) Count() (int, error) {
	var n int
	err := s.bdb.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(s.bucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close commits queued changes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	err := s.Err()
	if cerr := s.bdb.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("boltstore: closing: %w", cerr)
	}
	return err
}
