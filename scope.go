package skvar

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// Context selects which variables a Scope operation addresses. The nil
// Context is the global one: its variables live as long as the Scope and are
// forwarded to storage backends. Local contexts hold per-invocation variables
// that are never persisted.
type Context struct {
	roots map[string]any
}

// Global is the context of persisted variables.
var Global *Context

func NewLocalContext() *Context {
	return &Context{roots: make(map[string]any)}
}

type ScopeOptions struct {
	Logger *slog.Logger
}

// Scope maps root variable names to values and owns the tree of Lists
// reachable from them.
//
// A Scope must only be used from a single goroutine. Lists returned by Get
// are live and must be treated as read-only; change them through Set.
type Scope struct {
	roots    map[string]any
	storages []Storage
	logger   *slog.Logger

	// gen changes whenever a List is detached from the tree, invalidating
	// the parent hints cached in paths.
	gen uint64
}

func NewScope(o ScopeOptions) *Scope {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Scope{
		roots:  make(map[string]any),
		logger: o.Logger,
	}
}

// Attach registers a backend to receive change notifications for global
// variables.
func (s *Scope) Attach(st Storage) {
	s.storages = append(s.storages, st)
}

func (s *Scope) Storages() []Storage {
	return slices.Clone(s.storages)
}

func (s *Scope) rootsFor(ctx *Context) map[string]any {
	if ctx == nil {
		return s.roots
	}
	return ctx.roots
}

func checkPath(p Path) error {
	if p.Len() == 0 {
		return pathErr(p, 0, errEmptyPath)
	}
	if !p.At(0).IsString() {
		return pathErr(p, 0, errRootNotString)
	}
	if p.Len() > MaxPathLen {
		return pathErr(p, MaxPathLen, errPathTooLong)
	}
	return nil
}

// checkValueDepth makes sure no leaf of v ends up deeper than MaxPathLen.
func checkValueDepth(p Path, v any) error {
	if l, ok := v.(*List); ok && !fitsDepth(l, MaxPathLen-p.Len()) {
		return pathErr(p, p.Len()-1, errValueTooDeep)
	}
	return nil
}

// Set stores value at p, creating intermediate lists as needed. Setting nil
// (or an empty list) deletes the variable and prunes ancestor lists left
// empty. Changes to global variables are forwarded to attached storages.
func (s *Scope) Set(p Path, ctx *Context, value any) error {
	if err := checkPath(p); err != nil {
		return err
	}
	v, err := Normalize(value)
	if err != nil {
		return fmt.Errorf("%v: %w", p, err)
	}
	if err := checkValueDepth(p, v); err != nil {
		return err
	}
	if l, ok := v.(*List); ok {
		if l, err = normalizeList(l); err != nil {
			return fmt.Errorf("%v: %w", p, err)
		}
		if l.IsEmpty() {
			v = nil
		} else {
			v = l
		}
	}
	if !s.set(s.rootsFor(ctx), p, v, ctx == nil) {
		return nil
	}
	if ctx == nil {
		for _, st := range s.storages {
			st.VariableChanged(p, v)
		}
	}
	return nil
}

// Restore is Set for the global context without notifying storages. Backends
// use it to populate the scope.
func (s *Scope) Restore(p Path, value any) error {
	if err := checkPath(p); err != nil {
		return err
	}
	v, err := Normalize(value)
	if err != nil {
		return fmt.Errorf("%v: %w", p, err)
	}
	if err := checkValueDepth(p, v); err != nil {
		return err
	}
	if l, ok := v.(*List); ok && l.IsEmpty() {
		v = nil
	}
	s.set(s.roots, p, v, true)
	return nil
}

// Get returns the value at p. A missing variable is not an error.
func (s *Scope) Get(p Path, ctx *Context) (any, bool) {
	if p.Len() == 0 || !p.At(0).IsString() {
		return nil, false
	}
	roots := s.rootsFor(ctx)
	if p.Len() == 1 {
		v, ok := roots[p.At(0).Str()]
		return v, ok
	}
	parent := s.walkParent(roots, p, false, ctx == nil)
	if parent == nil {
		return nil, false
	}
	return parent.Get(p.Last())
}

func (s *Scope) set(roots map[string]any, p Path, v any, cache bool) bool {
	if v == nil {
		return s.delete(roots, p)
	}
	name := p.At(0).Str()
	if p.Len() == 1 {
		if IsList(roots[name]) {
			s.gen++
		}
		roots[name] = v
		return true
	}
	parent := s.walkParent(roots, p, true, cache)
	if old, _ := parent.Get(p.Last()); IsList(old) {
		s.gen++
	}
	parent.Put(p.Last(), v)
	return true
}

// walkParent finds the list holding the last part of p, optionally creating
// missing lists along the way (replacing scalars that are in the way).
func (s *Scope) walkParent(roots map[string]any, p Path, create, cache bool) *List {
	if cache {
		if l := p.cachedParent(s); l != nil {
			return l
		}
	}
	name := p.At(0).Str()
	cur, ok := roots[name].(*List)
	if !ok {
		if !create {
			return nil
		}
		cur = NewList()
		roots[name] = cur
	}
	for i := 1; i < p.Len()-1; i++ {
		k := p.At(i)
		v, _ := cur.Get(k)
		next, ok := v.(*List)
		if !ok {
			if !create {
				return nil
			}
			next = NewList()
			cur.Put(k, next)
		}
		cur = next
	}
	if cache {
		p.cacheParent(s, cur)
	}
	return cur
}

func (s *Scope) delete(roots map[string]any, p Path) bool {
	name := p.At(0).Str()
	if p.Len() == 1 {
		old, ok := roots[name]
		if !ok {
			return false
		}
		if IsList(old) {
			s.gen++
		}
		delete(roots, name)
		return true
	}

	chain := make([]*List, 0, p.Len()-1)
	cur, ok := roots[name].(*List)
	if !ok {
		return false
	}
	chain = append(chain, cur)
	for i := 1; i < p.Len()-1; i++ {
		v, _ := cur.Get(p.At(i))
		next, ok := v.(*List)
		if !ok {
			return false
		}
		chain = append(chain, next)
		cur = next
	}
	old, ok := cur.Remove(p.Last())
	if !ok {
		return false
	}
	if IsList(old) {
		s.gen++
	}

	// chain[i] lives at p[:i+1], under key p.At(i) of chain[i-1]
	for i := len(chain) - 1; i >= 0 && chain[i].IsEmpty(); i-- {
		s.gen++
		if i == 0 {
			delete(roots, name)
		} else {
			chain[i-1].Remove(p.At(i))
		}
	}
	return true
}

// Load asks every attached storage to populate the scope. Failing backends
// are logged and skipped so that the host keeps running with whatever could
// be loaded.
func (s *Scope) Load(ctx context.Context) error {
	return s.LoadPath(ctx, Path{})
}

// LoadPath makes sure variables under p are present. The zero Path loads
// everything.
func (s *Scope) LoadPath(ctx context.Context, p Path) error {
	var errs []error
	for _, st := range s.storages {
		if err := st.LoadVariables(s, p); err != nil {
			s.logger.LogAttrs(ctx, slog.LevelError, "skvar: failed to load variables", slog.String("storage", fmt.Sprint(st)), slog.String("path", p.String()), slog.Any("err", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unload evicts p from memory. Storages keep the durable copy and can load it
// again later.
func (s *Scope) Unload(p Path) error {
	if err := checkPath(p); err != nil {
		return err
	}
	if !s.delete(s.roots, p) {
		return nil
	}
	for _, st := range s.storages {
		st.VariableUnloaded(p)
	}
	return nil
}

// Roots iterates over global root variables sorted by name.
func (s *Scope) Roots() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for _, name := range slices.Sorted(maps.Keys(s.roots)) {
			if !yield(name, s.roots[name]) {
				return
			}
		}
	}
}

// Len returns the number of global root variables.
func (s *Scope) Len() int {
	return len(s.roots)
}

// Count returns the number of global non-list values.
func (s *Scope) Count() int {
	var n int
	for _, v := range s.roots {
		if l, ok := v.(*List); ok {
			n += l.LeafCount()
		} else {
			n++
		}
	}
	return n
}

// Close shuts down every attached storage. Storages flush their pending
// changes before returning.
func (s *Scope) Close() error {
	var errs []error
	for _, st := range s.storages {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.storages = nil
	return errors.Join(errs...)
}

func (s *Scope) Dump() string {
	var buf strings.Builder
	for name, v := range s.Roots() {
		buf.WriteString(name)
		buf.WriteString(" = ")
		dumpValue(&buf, v)
		buf.WriteByte('\n')
	}
	return buf.String()
}
