package skdb

import (
	"fmt"

	"github.com/andreyvit/skvar"
)

// treeBuilder materializes visited entries into Lists. Top-level entries go
// to put. Empty lists are dropped.
type treeBuilder struct {
	stack  []buildFrame
	put    func(name skvar.Key, v any) error
	values int
}

type buildFrame struct {
	name skvar.Key
	list *skvar.List
}

func (b *treeBuilder) add(name skvar.Key, v any) error {
	if n := len(b.stack); n > 0 {
		b.stack[n-1].list.Put(name, v)
		return nil
	}
	return b.put(name, v)
}

func (b *treeBuilder) Value(name skvar.Key, data []byte) error {
	v, err := DecodeScalar(data)
	if err != nil {
		return fmt.Errorf("%v: %w", name, err)
	}
	b.values++
	return b.add(name, v)
}

// ListStart starts every list as an array; Put promotes it as keys arrive.
func (b *treeBuilder) ListStart(name skvar.Key, size int) error {
	b.stack = append(b.stack, buildFrame{name, skvar.NewListSized(size, true)})
	return nil
}

func (b *treeBuilder) ListEnd(name skvar.Key, isArray bool) error {
	top := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	if top.list.IsEmpty() {
		return nil
	}
	return b.add(name, top.list)
}

// listBuilder collects top-level entries into a single list.
type listBuilder struct {
	treeBuilder
	result *skvar.List
}

func newListBuilder(size int) *listBuilder {
	b := &listBuilder{result: skvar.NewListSized(size, true)}
	b.put = func(name skvar.Key, v any) error {
		b.result.Put(name, v)
		return nil
	}
	return b
}

// Result returns nil if nothing was collected.
func (b *listBuilder) Result() any {
	if b.result.IsEmpty() {
		return nil
	}
	return b.result
}

// scopeBuilder restores top-level entries as root variables. If only is set,
// other roots are skipped without decoding.
type scopeBuilder struct {
	treeBuilder
	scope *skvar.Scope
	only  string
}

func newScopeBuilder(scope *skvar.Scope, only string) *scopeBuilder {
	b := &scopeBuilder{scope: scope, only: only}
	b.put = func(name skvar.Key, v any) error {
		if !name.IsString() {
			return fmt.Errorf("root variable %v: %w", name, errRootNotString)
		}
		return scope.Restore(skvar.PathOf(name), v)
	}
	return b
}

func (b *scopeBuilder) skip(name skvar.Key) bool {
	return len(b.stack) == 0 && b.only != "" && !(name.IsString() && name.Str() == b.only)
}

func (b *scopeBuilder) Value(name skvar.Key, data []byte) error {
	if b.skip(name) {
		return nil
	}
	return b.treeBuilder.Value(name, data)
}

func (b *scopeBuilder) ListStart(name skvar.Key, size int) error {
	if b.skip(name) {
		return SkipList
	}
	return b.treeBuilder.ListStart(name, size)
}
