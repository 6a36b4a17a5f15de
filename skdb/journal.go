package skdb

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/andreyvit/skvar"
	"github.com/andreyvit/skvar/journal"
)

// Journal is a journal segment plus an index of its latest record per path.
// Appends must be serialized by the caller.
//
// A record replaces everything at and below its path, so indexing a record
// drops the index of all descendants: replaying the index applies each
// surviving record once, parents before children.
type Journal struct {
	seg     *journal.Segment
	root    changeNode
	skipped int
}

type changeNode struct {
	children map[skvar.Key]*changeNode
	pos      journal.Pos
	has      bool
}

func (n *changeNode) child(k skvar.Key) *changeNode {
	c := n.children[k]
	if c == nil {
		if n.children == nil {
			n.children = make(map[skvar.Key]*changeNode)
		}
		c = &changeNode{}
		n.children[k] = c
	}
	return c
}

func (j *Journal) index(p skvar.Path, pos journal.Pos) {
	n := &j.root
	for _, k := range p.Keys() {
		n = n.child(k)
	}
	n.pos, n.has = pos, true
	n.children = nil
}

func createJournal(path string, gen uint32, o journal.Options) (*Journal, error) {
	seg, err := journal.Create(path, gen, o)
	if err != nil {
		return nil, storageErr("create journal", path, err)
	}
	return &Journal{seg: seg}, nil
}

// openJournal indexes an existing segment. Records whose path cannot be
// decoded are logged and skipped.
func openJournal(path string, gen uint32, o journal.Options) (*Journal, error) {
	j := &Journal{}
	seg, err := journal.Open(path, gen, o, func(pos journal.Pos, rec []byte) error {
		p, err := DecodeRecordPath(rec)
		if err != nil {
			j.skipped++
			o.Logger.LogAttrs(o.Context, slog.LevelWarn, "skdb: skipping undecodable journal record", slog.String("file", path), slog.Int64("off", pos.Off), slog.Any("err", err))
			return nil
		}
		j.index(p, pos)
		return nil
	})
	if err != nil {
		return nil, err
	}
	j.seg = seg
	return j, nil
}

func (j *Journal) Gen() uint32    { return j.seg.Gen() }
func (j *Journal) Records() int   { return j.seg.Records() }
func (j *Journal) Size() int64    { return j.seg.Size() }
func (j *Journal) IsEmpty() bool  { return j.seg.Records() == 0 }
func (j *Journal) Skipped() int   { return j.skipped }
func (j *Journal) String() string { return j.seg.String() }
func (j *Journal) Flush() error   { return j.seg.Flush() }
func (j *Journal) Sync() error    { return j.seg.Sync() }
func (j *Journal) Close() error   { return j.seg.Close() }
func (j *Journal) Remove() error  { return j.seg.Remove() }

// Append writes an encoded record for p and indexes it.
func (j *Journal) Append(p skvar.Path, rec []byte) error {
	pos, err := j.seg.Append(rec)
	if err != nil {
		return storageErr("append", j.seg.Path(), err)
	}
	j.index(p, pos)
	return nil
}

// Live returns the number of indexed records.
func (j *Journal) Live() int {
	var n int
	stack := []*changeNode{&j.root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node.has {
			n++
		}
		for _, c := range node.children {
			stack = append(stack, c)
		}
	}
	return n
}

// Apply replays the indexed records into scope and returns the number of
// records skipped. If only is not empty, just that root variable is replayed.
// Records that fail to decode are logged and skipped; I/O errors abort.
//
// Apply does not modify the journal, so sealed journals can be applied
// concurrently.
func (j *Journal) Apply(ctx context.Context, scope *skvar.Scope, only string, logger *slog.Logger) (skipped int, err error) {
	start := &j.root
	if only != "" {
		start = j.root.children[skvar.StrKey(only)]
		if start == nil {
			return 0, nil
		}
	}
	stack := []*changeNode{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node.has {
			data, err := j.seg.Read(node.pos)
			if err != nil {
				return skipped, storageErr("read journal", j.seg.Path(), err)
			}
			rec, err := DecodeRecord(data)
			if err == nil {
				err = scope.Restore(rec.Path, rec.Value)
			}
			if err != nil {
				skipped++
				// the path decoded fine when the record was indexed
				p, _ := DecodeRecordPath(data)
				logger.LogAttrs(ctx, slog.LevelWarn, "skdb: skipping journal record", slog.String("path", p.String()), slog.String("file", j.seg.Path()), slog.Int64("off", node.pos.Off), slog.Any("err", err))
			}
		}
		// children are pushed in reverse so that they pop in key order
		keys := slices.SortedFunc(maps.Keys(node.children), skvar.Key.Compare)
		for i := len(keys) - 1; i >= 0; i-- {
			stack = append(stack, node.children[keys[i]])
		}
	}
	return skipped, nil
}
