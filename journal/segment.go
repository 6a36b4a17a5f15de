// Package journal implements append-only journal segment files.
//
// A segment is a header followed by checksummed frames, each carrying one
// opaque record:
//
//   - segment = header frame*
//   - header = magic:64 ("SKJOURNL") version:8 reserved:24 generation:32 checksum:64
//   - frame = size:32 record:size*8 checksum:64
//
// All integers are big-endian. Checksums are xxhash64: of the first 16 header
// bytes, and of the size and record bytes of a frame.
//
// Segments are crash-resistant if followed by a Sync: on open, the file is
// trimmed after the last intact frame.
//
// The bytes live in a Log, which is either buffered file I/O or a memory
// mapping.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrCorruptedSegment   = errors.New("corrupted journal segment header")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrRecordTooLarge     = errors.New("journal record too large")
)

const (
	HeaderSize    = 24
	frameOverhead = 4 + 8

	// MaxRecordSize bounds a single record.
	MaxRecordSize = 1 << 30

	version0 uint8 = 0
)

var magic = [8]byte{'S', 'K', 'J', 'O', 'U', 'R', 'N', 'L'}

type Options struct {
	// UseMmap selects the memory-mapped Log instead of buffered file I/O.
	UseMmap   bool
	DebugName string
	Logger    *slog.Logger
	Context   context.Context
}

func (o *Options) norm() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
}

// Pos locates a record within its segment.
type Pos struct {
	Off  int64
	Size int
}

// End is the offset right after the record's frame.
func (p Pos) End() int64 {
	return p.Off + int64(p.Size) + 8
}

// Segment is a single journal file. It is not safe for concurrent use.
type Segment struct {
	log     Log
	path    string
	gen     uint32
	records int
	opt     Options
}

func openLog(path string, o Options) (Log, error) {
	if o.UseMmap {
		return OpenMappedLog(path)
	}
	return OpenFileLog(path)
}

// Create starts a new empty segment at path, replacing any existing file.
func Create(path string, gen uint32, o Options) (*Segment, error) {
	o.norm()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	l, err := openLog(path, o)
	if err != nil {
		return nil, err
	}

	var hbuf [HeaderSize]byte
	fillHeader(hbuf[:], gen)
	if _, err := l.Append(hbuf[:]); err != nil {
		l.Close()
		os.Remove(path)
		return nil, err
	}
	return &Segment{log: l, path: path, gen: gen, opt: o}, nil
}

// Open opens an existing segment, calling fn for every intact record in
// order. The data passed to fn is only valid during the call. A torn or
// corrupted tail is trimmed off. An error returned by fn aborts the open.
func Open(path string, gen uint32, o Options, fn func(pos Pos, rec []byte) error) (*Segment, error) {
	o.norm()
	l, err := openLog(path, o)
	if err != nil {
		return nil, err
	}
	var ok bool
	defer func() {
		if !ok {
			l.Close()
		}
	}()

	size := l.Size()
	if size < HeaderSize {
		return nil, fmt.Errorf("%s: %w", path, ErrCorruptedSegment)
	}
	data, err := l.ReadRange(0, int(size))
	if err != nil {
		return nil, err
	}
	if err := checkHeader(data[:HeaderSize], gen); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	seg := &Segment{log: l, path: path, gen: gen, opt: o}
	end, reason := int64(HeaderSize), ""
	for off := int64(HeaderSize); off < size; {
		if size-off < 4 {
			reason = "truncated frame header"
			break
		}
		n := int64(binary.BigEndian.Uint32(data[off:]))
		if n == 0 {
			if !allZeros(data[off:]) {
				reason = "empty frame"
			}
			break
		}
		if n > MaxRecordSize || off+frameOverhead+n > size {
			reason = "truncated frame"
			break
		}
		frame := data[off : off+4+n]
		sum := binary.BigEndian.Uint64(data[off+4+n:])
		if xxhash.Sum64(frame) != sum {
			reason = "checksum mismatch"
			break
		}
		if err := fn(Pos{off + 4, int(n)}, frame[4:]); err != nil {
			return nil, err
		}
		seg.records++
		off += frameOverhead + n
		end = off
	}
	if end < size {
		if reason != "" {
			o.Logger.LogAttrs(o.Context, slog.LevelWarn, "journal: trimming damaged tail", slog.String("jrnl", o.DebugName), slog.String("file", path), slog.Int64("off", end), slog.Int64("size", size), slog.String("reason", reason))
		}
		if err := l.Truncate(end); err != nil {
			return nil, err
		}
	}
	ok = true
	return seg, nil
}

func (s *Segment) Path() string   { return s.path }
func (s *Segment) Gen() uint32    { return s.gen }
func (s *Segment) Records() int   { return s.records }
func (s *Segment) Size() int64    { return s.log.Size() }
func (s *Segment) String() string { return s.path }

// Append writes rec as a new frame and returns its position. The record is
// durable only after Sync.
func (s *Segment) Append(rec []byte) (Pos, error) {
	n := len(rec)
	if n == 0 || n > MaxRecordSize {
		return Pos{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, n)
	}
	frame := make([]byte, 4, frameOverhead+n)
	binary.BigEndian.PutUint32(frame, uint32(n))
	frame = append(frame, rec...)
	frame = binary.BigEndian.AppendUint64(frame, xxhash.Sum64(frame))

	off, err := s.log.Append(frame)
	if err != nil {
		return Pos{}, err
	}
	s.records++
	return Pos{off + 4, n}, nil
}

// Read returns a copy of the record at pos.
func (s *Segment) Read(pos Pos) ([]byte, error) {
	return s.log.ReadRange(pos.Off, pos.Size)
}

func (s *Segment) Flush() error {
	return s.log.Flush()
}

func (s *Segment) Sync() error {
	return s.log.Sync()
}

func (s *Segment) Close() error {
	return s.log.Close()
}

// Remove closes the segment and deletes its file.
func (s *Segment) Remove() error {
	err := s.log.Close()
	if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	return err
}

func fillHeader(buf []byte, gen uint32) {
	copy(buf[0:8], magic[:])
	buf[8] = version0
	binary.BigEndian.PutUint32(buf[12:16], gen)
	binary.BigEndian.PutUint64(buf[16:24], xxhash.Sum64(buf[:16]))
}

func checkHeader(buf []byte, gen uint32) error {
	if !bytes.Equal(buf[0:8], magic[:]) {
		return ErrCorruptedSegment
	}
	if binary.BigEndian.Uint64(buf[16:24]) != xxhash.Sum64(buf[:16]) {
		return ErrCorruptedSegment
	}
	if buf[8] > version0 {
		return ErrUnsupportedVersion
	}
	if binary.BigEndian.Uint32(buf[12:16]) != gen {
		return ErrCorruptedSegment
	}
	return nil
}

func allZeros(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
