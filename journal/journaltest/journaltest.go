// Package journaltest helps testing binary formats: it builds byte strings
// from compact textual specs and prints readable diffs.
package journaltest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
)

// Logger returns a logger writing into t.Log.
func Logger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelDebug,
	}))
}

type logWriter struct{ t testing.TB }

func (c *logWriter) Write(buf []byte) (int, error) {
	msg := string(buf)
	origLen := len(msg)
	msg = strings.TrimSuffix(msg, "\n")
	c.t.Log(msg)
	return origLen, nil
}

// FileNames lists dir, sorted.
func FileNames(t testing.TB, dir string) []string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading %v: %v", dir, err)
	}
	var names []string
	for _, ent := range ents {
		names = append(names, ent.Name())
	}
	slices.Sort(names)
	return names
}

// FileEq compares the contents of a file with the expanded spec.
func FileEq(t testing.TB, path string, expected ...string) bool {
	t.Helper()
	return BytesEq(t, ReadFile(t, path), Expand(expected...))
}

// ReadFile returns nil for missing files.
func ReadFile(t testing.TB, path string) []byte {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("when reading %v: %v", filepath.Base(path), err)
	}
	return b
}

// Expand builds bytes from whitespace-separated elements:
//
//   - hex digits, optionally grouped with '_': "00_01", "ff"
//   - 'text: raw ASCII bytes
//   - #N: N as a 4-byte big-endian integer
//   - %N: N as a 2-byte big-endian integer
//   - elem*K: elem repeated K times
//   - elem/comment: the part after '/' is ignored
func Expand(specs ...string) []byte {
	var b []byte
	for _, spec := range specs {
		for _, elem := range strings.Fields(spec) {
			base, _, _ := strings.Cut(elem, "/")
			if base == "" {
				continue
			}

			base, repStr, _ := strings.Cut(base, "*")
			rep := 1
			if repStr != "" {
				var err error
				rep, err = strconv.Atoi(repStr)
				if err != nil {
					panic(fmt.Sprintf("invalid repeat count %q in element %q", repStr, elem))
				}
			}

			chunk, err := expandElem(nil, base)
			if err != nil {
				panic(fmt.Errorf("%w in element %q", err, elem))
			}
			for range rep {
				b = append(b, chunk...)
			}
		}
	}
	return b
}

func expandElem(data []byte, elem string) ([]byte, error) {
	const none byte = 0xFF

	if decimal, ok := strings.CutPrefix(elem, "#"); ok {
		v, err := strconv.ParseInt(decimal, 10, 64)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint32(data, uint32(v)), nil
	} else if decimal, ok := strings.CutPrefix(elem, "%"); ok {
		v, err := strconv.ParseUint(decimal, 10, 16)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint16(data, uint16(v)), nil
	} else if alpha, ok := strings.CutPrefix(elem, "'"); ok {
		return append(data, alpha...), nil
	}

	prev := none
	for _, b := range []byte(elem) {
		var half byte
		switch b {
		case '_':
			if prev != none {
				data = append(data, prev)
				prev = none
			}
			continue
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			half = b - '0'
		case 'a', 'b', 'c', 'd', 'e', 'f':
			half = b - 'a' + 10
		case 'A', 'B', 'C', 'D', 'E', 'F':
			half = b - 'A' + 10
		default:
			return nil, fmt.Errorf("invalid char '%c'", b)
		}
		if prev == none {
			prev = half
		} else {
			data = append(data, prev<<4|half)
			prev = none
		}
	}
	if prev != none {
		data = append(data, prev)
	}
	return data, nil
}

// HexDump renders b in 8-byte rows, marking highlightOff with '>'.
func HexDump(b []byte, highlightOff int) string {
	var buf strings.Builder
	n := len(b)
	for off := 0; ; off += 8 {
		fmt.Fprintf(&buf, "%08x", off)
		if off >= n {
			buf.WriteByte('\n')
			break
		}
		buf.WriteByte(' ')
		for i := range 8 {
			switch {
			case off+i >= n:
				buf.WriteString("   ")
			case off+i == highlightOff:
				fmt.Fprintf(&buf, ">%02x", b[off+i])
			default:
				fmt.Fprintf(&buf, " %02x", b[off+i])
			}
		}
		buf.WriteString("  |")
		for i := 0; i < 8 && off+i < n; i++ {
			if v := b[off+i]; v >= 32 && v <= 126 {
				buf.WriteByte(v)
			} else {
				buf.WriteByte('.')
			}
		}
		buf.WriteString("|\n")
		if off+8 >= n {
			break
		}
	}
	return buf.String()
}

func BytesEq(t testing.TB, a, e []byte) bool {
	if bytes.Equal(a, e) {
		return true
	}
	off := min(len(a), len(e))
	for i := range off {
		if a[i] != e[i] {
			off = i
			break
		}
	}
	t.Helper()
	t.Errorf("** got:\n%v\nwanted:\n%v\nfirst difference offset: 0x%x (%d)", HexDump(a, off), HexDump(e, off), off, off)
	return false
}
