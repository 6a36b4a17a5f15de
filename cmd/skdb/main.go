// Command skdb inspects and maintains skdb variable databases.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alexflint/go-arg"

	"github.com/andreyvit/skvar"
	"github.com/andreyvit/skvar/skdb"
)

type statCmd struct{}

type dumpCmd struct {
	Raw bool `help:"print the entries of the main region as stored, ignoring the journal"`
}

type compactCmd struct{}

type getCmd struct {
	Path string `arg:"positional,required" help:"variable path, e.g. players::3::score"`
}

type setCmd struct {
	Path  string `arg:"positional,required" help:"variable path, e.g. players::3::score"`
	Value string `arg:"positional" help:"new value; omit with --delete"`
	Type  string `arg:"-t,--type" default:"auto" help:"[auto|string|int|float|bool|hex]"`
	Del   bool   `arg:"--delete" help:"delete the variable"`
}

var args struct {
	Dir     string      `arg:"-d,--dir,env:SKDB_DIR" default:"." help:"database directory"`
	Name    string      `arg:"--name,env:SKDB_NAME" default:"variables" help:"database base file name"`
	Sync    string      `arg:"--sync,env:SKDB_SYNC" default:"batch" help:"[batch|always|none]"`
	Mmap    bool        `arg:"--mmap,env:SKDB_MMAP" help:"memory-map journal segments"`
	Verbose bool        `arg:"-v,--verbose,env:SKDB_VERBOSE" help:"log storage activity"`
	Stat    *statCmd    `arg:"subcommand:stat" help:"print database state"`
	Dump    *dumpCmd    `arg:"subcommand:dump" help:"print every variable"`
	Compact *compactCmd `arg:"subcommand:compact" help:"merge the journal into the main region"`
	Get     *getCmd     `arg:"subcommand:get" help:"print one variable"`
	Set     *setCmd     `arg:"subcommand:set" help:"change one variable"`
}

func main() {
	p := arg.MustParse(&args)
	if p.Subcommand() == nil {
		p.Fail("missing command")
	}

	level := slog.LevelWarn
	if args.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "skdb: %v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer, logger *slog.Logger) error {
	if args.Dump != nil && args.Dump.Raw {
		return dumpRaw(w, filepath.Join(args.Dir, args.Name+".skdb"))
	}

	syncMode, err := skdb.ParseSyncMode(args.Sync)
	if err != nil {
		return err
	}
	st, err := skdb.Open(args.Dir, skdb.Options{
		Name:             args.Name,
		Logger:           logger,
		Verbose:          args.Verbose,
		SyncMode:         syncMode,
		UseMmap:          args.Mmap,
		CompactInterval:  -1,
		CompactThreshold: -1,
	})
	if err != nil {
		return err
	}
	err = runWith(w, st, logger)
	if cerr := st.Close(); err == nil {
		err = cerr
	}
	return err
}

func runWith(w io.Writer, st *skdb.Storage, logger *slog.Logger) error {
	switch {
	case args.Stat != nil:
		printStats(w, st.Stats())
		return nil
	case args.Dump != nil:
		scope, err := st.Snapshot()
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, scope.Dump())
		return err
	case args.Compact != nil:
		before := st.Stats()
		if err := st.Compact(); err != nil {
			return err
		}
		after := st.Stats()
		fmt.Fprintf(w, "compacted %d journal records, region %d -> %d bytes, %d values\n", before.JournalRecords, before.RegionBytes, after.RegionBytes, after.Metadata.VariableCount)
		return nil
	case args.Get != nil:
		path, err := skvar.ParsePath(args.Get.Path)
		if err != nil {
			return err
		}
		scope, err := st.Snapshot()
		if err != nil {
			return err
		}
		v, ok := scope.Get(path, skvar.Global)
		if !ok {
			return fmt.Errorf("%v: not found", path)
		}
		fmt.Fprintln(w, formatValue(v))
		return nil
	case args.Set != nil:
		path, err := skvar.ParsePath(args.Set.Path)
		if err != nil {
			return err
		}
		var value any
		if !args.Set.Del {
			value, err = parseValue(args.Set.Value, args.Set.Type)
			if err != nil {
				return err
			}
		}
		scope := skvar.NewScope(skvar.ScopeOptions{Logger: logger})
		scope.Attach(st)
		if err := scope.LoadPath(context.Background(), path); err != nil {
			return err
		}
		return scope.Set(path, skvar.Global, value)
	default:
		return errors.New("unknown command")
	}
}

func printStats(w io.Writer, s skdb.Stats) {
	fmt.Fprintf(w, "state:           %v\n", s.State)
	fmt.Fprintf(w, "metadata:        %v\n", s.Metadata)
	fmt.Fprintf(w, "region bytes:    %d\n", s.RegionBytes)
	fmt.Fprintf(w, "journal gen:     %d\n", s.JournalGen)
	fmt.Fprintf(w, "journal bytes:   %d\n", s.JournalBytes)
	fmt.Fprintf(w, "journal records: %d\n", s.JournalRecords)
	if s.SkippedRecords > 0 {
		fmt.Fprintf(w, "skipped records: %d\n", s.SkippedRecords)
	}
	if !s.LastCompaction.IsZero() {
		fmt.Fprintf(w, "last compaction: %v\n", s.LastCompaction.Format("2006-01-02 15:04:05"))
	}
}

func formatValue(v any) string {
	switch v := v.(type) {
	case *skvar.List:
		return v.Dump()
	case string:
		return strconv.Quote(v)
	case []byte:
		return "0x" + hex.EncodeToString(v)
	default:
		return fmt.Sprint(v)
	}
}

// parseValue converts command-line text into a variable value. In auto mode
// integers, floats and booleans are recognized, everything else is a string.
func parseValue(s, typ string) (any, error) {
	switch typ {
	case "auto":
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v, nil
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v, nil
		}
		if v, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
			return v, nil
		}
		return s, nil
	case "string":
		return s, nil
	case "int":
		return strconv.ParseInt(s, 10, 64)
	case "float":
		return strconv.ParseFloat(s, 64)
	case "bool":
		return strconv.ParseBool(s)
	case "hex":
		return hex.DecodeString(strings.TrimPrefix(s, "0x"))
	default:
		return nil, fmt.Errorf("unknown value type %q", typ)
	}
}

// entryPrinter prints a tree as an indented outline. List headers are only
// known to be arrays at ListEnd, so lines are collected until Flush.
type entryPrinter struct {
	lines []string
	open  []listHeader
}

type listHeader struct {
	line int
	name skvar.Key
	size int
}

func (p *entryPrinter) indent() string {
	return strings.Repeat("  ", len(p.open))
}

func (p *entryPrinter) Value(name skvar.Key, data []byte) error {
	v, err := skdb.DecodeScalar(data)
	if err != nil {
		return err
	}
	p.lines = append(p.lines, fmt.Sprintf("%s%v = %s\n", p.indent(), name, formatValue(v)))
	return nil
}

func (p *entryPrinter) ListStart(name skvar.Key, size int) error {
	p.open = append(p.open, listHeader{len(p.lines), name, size})
	p.lines = append(p.lines, "")
	p.setHeader(len(p.open)-1, "list")
	return nil
}

func (p *entryPrinter) ListEnd(name skvar.Key, isArray bool) error {
	if isArray {
		p.setHeader(len(p.open)-1, "array")
	}
	p.open = p.open[:len(p.open)-1]
	return nil
}

func (p *entryPrinter) setHeader(depth int, kind string) {
	h := p.open[depth]
	p.lines[h.line] = fmt.Sprintf("%s%v: %s of %d\n", strings.Repeat("  ", depth), h.name, kind, h.size)
}

func (p *entryPrinter) Flush(w io.Writer) error {
	for _, line := range p.lines {
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	p.lines = p.lines[:0]
	return nil
}

func dumpRaw(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	meta, err := skdb.DecodeMetadata(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %v\n", meta)
	var printer entryPrinter
	err = skdb.NewReader(data[skdb.MetadataSize:]).Visit(&printer)
	if ferr := printer.Flush(w); err == nil {
		err = ferr
	}
	return err
}
