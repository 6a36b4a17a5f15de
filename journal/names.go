package journal

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
)

// Suffix is the file extension of journal segments.
const Suffix = ".journal"

// SegmentFile is a segment found in a directory.
type SegmentFile struct {
	Name string
	Gen  uint32
}

// SegmentName formats the file name of generation gen, e.g.
// "vars-000000000007.journal".
func SegmentName(prefix string, gen uint32) string {
	return fmt.Sprintf("%s-%012d%s", prefix, gen, Suffix)
}

// ParseSegmentName is the inverse of SegmentName.
func ParseSegmentName(prefix, name string) (uint32, error) {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return 0, fmt.Errorf("invalid segment file name %q (wrong prefix)", name)
	}
	genStr, ok := strings.CutSuffix(rest, Suffix)
	if !ok {
		return 0, fmt.Errorf("invalid segment file name %q (wrong suffix)", name)
	}
	v, err := strconv.ParseUint(genStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid segment file name %q (invalid generation)", name)
	}
	return uint32(v), nil
}

// ListSegments returns the segments with the given prefix in dir, ordered by
// generation.
func ListSegments(dir, prefix string) ([]SegmentFile, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var result []SegmentFile
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		gen, err := ParseSegmentName(prefix, ent.Name())
		if err != nil {
			continue
		}
		result = append(result, SegmentFile{Name: ent.Name(), Gen: gen})
	}
	slices.SortFunc(result, func(a, b SegmentFile) int {
		return cmp.Compare(a.Gen, b.Gen)
	})
	return result, nil
}
