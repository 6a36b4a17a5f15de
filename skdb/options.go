package skdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SyncMode controls when journal appends are made durable.
type SyncMode int

const (
	// SyncBatch fdatasyncs once per drained batch of changes.
	SyncBatch SyncMode = iota
	// SyncAlways fdatasyncs after every record.
	SyncAlways
	// SyncNone only hands records to the OS; a power loss may lose recent
	// changes, a process crash does not.
	SyncNone
)

func (m SyncMode) String() string {
	switch m {
	case SyncBatch:
		return "batch"
	case SyncAlways:
		return "always"
	case SyncNone:
		return "none"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode is the inverse of SyncMode.String.
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "batch", "":
		return SyncBatch, nil
	case "always":
		return SyncAlways, nil
	case "none":
		return SyncNone, nil
	default:
		return 0, fmt.Errorf("invalid sync mode %q", s)
	}
}

const (
	DefaultName             = "variables"
	DefaultCompactInterval  = 5 * time.Minute
	DefaultCompactThreshold = 16 << 20
)

type Options struct {
	// Name is the base name of the files in the database directory.
	Name    string
	Logger  *slog.Logger
	Verbose bool

	SyncMode SyncMode

	// CompactInterval is how often a non-empty journal is compacted. Negative
	// disables periodic compaction.
	CompactInterval time.Duration

	// CompactThreshold is the journal size that triggers a compaction.
	// Negative disables size-based compaction.
	CompactThreshold int64

	// UseMmap keeps journal segments in memory mappings instead of buffered
	// files.
	UseMmap bool

	Context context.Context
	Now     func() time.Time
}

func (o *Options) norm() {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.CompactInterval == 0 {
		o.CompactInterval = DefaultCompactInterval
	}
	if o.CompactThreshold == 0 {
		o.CompactThreshold = DefaultCompactThreshold
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
