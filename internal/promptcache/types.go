// Package promptcache remembers the latest description seen for each scene and
// character so consecutive images stay visually consistent.
package promptcache

import (
	"context"
	"strings"
	"time"
)

// Kind partitions cache keys.
type Kind string

const (
	KindScene     Kind = "scene"
	KindCharacter Kind = "character"
)

// Entry is one cached description.
type Entry struct {
	Kind      Kind      `json:"kind"`
	Label     string    `json:"label"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a last-write-wins map from (kind, label) to summary. Readers must
// tolerate missing or stale entries.
type Store interface {
	Get(ctx context.Context, kind Kind, label string) (string, bool, error)
	Put(ctx context.Context, kind Kind, label, summary string) error
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Mode() string
	Close() error
}

func normalizeLabel(label string) string {
	return strings.TrimSpace(label)
}
