// Package session provides SQLite-backed persistence for questioning
// sessions: one schema-versioned record per lock scope holding its active
// sessions and archive, plus an owner-wide index of active sessions.
package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/berth-dev/trivium/internal/cq"
)

// SchemaVersion is written into every persisted record. Records carrying a
// different version are treated as empty.
const SchemaVersion = 1

// Options bounds what the store retains.
type Options struct {
	// ArchiveLimit caps compact records kept per lock scope.
	ArchiveLimit int
	// IndexHistoryLimit caps compact records kept per owner.
	IndexHistoryLimit int
	// RecentHistory is how many Q/A entries a compact record keeps.
	RecentHistory int
	Logger        *zap.Logger
}

// DefaultOptions returns the stock retention limits.
func DefaultOptions() Options {
	return Options{
		ArchiveLimit:      50,
		IndexHistoryLimit: 200,
		RecentHistory:     5,
	}
}

// scopeRecord is the JSON document stored per lock scope.
type scopeRecord struct {
	SchemaVersion  int                `json:"schema_version"`
	ActiveSessions []*cq.Session      `json:"active_sessions"`
	Archive        []cq.CompactRecord `json:"archive"`
}

// indexRecord is the JSON document stored per owner.
type indexRecord struct {
	SchemaVersion int                `json:"schema_version"`
	Active        []cq.IndexRecord   `json:"active"`
	History       []cq.CompactRecord `json:"history"`
}

// Summary is a listing row for one lock scope.
type Summary struct {
	Location  string
	Owner     string
	Context   cq.ContextType
	SubScope  string
	Active    int
	Archived  int
	UpdatedAt time.Time
}
