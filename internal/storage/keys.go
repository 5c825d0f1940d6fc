package storage

import (
	"database/sql"
	"fmt"
	"sync"
)

// EntityKind names the entity families that need durable primary keys.
type EntityKind string

const (
	EntityRun        EntityKind = "run"
	EntitySharedText EntityKind = "shared_text"
	EntityModel      EntityKind = "model"
	EntityCondition  EntityKind = "condition"
	EntityTraceFrame EntityKind = "trace_frame"
	EntityIssue      EntityKind = "issue"
)

// KeyAllocator assigns durable primary keys. Implementations must never
// return a key already present in the sink for that entity kind, within or
// across runs.
type KeyAllocator interface {
	Next(kind EntityKind) (int64, error)
}

// CounterAllocator is the default KeyAllocator: a per-kind monotonic
// counter. Seed it from the sink with SeedFromDB so new keys continue
// after existing rows.
type CounterAllocator struct {
	mu   sync.Mutex
	next map[EntityKind]int64
}

// NewCounterAllocator creates a CounterAllocator starting at 1 for every
// kind.
func NewCounterAllocator() *CounterAllocator {
	return &CounterAllocator{next: make(map[EntityKind]int64)}
}

// Next returns the next key for kind.
func (a *CounterAllocator) Next(kind EntityKind) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next[kind]++
	return a.next[kind], nil
}

var kindTables = map[EntityKind]string{
	EntityRun:        "runs",
	EntitySharedText: "shared_texts",
	EntityModel:      "models",
	EntityCondition:  "conditions",
	EntityTraceFrame: "trace_frames",
	EntityIssue:      "issues",
}

// SeedFromDB advances every counter past the maximum key already stored,
// so allocation never collides with rows from earlier runs.
func (a *CounterAllocator) SeedFromDB(db *sql.DB) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for kind, table := range kindTables {
		var max sql.NullInt64
		if err := db.QueryRow("SELECT MAX(id) FROM " + table).Scan(&max); err != nil {
			return fmt.Errorf("failed to seed key counter for %s: %w", kind, err)
		}
		if max.Valid && max.Int64 > a.next[kind] {
			a.next[kind] = max.Int64
		}
	}
	return nil
}
