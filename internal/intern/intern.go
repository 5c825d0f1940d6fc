// Package intern provides a run-scoped string interning table. File paths,
// taint kind names, callable signatures, and messages repeat across very
// large numbers of analyzer facts; every other package references them
// through integer handles into this table instead of holding copies.
package intern

import (
	"fmt"
	"sync"
)

// Handle identifies an interned string within one run. Handles are dense,
// start at 1, and are assigned in insertion order. The zero Handle is
// reserved as "no text".
type Handle int32

// None is the zero Handle, used where a field carries no text.
const None Handle = 0

// Table deduplicates strings into Handles. Safe for concurrent use during
// the assembly phase; Freeze switches it to lock-free read-only mode for
// the parallel trace phase.
type Table struct {
	mu     sync.RWMutex
	ids    map[string]Handle
	texts  []string // index 0 unused, Handle(i) -> texts[i]
	frozen bool
}

// NewTable creates an empty interning table.
func NewTable() *Table {
	return &Table{
		ids:   make(map[string]Handle),
		texts: make([]string, 1),
	}
}

// Intern returns the Handle for s, inserting it if not yet present.
// Equal content always yields the same Handle within a run.
func (t *Table) Intern(s string) Handle {
	// Fast path: already present.
	t.mu.RLock()
	h, ok := t.ids[s]
	frozen := t.frozen
	t.mu.RUnlock()
	if ok {
		return h
	}
	if frozen {
		panic(fmt.Sprintf("intern: Intern(%q) after Freeze", s))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Re-check: another writer may have inserted s between the two locks.
	if h, ok := t.ids[s]; ok {
		return h
	}
	if t.frozen {
		panic(fmt.Sprintf("intern: Intern(%q) after Freeze", s))
	}
	h = Handle(len(t.texts))
	t.texts = append(t.texts, s)
	t.ids[s] = h
	return h
}

// Lookup returns the string for h. Looking up None returns "".
func (t *Table) Lookup(h Handle) string {
	if h == None {
		return ""
	}
	if t.frozen {
		// No lock needed: texts is immutable after Freeze.
		return t.texts[h]
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.texts[h]
}

// Len returns the number of interned strings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.texts) - 1
}

// Freeze marks the table read-only. Called once assembly completes, before
// issues are processed in parallel; subsequent Intern calls panic.
func (t *Table) Freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

// All returns every interned (Handle, string) pair in handle order.
// Used by the persistence sink to write the shared text table.
func (t *Table) All() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make([]Entry, 0, len(t.texts)-1)
	for i := 1; i < len(t.texts); i++ {
		entries = append(entries, Entry{Handle: Handle(i), Text: t.texts[i]})
	}
	return entries
}

// Entry is one interned string with its handle.
type Entry struct {
	Handle Handle
	Text   string
}
