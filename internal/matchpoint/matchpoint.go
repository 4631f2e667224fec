// Package matchpoint is the associative store of planted breakpoints
// and watchpoints (spec.md §3, "Matchpoint Table"): a mapping from
// (kind, address) to the original instruction that was there before
// the server overwrote it with a trap.
//
// The table persists across client disconnects (spec.md §3,
// "Lifecycle"), so a reconnecting client's breakpoints are still
// planted; callers therefore own one Table per target bus (the
// gdbserver.Server keeps one for its lifetime), not one per connection.
package matchpoint

import "sync"

// Kind identifies what sort of matchpoint an entry represents. Only
// Memory is actually planted by this server; the rest exist so the
// wire protocol's Z/z type field round-trips, per spec.md §3:
// "Only MEMORY_BP is implemented."
type Kind int

const (
	Memory Kind = iota
	Hardware
	WatchWrite
	WatchRead
	WatchAccess

	// Transient marks the breakpoints the step engine plants at
	// candidate successor PCs; they are never visible to the client
	// and are always removed before the step handler returns.
	Transient
)

func (k Kind) String() string {
	switch k {
	case Memory:
		return "memory"
	case Hardware:
		return "hardware"
	case WatchWrite:
		return "watch-write"
	case WatchRead:
		return "watch-read"
	case WatchAccess:
		return "watch-access"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

type key struct {
	kind Kind
	addr uint32
}

// Table is the (kind, address) -> saved-opcode map. The zero value is
// usable.
type Table struct {
	mu      sync.Mutex
	entries map[key]uint16
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[key]uint16)}
}

// Add records addr's original 16-bit opcode under kind. It overwrites
// any existing entry for the same (kind, addr) — callers that need
// "insert only if absent" semantics (the step engine's transient
// breakpoints) should call Lookup first.
func (t *Table) Add(kind Kind, addr uint32, opcode uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[key]uint16)
	}
	t.entries[key{kind, addr}] = opcode
}

// Lookup reports the saved opcode for (kind, addr), if any.
func (t *Table) Lookup(kind Kind, addr uint32) (opcode uint16, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	opcode, ok = t.entries[key{kind, addr}]
	return
}

// Remove deletes (kind, addr) and returns its saved opcode.
func (t *Table) Remove(kind Kind, addr uint32) (opcode uint16, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{kind, addr}
	opcode, ok = t.entries[k]
	if ok {
		delete(t.entries, k)
	}
	return
}

// Len reports the number of entries of any kind, mainly for tests
// asserting that transient breakpoints don't leak (spec.md §8,
// "After step completion, the matchpoint table contains exactly the
// set of user breakpoints that existed before the step").
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Addresses returns every address currently recorded under kind, for
// diagnostics and tests.
func (t *Table) Addresses(kind Kind) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint32
	for k := range t.entries {
		if k.kind == kind {
			out = append(out, k.addr)
		}
	}
	return out
}
