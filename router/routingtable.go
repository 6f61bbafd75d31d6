package router

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// routeEntry is a learned path to a destination: the peer a packet for
// dest arrived from, the hop count it carried, and when it was last
// refreshed. Ordering by (lastSeen, dest) lets the table walk its entries
// oldest-first for idle expiry without a separate timer per entry,
// adapted from the teacher's index.go use of a btree-backed table for
// session index lookups (index.go, indextable.go).
type routeEntry struct {
	dest     string
	via      string
	hopCount int
	lastSeen time.Time
}

func routeLess(a, b *routeEntry) bool {
	if !a.lastSeen.Equal(b.lastSeen) {
		return a.lastSeen.Before(b.lastSeen)
	}
	return a.dest < b.dest
}

// RoutingTable remembers, for each destination learned from mesh
// flooding, the peer from which the shortest hop-count path arrived
// (spec.md §4.7).
type RoutingTable struct {
	mu       sync.Mutex
	byDest   map[string]*routeEntry
	ordered  *btree.BTreeG[*routeEntry]
	idleWindow time.Duration
}

// NewRoutingTable builds an empty table that expires entries idle longer
// than idleWindow.
func NewRoutingTable(idleWindow time.Duration) *RoutingTable {
	return &RoutingTable{
		byDest:     make(map[string]*routeEntry),
		ordered:    btree.NewG(32, routeLess),
		idleWindow: idleWindow,
	}
}

// Learn records that a packet for dest arrived via the given peer with
// hopCount hops. An existing route is replaced only if the new path is
// strictly shorter; otherwise only its freshness is refreshed when it
// arrived via the same peer.
func (t *RoutingTable) Learn(dest, via string, hopCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	existing, ok := t.byDest[dest]
	switch {
	case !ok:
		entry := &routeEntry{dest: dest, via: via, hopCount: hopCount, lastSeen: now}
		t.byDest[dest] = entry
		t.ordered.ReplaceOrInsert(entry)
	case hopCount < existing.hopCount || (hopCount <= existing.hopCount && via == existing.via):
		t.ordered.Delete(existing)
		existing.via = via
		existing.hopCount = hopCount
		existing.lastSeen = now
		t.ordered.ReplaceOrInsert(existing)
	}
}

// Lookup returns the next-hop peer for dest, if known.
func (t *RoutingTable) Lookup(dest string) (via string, hopCount int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.byDest[dest]
	if !found {
		return "", 0, false
	}
	return e.via, e.hopCount, true
}

// ExpireIdle drops routes whose lastSeen is older than the configured
// idle window, returning how many were removed.
func (t *RoutingTable) ExpireIdle() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.idleWindow)
	var stale []*routeEntry
	t.ordered.Ascend(func(e *routeEntry) bool {
		if e.lastSeen.After(cutoff) {
			return false
		}
		stale = append(stale, e)
		return true
	})

	for _, e := range stale {
		t.ordered.Delete(e)
		delete(t.byDest, e.dest)
	}
	return len(stale)
}

// Len reports how many destinations are currently known.
func (t *RoutingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byDest)
}
