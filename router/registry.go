package router

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// Trust is the peer trust level (spec.md §3 Peer record).
type Trust int

const (
	Untrusted Trust = iota
	Verified
	Trusted
	Blocked
)

// Transport records which transports a peer has announced reachability
// on.
type Transport int

const (
	TransportNone Transport = iota
	TransportBLE
	TransportNostr
	TransportBoth
)

// PeerRecord is one entry in the peer registry (spec.md §3).
type PeerRecord struct {
	PeerID      string
	Nickname    string
	Fingerprint string
	Trust       Trust
	Transport   Transport
	lastSeen    time.Time
}

func (p *PeerRecord) LastSeen() time.Time { return p.lastSeen }

func peerLess(a, b *PeerRecord) bool {
	if !a.lastSeen.Equal(b.lastSeen) {
		return a.lastSeen.Before(b.lastSeen)
	}
	return a.PeerID < b.PeerID
}

// Registry tracks known peers, evicting the least-recently-seen entry
// once Capacity is exceeded (spec.md §4.7 Peer registry).
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*PeerRecord
	ordered  *btree.BTreeG[*PeerRecord]
	Capacity int
}

// NewRegistry builds an empty registry capped at capacity peers.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		byID:     make(map[string]*PeerRecord),
		ordered:  btree.NewG(32, peerLess),
		Capacity: capacity,
	}
}

// Announce inserts or refreshes a peer record, evicting the
// least-recently-seen peer if the registry is over capacity afterward.
func (r *Registry) Announce(peerID, nickname, fingerprint string, transport Transport) *PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing, ok := r.byID[peerID]; ok {
		r.ordered.Delete(existing)
		existing.Nickname = nickname
		existing.Fingerprint = fingerprint
		existing.Transport = transport
		existing.lastSeen = now
		r.ordered.ReplaceOrInsert(existing)
		return existing
	}

	rec := &PeerRecord{
		PeerID:      peerID,
		Nickname:    nickname,
		Fingerprint: fingerprint,
		Trust:       Untrusted,
		Transport:   transport,
		lastSeen:    now,
	}
	r.byID[peerID] = rec
	r.ordered.ReplaceOrInsert(rec)

	if r.Capacity > 0 && len(r.byID) > r.Capacity {
		oldest, ok := r.ordered.Min()
		if ok {
			r.ordered.Delete(oldest)
			delete(r.byID, oldest.PeerID)
		}
	}
	return rec
}

// Leave removes a peer record entirely.
func (r *Registry) Leave(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[peerID]; ok {
		r.ordered.Delete(rec)
		delete(r.byID, peerID)
	}
}

// Lookup returns the record for peerID, if known.
func (r *Registry) Lookup(peerID string) (*PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[peerID]
	return rec, ok
}

// SetTrust updates a peer's trust level, e.g. to Blocked.
func (r *Registry) SetTrust(peerID string, trust Trust) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[peerID]; ok {
		rec.Trust = trust
	}
}

// IsBlocked reports whether peerID is known and marked Blocked.
func (r *Registry) IsBlocked(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[peerID]
	return ok && rec.Trust == Blocked
}

// Len reports how many peers are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// All returns every currently registered peer record.
func (r *Registry) All() []*PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PeerRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	return out
}
