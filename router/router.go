// Package router implements the Mesh Router of spec.md §4.7: bloom-filter
// duplicate suppression, TTL-bounded flood relay, a shortest-hop routing
// table, and the peer registry ANNOUNCE/LEAVE lifecycle. It is grounded on
// the teacher's replay window (replay/replay.go, adapted here into a
// bloom filter rather than a sliding counter window, since mesh packet ids
// are not monotonic) and its indexed peer/session tables
// (index.go, indextable.go), and on the duplicate-cache and peer-registry
// patterns of the bluetooth-mesh reference service.
package router

import (
	"errors"
	"time"
)

const (
	MaxTTL         = 7
	ClockSkewLimit = 5 * time.Minute
	routeIdleWindow = 30 * time.Minute
)

var (
	ErrDuplicate    = errors.New("router: duplicate packet")
	ErrTTLExpired   = errors.New("router: ttl exhausted")
	ErrClockSkew    = errors.New("router: timestamp outside acceptable skew")
	ErrPeerBlocked  = errors.New("router: sender is blocked")
	ErrNotForRelay  = errors.New("router: packet is not eligible for relay")
)

// Decision is the outcome of evaluating an inbound packet for relay.
type Decision struct {
	Accept   bool  // false => drop, do not deliver or relay
	Relay    bool  // true => forward with TTL decremented
	NewTTL   uint8
}

// Router evaluates inbound mesh packets against duplicate suppression,
// TTL policy, clock skew, and the peer registry.
type Router struct {
	bloom    Bloom
	Routes   *RoutingTable
	Peers    *Registry
	LocalID  [8]byte
	now      func() time.Time
}

// New builds a Router for the local node identified by localID. Peer
// capacity caps the registry per spec.md §4.7.
func New(localID [8]byte, peerCapacity int) *Router {
	return &Router{
		Routes:  NewRoutingTable(routeIdleWindow),
		Peers:   NewRegistry(peerCapacity),
		LocalID: localID,
		now:     time.Now,
	}
}

// Evaluate applies duplicate suppression, clock skew, TTL policy and the
// relay decision to an inbound packet. senderID is the packet's sender;
// recipient is its addressed recipient id, or nil for broadcast; a non-nil
// recipient is compared against LocalID to tell a packet addressed to this
// node from one addressed elsewhere.
func (r *Router) Evaluate(senderID [8]byte, recipient *[8]byte, ttl uint8, timestampMs uint64, payload []byte) (Decision, error) {
	if err := r.checkClockSkew(timestampMs); err != nil {
		return Decision{Accept: false}, err
	}

	if r.Peers.IsBlocked(hexID(senderID)) {
		return Decision{Accept: false}, ErrPeerBlocked
	}

	id := PacketID(senderID, timestampMs, payload)
	if r.bloom.AddIfAbsent(id) {
		return Decision{Accept: false}, ErrDuplicate
	}

	addressedToUs := recipient != nil && *recipient == r.LocalID
	broadcast := recipient == nil

	if ttl == 0 {
		if addressedToUs || broadcast {
			return Decision{Accept: true, Relay: false}, nil
		}
		return Decision{Accept: false}, ErrTTLExpired
	}

	newTTL := ttl - 1
	shouldRelay := newTTL > 0 && (broadcast || !addressedToUs)
	return Decision{Accept: true, Relay: shouldRelay, NewTTL: newTTL}, nil
}

func (r *Router) checkClockSkew(timestampMs uint64) error {
	ts := time.UnixMilli(int64(timestampMs))
	now := r.now()
	if ts.After(now.Add(ClockSkewLimit)) || ts.Before(now.Add(-ClockSkewLimit)) {
		return ErrClockSkew
	}
	return nil
}

// Announce records or refreshes a peer on ANNOUNCE (spec.md §4.7).
func (r *Router) Announce(peerID, nickname, fingerprint string, transport Transport) *PeerRecord {
	return r.Peers.Announce(peerID, nickname, fingerprint, transport)
}

// Leave removes a peer on LEAVE.
func (r *Router) Leave(peerID string) {
	r.Peers.Leave(peerID)
}

// LearnRoute records the shortest-hop path to dest observed via a
// relayed packet.
func (r *Router) LearnRoute(dest, via string, hopCount int) {
	r.Routes.Learn(dest, via, hopCount)
}

func hexID(id [8]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0xF]
	}
	return string(out)
}
