package router

import (
	"sync"
	"testing"
	"time"
)

func senderID(b byte) [8]byte {
	var id [8]byte
	id[0] = b
	return id
}

func TestEvaluateDropsDuplicates(t *testing.T) {
	r := New([8]byte{0xAA}, 100)
	sender := senderID(1)
	now := uint64(time.Now().UnixMilli())
	payload := []byte("hello world")

	if _, err := r.Evaluate(sender, nil, 5, now, payload); err != nil {
		t.Fatalf("first evaluation: %v", err)
	}
	if _, err := r.Evaluate(sender, nil, 5, now, payload); err != ErrDuplicate {
		t.Fatalf("second evaluation: got %v, want ErrDuplicate", err)
	}
}

func TestEvaluateRejectsClockSkew(t *testing.T) {
	r := New([8]byte{0xAA}, 100)
	sender := senderID(1)
	future := uint64(time.Now().Add(10 * time.Minute).UnixMilli())

	if _, err := r.Evaluate(sender, nil, 5, future, []byte("x")); err != ErrClockSkew {
		t.Fatalf("future timestamp: got %v, want ErrClockSkew", err)
	}

	past := uint64(time.Now().Add(-10 * time.Minute).UnixMilli())
	if _, err := r.Evaluate(senderID(2), nil, 5, past, []byte("y")); err != ErrClockSkew {
		t.Fatalf("past timestamp: got %v, want ErrClockSkew", err)
	}
}

func TestEvaluateTTLZeroNeverRelays(t *testing.T) {
	r := New([8]byte{0xAA}, 100)
	now := uint64(time.Now().UnixMilli())

	dec, err := r.Evaluate(senderID(3), nil, 0, now, []byte("x"))
	if err != nil {
		t.Fatalf("ttl=0 broadcast should be accepted for local delivery: %v", err)
	}
	if dec.Relay {
		t.Error("ttl=0 must never relay")
	}

	recipient := [8]byte{0x01}
	_, err = r.Evaluate(senderID(4), &recipient, 0, now, []byte("y"))
	if err != ErrTTLExpired {
		t.Fatalf("ttl=0 directed elsewhere: got %v, want ErrTTLExpired", err)
	}
}

func TestEvaluateDecrementsTTLAndRelaysBroadcast(t *testing.T) {
	r := New([8]byte{0xAA}, 100)
	now := uint64(time.Now().UnixMilli())

	dec, err := r.Evaluate(senderID(5), nil, 3, now, []byte("x"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !dec.Accept || !dec.Relay {
		t.Fatalf("broadcast with ttl>0 should be accepted and relayed: %+v", dec)
	}
	if dec.NewTTL != 2 {
		t.Errorf("NewTTL = %d, want 2", dec.NewTTL)
	}
}

func TestEvaluateDoesNotRelayWhenAddressedToUs(t *testing.T) {
	local := [8]byte{0xAA}
	r := New(local, 100)
	now := uint64(time.Now().UnixMilli())

	dec, err := r.Evaluate(senderID(6), &local, 3, now, []byte("x"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !dec.Accept || dec.Relay {
		t.Fatalf("packet addressed to local node should not be relayed: %+v", dec)
	}
}

func TestEvaluateDropsBlockedSender(t *testing.T) {
	r := New([8]byte{0xAA}, 100)
	sender := senderID(7)
	r.Peers.Announce(hexID(sender), "mallory", "fp", TransportBLE)
	r.Peers.SetTrust(hexID(sender), Blocked)

	now := uint64(time.Now().UnixMilli())
	if _, err := r.Evaluate(sender, nil, 3, now, []byte("x")); err != ErrPeerBlocked {
		t.Fatalf("blocked sender: got %v, want ErrPeerBlocked", err)
	}
}

func TestRegistryEvictsLeastRecentlySeenOverCapacity(t *testing.T) {
	reg := NewRegistry(2)
	reg.Announce("p1", "alice", "fp1", TransportBLE)
	time.Sleep(time.Millisecond)
	reg.Announce("p2", "bob", "fp2", TransportBLE)
	time.Sleep(time.Millisecond)
	reg.Announce("p3", "carol", "fp3", TransportBLE)

	if reg.Len() != 2 {
		t.Fatalf("registry len = %d, want 2", reg.Len())
	}
	if _, ok := reg.Lookup("p1"); ok {
		t.Error("least-recently-seen peer p1 should have been evicted")
	}
	if _, ok := reg.Lookup("p3"); !ok {
		t.Error("most recently announced peer p3 should remain")
	}
}

func TestRegistryLeaveRemoves(t *testing.T) {
	reg := NewRegistry(10)
	reg.Announce("p1", "alice", "fp1", TransportBLE)
	reg.Leave("p1")
	if _, ok := reg.Lookup("p1"); ok {
		t.Error("p1 should be removed after Leave")
	}
}

func TestRoutingTableShortestHopWins(t *testing.T) {
	rt := NewRoutingTable(time.Hour)
	rt.Learn("dest", "viaA", 3)
	rt.Learn("dest", "viaB", 5)

	via, hops, ok := rt.Lookup("dest")
	if !ok {
		t.Fatal("expected a route to dest")
	}
	if via != "viaA" || hops != 3 {
		t.Errorf("route = (%s, %d), want (viaA, 3): a longer path must not replace a shorter one", via, hops)
	}

	rt.Learn("dest", "viaC", 1)
	via, hops, ok = rt.Lookup("dest")
	if !ok || via != "viaC" || hops != 1 {
		t.Errorf("route = (%s, %d), want (viaC, 1)", via, hops)
	}
}

func TestRoutingTableExpireIdle(t *testing.T) {
	rt := NewRoutingTable(10 * time.Millisecond)
	rt.Learn("dest", "via", 1)
	time.Sleep(20 * time.Millisecond)

	removed := rt.ExpireIdle()
	if removed != 1 {
		t.Fatalf("ExpireIdle removed %d, want 1", removed)
	}
	if rt.Len() != 0 {
		t.Errorf("routing table len = %d, want 0", rt.Len())
	}
}

func TestBloomAddIfAbsent(t *testing.T) {
	var b Bloom
	id := PacketID([8]byte{1}, 12345, []byte("payload"))
	if b.AddIfAbsent(id) {
		t.Fatal("first add should report not-present")
	}
	if !b.AddIfAbsent(id) {
		t.Fatal("second add should report present")
	}
}

func TestBloomAddIfAbsentConcurrent(t *testing.T) {
	var b Bloom
	id := PacketID([8]byte{2}, 54321, []byte("race"))

	const goroutines = 32
	seenAbsent := make(chan bool, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			seenAbsent <- !b.AddIfAbsent(id)
		}()
	}
	wg.Wait()
	close(seenAbsent)

	absentCount := 0
	for v := range seenAbsent {
		if v {
			absentCount++
		}
	}
	if absentCount != 1 {
		t.Fatalf("goroutines observing id absent = %d, want exactly 1", absentCount)
	}
}
