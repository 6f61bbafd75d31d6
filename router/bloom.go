package router

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// Bloom filter sized for spec.md §4.7: capacity 10,000 ids at a false
// positive rate <= 1%. m and k follow the standard sizing formulas
// m = ceil(-n*ln(p)/ln(2)^2), k = round(m/n * ln(2)); packed into uint64
// words the way the teacher packs its replay backtrack bitmap
// (replay/replay.go).
const (
	bloomCapacity = 10000
	bloomBits     = 98304 // 1536 * 64, comfortably above the computed 95,851
	bloomWords    = bloomBits / 64
	bloomHashes   = 7
)

// Bloom is a fixed-size Kirsch-Mitzenmacher bloom filter: the first 16
// bytes of a SHA-256 packet id give two 64-bit hashes h1 and h2, and all
// bloomHashes probe positions are h1 + i*h2 (mod m) for i = 0..bloomHashes-1. mu
// guards bits, since Router.Evaluate is reached concurrently from every
// inbound transport goroutine (spec.md §5: "atomic bit operations (or a
// single lock)").
type Bloom struct {
	mu   sync.Mutex
	bits [bloomWords]uint64
}

func bloomIndices(id [32]byte) [bloomHashes]uint64 {
	h1 := binary.BigEndian.Uint64(id[0:8])
	h2 := binary.BigEndian.Uint64(id[8:16])
	var idx [bloomHashes]uint64
	for i := 0; i < bloomHashes; i++ {
		idx[i] = (h1 + uint64(i)*h2) % bloomBits
	}
	return idx
}

func (b *Bloom) test(idx [bloomHashes]uint64) bool {
	for _, i := range idx {
		word, bit := i/64, i%64
		if b.bits[word]&(1<<bit) == 0 {
			return false
		}
	}
	return true
}

func (b *Bloom) set(idx [bloomHashes]uint64) {
	for _, i := range idx {
		word, bit := i/64, i%64
		b.bits[word] |= 1 << bit
	}
}

// AddIfAbsent reports whether id was already present, then records it.
// A true return means the caller should treat the packet as a duplicate.
// The test-then-set is atomic under mu so two goroutines racing on the
// same id never both observe it absent.
func (b *Bloom) AddIfAbsent(id [32]byte) bool {
	idx := bloomIndices(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.test(idx) {
		return true
	}
	b.set(idx)
	return false
}

// PacketID computes sha256(sender_id || timestamp_be || first_8_bytes_of_payload)
// per spec.md §4.7. payload shorter than 8 bytes is zero-padded.
func PacketID(senderID [8]byte, timestamp uint64, payload []byte) [32]byte {
	var first8 [8]byte
	n := len(payload)
	if n > 8 {
		n = 8
	}
	copy(first8[:], payload[:n])

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], timestamp)

	h := sha256.New()
	h.Write(senderID[:])
	h.Write(tsBuf[:])
	h.Write(first8[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
