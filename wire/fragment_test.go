package wire

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

// TestFragmentationRoundTrip reproduces spec.md §8 scenario 3: a 1200-byte
// payload splits into three fragments, and out-of-order arrival {2,0,1}
// reassembles correctly.
func TestFragmentationRoundTrip(t *testing.T) {
	payload := make([]byte, 1200)
	rand.New(rand.NewSource(2)).Read(payload)

	messageID := [8]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF}
	frags := Fragment(messageID, payload)

	if len(frags) != 3 {
		t.Fatalf("got %d fragments, want 3", len(frags))
	}
	wantTypes := []uint8{TypeFragmentStart, TypeFragmentContinue, TypeFragmentEnd}
	for i, f := range frags {
		if f.Type != wantTypes[i] {
			t.Fatalf("fragment %d type = %#x, want %#x", i, f.Type, wantTypes[i])
		}
		if int(f.Payload.Index) != i || int(f.Payload.Total) != 3 {
			t.Fatalf("fragment %d index/total = %d/%d", i, f.Payload.Index, f.Payload.Total)
		}
	}

	r := NewReassembler(30 * time.Second)
	order := []int{2, 0, 1}
	var out []byte
	var done bool
	for _, idx := range order {
		out, done = r.Add(frags[idx].Payload)
	}
	if !done {
		t.Fatal("reassembly did not complete")
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestFragmentEncodeDecode(t *testing.T) {
	f := &FragmentPayload{
		MessageID: [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		Index:     1,
		Total:     4,
		Data:      []byte("chunk"),
	}
	buf := EncodeFragment(f)
	decoded, err := DecodeFragment(buf)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.MessageID != f.MessageID || decoded.Index != f.Index || decoded.Total != f.Total {
		t.Fatal("fragment header round-trip mismatch")
	}
	if !bytes.Equal(decoded.Data, f.Data) {
		t.Fatal("fragment data round-trip mismatch")
	}
}

func TestReassemblerSweepExpiresStaleSlots(t *testing.T) {
	r := NewReassembler(10 * time.Millisecond)
	messageID := [8]byte{9, 9, 9, 9, 9, 9, 9, 9}
	f := &FragmentPayload{MessageID: messageID, Index: 0, Total: 2, Data: []byte("a")}
	if _, done := r.Add(f); done {
		t.Fatal("should not be complete with one of two fragments")
	}

	time.Sleep(20 * time.Millisecond)
	if dropped := r.Sweep(); dropped != 1 {
		t.Fatalf("Sweep dropped %d slots, want 1", dropped)
	}
	if len(r.slots) != 0 {
		t.Fatal("slot not removed after sweep")
	}
}
