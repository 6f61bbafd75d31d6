package wire

import (
	"bytes"
	"encoding/hex"
	"math/rand"
	"testing"
)

func assertEquals(t *testing.T, a, b interface{}) {
	t.Helper()
	if a != b {
		t.Fatalf("expected %v = %v", a, b)
	}
}

// TestCodecVector encodes the packet of spec.md §8 scenario 2. The
// timestamp bytes of the expected header are the big-endian u64 form of
// 1_733_251_200_000 (0x0000_0193_8DD2_7400).
func TestCodecVector(t *testing.T) {
	p := &Packet{
		Type:      TypeMessage,
		TTL:       7,
		Timestamp: 1_733_251_200_000,
		SenderID:  [8]byte{0x12, 0x34, 0x56, 0x78, 0x90, 0xAB, 0xCD, 0xEF},
		Payload:   []byte("Hello, BitChat!"),
	}

	buf, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}

	wantHeader, _ := hex.DecodeString("01040700000193" + "8DD27400" + "00000F")
	if !bytes.Equal(buf[:14], wantHeader) {
		t.Fatalf("header mismatch: got %x want %x", buf[:14], wantHeader)
	}

	wantSender, _ := hex.DecodeString("1234567890ABCDEF")
	if !bytes.Equal(buf[14:22], wantSender) {
		t.Fatalf("sender mismatch: got %x want %x", buf[14:22], wantSender)
	}
	if !bytes.Equal(buf[22:], []byte("Hello, BitChat!")) {
		t.Fatalf("payload mismatch: got %q", buf[22:])
	}

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	assertEquals(t, decoded.Type, p.Type)
	assertEquals(t, decoded.TTL, p.TTL)
	assertEquals(t, decoded.Timestamp, p.Timestamp)
	assertEquals(t, decoded.SenderID, p.SenderID)
	if !bytes.Equal(decoded.Payload, p.Payload) {
		t.Fatalf("payload round-trip mismatch")
	}
}

// TestRoundTrip checks decode(encode(p)) == p byte-wise for a range of
// well-formed packets, per spec.md §8's round-trip invariant.
func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		p := &Packet{
			Type:         uint8(rng.Intn(256)),
			TTL:          uint8(rng.Intn(MaxTTL + 1)),
			Timestamp:    rng.Uint64(),
			HasRecipient: rng.Intn(2) == 0,
			HasSignature: rng.Intn(2) == 0,
			Payload:      make([]byte, rng.Intn(300)),
		}
		rng.Read(p.SenderID[:])
		if p.HasRecipient {
			rng.Read(p.RecipientID[:])
		}
		rng.Read(p.Payload)
		if p.HasSignature {
			rng.Read(p.Signature[:])
		}

		buf, err := Encode(p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		wantSize := EncodedSize(len(p.Payload), p.HasRecipient, p.HasSignature)
		assertEquals(t, len(buf), wantSize)

		decoded, err := Decode(buf)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		assertEquals(t, decoded.Type, p.Type)
		assertEquals(t, decoded.TTL, p.TTL)
		assertEquals(t, decoded.Timestamp, p.Timestamp)
		assertEquals(t, decoded.SenderID, p.SenderID)
		assertEquals(t, decoded.HasRecipient, p.HasRecipient)
		assertEquals(t, decoded.HasSignature, p.HasSignature)
		if p.HasRecipient {
			assertEquals(t, decoded.RecipientID, p.RecipientID)
		}
		if p.HasSignature {
			assertEquals(t, decoded.Signature, p.Signature)
		}
		if !bytes.Equal(decoded.Payload, p.Payload) {
			t.Fatalf("payload mismatch on iteration %d", i)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Run("TruncatedHeader", func(t *testing.T) {
		_, err := Decode(make([]byte, 5))
		if err != ErrTruncatedHeader {
			t.Fatalf("got %v, want ErrTruncatedHeader", err)
		}
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		buf := make([]byte, 21)
		buf[0] = 2
		_, err := Decode(buf)
		if err != ErrUnknownVersion {
			t.Fatalf("got %v, want ErrUnknownVersion", err)
		}
	})

	t.Run("InvalidTTL", func(t *testing.T) {
		buf := make([]byte, 21)
		buf[0] = Version
		buf[2] = MaxTTL + 1
		_, err := Decode(buf)
		if err != ErrInvalidTTL {
			t.Fatalf("got %v, want ErrInvalidTTL", err)
		}
	})

	t.Run("TruncatedBody", func(t *testing.T) {
		buf := make([]byte, 21)
		buf[0] = Version
		buf[12] = 0
		buf[13] = 10 // claims 10 bytes of payload, none present
		_, err := Decode(buf)
		if err != ErrTruncatedBody {
			t.Fatalf("got %v, want ErrTruncatedBody", err)
		}
	})

	t.Run("ReservedFlagsSet", func(t *testing.T) {
		buf := make([]byte, 21)
		buf[0] = Version
		buf[11] = 0x80
		_, err := Decode(buf)
		if err != ErrReservedFlagsSet {
			t.Fatalf("got %v, want ErrReservedFlagsSet", err)
		}
	})
}

func TestOversizedPayload(t *testing.T) {
	p := &Packet{Payload: make([]byte, MaxPayloadSize+1)}
	_, err := Encode(p)
	if err != ErrOversizedPayload {
		t.Fatalf("got %v, want ErrOversizedPayload", err)
	}
}

func TestAnnouncePayloadRoundTrip(t *testing.T) {
	payload := EncodeAnnouncePayload("alice", "AB:CD:EF")
	nickname, fingerprint, err := DecodeAnnouncePayload(payload)
	if err != nil {
		t.Fatalf("DecodeAnnouncePayload: %v", err)
	}
	assertEquals(t, nickname, "alice")
	assertEquals(t, fingerprint, "AB:CD:EF")
}

func TestAnnouncePayloadTruncated(t *testing.T) {
	if _, _, err := DecodeAnnouncePayload(nil); err != ErrTruncatedAnnounce {
		t.Fatalf("got %v, want ErrTruncatedAnnounce", err)
	}
	if _, _, err := DecodeAnnouncePayload([]byte{5, 'a', 'b'}); err != ErrTruncatedAnnounce {
		t.Fatalf("got %v, want ErrTruncatedAnnounce", err)
	}
}

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	envelope := EncodeMessageEnvelope("01ARZ3NDEKTSV4RRFFQ69G5FAV", []byte("hello"))
	id, payload, err := DecodeMessageEnvelope(envelope)
	if err != nil {
		t.Fatalf("DecodeMessageEnvelope: %v", err)
	}
	assertEquals(t, id, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if !bytes.Equal(payload, []byte("hello")) {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}
}

func TestMessageEnvelopeTruncated(t *testing.T) {
	if _, _, err := DecodeMessageEnvelope(nil); err != ErrTruncatedEnvelope {
		t.Fatalf("got %v, want ErrTruncatedEnvelope", err)
	}
	if _, _, err := DecodeMessageEnvelope([]byte{5, 'a', 'b'}); err != ErrTruncatedEnvelope {
		t.Fatalf("got %v, want ErrTruncatedEnvelope", err)
	}
}
