package nostr

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

func mustSecpKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("btcec.NewPrivateKey: %v", err)
	}
	return sk
}

func TestEventSignAndVerify(t *testing.T) {
	sk := mustSecpKey(t)
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindTextNote,
		Content:   "hello mesh",
	}
	if err := Sign(ev, sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(ev); err != nil {
		t.Fatalf("Verify valid event: %v", err)
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	sk := mustSecpKey(t)
	ev := &Event{CreatedAt: time.Now().Unix(), Kind: KindTextNote, Content: "original"}
	if err := Sign(ev, sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ev.Content = "tampered"
	if err := Verify(ev); err == nil {
		t.Fatal("expected Verify to reject tampered content")
	}
}

func TestGiftWrapRoundTrip(t *testing.T) {
	senderSK := mustSecpKey(t)
	senderPub := senderSK.PubKey()
	recipientSK := mustSecpKey(t)
	recipientPub := recipientSK.PubKey()

	wrap, err := GiftWrap(senderSK, senderPub, recipientPub, "meet at the usual place")
	if err != nil {
		t.Fatalf("GiftWrap: %v", err)
	}
	if wrap.Kind != KindGiftWrap {
		t.Fatalf("wrap kind = %d, want %d", wrap.Kind, KindGiftWrap)
	}
	if err := Verify(wrap); err != nil {
		t.Fatalf("outer wrap signature invalid: %v", err)
	}

	plaintext, senderPubHex, err := OpenGiftWrap(recipientSK, wrap)
	if err != nil {
		t.Fatalf("OpenGiftWrap: %v", err)
	}
	if plaintext != "meet at the usual place" {
		t.Errorf("plaintext = %q, want %q", plaintext, "meet at the usual place")
	}
	if senderPubHex != hexPubKey(senderPub) {
		t.Errorf("recovered sender pubkey = %q, want %q", senderPubHex, hexPubKey(senderPub))
	}
}

func TestGiftWrapWrongRecipientFailsToOpen(t *testing.T) {
	senderSK := mustSecpKey(t)
	recipientSK := mustSecpKey(t)
	eavesdropperSK := mustSecpKey(t)

	wrap, err := GiftWrap(senderSK, senderSK.PubKey(), recipientSK.PubKey(), "secret")
	if err != nil {
		t.Fatalf("GiftWrap: %v", err)
	}

	if _, _, err := OpenGiftWrap(eavesdropperSK, wrap); err == nil {
		t.Fatal("expected OpenGiftWrap to fail for the wrong recipient key")
	}
}

func hexPubKey(pk *btcec.PublicKey) string {
	return string(schnorrSerializeHexForTest(pk))
}

func schnorrSerializeHexForTest(pk *btcec.PublicKey) []byte {
	b := schnorrSerialize(pk)
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xF]
	}
	return out
}

func TestBackoffDelayIsBoundedAndJittered(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoffDelay(attempt)
		if d < 0 || d > backoffCap {
			t.Fatalf("backoffDelay(%d) = %v, want within [0, %v]", attempt, d, backoffCap)
		}
	}
}

func TestDeriveIdentityDeterministic(t *testing.T) {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i)
	}
	sk1, pk1 := IdentityFromSeed(seed)
	sk2, pk2 := IdentityFromSeed(seed)
	if !bytes.Equal(sk1.Serialize(), sk2.Serialize()) {
		t.Fatal("IdentityFromSeed is not deterministic")
	}
	if !pk1.IsEqual(pk2) {
		t.Fatal("derived public keys differ for the same seed")
	}
}
