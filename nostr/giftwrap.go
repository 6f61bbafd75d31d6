package nostr

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/noisemesh/core/xchacha20poly1305"
)

// ErrGiftWrapDecode is returned when a gift-wrapped event cannot be opened
// by the recipient's key.
var ErrGiftWrapDecode = errors.New("nostr: could not open gift wrap")

func ecdh(sk *btcec.PrivateKey, pk *btcec.PublicKey) [32]byte {
	ecdsaPriv := sk.ToECDSA()
	ecdsaPub := pk.ToECDSA()
	x, _ := ecdsaPriv.Curve.ScalarMult(ecdsaPub.X, ecdsaPub.Y, ecdsaPriv.D.Bytes())
	return sha256.Sum256(x.Bytes())
}

// sealEvent builds the kind-13 "seal": rumor serialized as JSON, encrypted
// under the ECDH shared secret between sender and recipient, then signed
// by the sender.
func sealEvent(senderSK *btcec.PrivateKey, recipientPub *btcec.PublicKey, rumor *Event, now time.Time) (*Event, error) {
	plaintext, err := json.Marshal(rumor)
	if err != nil {
		return nil, err
	}

	key := ecdh(senderSK, recipientPub)
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	ciphertext := xchacha20poly1305.Encrypt(nil, &nonce, plaintext, nil, &key)

	content := hex.EncodeToString(nonce[:]) + hex.EncodeToString(ciphertext)
	seal := &Event{
		Kind:      KindSeal,
		CreatedAt: now.Unix(),
		Content:   content,
	}
	if err := Sign(seal, senderSK); err != nil {
		return nil, err
	}
	return seal, nil
}

func openSeal(recipientSK *btcec.PrivateKey, senderPub *btcec.PublicKey, seal *Event) (*Event, error) {
	raw, err := hex.DecodeString(seal.Content)
	if err != nil || len(raw) < 24 {
		return nil, ErrGiftWrapDecode
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	ciphertext := raw[24:]

	key := ecdh(recipientSK, senderPub)
	plaintext, err := xchacha20poly1305.Decrypt(nil, &nonce, ciphertext, nil, &key)
	if err != nil {
		return nil, ErrGiftWrapDecode
	}

	var rumor Event
	if err := json.Unmarshal(plaintext, &rumor); err != nil {
		return nil, ErrGiftWrapDecode
	}
	return &rumor, nil
}

// GiftWrap builds a NIP-17-style gift-wrapped DM: an unsigned kind-14
// rumor carrying plaintext, sealed and signed by the sender (kind 13),
// then wrapped again with a fresh ephemeral key (kind 1059) so the outer
// event cannot be linked to the sender's long-term identity. The
// recipient is discoverable only via the outer event's "p" tag.
func GiftWrap(senderSK *btcec.PrivateKey, senderPub *btcec.PublicKey, recipientPub *btcec.PublicKey, plaintext string) (*Event, error) {
	now := time.Now()

	recipientHex := hex.EncodeToString(schnorrSerialize(recipientPub))
	rumor := &Event{
		PubKey:    hex.EncodeToString(schnorrSerialize(senderPub)),
		CreatedAt: now.Unix(),
		Kind:      KindRumorChat,
		Tags:      [][]string{{"p", recipientHex}},
		Content:   plaintext,
	}
	if err := rumor.ComputeID(); err != nil {
		return nil, err
	}

	seal, err := sealEvent(senderSK, recipientPub, rumor, now)
	if err != nil {
		return nil, err
	}

	ephemeralSK, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, err
	}
	key := ecdh(ephemeralSK, recipientPub)
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	ciphertext := xchacha20poly1305.Encrypt(nil, &nonce, sealJSON, nil, &key)
	content := hex.EncodeToString(nonce[:]) + hex.EncodeToString(ciphertext)

	wrap := &Event{
		Kind:      KindGiftWrap,
		CreatedAt: now.Unix(),
		Tags:      [][]string{{"p", recipientHex}},
		Content:   content,
	}
	if err := Sign(wrap, ephemeralSK); err != nil {
		return nil, err
	}
	return wrap, nil
}

// OpenGiftWrap reverses GiftWrap: it opens the outer wrap with the ECDH
// secret between recipientSK and the wrap's ephemeral key, then the inner
// seal with the ECDH secret between recipientSK and the seal's signer, so
// both layers need the recipient's key. It returns the plaintext content
// of the inner rumor along with the sender's public key, once the seal's
// signature has been verified.
func OpenGiftWrap(recipientSK *btcec.PrivateKey, wrap *Event) (plaintext string, senderPub string, err error) {
	raw, err := hex.DecodeString(wrap.Content)
	if err != nil || len(raw) < 24 {
		return "", "", ErrGiftWrapDecode
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	ciphertext := raw[24:]

	ephemeralPubBytes, err := hex.DecodeString(wrap.PubKey)
	if err != nil {
		return "", "", ErrGiftWrapDecode
	}
	ephemeralPub, err := schnorrParse(ephemeralPubBytes)
	if err != nil {
		return "", "", ErrGiftWrapDecode
	}

	key := ecdh(recipientSK, ephemeralPub)
	sealJSON, err := xchacha20poly1305.Decrypt(nil, &nonce, ciphertext, nil, &key)
	if err != nil {
		return "", "", ErrGiftWrapDecode
	}

	var seal Event
	if err := json.Unmarshal(sealJSON, &seal); err != nil {
		return "", "", ErrGiftWrapDecode
	}
	if err := Verify(&seal); err != nil {
		return "", "", ErrGiftWrapDecode
	}

	senderPubBytes, err := hex.DecodeString(seal.PubKey)
	if err != nil {
		return "", "", ErrGiftWrapDecode
	}
	senderPubKey, err := schnorrParse(senderPubBytes)
	if err != nil {
		return "", "", ErrGiftWrapDecode
	}

	rumor, err := openSeal(recipientSK, senderPubKey, &seal)
	if err != nil {
		return "", "", err
	}
	return rumor.Content, seal.PubKey, nil
}
