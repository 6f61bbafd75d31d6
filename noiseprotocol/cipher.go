package noiseprotocol

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecryptFailed is returned when AEAD authentication fails. Per
// spec.md §4.4, a failed decryption must not advance the nonce counter.
var ErrDecryptFailed = errors.New("noiseprotocol: AEAD authentication failed")

// CipherState holds an optional symmetric key and a monotonically
// increasing nonce counter, encoded as a 96-bit little-endian AEAD nonce
// with the high 32 bits fixed at zero (spec.md §4.4).
type CipherState struct {
	key     [KeySize]byte
	hasKey  bool
	counter uint64
}

// InitializeKey installs key and resets the nonce counter to zero.
func (c *CipherState) InitializeKey(key [KeySize]byte) {
	c.key = key
	c.hasKey = true
	c.counter = 0
}

// HasKey reports whether a key has been installed.
func (c *CipherState) HasKey() bool {
	return c.hasKey
}

func nonceFor(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[0:8], counter)
	return nonce
}

// Encrypt seals plaintext with associated data ad under the current key and
// nonce, then advances the counter. It panics if no key has been installed;
// callers must check HasKey first (the handshake layer guarantees this).
func (c *CipherState) Encrypt(ad, plaintext []byte) ([]byte, error) {
	if !c.hasKey {
		panic("noiseprotocol: Encrypt called before a key was installed")
	}
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceFor(c.counter)
	out := aead.Seal(nil, nonce[:], plaintext, ad)
	c.counter++
	return out, nil
}

// Decrypt opens ciphertext sealed by the peer's matching CipherState. On
// authentication failure the counter is left unchanged and ErrDecryptFailed
// is returned, per spec.md §4.4.
func (c *CipherState) Decrypt(ad, ciphertext []byte) ([]byte, error) {
	if !c.hasKey {
		panic("noiseprotocol: Decrypt called before a key was installed")
	}
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceFor(c.counter)
	out, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	c.counter++
	return out, nil
}

// Nonce returns the next nonce counter value, exposed for tests asserting
// monotonicity (spec.md §8).
func (c *CipherState) Nonce() uint64 {
	return c.counter
}

// Zero wipes the key material, satisfying the memory-hygiene requirement of
// spec.md §5 on session close.
func (c *CipherState) Zero() {
	for i := range c.key {
		c.key[i] = 0
	}
	c.hasKey = false
	c.counter = 0
}
