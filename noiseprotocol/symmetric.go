package noiseprotocol

import (
	"crypto/hmac"
	"crypto/sha256"
)

// hmacSHA256 and hkdf implement the Noise HKDF(chaining_key,
// input_key_material, num_outputs) construction of spec.md §4.4: hkdf does a
// single HMAC-SHA-256 extract producing tempKey, followed by a chained expand. It mirrors the teacher's
// KDF1/KDF2/KDF3 (src/noise_helpers.go), generalized from BLAKE2s to SHA-256
// per the spec's Noise_XX_25519_ChaChaPoly_SHA256 protocol name.
func hmacSHA256(key, input []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(input)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func hkdf(chainingKey [32]byte, ikm []byte, numOutputs int) [][32]byte {
	tempKey := hmacSHA256(chainingKey[:], ikm)
	outputs := make([][32]byte, numOutputs)
	prev := []byte{}
	for i := 0; i < numOutputs; i++ {
		outputs[i] = hmacSHA256(tempKey[:], append(append([]byte{}, prev...), byte(i+1)))
		prev = outputs[i][:]
	}
	return outputs
}

// SymmetricState tracks the chaining key, handshake hash, and cipher state
// shared by both parties as the Noise XX handshake advances (spec.md §4.4).
type SymmetricState struct {
	ck     [32]byte
	h      [32]byte
	cipher CipherState
}

// InitializeSymmetric sets h and ck from the protocol name, per the Noise
// specification: h = protocolName padded/hashed to 32 bytes, ck = h.
func (s *SymmetricState) InitializeSymmetric(protocolName string) {
	name := []byte(protocolName)
	if len(name) <= 32 {
		var h [32]byte
		copy(h[:], name)
		s.h = h
	} else {
		s.h = sha256.Sum256(name)
	}
	s.ck = s.h
}

// MixKey absorbs Diffie-Hellman output into the chaining key and installs
// the derived cipher key.
func (s *SymmetricState) MixKey(ikm []byte) {
	out := hkdf(s.ck, ikm, 2)
	s.ck = out[0]
	s.cipher.InitializeKey(out[1])
}

// MixHash folds data into the running handshake hash.
func (s *SymmetricState) MixHash(data []byte) {
	h := sha256.New()
	h.Write(s.h[:])
	h.Write(data)
	copy(s.h[:], h.Sum(nil))
}

// EncryptAndHash encrypts plaintext under AD=h if a key is installed
// (returning plaintext unchanged otherwise), then mixes the ciphertext (or
// plaintext, in the no-key case) into h.
func (s *SymmetricState) EncryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.cipher.HasKey() {
		s.MixHash(plaintext)
		return append([]byte(nil), plaintext...), nil
	}
	ciphertext, err := s.cipher.Encrypt(s.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.MixHash(ciphertext)
	return ciphertext, nil
}

// DecryptAndHash is the inverse of EncryptAndHash.
func (s *SymmetricState) DecryptAndHash(data []byte) ([]byte, error) {
	if !s.cipher.HasKey() {
		s.MixHash(data)
		return append([]byte(nil), data...), nil
	}
	plaintext, err := s.cipher.Decrypt(s.h[:], data)
	if err != nil {
		return nil, err
	}
	s.MixHash(data)
	return plaintext, nil
}

// Split derives the two transport cipher states from the final chaining
// key. The caller assigns them to send/receive according to its role.
func (s *SymmetricState) Split() (c1, c2 CipherState) {
	out := hkdf(s.ck, nil, 2)
	c1.InitializeKey(out[0])
	c2.InitializeKey(out[1])
	return
}

// HandshakeHash returns the channel-binding handshake hash h, retained
// after the handshake completes per spec.md §4.5.
func (s *SymmetricState) HandshakeHash() [32]byte {
	return s.h
}
