// Package noiseprotocol implements the cryptographic core described in
// spec.md §4.3-4.5: Curve25519/Ed25519 key material, the ChaCha20-Poly1305
// cipher state and SHA-256 symmetric state, and the Noise_XX handshake
// built on top of them. It is grounded on the teacher's hand-rolled
// key-agreement and KDF wrappers in
// _examples/WireGuard-wireguard-go/src/noise_helpers.go and
// src/noise_protocol.go, generalized from Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s
// to the spec's Noise_XX_25519_ChaChaPoly_SHA256.
package noiseprotocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

// PrivateKey and PublicKey are Curve25519 scalars/points used for the Noise
// DH operations and for the static identity.
type (
	PrivateKey [KeySize]byte
	PublicKey  [KeySize]byte
)

// IsZero reports whether the key is the all-zero value (never a valid key).
func (k PrivateKey) IsZero() bool {
	var zero PrivateKey
	return k.Equal(zero)
}

// Equal performs a constant-time comparison.
func (k PrivateKey) Equal(other PrivateKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// Equal performs a constant-time comparison.
func (k PublicKey) Equal(other PublicKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// GeneratePrivateKey returns a freshly clamped Curve25519 scalar, following
// the teacher's newPrivateKey (src/noise_helpers.go).
func GeneratePrivateKey() (PrivateKey, error) {
	var sk PrivateKey
	if _, err := rand.Read(sk[:]); err != nil {
		return sk, err
	}
	sk.clamp()
	return sk, nil
}

func (k *PrivateKey) clamp() {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// Public derives the Curve25519 public key for this private scalar.
func (k PrivateKey) Public() PublicKey {
	var pk PublicKey
	curve25519.ScalarBaseMult((*[KeySize]byte)(&pk), (*[KeySize]byte)(&k))
	return pk
}

// DH performs an X25519 scalar multiplication, the sole DH operation the
// Noise XX pattern uses.
func (k PrivateKey) DH(remote PublicKey) [KeySize]byte {
	var ss [KeySize]byte
	curve25519.ScalarMult(&ss, (*[KeySize]byte)(&k), (*[KeySize]byte)(&remote))
	return ss
}

// SigningPrivateKey and SigningPublicKey are Ed25519 keys used to sign
// packets carrying HAS_SIGNATURE.
type (
	SigningPrivateKey = ed25519.PrivateKey
	SigningPublicKey  = ed25519.PublicKey
)

// GenerateSigningKeypair returns a fresh Ed25519 keypair for packet
// signatures.
func GenerateSigningKeypair() (SigningPublicKey, SigningPrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign produces the 64-byte Ed25519 signature over encode(packet without
// signature), per spec.md §6.
func Sign(sk SigningPrivateKey, message []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(sk, message))
	return sig
}

// Verify checks an Ed25519 signature produced by Sign.
func Verify(pk SigningPublicKey, message []byte, sig [64]byte) bool {
	return ed25519.Verify(pk, message, sig[:])
}

// Identity bundles the long-lived key material for one node: the Curve25519
// DH keypair used by Noise, the Ed25519 signing keypair, and the nickname.
// Private keys never leave the process (spec.md §3 Identity invariant);
// callers persist Identity opaquely through the boundary's key-value store.
type Identity struct {
	StaticPrivate  PrivateKey
	StaticPublic   PublicKey
	SigningPrivate SigningPrivateKey
	SigningPublic  SigningPublicKey
	Nickname       string
}

// NewIdentity generates a fresh static DH keypair and signing keypair.
func NewIdentity(nickname string) (*Identity, error) {
	sk, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := GenerateSigningKeypair()
	if err != nil {
		return nil, err
	}
	return &Identity{
		StaticPrivate:  sk,
		StaticPublic:   sk.Public(),
		SigningPrivate: signPriv,
		SigningPublic:  signPub,
		Nickname:       nickname,
	}, nil
}

// FingerprintString renders id's fingerprint in the same colon-grouped
// uppercase-hex form as Fingerprint.
func (id *Identity) FingerprintString() string {
	return Fingerprint(id.StaticPublic)
}

// FingerprintBytes returns the raw SHA-256 digest of id's static public
// key, the source material for the 8-byte wire sender/recipient id.
func (id *Identity) FingerprintBytes() [32]byte {
	return sha256.Sum256(id.StaticPublic[:])
}

// Fingerprint renders the SHA-256 of a static public key as uppercase hex
// grouped in colon-separated pairs, per spec.md §3/§4.3.
func Fingerprint(pk PublicKey) string {
	sum := sha256.Sum256(pk[:])
	hexStr := hex.EncodeToString(sum[:])
	out := make([]byte, 0, len(hexStr)*3/2)
	for i := 0; i < len(hexStr); i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexStr[i], hexStr[i+1])
	}
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

const nostrDerivationLabel = "nostr-key-derivation"

// DeriveNostrSeed computes a deterministic 32-byte seed for the node's
// Nostr identity from its static private key, per spec.md §4.3: the
// derivation is a pure function of the static private key so every device
// sharing that key arrives at the same Nostr identity.
func DeriveNostrSeed(staticPrivate PrivateKey) [32]byte {
	return DeriveNostrSeedEpoch(staticPrivate, 0)
}

// DeriveNostrSeedEpoch generalizes DeriveNostrSeed with an epoch counter:
// epoch 0 reproduces the original pure derivation, and each subsequent
// epoch yields a distinct but still-deterministic Nostr identity. This is
// the key-rotation scaffold of SPEC_FULL.md §3: rotating the epoch changes
// the Nostr-facing secp256k1 identity without touching the Curve25519/
// Ed25519 mesh identity, which must stay stable for fingerprint
// continuity.
func DeriveNostrSeedEpoch(staticPrivate PrivateKey, epoch uint64) [32]byte {
	h := sha256.New()
	h.Write(staticPrivate[:])
	h.Write([]byte(nostrDerivationLabel))
	if epoch != 0 {
		var epochBuf [8]byte
		for i := 0; i < 8; i++ {
			epochBuf[i] = byte(epoch >> (8 * (7 - i)))
		}
		h.Write(epochBuf[:])
	}
	var seed [32]byte
	copy(seed[:], h.Sum(nil))
	return seed
}

var ErrInvalidKeyLength = errors.New("noiseprotocol: key has the wrong length")
