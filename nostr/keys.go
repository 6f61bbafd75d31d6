package nostr

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/noisemesh/core/noiseprotocol"
)

// IdentityFromSeed derives this node's Nostr secp256k1 keypair from the
// 32-byte seed produced by noiseprotocol.DeriveNostrSeed, so every device
// sharing the mesh identity's static private key arrives at the same
// Nostr identity (spec.md §4.3).
func IdentityFromSeed(seed [32]byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	sk, pk := btcec.PrivKeyFromBytes(seed[:])
	return sk, pk
}

// DeriveIdentity is a convenience wrapper combining the Noise-to-Nostr
// key derivation with secp256k1 key construction.
func DeriveIdentity(staticPrivate noiseprotocol.PrivateKey) (*btcec.PrivateKey, *btcec.PublicKey) {
	seed := noiseprotocol.DeriveNostrSeed(staticPrivate)
	return IdentityFromSeed(seed)
}

func schnorrSerialize(pk *btcec.PublicKey) []byte {
	return schnorr.SerializePubKey(pk)
}

func schnorrParse(b []byte) (*btcec.PublicKey, error) {
	return schnorr.ParsePubKey(b)
}
