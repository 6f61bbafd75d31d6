// Package nostr implements the Nostr Relay Pool of spec.md §4.8: a pool of
// persistent WebSocket connections used as an asynchronous fallback
// transport when BLE reachability fails. It is grounded on the pack's
// gorilla/websocket-based relay clients (manifests for PeernetOfficial-core
// and gosuda-portal) for the connection lifecycle, and on the teacher's
// device/noise-types.go key-encoding conventions for the wire encodings
// used here.
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Kind enumerates the event kinds this node emits or consumes. Full NIP-17
// compliance is out of scope (spec.md §2 Non-goals); these mirror its
// shape closely enough to exchange gift-wrapped DMs with compatible
// relays and clients.
const (
	KindTextNote  = 1
	KindSeal      = 13
	KindGiftWrap  = 1059
	KindRumorChat = 14
)

// Event is a Nostr event as defined by NIP-01.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

var ErrInvalidSignature = errors.New("nostr: invalid event signature")

// serialize renders the NIP-01 canonical array used for id computation
// and signing: [0, pubkey, created_at, kind, tags, content].
func (e *Event) serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	arr := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}
	return json.Marshal(arr)
}

// ComputeID fills in e.ID with the SHA-256 of the serialized event.
func (e *Event) ComputeID() error {
	buf, err := e.serialize()
	if err != nil {
		return err
	}
	sum := sha256.Sum256(buf)
	e.ID = hex.EncodeToString(sum[:])
	return nil
}

// Sign computes the event id and a BIP-340 Schnorr signature over it
// using sk, the Nostr identity's secp256k1 key.
func Sign(e *Event, sk *btcec.PrivateKey) error {
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey()))
	if err := e.ComputeID(); err != nil {
		return err
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(sk, idBytes)
	if err != nil {
		return err
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that e.Sig is a valid BIP-340 signature over e.ID by
// e.PubKey, and that e.ID matches the event's content.
func Verify(e *Event) error {
	expected := *e
	expected.ID = ""
	expected.Sig = ""
	if err := expected.ComputeID(); err != nil {
		return err
	}
	if expected.ID != e.ID {
		return ErrInvalidSignature
	}

	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return ErrInvalidSignature
	}
	pk, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return ErrInvalidSignature
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return ErrInvalidSignature
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return ErrInvalidSignature
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return ErrInvalidSignature
	}
	if !sig.Verify(idBytes, pk) {
		return ErrInvalidSignature
	}
	return nil
}

// Tag returns the first value of the named tag, if present.
func (e *Event) Tag(name string) (string, bool) {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}

// Filter is a NIP-01 REQ filter. Only the fields this node's
// subscriptions actually use are modeled.
type Filter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Tags    map[string][]string
	Since   *int64 `json:"since,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// MarshalJSON flattens Tags into the "#e"/"#p"-style keys NIP-01 filters
// use, since Go's encoding/json cannot do this via struct tags alone.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	keys := make([]string, 0, len(f.Tags))
	for k := range f.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m["#"+k] = f.Tags[k]
	}
	return json.Marshal(m)
}

// EventMessage renders the client->relay message ["EVENT", ev]; ReqMessage
// below renders ["REQ", subID, filter...].
func EventMessage(ev *Event) ([]byte, error) {
	return json.Marshal([]interface{}{"EVENT", ev})
}

func ReqMessage(subID string, filters ...Filter) ([]byte, error) {
	arr := make([]interface{}, 0, len(filters)+2)
	arr = append(arr, "REQ", subID)
	for _, f := range filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}

func CloseMessage(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{"CLOSE", subID})
}

// ParseServerMessage inspects the leading element of a relay->client
// frame and returns its kind along with the raw remaining elements.
func ParseServerMessage(raw []byte) (kind string, rest []json.RawMessage, err error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, err
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("nostr: empty server message")
	}
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return "", nil, err
	}
	return kind, parts[1:], nil
}
