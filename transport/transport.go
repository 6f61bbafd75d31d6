// Package transport implements the Transport Multiplexer of spec.md §4.9:
// per-peer selection between BLE and Nostr, the outbound pad/encrypt/
// encode/fragment-or-wrap pipeline, and the inbound reassemble-or-unwrap/
// decode/route/session pipeline. It is grounded on the teacher's
// per-peer dispatcher in device/peer.go (a single goroutine serializing
// handshake and encryption work per peer, with cross-peer work
// independent), generalized from UDP datagrams to BLE writes and Nostr
// gift-wrapped events.
package transport

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/noisemesh/core/padding"
	"github.com/noisemesh/core/router"
	"github.com/noisemesh/core/session"
	"github.com/noisemesh/core/wire"
)

var (
	ErrPeerUnreachable = errors.New("transport: peer unreachable on any transport")
)

// Sender abstracts the two concrete transports so the multiplexer's
// decision tree does not need to know about BLE radios or Nostr relays.
type Sender interface {
	SendBLE(peerID string, frame []byte) error
	SendNostr(peerID string, frame []byte) error
}

// Reachability reports what the peer registry and session manager know
// about a destination, which the decision tree in spec.md §4.9 consults.
type Reachability struct {
	BLEConnected   bool
	SessionReady   bool
	MutualFavorite bool
	NostrEnabled   bool
}

// ReachabilityFunc looks up current reachability for a peer; the
// multiplexer calls it fresh on every send so it never carries stale
// state itself.
type ReachabilityFunc func(peerID string) Reachability

// dispatcher serializes all work for one peer: handshake steps and
// encryption must happen in enqueue order so the AEAD nonce sequence
// stays monotonic (spec.md §5 Ordering guarantees).
type dispatcher struct {
	mu sync.Mutex
}

// Multiplexer owns one dispatcher per peer and routes outbound sends
// through the BLE-then-Nostr decision tree.
type Multiplexer struct {
	Sessions     *session.Manager
	Router       *router.Router
	Reachability ReachabilityFunc
	Sender       Sender

	reassemblers sync.Map // peerID -> *wire.Reassembler

	mu          sync.Mutex
	dispatchers map[string]*dispatcher
}

// New builds a Multiplexer wiring the session manager, router, a
// reachability oracle and the concrete Sender.
func New(sessions *session.Manager, r *router.Router, reach ReachabilityFunc, sender Sender) *Multiplexer {
	return &Multiplexer{
		Sessions:     sessions,
		Router:       r,
		Reachability: reach,
		Sender:       sender,
		dispatchers:  make(map[string]*dispatcher),
	}
}

func (m *Multiplexer) dispatcherFor(peerID string) *dispatcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispatchers[peerID]
	if !ok {
		d = &dispatcher{}
		m.dispatchers[peerID] = d
	}
	return d
}

// SendOutbound runs the full outbound pipeline for peerID: pad and encrypt
// (only when a Completed session exists and msgType is not a handshake
// frame), codec-encode, then fragment for BLE or wrap for Nostr, and
// transmit via whichever transport the decision tree selects.
func (m *Multiplexer) SendOutbound(peerID string, senderID [8]byte, msgType uint8, payload []byte) error {
	d := m.dispatcherFor(peerID)
	d.mu.Lock()
	defer d.mu.Unlock()

	reach := m.Reachability(peerID)

	isHandshakeFrame := msgType == wire.TypeNoiseHandshakeInit || msgType == wire.TypeNoiseHandshakeResp

	body := payload
	if reach.SessionReady && !isHandshakeFrame {
		padded, err := padding.Pad(payload)
		if err != nil {
			return err
		}
		ct, err := m.Sessions.Encrypt(peerID, padded)
		if err != nil {
			return err
		}
		body = ct
	}

	pkt := &wire.Packet{
		Type:      msgType,
		TTL:       wire.MaxTTL,
		Timestamp: nowMillis(),
		SenderID:  senderID,
		Payload:   body,
	}
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return err
	}

	switch {
	case reach.BLEConnected && (reach.SessionReady || isHandshakeFrame):
		if len(encoded) <= wire.BLEMTU {
			return m.Sender.SendBLE(peerID, encoded)
		}
		return m.sendFragmentedBLE(peerID, encoded)
	case reach.MutualFavorite && reach.NostrEnabled:
		return m.Sender.SendNostr(peerID, encoded)
	default:
		return ErrPeerUnreachable
	}
}

func (m *Multiplexer) sendFragmentedBLE(peerID string, encoded []byte) error {
	var messageID [8]byte
	if _, err := rand.Read(messageID[:]); err != nil {
		return err
	}
	for _, frag := range wire.Fragment(messageID, encoded) {
		fragBytes := wire.EncodeFragment(frag.Payload)
		pkt := &wire.Packet{
			Type:      frag.Type,
			TTL:       wire.MaxTTL,
			Timestamp: nowMillis(),
			Payload:   fragBytes,
		}
		out, err := wire.Encode(pkt)
		if err != nil {
			return err
		}
		if err := m.Sender.SendBLE(peerID, out); err != nil {
			return err
		}
	}
	return nil
}

// InboundResult is the outcome of running the inbound pipeline on one
// reassembled/unwrapped frame.
type InboundResult struct {
	Delivered   bool
	Payload     []byte
	PeerID      string
	MessageID   string
	Announced   bool
	Left        bool
	DeliveryAck bool
	Nickname    string
	Fingerprint string

	// Relay is set when the router's TTL/duplicate/addressing policy
	// requires this packet to be forwarded one more hop. RelayFrame is
	// the packet re-encoded with the decremented TTL, ready to transmit
	// as-is (spec.md §4.7 "relayed packets strictly decrement ttl by 1").
	Relay      bool
	RelayFrame []byte
}

// HandleInboundBLEFragment reassembles a BLE fragment and, once a message
// is complete, runs it through the shared inbound pipeline.
func (m *Multiplexer) HandleInboundBLEFragment(peerID string, senderID [8]byte, raw []byte) (*InboundResult, error) {
	pkt, err := wire.Decode(raw)
	if err != nil {
		return nil, err
	}
	frag, err := wire.DecodeFragment(pkt.Payload)
	if err != nil {
		return nil, err
	}

	reassembler := m.reassemblerFor(peerID)
	complete, ok := reassembler.Add(frag)
	if !ok {
		return nil, nil
	}
	return m.runInboundPipeline(peerID, senderID, router.TransportBLE, complete)
}

func (m *Multiplexer) reassemblerFor(peerID string) *wire.Reassembler {
	v, _ := m.reassemblers.LoadOrStore(peerID, wire.NewReassembler(wire.ReassemblyWindow))
	return v.(*wire.Reassembler)
}

// HandleInboundNostr runs an already-unwrapped Nostr payload through the
// shared inbound pipeline.
func (m *Multiplexer) HandleInboundNostr(peerID string, senderID [8]byte, raw []byte) (*InboundResult, error) {
	return m.runInboundPipeline(peerID, senderID, router.TransportNostr, raw)
}

func (m *Multiplexer) runInboundPipeline(peerID string, senderID [8]byte, via router.Transport, raw []byte) (*InboundResult, error) {
	pkt, err := wire.Decode(raw)
	if err != nil {
		return nil, err
	}

	decision, err := m.Router.Evaluate(pkt.SenderID, recipientOf(pkt), pkt.TTL, pkt.Timestamp, pkt.Payload)
	if err != nil {
		return nil, err
	}
	if !decision.Accept {
		return &InboundResult{Delivered: false}, nil
	}

	result, err := m.dispatchInbound(peerID, via, pkt)
	if err != nil {
		return nil, err
	}

	if decision.Relay {
		relayed := *pkt
		relayed.TTL = decision.NewTTL
		if frame, err := wire.Encode(&relayed); err == nil {
			result.Relay = true
			result.RelayFrame = frame
		}
	}
	return result, nil
}

// dispatchInbound applies type-specific handling to a packet that has
// already cleared duplicate/TTL/clock-skew/block checks.
func (m *Multiplexer) dispatchInbound(peerID string, via router.Transport, pkt *wire.Packet) (*InboundResult, error) {
	switch pkt.Type {
	case wire.TypeAnnounce:
		nickname, fingerprint, err := wire.DecodeAnnouncePayload(pkt.Payload)
		if err != nil {
			return nil, err
		}
		m.Router.Announce(peerID, nickname, fingerprint, via)
		return &InboundResult{Announced: true, PeerID: peerID, Nickname: nickname, Fingerprint: fingerprint}, nil

	case wire.TypeLeave:
		m.Router.Leave(peerID)
		return &InboundResult{Left: true, PeerID: peerID}, nil

	case wire.TypeNoiseHandshakeInit, wire.TypeNoiseHandshakeResp:
		// The reply, if any, is delivered asynchronously over
		// Sessions.Events(); the caller (meshcore.Core) is responsible for
		// forwarding EventHandshakeMessage bytes back out through
		// SendOutbound.
		if _, err := m.Sessions.OnInbound(peerID, pkt.Payload); err != nil {
			return nil, err
		}
		return &InboundResult{Delivered: false, PeerID: peerID}, nil

	case wire.TypeNoiseEncrypted:
		pt, err := m.Sessions.Decrypt(peerID, pkt.Payload)
		if err != nil {
			return nil, err
		}
		unpadded, err := padding.Unpad(pt)
		if err != nil {
			return nil, err
		}
		return &InboundResult{Delivered: true, Payload: unpadded, PeerID: peerID}, nil

	case wire.TypeMessage:
		body, err := m.decodeBody(peerID, pkt.Payload)
		if err != nil {
			return nil, err
		}
		messageID, payload, err := wire.DecodeMessageEnvelope(body)
		if err != nil {
			return nil, err
		}
		return &InboundResult{Delivered: true, Payload: payload, PeerID: peerID, MessageID: messageID}, nil

	case wire.TypeDeliveryAck:
		body, err := m.decodeBody(peerID, pkt.Payload)
		if err != nil {
			return nil, err
		}
		return &InboundResult{PeerID: peerID, DeliveryAck: true, MessageID: string(body)}, nil

	default:
		body, err := m.decodeBody(peerID, pkt.Payload)
		if err != nil {
			return nil, err
		}
		return &InboundResult{Delivered: true, Payload: body, PeerID: peerID}, nil
	}
}

// decodeBody decrypts payload under peerID's session when one exists,
// unpadding the result; otherwise it is returned unchanged, mirroring
// SendOutbound's choice to only encrypt once a session is ready.
func (m *Multiplexer) decodeBody(peerID string, payload []byte) ([]byte, error) {
	if _, ok := m.Sessions.Lookup(peerID); ok {
		pt, err := m.Sessions.Decrypt(peerID, payload)
		if err != nil {
			return nil, err
		}
		return padding.Unpad(pt)
	}
	return payload, nil
}

// SweepReassembly discards in-flight fragment reassembly slots idle past
// the reassembly window, across every peer. Callers run it on a ticker
// (spec.md §4.1/§5 reassembly timeout).
func (m *Multiplexer) SweepReassembly() int {
	dropped := 0
	m.reassemblers.Range(func(_, v any) bool {
		dropped += v.(*wire.Reassembler).Sweep()
		return true
	})
	return dropped
}

func recipientOf(pkt *wire.Packet) *[8]byte {
	if !pkt.HasRecipient || pkt.IsBroadcast() {
		return nil
	}
	r := pkt.RecipientID
	return &r
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
