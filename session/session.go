// Package session implements the Noise Session Manager of spec.md §4.6:
// per-peer handshake lifecycle, transport cipher ownership, handshake
// timeouts and idle expiry. It is grounded on the teacher's Peer/Handshake
// lifecycle (device/peer.go, src/noise_protocol.go) and its events.Event
// pattern (internal/events/event.go), generalized from a single persistent
// WireGuard tunnel per peer to short-lived Noise_XX sessions renegotiated
// whenever a BLE or Nostr transport reconnects.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/noisemesh/core/noiseprotocol"
)

// State is the lifecycle stage of a Session record (spec.md §3 Session).
type State int

const (
	StateNone State = iota
	StateInitiated
	StateCompleted
)

var (
	ErrHandshakeInProgress = errors.New("session: handshake already in progress")
	ErrNoSession           = errors.New("session: no session for peer")
	ErrNotCompleted        = errors.New("session: session is not in the Completed state")
)

const (
	HandshakeTimeout = 30 * time.Second
	IdleTimeout      = 60 * time.Minute
	sweepInterval    = 60 * time.Second
)

// EventKind distinguishes the typed events the Manager emits, per spec.md's
// Design Note re-architecting per-component event emitters into a single
// enum stream (§9 Event emitters).
type EventKind int

const (
	EventHandshakeMessage EventKind = iota
	EventSessionEstablished
	EventSessionClosed
	EventHandshakeFailed
)

// Role mirrors noiseprotocol.Role for callers that should not need to
// import the crypto package just to read an event.
type Role = noiseprotocol.Role

const (
	Initiator = noiseprotocol.Initiator
	Responder = noiseprotocol.Responder
)

// FailureReason enumerates why a handshake failed.
type FailureReason int

const (
	ReasonTimeout FailureReason = iota
	ReasonProtocolError
)

// Event is the single typed notification emitted by the Manager. Exactly
// one of the Kind-specific fields is meaningful for a given Kind.
type Event struct {
	Kind        EventKind
	PeerID      string
	Bytes       []byte        // EventHandshakeMessage: the wire bytes to send
	Fingerprint string        // EventSessionEstablished
	Role        Role          // EventHandshakeMessage, EventSessionEstablished
	Reason      FailureReason // EventHandshakeFailed
}

// Session is the established record for one peer (spec.md §3 Session).
type Session struct {
	PeerID       string
	RemoteStatic noiseprotocol.PublicKey
	Fingerprint  string
	Role         Role

	mu           sync.Mutex
	send         noiseprotocol.CipherState
	recv         noiseprotocol.CipherState
	hash         [32]byte
	state        State
	createdAt    time.Time
	lastActivity time.Time
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) HandshakeHash() [32]byte {
	return s.hash
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// Encrypt seals plaintext under this session's send cipher. Requires the
// session to be Completed.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCompleted {
		return nil, ErrNotCompleted
	}
	out, err := s.send.Encrypt(nil, plaintext)
	if err != nil {
		return nil, err
	}
	s.touch()
	return out, nil
}

// Decrypt opens ciphertext under this session's receive cipher. Requires
// the session to be Completed.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCompleted {
		return nil, ErrNotCompleted
	}
	out, err := s.recv.Decrypt(nil, ciphertext)
	if err != nil {
		return nil, err
	}
	s.touch()
	return out, nil
}

func (s *Session) zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send.Zero()
	s.recv.Zero()
}

type pendingHandshake struct {
	hs       *noiseprotocol.HandshakeState
	role     Role
	deadline time.Time
}

// Manager owns every Session and in-flight handshake for this node,
// keyed by peer id (spec.md §4.6).
type Manager struct {
	mu         sync.Mutex
	identity   noiseprotocol.PrivateKey
	sessions   map[string]*Session
	handshakes map[string]*pendingHandshake

	events chan Event

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Manager that uses localStatic as its Noise static
// key in every handshake and starts its 60 s sweep loop.
func NewManager(localStatic noiseprotocol.PrivateKey) *Manager {
	m := &Manager{
		identity:   localStatic,
		sessions:   make(map[string]*Session),
		handshakes: make(map[string]*pendingHandshake),
		events:     make(chan Event, 64),
		stop:       make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Events returns the channel of typed lifecycle events. Callers should
// drain it continuously; the Manager never blocks waiting for a consumer
// beyond the channel's buffer.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		// Buffer full: drop rather than stall handshake processing. A
		// slow consumer misses notifications, not correctness.
	}
}

// Initiate starts an outbound handshake toward peerID, returning the first
// wire message to transmit.
func (m *Manager) Initiate(peerID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handshakes[peerID]; exists {
		return nil, ErrHandshakeInProgress
	}
	if _, exists := m.sessions[peerID]; exists {
		return nil, ErrHandshakeInProgress
	}

	hs := noiseprotocol.NewHandshakeState(noiseprotocol.Initiator, m.identity)
	msg, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	m.handshakes[peerID] = &pendingHandshake{
		hs:       hs,
		role:     noiseprotocol.Initiator,
		deadline: time.Now().Add(HandshakeTimeout),
	}
	m.emit(Event{Kind: EventHandshakeMessage, PeerID: peerID, Bytes: msg, Role: noiseprotocol.Initiator})
	return msg, nil
}

// OnInbound advances (or starts) the handshake for peerID with an inbound
// Noise handshake message. It returns the session once completed, or nil
// while the handshake is still in progress.
func (m *Manager) OnInbound(peerID string, bytes []byte) (*Session, error) {
	m.mu.Lock()

	pending, exists := m.handshakes[peerID]
	if !exists {
		hs := noiseprotocol.NewHandshakeState(noiseprotocol.Responder, m.identity)
		pending = &pendingHandshake{
			hs:       hs,
			role:     noiseprotocol.Responder,
			deadline: time.Now().Add(HandshakeTimeout),
		}
		m.handshakes[peerID] = pending
	}
	m.mu.Unlock()

	if _, err := pending.hs.ReadMessage(bytes); err != nil {
		m.mu.Lock()
		delete(m.handshakes, peerID)
		m.mu.Unlock()
		m.emit(Event{Kind: EventHandshakeFailed, PeerID: peerID, Reason: ReasonProtocolError})
		return nil, err
	}

	if !pending.hs.Completed() {
		msg, err := pending.hs.WriteMessage(nil)
		if err != nil {
			m.mu.Lock()
			delete(m.handshakes, peerID)
			m.mu.Unlock()
			m.emit(Event{Kind: EventHandshakeFailed, PeerID: peerID, Reason: ReasonProtocolError})
			return nil, err
		}
		m.emit(Event{Kind: EventHandshakeMessage, PeerID: peerID, Bytes: msg, Role: pending.role})
		if !pending.hs.Completed() {
			return nil, nil
		}
	}

	sendCipher, recvCipher, err := pending.hs.Split()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		PeerID:       peerID,
		RemoteStatic: pending.hs.RemoteStatic(),
		Fingerprint:  noiseprotocol.Fingerprint(pending.hs.RemoteStatic()),
		Role:         pending.role,
		send:         sendCipher,
		recv:         recvCipher,
		hash:         pending.hs.HandshakeHash(),
		state:        StateCompleted,
		createdAt:    now,
		lastActivity: now,
	}

	m.mu.Lock()
	delete(m.handshakes, peerID)
	m.sessions[peerID] = sess
	m.mu.Unlock()

	m.emit(Event{Kind: EventSessionEstablished, PeerID: peerID, Fingerprint: sess.Fingerprint, Role: sess.Role})
	return sess, nil
}

// Lookup returns the established session for peerID, if any.
func (m *Manager) Lookup(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// Encrypt and Decrypt are convenience wrappers over Lookup + Session
// methods, returning ErrNoSession when no Completed session exists.
func (m *Manager) Encrypt(peerID string, pt []byte) ([]byte, error) {
	s, ok := m.Lookup(peerID)
	if !ok {
		return nil, ErrNoSession
	}
	return s.Encrypt(pt)
}

func (m *Manager) Decrypt(peerID string, ct []byte) ([]byte, error) {
	s, ok := m.Lookup(peerID)
	if !ok {
		return nil, ErrNoSession
	}
	return s.Decrypt(ct)
}

// Close zeroizes and removes the session for peerID, emitting
// sessionClosed. It is a no-op if no session exists.
func (m *Manager) Close(peerID string) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if ok {
		delete(m.sessions, peerID)
	}
	delete(m.handshakes, peerID)
	m.mu.Unlock()

	if !ok {
		return
	}
	s.zero()
	m.emit(Event{Kind: EventSessionClosed, PeerID: peerID})
}

// Stop halts the sweep loop. It does not close individual sessions.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var idlePeers []string
	for peerID, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity) > IdleTimeout
		s.mu.Unlock()
		if idle {
			idlePeers = append(idlePeers, peerID)
		}
	}

	var timedOutPeers []string
	for peerID, p := range m.handshakes {
		if now.After(p.deadline) {
			timedOutPeers = append(timedOutPeers, peerID)
		}
	}
	m.mu.Unlock()

	for _, peerID := range idlePeers {
		m.Close(peerID)
	}

	for _, peerID := range timedOutPeers {
		m.mu.Lock()
		delete(m.handshakes, peerID)
		m.mu.Unlock()
		m.emit(Event{Kind: EventHandshakeFailed, PeerID: peerID, Reason: ReasonTimeout})
	}
}
