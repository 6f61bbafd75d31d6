// Package meshcore wires the handshake, session, routing, transport and
// outbox layers into a single Core: the narrow boundary adapter a host
// application (a mobile binding or the meshcored daemon) talks to. It
// owns every piece of mutable state the rest of the module needs, the
// way device.Device owns its peer table, keypairs and routines rather
// than scattering them across package globals.
package meshcore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/noisemesh/core/ble"
	"github.com/noisemesh/core/noiseprotocol"
	"github.com/noisemesh/core/nostr"
	"github.com/noisemesh/core/outbox"
	"github.com/noisemesh/core/router"
	"github.com/noisemesh/core/session"
	"github.com/noisemesh/core/transport"
	"github.com/noisemesh/core/wire"
	"golang.org/x/time/rate"
)

// EventKind distinguishes the union of events the boundary adapter can
// deliver on Core.Events.
type EventKind int

const (
	EventMessageReceived EventKind = iota
	EventPeerAnnounced
	EventPeerLeft
	EventSession
	EventRelayStatus
)

// Event is the single typed stream the boundary adapter exposes,
// resolving the many-separate-emitters question the same way
// session.Manager resolves it for handshake/session events: one
// channel, one Kind field, optional payloads.
type Event struct {
	Kind      EventKind
	PeerID    string
	Payload   []byte
	Session   session.Event
	RelayURL  string
	RelayStat nostr.Status
}

const eventBufferSize = 256

// Config bundles everything Core needs to start. Identity and OutboxPath
// are required. A nil BLEAdapter disables BLE, and no RelayURLs leaves
// the Nostr pool idle until AddRelay is called explicitly; zero
// MaxAttempts and PeerCapacity take defaults, and a nil Log gets an
// info-level stdout logger.
type Config struct {
	Identity     *noiseprotocol.Identity
	BLEAdapter   ble.Adapter
	RelayURLs    []string
	OutboxPath   string
	MaxAttempts  int
	PeerCapacity int
	Traffic      outbox.TrafficProfile
	Log          Logger
}

// Core is the single owner of every mutable subsystem: identity,
// sessions, routing/registry, the BLE and Nostr transports, the
// multiplexer deciding between them, and the durable outbox.
type Core struct {
	identity *noiseprotocol.Identity

	Sessions *session.Manager
	Router   *router.Router
	Pool     *nostr.Pool
	BLE      *ble.Transport
	Mux      *transport.Multiplexer
	Outbox   *outbox.Manager
	store    *outbox.Store

	events chan Event
	log    Logger

	mu        sync.RWMutex
	favorites map[string]bool
	nostrPub  map[string]string // peerID -> nostr hex pubkey, for gift-wrap addressing
	traffic   outbox.TrafficProfile

	rotation rotationState

	stop chan struct{}
	wg   sync.WaitGroup
}

var ErrNoOutboxPath = errors.New("meshcore: Config.OutboxPath is required")

// New assembles a Core from cfg. It does not start any network I/O;
// call Start for that.
func New(cfg Config) (*Core, error) {
	if cfg.OutboxPath == "" {
		return nil, ErrNoOutboxPath
	}
	if cfg.PeerCapacity == 0 {
		cfg.PeerCapacity = 1000
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}

	store, err := outbox.OpenStore(cfg.OutboxPath)
	if err != nil {
		return nil, err
	}

	if cfg.Log == nil {
		cfg.Log = NewLogger(LogLevelInfo, "meshcore: ")
	}

	var localID [8]byte
	idFP := cfg.Identity.FingerprintBytes()
	copy(localID[:], idFP[:8])

	c := &Core{
		identity:  cfg.Identity,
		log:       cfg.Log,
		Sessions:  session.NewManager(cfg.Identity.StaticPrivate),
		Router:    router.New(localID, cfg.PeerCapacity),
		Pool:      nostr.NewPool(rate.Limit(1)),
		store:     store,
		events:    make(chan Event, eventBufferSize),
		favorites: make(map[string]bool),
		nostrPub:  make(map[string]string),
		traffic:   cfg.Traffic,
		stop:      make(chan struct{}),
	}

	c.Mux = transport.New(c.Sessions, c.Router, c.reachability, c)
	c.Outbox = outbox.NewManager(store, c.deliver, c.isBlocked, cfg.MaxAttempts)

	if cfg.BLEAdapter != nil {
		c.BLE = ble.New(cfg.BLEAdapter, c.onBLEInbound)
	}

	for _, url := range cfg.RelayURLs {
		c.Pool.AddRelay(context.Background(), url, cfg.MaxAttempts)
	}

	return c, nil
}

// Start launches the background workers: the session sweep (already
// started by session.NewManager), the outbox worker, the BLE radio if
// configured, and the per-relay Nostr inbound pumps.
func (c *Core) Start() error {
	c.log.Infof("starting core for %s", c.identity.FingerprintString())
	if err := c.Outbox.Start(); err != nil {
		return err
	}

	if c.BLE != nil {
		if err := c.BLE.Start(); err != nil {
			return err
		}
	}

	c.wg.Add(1)
	go c.sessionEventLoop()

	for _, r := range c.Pool.Relays() {
		c.wg.Add(1)
		go c.nostrInboundLoop(r)
	}

	if c.traffic.CoverTrafficEnabled() {
		c.wg.Add(1)
		go c.coverTrafficLoop()
	}

	c.wg.Add(1)
	go c.sweepLoop()

	if c.BLE != nil {
		c.broadcastPresence(wire.TypeAnnounce)
	}

	return nil
}

const sweepInterval = 30 * time.Second

// sweepLoop periodically evicts idle routing-table entries and stale
// fragment-reassembly slots, the runtime counterpart of
// RoutingTable.ExpireIdle and wire.Reassembler.Sweep (spec.md §4.7,
// §4.1/§5).
func (c *Core) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Router.Routes.ExpireIdle(); n > 0 {
				c.log.Debugf("expired %d idle routes", n)
			}
			if n := c.Mux.SweepReassembly(); n > 0 {
				c.log.Debugf("dropped %d stale reassembly slots", n)
			}
		}
	}
}

// broadcastPresence notifies the mesh of an ANNOUNCE or LEAVE over BLE,
// the transport every peer is assumed to share, per spec.md §4.7.
func (c *Core) broadcastPresence(msgType uint8) {
	payload := wire.EncodeAnnouncePayload(c.identity.Nickname, c.identity.FingerprintString())

	pkt := &wire.Packet{
		Type:         msgType,
		TTL:          1,
		Timestamp:    uint64(time.Now().UnixMilli()),
		SenderID:     c.localSenderID(),
		HasRecipient: true,
		RecipientID:  wire.BroadcastRecipient,
		Payload:      payload,
	}
	encoded, err := wire.Encode(pkt)
	if err != nil {
		c.log.Errorf("encode presence packet: %v", err)
		return
	}
	if err := c.BLE.Notify(encoded); err != nil {
		c.log.Debugf("broadcast presence: %v", err)
	}
}

const coverTrafficInterval = 2 * time.Minute

// relayStatusPollInterval governs how often a relay's connection state is
// checked for EventRelayStatus; Relay exposes Status() as a plain getter
// rather than a push channel, so the loop polls instead of blocking on it.
const relayStatusPollInterval = 5 * time.Second

// coverTrafficLoop emits dummy ANNOUNCE broadcasts on BLE at a steady
// cadence so a passive observer cannot distinguish genuine presence
// announcements from filler, per SPEC_FULL.md §3. It is only started
// when cfg.Traffic is ProfileUltraLow.
func (c *Core) coverTrafficLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(coverTrafficInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.BLE == nil {
				continue
			}
			dummy := &wire.Packet{
				Type:         wire.TypeAnnounce,
				TTL:          0,
				Timestamp:    uint64(time.Now().UnixMilli()),
				SenderID:     c.localSenderID(),
				HasRecipient: true,
				RecipientID:  wire.BroadcastRecipient,
			}
			if encoded, err := wire.Encode(dummy); err == nil {
				c.BLE.Notify(encoded)
			}
		}
	}
}

// Stop halts every subsystem and closes the durable store.
func (c *Core) Stop() {
	c.log.Infof("stopping core")
	if c.BLE != nil {
		c.broadcastPresence(wire.TypeLeave)
	}
	close(c.stop)
	c.Outbox.Stop()
	c.Sessions.Stop()
	c.Pool.Stop()
	c.wg.Wait()
	c.store.Close()
	close(c.events)
}

// Events returns the single typed event stream the host application
// should range over.
func (c *Core) Events() <-chan Event {
	return c.events
}

func (c *Core) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// Fingerprint returns this node's public identity fingerprint.
func (c *Core) Fingerprint() string {
	return c.identity.FingerprintString()
}

// Peers enumerates every peer currently known to the registry.
func (c *Core) Peers() []*router.PeerRecord {
	return c.Router.Peers.All()
}

// Favorite marks peerID as a mutual favorite eligible for Nostr
// fallback delivery when BLE is unreachable.
func (c *Core) Favorite(peerID string) {
	c.mu.Lock()
	c.favorites[peerID] = true
	c.mu.Unlock()
}

// Unfavorite reverses Favorite.
func (c *Core) Unfavorite(peerID string) {
	c.mu.Lock()
	delete(c.favorites, peerID)
	c.mu.Unlock()
}

// Block prevents peerID's traffic from being relayed or delivered.
func (c *Core) Block(peerID string) {
	c.Router.Peers.SetTrust(peerID, router.Blocked)
}

// Unblock reverses Block.
func (c *Core) Unblock(peerID string) {
	c.Router.Peers.SetTrust(peerID, router.Untrusted)
}

func (c *Core) isBlocked(peerID string) bool {
	return c.Router.Peers.IsBlocked(peerID)
}

// AddRelay connects to a new Nostr relay by URL.
func (c *Core) AddRelay(url string, maxAttempts int) {
	c.log.Infof("adding relay %s", url)
	r := c.Pool.AddRelay(context.Background(), url, maxAttempts)
	c.wg.Add(1)
	go c.nostrInboundLoop(r)
}

// RemoveRelay disconnects and forgets a relay.
func (c *Core) RemoveRelay(url string) {
	c.log.Infof("removing relay %s", url)
	c.Pool.RemoveRelay(url)
}

// SendMessage enqueues an application payload for peerID, to be
// delivered over whichever transport the multiplexer picks when the
// outbox worker next attempts it.
func (c *Core) SendMessage(peerID string, payload []byte, priority outbox.Priority, ttl time.Duration) error {
	now := time.Now()
	messageID := outbox.NewMessageID(now, nil)
	msg := &outbox.Message{
		MessageID: messageID,
		Sender:    c.Fingerprint(),
		Recipient: peerID,
		Payload:   wire.EncodeMessageEnvelope(messageID, payload),
		Priority:  priority,
		CreatedAt: now,
	}
	if ttl <= 0 {
		ttl = c.traffic.DefaultTTL()
	}
	msg.ExpiresAt = now.Add(ttl)
	return c.Outbox.Enqueue(msg)
}

// deliver is the outbox.Sender adapting the Message Manager to the
// transport Multiplexer. payload already carries the envelope-encoded
// message-id wire.EncodeMessageEnvelope produced in SendMessage. If no
// session exists yet for peerID, this is the first DM to an unknown
// peer, so an outbound Noise XX handshake is kicked off alongside the
// send attempt (spec.md §8.1).
func (c *Core) deliver(peerID string, payload []byte) error {
	if _, ok := c.Sessions.Lookup(peerID); !ok {
		if _, err := c.Sessions.Initiate(peerID); err != nil && !errors.Is(err, session.ErrHandshakeInProgress) {
			c.log.Debugf("initiate session with %s: %v", peerID, err)
		}
	}
	return c.Mux.SendOutbound(peerID, c.localSenderID(), wire.TypeMessage, payload)
}

// localSenderID returns this node's identity fingerprint truncated to
// the wire packet's 8-byte sender-id field.
func (c *Core) localSenderID() [8]byte {
	var id [8]byte
	fp := c.identity.FingerprintBytes()
	copy(id[:], fp[:8])
	return id
}

// sendDeliveryAck acknowledges receipt of messageID back to its sender,
// completing the Sent -> Delivered transition on their outbox
// (spec.md §4.10).
func (c *Core) sendDeliveryAck(peerID, messageID string) {
	err := c.Mux.SendOutbound(peerID, c.localSenderID(), wire.TypeDeliveryAck, []byte(messageID))
	if err != nil {
		c.log.Debugf("send delivery ack to %s: %v", peerID, err)
	}
}

// relayPacket forwards a TTL-decremented mesh packet one more hop over
// BLE, the broadcast transport flood relay applies to (spec.md §4.7).
func (c *Core) relayPacket(frame []byte) {
	if c.BLE == nil {
		return
	}
	if err := c.BLE.Notify(frame); err != nil {
		c.log.Debugf("relay packet: %v", err)
	}
}

// reachability answers the multiplexer's question about a peer using
// the registry's transport bookkeeping and the session manager's live
// session table.
func (c *Core) reachability(peerID string) transport.Reachability {
	_, sessionReady := c.Sessions.Lookup(peerID)
	rec, known := c.Router.Peers.Lookup(peerID)

	c.mu.RLock()
	favorite := c.favorites[peerID]
	_, hasNostr := c.nostrPub[peerID]
	c.mu.RUnlock()

	return transport.Reachability{
		BLEConnected:   known && rec.Transport == router.TransportBLE,
		SessionReady:   sessionReady,
		MutualFavorite: favorite,
		NostrEnabled:   hasNostr && len(c.Pool.Relays()) > 0,
	}
}

// SendBLE implements transport.Sender.
func (c *Core) SendBLE(peerID string, frame []byte) error {
	if c.BLE == nil {
		return errors.New("meshcore: BLE transport not configured")
	}
	return c.BLE.Send(peerID, frame)
}

// SendNostr implements transport.Sender by gift-wrapping frame to
// peerID's known Nostr pubkey and fanning it out across every
// connected relay.
func (c *Core) SendNostr(peerID string, frame []byte) error {
	c.mu.RLock()
	pubHex, ok := c.nostrPub[peerID]
	c.mu.RUnlock()
	if !ok {
		return errors.New("meshcore: no known nostr identity for peer")
	}
	recipientPub, err := hexToPubKey(pubHex)
	if err != nil {
		return err
	}

	senderSK, senderPub := c.currentNostrIdentity()
	wrap, err := nostr.GiftWrap(senderSK, senderPub, recipientPub, string(frame))
	if err != nil {
		return err
	}
	c.Pool.PublishNoWait(wrap)
	return nil
}

func (c *Core) onBLEInbound(peerAddr string, data []byte) {
	result, err := c.Mux.HandleInboundBLEFragment(peerAddr, c.peerSenderID(peerAddr), data)
	if err != nil || result == nil {
		return
	}
	c.emitInboundResult(result)
}

// emitInboundResult translates one transport.InboundResult into the
// Core's typed event stream, shared by the BLE and Nostr inbound paths.
func (c *Core) emitInboundResult(result *transport.InboundResult) {
	switch {
	case result.DeliveryAck:
		if err := c.Outbox.MarkDelivered(result.MessageID); err != nil {
			c.log.Debugf("mark delivered %s: %v", result.MessageID, err)
		}
	case result.Delivered:
		c.emit(Event{Kind: EventMessageReceived, PeerID: result.PeerID, Payload: result.Payload})
		if result.MessageID != "" {
			c.sendDeliveryAck(result.PeerID, result.MessageID)
		}
	case result.Announced:
		c.log.Debugf("peer announced: %s (%s)", result.Nickname, result.Fingerprint)
		c.emit(Event{Kind: EventPeerAnnounced, PeerID: result.PeerID})
		if err := c.Outbox.DrainRecipient(result.PeerID); err != nil {
			c.log.Debugf("drain recipient %s: %v", result.PeerID, err)
		}
	case result.Left:
		c.log.Debugf("peer left: %s", result.PeerID)
		c.emit(Event{Kind: EventPeerLeft, PeerID: result.PeerID})
	}

	if result.Relay {
		c.relayPacket(result.RelayFrame)
	}
}

func (c *Core) nostrInboundLoop(r *nostr.Relay) {
	defer c.wg.Done()
	statusTicker := time.NewTicker(relayStatusPollInterval)
	defer statusTicker.Stop()
	lastStatus := r.Status()
	for {
		select {
		case <-c.stop:
			return
		case <-statusTicker.C:
			if s := r.Status(); s != lastStatus {
				lastStatus = s
				c.log.Infof("relay %s status changed to %v", r.URL, s)
				c.emit(Event{Kind: EventRelayStatus, RelayURL: r.URL, RelayStat: s})
			}
		case raw, ok := <-r.Inbound():
			if !ok {
				return
			}
			c.handleNostrFrame(raw)
		}
	}
}

func (c *Core) handleNostrFrame(raw []byte) {
	kind, rest, err := nostr.ParseServerMessage(raw)
	if err != nil || kind != "EVENT" || len(rest) < 2 {
		return
	}
	var wrap nostr.Event
	if err := json.Unmarshal(rest[1], &wrap); err != nil {
		return
	}

	recipientSK, _ := c.currentNostrIdentity()
	plaintext, senderPubHex, err := nostr.OpenGiftWrap(recipientSK, &wrap)
	if err != nil {
		c.log.Debugf("gift wrap not addressed to us or malformed: %v", err)
		return
	}

	peerID := c.peerIDForNostrPub(senderPubHex)
	result, err := c.Mux.HandleInboundNostr(peerID, c.peerSenderID(peerID), []byte(plaintext))
	if err != nil || result == nil {
		return
	}
	c.emitInboundResult(result)
}

func (c *Core) sessionEventLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.Sessions.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case session.EventHandshakeMessage:
				senderID := c.peerSenderID(ev.PeerID)
				msgType := uint8(wire.TypeNoiseHandshakeInit)
				if ev.Role == session.Responder {
					msgType = wire.TypeNoiseHandshakeResp
				}
				if err := c.Mux.SendOutbound(ev.PeerID, senderID, msgType, ev.Bytes); err != nil {
					c.log.Errorf("send handshake message to %s: %v", ev.PeerID, err)
				}
			case session.EventSessionEstablished:
				c.log.Infof("session established with %s (%s)", ev.PeerID, ev.Fingerprint)
				if err := c.Outbox.DrainRecipient(ev.PeerID); err != nil {
					c.log.Debugf("drain recipient %s: %v", ev.PeerID, err)
				}
			case session.EventSessionClosed:
				c.log.Infof("session closed with %s", ev.PeerID)
			case session.EventHandshakeFailed:
				c.log.Errorf("handshake failed with %s: reason %d", ev.PeerID, ev.Reason)
			}
			c.emit(Event{Kind: EventSession, PeerID: ev.PeerID, Session: ev})
		}
	}
}

func (c *Core) peerSenderID(peerID string) [8]byte {
	var id [8]byte
	copy(id[:], peerID)
	return id
}

func (c *Core) peerIDForNostrPub(pubHex string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for peerID, hex := range c.nostrPub {
		if hex == pubHex {
			return peerID
		}
	}
	peerID := "nostr:" + pubHex
	c.nostrPub[peerID] = pubHex
	return peerID
}

// LinkNostrIdentity records peerID's Nostr public key, discovered out
// of band (e.g. from a NIP-05 lookup or a shared QR code), so SendNostr
// knows who to gift-wrap to.
func (c *Core) LinkNostrIdentity(peerID, pubHex string) {
	c.mu.Lock()
	c.nostrPub[peerID] = pubHex
	c.mu.Unlock()
}

func hexToPubKey(pubHex string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, err
	}
	return schnorr.ParsePubKey(b)
}
