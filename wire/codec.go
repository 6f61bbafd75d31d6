// Package wire implements the binary framing used to carry packets over the
// BLE mesh and the Nostr overlay: a fixed 14-byte header, optional recipient
// and signature fields, and fragmentation for payloads beyond a transport's
// MTU.
package wire

import (
	"encoding/binary"
	"errors"
)

// Protocol version. Only one version is defined; a packet carrying any
// other value is rejected by Decode.
const Version = 1

// MaxTTL bounds the number of mesh hops a packet may still travel.
const MaxTTL = 7

// MaxPayloadSize is the largest payload Encode will accept.
const MaxPayloadSize = 65535

// BroadcastRecipient is the sentinel recipient id meaning "every peer".
var BroadcastRecipient = [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Message types (spec.md §3).
const (
	TypeAnnounce               = 0x01
	TypeLeave                  = 0x03
	TypeMessage                = 0x04
	TypeFragmentStart          = 0x05
	TypeFragmentContinue       = 0x06
	TypeFragmentEnd            = 0x07
	TypeDeliveryAck            = 0x0A
	TypeDeliveryStatusRequest  = 0x0B
	TypeReadReceipt            = 0x0C
	TypeNoiseHandshakeInit     = 0x10
	TypeNoiseHandshakeResp     = 0x11
	TypeNoiseEncrypted         = 0x12
	TypeNoiseIdentityAnnounce  = 0x13
	TypeVersionHello           = 0x20
	TypeVersionAck             = 0x21
	TypeProtocolAck            = 0x22
	TypeProtocolNack           = 0x23
	TypeHandshakeRequest       = 0x25 // reserved, carried through opaquely
	TypeMeshRelay              = 0x26 // reserved, carried through opaquely
	TypeFavorited              = 0x30
	TypeUnfavorited            = 0x31
)

// Flag bits.
const (
	FlagHasRecipient  = 0x01
	FlagHasSignature  = 0x02
	FlagIsCompressed  = 0x04
	flagReservedMask  = ^byte(FlagHasRecipient | FlagHasSignature | FlagIsCompressed)
)

const (
	headerSize    = 14
	senderIDSize  = 8
	recipientSize = 8
	signatureSize = 64
)

var (
	ErrOversizedPayload        = errors.New("wire: payload exceeds MESSAGE_MAX_SIZE")
	ErrTruncatedHeader         = errors.New("wire: buffer shorter than the 14-byte header")
	ErrTruncatedBody           = errors.New("wire: announced payload length exceeds remaining buffer")
	ErrUnknownVersion          = errors.New("wire: unknown protocol version")
	ErrInvalidTTL              = errors.New("wire: ttl exceeds MAX_TTL")
	ErrReservedFlagsSet        = errors.New("wire: reserved flag bits must be zero")
)

// Packet is the in-memory form of the wire packet described in spec.md §3/§6.
type Packet struct {
	Type        uint8
	TTL         uint8
	Timestamp   uint64 // milliseconds since epoch
	Flags       uint8
	SenderID    [8]byte
	RecipientID [8]byte // only meaningful when HasRecipient is true
	HasRecipient bool
	Payload     []byte
	Signature   [64]byte // only meaningful when HasSignature is true
	HasSignature bool
}

// IsBroadcast reports whether the packet's recipient is the broadcast id.
func (p *Packet) IsBroadcast() bool {
	return p.HasRecipient && p.RecipientID == BroadcastRecipient
}

// Encode serializes p per the wire format. The returned slice is owned by
// the caller. Encode never mutates p.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrOversizedPayload
	}

	flags := p.Flags &^ (FlagHasRecipient | FlagHasSignature)
	if p.HasRecipient {
		flags |= FlagHasRecipient
	}
	if p.HasSignature {
		flags |= FlagHasSignature
	}

	size := headerSize + senderIDSize + len(p.Payload)
	if p.HasRecipient {
		size += recipientSize
	}
	if p.HasSignature {
		size += signatureSize
	}

	buf := make([]byte, size)
	buf[0] = Version
	buf[1] = p.Type
	buf[2] = p.TTL
	binary.BigEndian.PutUint64(buf[3:11], p.Timestamp)
	buf[11] = flags
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(p.Payload)))

	off := headerSize
	copy(buf[off:off+senderIDSize], p.SenderID[:])
	off += senderIDSize

	if p.HasRecipient {
		copy(buf[off:off+recipientSize], p.RecipientID[:])
		off += recipientSize
	}

	copy(buf[off:off+len(p.Payload)], p.Payload)
	off += len(p.Payload)

	if p.HasSignature {
		copy(buf[off:off+signatureSize], p.Signature[:])
		off += signatureSize
	}

	return buf, nil
}

// Decode parses a wire packet. The decoder is strict: unknown flag bits,
// an unknown version, or an invalid TTL are all rejected rather than
// silently ignored.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < headerSize {
		return nil, ErrTruncatedHeader
	}

	p := &Packet{}
	version := buf[0]
	if version != Version {
		return nil, ErrUnknownVersion
	}
	p.Type = buf[1]
	p.TTL = buf[2]
	if p.TTL > MaxTTL {
		return nil, ErrInvalidTTL
	}
	p.Timestamp = binary.BigEndian.Uint64(buf[3:11])
	flags := buf[11]
	if flags&flagReservedMask != 0 {
		return nil, ErrReservedFlagsSet
	}
	p.Flags = flags
	p.HasRecipient = flags&FlagHasRecipient != 0
	p.HasSignature = flags&FlagHasSignature != 0
	payloadLen := int(binary.BigEndian.Uint16(buf[12:14]))

	off := headerSize
	need := senderIDSize + payloadLen
	if p.HasRecipient {
		need += recipientSize
	}
	if p.HasSignature {
		need += signatureSize
	}
	if len(buf)-off < need {
		return nil, ErrTruncatedBody
	}

	copy(p.SenderID[:], buf[off:off+senderIDSize])
	off += senderIDSize

	if p.HasRecipient {
		copy(p.RecipientID[:], buf[off:off+recipientSize])
		off += recipientSize
	}

	p.Payload = append([]byte(nil), buf[off:off+payloadLen]...)
	off += payloadLen

	if p.HasSignature {
		copy(p.Signature[:], buf[off:off+signatureSize])
		off += signatureSize
	}

	return p, nil
}

// EncodedSize returns the exact byte length Encode would produce for a
// packet with the given payload length and optional fields, without
// allocating. Callers use it to decide whether a packet must be
// fragmented before it fits a transport's MTU.
func EncodedSize(payloadLen int, hasRecipient, hasSignature bool) int {
	size := headerSize + senderIDSize + payloadLen
	if hasRecipient {
		size += recipientSize
	}
	if hasSignature {
		size += signatureSize
	}
	return size
}

var ErrTruncatedEnvelope = errors.New("wire: message envelope truncated")

// EncodeMessageEnvelope builds a MESSAGE payload carrying the durable
// outbox message-id alongside the application payload, so the recipient
// can echo the id back in a DELIVERY_ACK (spec.md §4.10).
func EncodeMessageEnvelope(messageID string, payload []byte) []byte {
	buf := make([]byte, 0, 1+len(messageID)+len(payload))
	buf = append(buf, byte(len(messageID)))
	buf = append(buf, messageID...)
	buf = append(buf, payload...)
	return buf
}

// DecodeMessageEnvelope reverses EncodeMessageEnvelope.
func DecodeMessageEnvelope(raw []byte) (messageID string, payload []byte, err error) {
	if len(raw) < 1 {
		return "", nil, ErrTruncatedEnvelope
	}
	idLen := int(raw[0])
	raw = raw[1:]
	if len(raw) < idLen {
		return "", nil, ErrTruncatedEnvelope
	}
	return string(raw[:idLen]), raw[idLen:], nil
}

var ErrTruncatedAnnounce = errors.New("wire: announce payload truncated")

// EncodeAnnouncePayload builds the ANNOUNCE/LEAVE payload carrying a
// peer's nickname and fingerprint (spec.md §4.7/§7: "ANNOUNCE inserts or
// refreshes (nickname, static_public, last_seen)"), each length-prefixed
// by a single byte so both stay well under MaxPayloadSize.
func EncodeAnnouncePayload(nickname, fingerprint string) []byte {
	buf := make([]byte, 0, 2+len(nickname)+len(fingerprint))
	buf = append(buf, byte(len(nickname)))
	buf = append(buf, nickname...)
	buf = append(buf, byte(len(fingerprint)))
	buf = append(buf, fingerprint...)
	return buf
}

// DecodeAnnouncePayload reverses EncodeAnnouncePayload.
func DecodeAnnouncePayload(payload []byte) (nickname, fingerprint string, err error) {
	if len(payload) < 1 {
		return "", "", ErrTruncatedAnnounce
	}
	nickLen := int(payload[0])
	payload = payload[1:]
	if len(payload) < nickLen+1 {
		return "", "", ErrTruncatedAnnounce
	}
	nickname = string(payload[:nickLen])
	payload = payload[nickLen:]

	fpLen := int(payload[0])
	payload = payload[1:]
	if len(payload) < fpLen {
		return "", "", ErrTruncatedAnnounce
	}
	fingerprint = string(payload[:fpLen])
	return nickname, fingerprint, nil
}
