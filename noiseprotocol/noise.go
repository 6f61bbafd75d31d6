package noiseprotocol

import (
	"errors"
)

// ProtocolName is the literal Noise protocol name the handshake hash is
// initialized from (spec.md §6): 32 ASCII bytes, exactly the size of h, so
// it is copied in as-is with no zero padding and no hashing.
const ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

// Role identifies which side of the three-message XX exchange a
// HandshakeState plays.
type Role int

const (
	Initiator Role = iota
	Responder
)

var (
	ErrUnexpectedHandshakeMessage = errors.New("noiseprotocol: handshake message out of turn")
	ErrHandshakeComplete          = errors.New("noiseprotocol: handshake already completed")
)

const (
	ephemeralSize    = KeySize
	encryptedKeySize = KeySize + 16 // static key ciphertext + Poly1305 tag
)

// HandshakeState drives one side of a Noise_XX handshake (spec.md §4.5).
// It is rejective: writing or reading out of turn, or after completion,
// fails rather than silently advancing.
type HandshakeState struct {
	role      Role
	symmetric SymmetricState

	localStatic    PrivateKey
	localStaticPub PublicKey

	localEphemeral    PrivateKey
	localEphemeralPub PublicKey
	remoteEphemeral   PublicKey
	remoteStatic      PublicKey

	msgIndex  int
	completed bool
	failed    bool
}

// NewHandshakeState starts a fresh handshake for the given role, using
// localStatic as this node's long-term Curve25519 identity.
func NewHandshakeState(role Role, localStatic PrivateKey) *HandshakeState {
	hs := &HandshakeState{
		role:           role,
		localStatic:    localStatic,
		localStaticPub: localStatic.Public(),
	}
	hs.symmetric.InitializeSymmetric(ProtocolName)
	return hs
}

// RemoteStatic returns the peer's static public key, valid once the
// handshake has consumed the message that carries it (message 2 for the
// initiator, message 3 for the responder).
func (hs *HandshakeState) RemoteStatic() PublicKey {
	return hs.remoteStatic
}

// HandshakeHash returns the retained channel-binding hash (spec.md §4.5).
func (hs *HandshakeState) HandshakeHash() [32]byte {
	return hs.symmetric.HandshakeHash()
}

// Completed reports whether Split has been performed.
func (hs *HandshakeState) Completed() bool {
	return hs.completed
}

func (hs *HandshakeState) expectWrite(step int) error {
	if hs.failed {
		return ErrUnexpectedHandshakeMessage
	}
	if hs.completed {
		return ErrHandshakeComplete
	}
	if hs.msgIndex != step {
		hs.failed = true
		return ErrUnexpectedHandshakeMessage
	}
	return nil
}

// WriteMessage produces the next handshake message this role is due to
// send, embedding payload (commonly empty, or an identity-announce blob).
func (hs *HandshakeState) WriteMessage(payload []byte) ([]byte, error) {
	switch {
	case hs.role == Initiator && hs.msgIndex == 0:
		return hs.writeMessage1(payload)
	case hs.role == Responder && hs.msgIndex == 1:
		return hs.writeMessage2(payload)
	case hs.role == Initiator && hs.msgIndex == 2:
		return hs.writeMessage3(payload)
	default:
		if err := hs.expectWrite(hs.msgIndex); err != nil {
			return nil, err
		}
		return nil, ErrUnexpectedHandshakeMessage
	}
}

// ReadMessage consumes the next handshake message from the peer, returning
// any payload it carried.
func (hs *HandshakeState) ReadMessage(msg []byte) ([]byte, error) {
	switch {
	case hs.role == Responder && hs.msgIndex == 0:
		return hs.readMessage1(msg)
	case hs.role == Initiator && hs.msgIndex == 1:
		return hs.readMessage2(msg)
	case hs.role == Responder && hs.msgIndex == 2:
		return hs.readMessage3(msg)
	default:
		hs.failed = true
		return nil, ErrUnexpectedHandshakeMessage
	}
}

// message 1: -> e
func (hs *HandshakeState) writeMessage1(payload []byte) ([]byte, error) {
	e, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	hs.localEphemeral = e
	hs.localEphemeralPub = e.Public()
	hs.symmetric.MixHash(hs.localEphemeralPub[:])

	encPayload, err := hs.symmetric.EncryptAndHash(payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, ephemeralSize+len(encPayload))
	out = append(out, hs.localEphemeralPub[:]...)
	out = append(out, encPayload...)
	hs.msgIndex++
	return out, nil
}

func (hs *HandshakeState) readMessage1(msg []byte) ([]byte, error) {
	if len(msg) < ephemeralSize {
		hs.failed = true
		return nil, ErrUnexpectedHandshakeMessage
	}
	copy(hs.remoteEphemeral[:], msg[:ephemeralSize])
	hs.symmetric.MixHash(hs.remoteEphemeral[:])

	payload, err := hs.symmetric.DecryptAndHash(msg[ephemeralSize:])
	if err != nil {
		hs.failed = true
		return nil, err
	}
	hs.msgIndex++
	return payload, nil
}

// message 2: <- e, ee, s, es
func (hs *HandshakeState) writeMessage2(payload []byte) ([]byte, error) {
	e, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	hs.localEphemeral = e
	hs.localEphemeralPub = e.Public()
	hs.symmetric.MixHash(hs.localEphemeralPub[:])

	ee := hs.localEphemeral.DH(hs.remoteEphemeral)
	hs.symmetric.MixKey(ee[:])

	encStatic, err := hs.symmetric.EncryptAndHash(hs.localStaticPub[:])
	if err != nil {
		return nil, err
	}

	es := hs.localStatic.DH(hs.remoteEphemeral)
	hs.symmetric.MixKey(es[:])

	encPayload, err := hs.symmetric.EncryptAndHash(payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, ephemeralSize+len(encStatic)+len(encPayload))
	out = append(out, hs.localEphemeralPub[:]...)
	out = append(out, encStatic...)
	out = append(out, encPayload...)
	hs.msgIndex++
	return out, nil
}

func (hs *HandshakeState) readMessage2(msg []byte) ([]byte, error) {
	if len(msg) < ephemeralSize+encryptedKeySize {
		hs.failed = true
		return nil, ErrUnexpectedHandshakeMessage
	}
	copy(hs.remoteEphemeral[:], msg[:ephemeralSize])
	hs.symmetric.MixHash(hs.remoteEphemeral[:])

	ee := hs.localEphemeral.DH(hs.remoteEphemeral)
	hs.symmetric.MixKey(ee[:])

	staticCipher := msg[ephemeralSize : ephemeralSize+encryptedKeySize]
	staticPlain, err := hs.symmetric.DecryptAndHash(staticCipher)
	if err != nil {
		hs.failed = true
		return nil, err
	}
	copy(hs.remoteStatic[:], staticPlain)

	es := hs.localEphemeral.DH(hs.remoteStatic)
	hs.symmetric.MixKey(es[:])

	payload, err := hs.symmetric.DecryptAndHash(msg[ephemeralSize+encryptedKeySize:])
	if err != nil {
		hs.failed = true
		return nil, err
	}
	hs.msgIndex++
	return payload, nil
}

// message 3: -> s, se
func (hs *HandshakeState) writeMessage3(payload []byte) ([]byte, error) {
	encStatic, err := hs.symmetric.EncryptAndHash(hs.localStaticPub[:])
	if err != nil {
		return nil, err
	}

	se := hs.localStatic.DH(hs.remoteEphemeral)
	hs.symmetric.MixKey(se[:])

	encPayload, err := hs.symmetric.EncryptAndHash(payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(encStatic)+len(encPayload))
	out = append(out, encStatic...)
	out = append(out, encPayload...)
	hs.msgIndex++
	hs.completed = true
	return out, nil
}

func (hs *HandshakeState) readMessage3(msg []byte) ([]byte, error) {
	if len(msg) < encryptedKeySize {
		hs.failed = true
		return nil, ErrUnexpectedHandshakeMessage
	}
	staticPlain, err := hs.symmetric.DecryptAndHash(msg[:encryptedKeySize])
	if err != nil {
		hs.failed = true
		return nil, err
	}
	copy(hs.remoteStatic[:], staticPlain)

	se := hs.localEphemeral.DH(hs.remoteStatic)
	hs.symmetric.MixKey(se[:])

	payload, err := hs.symmetric.DecryptAndHash(msg[encryptedKeySize:])
	if err != nil {
		hs.failed = true
		return nil, err
	}
	hs.msgIndex++
	hs.completed = true
	return payload, nil
}

// Split derives the two transport cipher states once the handshake has
// completed. Both roles get (send, receive): the initiator sends with the
// first split cipher and receives with the second; the responder takes the
// mirror, sending with the second and receiving with the first.
func (hs *HandshakeState) Split() (send, receive CipherState, err error) {
	if !hs.completed {
		return CipherState{}, CipherState{}, errors.New("noiseprotocol: handshake not yet completed")
	}
	c1, c2 := hs.symmetric.Split()
	if hs.role == Initiator {
		return c1, c2, nil
	}
	return c2, c1, nil
}
