// Package padding pads application payloads to one of a small set of
// standard block sizes before encryption, so ciphertext lengths don't leak
// the true message length to a passive observer (spec.md §4.2).
package padding

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
)

// StandardBlockSizes are the buckets a payload is rounded up to. Payloads
// larger than the biggest bucket round up to the next 256-byte multiple
// instead.
var StandardBlockSizes = [...]int{256, 512, 1024, 2048}

const lastResortGranularity = 256

const lengthPrefixSize = 2

var ErrTooLarge = errors.New("padding: payload too large to prefix with a uint16 length")

// TargetSize returns the smallest standard block size that fits
// lengthPrefixSize+payloadLen bytes, or the next multiple of
// lastResortGranularity if the payload exceeds every standard bucket.
func TargetSize(payloadLen int) int {
	need := payloadLen + lengthPrefixSize
	for _, size := range StandardBlockSizes {
		if need <= size {
			return size
		}
	}
	return ((need + lastResortGranularity - 1) / lastResortGranularity) * lastResortGranularity
}

// Pad returns [u16 BE true_length | payload | random padding] sized to
// TargetSize(len(payload)).
func Pad(payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, ErrTooLarge
	}
	target := TargetSize(len(payload))
	out := make([]byte, target)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(payload)))
	copy(out[2:], payload)
	if _, err := rand.Read(out[2+len(payload):]); err != nil {
		return nil, err
	}
	return out, nil
}

// Unpad reverses Pad, reading the length prefix and slicing the true
// payload out of the padded buffer.
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) < lengthPrefixSize {
		return nil, errors.New("padding: buffer shorter than the length prefix")
	}
	trueLen := int(binary.BigEndian.Uint16(padded[0:2]))
	if lengthPrefixSize+trueLen > len(padded) {
		return nil, errors.New("padding: declared length exceeds buffer")
	}
	return padded[lengthPrefixSize : lengthPrefixSize+trueLen], nil
}
