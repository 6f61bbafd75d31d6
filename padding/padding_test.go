package padding

import (
	"bytes"
	"testing"
)

func TestPadBucketing(t *testing.T) {
	cases := []struct {
		payloadLen int
		want       int
	}{
		{0, 256},
		{254, 256},
		{255, 512}, // 255+2 > 256
		{510, 512},
		{1022, 1024},
		{2046, 2048},
		{2047, 2304}, // next 256-multiple past the largest bucket
	}
	for _, c := range cases {
		if got := TargetSize(c.payloadLen); got != c.want {
			t.Errorf("TargetSize(%d) = %d, want %d", c.payloadLen, got, c.want)
		}
	}
}

func TestPadUnpadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 100, 255, 1000, 5000} {
		payload := bytes.Repeat([]byte{0x5A}, n)
		padded, err := Pad(payload)
		if err != nil {
			t.Fatalf("Pad(%d): %v", n, err)
		}

		found := false
		for _, size := range StandardBlockSizes {
			if len(padded) == size {
				found = true
			}
		}
		if !found && len(padded)%256 != 0 {
			t.Errorf("padded length %d is not a standard bucket or 256-multiple", len(padded))
		}

		unpadded, err := Unpad(padded)
		if err != nil {
			t.Fatalf("Unpad(%d): %v", n, err)
		}
		if !bytes.Equal(unpadded, payload) {
			t.Fatalf("round-trip mismatch for length %d", n)
		}
	}
}
