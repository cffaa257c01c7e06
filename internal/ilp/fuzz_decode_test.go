package ilp

import (
	"bytes"
	"testing"

	"ilpnode/internal/testutil"
)

func FuzzDecodePacket(f *testing.F) {
	f.Add([]byte{14, 9, 'F', '0', '2', 0, 0, 0})
	f.Add([]byte{13, 34, 0x01})
	f.Fuzz(func(t *testing.T, data []byte) {
		testutil.Decode(t, data, func(data []byte) {
			p, err := Decode(data)
			if err != nil {
				if _, ok := err.(*Failure); !ok {
					t.Fatalf("decode error %T is not a *Failure", err)
				}
				return
			}
			out, err := Encode(p)
			if err != nil {
				t.Fatalf("decoded packet does not encode: %v", err)
			}
			if !bytes.Equal(out, data) {
				t.Fatalf("accepted non-canonical packet %x, canonical %x", data, out)
			}
		})
	})
}
