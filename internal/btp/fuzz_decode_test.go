package btp

import (
	"testing"

	"ilpnode/internal/ilp"
	"ilpnode/internal/testutil"
)

func FuzzDecodeEnvelope(f *testing.F) {
	f.Add([]byte{6, 0, 0, 0, 1, 5, 0x01, 0x01, 0x00})
	f.Add([]byte{2, 0, 0, 0, 9, 1, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		testutil.Decode(t, data, func(data []byte) {
			env, err := Decode(data)
			if err != nil {
				return
			}
			if _, err := env.Encode(); err != nil {
				t.Fatalf("decoded envelope does not encode: %v", err)
			}
		})
	})
}

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{4, 5, 'T', '0', '1', 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		testutil.Decode(t, data, func(data []byte) {
			_, _ = DecodeFrame(data)
		})
	})
}

func FuzzDecodeRouteUpdate(f *testing.F) {
	u := &RouteUpdate{Speaker: "g.a", Epoch: 1, Routes: []Route{{Prefix: "g.b", Distance: 2}}}
	if raw, err := u.Encode(); err == nil {
		f.Add(raw)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		testutil.Decode(t, data, func(data []byte) {
			u, err := DecodeRouteUpdate(data)
			if err != nil {
				if ilp.AsFailure(err) == nil {
					t.Fatalf("error is not a failure")
				}
				return
			}
			if _, err := u.Encode(); err != nil {
				t.Fatalf("decoded update does not encode: %v", err)
			}
		})
	})
}
