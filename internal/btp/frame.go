package btp

import (
	"fmt"

	"ilpnode/internal/oer"
)

const (
	KeySize   = 32
	NonceSize = 24
)

// Frame is what travels on the wire between two nodes: a handshake, its
// acknowledgement, a sealed envelope or a transport error.
type Frame interface {
	frameName() string
}

// Handshake opens a session. It doubles as node registration: the static key
// identifies the sender, URL and Alias are sent when non-empty.
type Handshake struct {
	NodeID       string
	StaticKey    [KeySize]byte
	EphemeralKey [KeySize]byte
	URL          string
	Alias        string
}

type HandshakeAck struct {
	NodeID       string
	StaticKey    [KeySize]byte
	EphemeralKey [KeySize]byte
}

// Sealed carries an AEAD-protected envelope from NodeID.
type Sealed struct {
	NodeID     string
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// FrameError reports a transport-level failure, e.g. an unknown session.
type FrameError struct {
	Code    string
	Message string
}

func (*Handshake) frameName() string    { return "handshake" }
func (*HandshakeAck) frameName() string { return "handshakeAck" }
func (*Sealed) frameName() string       { return "sealed" }
func (*FrameError) frameName() string   { return "error" }

var (
	nodeIDSchema = oer.IA5String{Min: 1, Max: 128}

	frameSchema = oer.Choice{Alternatives: []oer.Alternative{
		{Name: "handshake", Tag: 1, Schema: oer.Sequence{Fields: []oer.Field{
			{Name: "nodeId", Schema: nodeIDSchema},
			{Name: "staticKey", Schema: oer.OctetString{Size: KeySize}},
			{Name: "ephemeralKey", Schema: oer.OctetString{Size: KeySize}},
			{Name: "url", Schema: oer.IA5String{Min: 1, Max: 2048}, Optional: true},
			{Name: "alias", Schema: oer.IA5String{Min: 1, Max: 255}, Optional: true},
		}}},
		{Name: "handshakeAck", Tag: 2, Schema: oer.Sequence{Fields: []oer.Field{
			{Name: "nodeId", Schema: nodeIDSchema},
			{Name: "staticKey", Schema: oer.OctetString{Size: KeySize}},
			{Name: "ephemeralKey", Schema: oer.OctetString{Size: KeySize}},
		}}},
		{Name: "sealed", Tag: 3, Schema: oer.Sequence{Fields: []oer.Field{
			{Name: "nodeId", Schema: nodeIDSchema},
			{Name: "nonce", Schema: oer.OctetString{Size: NonceSize}},
			{Name: "ciphertext", Schema: oer.OctetString{}},
		}}},
		{Name: "error", Tag: 4, Schema: oer.Sequence{Fields: []oer.Field{
			{Name: "code", Schema: oer.IA5String{Size: 3}},
			{Name: "message", Schema: oer.IA5String{Max: 8191}},
		}}},
	}}
)

func EncodeFrame(f Frame) ([]byte, error) {
	var rec oer.Record
	switch f := f.(type) {
	case *Handshake:
		rec = oer.Record{
			"nodeId":       f.NodeID,
			"staticKey":    f.StaticKey[:],
			"ephemeralKey": f.EphemeralKey[:],
		}
		if f.URL != "" {
			rec["url"] = f.URL
		}
		if f.Alias != "" {
			rec["alias"] = f.Alias
		}
	case *HandshakeAck:
		rec = oer.Record{
			"nodeId":       f.NodeID,
			"staticKey":    f.StaticKey[:],
			"ephemeralKey": f.EphemeralKey[:],
		}
	case *Sealed:
		rec = oer.Record{
			"nodeId":     f.NodeID,
			"nonce":      f.Nonce[:],
			"ciphertext": nonNil(f.Ciphertext),
		}
	case *FrameError:
		rec = oer.Record{"code": f.Code, "message": f.Message}
	default:
		return nil, fmt.Errorf("btp: unsupported frame %T", f)
	}
	return oer.Serialize(frameSchema, oer.Variant{Name: f.frameName(), Value: rec})
}

func DecodeFrame(b []byte) (Frame, error) {
	v, err := oer.Parse(frameSchema, b)
	if err != nil {
		return nil, err
	}
	sel := v.(oer.Variant)
	rec := sel.Value.(oer.Record)
	switch sel.Name {
	case "handshake":
		h := &Handshake{NodeID: rec.String("nodeId"), URL: rec.String("url"), Alias: rec.String("alias")}
		copy(h.StaticKey[:], rec.Bytes("staticKey"))
		copy(h.EphemeralKey[:], rec.Bytes("ephemeralKey"))
		return h, nil
	case "handshakeAck":
		a := &HandshakeAck{NodeID: rec.String("nodeId")}
		copy(a.StaticKey[:], rec.Bytes("staticKey"))
		copy(a.EphemeralKey[:], rec.Bytes("ephemeralKey"))
		return a, nil
	case "sealed":
		s := &Sealed{NodeID: rec.String("nodeId"), Ciphertext: rec.Bytes("ciphertext")}
		copy(s.Nonce[:], rec.Bytes("nonce"))
		return s, nil
	default:
		return &FrameError{Code: rec.String("code"), Message: rec.String("message")}, nil
	}
}
