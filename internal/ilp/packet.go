// Package ilp holds the Interledger packet model: Prepare, Fulfill and
// Reject, their OER schemas, addresses, timestamps and the Failure taxonomy.
package ilp

import (
	"bytes"
	"crypto/sha256"
	"time"

	"ilpnode/internal/oer"
)

type Type uint8

const (
	TypePrepare Type = 12
	TypeFulfill Type = 13
	TypeReject  Type = 14
)

const (
	MaxDataSize    = 32767
	MaxMessageSize = 8191
)

// Packet is one of *Prepare, *Fulfill or *Reject.
type Packet interface {
	Type() Type
}

type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [32]byte
	Destination        Address
	Data               []byte
}

type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

type Reject struct {
	Code        string
	TriggeredBy Address
	Message     string
	Data        []byte
}

func (*Prepare) Type() Type { return TypePrepare }
func (*Fulfill) Type() Type { return TypeFulfill }
func (*Reject) Type() Type  { return TypeReject }

// Matches reports whether the fulfillment is the SHA-256 preimage of cond.
func (f *Fulfill) Matches(cond [32]byte) bool {
	sum := sha256.Sum256(f.Fulfillment[:])
	return bytes.Equal(sum[:], cond[:])
}

var (
	prepareSchema = oer.Sequence{Fields: []oer.Field{
		{Name: "amount", Schema: oer.UInt64},
		{Name: "expiresAt", Schema: oer.IA5String{Size: TimestampSize}},
		{Name: "executionCondition", Schema: oer.OctetString{Size: 32}},
		{Name: "destination", Schema: oer.IA5String{Min: 1, Max: MaxAddressSize}},
		{Name: "data", Schema: oer.OctetString{Max: MaxDataSize}},
	}}
	fulfillSchema = oer.Sequence{Fields: []oer.Field{
		{Name: "fulfillment", Schema: oer.OctetString{Size: 32}},
		{Name: "data", Schema: oer.OctetString{Max: MaxDataSize}},
	}}
	rejectSchema = oer.Sequence{Fields: []oer.Field{
		{Name: "code", Schema: oer.IA5String{Size: 3}},
		{Name: "triggeredBy", Schema: oer.IA5String{Max: MaxAddressSize}},
		{Name: "message", Schema: oer.OctetString{Max: MaxMessageSize}},
		{Name: "data", Schema: oer.OctetString{Max: MaxDataSize}},
	}}

	// PacketSchema is the ILPv4 envelope: type byte, length, body.
	PacketSchema = oer.Choice{Alternatives: []oer.Alternative{
		{Name: "prepare", Tag: uint8(TypePrepare), Schema: prepareSchema},
		{Name: "fulfill", Tag: uint8(TypeFulfill), Schema: fulfillSchema},
		{Name: "reject", Tag: uint8(TypeReject), Schema: rejectSchema},
	}}
)

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Encode serializes p as an ILPv4 packet.
func Encode(p Packet) ([]byte, error) {
	var sel oer.Variant
	switch p := p.(type) {
	case *Prepare:
		if !p.Destination.Valid() {
			return nil, Failf(KindInvalidPacket, "invalid destination %q", p.Destination)
		}
		expires, err := FormatTime(p.ExpiresAt)
		if err != nil {
			return nil, err
		}
		sel = oer.Variant{Name: "prepare", Value: oer.Record{
			"amount":             p.Amount,
			"expiresAt":          expires,
			"executionCondition": p.ExecutionCondition[:],
			"destination":        string(p.Destination),
			"data":               orEmpty(p.Data),
		}}
	case *Fulfill:
		sel = oer.Variant{Name: "fulfill", Value: oer.Record{
			"fulfillment": p.Fulfillment[:],
			"data":        orEmpty(p.Data),
		}}
	case *Reject:
		sel = oer.Variant{Name: "reject", Value: oer.Record{
			"code":        p.Code,
			"triggeredBy": string(p.TriggeredBy),
			"message":     []byte(p.Message),
			"data":        orEmpty(p.Data),
		}}
	default:
		return nil, Failf(KindSerialize, "unsupported packet %T", p)
	}
	out, err := oer.Serialize(PacketSchema, sel)
	if err != nil {
		return nil, AsFailure(err)
	}
	return out, nil
}

// Decode parses an ILPv4 packet. Every failure is a *Failure: codec errors
// become ParseFailure, bad field contents InvalidPacket.
func Decode(b []byte) (Packet, error) {
	v, err := oer.Parse(PacketSchema, b)
	if err != nil {
		return nil, AsFailure(err)
	}
	sel := v.(oer.Variant)
	rec := sel.Value.(oer.Record)
	switch sel.Name {
	case "prepare":
		expires, err := ParseTime(rec.String("expiresAt"))
		if err != nil {
			return nil, err
		}
		dest := Address(rec.String("destination"))
		if !dest.Valid() {
			return nil, Failf(KindInvalidPacket, "invalid destination %q", dest)
		}
		p := &Prepare{
			Amount:      rec.Uint64("amount"),
			ExpiresAt:   expires,
			Destination: dest,
			Data:        rec.Bytes("data"),
		}
		copy(p.ExecutionCondition[:], rec.Bytes("executionCondition"))
		return p, nil
	case "fulfill":
		f := &Fulfill{Data: rec.Bytes("data")}
		copy(f.Fulfillment[:], rec.Bytes("fulfillment"))
		return f, nil
	default:
		by := Address(rec.String("triggeredBy"))
		if by != "" && !by.Valid() {
			return nil, Failf(KindInvalidPacket, "invalid triggeredBy %q", by)
		}
		return &Reject{
			Code:        rec.String("code"),
			TriggeredBy: by,
			Message:     string(rec.Bytes("message")),
			Data:        rec.Bytes("data"),
		}, nil
	}
}
