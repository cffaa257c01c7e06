// Package btp defines the peer-transport envelope exchanged between directly
// connected nodes and the control payloads it carries.
package btp

import (
	"errors"
	"fmt"
	"time"

	"ilpnode/internal/oer"
)

type Type uint8

const (
	TypeResponse Type = 1
	TypeError    Type = 2
	TypeMessage  Type = 6
	TypeTransfer Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeResponse:
		return "response"
	case TypeError:
		return "error"
	case TypeMessage:
		return "message"
	case TypeTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

type ContentType uint8

const (
	ContentOctetStream ContentType = 0
	ContentTextPlain   ContentType = 1
	ContentJSON        ContentType = 2
)

// Sub-protocol names carried in protocol data.
const (
	ProtocolILP          = "ilp"
	ProtocolRouteUpdate  = "route_update"
	ProtocolRouteControl = "route_control"
)

const triggeredAtLayout = "20060102150405.000Z"

var ErrUnknownType = errors.New("btp: unknown envelope type")

type Protocol struct {
	Name        string
	ContentType ContentType
	Data        []byte
}

// ErrorInfo is the body of an Error envelope.
type ErrorInfo struct {
	Code        string
	Name        string
	TriggeredAt time.Time
	Data        []byte
}

// Envelope is one peer-transport message. Amount is only meaningful for
// Transfer and Error only for Error envelopes.
type Envelope struct {
	Type      Type
	RequestID uint32
	Amount    uint64
	Error     *ErrorInfo
	Protocols []Protocol
}

var (
	envelopeSchema = oer.Sequence{Fields: []oer.Field{
		{Name: "type", Schema: oer.UInt8},
		{Name: "requestId", Schema: oer.UInt32},
		{Name: "data", Schema: oer.OctetString{}},
	}}
	protocolDataSchema = oer.SequenceOf{Elem: oer.Sequence{Fields: []oer.Field{
		{Name: "protocolName", Schema: oer.IA5String{Min: 1, Max: 255}},
		{Name: "contentType", Schema: oer.UInt8},
		{Name: "data", Schema: oer.OctetString{}},
	}}}
	messageSchema = oer.Sequence{Fields: []oer.Field{
		{Name: "protocolData", Schema: protocolDataSchema},
	}}
	transferSchema = oer.Sequence{Fields: []oer.Field{
		{Name: "amount", Schema: oer.UInt64},
		{Name: "protocolData", Schema: protocolDataSchema},
	}}
	errorSchema = oer.Sequence{Fields: []oer.Field{
		{Name: "code", Schema: oer.IA5String{Size: 3}},
		{Name: "name", Schema: oer.IA5String{}},
		{Name: "triggeredAt", Schema: oer.IA5String{}},
		{Name: "data", Schema: oer.OctetString{}},
		{Name: "protocolData", Schema: protocolDataSchema},
	}}
)

func bodySchema(t Type) (oer.Sequence, bool) {
	switch t {
	case TypeResponse, TypeMessage:
		return messageSchema, true
	case TypeTransfer:
		return transferSchema, true
	case TypeError:
		return errorSchema, true
	default:
		return oer.Sequence{}, false
	}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Protocol returns the first protocol data entry with the given name.
func (e *Envelope) Protocol(name string) (Protocol, bool) {
	for _, p := range e.Protocols {
		if p.Name == name {
			return p, true
		}
	}
	return Protocol{}, false
}

func (e *Envelope) Encode() ([]byte, error) {
	schema, ok := bodySchema(e.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, e.Type)
	}
	protocols := make([]any, 0, len(e.Protocols))
	for _, p := range e.Protocols {
		protocols = append(protocols, oer.Record{
			"protocolName": p.Name,
			"contentType":  uint64(p.ContentType),
			"data":         nonNil(p.Data),
		})
	}
	body := oer.Record{"protocolData": protocols}
	switch e.Type {
	case TypeTransfer:
		body["amount"] = e.Amount
	case TypeError:
		info := e.Error
		if info == nil {
			return nil, errors.New("btp: error envelope without error info")
		}
		body["code"] = info.Code
		body["name"] = info.Name
		body["triggeredAt"] = info.TriggeredAt.UTC().Format(triggeredAtLayout)
		body["data"] = nonNil(info.Data)
	}
	data, err := oer.Serialize(schema, body)
	if err != nil {
		return nil, err
	}
	return oer.Serialize(envelopeSchema, oer.Record{
		"type":      uint64(e.Type),
		"requestId": uint64(e.RequestID),
		"data":      data,
	})
}

func Decode(b []byte) (*Envelope, error) {
	v, err := oer.Parse(envelopeSchema, b)
	if err != nil {
		return nil, err
	}
	head := v.(oer.Record)
	env := &Envelope{
		Type:      Type(head.Uint64("type")),
		RequestID: uint32(head.Uint64("requestId")),
	}
	schema, ok := bodySchema(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, env.Type)
	}
	bv, err := oer.Parse(schema, head.Bytes("data"))
	if err != nil {
		return nil, err
	}
	body := bv.(oer.Record)
	for _, item := range body.List("protocolData") {
		rec := item.(oer.Record)
		env.Protocols = append(env.Protocols, Protocol{
			Name:        rec.String("protocolName"),
			ContentType: ContentType(rec.Uint64("contentType")),
			Data:        rec.Bytes("data"),
		})
	}
	switch env.Type {
	case TypeTransfer:
		env.Amount = body.Uint64("amount")
	case TypeError:
		at, err := time.Parse(triggeredAtLayout, body.String("triggeredAt"))
		if err != nil {
			return nil, fmt.Errorf("btp: bad triggeredAt: %w", err)
		}
		env.Error = &ErrorInfo{
			Code:        body.String("code"),
			Name:        body.String("name"),
			TriggeredAt: at,
			Data:        body.Bytes("data"),
		}
	}
	return env, nil
}
