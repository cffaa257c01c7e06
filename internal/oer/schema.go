// Package oer implements canonical Octet Encoding Rules for the wire types
// used between connectors.
//
// A Schema is a tagged description of one wire type. Parse and Serialize
// interpret any Schema with one generic engine, so packet and envelope
// definitions are plain data rather than hand-written codecs.
//
// Value mapping:
//   - UnsignedInt with fixed Bits  -> uint64
//   - UnsignedInt with Bits == 0   -> *big.Int
//   - IA5String                    -> string
//   - OctetString                  -> []byte
//   - Sequence                     -> Record
//   - SequenceOf                   -> []any
//   - Choice                       -> Variant
package oer

import "math/big"

type Kind uint8

const (
	KindUnsignedInt Kind = iota + 1
	KindIA5String
	KindOctetString
	KindSequence
	KindSequenceOf
	KindChoice
)

func (k Kind) String() string {
	switch k {
	case KindUnsignedInt:
		return "UnsignedInt"
	case KindIA5String:
		return "IA5String"
	case KindOctetString:
		return "OctetString"
	case KindSequence:
		return "Sequence"
	case KindSequenceOf:
		return "SequenceOf"
	case KindChoice:
		return "Choice"
	default:
		return "unknown"
	}
}

// Schema is implemented by the six schema variants below.
type Schema interface {
	Kind() Kind
}

// UnsignedInt is a fixed-width big-endian integer when Bits is 8, 16, 32 or
// 64, and a length-prefixed arbitrary precision integer when Bits is 0.
type UnsignedInt struct {
	Bits int
	Max  *big.Int
}

// IA5String is a 7-bit ASCII string. Size > 0 means fixed size with no length
// prefix; otherwise the length is prefixed and bounded by Min and Max (Max 0
// means unbounded).
type IA5String struct {
	Size int
	Min  int
	Max  int
}

// OctetString is raw bytes, fixed when Size > 0, otherwise length-prefixed and
// bounded by Max (0 means unbounded).
type OctetString struct {
	Size int
	Max  int
}

type Field struct {
	Name     string
	Schema   Schema
	Optional bool
}

// Sequence is a fixed-order list of named fields. Optional fields are
// announced by a preamble bitmap.
type Sequence struct {
	Fields []Field
}

// SequenceOf is a quantity-prefixed homogeneous list.
type SequenceOf struct {
	Elem Schema
	Max  int
}

type Alternative struct {
	Name   string
	Tag    uint8
	Schema Schema
}

// Choice encodes a one-byte tag followed by the selected alternative as a
// length-prefixed open type.
type Choice struct {
	Alternatives []Alternative
}

func (UnsignedInt) Kind() Kind { return KindUnsignedInt }
func (IA5String) Kind() Kind   { return KindIA5String }
func (OctetString) Kind() Kind { return KindOctetString }
func (Sequence) Kind() Kind    { return KindSequence }
func (SequenceOf) Kind() Kind  { return KindSequenceOf }
func (Choice) Kind() Kind      { return KindChoice }

var (
	UInt8   = UnsignedInt{Bits: 8}
	UInt16  = UnsignedInt{Bits: 16}
	UInt32  = UnsignedInt{Bits: 32}
	UInt64  = UnsignedInt{Bits: 64}
	VarUInt = UnsignedInt{}
)

func (c Choice) byTag(tag uint8) (Alternative, bool) {
	for _, alt := range c.Alternatives {
		if alt.Tag == tag {
			return alt, true
		}
	}
	return Alternative{}, false
}

func (c Choice) byName(name string) (Alternative, bool) {
	for _, alt := range c.Alternatives {
		if alt.Name == name {
			return alt, true
		}
	}
	return Alternative{}, false
}

func (s Sequence) optionalCount() int {
	n := 0
	for _, f := range s.Fields {
		if f.Optional {
			n++
		}
	}
	return n
}

// Record is the value of a Sequence. An optional field is present iff its
// key is set.
type Record map[string]any

func (r Record) Has(name string) bool {
	_, ok := r[name]
	return ok
}

func (r Record) Uint64(name string) uint64 {
	v, _ := r[name].(uint64)
	return v
}

func (r Record) Big(name string) *big.Int {
	v, _ := r[name].(*big.Int)
	return v
}

func (r Record) String(name string) string {
	v, _ := r[name].(string)
	return v
}

func (r Record) Bytes(name string) []byte {
	v, _ := r[name].([]byte)
	return v
}

func (r Record) Record(name string) Record {
	v, _ := r[name].(Record)
	return v
}

func (r Record) List(name string) []any {
	v, _ := r[name].([]any)
	return v
}

// Variant is the value of a Choice.
type Variant struct {
	Name  string
	Value any
}
