package oer

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Parse decodes b against s. The whole input must be consumed.
func Parse(s Schema, b []byte) (any, error) {
	v, n, err := ParsePrefix(s, b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, &ParseError{Offset: n, Reason: fmt.Sprintf("%d trailing bytes", len(b)-n)}
	}
	return v, nil
}

// ParsePrefix decodes one value of s from the start of b and reports how many
// bytes it consumed.
func ParsePrefix(s Schema, b []byte) (any, int, error) {
	d := decoder{buf: b, end: len(b)}
	v, err := d.value(s)
	if err != nil {
		return nil, 0, err
	}
	return v, d.off, nil
}

type decoder struct {
	buf []byte
	off int
	end int
}

func (d *decoder) failAt(offset int, format string, args ...any) error {
	return &ParseError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.end-d.off < n {
		return nil, d.failAt(d.off, "truncated: need %d bytes, have %d", n, d.end-d.off)
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out, nil
}

func (d *decoder) value(s Schema) (any, error) {
	switch s := s.(type) {
	case UnsignedInt:
		return d.unsigned(s)
	case IA5String:
		return d.ia5(s)
	case OctetString:
		return d.octets(s)
	case Sequence:
		return d.sequence(s)
	case SequenceOf:
		return d.sequenceOf(s)
	case Choice:
		return d.choice(s)
	default:
		return nil, d.failAt(d.off, "unsupported schema %T", s)
	}
}

func (d *decoder) unsigned(s UnsignedInt) (any, error) {
	start := d.off
	switch s.Bits {
	case 8, 16, 32, 64:
		raw, err := d.take(s.Bits / 8)
		if err != nil {
			return nil, err
		}
		var v uint64
		switch s.Bits {
		case 8:
			v = uint64(raw[0])
		case 16:
			v = uint64(binary.BigEndian.Uint16(raw))
		case 32:
			v = uint64(binary.BigEndian.Uint32(raw))
		case 64:
			v = binary.BigEndian.Uint64(raw)
		}
		if s.Max != nil && new(big.Int).SetUint64(v).Cmp(s.Max) > 0 {
			return nil, d.failAt(start, "value %d exceeds maximum %s", v, s.Max)
		}
		return v, nil
	case 0:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, d.failAt(start, "empty integer")
		}
		raw, err := d.take(n)
		if err != nil {
			return nil, err
		}
		if n > 1 && raw[0] == 0 {
			return nil, d.failAt(start, "non-canonical integer: leading zero byte")
		}
		v := new(big.Int).SetBytes(raw)
		if s.Max != nil && v.Cmp(s.Max) > 0 {
			return nil, d.failAt(start, "value %s exceeds maximum %s", v, s.Max)
		}
		return v, nil
	default:
		return nil, d.failAt(start, "unsupported integer width %d", s.Bits)
	}
}

func (d *decoder) sized(fixed, lo, hi int) ([]byte, error) {
	start := d.off
	if fixed > 0 {
		return d.take(fixed)
	}
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	if n < lo {
		return nil, d.failAt(start, "length %d below minimum %d", n, lo)
	}
	if hi > 0 && n > hi {
		return nil, d.failAt(start, "length %d exceeds maximum %d", n, hi)
	}
	return d.take(n)
}

func (d *decoder) ia5(s IA5String) (any, error) {
	raw, err := d.sized(s.Size, s.Min, s.Max)
	if err != nil {
		return nil, err
	}
	base := d.off - len(raw)
	for i, c := range raw {
		if c > 0x7f {
			return nil, d.failAt(base+i, "byte 0x%02x is not IA5", c)
		}
	}
	return string(raw), nil
}

func (d *decoder) octets(s OctetString) (any, error) {
	raw, err := d.sized(s.Size, 0, s.Max)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (d *decoder) sequence(s Sequence) (any, error) {
	optional := s.optionalCount()
	var preamble []byte
	if optional > 0 {
		start := d.off
		raw, err := d.take((optional + 7) / 8)
		if err != nil {
			return nil, err
		}
		pad := len(raw)*8 - optional
		if pad > 0 && raw[len(raw)-1]&(byte(1)<<pad-1) != 0 {
			return nil, d.failAt(start, "non-zero preamble padding")
		}
		preamble = raw
	}
	rec := make(Record, len(s.Fields))
	bit := 0
	for _, f := range s.Fields {
		if f.Optional {
			present := preamble[bit/8]&(0x80>>(bit%8)) != 0
			bit++
			if !present {
				continue
			}
		}
		v, err := d.value(f.Schema)
		if err != nil {
			return nil, err
		}
		rec[f.Name] = v
	}
	return rec, nil
}

func (d *decoder) quantity() (int, error) {
	start := d.off
	n, err := d.length()
	if err != nil {
		return 0, err
	}
	if n == 0 || n > maxLengthBytes {
		return 0, d.failAt(start, "invalid quantity width %d", n)
	}
	raw, err := d.take(n)
	if err != nil {
		return 0, err
	}
	if n > 1 && raw[0] == 0 {
		return 0, d.failAt(start, "non-canonical quantity: leading zero byte")
	}
	var v int
	for _, b := range raw {
		v = v<<8 | int(b)
	}
	return v, nil
}

func (d *decoder) sequenceOf(s SequenceOf) (any, error) {
	start := d.off
	count, err := d.quantity()
	if err != nil {
		return nil, err
	}
	if s.Max > 0 && count > s.Max {
		return nil, d.failAt(start, "%d elements exceed maximum %d", count, s.Max)
	}
	if need := int64(count) * int64(minSize(s.Elem)); need > int64(d.end-d.off) {
		return nil, d.failAt(start, "truncated: %d elements declared, %d bytes remain", count, d.end-d.off)
	}
	out := make([]any, 0, min(count, d.end-d.off))
	for i := 0; i < count; i++ {
		v, err := d.value(s.Elem)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) choice(s Choice) (any, error) {
	start := d.off
	head, err := d.take(1)
	if err != nil {
		return nil, err
	}
	alt, ok := s.byTag(head[0])
	if !ok {
		return nil, d.failAt(start, "unknown choice tag %d", head[0])
	}
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	if d.end-d.off < n {
		return nil, d.failAt(d.off, "truncated: need %d bytes, have %d", n, d.end-d.off)
	}
	outer := d.end
	d.end = d.off + n
	v, err := d.value(alt.Schema)
	if err != nil {
		d.end = outer
		return nil, err
	}
	if d.off != d.end {
		off, trailing := d.off, d.end-d.off
		d.end = outer
		return nil, d.failAt(off, "%d trailing bytes in %s", trailing, alt.Name)
	}
	d.end = outer
	return Variant{Name: alt.Name, Value: v}, nil
}

// minSize is the smallest encoding any value of s can have.
func minSize(s Schema) int {
	switch s := s.(type) {
	case UnsignedInt:
		if s.Bits > 0 {
			return s.Bits / 8
		}
		return 2
	case IA5String:
		if s.Size > 0 {
			return s.Size
		}
		return 1
	case OctetString:
		if s.Size > 0 {
			return s.Size
		}
		return 1
	case Sequence:
		n := (s.optionalCount() + 7) / 8
		for _, f := range s.Fields {
			if !f.Optional {
				n += minSize(f.Schema)
			}
		}
		return n
	case SequenceOf, Choice:
		return 2
	default:
		return 0
	}
}
