package oer

import (
	"fmt"
	"math/big"
	"sort"
)

// Serialize encodes v against s.
func Serialize(s Schema, v any) ([]byte, error) {
	return appendValue(nil, "", s, v)
}

// MustSerialize is Serialize for values whose shape is fixed at compile time.
// A failure there is a programming error.
func MustSerialize(s Schema, v any) []byte {
	out, err := Serialize(s, v)
	if err != nil {
		panic(err)
	}
	return out
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func appendValue(dst []byte, path string, s Schema, v any) ([]byte, error) {
	switch s := s.(type) {
	case UnsignedInt:
		return appendUnsigned(dst, path, s, v)
	case IA5String:
		str, ok := v.(string)
		if !ok {
			return nil, serializeErr(path, "IA5String needs string, got %T", v)
		}
		for i := 0; i < len(str); i++ {
			if str[i] > 0x7f {
				return nil, serializeErr(path, "byte 0x%02x at %d is not IA5", str[i], i)
			}
		}
		return appendSized(dst, path, s.Size, s.Min, s.Max, []byte(str))
	case OctetString:
		raw, ok := v.([]byte)
		if !ok {
			return nil, serializeErr(path, "OctetString needs []byte, got %T", v)
		}
		return appendSized(dst, path, s.Size, 0, s.Max, raw)
	case Sequence:
		return appendSequence(dst, path, s, v)
	case SequenceOf:
		return appendSequenceOf(dst, path, s, v)
	case Choice:
		return appendChoice(dst, path, s, v)
	default:
		return nil, serializeErr(path, "unsupported schema %T", s)
	}
}

func toBig(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case uint64:
		return new(big.Int).SetUint64(n), true
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint:
		return new(big.Int).SetUint64(uint64(n)), true
	case int:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return n, true
	default:
		return nil, false
	}
}

func appendUnsigned(dst []byte, path string, s UnsignedInt, v any) ([]byte, error) {
	n, ok := toBig(v)
	if !ok {
		return nil, serializeErr(path, "UnsignedInt needs an integer, got %T", v)
	}
	if n.Sign() < 0 {
		return nil, serializeErr(path, "negative value %s", n)
	}
	if s.Max != nil && n.Cmp(s.Max) > 0 {
		return nil, serializeErr(path, "value %s exceeds maximum %s", n, s.Max)
	}
	switch s.Bits {
	case 8, 16, 32, 64:
		if n.BitLen() > s.Bits {
			return nil, serializeErr(path, "value %s does not fit in %d bits", n, s.Bits)
		}
		buf := make([]byte, s.Bits/8)
		n.FillBytes(buf)
		return append(dst, buf...), nil
	case 0:
		raw := n.Bytes()
		if len(raw) == 0 {
			raw = []byte{0}
		}
		dst = AppendLength(dst, len(raw))
		return append(dst, raw...), nil
	default:
		return nil, serializeErr(path, "unsupported integer width %d", s.Bits)
	}
}

func appendSized(dst []byte, path string, fixed, lo, hi int, raw []byte) ([]byte, error) {
	if fixed > 0 {
		if len(raw) != fixed {
			return nil, serializeErr(path, "length %d, need exactly %d", len(raw), fixed)
		}
		return append(dst, raw...), nil
	}
	if len(raw) < lo {
		return nil, serializeErr(path, "length %d below minimum %d", len(raw), lo)
	}
	if hi > 0 && len(raw) > hi {
		return nil, serializeErr(path, "length %d exceeds maximum %d", len(raw), hi)
	}
	dst = AppendLength(dst, len(raw))
	return append(dst, raw...), nil
}

func appendSequence(dst []byte, path string, s Sequence, v any) ([]byte, error) {
	rec, ok := v.(Record)
	if !ok {
		return nil, serializeErr(path, "Sequence needs Record, got %T", v)
	}
	known := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = struct{}{}
	}
	var unknown []string
	for name := range rec {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, serializeErr(path, "unknown fields %v", unknown)
	}

	if optional := s.optionalCount(); optional > 0 {
		preamble := make([]byte, (optional+7)/8)
		bit := 0
		for _, f := range s.Fields {
			if !f.Optional {
				continue
			}
			if rec.Has(f.Name) {
				preamble[bit/8] |= 0x80 >> (bit % 8)
			}
			bit++
		}
		dst = append(dst, preamble...)
	}
	for _, f := range s.Fields {
		fv, present := rec[f.Name]
		if !present {
			if f.Optional {
				continue
			}
			return nil, serializeErr(join(path, f.Name), "missing required field")
		}
		var err error
		dst, err = appendValue(dst, join(path, f.Name), f.Schema, fv)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendSequenceOf(dst []byte, path string, s SequenceOf, v any) ([]byte, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, serializeErr(path, "SequenceOf needs []any, got %T", v)
	}
	if s.Max > 0 && len(items) > s.Max {
		return nil, serializeErr(path, "%d elements exceed maximum %d", len(items), s.Max)
	}
	count := minimalBytes(uint64(len(items)))
	dst = AppendLength(dst, len(count))
	dst = append(dst, count...)
	for i, item := range items {
		var err error
		dst, err = appendValue(dst, fmt.Sprintf("%s[%d]", path, i), s.Elem, item)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendChoice(dst []byte, path string, s Choice, v any) ([]byte, error) {
	sel, ok := v.(Variant)
	if !ok {
		return nil, serializeErr(path, "Choice needs Variant, got %T", v)
	}
	alt, ok := s.byName(sel.Name)
	if !ok {
		return nil, serializeErr(path, "unknown alternative %q", sel.Name)
	}
	body, err := appendValue(nil, join(path, alt.Name), alt.Schema, sel.Value)
	if err != nil {
		return nil, err
	}
	dst = append(dst, alt.Tag)
	dst = AppendLength(dst, len(body))
	return append(dst, body...), nil
}
