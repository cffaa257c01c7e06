package oer

import "math"

const maxLengthBytes = 4

// AppendLength appends an OER length determinant: one byte below 128,
// otherwise 0x80|n followed by n big-endian bytes.
func AppendLength(dst []byte, n int) []byte {
	if n < 0x80 {
		return append(dst, byte(n))
	}
	raw := minimalBytes(uint64(n))
	dst = append(dst, 0x80|byte(len(raw)))
	return append(dst, raw...)
}

// LengthSize reports how many bytes AppendLength writes for n.
func LengthSize(n int) int {
	if n < 0x80 {
		return 1
	}
	return 1 + len(minimalBytes(uint64(n)))
}

// ReadLength decodes a canonical length determinant from the start of b and
// returns the length and the bytes consumed.
func ReadLength(b []byte) (int, int, error) {
	d := decoder{buf: b, end: len(b)}
	n, err := d.length()
	if err != nil {
		return 0, 0, err
	}
	return n, d.off, nil
}

func (d *decoder) length() (int, error) {
	start := d.off
	head, err := d.take(1)
	if err != nil {
		return 0, err
	}
	if head[0]&0x80 == 0 {
		return int(head[0]), nil
	}
	n := int(head[0] & 0x7f)
	if n == 0 {
		return 0, d.failAt(start, "indefinite length form")
	}
	if n > maxLengthBytes {
		return 0, d.failAt(start, "length-of-length %d exceeds %d", n, maxLengthBytes)
	}
	raw, err := d.take(n)
	if err != nil {
		return 0, err
	}
	if raw[0] == 0 {
		return 0, d.failAt(start, "non-canonical length: leading zero byte")
	}
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	if v < 0x80 {
		return 0, d.failAt(start, "non-canonical length: long form for %d", v)
	}
	if v > math.MaxInt32 {
		return 0, d.failAt(start, "length %d out of range", v)
	}
	return int(v), nil
}

func minimalBytes(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var tmp [8]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte(v)
		v >>= 8
	}
	out := make([]byte, len(tmp)-i)
	copy(out, tmp[i:])
	return out
}
