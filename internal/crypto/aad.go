package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a sealed message to its kind and direction.
func BuildAAD(msgType, fromID, toID string) []byte {
	buf := make([]byte, 0, 6+len(msgType)+len(fromID)+len(toID))
	buf = appendField(buf, msgType)
	buf = appendField(buf, fromID)
	buf = appendField(buf, toID)
	return buf
}

func appendField(buf []byte, s string) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	buf = append(buf, tmp[:]...)
	return append(buf, s...)
}
