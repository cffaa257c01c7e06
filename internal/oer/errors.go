package oer

import "fmt"

// ParseError reports where and why decoding stopped. Offset is the byte
// position in the top-level input.
type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("oer: parse failed at offset %d: %s", e.Offset, e.Reason)
}

// SerializeError reports a value the schema cannot represent. Path names the
// field, e.g. "prepare.destination" or "routes[2].distance".
type SerializeError struct {
	Path   string
	Reason string
}

func (e *SerializeError) Error() string {
	if e.Path == "" {
		return "oer: serialize failed: " + e.Reason
	}
	return fmt.Sprintf("oer: serialize failed at %s: %s", e.Path, e.Reason)
}

func serializeErr(path, format string, args ...any) error {
	return &SerializeError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
