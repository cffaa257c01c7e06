package ilp

import (
	"regexp"
	"strings"
)

const MaxAddressSize = 1023

var addressPattern = regexp.MustCompile(`^(g|private|example|peer|self|test[1-3]?|local)([.][a-zA-Z0-9_~-]+)+$`)

// Address is a dot-separated ILP address such as "g.example.bob".
type Address string

func (a Address) Valid() bool {
	return len(a) <= MaxAddressSize && addressPattern.MatchString(string(a))
}

// HasPrefix reports whether a equals prefix or lies below it on a segment
// boundary: "g.a.b" is under "g.a", "g.ab" is not.
func (a Address) HasPrefix(prefix Address) bool {
	if a == prefix {
		return true
	}
	return strings.HasPrefix(string(a), string(prefix)+".")
}

// Parent strips the last segment, returning "" at the scheme.
func (a Address) Parent() Address {
	i := strings.LastIndexByte(string(a), '.')
	if i < 0 {
		return ""
	}
	return a[:i]
}

func (a Address) String() string {
	return string(a)
}
