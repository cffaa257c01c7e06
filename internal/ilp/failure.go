package ilp

import (
	"errors"
	"fmt"

	"ilpnode/internal/oer"
)

// Kind classifies every protocol-level failure the node can produce.
type Kind uint8

const (
	KindInternal Kind = iota
	KindParse
	KindSerialize
	KindInvalidPacket
	KindInsufficientTimeout
	KindInsufficientLiquidity
	KindUnreachable
	KindWrongCondition
	KindDecryption
	KindExpired
	KindUnavailable
)

// Error codes carried in Reject packets.
const (
	CodeBadRequest            = "F00"
	CodeInvalidPacket         = "F01"
	CodeUnreachable           = "F02"
	CodeWrongCondition        = "F05"
	CodeInternalError         = "T00"
	CodePeerUnreachable       = "T01"
	CodeInsufficientLiquidity = "T04"
	CodeTransferTimedOut      = "R00"
	CodeInsufficientTimeout   = "R02"
)

var kindNames = [...]string{
	KindInternal:              "Internal",
	KindParse:                 "ParseFailure",
	KindSerialize:             "SerializeFailure",
	KindInvalidPacket:         "InvalidPacket",
	KindInsufficientTimeout:   "InsufficientTimeout",
	KindInsufficientLiquidity: "InsufficientLiquidity",
	KindUnreachable:           "Unreachable",
	KindWrongCondition:        "WrongCondition",
	KindDecryption:            "DecryptionFailure",
	KindExpired:               "Expired",
	KindUnavailable:           "Unavailable",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Code returns the Reject code a failure of this kind maps to.
func (k Kind) Code() string {
	switch k {
	case KindParse, KindInvalidPacket:
		return CodeInvalidPacket
	case KindInsufficientTimeout:
		return CodeInsufficientTimeout
	case KindInsufficientLiquidity:
		return CodeInsufficientLiquidity
	case KindUnreachable:
		return CodeUnreachable
	case KindWrongCondition:
		return CodeWrongCondition
	case KindDecryption:
		return CodePeerUnreachable
	case KindExpired:
		return CodeTransferTimedOut
	case KindSerialize, KindUnavailable, KindInternal:
		return CodeInternalError
	default:
		return CodeInternalError
	}
}

// Failure is a protocol outcome, not a crash. It travels as an error value
// and ends up as the code and message of a Reject.
type Failure struct {
	Kind        Kind
	Code        string
	Message     string
	TriggeredBy Address
}

func (f *Failure) Error() string {
	return fmt.Sprintf("ilp: %s (%s): %s", f.Kind, f.Code, f.Message)
}

// Failf builds a Failure with the kind's default code.
func Failf(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Code: kind.Code(), Message: fmt.Sprintf(format, args...)}
}

// AsFailure maps any error onto a Failure. Codec errors keep their kind;
// anything unrecognised becomes an internal error.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	var pe *oer.ParseError
	if errors.As(err, &pe) {
		return Failf(KindParse, "%s", pe.Error())
	}
	var se *oer.SerializeError
	if errors.As(err, &se) {
		return Failf(KindSerialize, "%s", se.Error())
	}
	return Failf(KindInternal, "%s", err.Error())
}

// Reject converts f into the packet returned to the sender. A Failure with
// its own TriggeredBy keeps it.
func (f *Failure) Reject(triggeredBy Address) *Reject {
	by := triggeredBy
	if f.TriggeredBy != "" {
		by = f.TriggeredBy
	}
	msg := f.Message
	if len(msg) > MaxMessageSize {
		msg = msg[:MaxMessageSize]
	}
	return &Reject{Code: f.Code, TriggeredBy: by, Message: msg}
}
