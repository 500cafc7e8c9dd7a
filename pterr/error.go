// Package pterr defines the error taxonomy shared by the packet decoder,
// edge reconstructor, trace cache, and bitmap handler.
package pterr

import "fmt"

// Severity mirrors the decoder's reaction to an error: Warning conditions
// are recoverable (best-effort mode resyncs at the next PSB), Fatal
// conditions abort the decode outright regardless of mode.
type Severity int

const (
	SevWarning Severity = iota
	SevFatal
)

func (s Severity) String() string {
	if s == SevFatal {
		return "FATAL"
	}
	return "WARNING"
}

// Code classifies what went wrong during decode or reconstruction.
type Code int

const (
	OK Code = iota
	TruncatedPacket
	UnknownOpcode
	UnsupportedFeature
	DesyncedTNT
	DesyncedTIP
	InstructionDecodeError
	MemoryUnavailable
	SemanticMismatch
	HandlerError
)

var codeNames = map[Code]string{
	OK:                     "OK",
	TruncatedPacket:        "TRUNCATED_PACKET",
	UnknownOpcode:          "UNKNOWN_OPCODE",
	UnsupportedFeature:     "UNSUPPORTED_FEATURE",
	DesyncedTNT:            "DESYNCED_TNT",
	DesyncedTIP:            "DESYNCED_TIP",
	InstructionDecodeError: "INSTRUCTION_DECODE_ERROR",
	MemoryUnavailable:      "MEMORY_UNAVAILABLE",
	SemanticMismatch:       "SEMANTIC_MISMATCH",
	HandlerError:           "HANDLER_ERROR",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "UNKNOWN_CODE"
}

// ByteOffsetUnknown marks an Error not tied to a specific trace offset.
const ByteOffsetUnknown int64 = -1

// Error is the error type returned from every exported decode/reconstruct
// operation. It wraps an underlying cause where one exists so callers can
// still errors.Is/errors.As through to it.
type Error struct {
	Code       Code
	Sev        Severity
	ByteOffset int64
	Msg        string
	Wrapped    error
}

func New(sev Severity, code Code, byteOffset int64, msg string) *Error {
	return &Error{Code: code, Sev: sev, ByteOffset: byteOffset, Msg: msg}
}

func Wrap(sev Severity, code Code, byteOffset int64, msg string, cause error) *Error {
	return &Error{Code: code, Sev: sev, ByteOffset: byteOffset, Msg: msg, Wrapped: cause}
}

func (e *Error) Error() string {
	if e.ByteOffset == ByteOffsetUnknown {
		return fmt.Sprintf("%s %s: %s", e.Sev, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s %s @%d: %s", e.Sev, e.Code, e.ByteOffset, e.Msg)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Fatal reports whether this error should abort the decode even in
// best-effort mode.
func (e *Error) Fatal() bool { return e.Sev == SevFatal }
