// Package outcome defines the result envelope returned by every RPC and
// file-transfer exchange.
//
// An Outcome is either successful (OK with an optional Value) or failed
// (Message, and optionally Errno). Callers must check OK before reading
// Value.
package outcome

import "fmt"

// Outcome is the wire result of a call.
//
// The CBOR keys match the field names so that peers in any language can
// decode it as a plain map.
type Outcome struct {
	OK      bool   `cbor:"OK"`
	Value   any    `cbor:"Value,omitempty"`
	Message string `cbor:"Message,omitempty"`
	Errno   int    `cbor:"Errno,omitempty"`
}

// Ok returns a successful Outcome carrying v.
func Ok(v any) Outcome {
	return Outcome{OK: true, Value: v}
}

// Err returns a failed Outcome with the given message.
func Err(msg string) Outcome {
	return Outcome{Message: msg}
}

// Errf returns a failed Outcome with a formatted message.
func Errf(format string, args ...any) Outcome {
	return Outcome{Message: fmt.Sprintf(format, args...)}
}

// ErrCode returns a failed Outcome with a numeric error code.
func ErrCode(code int, msg string) Outcome {
	return Outcome{Message: msg, Errno: code}
}

func (o Outcome) IsOK() bool {
	return o.OK
}

// AsError converts a failed Outcome into a Go error. A successful Outcome
// yields nil.
func (o Outcome) AsError() error {
	if o.OK {
		return nil
	}
	return &Error{Message: o.Message, Errno: o.Errno}
}

// Error is a failed Outcome seen from the caller side.
type Error struct {
	Message string
	Errno   int
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s (errno %d)", e.Message, e.Errno)
	}
	return e.Message
}

func (o Outcome) String() string {
	if o.OK {
		return fmt.Sprintf("OK(%v)", o.Value)
	}
	return fmt.Sprintf("Error(%s)", o.Message)
}
