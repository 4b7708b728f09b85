package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned by Decode for bytes that are not a valid message:
// unparsable JSON at either layer, an unknown type code, or a payload that
// fails validation. It is distinct from receiving a well-formed Error.
var ErrMalformed = errors.New("malformed message")

// ErrorCode identifies a protocol-level failure reported to a peer.
type ErrorCode int

const (
	CodeDeviceNotFound        ErrorCode = 1
	CodeDeviceConnectionLost  ErrorCode = 2
	CodeKeyInUse              ErrorCode = 3
	CodeQueueFull             ErrorCode = 4
	CodeInvalidMessage        ErrorCode = 5
	CodeKeyNotFound           ErrorCode = 6
	CodeManagerConnectionLost ErrorCode = 7
	// CodeNone means "no error" and is never sent.
	CodeNone ErrorCode = 0xFF
)

var codeMessages = map[ErrorCode]string{
	CodeDeviceNotFound:        "local manager found, but the device is not registered on it",
	CodeDeviceConnectionLost:  "local manager and device found, but the connection to the device was lost",
	CodeKeyInUse:              "registration failed, key already registered",
	CodeQueueFull:             "message queue full, request rejected",
	CodeInvalidMessage:        "invalid message",
	CodeKeyNotFound:           "local manager not found, unknown key",
	CodeManagerConnectionLost: "local manager found, but the connection to it was lost",
	CodeNone:                  "no error",
}

// RejectedName is the name the broker puts in a registration result when
// the key is held by a live session.
var RejectedName = CodeKeyInUse.Message()

// Message returns the fixed human-readable text for c.
func (c ErrorCode) Message() string {
	if m, ok := codeMessages[c]; ok {
		return m
	}
	return fmt.Sprintf("unknown error code %d", int(c))
}

func (c ErrorCode) String() string { return fmt.Sprintf("%d", int(c)) }

// Error is the payload reporting a protocol-level failure. It also
// satisfies the error interface so clients can return it directly.
type Error struct {
	Code ErrorCode `json:"code"`
}

func (Error) Type() MessageType { return TypeError }

func (e Error) Validate() error {
	if e.Code < CodeDeviceNotFound || e.Code > CodeManagerConnectionLost {
		return fmt.Errorf("error: code %d not sendable", int(e.Code))
	}
	return nil
}

func (e Error) Error() string {
	return fmt.Sprintf("relay error %d: %s", int(e.Code), e.Code.Message())
}
