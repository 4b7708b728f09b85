// Package protocol defines the relay wire format: a two-layer JSON envelope
// whose outer layer names the payload kind and whose inner layer is the
// payload itself, serialized to a string.
package protocol

import "fmt"

// MessageType discriminates the payload carried in an Envelope.
type MessageType int

const (
	TypeText         MessageType = 0
	TypeRegistration MessageType = 1
	TypeRelay        MessageType = 2
	TypeError        MessageType = 3
	TypeHeartbeat    MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeRegistration:
		return "registration"
	case TypeRelay:
		return "relay"
	case TypeError:
		return "error"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

func (t MessageType) known() bool {
	return t >= TypeText && t <= TypeHeartbeat
}

// Envelope is the outer layer of every message on the wire.
type Envelope struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

// Payload is implemented by every message kind.
type Payload interface {
	Type() MessageType
	Validate() error
}

// Role identifies who is registering.
type Role int

const (
	RoleRemoteController Role = 0
	RoleLocalManager     Role = 1
	// RoleResult only appears in the broker's reply to a registration.
	RoleResult Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleRemoteController:
		return "controller"
	case RoleLocalManager:
		return "manager"
	case RoleResult:
		return "result"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Registration is sent by a client to claim a key, and echoed back by the
// broker with Role set to RoleResult.
type Registration struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

func (Registration) Type() MessageType { return TypeRegistration }

func (r Registration) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("registration: empty name")
	}
	switch r.Role {
	case RoleRemoteController, RoleLocalManager, RoleResult:
		return nil
	}
	return fmt.Errorf("registration: unknown role %d", int(r.Role))
}

// Accepted reports whether a RoleResult registration carries the key that
// was asked for.
func (r Registration) Accepted(key string) bool {
	return r.Role == RoleResult && r.Name == key
}

// Rejected reports whether the broker refused the key because a live
// session already holds it.
func (r Registration) Rejected() bool {
	return r.Role == RoleResult && r.Name == RejectedName
}

// HeartbeatStatus is either a request for an echo or the echo itself.
type HeartbeatStatus int

const (
	HeartbeatValid   HeartbeatStatus = 0
	HeartbeatRequest HeartbeatStatus = 1
)

// Heartbeat is the liveness probe exchanged on every session.
type Heartbeat struct {
	Status HeartbeatStatus `json:"status"`
}

func (Heartbeat) Type() MessageType { return TypeHeartbeat }

func (h Heartbeat) Validate() error {
	if h.Status != HeartbeatValid && h.Status != HeartbeatRequest {
		return fmt.Errorf("heartbeat: unknown status %d", int(h.Status))
	}
	return nil
}

// ErrorReplyInfo marks a Relay as a broker-originated error reply.
const ErrorReplyInfo = "ErrorMessage"

// Relay carries opaque data from one key to another. Info is the device name
// on the local manager, or ErrorReplyInfo.
type Relay struct {
	FromKey string `json:"fromKey"`
	ToKey   string `json:"toKey"`
	Info    string `json:"info"`
	Data    string `json:"data"`
}

func (Relay) Type() MessageType { return TypeRelay }

func (r Relay) Validate() error {
	switch {
	case r.FromKey == "":
		return fmt.Errorf("relay: empty fromKey")
	case r.ToKey == "":
		return fmt.Errorf("relay: empty toKey")
	case r.Info == "":
		return fmt.Errorf("relay: empty info")
	case r.Data == "":
		return fmt.Errorf("relay: empty data")
	}
	return nil
}

// IsErrorReply reports whether the broker generated this relay to report a
// routing failure.
func (r Relay) IsErrorReply() bool { return r.Info == ErrorReplyInfo }

// Reply returns the answer to r: keys swapped, same info, new data.
func (r Relay) Reply(data string) Relay {
	return Relay{FromKey: r.ToKey, ToKey: r.FromKey, Info: r.Info, Data: data}
}

// ErrorReply builds the broker's error answer to r.
func (r Relay) ErrorReply(code ErrorCode) (Relay, error) {
	data, err := Encode(Error{Code: code})
	if err != nil {
		return Relay{}, err
	}
	return Relay{FromKey: r.ToKey, ToKey: r.FromKey, Info: ErrorReplyInfo, Data: string(data)}, nil
}

// Unwrap decodes Data as an envelope. Replies from a local manager and the
// broker carry either Text or Error here.
func (r Relay) Unwrap() (Payload, error) {
	return Decode([]byte(r.Data))
}

func (r Relay) String() string {
	return fmt.Sprintf("relay %s -> %s [%s]", r.FromKey, r.ToKey, r.Info)
}

// Text is a plain text message. Its envelope data is the text itself.
type Text string

func (Text) Type() MessageType { return TypeText }

func (t Text) Validate() error {
	if t == "" {
		return fmt.Errorf("text: empty")
	}
	return nil
}
