package broker

import (
	"fmt"

	"github.com/homerelay/pkg/protocol"
)

// State is a step of routing one relay message.
type State int

const (
	StateNormal State = iota
	StateKeyNotFound
	StateDeviceClosed
	StateShutdownToDevice
	StateSendError
	StateShutdownFromDevice
	StateDone
	StateDropped
)

var stateNames = [...]string{
	StateNormal:             "NORMAL",
	StateKeyNotFound:        "TOKEY_NOT_FOUND",
	StateDeviceClosed:       "TODEVICE_CLOSED",
	StateShutdownToDevice:   "SHUTDOWN_TODEVICE",
	StateSendError:          "SEND_ERROR",
	StateShutdownFromDevice: "SHUTDOWN_FROMDEVICE",
	StateDone:               "DONE",
	StateDropped:            "DROPPED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether routing has finished.
func (s State) Terminal() bool { return s == StateDone || s == StateDropped }

// Event is what the router observed while acting in a state.
type Event int

const (
	EvForwarded Event = iota
	EvToMissing
	EvForwardFailed
	// EvStep moves through states that only produce effects.
	EvStep
	EvFromMissing
	EvErrorSent
	EvErrorSendFailed
)

// EffectKind says what the router must do when a transition fires.
type EffectKind int

const (
	// EffectSetError fixes the error code carried by the reply.
	EffectSetError EffectKind = iota
	// EffectRemoveTo drops the session the relay was addressed to.
	EffectRemoveTo
	// EffectRemoveFrom drops the session the relay came from.
	EffectRemoveFrom
)

type Effect struct {
	Kind EffectKind
	Code protocol.ErrorCode
}

type transitionKey struct {
	state State
	event Event
}

type transition struct {
	next    State
	effects []Effect
}

var transitions = map[transitionKey]transition{
	{StateNormal, EvForwarded}:     {next: StateDone},
	{StateNormal, EvToMissing}:     {next: StateKeyNotFound},
	{StateNormal, EvForwardFailed}: {next: StateDeviceClosed},

	{StateKeyNotFound, EvStep}: {
		next:    StateSendError,
		effects: []Effect{{Kind: EffectSetError, Code: protocol.CodeKeyNotFound}},
	},
	{StateDeviceClosed, EvStep}: {
		next:    StateShutdownToDevice,
		effects: []Effect{{Kind: EffectSetError, Code: protocol.CodeManagerConnectionLost}},
	},
	{StateShutdownToDevice, EvStep}: {
		next:    StateSendError,
		effects: []Effect{{Kind: EffectRemoveTo}},
	},

	{StateSendError, EvFromMissing}:     {next: StateDropped},
	{StateSendError, EvErrorSent}:       {next: StateDone},
	{StateSendError, EvErrorSendFailed}: {next: StateShutdownFromDevice},

	{StateShutdownFromDevice, EvStep}: {
		next:    StateDropped,
		effects: []Effect{{Kind: EffectRemoveFrom}},
	},
}

// Transition is the routing state machine. A pair it does not know ends
// routing as dropped.
func Transition(s State, ev Event) (State, []Effect) {
	t, ok := transitions[transitionKey{s, ev}]
	if !ok {
		return StateDropped, nil
	}
	return t.next, t.effects
}
