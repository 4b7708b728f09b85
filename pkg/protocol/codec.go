package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode wraps p in an Envelope and serializes both layers.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode: nil payload")
	}
	var data string
	if t, ok := p.(Text); ok {
		data = string(t)
	} else {
		inner, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", p.Type(), err)
		}
		data = string(inner)
	}
	out, err := json.Marshal(Envelope{Type: p.Type(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// MustEncode is Encode for payloads built from constants. It panics on error.
func MustEncode(p Payload) []byte {
	b, err := Encode(p)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeEnvelope parses the outer layer only.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !env.Type.known() {
		return Envelope{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, int(env.Type))
	}
	return env, nil
}

// Decode parses both layers and validates the payload. Every failure wraps
// ErrMalformed.
func Decode(b []byte) (Payload, error) {
	env, err := DecodeEnvelope(b)
	if err != nil {
		return nil, err
	}
	var p Payload
	switch env.Type {
	case TypeText:
		p = Text(env.Data)
	case TypeRegistration:
		r := Registration{Role: -1}
		err = decodeInner(env.Data, &r)
		p = r
	case TypeRelay:
		var r Relay
		err = decodeInner(env.Data, &r)
		p = r
	case TypeError:
		e := Error{Code: CodeNone}
		err = decodeInner(env.Data, &e)
		p = e
	case TypeHeartbeat:
		h := Heartbeat{Status: -1}
		err = decodeInner(env.Data, &h)
		p = h
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

func decodeInner(data string, v any) error {
	if data == "" {
		return fmt.Errorf("empty data")
	}
	return json.Unmarshal([]byte(data), v)
}
