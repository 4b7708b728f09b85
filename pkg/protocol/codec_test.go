package protocol

import (
	"errors"
	"testing"
)

// TestEncodeDecode_RoundTrip checks every payload kind survives both layers
func TestEncodeDecode_RoundTrip(t *testing.T) {
	payloads := []Payload{
		Text("hello lamp"),
		Registration{Name: "M1", Role: RoleLocalManager},
		Registration{Name: "C1", Role: RoleRemoteController},
		Registration{Name: RejectedName, Role: RoleResult},
		Relay{FromKey: "C1", ToKey: "M1", Info: "lamp", Data: "on"},
		Error{Code: CodeKeyNotFound},
		Heartbeat{Status: HeartbeatRequest},
		Heartbeat{Status: HeartbeatValid},
	}

	for _, p := range payloads {
		b, err := Encode(p)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", p, err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode(%s): %v", b, err)
		}
		if got != p {
			t.Errorf("round trip mismatch: got %#v, want %#v", got, p)
		}
		again, err := Encode(got)
		if err != nil {
			t.Fatalf("re-Encode: %v", err)
		}
		if string(again) != string(b) {
			t.Errorf("encoding not stable: %s vs %s", again, b)
		}
	}
}

func TestEncode_TextIsNotDoubleQuoted(t *testing.T) {
	b := MustEncode(Text("on"))
	if string(b) != `{"type":0,"data":"on"}` {
		t.Errorf("unexpected text envelope %s", b)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":           `hello`,
		"unknown type":       `{"type":9,"data":"{}"}`,
		"negative type":      `{"type":-1,"data":"x"}`,
		"bad inner json":     `{"type":2,"data":"{not json"}`,
		"empty inner":        `{"type":4,"data":""}`,
		"relay missing key":  `{"type":2,"data":"{\"fromKey\":\"C1\",\"info\":\"lamp\",\"data\":\"on\"}"}`,
		"heartbeat bad":      `{"type":4,"data":"{\"status\":7}"}`,
		"heartbeat missing":  `{"type":4,"data":"{}"}`,
		"error none":         `{"type":3,"data":"{\"code\":255}"}`,
		"error missing code": `{"type":3,"data":"{}"}`,
		"registration role":  `{"type":1,"data":"{\"name\":\"M1\"}"}`,
		"empty text":         `{"type":0,"data":""}`,
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode(%s) err = %v, want ErrMalformed", in, err)
			}
		})
	}
}

// TestDecode_ErrorPayloadIsNotMalformed makes sure a received Error is a
// normal payload and not a decode failure.
func TestDecode_ErrorPayloadIsNotMalformed(t *testing.T) {
	p, err := Decode(MustEncode(Error{Code: CodeQueueFull}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	e, ok := p.(Error)
	if !ok {
		t.Fatalf("got %T, want Error", p)
	}
	if e.Code != CodeQueueFull {
		t.Errorf("code = %d, want %d", e.Code, CodeQueueFull)
	}
}

func TestRelay_ReplyAndErrorReply(t *testing.T) {
	req := Relay{FromKey: "C1", ToKey: "M1", Info: "lamp", Data: "on"}

	reply := req.Reply(string(MustEncode(Text("ok"))))
	if reply.FromKey != "M1" || reply.ToKey != "C1" || reply.Info != "lamp" {
		t.Errorf("reply keys not reversed: %+v", reply)
	}
	inner, err := reply.Unwrap()
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if inner != Text("ok") {
		t.Errorf("Unwrap = %#v, want Text(ok)", inner)
	}

	errReply, err := req.ErrorReply(CodeKeyNotFound)
	if err != nil {
		t.Fatalf("ErrorReply: %v", err)
	}
	if !errReply.IsErrorReply() {
		t.Errorf("error reply not marked: %+v", errReply)
	}
	if errReply.FromKey != "M1" || errReply.ToKey != "C1" {
		t.Errorf("error reply keys not reversed: %+v", errReply)
	}
	inner, err = errReply.Unwrap()
	if err != nil {
		t.Fatalf("Unwrap error reply: %v", err)
	}
	if e, ok := inner.(Error); !ok || e.Code != CodeKeyNotFound {
		t.Errorf("error reply carries %#v, want code 6", inner)
	}
}

func TestRegistration_Result(t *testing.T) {
	ok := Registration{Name: "M1", Role: RoleResult}
	if !ok.Accepted("M1") || ok.Rejected() {
		t.Errorf("accepted result misread: %+v", ok)
	}
	rej := Registration{Name: RejectedName, Role: RoleResult}
	if rej.Accepted("M1") || !rej.Rejected() {
		t.Errorf("rejected result misread: %+v", rej)
	}
}

func TestErrorCode_Messages(t *testing.T) {
	for c := CodeDeviceNotFound; c <= CodeManagerConnectionLost; c++ {
		if c.Message() == "" {
			t.Errorf("code %d has no message", c)
		}
		if err := (Error{Code: c}).Validate(); err != nil {
			t.Errorf("code %d should be sendable: %v", c, err)
		}
	}
	if CodeNone.Message() != "no error" {
		t.Errorf("CodeNone message = %q", CodeNone.Message())
	}
	if err := (Error{Code: CodeNone}).Validate(); err == nil {
		t.Errorf("CodeNone must not be sendable")
	}
}
