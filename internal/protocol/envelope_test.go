package protocol

import (
	stdErrors "errors"
	"testing"

	xerrors "AgentFi-Mesh/internal/errors"
)

func TestMessageTypeValid(t *testing.T) {
	for _, valid := range []MessageType{
		TypeRiskAssess, TypeRiskResult, TypeYieldQuery, TypeYieldResult,
		TypeChat, TypeChatReply, TypeExecuteProposal, TypeExecAccepted, TypeExecRejected,
	} {
		if !valid.Valid() {
			t.Fatalf("%s should be valid", valid)
		}
	}
	if MessageType("PING").Valid() {
		t.Fatal("unknown tag must not be valid")
	}
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeChat, "api.replies", ChatPayload{Text: "hi"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.IsError() {
		t.Fatal("fresh envelope must not be an error")
	}

	var payload ChatPayload
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Text != "hi" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope("risk-agent", "missing portfolio")
	if !env.IsError() {
		t.Fatal("expected error envelope")
	}
	if env.Type != "" || len(env.Payload) != 0 {
		t.Fatalf("error envelope must carry no type or payload: %+v", env)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	env := Envelope{Type: TypeChat}
	err := env.Decode(&ChatPayload{})
	if err == nil {
		t.Fatal("expected error for empty payload")
	}
	if !stdErrors.Is(err, xerrors.New(xerrors.CodeMissingRequiredField, "")) {
		t.Fatalf("expected MISSING_REQUIRED_FIELD, got %v", err)
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	env := Envelope{Type: TypeChat, Payload: []byte(`{"text": 5}`)}
	err := env.Decode(&ChatPayload{})
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if !stdErrors.Is(err, xerrors.New(xerrors.CodeMalformedInput, "")) {
		t.Fatalf("expected MALFORMED_INPUT, got %v", err)
	}
}
