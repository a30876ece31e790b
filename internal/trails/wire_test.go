package trails

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestDecodeRegisterFrame(t *testing.T) {
	id := uuid.New()
	identity, _ := NewHubIdentity()
	raw, _ := json.Marshal(map[string]any{
		"type":     "register",
		"app_id":   id.String(),
		"app_name": "worker-1",
		"pub_key":  identity.PublicKeyString(),
		"process_info": map[string]any{
			"pid":      42,
			"hostname": "node-a",
		},
		"role_refs": []string{"batch"},
	})
	frameType, frame, err := decodeClientFrame(raw)
	if err != nil {
		t.Fatalf("decode register: %v", err)
	}
	if frameType != frameRegister {
		t.Fatalf("expected register, got %s", frameType)
	}
	reg, ok := frame.(*RegisterFrame)
	if !ok {
		t.Fatalf("expected *RegisterFrame, got %T", frame)
	}
	if reg.AppID != id || reg.AppName != "worker-1" || reg.Process.PID != 42 {
		t.Fatalf("register fields not preserved: %+v", reg)
	}
}

func TestDecodeMessageFrameRejectsUnknownKind(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"type":   "message",
		"app_id": uuid.NewString(),
		"header": map[string]any{
			"msg_type":  "Bogus",
			"timestamp": 1,
			"seq":       1,
		},
		"payload": map[string]any{},
	})
	if _, _, err := decodeClientFrame(raw); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestDecodeUnknownFrameType(t *testing.T) {
	if _, _, err := decodeClientFrame([]byte(`{"type":"mystery"}`)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error for unknown type, got %v", err)
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	if _, _, err := decodeClientFrame([]byte(`{"type":`)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error for invalid json, got %v", err)
	}
}

func TestSigningBytesDeterministic(t *testing.T) {
	header := MsgHeader{MsgType: "Status", Timestamp: 99, Seq: 7, CorrelationID: "c-1"}
	payload := json.RawMessage(`{"phase":"warm"}`)
	first := signingBytes(header, payload)
	second := signingBytes(header, payload)
	if !bytes.Equal(first, second) {
		t.Fatalf("signing bytes are not deterministic")
	}
	other := signingBytes(MsgHeader{MsgType: "Status", Timestamp: 99, Seq: 8}, payload)
	if bytes.Equal(first, other) {
		t.Fatalf("different headers must produce different signing bytes")
	}
}

func TestSigningRoundTripAcrossKinds(t *testing.T) {
	identity, _ := NewHubIdentity()
	id := uuid.New()
	inputs := [][]byte{
		registrationSigningBytes(id, identity.PublicKeyString()),
		disconnectSigningBytes(id, "completed"),
		controlAckSigningBytes(id, "corr-1", json.RawMessage(`{"ok":true}`)),
	}
	for i, data := range inputs {
		sig := identity.Sign(data)
		if err := VerifyDetached(identity.PublicKeyString(), sig, data); err != nil {
			t.Fatalf("input %d failed verification: %v", i, err)
		}
	}
}
