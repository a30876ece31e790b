package trails

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Inbound frame types.
const (
	frameRegister   = "register"
	frameReRegister = "re_register"
	frameMessage    = "message"
	frameDisconnect = "disconnect"
	frameControlAck = "control_ack"
)

// Outbound frame types.
const (
	frameRegistered   = "registered"
	frameAck          = "ack"
	frameControl      = "control"
	frameServerError  = "error"
	frameShuttingDown = "hub_shutting_down"
)

// MsgHeader is the header sub-object of a data frame.
type MsgHeader struct {
	MsgType       string `json:"msg_type"`
	Timestamp     int64  `json:"timestamp"`
	Seq           int64  `json:"seq"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// RegisterFrame is the first message on a fresh transport.
type RegisterFrame struct {
	AppID    uuid.UUID   `json:"app_id"`
	ParentID *uuid.UUID  `json:"parent_id,omitempty"`
	AppName  string      `json:"app_name"`
	PubKey   string      `json:"pub_key"`
	Process  ProcessInfo `json:"process_info"`
	RoleRefs []string    `json:"role_refs,omitempty"`
	Sig      string      `json:"sig,omitempty"`
}

// ReRegisterFrame is the first message on a reconnecting transport.
type ReRegisterFrame struct {
	AppID   uuid.UUID `json:"app_id"`
	LastSeq int64     `json:"last_seq"`
	PubKey  string    `json:"pub_key"`
	Sig     string    `json:"sig,omitempty"`
}

// DataFrame carries a Status, Result, or Error payload.
type DataFrame struct {
	AppID   uuid.UUID       `json:"app_id"`
	Header  MsgHeader       `json:"header"`
	Payload json.RawMessage `json:"payload"`
	Sig     string          `json:"sig,omitempty"`
}

// DisconnectFrame is a graceful termination with a reason.
type DisconnectFrame struct {
	AppID  uuid.UUID `json:"app_id"`
	Reason string    `json:"reason"`
	Sig    string    `json:"sig,omitempty"`
}

// ControlAckFrame acknowledges an earlier outbound control.
type ControlAckFrame struct {
	AppID         uuid.UUID       `json:"app_id"`
	CorrelationID string          `json:"correlation_id"`
	Result        json.RawMessage `json:"result,omitempty"`
	Sig           string          `json:"sig,omitempty"`
}

// RegisteredFrame acknowledges register / re_register. LastPersistedSeq
// reports the hub's durable view so the client can detect loss.
type RegisteredFrame struct {
	Type             string    `json:"type"`
	AppID            uuid.UUID `json:"app_id"`
	ServerPubKey     string    `json:"server_pub_key"`
	LastPersistedSeq int64     `json:"last_persisted_seq"`
}

// AckFrame acknowledges one inbound data message.
type AckFrame struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
}

// ControlFrame is an outbound control message. Action is opaque to the hub.
type ControlFrame struct {
	Type          string          `json:"type"`
	Action        string          `json:"action"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Sig           string          `json:"sig,omitempty"`
}

// ServerErrorFrame reports a protocol error to the client.
type ServerErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ShuttingDownFrame hints that the hub is going away and clients should
// expect to re-register.
type ShuttingDownFrame struct {
	Type string `json:"type"`
}

type frameProbe struct {
	Type string `json:"type"`
}

// decodeClientFrame parses one inbound frame, validating it against the
// embedded schema for its type before unmarshaling into the typed struct.
func decodeClientFrame(data []byte) (string, any, error) {
	var probe frameProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", nil, fmt.Errorf("%w: invalid json: %v", ErrProtocol, err)
	}
	frameType := strings.TrimSpace(probe.Type)
	if err := validateFrame(frameType, data); err != nil {
		return frameType, nil, err
	}
	switch frameType {
	case frameRegister:
		var f RegisterFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return frameType, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return frameType, &f, nil
	case frameReRegister:
		var f ReRegisterFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return frameType, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return frameType, &f, nil
	case frameMessage:
		var f DataFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return frameType, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if _, ok := ParseMsgKind(f.Header.MsgType); !ok {
			return frameType, nil, fmt.Errorf("%w: unknown msg_type %q", ErrProtocol, f.Header.MsgType)
		}
		return frameType, &f, nil
	case frameDisconnect:
		var f DisconnectFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return frameType, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return frameType, &f, nil
	case frameControlAck:
		var f ControlAckFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return frameType, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return frameType, &f, nil
	default:
		return frameType, nil, fmt.Errorf("%w: unknown frame type %q", ErrProtocol, frameType)
	}
}

// signingBytes is the canonical serialization of (header, payload) that a
// detached signature covers: the compact header JSON, a newline, then the
// payload exactly as received.
func signingBytes(header MsgHeader, payload json.RawMessage) []byte {
	head, _ := json.Marshal(header)
	buf := make([]byte, 0, len(head)+1+len(payload))
	buf = append(buf, head...)
	buf = append(buf, '\n')
	buf = append(buf, payload...)
	return buf
}

// registrationSigningBytes is the self-proof input for register and
// re_register: the participant id and the presented public key.
func registrationSigningBytes(id uuid.UUID, pubKey string) []byte {
	return []byte(id.String() + "\n" + pubKey)
}

// disconnectSigningBytes covers a graceful disconnect frame.
func disconnectSigningBytes(id uuid.UUID, reason string) []byte {
	return []byte(id.String() + "\n" + reason)
}

// controlAckSigningBytes covers a control acknowledgment frame.
func controlAckSigningBytes(id uuid.UUID, correlationID string, result json.RawMessage) []byte {
	buf := []byte(id.String() + "\n" + correlationID + "\n")
	return append(buf, result...)
}

func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All outbound frame types marshal cleanly; a failure here is a bug.
		panic(fmt.Sprintf("trails: marshal outbound frame: %v", err))
	}
	return data
}
