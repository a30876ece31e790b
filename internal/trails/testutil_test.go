package trails

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeTransport is an in-memory Transport pair: the test plays the
// client on in/out while the hub owns the Transport side.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, io.EOF
	case data := <-t.in:
		return data, nil
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return io.EOF
	case t.out <- data:
		return nil
	}
}

func (t *fakeTransport) Close(string) error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func newTestHub(t *testing.T, mutate func(*Options)) (*Hub, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts := Options{
		Store:             store,
		ServerInstance:    "hub-test",
		SecurityTier:      TierOpen,
		Logger:            zerolog.Nop(),
		StartScanInterval: 5 * time.Millisecond,
		GraceScanInterval: 5 * time.Millisecond,
		ReconnectGrace:    40 * time.Millisecond,
		StartupGrace:      40 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	hub, err := NewHub(opts)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	hub.Start(ctx)
	t.Cleanup(cancel)
	return hub, store
}

// testClient bundles a participant id with its keypair.
type testClient struct {
	id  uuid.UUID
	key *HubIdentity
}

func newTestClient(t *testing.T) *testClient {
	t.Helper()
	key, err := NewHubIdentity()
	if err != nil {
		t.Fatalf("client keypair: %v", err)
	}
	return &testClient{id: uuid.New(), key: key}
}

func (c *testClient) pubKey() string { return c.key.PublicKeyString() }

func (c *testClient) registerFrame(signed bool) map[string]any {
	frame := map[string]any{
		"type":         "register",
		"app_id":       c.id.String(),
		"app_name":     "worker",
		"pub_key":      c.pubKey(),
		"process_info": map[string]any{"pid": 100, "hostname": "node-a"},
	}
	if signed {
		frame["sig"] = c.key.Sign(registrationSigningBytes(c.id, c.pubKey()))
	}
	return frame
}

func (c *testClient) reRegisterFrame(lastSeq int64, signed bool) map[string]any {
	frame := map[string]any{
		"type":     "re_register",
		"app_id":   c.id.String(),
		"last_seq": lastSeq,
		"pub_key":  c.pubKey(),
	}
	if signed {
		frame["sig"] = c.key.Sign(registrationSigningBytes(c.id, c.pubKey()))
	}
	return frame
}

func (c *testClient) messageFrame(kind string, seq int64, payload map[string]any, signed bool) map[string]any {
	header := MsgHeader{MsgType: kind, Timestamp: time.Now().Unix(), Seq: seq}
	payloadRaw, _ := json.Marshal(payload)
	frame := map[string]any{
		"type":    "message",
		"app_id":  c.id.String(),
		"header":  map[string]any{"msg_type": kind, "timestamp": header.Timestamp, "seq": seq},
		"payload": payload,
	}
	if signed {
		frame["sig"] = c.key.Sign(signingBytes(header, payloadRaw))
	}
	return frame
}

func (c *testClient) disconnectFrame(reason string, signed bool) map[string]any {
	frame := map[string]any{
		"type":   "disconnect",
		"app_id": c.id.String(),
		"reason": reason,
	}
	if signed {
		frame["sig"] = c.key.Sign(disconnectSigningBytes(c.id, reason))
	}
	return frame
}

func (c *testClient) controlAckFrame(correlationID string, result map[string]any, signed bool) map[string]any {
	resultRaw, _ := json.Marshal(result)
	frame := map[string]any{
		"type":           "control_ack",
		"app_id":         c.id.String(),
		"correlation_id": correlationID,
		"result":         result,
	}
	if signed {
		frame["sig"] = c.key.Sign(controlAckSigningBytes(c.id, correlationID, resultRaw))
	}
	return frame
}

func sendFrame(t *testing.T, ft *fakeTransport, frame map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	select {
	case ft.in <- data:
	case <-time.After(time.Second):
		t.Fatalf("hub not reading, frame stuck")
	}
}

func recvFrame(t *testing.T, ft *fakeTransport) map[string]any {
	t.Helper()
	select {
	case data := <-ft.out:
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("no outbound frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, ft *fakeTransport, wait time.Duration) {
	t.Helper()
	select {
	case data := <-ft.out:
		t.Fatalf("unexpected outbound frame: %s", data)
	case <-time.After(wait):
	}
}

func createIntent(t *testing.T, hub *Hub, c *testClient, parent *uuid.UUID) {
	t.Helper()
	err := hub.CreateIntent(context.Background(), IntentRequest{
		ParentID:      parent,
		ChildID:       c.id,
		Name:          "worker",
		StartDeadline: time.Minute,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
}

// registerClient drives a fresh transport through registration and
// consumes the registered ack.
func registerClient(t *testing.T, hub *Hub, c *testClient, signed bool) *fakeTransport {
	t.Helper()
	ft := newFakeTransport()
	go hub.HandleTransport(context.Background(), ft)
	sendFrame(t, ft, c.registerFrame(signed))
	ack := recvFrame(t, ft)
	if ack["type"] != "registered" {
		t.Fatalf("expected registered ack, got %v", ack)
	}
	return ft
}

func waitState(t *testing.T, store Store, id uuid.UUID, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := store.GetSession(context.Background(), id)
		if err == nil && sess.State == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never reached %s (last: %s, err: %v)", id, want, sess.State, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitClosed(t *testing.T, ft *fakeTransport) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !ft.isClosed() {
		if time.Now().After(deadline) {
			t.Fatalf("transport never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
