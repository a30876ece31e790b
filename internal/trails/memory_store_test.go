package trails

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func scheduleOne(t *testing.T, store *MemoryStore, parent *uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := store.CreateScheduled(context.Background(), RegistryRecord{
		ID:            id,
		ParentID:      parent,
		Name:          "child",
		StartDeadline: time.Minute,
	})
	if err != nil {
		t.Fatalf("create scheduled: %v", err)
	}
	return id
}

func TestCreateScheduledPairsRegistryAndSession(t *testing.T) {
	store := NewMemoryStore()
	id := scheduleOne(t, store, nil)

	rec, err := store.GetRegistry(context.Background(), id)
	if err != nil {
		t.Fatalf("get registry: %v", err)
	}
	if rec.PubKey != "" {
		t.Fatalf("public key must be empty at intent time, got %q", rec.PubKey)
	}
	sess, err := store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != StateScheduled {
		t.Fatalf("expected scheduled, got %s", sess.State)
	}
}

func TestCreateScheduledRejectsDuplicateAndUnknownParent(t *testing.T) {
	store := NewMemoryStore()
	id := scheduleOne(t, store, nil)

	err := store.CreateScheduled(context.Background(), RegistryRecord{ID: id, Name: "dup", StartDeadline: time.Minute})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	ghost := uuid.New()
	err = store.CreateScheduled(context.Background(), RegistryRecord{ID: uuid.New(), ParentID: &ghost, Name: "orphan", StartDeadline: time.Minute})
	if !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("expected unknown parent, got %v", err)
	}
}

func TestConnectWritesKeyOnce(t *testing.T) {
	store := NewMemoryStore()
	id := scheduleOne(t, store, nil)

	if err := store.Connect(context.Background(), id, ConnectParams{PubKey: "ed25519:AAAA", ServerInstance: "hub-1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec, _ := store.GetRegistry(context.Background(), id)
	if rec.PubKey != "ed25519:AAAA" {
		t.Fatalf("expected key persisted, got %q", rec.PubKey)
	}
	sess, _ := store.GetSession(context.Background(), id)
	if sess.State != StateConnected || sess.ConnectedAt == nil || sess.ServerInstance != "hub-1" {
		t.Fatalf("connect did not update session: %+v", sess)
	}

	// Second connect attempt fails the scheduled guard.
	err := store.Connect(context.Background(), id, ConnectParams{PubKey: "ed25519:AAAA", ServerInstance: "hub-1"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestReconnectChecksKey(t *testing.T) {
	store := NewMemoryStore()
	id := scheduleOne(t, store, nil)
	if err := store.Connect(context.Background(), id, ConnectParams{PubKey: "ed25519:AAAA", ServerInstance: "hub-1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := store.SetRunning(context.Background(), id); err != nil {
		t.Fatalf("set running: %v", err)
	}
	if err := store.SetReconnecting(context.Background(), id); err != nil {
		t.Fatalf("set reconnecting: %v", err)
	}

	if _, err := store.Reconnect(context.Background(), id, "ed25519:BBBB", "hub-1"); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected key mismatch, got %v", err)
	}
	rec, err := store.Reconnect(context.Background(), id, "ed25519:AAAA", "hub-2")
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if rec.PubKey != "ed25519:AAAA" {
		t.Fatalf("reconnect returned wrong record: %+v", rec)
	}
	sess, _ := store.GetSession(context.Background(), id)
	if sess.State != StateRunning || sess.ServerInstance != "hub-2" {
		t.Fatalf("reconnect did not update session: %+v", sess)
	}
}

func TestTerminalGuards(t *testing.T) {
	store := NewMemoryStore()
	id := scheduleOne(t, store, nil)

	// scheduled cannot go terminal via disconnect.
	if err := store.SetTerminal(context.Background(), id, StateDone); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition from scheduled, got %v", err)
	}
	if err := store.Connect(context.Background(), id, ConnectParams{PubKey: "k", ServerInstance: "hub-1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := store.SetTerminal(context.Background(), id, StateDone); err != nil {
		t.Fatalf("set terminal: %v", err)
	}
	sess, _ := store.GetSession(context.Background(), id)
	if sess.State != StateDone || sess.DisconnectedAt == nil {
		t.Fatalf("terminal did not stick: %+v", sess)
	}
	// Terminal states are absorbing.
	if err := store.SetReconnecting(context.Background(), id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal to be absorbing, got %v", err)
	}
	if err := store.SetStartFailed(context.Background(), id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal to be absorbing, got %v", err)
	}
}

func TestCancelIntentOnlyWhileScheduled(t *testing.T) {
	store := NewMemoryStore()
	id := scheduleOne(t, store, nil)
	if err := store.Connect(context.Background(), id, ConnectParams{PubKey: "k", ServerInstance: "hub-1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := store.CancelIntent(context.Background(), id); !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("expected not scheduled, got %v", err)
	}

	other := scheduleOne(t, store, nil)
	if err := store.CancelIntent(context.Background(), other); err != nil {
		t.Fatalf("cancel intent: %v", err)
	}
	sess, _ := store.GetSession(context.Background(), other)
	if sess.State != StateCancelled {
		t.Fatalf("expected cancelled tombstone, got %s", sess.State)
	}
}

func TestAppendMessageAdvancesLastSeq(t *testing.T) {
	store := NewMemoryStore()
	id := scheduleOne(t, store, nil)

	for seq := int64(1); seq <= 3; seq++ {
		if _, err := store.AppendMessage(context.Background(), MessageRecord{
			ID: id, Direction: DirectionIn, Kind: MsgStatus, Seq: seq,
			Payload: json.RawMessage(`{}`),
		}); err != nil {
			t.Fatalf("append message %d: %v", seq, err)
		}
	}
	sess, _ := store.GetSession(context.Background(), id)
	if sess.LastSeq != 3 {
		t.Fatalf("expected last_seq 3, got %d", sess.LastSeq)
	}
	// Outbound rows do not advance the counter.
	if _, err := store.AppendMessage(context.Background(), MessageRecord{
		ID: id, Direction: DirectionOut, Kind: MsgControl, Seq: 9,
		Payload: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("append outbound: %v", err)
	}
	sess, _ = store.GetSession(context.Background(), id)
	if sess.LastSeq != 3 {
		t.Fatalf("outbound row advanced last_seq to %d", sess.LastSeq)
	}

	msgs := store.Messages(id)
	for i := 1; i < len(msgs); i++ {
		if msgs[i].RowID <= msgs[i-1].RowID {
			t.Fatalf("message log not append ordered")
		}
	}
}

func TestLatestSnapshot(t *testing.T) {
	store := NewMemoryStore()
	id := scheduleOne(t, store, nil)
	for seq := int64(1); seq <= 2; seq++ {
		if _, err := store.AppendSnapshot(context.Background(), SnapshotRecord{
			ID: id, Seq: seq, Snapshot: json.RawMessage(`{"seq":` + string(rune('0'+seq)) + `}`),
		}); err != nil {
			t.Fatalf("append snapshot: %v", err)
		}
	}
	latest, err := store.LatestSnapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if latest.Seq != 2 {
		t.Fatalf("expected latest seq 2, got %d", latest.Seq)
	}
	if _, err := store.LatestSnapshot(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkInstanceReconnectingScopedToInstance(t *testing.T) {
	store := NewMemoryStore()
	mine := scheduleOne(t, store, nil)
	theirs := scheduleOne(t, store, nil)
	if err := store.Connect(context.Background(), mine, ConnectParams{PubKey: "k", ServerInstance: "hub-1"}); err != nil {
		t.Fatalf("connect mine: %v", err)
	}
	if err := store.Connect(context.Background(), theirs, ConnectParams{PubKey: "k", ServerInstance: "hub-2"}); err != nil {
		t.Fatalf("connect theirs: %v", err)
	}

	affected, err := store.MarkInstanceReconnecting(context.Background(), "hub-1")
	if err != nil {
		t.Fatalf("mark reconnecting: %v", err)
	}
	if len(affected) != 1 || affected[0] != mine {
		t.Fatalf("expected only hub-1 sessions, got %v", affected)
	}
	sess, _ := store.GetSession(context.Background(), theirs)
	if sess.State != StateConnected {
		t.Fatalf("other instance's session was touched: %s", sess.State)
	}
}

func TestControlEnvelopeLifecycle(t *testing.T) {
	store := NewMemoryStore()
	id := scheduleOne(t, store, nil)

	rowID, err := store.AppendControl(context.Background(), ControlEnvelope{
		ID: id, Action: "pause", CorrelationID: "c-1",
		Payload: json.RawMessage(`{"seconds":5}`),
	})
	if err != nil {
		t.Fatalf("append control: %v", err)
	}
	envs := store.Controls(id)
	if len(envs) != 1 || envs[0].SentAt != nil {
		t.Fatalf("expected queued envelope with null sent_at: %+v", envs)
	}
	now := time.Now().UTC()
	if err := store.MarkControlSent(context.Background(), rowID, now); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := store.AckControl(context.Background(), id, "c-1", json.RawMessage(`{"ok":true}`), now); err != nil {
		t.Fatalf("ack control: %v", err)
	}
	envs = store.Controls(id)
	if envs[0].SentAt == nil || envs[0].AckedAt == nil || string(envs[0].AckResult) != `{"ok":true}` {
		t.Fatalf("envelope not fully updated: %+v", envs[0])
	}
	if err := store.AckControl(context.Background(), id, "missing", nil, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown correlation, got %v", err)
	}
}

func TestExpireReconnectingGuards(t *testing.T) {
	store := NewMemoryStore()
	id := scheduleOne(t, store, nil)
	if err := store.ExpireReconnecting(context.Background(), id, StateCrashed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected guard failure from scheduled, got %v", err)
	}
	if err := store.Connect(context.Background(), id, ConnectParams{PubKey: "k", ServerInstance: "hub-1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := store.SetReconnecting(context.Background(), id); err != nil {
		t.Fatalf("set reconnecting: %v", err)
	}
	if err := store.ExpireReconnecting(context.Background(), id, StateDone); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("done is not a grace-expiry terminal, got %v", err)
	}
	if err := store.ExpireReconnecting(context.Background(), id, StateLostContact); err != nil {
		t.Fatalf("expire: %v", err)
	}
}
