package trails

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConnectParams carries the registration payload written when a session
// transitions scheduled → connected.
type ConnectParams struct {
	PubKey         string
	ServerInstance string
	Process        ProcessInfo
}

// ScheduledIntent is the reconciler's view of a scheduled session.
type ScheduledIntent struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Deadline  time.Duration
}

// Store is the durable history and the mutable session-status table.
// Every mutation is atomic and state-guarded: a call whose guard fails
// returns ErrInvalidTransition (or a more specific sentinel) and leaves
// the row untouched.
type Store interface {
	// CreateScheduled inserts the registry row (empty public key) and the
	// session row in state scheduled in one transaction.
	CreateScheduled(ctx context.Context, rec RegistryRecord) error

	GetRegistry(ctx context.Context, id uuid.UUID) (RegistryRecord, error)
	GetSession(ctx context.Context, id uuid.UUID) (SessionRecord, error)

	// CancelIntent is the scheduled → cancelled tombstone transition.
	CancelIntent(ctx context.Context, id uuid.UUID) error

	// Connect is scheduled → connected: writes the public key (write-once),
	// process descriptors, server instance, and connected_at.
	Connect(ctx context.Context, id uuid.UUID, params ConnectParams) error

	// Reconnect is reconnecting|connected|running → running, guarded on the
	// stored public key byte-equaling pubKey (ErrKeyMismatch otherwise).
	Reconnect(ctx context.Context, id uuid.UUID, pubKey, serverInstance string) (RegistryRecord, error)

	// SetRunning is connected → running. A session already running is left
	// alone without error.
	SetRunning(ctx context.Context, id uuid.UUID) error

	// SetTerminal is connected|running → done|error|cancelled.
	SetTerminal(ctx context.Context, id uuid.UUID, to State) error

	// SetReconnecting is connected|running → reconnecting, recording
	// disconnected_at.
	SetReconnecting(ctx context.Context, id uuid.UUID) error

	// SetStartFailed is scheduled → start_failed.
	SetStartFailed(ctx context.Context, id uuid.UUID) error

	// ExpireReconnecting is reconnecting → lost_contact|crashed.
	ExpireReconnecting(ctx context.Context, id uuid.UUID, to State) error

	// MarkInstanceReconnecting moves every connected/running session owned
	// by serverInstance to reconnecting, returning the affected ids.
	MarkInstanceReconnecting(ctx context.Context, serverInstance string) ([]uuid.UUID, error)

	// ListScheduled returns every session still in scheduled, with its
	// intent creation time and declared deadline.
	ListScheduled(ctx context.Context) ([]ScheduledIntent, error)

	// AppendMessage appends a message-log row and advances the session's
	// last_seq in the same transaction when the direction is inbound.
	AppendMessage(ctx context.Context, rec MessageRecord) (int64, error)

	AppendSnapshot(ctx context.Context, rec SnapshotRecord) (int64, error)
	LatestSnapshot(ctx context.Context, id uuid.UUID) (SnapshotRecord, error)

	RecordCrash(ctx context.Context, rec CrashRecord) error
	ListCrashes(ctx context.Context, id uuid.UUID) ([]CrashRecord, error)

	// AppendControl persists an outbound control envelope. SentAt is nil
	// when no live transport existed at injection time.
	AppendControl(ctx context.Context, rec ControlEnvelope) (int64, error)
	MarkControlSent(ctx context.Context, rowID int64, at time.Time) error
	AckControl(ctx context.Context, id uuid.UUID, correlationID string, result json.RawMessage, at time.Time) error

	Close() error
}
