package trails

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the full schema in process memory behind one mutex.
// It backs tests and local single-node runs; the guards mirror the
// Postgres implementation exactly.
type MemoryStore struct {
	mu        sync.Mutex
	registry  map[uuid.UUID]*RegistryRecord
	sessions  map[uuid.UUID]*SessionRecord
	messages  []MessageRecord
	snapshots []SnapshotRecord
	crashes   []CrashRecord
	controls  []ControlEnvelope
	nextRow   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registry: map[uuid.UUID]*RegistryRecord{},
		sessions: map[uuid.UUID]*SessionRecord{},
	}
}

func (s *MemoryStore) CreateScheduled(_ context.Context, rec RegistryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registry[rec.ID]; ok {
		return ErrAlreadyExists
	}
	if rec.ParentID != nil {
		if _, ok := s.registry[*rec.ParentID]; !ok {
			return ErrUnknownParent
		}
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now().UTC()
	}
	clone := rec
	clone.PubKey = ""
	s.registry[rec.ID] = &clone
	s.sessions[rec.ID] = &SessionRecord{
		ID:        rec.ID,
		State:     StateScheduled,
		UpdatedAt: clone.RegisteredAt,
	}
	return nil
}

func (s *MemoryStore) GetRegistry(_ context.Context, id uuid.UUID) (RegistryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.registry[id]
	if !ok {
		return RegistryRecord{}, ErrUnknown
	}
	return *rec, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrUnknown
	}
	return *sess, nil
}

func (s *MemoryStore) CancelIntent(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrUnknown
	}
	if sess.State != StateScheduled {
		return ErrNotScheduled
	}
	s.transition(sess, StateCancelled)
	return nil
}

func (s *MemoryStore) Connect(_ context.Context, id uuid.UUID, params ConnectParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.registry[id]
	if !ok {
		return ErrUnknown
	}
	sess := s.sessions[id]
	if sess.State != StateScheduled {
		return fmt.Errorf("%w: %s → connected", ErrInvalidTransition, sess.State)
	}
	if rec.PubKey != "" && rec.PubKey != params.PubKey {
		return ErrKeyMismatch
	}
	rec.PubKey = params.PubKey
	rec.Process = params.Process
	now := time.Now().UTC()
	sess.ConnectedAt = &now
	sess.ServerInstance = params.ServerInstance
	s.transition(sess, StateConnected)
	return nil
}

func (s *MemoryStore) Reconnect(_ context.Context, id uuid.UUID, pubKey, serverInstance string) (RegistryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.registry[id]
	if !ok {
		return RegistryRecord{}, ErrUnknown
	}
	sess := s.sessions[id]
	if rec.PubKey == "" || rec.PubKey != pubKey {
		return RegistryRecord{}, ErrKeyMismatch
	}
	switch sess.State {
	case StateReconnecting, StateConnected, StateRunning:
	default:
		return RegistryRecord{}, fmt.Errorf("%w: %s → running", ErrInvalidTransition, sess.State)
	}
	now := time.Now().UTC()
	sess.ConnectedAt = &now
	sess.ServerInstance = serverInstance
	if sess.State != StateRunning {
		s.transition(sess, StateRunning)
	} else {
		sess.UpdatedAt = now
	}
	return *rec, nil
}

func (s *MemoryStore) SetRunning(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrUnknown
	}
	if sess.State == StateRunning {
		return nil
	}
	if sess.State != StateConnected {
		return fmt.Errorf("%w: %s → running", ErrInvalidTransition, sess.State)
	}
	s.transition(sess, StateRunning)
	return nil
}

func (s *MemoryStore) SetTerminal(_ context.Context, id uuid.UUID, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrUnknown
	}
	switch to {
	case StateDone, StateError, StateCancelled:
	default:
		return fmt.Errorf("%w: %s is not a disconnect terminal", ErrInvalidTransition, to)
	}
	if !canTransition(sess.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, sess.State, to)
	}
	now := time.Now().UTC()
	sess.DisconnectedAt = &now
	s.transition(sess, to)
	return nil
}

func (s *MemoryStore) SetReconnecting(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrUnknown
	}
	if sess.State != StateConnected && sess.State != StateRunning {
		return fmt.Errorf("%w: %s → reconnecting", ErrInvalidTransition, sess.State)
	}
	now := time.Now().UTC()
	sess.DisconnectedAt = &now
	s.transition(sess, StateReconnecting)
	return nil
}

func (s *MemoryStore) SetStartFailed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrUnknown
	}
	if sess.State != StateScheduled {
		return fmt.Errorf("%w: %s → start_failed", ErrInvalidTransition, sess.State)
	}
	s.transition(sess, StateStartFailed)
	return nil
}

func (s *MemoryStore) ExpireReconnecting(_ context.Context, id uuid.UUID, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrUnknown
	}
	if to != StateLostContact && to != StateCrashed {
		return fmt.Errorf("%w: %s is not a grace-expiry terminal", ErrInvalidTransition, to)
	}
	if sess.State != StateReconnecting {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, sess.State, to)
	}
	s.transition(sess, to)
	return nil
}

func (s *MemoryStore) MarkInstanceReconnecting(_ context.Context, serverInstance string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected []uuid.UUID
	now := time.Now().UTC()
	for id, sess := range s.sessions {
		if sess.ServerInstance != serverInstance {
			continue
		}
		if sess.State != StateConnected && sess.State != StateRunning {
			continue
		}
		sess.DisconnectedAt = &now
		s.transition(sess, StateReconnecting)
		affected = append(affected, id)
	}
	return affected, nil
}

func (s *MemoryStore) ListScheduled(_ context.Context) ([]ScheduledIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledIntent
	for id, sess := range s.sessions {
		if sess.State != StateScheduled {
			continue
		}
		rec := s.registry[id]
		out = append(out, ScheduledIntent{
			ID:        id,
			CreatedAt: rec.RegisteredAt,
			Deadline:  rec.StartDeadline,
		})
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, rec MessageRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[rec.ID]
	if !ok {
		return 0, ErrUnknown
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.nextRow++
	rec.RowID = s.nextRow
	s.messages = append(s.messages, rec)
	if rec.Direction == DirectionIn && rec.Seq > sess.LastSeq {
		sess.LastSeq = rec.Seq
		sess.UpdatedAt = rec.CreatedAt
	}
	return rec.RowID, nil
}

func (s *MemoryStore) AppendSnapshot(_ context.Context, rec SnapshotRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.ID]; !ok {
		return 0, ErrUnknown
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.nextRow++
	rec.RowID = s.nextRow
	s.snapshots = append(s.snapshots, rec)
	return rec.RowID, nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, id uuid.UUID) (SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].ID == id {
			return s.snapshots[i], nil
		}
	}
	return SnapshotRecord{}, ErrNotFound
}

func (s *MemoryStore) RecordCrash(_ context.Context, rec CrashRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}
	s.crashes = append(s.crashes, rec)
	return nil
}

func (s *MemoryStore) ListCrashes(_ context.Context, id uuid.UUID) ([]CrashRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CrashRecord
	for _, c := range s.crashes {
		if c.ID == id {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendControl(_ context.Context, rec ControlEnvelope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.ID]; !ok {
		return 0, ErrUnknown
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.nextRow++
	rec.RowID = s.nextRow
	s.controls = append(s.controls, rec)
	return rec.RowID, nil
}

func (s *MemoryStore) MarkControlSent(_ context.Context, rowID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.controls {
		if s.controls[i].RowID == rowID {
			s.controls[i].SentAt = &at
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) AckControl(_ context.Context, id uuid.UUID, correlationID string, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.controls) - 1; i >= 0; i-- {
		c := &s.controls[i]
		if c.ID == id && c.CorrelationID == correlationID {
			c.AckedAt = &at
			c.AckResult = result
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Close() error { return nil }

// Messages returns a copy of the message log for one participant, in
// append order. Test and diagnostic helper.
func (s *MemoryStore) Messages(id uuid.UUID) []MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MessageRecord
	for _, m := range s.messages {
		if m.ID == id {
			out = append(out, m)
		}
	}
	return out
}

// Snapshots returns a copy of the snapshot log for one participant.
func (s *MemoryStore) Snapshots(id uuid.UUID) []SnapshotRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SnapshotRecord
	for _, r := range s.snapshots {
		if r.ID == id {
			out = append(out, r)
		}
	}
	return out
}

// Controls returns a copy of the control-envelope log for one participant.
func (s *MemoryStore) Controls(id uuid.UUID) []ControlEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ControlEnvelope
	for _, c := range s.controls {
		if c.ID == id {
			out = append(out, c)
		}
	}
	return out
}

// transition applies a guarded state change. Callers hold s.mu and have
// already validated the edge; this keeps the invariant check in one place.
func (s *MemoryStore) transition(sess *SessionRecord, to State) {
	if !canTransition(sess.State, to) {
		panic(fmt.Sprintf("trails: illegal transition %s → %s", sess.State, to))
	}
	sess.State = to
	sess.UpdatedAt = time.Now().UTC()
}
