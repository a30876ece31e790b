package trails

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

const postgresSchema = `
CREATE TABLE IF NOT EXISTS trails_registry (
	app_id UUID PRIMARY KEY,
	parent_id UUID,
	app_name TEXT NOT NULL,
	role_refs TEXT[] NOT NULL DEFAULT '{}',
	tags_json JSONB,
	originator_json JSONB,
	pid INT, ppid INT, proc_uid INT, proc_gid INT,
	hostname TEXT, node_name TEXT, address TEXT,
	namespace TEXT, executable TEXT,
	start_day INT NOT NULL DEFAULT 0,
	start_deadline_s INT NOT NULL,
	pub_key TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS trails_sessions (
	app_id UUID PRIMARY KEY REFERENCES trails_registry(app_id),
	status TEXT NOT NULL CHECK (status IN (
		'scheduled','connected','running','reconnecting','lost_contact',
		'done','error','crashed','cancelled','start_failed')),
	last_seq BIGINT NOT NULL DEFAULT 0,
	connected_at TIMESTAMPTZ,
	disconnected_at TIMESTAMPTZ,
	server_instance TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS trails_messages (
	id BIGSERIAL PRIMARY KEY,
	app_id UUID NOT NULL,
	direction TEXT NOT NULL,
	msg_type TEXT NOT NULL,
	seq BIGINT NOT NULL,
	correlation_id TEXT,
	payload_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS trails_messages_app_seq_idx ON trails_messages (app_id, seq);

CREATE TABLE IF NOT EXISTS trails_snapshots (
	id BIGSERIAL PRIMARY KEY,
	app_id UUID NOT NULL,
	seq BIGINT NOT NULL,
	snapshot_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS trails_snapshots_app_idx ON trails_snapshots (app_id, id);

CREATE TABLE IF NOT EXISTS trails_crashes (
	id BIGSERIAL PRIMARY KEY,
	app_id UUID NOT NULL,
	crash_type TEXT NOT NULL,
	gap_seconds REAL,
	metadata_json JSONB,
	detected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS trails_controls (
	id BIGSERIAL PRIMARY KEY,
	app_id UUID NOT NULL,
	action TEXT NOT NULL,
	correlation_id TEXT,
	payload_json JSONB,
	sent_at TIMESTAMPTZ,
	acked_at TIMESTAMPTZ,
	ack_result_json JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresStore implements Store on a shared Postgres database. Every
// state transition is a guarded UPDATE; zero rows affected means the
// guard failed and the caller gets the matching sentinel.
type PostgresStore struct {
	dsn    string
	openDB func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		db.SetMaxOpenConns(20)
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (s *PostgresStore) CreateScheduled(ctx context.Context, rec RegistryRecord) error {
	if err := s.ensureReady(); err != nil {
		return storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if rec.ParentID != nil {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM trails_registry WHERE app_id = $1)`, *rec.ParentID).Scan(&exists)
		if err != nil {
			return storeErr(err)
		}
		if !exists {
			return ErrUnknownParent
		}
	}

	roleRefs := rec.RoleRefs
	if roleRefs == nil {
		roleRefs = []string{}
	}
	tags, _ := json.Marshal(rec.Tags)
	originator, _ := json.Marshal(rec.Originator)
	result, err := tx.ExecContext(ctx, `
		INSERT INTO trails_registry (
			app_id, parent_id, app_name, role_refs, tags_json, originator_json,
			start_day, start_deadline_s, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
		ON CONFLICT (app_id) DO NOTHING`,
		rec.ID, nullableUUID(rec.ParentID), rec.Name, pq.Array(roleRefs),
		string(tags), string(originator), rec.StartDay,
		int(rec.StartDeadline/time.Second), nullableTime(rec.RegisteredAt))
	if err != nil {
		return storeErr(err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrAlreadyExists
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trails_sessions (app_id, status) VALUES ($1, 'scheduled')`, rec.ID); err != nil {
		return storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetRegistry(ctx context.Context, id uuid.UUID) (RegistryRecord, error) {
	if err := s.ensureReady(); err != nil {
		return RegistryRecord{}, storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		rec        RegistryRecord
		parentID   sql.NullString
		tags       sql.NullString
		originator sql.NullString
		pubKey     sql.NullString
		deadline   int
		pi         = &rec.Process
		hostname, nodeName, address, namespace, executable sql.NullString
		pid, ppid, procUID, procGID                        sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT app_id, parent_id, app_name, role_refs, tags_json, originator_json,
		       pid, ppid, proc_uid, proc_gid, hostname, node_name, address,
		       namespace, executable, start_day, start_deadline_s, pub_key, created_at
		FROM trails_registry WHERE app_id = $1`, id).Scan(
		&rec.ID, &parentID, &rec.Name, pq.Array(&rec.RoleRefs), &tags, &originator,
		&pid, &ppid, &procUID, &procGID, &hostname, &nodeName, &address,
		&namespace, &executable, &rec.StartDay, &deadline, &pubKey, &rec.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistryRecord{}, ErrUnknown
	}
	if err != nil {
		return RegistryRecord{}, storeErr(err)
	}
	if parentID.Valid {
		parsed, parseErr := uuid.Parse(parentID.String)
		if parseErr == nil {
			rec.ParentID = &parsed
		}
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &rec.Tags)
	}
	if originator.Valid && originator.String != "" {
		_ = json.Unmarshal([]byte(originator.String), &rec.Originator)
	}
	pi.PID, pi.PPID = int(pid.Int64), int(ppid.Int64)
	pi.UID, pi.GID = int(procUID.Int64), int(procGID.Int64)
	pi.Hostname, pi.NodeName = hostname.String, nodeName.String
	pi.Address, pi.Namespace, pi.Executable = address.String, namespace.String, executable.String
	rec.StartDeadline = time.Duration(deadline) * time.Second
	rec.PubKey = pubKey.String
	return rec, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (SessionRecord, error) {
	if err := s.ensureReady(); err != nil {
		return SessionRecord{}, storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		sess          SessionRecord
		status        string
		connectedAt   sql.NullTime
		disconnected  sql.NullTime
		instance      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT app_id, status, last_seq, connected_at, disconnected_at, server_instance, updated_at
		FROM trails_sessions WHERE app_id = $1`, id).Scan(
		&sess.ID, &status, &sess.LastSeq, &connectedAt, &disconnected, &instance, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrUnknown
	}
	if err != nil {
		return SessionRecord{}, storeErr(err)
	}
	sess.State = State(status)
	if connectedAt.Valid {
		sess.ConnectedAt = &connectedAt.Time
	}
	if disconnected.Valid {
		sess.DisconnectedAt = &disconnected.Time
	}
	sess.ServerInstance = instance.String
	return sess, nil
}

func (s *PostgresStore) CancelIntent(ctx context.Context, id uuid.UUID) error {
	return s.guardedUpdate(ctx, ErrNotScheduled, `
		UPDATE trails_sessions SET status = 'cancelled', updated_at = NOW()
		WHERE app_id = $1 AND status = 'scheduled'`, id)
}

func (s *PostgresStore) Connect(ctx context.Context, id uuid.UUID, params ConnectParams) error {
	if err := s.ensureReady(); err != nil {
		return storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var existingKey sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT pub_key FROM trails_registry WHERE app_id = $1 FOR UPDATE`, id).Scan(&existingKey)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknown
	}
	if err != nil {
		return storeErr(err)
	}
	if existingKey.Valid && existingKey.String != "" && existingKey.String != params.PubKey {
		return ErrKeyMismatch
	}

	pi := params.Process
	if _, err := tx.ExecContext(ctx, `
		UPDATE trails_registry SET
			pub_key = $2, pid = $3, ppid = $4, proc_uid = $5, proc_gid = $6,
			hostname = $7, node_name = $8, address = $9, namespace = $10, executable = $11
		WHERE app_id = $1`,
		id, params.PubKey, pi.PID, pi.PPID, pi.UID, pi.GID,
		pi.Hostname, pi.NodeName, pi.Address, pi.Namespace, pi.Executable); err != nil {
		return storeErr(err)
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE trails_sessions SET
			status = 'connected', connected_at = NOW(), server_instance = $2, updated_at = NOW()
		WHERE app_id = $1 AND status = 'scheduled'`, id, params.ServerInstance)
	if err != nil {
		return storeErr(err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: register on non-scheduled session", ErrInvalidTransition)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) Reconnect(ctx context.Context, id uuid.UUID, pubKey, serverInstance string) (RegistryRecord, error) {
	if err := s.ensureReady(); err != nil {
		return RegistryRecord{}, storeErr(err)
	}
	rec, err := s.GetRegistry(ctx, id)
	if err != nil {
		return RegistryRecord{}, err
	}
	if rec.PubKey == "" || rec.PubKey != pubKey {
		return RegistryRecord{}, ErrKeyMismatch
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `
		UPDATE trails_sessions SET
			status = 'running', connected_at = NOW(), server_instance = $2, updated_at = NOW()
		WHERE app_id = $1 AND status IN ('reconnecting', 'connected', 'running')`,
		id, serverInstance)
	if err != nil {
		return RegistryRecord{}, storeErr(err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return RegistryRecord{}, fmt.Errorf("%w: re-register on terminal or scheduled session", ErrInvalidTransition)
	}
	return rec, nil
}

func (s *PostgresStore) SetRunning(ctx context.Context, id uuid.UUID) error {
	if err := s.ensureReady(); err != nil {
		return storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	// Idempotent when already running; guarded otherwise.
	result, err := s.db.ExecContext(ctx, `
		UPDATE trails_sessions SET status = 'running', updated_at = NOW()
		WHERE app_id = $1 AND status = 'connected'`, id)
	if err != nil {
		return storeErr(err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM trails_sessions WHERE app_id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknown
	}
	if err != nil {
		return storeErr(err)
	}
	if State(status) == StateRunning {
		return nil
	}
	return fmt.Errorf("%w: %s → running", ErrInvalidTransition, status)
}

func (s *PostgresStore) SetTerminal(ctx context.Context, id uuid.UUID, to State) error {
	switch to {
	case StateDone, StateError:
		return s.guardedUpdate(ctx, ErrInvalidTransition, `
			UPDATE trails_sessions SET status = $2, disconnected_at = NOW(), updated_at = NOW()
			WHERE app_id = $1 AND status IN ('connected', 'running')`, id, string(to))
	case StateCancelled:
		// Cancellation of live work only applies to a running session.
		return s.guardedUpdate(ctx, ErrInvalidTransition, `
			UPDATE trails_sessions SET status = 'cancelled', disconnected_at = NOW(), updated_at = NOW()
			WHERE app_id = $1 AND status = 'running'`, id)
	default:
		return fmt.Errorf("%w: %s is not a disconnect terminal", ErrInvalidTransition, to)
	}
}

func (s *PostgresStore) SetReconnecting(ctx context.Context, id uuid.UUID) error {
	return s.guardedUpdate(ctx, ErrInvalidTransition, `
		UPDATE trails_sessions SET status = 'reconnecting', disconnected_at = NOW(), updated_at = NOW()
		WHERE app_id = $1 AND status IN ('connected', 'running')`, id)
}

func (s *PostgresStore) SetStartFailed(ctx context.Context, id uuid.UUID) error {
	return s.guardedUpdate(ctx, ErrInvalidTransition, `
		UPDATE trails_sessions SET status = 'start_failed', disconnected_at = NOW(), updated_at = NOW()
		WHERE app_id = $1 AND status = 'scheduled'`, id)
}

func (s *PostgresStore) ExpireReconnecting(ctx context.Context, id uuid.UUID, to State) error {
	if to != StateLostContact && to != StateCrashed {
		return fmt.Errorf("%w: %s is not a grace-expiry terminal", ErrInvalidTransition, to)
	}
	return s.guardedUpdate(ctx, ErrInvalidTransition, `
		UPDATE trails_sessions SET status = $2, updated_at = NOW()
		WHERE app_id = $1 AND status = 'reconnecting'`, id, string(to))
}

func (s *PostgresStore) MarkInstanceReconnecting(ctx context.Context, serverInstance string) ([]uuid.UUID, error) {
	if err := s.ensureReady(); err != nil {
		return nil, storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE trails_sessions SET status = 'reconnecting', disconnected_at = NOW(), updated_at = NOW()
		WHERE server_instance = $1 AND status IN ('connected', 'running')
		RETURNING app_id`, serverInstance)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var affected []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, storeErr(scanErr)
		}
		affected = append(affected, id)
	}
	return affected, storeErr(rows.Err())
}

func (s *PostgresStore) ListScheduled(ctx context.Context) ([]ScheduledIntent, error) {
	if err := s.ensureReady(); err != nil {
		return nil, storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.app_id, r.created_at, r.start_deadline_s
		FROM trails_registry r
		JOIN trails_sessions s ON s.app_id = r.app_id
		WHERE s.status = 'scheduled'`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []ScheduledIntent
	for rows.Next() {
		var item ScheduledIntent
		var deadline int
		if scanErr := rows.Scan(&item.ID, &item.CreatedAt, &deadline); scanErr != nil {
			return nil, storeErr(scanErr)
		}
		item.Deadline = time.Duration(deadline) * time.Second
		out = append(out, item)
	}
	return out, storeErr(rows.Err())
}

func (s *PostgresStore) AppendMessage(ctx context.Context, rec MessageRecord) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	payload := "null"
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}
	var rowID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO trails_messages (app_id, direction, msg_type, seq, correlation_id, payload_json)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING id`,
		rec.ID, rec.Direction, string(rec.Kind), rec.Seq, rec.CorrelationID,
		payload).Scan(&rowID)
	if err != nil {
		return 0, storeErr(err)
	}
	if rec.Direction == DirectionIn {
		if _, err := tx.ExecContext(ctx, `
			UPDATE trails_sessions SET last_seq = GREATEST(last_seq, $2), updated_at = NOW()
			WHERE app_id = $1`, rec.ID, rec.Seq); err != nil {
			return 0, storeErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr(err)
	}
	committed = true
	return rowID, nil
}

func (s *PostgresStore) AppendSnapshot(ctx context.Context, rec SnapshotRecord) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	snapshot := "null"
	if len(rec.Snapshot) > 0 {
		snapshot = string(rec.Snapshot)
	}
	var rowID int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO trails_snapshots (app_id, seq, snapshot_json)
		VALUES ($1, $2, $3) RETURNING id`,
		rec.ID, rec.Seq, snapshot).Scan(&rowID)
	return rowID, storeErr(err)
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, id uuid.UUID) (SnapshotRecord, error) {
	if err := s.ensureReady(); err != nil {
		return SnapshotRecord{}, storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rec SnapshotRecord
	var snapshot string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, app_id, seq, snapshot_json, created_at
		FROM trails_snapshots WHERE app_id = $1 ORDER BY id DESC LIMIT 1`, id).Scan(
		&rec.RowID, &rec.ID, &rec.Seq, &snapshot, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, ErrNotFound
	}
	if err != nil {
		return SnapshotRecord{}, storeErr(err)
	}
	rec.Snapshot = json.RawMessage(snapshot)
	return rec, nil
}

func (s *PostgresStore) RecordCrash(ctx context.Context, rec CrashRecord) error {
	if err := s.ensureReady(); err != nil {
		return storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	meta := "null"
	if len(rec.Meta) > 0 {
		meta = string(rec.Meta)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trails_crashes (app_id, crash_type, gap_seconds, metadata_json)
		VALUES ($1, $2, $3, $4)`,
		rec.ID, string(rec.Kind), rec.GapSeconds, meta)
	return storeErr(err)
}

func (s *PostgresStore) ListCrashes(ctx context.Context, id uuid.UUID) ([]CrashRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_id, crash_type, COALESCE(gap_seconds, 0), COALESCE(metadata_json::TEXT, ''), detected_at
		FROM trails_crashes WHERE app_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []CrashRecord
	for rows.Next() {
		var rec CrashRecord
		var kind, meta string
		if scanErr := rows.Scan(&rec.ID, &kind, &rec.GapSeconds, &meta, &rec.DetectedAt); scanErr != nil {
			return nil, storeErr(scanErr)
		}
		rec.Kind = CrashKind(kind)
		if meta != "" {
			rec.Meta = json.RawMessage(meta)
		}
		out = append(out, rec)
	}
	return out, storeErr(rows.Err())
}

func (s *PostgresStore) AppendControl(ctx context.Context, rec ControlEnvelope) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	payload := "null"
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}
	var rowID int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO trails_controls (app_id, action, correlation_id, payload_json, sent_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5) RETURNING id`,
		rec.ID, rec.Action, rec.CorrelationID, payload, nullableTimePtr(rec.SentAt)).Scan(&rowID)
	return rowID, storeErr(err)
}

func (s *PostgresStore) MarkControlSent(ctx context.Context, rowID int64, at time.Time) error {
	return s.guardedUpdate(ctx, ErrNotFound, `
		UPDATE trails_controls SET sent_at = $2 WHERE id = $1`, rowID, at)
}

func (s *PostgresStore) AckControl(ctx context.Context, id uuid.UUID, correlationID string, result json.RawMessage, at time.Time) error {
	resultJSON := "null"
	if len(result) > 0 {
		resultJSON = string(result)
	}
	return s.guardedUpdate(ctx, ErrNotFound, `
		UPDATE trails_controls SET acked_at = $3, ack_result_json = $4
		WHERE id = (
			SELECT id FROM trails_controls
			WHERE app_id = $1 AND correlation_id = $2
			ORDER BY id DESC LIMIT 1)`,
		id, correlationID, at, resultJSON)
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// guardedUpdate executes a state-guarded UPDATE and maps zero affected
// rows to guardErr.
func (s *PostgresStore) guardedUpdate(ctx context.Context, guardErr error, query string, args ...any) error {
	if err := s.ensureReady(); err != nil {
		return storeErr(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr(err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return guardErr
	}
	return nil
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
