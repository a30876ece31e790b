package trails

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport is one bidirectional, message-oriented, ordered channel to a
// participant. The WebSocket endpoint adapts to this; tests use an
// in-memory pair.
type Transport interface {
	// Read blocks for the next inbound frame. Any error means the
	// transport is gone.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one outbound frame.
	Write(ctx context.Context, data []byte) error
	// Close tears the transport down with a reason visible to the peer.
	Close(reason string) error
}

const (
	sendQueueDepth   = 64
	writeTimeout     = 10 * time.Second
	maxProtoFailures = 5
)

// sessionHandler is the per-connection state machine. One linear task
// per transport: await frame → classify → persist → publish.
type sessionHandler struct {
	hub    *Hub
	tr     Transport
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	id       uuid.UUID
	parentID *uuid.UUID
	pubKey   string
	handle   *liveSession

	lastSeq       int64
	running       bool
	endIntent     State
	graceful      bool
	sigFailures   int
	protoFailures int
}

// HandleTransport owns tr for its whole life: registration, the message
// loop, and teardown. It blocks until the transport is finished.
func (h *Hub) HandleTransport(ctx context.Context, tr Transport) {
	if h.ShuttingDown() {
		_ = writeDirect(ctx, tr, ServerErrorFrame{Type: frameServerError, Code: "shutting_down", Message: "hub shutting down"})
		_ = tr.Close("hub shutting down")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sh := &sessionHandler{hub: h, tr: tr, ctx: ctx, cancel: cancel, log: h.log}

	regCtx, regCancel := context.WithTimeout(ctx, h.opts.RegistrationTimeout)
	data, err := tr.Read(regCtx)
	regCancel()
	if err != nil {
		_ = tr.Close("no registration before deadline")
		return
	}

	frameType, frame, err := decodeClientFrame(data)
	if err == nil {
		switch f := frame.(type) {
		case *RegisterFrame:
			err = sh.register(f)
		case *ReRegisterFrame:
			err = sh.reRegister(f)
		default:
			err = errors.Join(ErrProtocol, errors.New("first frame must be register or re_register"))
		}
	}
	if err != nil {
		h.log.Warn().Err(err).Str("frame", frameType).Msg("registration rejected")
		_ = writeDirect(ctx, tr, ServerErrorFrame{Type: frameServerError, Code: errorCode(err), Message: err.Error()})
		_ = tr.Close("registration failed")
		return
	}

	sh.run()
}

// register handles first contact against an existing intent.
func (sh *sessionHandler) register(f *RegisterFrame) error {
	h := sh.hub
	rec, err := h.store.GetRegistry(sh.ctx, f.AppID)
	if errors.Is(err, ErrUnknown) && h.opts.AutoCreateIntents {
		createErr := h.store.CreateScheduled(sh.ctx, RegistryRecord{
			ID:            f.AppID,
			ParentID:      f.ParentID,
			Name:          f.AppName,
			RoleRefs:      f.RoleRefs,
			StartDeadline: h.opts.DefaultStartDeadline,
			RegisteredAt:  time.Now().UTC(),
		})
		if createErr != nil && !errors.Is(createErr, ErrAlreadyExists) {
			return createErr
		}
		rec, err = h.store.GetRegistry(sh.ctx, f.AppID)
	}
	if err != nil {
		return err
	}

	// A live slot means a duplicate first-contact regardless of the
	// persisted state; the existing session stays untouched.
	if h.registry.Has(f.AppID) {
		return ErrAlreadyConnected
	}
	sess, err := h.store.GetSession(sh.ctx, f.AppID)
	if err != nil {
		return err
	}
	if sess.State != StateScheduled {
		return ErrNotExpected
	}
	if !uuidPtrEqual(rec.ParentID, f.ParentID) {
		return ErrParentMismatch
	}
	if err := sh.verifyRegistration(f.PubKey, f.Sig, f.AppID, f.PubKey); err != nil {
		return err
	}

	handle := &liveSession{id: f.AppID, send: make(chan []byte, sendQueueDepth), cancel: sh.cancel}
	if !h.registry.TryClaim(f.AppID, handle) {
		return ErrAlreadyConnected
	}
	if err := h.store.Connect(sh.ctx, f.AppID, ConnectParams{
		PubKey:         f.PubKey,
		ServerInstance: h.opts.ServerInstance,
		Process:        f.Process,
	}); err != nil {
		h.registry.Release(f.AppID, handle)
		return err
	}
	h.startWheel.Disarm(f.AppID)

	sh.id = f.AppID
	sh.parentID = rec.ParentID
	sh.pubKey = f.PubKey
	sh.handle = handle
	sh.log = h.log.With().Str("app_id", f.AppID.String()).Logger()

	go sh.writeLoop()
	sh.enqueue(marshalFrame(RegisteredFrame{
		Type:         frameRegistered,
		AppID:        f.AppID,
		ServerPubKey: h.PublicKey(),
	}))
	h.bus.Publish(Event{ID: f.AppID, ParentID: rec.ParentID, Kind: EventStateChange, State: StateConnected})
	sh.log.Info().Str("name", f.AppName).Int("pid", f.Process.PID).Msg("registered")
	return nil
}

// reRegister handles re-contact after transport loss or hub restart.
func (sh *sessionHandler) reRegister(f *ReRegisterFrame) error {
	h := sh.hub
	rec, err := h.store.GetRegistry(sh.ctx, f.AppID)
	if err != nil {
		return err
	}
	if rec.PubKey == "" || rec.PubKey != f.PubKey {
		return ErrKeyMismatch
	}
	if err := sh.verifyRegistration(rec.PubKey, f.Sig, f.AppID, f.PubKey); err != nil {
		return err
	}

	sess, err := h.store.GetSession(sh.ctx, f.AppID)
	if err != nil {
		return err
	}
	switch sess.State {
	case StateReconnecting, StateConnected, StateRunning:
	default:
		return ErrNotExpected
	}

	handle := &liveSession{id: f.AppID, send: make(chan []byte, sendQueueDepth), cancel: sh.cancel}
	if prior := h.registry.Steal(f.AppID, handle); prior != nil {
		prior.displaced.Store(true)
		prior.cancel()
		h.log.Warn().Str("app_id", f.AppID.String()).Msg("duplicate transport, closing prior session")
	}
	if _, err := h.store.Reconnect(sh.ctx, f.AppID, f.PubKey, h.opts.ServerInstance); err != nil {
		h.registry.Release(f.AppID, handle)
		return err
	}
	h.graceWheel.Disarm(f.AppID)

	sh.id = f.AppID
	sh.parentID = rec.ParentID
	sh.pubKey = rec.PubKey
	sh.handle = handle
	sh.lastSeq = sess.LastSeq
	sh.running = true
	sh.log = h.log.With().Str("app_id", f.AppID.String()).Logger()

	go sh.writeLoop()
	sh.enqueue(marshalFrame(RegisteredFrame{
		Type:             frameRegistered,
		AppID:            f.AppID,
		ServerPubKey:     h.PublicKey(),
		LastPersistedSeq: sess.LastSeq,
	}))
	h.bus.Publish(Event{ID: f.AppID, ParentID: rec.ParentID, Kind: EventStateChange, State: StateRunning})
	sh.log.Info().Int64("client_last_seq", f.LastSeq).Int64("server_last_seq", sess.LastSeq).Msg("re-registered")
	return nil
}

// verifyRegistration checks the self-proof signature when the tier
// demands one (or one was volunteered).
func (sh *sessionHandler) verifyRegistration(key, sig string, id uuid.UUID, presentedKey string) error {
	if !sh.hub.opts.SecurityTier.RequiresSignature() && sig == "" {
		return nil
	}
	if sig == "" {
		return ErrSignatureInvalid
	}
	return VerifyDetached(key, sig, registrationSigningBytes(id, presentedKey))
}

// run is the post-registration message loop.
func (sh *sessionHandler) run() {
	defer sh.teardown()
	for {
		data, err := sh.tr.Read(sh.ctx)
		if err != nil {
			return
		}
		frameType, frame, err := decodeClientFrame(data)
		if err != nil {
			sh.audit("protocol", err)
			if sh.protoFailed() {
				return
			}
			continue
		}
		switch f := frame.(type) {
		case *DataFrame:
			if fatal := sh.handleData(f); fatal {
				return
			}
		case *DisconnectFrame:
			if sh.handleDisconnect(f) {
				return
			}
		case *ControlAckFrame:
			sh.handleControlAck(f)
		default:
			sh.audit(frameType, errors.New("duplicate registration frame"))
			return
		}
	}
}

// handleData ingests one Status/Result/Error message. Returns true when
// repeated signature or protocol failures demand the transport close.
func (sh *sessionHandler) handleData(f *DataFrame) bool {
	if f.AppID != sh.id {
		sh.audit("message", errors.New("app_id does not match session"))
		return sh.protoFailed()
	}
	kind, _ := ParseMsgKind(f.Header.MsgType)
	if kind == MsgControl {
		sh.audit("message", errors.New("Control is not an inbound data kind"))
		return false
	}

	if sh.hub.opts.SecurityTier.RequiresSignature() {
		if f.Sig == "" || VerifyDetached(sh.pubKey, f.Sig, signingBytes(f.Header, f.Payload)) != nil {
			sh.sigFailures++
			sh.audit("message", ErrSignatureInvalid)
			return sh.sigFailures >= sh.hub.opts.MaxSigFailures
		}
	}
	if f.Header.Seq <= sh.lastSeq {
		sh.log.Warn().
			Err(ErrSequenceViolation).
			Int64("seq", f.Header.Seq).
			Int64("last_seq", sh.lastSeq).
			Msg("message discarded")
		return false
	}

	if _, err := sh.hub.store.AppendMessage(sh.ctx, MessageRecord{
		ID:            sh.id,
		Direction:     DirectionIn,
		Kind:          kind,
		Seq:           f.Header.Seq,
		CorrelationID: f.Header.CorrelationID,
		Payload:       f.Payload,
	}); err != nil {
		// No ack: the client re-ingests after reconnect.
		sh.log.Error().Err(err).Msg("durable write failed, message not acked")
		return false
	}

	switch kind {
	case MsgStatus:
		if _, err := sh.hub.store.AppendSnapshot(sh.ctx, SnapshotRecord{
			ID:       sh.id,
			Seq:      f.Header.Seq,
			Snapshot: f.Payload,
		}); err != nil {
			sh.log.Error().Err(err).Msg("snapshot write failed")
		}
	case MsgResult:
		sh.endIntent = StateDone
	case MsgError:
		sh.endIntent = StateError
	}

	if !sh.running {
		if err := sh.hub.store.SetRunning(sh.ctx, sh.id); err != nil {
			sh.log.Warn().Err(err).Msg("running transition failed")
		} else {
			sh.hub.bus.Publish(Event{ID: sh.id, ParentID: sh.parentID, Kind: EventStateChange, State: StateRunning})
		}
		sh.running = true
	}

	sh.lastSeq = f.Header.Seq
	sh.hub.bus.Publish(Event{
		ID:       sh.id,
		ParentID: sh.parentID,
		Kind:     EventData,
		MsgKind:  kind,
		Seq:      f.Header.Seq,
		Payload:  f.Payload,
	})
	sh.enqueue(marshalFrame(AckFrame{Type: frameAck, Seq: f.Header.Seq}))
	return false
}

// handleDisconnect processes graceful termination. Returns true when the
// session is finished.
func (sh *sessionHandler) handleDisconnect(f *DisconnectFrame) bool {
	if f.AppID != sh.id {
		sh.audit("disconnect", errors.New("app_id does not match session"))
		return false
	}
	if sh.hub.opts.SecurityTier.RequiresSignature() {
		if f.Sig == "" || VerifyDetached(sh.pubKey, f.Sig, disconnectSigningBytes(f.AppID, f.Reason)) != nil {
			sh.sigFailures++
			sh.audit("disconnect", ErrSignatureInvalid)
			return sh.sigFailures >= sh.hub.opts.MaxSigFailures
		}
	}

	dest := sh.endIntent
	switch f.Reason {
	case "completed", "done":
		dest = StateDone
	case "error", "failed":
		dest = StateError
	case "cancelled":
		// Terminal response to an inbound cancel control. Only a running
		// session has the cancelled edge.
		dest = StateCancelled
		if !sh.running {
			dest = StateDone
		}
	default:
		if dest == "" {
			dest = StateDone
		}
	}

	if err := sh.hub.store.SetTerminal(sh.ctx, sh.id, dest); err != nil {
		sh.log.Warn().Err(err).Str("state", dest.String()).Msg("terminal transition failed")
	} else {
		sh.hub.bus.Publish(Event{ID: sh.id, ParentID: sh.parentID, Kind: EventTerminal, State: dest})
	}
	sh.hub.startWheel.Disarm(sh.id)
	sh.hub.graceWheel.Disarm(sh.id)
	sh.graceful = true
	sh.log.Info().Str("reason", f.Reason).Str("state", dest.String()).Msg("graceful disconnect")
	return true
}

// handleControlAck records acknowledgment of an earlier outbound control.
func (sh *sessionHandler) handleControlAck(f *ControlAckFrame) {
	if f.AppID != sh.id {
		sh.audit("control_ack", errors.New("app_id does not match session"))
		return
	}
	if sh.hub.opts.SecurityTier.RequiresSignature() {
		if f.Sig == "" || VerifyDetached(sh.pubKey, f.Sig, controlAckSigningBytes(f.AppID, f.CorrelationID, f.Result)) != nil {
			sh.sigFailures++
			sh.audit("control_ack", ErrSignatureInvalid)
			return
		}
	}
	if err := sh.hub.store.AckControl(sh.ctx, sh.id, f.CorrelationID, f.Result, time.Now().UTC()); err != nil {
		sh.log.Warn().Err(err).Str("correlation_id", f.CorrelationID).Msg("control ack had no matching envelope")
		return
	}
	sh.hub.bus.Publish(Event{
		ID:       sh.id,
		ParentID: sh.parentID,
		Kind:     EventControlAck,
		Payload:  f.Result,
	})
}

// teardown releases the registry slot and, for ungraceful loss, moves
// the session to reconnecting and arms the grace timer.
func (sh *sessionHandler) teardown() {
	sh.hub.registry.Release(sh.id, sh.handle)
	_ = sh.tr.Close("session closed")

	if sh.graceful {
		return
	}
	if sh.handle != nil && sh.handle.displaced.Load() {
		sh.log.Info().Msg("transport displaced by newer re-register")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sh.hub.opts.IntentTimeout)
	defer cancel()
	if err := sh.hub.store.SetReconnecting(ctx, sh.id); err != nil {
		// Already terminal (e.g. Result persisted, then the close frame
		// raced the disconnect). Nothing to arm.
		sh.log.Debug().Err(err).Msg("reconnecting transition skipped")
		return
	}
	grace := sh.hub.ReconnectGrace()
	sh.hub.graceWheel.Arm(sh.id, time.Now().Add(grace))
	sh.hub.bus.Publish(Event{ID: sh.id, ParentID: sh.parentID, Kind: EventStateChange, State: StateReconnecting})
	sh.log.Warn().Dur("grace", grace).Msg("transport lost, awaiting re-register")
}

// writeLoop serializes all outbound frames for this transport.
func (sh *sessionHandler) writeLoop() {
	for {
		select {
		case <-sh.ctx.Done():
			return
		case frame := <-sh.handle.send:
			wctx, cancel := context.WithTimeout(sh.ctx, writeTimeout)
			err := sh.tr.Write(wctx, frame)
			cancel()
			if err != nil {
				sh.cancel()
				return
			}
		}
	}
}

func (sh *sessionHandler) enqueue(frame []byte) {
	select {
	case sh.handle.send <- frame:
	case <-sh.ctx.Done():
	}
}

func (sh *sessionHandler) audit(frame string, err error) {
	sh.log.Warn().Err(err).Str("frame", frame).Msg("inbound frame discarded")
}

func (sh *sessionHandler) protoFailed() bool {
	sh.protoFailures++
	return sh.protoFailures >= maxProtoFailures
}

func writeDirect(ctx context.Context, tr Transport, frame any) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return tr.Write(wctx, marshalFrame(frame))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknown):
		return "unknown"
	case errors.Is(err, ErrNotExpected):
		return "not_expected"
	case errors.Is(err, ErrParentMismatch):
		return "parent_mismatch"
	case errors.Is(err, ErrAlreadyConnected):
		return "already_connected"
	case errors.Is(err, ErrKeyMismatch):
		return "key_mismatch"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrInvalidTransition):
		return "not_expected"
	default:
		return "protocol_error"
	}
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
