package trails

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IntentRequest is a parent's declaration that a child will register.
type IntentRequest struct {
	ParentID      *uuid.UUID
	ChildID       uuid.UUID
	Name          string
	StartDeadline time.Duration
	RoleRefs      []string
	Tags          map[string]string
	Originator    map[string]string
	StartDay      int
}

// CreateIntent durably records the intent and arms the start-deadline
// timer. Success is durable before this returns.
func (h *Hub) CreateIntent(ctx context.Context, req IntentRequest) error {
	if req.StartDeadline <= 0 {
		return fmt.Errorf("%w: start deadline must be positive", ErrInvalidDeadline)
	}
	if req.StartDeadline > h.opts.DeadlineCeiling {
		return fmt.Errorf("%w: start deadline exceeds ceiling %s", ErrInvalidDeadline, h.opts.DeadlineCeiling)
	}
	if req.ChildID == uuid.Nil {
		return fmt.Errorf("%w: child id required", ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.IntentTimeout)
	defer cancel()

	now := time.Now().UTC()
	rec := RegistryRecord{
		ID:            req.ChildID,
		ParentID:      req.ParentID,
		Name:          req.Name,
		RoleRefs:      req.RoleRefs,
		Tags:          req.Tags,
		Originator:    req.Originator,
		StartDay:      req.StartDay,
		StartDeadline: req.StartDeadline,
		RegisteredAt:  now,
	}
	if err := h.store.CreateScheduled(ctx, rec); err != nil {
		return err
	}
	h.startWheel.Arm(req.ChildID, now.Add(req.StartDeadline))
	h.log.Info().
		Str("app_id", req.ChildID.String()).
		Str("name", req.Name).
		Dur("deadline", req.StartDeadline).
		Msg("intent created")
	h.bus.Publish(Event{ID: req.ChildID, ParentID: req.ParentID, Kind: EventStateChange, State: StateScheduled})
	return nil
}

// CancelIntent tombstones a still-scheduled session and disarms its
// start-deadline timer. Returns ErrNotScheduled once the child has
// progressed past scheduled.
func (h *Hub) CancelIntent(ctx context.Context, childID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.IntentTimeout)
	defer cancel()

	sess, err := h.store.GetSession(ctx, childID)
	if err != nil {
		return err
	}
	if sess.State != StateScheduled {
		return ErrNotScheduled
	}
	if err := h.store.CancelIntent(ctx, childID); err != nil {
		return err
	}
	h.startWheel.Disarm(childID)
	rec, _ := h.store.GetRegistry(ctx, childID)
	h.log.Info().Str("app_id", childID.String()).Msg("intent cancelled")
	h.bus.Publish(Event{ID: childID, ParentID: rec.ParentID, Kind: EventTerminal, State: StateCancelled})
	return nil
}

// ControlDisposition reports what happened to an injected control.
type ControlDisposition string

const (
	ControlDelivered ControlDisposition = "delivered"
	ControlQueued    ControlDisposition = "queued"
)

// InjectControl persists an outbound control envelope and, when a live
// transport exists, dispatches it. Queued envelopes stay durable with a
// null sent_at; redelivery on reconnect is a later-phase concern.
func (h *Hub) InjectControl(ctx context.Context, id uuid.UUID, action string, payload json.RawMessage) (ControlDisposition, error) {
	if action == "" {
		return "", fmt.Errorf("%w: control action required", ErrInvalidInput)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", fmt.Errorf("%w: control payload is not valid json", ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.IntentTimeout)
	defer cancel()

	if _, err := h.store.GetSession(ctx, id); err != nil {
		return "", err
	}

	correlationID := uuid.NewString()
	frame := ControlFrame{
		Type:          frameControl,
		Action:        action,
		CorrelationID: correlationID,
		Payload:       payload,
	}
	if h.opts.SecurityTier.RequiresSignature() {
		frame.Sig = h.ident.Sign(controlAckSigningBytes(id, correlationID, payload))
	}

	rowID, err := h.store.AppendControl(ctx, ControlEnvelope{
		ID:            id,
		Action:        action,
		CorrelationID: correlationID,
		Payload:       payload,
	})
	if err != nil {
		return "", err
	}

	if routeErr := h.registry.Route(id, marshalFrame(frame)); routeErr != nil {
		h.log.Debug().Str("app_id", id.String()).Str("action", action).Msg("control queued, no live transport")
		return ControlQueued, nil
	}
	if err := h.store.MarkControlSent(ctx, rowID, time.Now().UTC()); err != nil {
		h.log.Warn().Err(err).Int64("row", rowID).Msg("control sent_at update failed")
	}
	return ControlDelivered, nil
}
