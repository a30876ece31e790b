package trails

import (
	"context"
	"time"
)

// Reconcile repairs session state after a hub restart. It must complete
// before the transport endpoint accepts connections:
//
//  1. Sessions this instance owned in connected/running move to
//     reconnecting with the (larger) startup grace armed.
//  2. Scheduled sessions whose deadline survived downtime get their
//     start-deadline timers re-armed.
//  3. Scheduled sessions whose deadline elapsed during downtime fail
//     immediately.
func (h *Hub) Reconcile(ctx context.Context) error {
	now := time.Now().UTC()

	ids, err := h.store.MarkInstanceReconnecting(ctx, h.opts.ServerInstance)
	if err != nil {
		return err
	}
	for _, id := range ids {
		h.graceWheel.Arm(id, now.Add(h.opts.StartupGrace))
		h.bus.Publish(Event{ID: id, Kind: EventStateChange, State: StateReconnecting})
	}
	if len(ids) > 0 {
		h.log.Info().
			Int("count", len(ids)).
			Dur("startup_grace", h.opts.StartupGrace).
			Msg("previously-owned sessions marked reconnecting")
	}

	scheduled, err := h.store.ListScheduled(ctx)
	if err != nil {
		return err
	}
	rearmed, expired := 0, 0
	for _, intent := range scheduled {
		deadlineAt := intent.CreatedAt.Add(intent.Deadline)
		if deadlineAt.After(now) {
			h.startWheel.Arm(intent.ID, deadlineAt)
			rearmed++
			continue
		}
		// Deadline elapsed while the hub was down.
		if err := h.store.SetStartFailed(ctx, intent.ID); err != nil {
			h.log.Warn().Err(err).Str("app_id", intent.ID.String()).Msg("reconcile: start_failed transition failed")
			continue
		}
		if err := h.store.RecordCrash(ctx, CrashRecord{
			ID:         intent.ID,
			Kind:       CrashNeverStarted,
			GapSeconds: now.Sub(intent.CreatedAt).Seconds(),
		}); err != nil {
			h.log.Error().Err(err).Str("app_id", intent.ID.String()).Msg("reconcile: crash row failed")
		}
		rec, _ := h.store.GetRegistry(ctx, intent.ID)
		h.bus.Publish(Event{ID: intent.ID, ParentID: rec.ParentID, Kind: EventTerminal, State: StateStartFailed})
		expired++
	}
	if rearmed > 0 || expired > 0 {
		h.log.Info().Int("rearmed", rearmed).Int("expired", expired).Msg("scheduled intents reconciled")
	}
	return nil
}
