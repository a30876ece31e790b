package trails

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CrashDowngrade selects the terminal state for reconnection-grace expiry.
type CrashDowngrade string

const (
	// DowngradeAuto: crashed when the session persisted at least one data
	// message, lost_contact otherwise.
	DowngradeAuto   CrashDowngrade = "auto"
	DowngradeAlways CrashDowngrade = "always"
	DowngradeNever  CrashDowngrade = "never"
)

// Options configures a Hub. Zero durations fall back to the defaults
// below.
type Options struct {
	Store          Store
	ServerInstance string
	SecurityTier   SecurityTier
	Identity       *HubIdentity
	Logger         zerolog.Logger

	RegistrationTimeout  time.Duration
	DeadlineCeiling      time.Duration
	DefaultStartDeadline time.Duration
	ReconnectGrace       time.Duration
	StartupGrace         time.Duration
	IntentTimeout        time.Duration
	StartScanInterval    time.Duration
	GraceScanInterval    time.Duration

	CrashDowngrade    CrashDowngrade
	AutoCreateIntents bool
	EventBuffer       int
	MaxSigFailures    int
}

const (
	defaultRegistrationTimeout  = 30 * time.Second
	defaultDeadlineCeiling      = 24 * time.Hour
	defaultStartDeadline        = 300 * time.Second
	defaultReconnectGrace       = 60 * time.Second
	defaultStartupGrace         = 120 * time.Second
	defaultIntentTimeout        = 5 * time.Second
	defaultStartScanInterval    = time.Second
	defaultGraceScanInterval    = 5 * time.Second
	defaultMaxSigFailures       = 3
)

func (o *Options) applyDefaults() {
	if o.RegistrationTimeout <= 0 {
		o.RegistrationTimeout = defaultRegistrationTimeout
	}
	if o.DeadlineCeiling <= 0 {
		o.DeadlineCeiling = defaultDeadlineCeiling
	}
	if o.DefaultStartDeadline <= 0 {
		o.DefaultStartDeadline = defaultStartDeadline
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = defaultReconnectGrace
	}
	if o.StartupGrace <= 0 {
		o.StartupGrace = defaultStartupGrace
	}
	if o.IntentTimeout <= 0 {
		o.IntentTimeout = defaultIntentTimeout
	}
	if o.StartScanInterval <= 0 {
		o.StartScanInterval = defaultStartScanInterval
	}
	if o.GraceScanInterval <= 0 {
		o.GraceScanInterval = defaultGraceScanInterval
	}
	if o.CrashDowngrade == "" {
		o.CrashDowngrade = DowngradeAuto
	}
	if o.SecurityTier == "" {
		o.SecurityTier = TierOpen
	}
	if o.MaxSigFailures <= 0 {
		o.MaxSigFailures = defaultMaxSigFailures
	}
}

// Hub is the communication and lifecycle engine: it owns the durable
// store, the session registry, the event bus, and the two timer wheels.
type Hub struct {
	opts     Options
	store    Store
	registry *SessionRegistry
	bus      *Bus
	ident    *HubIdentity
	log      zerolog.Logger

	startWheel *TimerWheel
	graceWheel *TimerWheel

	// Hot-reloadable tunables, guarded separately from opts.
	tunables struct {
		sync.Mutex
		reconnectGrace time.Duration
	}

	shuttingDown atomic.Bool
	runCancel    context.CancelFunc
	wg           sync.WaitGroup
}

func NewHub(opts Options) (*Hub, error) {
	opts.applyDefaults()
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: hub requires a store", ErrInvalidInput)
	}
	if opts.ServerInstance == "" {
		return nil, fmt.Errorf("%w: hub requires a server instance name", ErrInvalidInput)
	}
	ident := opts.Identity
	if ident == nil {
		var err error
		ident, err = NewHubIdentity()
		if err != nil {
			return nil, err
		}
	}
	h := &Hub{
		opts:     opts,
		store:    opts.Store,
		registry: NewSessionRegistry(),
		bus:      NewBus(opts.EventBuffer),
		ident:    ident,
		log:      opts.Logger.With().Str("component", "hub").Str("instance", opts.ServerInstance).Logger(),
	}
	h.tunables.reconnectGrace = opts.ReconnectGrace
	h.startWheel = NewTimerWheel("start_deadline", opts.StartScanInterval, h.onStartDeadline)
	h.graceWheel = NewTimerWheel("reconnect_grace", opts.GraceScanInterval, h.onGraceExpiry)
	return h, nil
}

// Start launches the timer wheels. It returns immediately; the wheels
// stop when ctx is cancelled or Shutdown runs.
func (h *Hub) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.runCancel = cancel
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.startWheel.Run(ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.graceWheel.Run(ctx)
	}()
}

// Shutdown broadcasts a hub_shutting_down hint to every live session,
// waits for the bounded drain interval, then stops the wheels. Sessions
// left connected complete their transition through the reconciler on the
// next startup.
func (h *Hub) Shutdown(drain time.Duration) {
	if !h.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	h.log.Info().Msg("shutting down, notifying live sessions")
	h.registry.Broadcast(marshalFrame(ShuttingDownFrame{Type: frameShuttingDown}))
	if drain > 0 {
		time.Sleep(drain)
	}
	if h.runCancel != nil {
		h.runCancel()
	}
	h.wg.Wait()
}

// ShuttingDown reports whether new transports should be refused.
func (h *Hub) ShuttingDown() bool { return h.shuttingDown.Load() }

// PublicKey is the hub identity key handed to clients in registered acks.
func (h *Hub) PublicKey() string { return h.ident.PublicKeyString() }

// SubscribeEvents attaches a consumer to the in-process event bus.
func (h *Hub) SubscribeEvents(filter EventFilter) *Subscription {
	return h.bus.Subscribe(filter)
}

// UnsubscribeEvents detaches a consumer.
func (h *Hub) UnsubscribeEvents(sub *Subscription) {
	h.bus.Unsubscribe(sub)
}

// ReconnectGrace is the current (hot-reloadable) steady-state grace.
func (h *Hub) ReconnectGrace() time.Duration {
	h.tunables.Lock()
	defer h.tunables.Unlock()
	return h.tunables.reconnectGrace
}

// SetReconnectGrace applies a config reload to the steady-state grace.
// Already-armed timers keep their original expiry.
func (h *Hub) SetReconnectGrace(grace time.Duration) {
	if grace <= 0 {
		return
	}
	h.tunables.Lock()
	h.tunables.reconnectGrace = grace
	h.tunables.Unlock()
	h.log.Info().Dur("grace", grace).Msg("reconnect grace updated")
}

// onStartDeadline fires when a scheduled session never registered.
func (h *Hub) onStartDeadline(id uuid.UUID, _ time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.IntentTimeout)
	defer cancel()

	sess, err := h.store.GetSession(ctx, id)
	if err != nil {
		h.log.Warn().Err(err).Str("app_id", id.String()).Msg("start deadline: session lookup failed")
		return
	}
	if sess.State != StateScheduled {
		return
	}
	if err := h.store.SetStartFailed(ctx, id); err != nil {
		h.log.Warn().Err(err).Str("app_id", id.String()).Msg("start deadline: transition failed")
		return
	}
	rec, _ := h.store.GetRegistry(ctx, id)
	gap := time.Since(rec.RegisteredAt).Seconds()
	if err := h.store.RecordCrash(ctx, CrashRecord{
		ID:         id,
		Kind:       CrashNeverStarted,
		GapSeconds: gap,
	}); err != nil {
		h.log.Error().Err(err).Str("app_id", id.String()).Msg("start deadline: crash row failed")
	}
	h.log.Info().Str("app_id", id.String()).Float64("gap_s", gap).Msg("start deadline expired, never started")
	h.bus.Publish(Event{ID: id, ParentID: rec.ParentID, Kind: EventTerminal, State: StateStartFailed})
}

// onGraceExpiry fires when a reconnecting session ran out its grace.
func (h *Hub) onGraceExpiry(id uuid.UUID, _ time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.IntentTimeout)
	defer cancel()

	sess, err := h.store.GetSession(ctx, id)
	if err != nil {
		h.log.Warn().Err(err).Str("app_id", id.String()).Msg("grace expiry: session lookup failed")
		return
	}
	if sess.State != StateReconnecting {
		return
	}

	dest := StateLostContact
	switch h.opts.CrashDowngrade {
	case DowngradeAlways:
		dest = StateCrashed
	case DowngradeNever:
		dest = StateLostContact
	default:
		if sess.LastSeq > 0 {
			dest = StateCrashed
		}
	}
	if err := h.store.ExpireReconnecting(ctx, id, dest); err != nil {
		h.log.Warn().Err(err).Str("app_id", id.String()).Msg("grace expiry: transition failed")
		return
	}
	gap := 0.0
	if sess.DisconnectedAt != nil {
		gap = time.Since(*sess.DisconnectedAt).Seconds()
	}
	if err := h.store.RecordCrash(ctx, CrashRecord{
		ID:         id,
		Kind:       CrashConnectionDrop,
		GapSeconds: gap,
	}); err != nil {
		h.log.Error().Err(err).Str("app_id", id.String()).Msg("grace expiry: crash row failed")
	}
	rec, _ := h.store.GetRegistry(ctx, id)
	h.log.Warn().Str("app_id", id.String()).Str("state", dest.String()).Float64("gap_s", gap).Msg("reconnection grace expired")
	h.bus.Publish(Event{ID: id, ParentID: rec.ParentID, Kind: EventTerminal, State: dest})
}
