package bridge

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/barrhawk/fleetbridge/pkg/breaker"
	"github.com/barrhawk/fleetbridge/pkg/buffer"
	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/metrics"
	"github.com/barrhawk/fleetbridge/pkg/ratelimit"
	"github.com/barrhawk/fleetbridge/pkg/types"
	"github.com/barrhawk/fleetbridge/pkg/window"
)

// BridgeID is the hub's own component id on the wire
const BridgeID types.ComponentID = "bridge"

// loadShedFrameSize is the frame length above which warning-level
// memory pressure starts shedding
const loadShedFrameSize = 1024

// Sliding window dimensions for the hub's error and success rates
const (
	windowHorizon = 60 * time.Second
	windowBuckets = 12
)

// InlineHandler processes a control message type the bridge handles
// itself instead of routing
type InlineHandler func(connID string, msg *types.Message)

// RouterConfig holds the routing policy knobs
type RouterConfig struct {
	MaxMessageSize       int
	MinCompatibleVersion string
}

// Router validates, deduplicates, and delivers every frame arriving on
// a connection. Frames from one connection are processed in arrival
// order by that connection's read pump; the router itself never blocks
// on a slow peer.
type Router struct {
	cfg RouterConfig

	conns    *ConnManager
	registry *ComponentRegistry
	limiter  *ratelimit.Table
	breakers *breaker.Registry
	seen     *buffer.SeenCache
	dlq      *buffer.DLQ
	msgLog   *buffer.Ring[*types.Message]
	pressure *PressureMonitor
	signer   *types.Signer // nil when signing is not required

	errWindow *window.Counter
	okWindow  *window.Counter

	inline map[string]InlineHandler

	// onRegister observes successful component registrations
	onRegister func(component types.ComponentID, version string)

	logger zerolog.Logger
}

// NewRouter wires the routing pipeline
func NewRouter(
	cfg RouterConfig,
	conns *ConnManager,
	registry *ComponentRegistry,
	limiter *ratelimit.Table,
	breakers *breaker.Registry,
	seen *buffer.SeenCache,
	dlq *buffer.DLQ,
	msgLog *buffer.Ring[*types.Message],
	pressure *PressureMonitor,
	signer *types.Signer,
) *Router {
	return &Router{
		cfg:       cfg,
		conns:     conns,
		registry:  registry,
		limiter:   limiter,
		breakers:  breakers,
		seen:      seen,
		dlq:       dlq,
		msgLog:    msgLog,
		pressure:  pressure,
		signer:    signer,
		errWindow: window.NewCounter(windowHorizon, windowBuckets),
		okWindow:  window.NewCounter(windowHorizon, windowBuckets),
		inline:    make(map[string]InlineHandler),
		logger:    log.WithComponent("router"),
	}
}

// HandleInline installs a control handler for one message type. Inline
// types are consumed by the bridge and never routed.
func (r *Router) HandleInline(msgType string, fn InlineHandler) {
	r.inline[msgType] = fn
}

// OnRegister installs the registration observer
func (r *Router) OnRegister(fn func(component types.ComponentID, version string)) {
	r.onRegister = fn
}

// ErrorRate returns errors per second over the sliding window
func (r *Router) ErrorRate() float64 {
	return r.errWindow.Rate()
}

// SuccessRate returns deliveries per second over the sliding window
func (r *Router) SuccessRate() float64 {
	return r.okWindow.Rate()
}

// HandleFrame runs one frame through the admission pipeline. A panic in
// any handler is recovered here: the hub logs it, counts it, and keeps
// serving.
func (r *Router) HandleFrame(connID string, frame []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerPanics.Inc()
			r.errWindow.Increment()
			r.logger.Error().Interface("panic", rec).Str("conn_id", connID).Msg("recovered panic in frame handler")
		}
	}()

	// Rate limit
	if !r.limiter.Allow(connID) {
		metrics.MessagesRateLimited.Inc()
		r.sendErrorf(connID, map[string]any{"retryAfter": r.limiter.RetryAfter().Milliseconds()},
			"Rate limit exceeded")
		return
	}

	// Load shed: under pressure, large frames are not worth parsing
	if r.pressure.Level() >= PressureWarning && len(frame) > loadShedFrameSize {
		metrics.MessagesShed.Inc()
		r.sendErrorf(connID, nil, "Load shedding: memory pressure %s", r.pressure.Level())
		return
	}

	// Size check
	if len(frame) > r.cfg.MaxMessageSize {
		metrics.MessageErrors.WithLabelValues("oversize").Inc()
		r.conns.RecordError(connID)
		r.sendErrorf(connID, nil, "Message size %d exceeds maximum %d", len(frame), r.cfg.MaxMessageSize)
		return
	}

	// Parse
	msg, err := types.DecodeMessage(frame)
	if err != nil {
		metrics.MessageErrors.WithLabelValues("parse").Inc()
		r.errWindow.Increment()
		r.conns.RecordError(connID)
		return
	}

	// Schema
	if err := msg.Validate(); err != nil {
		metrics.MessageErrors.WithLabelValues("schema").Inc()
		r.conns.RecordError(connID)
		r.sendErrorf(connID, nil, "Invalid message: %v", err)
		return
	}
	// Signature is verified over the frame as sent, before the hub
	// fills in a missing correlation id
	if r.signer != nil && !r.signer.Verify(msg) {
		metrics.MessageErrors.WithLabelValues("signature").Inc()
		r.conns.RecordError(connID)
		r.sendErrorf(connID, nil, "Invalid or missing signature")
		return
	}
	msg.EnsureCorrelation()

	// Dedupe
	if r.seen.IsDuplicate(msg.ID) {
		metrics.MessagesDuplicate.Inc()
		return
	}

	r.conns.RecordActivity(connID)
	r.msgLog.Push(msg)

	// Control types consumed by the hub
	switch msg.Type {
	case types.TypeRegister:
		r.handleRegister(connID, msg)
		return
	case types.TypeHeartbeat:
		r.handleHeartbeat(connID, msg)
		return
	}
	if fn, ok := r.inline[msg.Type]; ok {
		fn(connID, msg)
		return
	}

	timer := metrics.NewTimer()
	if msg.Target.IsBroadcast() {
		r.broadcast(connID, msg)
	} else {
		r.route(connID, msg)
	}
	timer.ObserveDuration(metrics.RoutingDuration)
}

// handleRegister performs the version gate, displaces any prior
// connection for the component, and announces the newcomer
func (r *Router) handleRegister(connID string, msg *types.Message) {
	component := types.ComponentID(msg.PayloadString("id"))
	version := msg.PayloadString("version")

	if !component.Valid() {
		r.sendErrorf(connID, nil, "Invalid component id %q", component)
		r.conns.RecordError(connID)
		return
	}
	if !types.VersionCompatible(version, r.cfg.MinCompatibleVersion) {
		r.sendErrorf(connID, nil, "Incompatible version %q, minimum %q", version, r.cfg.MinCompatibleVersion)
		r.conns.Kick(connID, "Incompatible version")
		return
	}

	prevConn, displaced := r.registry.Register(component, connID, version)
	if displaced {
		r.conns.Kick(prevConn, "duplicate registration")
	}
	r.conns.SetComponent(connID, component, version)

	r.logger.Info().
		Str("component", string(component)).
		Str("version", version).
		Str("conn_id", connID).
		Msg("component registered")

	if r.onRegister != nil {
		r.onRegister(component, version)
	}

	announce := types.NewMessage(BridgeID, types.Broadcast, types.TypeVersionAnnounce, map[string]any{
		"component": string(component),
		"version":   version,
	})
	announce.CorrelationID = msg.CorrelationID
	r.broadcast(connID, announce)

	// Replay letters that were waiting for this component to connect
	for _, letter := range r.dlq.Drain(component) {
		r.route(connID, letter.Message)
	}
	r.publishDLQDepth()
}

func (r *Router) handleHeartbeat(connID string, msg *types.Message) {
	reply := types.NewMessage(BridgeID, msg.Source, types.TypeHeartbeat, map[string]any{
		"received": msg.ID,
	})
	reply.CorrelationID = msg.CorrelationID
	r.sendTo(connID, reply)
}

// broadcast fans out to every registered component except the sender's
// own connection
func (r *Router) broadcast(senderConn string, msg *types.Message) {
	frame, err := msg.Encode()
	if err != nil {
		r.errWindow.Increment()
		return
	}

	metrics.MessagesBroadcast.Inc()
	for _, reg := range r.registry.Snapshot() {
		if reg.ConnID == senderConn {
			continue
		}
		if !r.conns.Send(reg.ConnID, frame) {
			r.dlq.Enqueue(msg, reg.Component, "Send queue full")
		}
	}
	r.publishDLQDepth()
}

// route delivers point-to-point through the target's circuit breaker
func (r *Router) route(senderConn string, msg *types.Message) {
	brk := r.breakers.Get(string(msg.Target))

	done, err := brk.Allow()
	if err != nil {
		metrics.MessagesCircuitOpen.Inc()
		r.dlq.Enqueue(msg, msg.Target, "Circuit breaker open")
		r.publishDLQDepth()
		r.sendErrorf(senderConn, map[string]any{
			"target":     string(msg.Target),
			"retryAfter": brk.RemainingCooldown().Milliseconds(),
		}, "Circuit breaker open for %s", msg.Target)
		return
	}

	targetConn, ok := r.registry.Resolve(msg.Target)
	if !ok {
		done(false)
		r.errWindow.Increment()
		r.dlq.Enqueue(msg, msg.Target, "Target not connected")
		r.publishDLQDepth()
		r.sendErrorf(senderConn, map[string]any{"target": string(msg.Target)},
			"Target not connected: %s", msg.Target)
		return
	}

	frame, err := msg.Encode()
	if err != nil {
		done(false)
		r.errWindow.Increment()
		return
	}

	if r.conns.Send(targetConn, frame) {
		done(true)
		r.okWindow.Increment()
		metrics.MessagesRouted.Inc()
		r.conns.RecordSuccess(senderConn)
	} else {
		done(false)
		r.errWindow.Increment()
		r.dlq.Enqueue(msg, msg.Target, "Send queue full")
		r.publishDLQDepth()
	}
}

// sendTo delivers a bridge-originated message straight to a connection,
// bypassing the breaker; the hub's own replies never trip peers' state
func (r *Router) sendTo(connID string, msg *types.Message) {
	frame, err := msg.Encode()
	if err != nil {
		return
	}
	r.conns.Send(connID, frame)
}

// sendErrorf replies with a structured error frame
func (r *Router) sendErrorf(connID string, extra map[string]any, format string, args ...any) {
	payload := map[string]any{"error": fmt.Sprintf(format, args...)}
	for k, v := range extra {
		payload[k] = v
	}
	r.sendTo(connID, types.NewMessage(BridgeID, "", types.TypeError, payload))
}

func (r *Router) publishDLQDepth() {
	metrics.DLQDepth.Set(float64(r.dlq.Len()))
}
