package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/barrhawk/fleetbridge/pkg/breaker"
	"github.com/barrhawk/fleetbridge/pkg/buffer"
	"github.com/barrhawk/fleetbridge/pkg/config"
	"github.com/barrhawk/fleetbridge/pkg/events"
	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/metrics"
	"github.com/barrhawk/fleetbridge/pkg/ratelimit"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// Bridge is the cluster's message hub: authenticated WebSocket ingress,
// routing, supervision of Supervisor children, and the observability
// surface
type Bridge struct {
	cfg config.BridgeConfig

	conns    *ConnManager
	registry *ComponentRegistry
	limiter  *ratelimit.Table
	breakers *breaker.Registry
	seen     *buffer.SeenCache
	dlq      *buffer.DLQ
	msgLog   *buffer.Ring[*types.Message]
	pressure *PressureMonitor
	router   *Router
	doctors  *DoctorManager
	reports  *ReportStore
	journal  *events.Journal

	server   *http.Server
	draining atomic.Bool
	logger   zerolog.Logger
}

// New wires a bridge from configuration
func New(cfg config.BridgeConfig) (*Bridge, error) {
	b := &Bridge{
		cfg:      cfg,
		registry: NewComponentRegistry(),
		seen:     buffer.NewSeenCache(cfg.SeenCacheSize, cfg.SeenCacheTTL),
		msgLog:   buffer.NewRing[*types.Message](cfg.MessageLogSize),
		dlq:      buffer.NewDLQ(cfg.DLQSize, cfg.DLQMaxRetries),
		pressure: NewPressureMonitor(cfg.MemWarningMB, cfg.MemCriticalMB),
		journal:  events.NewJournal(200),
		logger:   log.WithComponent("bridge"),
	}

	b.conns = NewConnManager(ConnManagerConfig{
		SendQueueSize:  cfg.SendQueueSize,
		HealthInitial:  cfg.HealthInitial,
		HealthFloor:    cfg.HealthFloor,
		StaleThreshold: time.Duration(float64(cfg.HeartbeatInterval) * cfg.StaleMultiplier),
	})

	b.limiter = ratelimit.NewTable(cfg.RateRefill, cfg.RateBurst, 5*time.Minute)

	b.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
		OnChange:         b.onBreakerChange,
	})

	var signer *types.Signer
	if cfg.RequireSigning {
		signer = types.NewSigner(cfg.SigningSecret)
	}

	b.router = NewRouter(
		RouterConfig{
			MaxMessageSize:       cfg.MaxMessageSize,
			MinCompatibleVersion: cfg.MinCompatibleVersion,
		},
		b.conns, b.registry, b.limiter, b.breakers,
		b.seen, b.dlq, b.msgLog, b.pressure, signer,
	)

	b.router.OnRegister(func(component types.ComponentID, version string) {
		b.recordEvent(events.EventComponentJoined, string(component)+" "+version)
	})

	b.doctors = NewDoctorManager(DoctorManagerConfig{
		MaxDoctors: cfg.MaxDoctors,
		Binary:     cfg.DoctorBinary,
		BasePort:   cfg.DoctorBasePort,
		BridgeURL:  fmt.Sprintf("ws://localhost:%d/ws", cfg.Port),
		AuthToken:  cfg.AuthToken,
	}, b.Broadcast, b.journal)
	b.doctors.HandleControl(b.router)

	reports, err := NewReportStore(cfg.ReportLogSize, cfg.ScreenshotsDir)
	if err != nil {
		return nil, err
	}
	b.reports = reports
	b.reports.HandleControl(b.router)

	// Kicked connections lose their registrations, rate-limit state,
	// and any cluster presence
	b.conns.OnKick(func(connID string, component types.ComponentID, reason string) {
		b.limiter.Remove(connID)
		for _, unbound := range b.registry.RemoveConn(connID) {
			b.recordEvent(events.EventComponentLeft, string(unbound))
		}
		b.recordEvent(events.EventConnectionKicked, connID+": "+reason)
	})

	// Letters that exhaust their retries are announced to the cluster
	b.dlq.OnPermanentFailure(func(letter *buffer.DeadLetter) {
		metrics.DLQPermanentFailures.Inc()
		b.recordEvent(events.EventLetterExpired,
			fmt.Sprintf("message %s to %s: %s", letter.Message.ID, letter.Target, letter.Reason))
		b.Broadcast(types.NewMessage(BridgeID, types.Broadcast, types.TypeError, map[string]any{
			"error":    "Message permanently undeliverable",
			"targetId": string(letter.Target),
			"msgId":    letter.Message.ID,
			"reason":   letter.Reason,
		}))
	})
	b.dlq.OnDrop(func() { metrics.DLQDropped.Inc() })

	metrics.RegisterReadinessGate("draining", func() string {
		if b.Draining() {
			return "draining"
		}
		return ""
	})
	metrics.RegisterReadinessGate("memory", func() string {
		if b.pressure.Level() >= PressureCritical {
			return "memory pressure critical"
		}
		return ""
	})
	metrics.UpdateComponent("router", true, "")

	go b.mirrorEvents()

	return b, nil
}

// Start serves until ctx is cancelled, then drains, shuts down, and
// returns nil. A non-nil error means listening or serving failed.
func (b *Bridge) Start(ctx context.Context) error {
	b.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", b.cfg.Port),
		Handler: b.routes(),
	}

	ln, err := net.Listen("tcp", b.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.server.Addr, err)
	}

	b.logger.Info().Int("port", b.cfg.Port).Msg("bridge listening")

	errCh := make(chan error, 1)
	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		b.Shutdown()
		return nil
	}
}

// Handler returns the hub's full HTTP surface, for embedding or tests
func (b *Bridge) Handler() http.Handler {
	return b.routes()
}

// Addr returns the listen address once serving
func (b *Bridge) Addr() string {
	return b.server.Addr
}

// Draining reports whether the hub has begun refusing new connections
func (b *Bridge) Draining() bool {
	return b.draining.Load()
}

// Broadcast pushes a bridge-originated message to every registered
// component
func (b *Bridge) Broadcast(msg *types.Message) {
	msg.EnsureCorrelation()
	b.router.broadcast("", msg)
}

// Shutdown drains connections within the configured deadline and stops
// every background worker
func (b *Bridge) Shutdown() {
	if !b.draining.CompareAndSwap(false, true) {
		return
	}
	b.logger.Info().Dur("timeout", b.cfg.DrainTimeout).Msg("draining")
	b.recordEvent(events.EventDrainStarted, "")

	b.conns.Drain(b.cfg.DrainTimeout)
	b.doctors.KillAll("shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if b.server != nil {
		_ = b.server.Shutdown(ctx)
	}

	b.conns.Stop()
	b.seen.Stop()
	b.limiter.Stop()
	b.pressure.Stop()
	b.reports.Stop()
	b.journal.Close()
	b.logger.Info().Msg("bridge stopped")
}

func (b *Bridge) onBreakerChange(name string, from, to gobreaker.State) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))

	evType := events.EventCircuitClosed
	if to == gobreaker.StateOpen {
		evType = events.EventCircuitOpened
	}
	b.recordEvent(evType, name+": "+from.String()+" -> "+to.String())
}

func (b *Bridge) recordEvent(t events.EventType, detail string) {
	b.journal.Record(t, detail)
}

// mirrorEvents tails the journal into the debug log until the journal
// closes at shutdown
func (b *Bridge) mirrorEvents() {
	ch, _ := b.journal.Watch()
	for ev := range ch {
		b.logger.Debug().Str("event", string(ev.Type)).Str("detail", ev.Detail).Msg("cluster event")
	}
}

func (b *Bridge) debugState() map[string]any {
	return map[string]any{
		"draining":        b.Draining(),
		"connections":     b.conns.Count(),
		"components":      b.registry.Snapshot(),
		"dlq":             b.dlq.Stats(),
		"circuits":        b.breakers.Snapshot(),
		"errorRate":       b.router.ErrorRate(),
		"successRate":     b.router.SuccessRate(),
		"memoryPressure":  b.pressure.Level().String(),
		"rssMB":           b.pressure.RSSMB(),
		"doctors":         b.doctors.List(),
		"recentEvents":    b.journal.Recent(50),
		"messageLogDepth": b.msgLog.Len(),
	}
}
