package igor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/barrhawk/fleetbridge/pkg/breaker"
	"github.com/barrhawk/fleetbridge/pkg/config"
	"github.com/barrhawk/fleetbridge/pkg/experience"
	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// NoopReasoner satisfies Reasoner without any external endpoint; it is
// the default until an operator wires a real one in
type NoopReasoner struct{}

// Think returns a fixed notice
func (NoopReasoner) Think(ctx context.Context, prompt string) (string, error) {
	return "no external reasoner configured", nil
}

// Igor is one worker-face process: a persistent hub connection, the
// plan execution engine, the escalation machine, and supervision of
// executor and route-worker children
type Igor struct {
	cfg config.IgorConfig

	client    *Client
	pending   *PendingTable
	brk       *breaker.Breaker
	lightning *Lightning
	exp       *experience.Store
	helpers   *HelperTools
	engine    *Engine
	franks    *FrankManager
	routes    *RouteManager

	server *http.Server
	logger zerolog.Logger
}

// New wires a worker face from configuration. A nil reasoner gets the
// noop default.
func New(cfg config.IgorConfig, reasoner Reasoner) (*Igor, error) {
	if reasoner == nil {
		reasoner = NoopReasoner{}
	}

	ig := &Igor{
		cfg:       cfg,
		pending:   NewPendingTable(),
		lightning: NewLightning(cfg.AutoStrikeThreshold, reasoner),
		helpers:   NewHelperTools(cfg.ToolCacheTTL),
		logger:    log.WithComponent("igor"),
	}

	ig.brk = breaker.New("executor", breaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
	})

	if cfg.ExperiencePath != "" {
		exp, err := experience.Open(cfg.ExperiencePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open experience store: %w", err)
		}
		ig.exp = exp
	}

	ig.client = NewClient(ClientConfig{
		ID:        types.ComponentID(cfg.ID),
		Version:   cfg.Version,
		BridgeURL: cfg.BridgeURL,
		AuthToken: cfg.AuthToken,
		Heartbeat: cfg.HeartbeatInterval,
	})

	ig.engine = NewEngine(EngineConfig{
		IgorID:      types.ComponentID(cfg.ID),
		ExecutorID:  types.ComponentID(cfg.ExecutorID),
		StepTimeout: cfg.StepTimeout,
	}, ig.client, ig.pending, ig.brk, ig.exp, ig.lightning, ig.helpers)
	ig.helpers.Bind(ig.engine.request)

	ig.franks = NewFrankManager(FrankManagerConfig{
		IgorID:    types.ComponentID(cfg.ID),
		Binary:    cfg.FrankBinary,
		BasePort:  cfg.FrankBasePort,
		PoolSize:  cfg.FrankPoolSize,
		BridgeURL: cfg.BridgeURL,
		AuthToken: cfg.AuthToken,
	}, ig.client)

	ig.routes = NewRouteManager(RouteManagerConfig{
		IgorID:    types.ComponentID(cfg.ID),
		Binary:    cfg.IgorBinary,
		BasePort:  cfg.IgorBasePort,
		BridgeURL: cfg.BridgeURL,
		AuthToken: cfg.AuthToken,
	}, ig.client)

	ig.installHandlers()
	return ig, nil
}

// installHandlers wires the hub message vocabulary the worker face owns
func (ig *Igor) installHandlers() {
	c := ig.client
	me := types.ComponentID(ig.cfg.ID)

	c.Handle(types.TypePlanSubmit, ig.engine.HandlePlanSubmit)
	ig.engine.InstallResponseHandlers(c)

	c.Handle("igor.strike", func(msg *types.Message) {
		ig.lightning.Strike("requested by " + string(msg.Source))
		ig.reply(msg, "igor.struck", map[string]any{"igorId": string(me)})
	})

	c.Handle("igor.powerdown", func(msg *types.Message) {
		ig.lightning.PowerDown()
		ig.reply(msg, "igor.powereddown", map[string]any{"igorId": string(me)})
	})

	c.Handle("igor.think", func(msg *types.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		response, err := ig.lightning.Think(ctx, msg.PayloadString("prompt"))
		payload := map[string]any{"igorId": string(me)}
		if err != nil {
			payload["error"] = err.Error()
		} else {
			payload["thought"] = response
		}
		ig.reply(msg, "igor.thought", payload)
	})

	c.Handle("igor.lightning.status", func(msg *types.Message) {
		status := ig.lightning.Status()
		ig.reply(msg, "igor.lightning.status.response", map[string]any{
			"igorId":              string(me),
			"mode":                string(status.Mode),
			"totalStrikes":        status.TotalStrikes,
			"consecutiveFailures": status.ConsecutiveFailures,
		})
	})

	c.Handle("igor.spawn", func(msg *types.Message) {
		worker, err := ig.routes.Spawn(
			msg.PayloadString("routeId"),
			msg.PayloadString("routeName"),
			payloadMap(msg, "conditions"),
		)
		if err != nil {
			ig.reply(msg, "igor.spawn.failed", map[string]any{"error": err.Error()})
			return
		}
		ig.reply(msg, "igor.spawned", map[string]any{"workerId": worker.ID, "port": worker.Port})
	})

	c.Handle("tool.inject", func(msg *types.Message) {
		name := msg.PayloadString("name")
		if name != "" {
			ig.helpers.Inject(Tool{Name: name, Description: msg.PayloadString("description")})
		}
	})

	// frank.done marks an executor free so the task queue drains
	c.Handle("frank.done", func(msg *types.Message) {
		ig.franks.OnTaskDone(string(msg.Source))
	})

	c.Handle(types.TypeDoctorDied, func(msg *types.Message) {
		ig.logger.Warn().Str("doctor_id", msg.PayloadString("doctorId")).Msg("supervisor died")
	})
}

func (ig *Igor) reply(cause *types.Message, msgType string, payload map[string]any) {
	msg := types.NewMessage(types.ComponentID(ig.cfg.ID), cause.Source, msgType, payload)
	msg.CorrelationID = cause.CorrelationID
	if err := ig.client.Send(msg); err != nil {
		ig.logger.Debug().Err(err).Str("type", msgType).Msg("reply failed")
	}
}

// Start connects to the hub and serves the control API until ctx ends
func (ig *Igor) Start(ctx context.Context) error {
	ig.client.Start(ctx)

	ig.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", ig.cfg.Port),
		Handler: ig.routesHTTP(),
	}

	ln, err := net.Listen("tcp", ig.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ig.server.Addr, err)
	}
	ig.logger.Info().Str("id", ig.cfg.ID).Int("port", ig.cfg.Port).Msg("igor listening")

	errCh := make(chan error, 1)
	go func() {
		if err := ig.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		ig.Shutdown()
		return nil
	}
}

// Shutdown stops children, background workers, and the HTTP server
func (ig *Igor) Shutdown() {
	for _, f := range ig.franks.List() {
		_ = ig.franks.Kill(f.ID)
	}
	for _, w := range ig.routes.List() {
		_ = ig.routes.Kill(w.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ig.server != nil {
		_ = ig.server.Shutdown(ctx)
	}

	ig.pending.Stop()
	if ig.exp != nil {
		_ = ig.exp.Close()
	}
	ig.logger.Info().Msg("igor stopped")
}

func payloadMap(msg *types.Message, key string) map[string]any {
	if msg.Payload == nil {
		return nil
	}
	m, _ := msg.Payload[key].(map[string]any)
	return m
}
