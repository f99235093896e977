package igor

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/fleetbridge/pkg/breaker"
	"github.com/barrhawk/fleetbridge/pkg/bridge"
	"github.com/barrhawk/fleetbridge/pkg/config"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// TestWorkerFaceOverBridge drives a full round trip: a worker face
// connected through a real hub accepts a plan from a fake Supervisor
// and streams progress back over the same hub.
func TestWorkerFaceOverBridge(t *testing.T) {
	cfg := config.DefaultBridge()
	cfg.ScreenshotsDir = t.TempDir()
	cfg.StaleMultiplier = 60

	hub, err := bridge.New(cfg)
	require.NoError(t, err)
	server := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		server.Close()
		hub.Shutdown()
	})
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	// Worker face: client + engine, no OS children involved
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client := NewClient(ClientConfig{
		ID:        "igor",
		Version:   "2026-01-21-v11",
		BridgeURL: wsURL,
		Heartbeat: time.Second,
	})
	pending := NewPendingTable()
	t.Cleanup(pending.Stop)

	engine := NewEngine(EngineConfig{
		IgorID:      "igor",
		ExecutorID:  "frank",
		StepTimeout: 2 * time.Second,
	}, client, pending, breaker.New("executor", breaker.Config{}), nil, NewLightning(3, NoopReasoner{}), nil)
	client.Handle(types.TypePlanSubmit, engine.HandlePlanSubmit)
	engine.InstallResponseHandlers(client)
	client.Start(ctx)

	require.Eventually(t, client.Connected, 5*time.Second, 20*time.Millisecond)

	// Fake Supervisor on a raw socket
	doctor, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { doctor.Close() })

	reg := types.NewMessage("doctor", "bridge", types.TypeRegister, map[string]any{
		"id": "doctor", "version": "2026-01-21-v11",
	})
	frame, _ := reg.Encode()
	require.NoError(t, doctor.WriteMessage(websocket.TextMessage, frame))

	// Wait until both components are visible before submitting
	require.Eventually(t, func() bool {
		plan := types.NewMessage("doctor", "igor", "cluster.ping", nil)
		data, _ := plan.Encode()
		return doctor.WriteMessage(websocket.TextMessage, data) == nil
	}, 2*time.Second, 50*time.Millisecond)

	plan := types.NewMessage("doctor", "igor", types.TypePlanSubmit, map[string]any{
		"id": "p-e2e",
		"steps": []any{
			map[string]any{"action": "wait", "params": map[string]any{"ms": float64(10)}},
		},
	})
	frame, _ = plan.Encode()
	require.NoError(t, doctor.WriteMessage(websocket.TextMessage, frame))

	// The Supervisor sees acceptance and completion flow back
	seen := map[string]*types.Message{}
	deadline := time.Now().Add(10 * time.Second)
	for len(seen) < 2 && time.Now().Before(deadline) {
		_ = doctor.SetReadDeadline(deadline)
		_, data, err := doctor.ReadMessage()
		if err != nil {
			break
		}
		msg, err := types.DecodeMessage(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case types.TypePlanAccepted, types.TypePlanCompleted:
			seen[msg.Type] = msg
		}
	}

	require.Contains(t, seen, types.TypePlanAccepted)
	require.Contains(t, seen, types.TypePlanCompleted)
	assert.Equal(t, true, seen[types.TypePlanCompleted].Payload["success"])
	assert.Equal(t, "p-e2e", seen[types.TypePlanCompleted].PayloadString("planId"))
}
