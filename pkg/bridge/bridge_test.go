package bridge

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/fleetbridge/pkg/config"
	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

func init() {
	log.Init(log.Config{Level: "error"})
}

func newTestBridge(t *testing.T, mutate func(*config.BridgeConfig)) (*Bridge, *httptest.Server) {
	t.Helper()

	cfg := config.DefaultBridge()
	cfg.ScreenshotsDir = t.TempDir()
	cfg.BreakerThreshold = 5
	cfg.BreakerReset = 200 * time.Millisecond
	cfg.HeartbeatInterval = time.Second
	cfg.StaleMultiplier = 60 // keep the stale reaper out of short tests
	if mutate != nil {
		mutate(&cfg)
	}

	b, err := New(cfg)
	require.NoError(t, err)

	server := httptest.NewServer(b.routes())
	t.Cleanup(func() {
		server.Close()
		b.Shutdown()
	})
	return b, server
}

func wsURL(server *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendMsg(t *testing.T, ws *websocket.Conn, msg *types.Message) {
	t.Helper()
	frame, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

// waitForType reads frames until one of the wanted type arrives,
// skipping announces and other chatter
func waitForType(t *testing.T, ws *websocket.Conn, msgType string, timeout time.Duration) *types.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = ws.SetReadDeadline(deadline)
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return nil
		}
		msg, err := types.DecodeMessage(frame)
		if err != nil {
			continue
		}
		if msg.Type == msgType {
			return msg
		}
	}
	return nil
}

// expectSilence asserts no frame of msgType arrives within wait
func expectSilence(t *testing.T, ws *websocket.Conn, msgType string, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		_ = ws.SetReadDeadline(deadline)
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := types.DecodeMessage(frame)
		if err != nil {
			continue
		}
		require.NotEqual(t, msgType, msg.Type, "unexpected %s frame", msgType)
	}
}

func register(t *testing.T, ws *websocket.Conn, component, version string) {
	t.Helper()
	msg := types.NewMessage(types.ComponentID(component), BridgeID, types.TypeRegister, map[string]any{
		"id":      component,
		"version": version,
	})
	sendMsg(t, ws, msg)
}

func waitRegistered(t *testing.T, b *Bridge, component string) string {
	t.Helper()
	var connID string
	require.Eventually(t, func() bool {
		id, ok := b.registry.Resolve(types.ComponentID(component))
		connID = id
		return ok
	}, 2*time.Second, 10*time.Millisecond, "component %s never registered", component)
	return connID
}

const goodVersion = "2026-01-21-v11"

func planSubmit(id, source, target string) *types.Message {
	msg := types.NewMessage(types.ComponentID(source), types.ComponentID(target), types.TypePlanSubmit, map[string]any{
		"id":    "p1",
		"steps": []any{map[string]any{"action": "wait", "params": map[string]any{"ms": float64(10)}}},
	})
	msg.ID = id
	return msg
}

func TestRegisterAndRoute(t *testing.T) {
	b, server := newTestBridge(t, nil)

	a := dial(t, server, "")
	register(t, a, "doctor", goodVersion)
	waitRegistered(t, b, "doctor")

	bws := dial(t, server, "")
	register(t, bws, "igor", goodVersion)
	waitRegistered(t, b, "igor")

	sendMsg(t, bws, planSubmit("m2", "igor", "doctor"))

	got := waitForType(t, a, types.TypePlanSubmit, 2*time.Second)
	require.NotNil(t, got, "doctor never received the plan")
	assert.Equal(t, "m2", got.ID)
	assert.Equal(t, types.ComponentID("igor"), got.Source)
	assert.NotEmpty(t, got.CorrelationID, "hub must thread a correlation id")
}

func TestDuplicateSuppressed(t *testing.T) {
	b, server := newTestBridge(t, nil)

	a := dial(t, server, "")
	register(t, a, "doctor", goodVersion)
	waitRegistered(t, b, "doctor")

	bws := dial(t, server, "")
	register(t, bws, "igor", goodVersion)
	waitRegistered(t, b, "igor")

	sendMsg(t, bws, planSubmit("m2", "igor", "doctor"))
	require.NotNil(t, waitForType(t, a, types.TypePlanSubmit, 2*time.Second))

	// Exact same id again: dropped by the seen cache
	sendMsg(t, bws, planSubmit("m2", "igor", "doctor"))
	expectSilence(t, a, types.TypePlanSubmit, 300*time.Millisecond)
}

func TestCircuitOpensAndRecovers(t *testing.T) {
	b, server := newTestBridge(t, nil)

	a := dial(t, server, "")
	register(t, a, "doctor", goodVersion)
	doctorConn := waitRegistered(t, b, "doctor")

	bws := dial(t, server, "")
	register(t, bws, "igor", goodVersion)
	waitRegistered(t, b, "igor")

	// Doctor disappears
	b.conns.Kick(doctorConn, "test")
	require.Eventually(t, func() bool {
		_, ok := b.registry.Resolve("doctor")
		return !ok
	}, time.Second, 10*time.Millisecond)

	// Five failures trip the breaker, the sixth is rejected open
	for i := 3; i <= 7; i++ {
		sendMsg(t, bws, planSubmit(fmt.Sprintf("m%d", i), "igor", "doctor"))
		errMsg := waitForType(t, bws, types.TypeError, 2*time.Second)
		require.NotNil(t, errMsg, "expected error for m%d", i)
		assert.Contains(t, errMsg.PayloadString("error"), "Target not connected")
	}

	sendMsg(t, bws, planSubmit("m8", "igor", "doctor"))
	errMsg := waitForType(t, bws, types.TypeError, 2*time.Second)
	require.NotNil(t, errMsg)
	assert.Contains(t, errMsg.PayloadString("error"), "Circuit breaker open")

	snaps := b.breakers.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "open", snaps[0].State)

	letters := b.dlq.Letters()
	assert.Len(t, letters, 6)

	// After the reset timeout the doctor returns and traffic resumes
	time.Sleep(250 * time.Millisecond)

	a2 := dial(t, server, "")
	register(t, a2, "doctor", goodVersion)
	waitRegistered(t, b, "doctor")

	sendMsg(t, bws, planSubmit("m9", "igor", "doctor"))

	require.Eventually(t, func() bool {
		got := waitForType(t, a2, types.TypePlanSubmit, 500*time.Millisecond)
		return got != nil && got.ID == "m9"
	}, 5*time.Second, 10*time.Millisecond, "m9 never delivered after recovery")

	require.Eventually(t, func() bool {
		return b.breakers.Snapshot()[0].State == "closed"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPerConnectionOrdering(t *testing.T) {
	b, server := newTestBridge(t, nil)

	a := dial(t, server, "")
	register(t, a, "doctor", goodVersion)
	waitRegistered(t, b, "doctor")

	bws := dial(t, server, "")
	register(t, bws, "igor", goodVersion)
	waitRegistered(t, b, "igor")

	const n = 20
	for i := 0; i < n; i++ {
		sendMsg(t, bws, planSubmit(fmt.Sprintf("ord-%02d", i), "igor", "doctor"))
	}

	for i := 0; i < n; i++ {
		got := waitForType(t, a, types.TypePlanSubmit, 2*time.Second)
		require.NotNil(t, got, "message %d missing", i)
		assert.Equal(t, fmt.Sprintf("ord-%02d", i), got.ID)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	b, server := newTestBridge(t, nil)

	a := dial(t, server, "")
	register(t, a, "doctor", goodVersion)
	waitRegistered(t, b, "doctor")

	bws := dial(t, server, "")
	register(t, bws, "igor", goodVersion)
	waitRegistered(t, b, "igor")

	msg := types.NewMessage("igor", types.Broadcast, "cluster.notice", map[string]any{"note": "hi"})
	sendMsg(t, bws, msg)

	got := waitForType(t, a, "cluster.notice", 2*time.Second)
	require.NotNil(t, got)

	expectSilence(t, bws, "cluster.notice", 300*time.Millisecond)
}

func TestOversizeFrame(t *testing.T) {
	b, server := newTestBridge(t, func(cfg *config.BridgeConfig) {
		cfg.MaxMessageSize = 512
	})

	a := dial(t, server, "")
	register(t, a, "doctor", goodVersion)
	waitRegistered(t, b, "doctor")

	bws := dial(t, server, "")
	register(t, bws, "igor", goodVersion)
	igorConn := waitRegistered(t, b, "igor")

	big := planSubmit("huge", "igor", "doctor")
	big.Payload["padding"] = strings.Repeat("x", 1024)
	sendMsg(t, bws, big)

	errMsg := waitForType(t, bws, types.TypeError, 2*time.Second)
	require.NotNil(t, errMsg)
	assert.Contains(t, errMsg.PayloadString("error"), "exceeds maximum")

	expectSilence(t, a, types.TypePlanSubmit, 200*time.Millisecond)

	conn, ok := b.conns.Get(igorConn)
	require.True(t, ok)
	conn.mu.Lock()
	health := conn.health
	conn.mu.Unlock()
	assert.Less(t, health, 100)
}

func TestVersionGateKicks(t *testing.T) {
	b, server := newTestBridge(t, func(cfg *config.BridgeConfig) {
		cfg.MinCompatibleVersion = "2026-01-01-v1"
	})

	ws := dial(t, server, "")
	register(t, ws, "doctor", "2025-06-01-v3")

	// The hub kicks: the read eventually errors out
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	_, registered := b.registry.Resolve("doctor")
	assert.False(t, registered)
}

func TestDuplicateRegistrationKicksPrior(t *testing.T) {
	b, server := newTestBridge(t, nil)

	first := dial(t, server, "")
	register(t, first, "doctor", goodVersion)
	firstConn := waitRegistered(t, b, "doctor")

	second := dial(t, server, "")
	register(t, second, "doctor", goodVersion)

	require.Eventually(t, func() bool {
		id, ok := b.registry.Resolve("doctor")
		return ok && id != firstConn
	}, 2*time.Second, 10*time.Millisecond)

	_, stillThere := b.conns.Get(firstConn)
	assert.False(t, stillThere, "prior connection must be kicked")
}

func TestKickRemovesRegistration(t *testing.T) {
	b, server := newTestBridge(t, nil)

	a := dial(t, server, "")
	register(t, a, "doctor", goodVersion)
	doctorConn := waitRegistered(t, b, "doctor")

	bws := dial(t, server, "")
	register(t, bws, "igor", goodVersion)
	waitRegistered(t, b, "igor")

	b.conns.Kick(doctorConn, "test")
	require.Eventually(t, func() bool {
		_, ok := b.registry.Resolve("doctor")
		return !ok
	}, time.Second, 10*time.Millisecond)

	// Broadcasts no longer reach the kicked component's connection
	msg := types.NewMessage("igor", types.Broadcast, "cluster.notice", nil)
	sendMsg(t, bws, msg)
	expectSilence(t, a, "cluster.notice", 300*time.Millisecond)
}

func TestHeartbeatEcho(t *testing.T) {
	b, server := newTestBridge(t, nil)

	ws := dial(t, server, "")
	register(t, ws, "igor", goodVersion)
	waitRegistered(t, b, "igor")

	hb := types.NewMessage("igor", BridgeID, types.TypeHeartbeat, nil)
	hb.ID = "hb-1"
	sendMsg(t, ws, hb)

	reply := waitForType(t, ws, types.TypeHeartbeat, 2*time.Second)
	require.NotNil(t, reply)
	assert.Equal(t, "hb-1", reply.PayloadString("received"))
}

func TestImmortalityOnHandlerPanic(t *testing.T) {
	b, server := newTestBridge(t, nil)
	b.router.HandleInline("boom.trigger", func(connID string, msg *types.Message) {
		panic("handler exploded")
	})

	a := dial(t, server, "")
	register(t, a, "doctor", goodVersion)
	waitRegistered(t, b, "doctor")

	bws := dial(t, server, "")
	register(t, bws, "igor", goodVersion)
	waitRegistered(t, b, "igor")

	sendMsg(t, bws, types.NewMessage("igor", BridgeID, "boom.trigger", nil))

	// The hub survives and the next message still routes
	sendMsg(t, bws, planSubmit("after-panic", "igor", "doctor"))
	got := waitForType(t, a, types.TypePlanSubmit, 2*time.Second)
	require.NotNil(t, got)
	assert.Equal(t, "after-panic", got.ID)
}

func TestAuthToken(t *testing.T) {
	_, server := newTestBridge(t, func(cfg *config.BridgeConfig) {
		cfg.AuthToken = "secret"
	})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	// Deprecated query token still works
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server, "secret"), nil)
	require.NoError(t, err)
	ws.Close()

	// Preferred header form
	header := map[string][]string{"Authorization": {"Bearer secret"}}
	ws, _, err = websocket.DefaultDialer.Dial(wsURL(server, ""), header)
	require.NoError(t, err)
	ws.Close()
}

func TestDrainingRefusesConnections(t *testing.T) {
	b, server := newTestBridge(t, nil)
	b.draining.Store(true)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestSigningRequired(t *testing.T) {
	b, server := newTestBridge(t, func(cfg *config.BridgeConfig) {
		cfg.RequireSigning = true
		cfg.SigningSecret = "cluster-secret"
	})
	signer := types.NewSigner("cluster-secret")

	a := dial(t, server, "")
	regA := types.NewMessage("doctor", BridgeID, types.TypeRegister, map[string]any{
		"id": "doctor", "version": goodVersion,
	})
	require.NoError(t, signer.Sign(regA))
	sendMsg(t, a, regA)
	waitRegistered(t, b, "doctor")

	bws := dial(t, server, "")
	regB := types.NewMessage("igor", BridgeID, types.TypeRegister, map[string]any{
		"id": "igor", "version": goodVersion,
	})
	require.NoError(t, signer.Sign(regB))
	sendMsg(t, bws, regB)
	waitRegistered(t, b, "igor")

	// Unsigned message is rejected
	unsigned := planSubmit("unsigned-1", "igor", "doctor")
	sendMsg(t, bws, unsigned)
	errMsg := waitForType(t, bws, types.TypeError, 2*time.Second)
	require.NotNil(t, errMsg)
	assert.Contains(t, errMsg.PayloadString("error"), "signature")

	// Signed message routes
	signed := planSubmit("signed-1", "igor", "doctor")
	require.NoError(t, signer.Sign(signed))
	sendMsg(t, bws, signed)
	got := waitForType(t, a, types.TypePlanSubmit, 2*time.Second)
	require.NotNil(t, got)
	assert.Equal(t, "signed-1", got.ID)
}
