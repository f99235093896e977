package igor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/fleetbridge/pkg/breaker"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

func newHelperHarness(t *testing.T) *engineHarness {
	t.Helper()

	h := &engineHarness{}
	pending := NewPendingTable()
	t.Cleanup(pending.Stop)

	h.exec = &fakeExecutor{pending: pending}
	helpers := NewHelperTools(30 * time.Second)

	h.engine = NewEngine(EngineConfig{
		IgorID:      "igor",
		ExecutorID:  "frank",
		StepTimeout: 2 * time.Second,
	}, h.exec, pending, breaker.New("executor", breaker.Config{FailureThreshold: 50, ResetTimeout: time.Minute}),
		nil, NewLightning(100, NoopReasoner{}), helpers)
	helpers.Bind(h.engine.request)

	h.engine.sleep = func(time.Duration) {}
	return h
}

func TestHelperSubstitutesSelector(t *testing.T) {
	h := newHelperHarness(t)

	h.exec.respond = func(msg *types.Message) Result {
		switch msg.Type {
		case "browser.click":
			if sel := msg.PayloadString("selector"); sel == "#buy" {
				return Result{Err: &StepError{Code: "browser_error", Message: "selector not found: #buy", Retryable: true}}
			}
			return Result{Msg: &types.Message{Type: "browser.clicked", Payload: map[string]any{}}}
		case "tool.list":
			return Result{Msg: &types.Message{Type: "tool.listed", Payload: map[string]any{
				"tools": []any{map[string]any{"name": "frank_selector_finder", "description": "finds selectors"}},
			}}}
		case "tool.invoke":
			return Result{Msg: &types.Message{Type: "tool.invoked", Payload: map[string]any{
				"foundSelector": "#buy-now",
			}}}
		}
		return Result{Msg: &types.Message{Type: "ok", Payload: map[string]any{}}}
	}

	submit(h, "p1", []any{
		map[string]any{"action": "click", "params": map[string]any{"selector": "#buy"}, "retries": float64(2)},
	}, nil)

	done := h.exec.waitFor(t, types.TypePlanCompleted)
	assert.Equal(t, true, done.Payload["success"])

	// First click failed on the original selector, the retry used the
	// helper's replacement
	clicks := h.exec.ofType("browser.click")
	require.Len(t, clicks, 2)
	assert.Equal(t, "#buy", clicks[0].PayloadString("selector"))
	assert.Equal(t, "#buy-now", clicks[1].PayloadString("selector"))
}

func TestHelperIgnoresUnmatchedFailures(t *testing.T) {
	helpers := NewHelperTools(time.Second)
	step := &Step{Action: "click", Params: map[string]any{"selector": "#x"}}

	// No request path bound and no recognizable category: no-op
	assert.False(t, helpers.TrySubstitute(step, &StepError{Message: "weird failure"}))
	assert.Equal(t, "#x", step.Params["selector"])
}

func TestHelperCatalogCacheAndInject(t *testing.T) {
	h := newHelperHarness(t)

	listCalls := 0
	h.exec.respond = func(msg *types.Message) Result {
		if msg.Type == "tool.list" {
			listCalls++
			return Result{Msg: &types.Message{Type: "tool.listed", Payload: map[string]any{
				"tools": []any{map[string]any{"name": "frank_popup_dismiss"}},
			}}}
		}
		return Result{Msg: &types.Message{Type: "ok", Payload: map[string]any{}}}
	}

	helpers := h.engine.helpers
	require.Len(t, helpers.Catalog(), 1)
	require.Len(t, helpers.Catalog(), 1)
	assert.Equal(t, 1, listCalls, "second read must hit the cache")

	helpers.Inject(Tool{Name: "frank_dropdown_opener"})
	assert.Len(t, helpers.Catalog(), 2)

	// Duplicate injection is ignored
	helpers.Inject(Tool{Name: "frank_dropdown_opener"})
	assert.Len(t, helpers.Catalog(), 2)
}
