package igor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/barrhawk/fleetbridge/pkg/breaker"
	"github.com/barrhawk/fleetbridge/pkg/experience"
	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/metrics"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// Step is the smallest retriable unit of work
type Step struct {
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMS int            `json:"timeoutMs,omitempty"`
	Retries   int            `json:"retries,omitempty"`
}

// Tool is one capability descriptor from a plan's tool bag
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Plan is an ordered sequence of steps submitted by a Supervisor
type Plan struct {
	ID            string
	Steps         []Step
	ToolBag       []Tool
	Intent        string
	CorrelationID string
	Supervisor    types.ComponentID
}

// StepError is the structured failure of one step attempt
type StepError struct {
	Code       string
	Message    string
	Retryable  bool
	CooldownMS int64
}

func (e *StepError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// browserVerbs maps the plan verbs a Supervisor may submit onto
// executor request/response types. Text extraction is deliberately not
// here: browser.extract is internal to verify, not a plan verb.
var browserVerbs = map[string]struct {
	request  string
	response string
}{
	"launch":     {"browser.launch", "browser.launched"},
	"navigate":   {"browser.navigate", "browser.navigated"},
	"click":      {"browser.click", "browser.clicked"},
	"type":       {"browser.type", "browser.typed"},
	"select":     {"browser.select", "browser.selected"},
	"screenshot": {"browser.screenshot", "browser.captured"},
	"close":      {"browser.close", "browser.closed"},
}

// EngineConfig parameterizes plan execution
type EngineConfig struct {
	IgorID      types.ComponentID
	ExecutorID  types.ComponentID
	StepTimeout time.Duration
}

// Engine executes plans one at a time: strictly sequential steps,
// bounded exponential backoff with jitter on retryable failures, an
// executor circuit breaker on every outbound request, and the
// experience ledger biasing selector choices before dispatch.
type Engine struct {
	cfg EngineConfig

	transport Transport
	pending   *PendingTable
	brk       *breaker.Breaker
	exp       *experience.Store // nil runs without memory
	lightning *Lightning
	helpers   *HelperTools

	mu        sync.Mutex
	executing bool
	current   *Plan

	// sleep is swapped in tests to skip real backoff waits
	sleep func(time.Duration)

	logger zerolog.Logger
}

// NewEngine wires the execution engine
func NewEngine(cfg EngineConfig, transport Transport, pending *PendingTable, brk *breaker.Breaker, exp *experience.Store, lightning *Lightning, helpers *HelperTools) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		pending:   pending,
		brk:       brk,
		exp:       exp,
		lightning: lightning,
		helpers:   helpers,
		sleep:     time.Sleep,
		logger:    log.WithComponent("engine"),
	}
}

// Executing reports whether a plan is currently running
func (e *Engine) Executing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executing
}

// CurrentPlanID returns the running plan's id, empty when idle
func (e *Engine) CurrentPlanID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.ID
}

// CurrentToolBag returns the running plan's tool bag, nil when idle
func (e *Engine) CurrentToolBag() []Tool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	return append([]Tool(nil), e.current.ToolBag...)
}

// HandlePlanSubmit validates a plan.submit message and either rejects
// it with a reason or accepts and runs it asynchronously
func (e *Engine) HandlePlanSubmit(msg *types.Message) {
	reject := func(planID, reason string) {
		metrics.PlansTotal.WithLabelValues("rejected").Inc()
		e.emit(msg.Source, msg.CorrelationID, types.TypePlanRejected, map[string]any{
			"planId": planID,
			"reason": reason,
		})
	}

	if e.Executing() {
		reject(msg.PayloadString("id"), "already executing a plan")
		return
	}
	if msg.Payload == nil {
		reject("", "payload must be an object")
		return
	}
	planID, ok := msg.Payload["id"].(string)
	if !ok || planID == "" {
		reject("", "plan id missing or not a string")
		return
	}
	rawSteps, ok := msg.Payload["steps"].([]any)
	if !ok {
		reject(planID, "steps must be an array")
		return
	}

	plan := &Plan{
		ID:            planID,
		Intent:        msg.PayloadString("intent"),
		CorrelationID: msg.CorrelationID,
		Supervisor:    msg.Source,
	}
	if rawBag, ok := msg.Payload["toolBag"].([]any); ok {
		for _, raw := range rawBag {
			if m, ok := raw.(map[string]any); ok {
				name, _ := m["name"].(string)
				desc, _ := m["description"].(string)
				if name != "" {
					plan.ToolBag = append(plan.ToolBag, Tool{Name: name, Description: desc})
				}
			}
		}
	}

	for i, raw := range rawSteps {
		step, err := decodeStep(raw)
		if err != nil {
			reject(planID, fmt.Sprintf("step %d invalid: %v", i, err))
			return
		}
		if !e.verbAllowed(step.Action, plan.ToolBag) {
			reject(planID, fmt.Sprintf("step %d has disallowed verb %q", i, step.Action))
			return
		}
		plan.Steps = append(plan.Steps, step)
	}

	e.mu.Lock()
	if e.executing {
		e.mu.Unlock()
		reject(planID, "already executing a plan")
		return
	}
	e.executing = true
	e.current = plan
	e.mu.Unlock()

	e.emit(plan.Supervisor, plan.CorrelationID, types.TypePlanAccepted, map[string]any{
		"planId": plan.ID,
		"steps":  len(plan.Steps),
	})

	go e.run(plan)
}

func decodeStep(raw any) (Step, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Step{}, fmt.Errorf("not an object")
	}
	action, ok := m["action"].(string)
	if !ok || action == "" {
		return Step{}, fmt.Errorf("action missing")
	}
	step := Step{Action: strings.ToLower(action)}
	if params, ok := m["params"].(map[string]any); ok {
		step.Params = params
	} else {
		step.Params = map[string]any{}
	}
	if t, ok := m["timeoutMs"].(float64); ok {
		step.TimeoutMS = int(t)
	}
	if r, ok := m["retries"].(float64); ok {
		step.Retries = int(r)
	}
	return step, nil
}

func (e *Engine) verbAllowed(verb string, bag []Tool) bool {
	if _, known := browserVerbs[verb]; known {
		return true
	}
	switch verb {
	case "wait", "verify", "execute_intent":
		return true
	}
	if strings.HasPrefix(verb, "frank_") {
		for _, tool := range bag {
			if tool.Name == verb {
				return true
			}
		}
	}
	return false
}

// run walks the plan's steps sequentially, retrying failed steps up to
// their budget before giving up on the whole plan
func (e *Engine) run(plan *Plan) {
	defer func() {
		e.mu.Lock()
		e.executing = false
		e.current = nil
		e.mu.Unlock()
	}()

	logger := log.ForPlan(plan.ID, plan.CorrelationID)

	for i := range plan.Steps {
		step := &plan.Steps[i]
		attempt := 0

		for {
			e.emit(plan.Supervisor, plan.CorrelationID, types.TypeStepStarted, map[string]any{
				"planId":    plan.ID,
				"stepIndex": i,
				"action":    step.Action,
				"attempt":   attempt,
			})

			started := time.Now()
			err := e.dispatch(plan, i, step)
			if err == nil {
				metrics.StepsTotal.WithLabelValues("passed").Inc()
				e.lightning.RecordSuccess()
				e.recordSelector(step, true)
				e.emit(plan.Supervisor, plan.CorrelationID, types.TypeStepCompleted, map[string]any{
					"planId":     plan.ID,
					"stepIndex":  i,
					"action":     step.Action,
					"attempt":    attempt,
					"durationMs": time.Since(started).Milliseconds(),
				})
				break
			}

			stepErr := asStepError(err)
			metrics.StepsTotal.WithLabelValues("failed").Inc()
			e.recordSelector(step, false)

			if struck := e.lightning.RecordFailure(stepErr.Message); struck {
				e.emit(plan.Supervisor, plan.CorrelationID, "igor.struck", map[string]any{
					"igorId": string(e.cfg.IgorID),
					"reason": stepErr.Message,
				})
			}

			failPayload := map[string]any{
				"planId":    plan.ID,
				"stepIndex": i,
				"action":    step.Action,
				"attempt":   attempt,
				"error":     stepErr.Message,
				"code":      stepErr.Code,
				"retryable": stepErr.Retryable,
			}
			if stepErr.CooldownMS > 0 {
				failPayload["cooldownMs"] = stepErr.CooldownMS
			}
			e.emit(plan.Supervisor, plan.CorrelationID, types.TypeStepFailed, failPayload)

			if stepErr.Retryable && attempt < step.Retries {
				delay := retryDelay(attempt)
				metrics.StepRetries.Inc()

				// A helper tool may hand back a better selector for
				// the retry
				if e.helpers != nil {
					e.helpers.TrySubstitute(step, stepErr)
				}

				e.emit(plan.Supervisor, plan.CorrelationID, types.TypeStepRetrying, map[string]any{
					"planId":    plan.ID,
					"stepIndex": i,
					"attempt":   attempt,
					"delayMs":   delay.Milliseconds(),
				})
				e.sleep(delay)
				attempt++
				continue
			}

			logger.Warn().Int("step", i).Str("error", stepErr.Message).Msg("plan failed")
			metrics.PlansTotal.WithLabelValues("failed").Inc()
			e.emit(plan.Supervisor, plan.CorrelationID, types.TypePlanCompleted, map[string]any{
				"planId":      plan.ID,
				"success":     false,
				"failedStep":  i,
				"error":       stepErr.Message,
				"stepsPassed": i,
			})
			return
		}
	}

	metrics.PlansTotal.WithLabelValues("completed").Inc()
	e.emit(plan.Supervisor, plan.CorrelationID, types.TypePlanCompleted, map[string]any{
		"planId":      plan.ID,
		"success":     true,
		"stepsPassed": len(plan.Steps),
	})
}

// dispatch executes one step attempt
func (e *Engine) dispatch(plan *Plan, index int, step *Step) error {
	switch step.Action {
	case "wait":
		ms, _ := step.Params["ms"].(float64)
		if ms <= 0 {
			ms = 1000
		}
		e.sleep(time.Duration(ms) * time.Millisecond)
		return nil

	case "verify":
		return e.dispatchVerify(plan, index, step)

	case "execute_intent":
		return e.dispatchIntent(plan, index, step)
	}

	if strings.HasPrefix(step.Action, "frank_") {
		payload := map[string]any{"tool": step.Action, "params": step.Params}
		_, err := e.request("tool.invoke", payload, e.stepTimeout(step))
		return err
	}

	verb, ok := browserVerbs[step.Action]
	if !ok {
		return &StepError{Code: "unknown_verb", Message: "unknown verb " + step.Action}
	}

	e.substituteKnownBad(step)

	// The request carries its own copy of the params, so a selector
	// substituted into step.Params later does not alter a sent request
	params := make(map[string]any, len(step.Params))
	for k, v := range step.Params {
		params[k] = v
	}
	_, err := e.request(verb.request, params, e.stepTimeout(step))
	return err
}

// dispatchVerify takes a screenshot, extracts the page text, and runs
// the indicator classifier over the expectation
func (e *Engine) dispatchVerify(plan *Plan, index int, step *Step) error {
	expected, _ := step.Params["expected"].(string)
	if expected == "" {
		return &StepError{Code: "bad_step", Message: "verify step missing expected"}
	}

	// Screenshot is evidence, not a gate; a capture failure alone does
	// not fail verification
	if shot, err := e.request("browser.screenshot", map[string]any{"planId": plan.ID, "stepIndex": index}, e.stepTimeout(step)); err == nil {
		if data := shot.PayloadString("data"); data != "" {
			_ = e.transport.Send(types.NewMessage(e.cfg.IgorID, "bridge", types.TypeScreenshotSubmit, map[string]any{
				"planId":    plan.ID,
				"stepIndex": index,
				"data":      data,
			}))
		}
	}

	page, err := e.request("browser.extract", nil, e.stepTimeout(step))
	if err != nil {
		return err
	}

	result := smartVerify(expected, page.PayloadString("text"), page.PayloadString("url"), plan.Intent)
	if !result.Passed {
		return &StepError{Code: "verification_failed", Message: result.Reason, Retryable: true}
	}
	return nil
}

// dispatchIntent parses a natural-language intent into known verbs via
// the tool bag's vocabulary and executes them in order
func (e *Engine) dispatchIntent(plan *Plan, index int, step *Step) error {
	intent, _ := step.Params["intent"].(string)
	if intent == "" {
		return &StepError{Code: "bad_step", Message: "execute_intent step missing intent"}
	}

	steps := parseIntent(intent, plan.ToolBag)
	if len(steps) == 0 {
		return &StepError{Code: "unparsed_intent", Message: "no actionable verbs in intent"}
	}

	for i := range steps {
		if err := e.dispatch(plan, index, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// request sends one executor request through the circuit breaker and
// awaits the correlated response
func (e *Engine) request(reqType string, payload map[string]any, timeout time.Duration) (*types.Message, error) {
	done, err := e.brk.Allow()
	if err != nil {
		return nil, &StepError{
			Code:       "circuit_open",
			Message:    "executor circuit breaker open",
			Retryable:  true,
			CooldownMS: e.brk.RemainingCooldown().Milliseconds(),
		}
	}

	msg := types.NewMessage(e.cfg.IgorID, e.cfg.ExecutorID, reqType, payload)
	ch := e.pending.Add(msg.ID, timeout)

	if err := e.transport.Send(msg); err != nil {
		e.pending.Remove(msg.ID)
		done(false)
		return nil, &StepError{Code: "transport", Message: err.Error(), Retryable: true}
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			done(false)
			return nil, res.Err
		}
		done(true)
		return res.Msg, nil
	case <-time.After(timeout):
		e.pending.Remove(msg.ID)
		done(false)
		return nil, &StepError{Code: "browserTimeout", Message: ErrBrowserTimeout.Error(), Retryable: true}
	}
}

// InstallResponseHandlers wires the executor's response vocabulary into
// the client, resolving pending requests by correlation id
func (e *Engine) InstallResponseHandlers(c *Client) {
	resolve := func(msg *types.Message) {
		if !e.pending.Resolve(msg.CorrelationID, msg) {
			e.logger.Debug().Str("correlation", msg.CorrelationID).Str("type", msg.Type).Msg("response with no awaiter")
		}
	}
	for _, verb := range browserVerbs {
		c.Handle(verb.response, resolve)
	}
	// Responses to requests outside the verb table: verify's page
	// extract, tool invocations, and the tool catalog listing
	c.Handle("browser.extracted", resolve)
	c.Handle("tool.invoked", resolve)
	c.Handle("tool.listed", resolve)

	fail := func(msg *types.Message) {
		retryable := true
		if r, ok := msg.Payload["retryable"].(bool); ok {
			retryable = r
		}
		e.pending.Fail(msg.CorrelationID, &StepError{
			Code:      "browser_error",
			Message:   msg.PayloadString("error"),
			Retryable: retryable,
		})
	}
	c.Handle("browser.error", fail)
	c.Handle("tool.error", fail)
}

func (e *Engine) stepTimeout(step *Step) time.Duration {
	if step.TimeoutMS > 0 {
		return time.Duration(step.TimeoutMS) * time.Millisecond
	}
	return e.cfg.StepTimeout
}

// substituteKnownBad swaps a selector the ledger has seen fail
// repeatedly for the best known alternative, before any round-trip
func (e *Engine) substituteKnownBad(step *Step) {
	if e.exp == nil {
		return
	}
	selector, _ := step.Params["selector"].(string)
	url, _ := step.Params["url"].(string)
	if selector == "" {
		return
	}
	if e.exp.IsKnownBadSelector(selector, url) {
		if better := e.exp.FindBestSelector(step.Action, url); better != "" && better != selector {
			e.logger.Debug().Str("from", selector).Str("to", better).Msg("substituting known-bad selector")
			step.Params["selector"] = better
		}
	}
}

func (e *Engine) recordSelector(step *Step, success bool) {
	if e.exp == nil {
		return
	}
	selector, _ := step.Params["selector"].(string)
	if selector == "" {
		return
	}
	url, _ := step.Params["url"].(string)
	if success {
		_ = e.exp.RecordSelectorSuccess(selector, step.Action, url)
	} else {
		_ = e.exp.RecordSelectorFailure(selector, step.Action, url)
	}
}

func (e *Engine) emit(target types.ComponentID, correlationID, msgType string, payload map[string]any) {
	msg := types.NewMessage(e.cfg.IgorID, target, msgType, payload)
	msg.CorrelationID = correlationID
	if err := e.transport.Send(msg); err != nil {
		e.logger.Debug().Err(err).Str("type", msgType).Msg("emit failed")
	}
}

func asStepError(err error) *StepError {
	if se, ok := err.(*StepError); ok {
		return se
	}
	return &StepError{Message: err.Error(), Retryable: true}
}

// parseIntent maps a natural-language instruction onto known verbs
// using a keyword dispatch table; tool-bag names matching frank_*
// keywords extend the table
func parseIntent(intent string, bag []Tool) []Step {
	lower := strings.ToLower(intent)
	var steps []Step

	for _, clause := range strings.FieldsFunc(lower, func(r rune) bool { return r == ',' || r == ';' }) {
		clause = strings.TrimSpace(clause)
		words := strings.Fields(clause)
		if len(words) == 0 {
			continue
		}

		switch {
		case containsAny(clause, []string{"go to", "open ", "navigate"}):
			steps = append(steps, Step{Action: "navigate", Params: map[string]any{"url": lastWord(words)}})
		case strings.Contains(clause, "click"):
			steps = append(steps, Step{Action: "click", Params: map[string]any{"hint": clause}})
		case containsAny(clause, []string{"type ", "enter ", "fill"}):
			steps = append(steps, Step{Action: "type", Params: map[string]any{"hint": clause}})
		case strings.Contains(clause, "screenshot"):
			steps = append(steps, Step{Action: "screenshot", Params: map[string]any{}})
		case containsAny(clause, []string{"verify", "check that", "make sure"}):
			steps = append(steps, Step{Action: "verify", Params: map[string]any{"expected": clause}})
		case strings.Contains(clause, "wait"):
			steps = append(steps, Step{Action: "wait", Params: map[string]any{"ms": float64(1000)}})
		default:
			for _, tool := range bag {
				keyword := strings.TrimPrefix(tool.Name, "frank_")
				if keyword != "" && strings.Contains(clause, strings.ReplaceAll(keyword, "_", " ")) {
					steps = append(steps, Step{Action: tool.Name, Params: map[string]any{"hint": clause}})
					break
				}
			}
		}
	}
	return steps
}

func lastWord(words []string) string {
	return strings.Trim(words[len(words)-1], ".\"'")
}
