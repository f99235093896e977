package igor

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// requestFunc issues one executor request and awaits its response
type requestFunc func(reqType string, payload map[string]any, timeout time.Duration) (*types.Message, error)

// failure patterns mapped to tool-name keywords; the first catalog tool
// whose name matches a keyword for the failure's category is consulted
var helperCategories = []struct {
	errorHints []string
	toolHints  []string
}{
	{errorHints: []string{"selector", "not found", "no such element"}, toolHints: []string{"selector", "finder", "locate"}},
	{errorHints: []string{"timeout", "timed out"}, toolHints: []string{"wait", "retry", "settle"}},
	{errorHints: []string{"popup", "modal", "overlay", "blocked"}, toolHints: []string{"popup", "modal", "dismiss"}},
	{errorHints: []string{"dropdown", "option"}, toolHints: []string{"dropdown", "select", "option"}},
}

// HelperTools queries the executor's dynamic tool catalog after a step
// failure and lets a matching tool propose a replacement selector
// before the retry. The catalog is cached briefly; helper failures are
// swallowed since the retry proceeds either way.
type HelperTools struct {
	ttl     time.Duration
	request requestFunc

	mu      sync.Mutex
	catalog []Tool
	fetched time.Time

	logger zerolog.Logger
}

// NewHelperTools creates the integration with the given catalog cache TTL
func NewHelperTools(ttl time.Duration) *HelperTools {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &HelperTools{ttl: ttl, logger: log.WithComponent("helpers")}
}

// Bind attaches the executor request path. Called once at wiring time;
// the engine and the helper integration reference each other.
func (h *HelperTools) Bind(fn requestFunc) {
	h.request = fn
}

// TrySubstitute consults a matching helper tool and rewrites the step's
// selector when the tool found a better one. Best effort.
func (h *HelperTools) TrySubstitute(step *Step, stepErr *StepError) bool {
	if h.request == nil {
		return false
	}

	toolHints := matchCategory(stepErr)
	if toolHints == nil {
		return false
	}

	tool := h.pickTool(toolHints)
	if tool == "" {
		return false
	}

	selector, _ := step.Params["selector"].(string)
	hint, _ := step.Params["hint"].(string)
	resp, err := h.request("tool.invoke", map[string]any{
		"tool":     tool,
		"selector": selector,
		"hint":     hint,
		"action":   step.Action,
		"error":    stepErr.Message,
	}, 10*time.Second)
	if err != nil {
		h.logger.Debug().Err(err).Str("tool", tool).Msg("helper tool failed")
		return false
	}

	found := resp.PayloadString("foundSelector")
	if found == "" || found == selector {
		return false
	}

	h.logger.Info().Str("tool", tool).Str("from", selector).Str("to", found).Msg("helper substituted selector")
	step.Params["selector"] = found
	return true
}

// Inject adds a tool announced by the executor (tool.inject) to the
// cached catalog without waiting for the next refresh
func (h *HelperTools) Inject(tool Tool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.catalog {
		if existing.Name == tool.Name {
			return
		}
	}
	h.catalog = append(h.catalog, tool)
}

// Catalog returns the cached executor tool list, refreshing when stale
func (h *HelperTools) Catalog() []Tool {
	h.mu.Lock()
	fresh := time.Since(h.fetched) < h.ttl
	cached := append([]Tool(nil), h.catalog...)
	h.mu.Unlock()

	if fresh || h.request == nil {
		return cached
	}

	resp, err := h.request("tool.list", nil, 10*time.Second)
	if err != nil {
		return cached
	}

	var tools []Tool
	if raw, ok := resp.Payload["tools"].([]any); ok {
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				name, _ := m["name"].(string)
				desc, _ := m["description"].(string)
				if name != "" {
					tools = append(tools, Tool{Name: name, Description: desc})
				}
			}
		}
	}

	h.mu.Lock()
	h.catalog = tools
	h.fetched = time.Now()
	h.mu.Unlock()
	return tools
}

func (h *HelperTools) pickTool(hints []string) string {
	for _, tool := range h.Catalog() {
		name := strings.ToLower(tool.Name)
		for _, hint := range hints {
			if strings.Contains(name, hint) {
				return tool.Name
			}
		}
	}
	return ""
}

func matchCategory(stepErr *StepError) []string {
	text := strings.ToLower(stepErr.Code + " " + stepErr.Message)
	for _, cat := range helperCategories {
		for _, hint := range cat.errorHints {
			if strings.Contains(text, hint) {
				return cat.toolHints
			}
		}
	}
	return nil
}
