package igor

import (
	"context"
	"sync"
	"time"

	"github.com/barrhawk/fleetbridge/pkg/metrics"
)

// Mode is the worker face's execution mode
type Mode string

const (
	// ModeDumb executes steps mechanically
	ModeDumb Mode = "dumb"
	// ModeClaude routes failing context through the external reasoner
	ModeClaude Mode = "claude"
)

// thinkingHistorySize bounds the retained reasoner output
const thinkingHistorySize = 50

// Reasoner is the external assisted-reasoning endpoint. It lives behind
// an interface so tests substitute a deterministic responder; its
// latency is unrelated to the hub's.
type Reasoner interface {
	Think(ctx context.Context, prompt string) (string, error)
}

// Thought is one retained reasoner exchange
type Thought struct {
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// LightningStatus is the escalation surface's snapshot
type LightningStatus struct {
	Mode                Mode      `json:"mode"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalStrikes        int       `json:"totalStrikes"`
	LastStrikeAt        time.Time `json:"lastStrikeAt,omitzero"`
	LastStrikeReason    string    `json:"lastStrikeReason,omitempty"`
	ThoughtCount        int       `json:"thoughtCount"`
}

// Lightning is the dual-mode escalation state machine. Mechanical
// execution continues until consecutive step failures reach the
// threshold (or an explicit strike), at which point the worker face
// powers up into assisted mode; a power-down drops it back.
type Lightning struct {
	mu sync.Mutex

	mode          Mode
	failures      int
	autoThreshold int
	totalStrikes  int
	lastStrike    time.Time
	lastReason    string
	history       []Thought

	reasoner Reasoner
}

// NewLightning creates the machine in dumb mode
func NewLightning(autoThreshold int, reasoner Reasoner) *Lightning {
	if autoThreshold < 1 {
		autoThreshold = 3
	}
	return &Lightning{
		mode:          ModeDumb,
		autoThreshold: autoThreshold,
		reasoner:      reasoner,
	}
}

// Mode returns the current execution mode
func (l *Lightning) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// RecordSuccess resets the consecutive-failure count. Mode is
// unaffected; only a power-down leaves assisted mode.
func (l *Lightning) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = 0
}

// RecordFailure counts a step failure and reports whether it triggered
// an automatic strike
func (l *Lightning) RecordFailure(reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures++
	if l.mode == ModeDumb && l.failures >= l.autoThreshold {
		l.strikeLocked("auto: " + reason)
		return true
	}
	return false
}

// Strike escalates explicitly
func (l *Lightning) Strike(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.strikeLocked(reason)
}

// PowerDown returns to mechanical execution
func (l *Lightning) PowerDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = ModeDumb
	l.failures = 0
}

// Think consults the reasoner with the failing context and retains the
// exchange in the bounded history. Only meaningful while struck.
func (l *Lightning) Think(ctx context.Context, prompt string) (string, error) {
	response, err := l.reasoner.Think(ctx, prompt)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	l.history = append(l.history, Thought{Prompt: prompt, Response: response, Timestamp: time.Now()})
	if len(l.history) > thinkingHistorySize {
		l.history = l.history[len(l.history)-thinkingHistorySize:]
	}
	l.mu.Unlock()

	return response, nil
}

// History returns the retained thoughts, oldest first
func (l *Lightning) History() []Thought {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Thought(nil), l.history...)
}

// Status returns the escalation snapshot
func (l *Lightning) Status() LightningStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LightningStatus{
		Mode:                l.mode,
		ConsecutiveFailures: l.failures,
		TotalStrikes:        l.totalStrikes,
		LastStrikeAt:        l.lastStrike,
		LastStrikeReason:    l.lastReason,
		ThoughtCount:        len(l.history),
	}
}

func (l *Lightning) strikeLocked(reason string) {
	l.mode = ModeClaude
	l.totalStrikes++
	l.lastStrike = time.Now()
	l.lastReason = reason
	metrics.LightningStrikes.Inc()
}
