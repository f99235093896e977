package bridge

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/barrhawk/fleetbridge/pkg/buffer"
	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/metrics"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// Report is one append-only record of a plan or step outcome
type Report struct {
	ID         string         `json:"id"`
	PlanID     string         `json:"planId"`
	StepIndex  int            `json:"stepIndex"`
	Type       string         `json:"type"` // "step", "plan", "screenshot"
	Status     string         `json:"status"`
	DurationMS int64          `json:"durationMs,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	FilePath   string         `json:"filePath,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// PlanSummary aggregates a plan's reports into a pass/fail decision
type PlanSummary struct {
	PlanID        string `json:"planId"`
	Steps         int    `json:"steps"`
	StepsPassed   int    `json:"stepsPassed"`
	StepsFailed   int    `json:"stepsFailed"`
	Screenshots   int    `json:"screenshots"`
	TotalDuration int64  `json:"totalDurationMs"`
	Passed        bool   `json:"passed"`
}

// maxIndexedPlans bounds the secondary index; the oldest plan's entry
// is evicted when exceeded
const maxIndexedPlans = 256

type screenshotJob struct {
	path string
	data []byte
}

// ReportStore keeps the bounded ring of reports, a plan-id index, and
// the screenshot file sink. Filesystem writes happen on a background
// worker so submission never blocks the router.
type ReportStore struct {
	mu        sync.Mutex
	ring      *buffer.Ring[*Report]
	byPlan    map[string][]*Report
	planOrder []string

	screenshotsDir string
	writeCh        chan screenshotJob
	stopCh         chan struct{}
	stopOnce       sync.Once
	logger         zerolog.Logger
}

// NewReportStore creates the store and starts the screenshot writer
func NewReportStore(capacity int, screenshotsDir string) (*ReportStore, error) {
	if err := os.MkdirAll(screenshotsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create screenshots dir: %w", err)
	}

	s := &ReportStore{
		ring:           buffer.NewRing[*Report](capacity),
		byPlan:         make(map[string][]*Report),
		screenshotsDir: screenshotsDir,
		writeCh:        make(chan screenshotJob, 64),
		stopCh:         make(chan struct{}),
		logger:         log.WithComponent("reports"),
	}
	go s.writer()
	return s, nil
}

// Append records a report
func (s *ReportStore) Append(r *Report) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.ring.Push(r)
	if r.PlanID != "" {
		if _, seen := s.byPlan[r.PlanID]; !seen {
			s.planOrder = append(s.planOrder, r.PlanID)
			if len(s.planOrder) > maxIndexedPlans {
				oldest := s.planOrder[0]
				s.planOrder = s.planOrder[1:]
				delete(s.byPlan, oldest)
			}
		}
		s.byPlan[r.PlanID] = append(s.byPlan[r.PlanID], r)
	}
	s.mu.Unlock()

	metrics.ReportsTotal.Inc()
}

// Recent returns the last k reports in chronological order
func (s *ReportStore) Recent(k int) []*Report {
	return s.ring.Recent(k)
}

// ByPlan returns every indexed report for a plan
func (s *ReportStore) ByPlan(planID string) []*Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Report(nil), s.byPlan[planID]...)
}

// Summary aggregates a plan's reports
func (s *ReportStore) Summary(planID string) PlanSummary {
	reports := s.ByPlan(planID)

	sum := PlanSummary{PlanID: planID, Passed: true}
	for _, r := range reports {
		switch r.Type {
		case "step":
			sum.Steps++
			if r.Status == "passed" {
				sum.StepsPassed++
			} else {
				sum.StepsFailed++
				sum.Passed = false
			}
			sum.TotalDuration += r.DurationMS
		case "screenshot":
			sum.Screenshots++
		case "plan":
			if r.Status != "passed" {
				sum.Passed = false
			}
		}
	}
	if sum.Steps == 0 && len(reports) == 0 {
		sum.Passed = false
	}
	return sum
}

// SubmitScreenshot decodes a base64 image, schedules the file write,
// and appends the synthetic screenshot report referencing the path
func (s *ReportStore) SubmitScreenshot(planID string, stepIndex int, b64 string) (*Report, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid screenshot encoding: %w", err)
	}

	name := fmt.Sprintf("%s_step%d_%d.png", planID, stepIndex, time.Now().UnixMilli())
	path := filepath.Join(s.screenshotsDir, name)

	select {
	case s.writeCh <- screenshotJob{path: path, data: data}:
	default:
		return nil, fmt.Errorf("screenshot writer backlogged")
	}

	r := &Report{
		PlanID:    planID,
		StepIndex: stepIndex,
		Type:      "screenshot",
		Status:    "stored",
		FilePath:  path,
	}
	s.Append(r)
	return r, nil
}

// HandleControl consumes report and screenshot submission messages
func (s *ReportStore) HandleControl(router *Router) {
	router.HandleInline(types.TypeReportSubmit, func(connID string, msg *types.Message) {
		r := &Report{
			PlanID: msg.PayloadString("planId"),
			Type:   msg.PayloadString("type"),
			Status: msg.PayloadString("status"),
			Detail: msg.Payload,
		}
		if r.Type == "" {
			r.Type = "step"
		}
		if idx, ok := msg.Payload["stepIndex"].(float64); ok {
			r.StepIndex = int(idx)
		}
		if ms, ok := msg.Payload["durationMs"].(float64); ok {
			r.DurationMS = int64(ms)
		}
		s.Append(r)
	})

	router.HandleInline(types.TypeScreenshotSubmit, func(connID string, msg *types.Message) {
		stepIndex := 0
		if idx, ok := msg.Payload["stepIndex"].(float64); ok {
			stepIndex = int(idx)
		}
		if _, err := s.SubmitScreenshot(msg.PayloadString("planId"), stepIndex, msg.PayloadString("data")); err != nil {
			router.sendErrorf(connID, nil, "Screenshot rejected: %v", err)
		}
	})
}

// Stop terminates the screenshot writer
func (s *ReportStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *ReportStore) writer() {
	for {
		select {
		case job := <-s.writeCh:
			if err := os.WriteFile(job.path, job.data, 0644); err != nil {
				s.logger.Error().Err(err).Str("path", job.path).Msg("failed to write screenshot")
				continue
			}
			metrics.ScreenshotsTotal.Inc()
		case <-s.stopCh:
			return
		}
	}
}
