package bridge

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/metrics"
)

// PressureLevel classifies current memory usage
type PressureLevel int32

const (
	PressureNormal PressureLevel = iota
	PressureWarning
	PressureCritical
)

// String renders the level for the debug surface
func (l PressureLevel) String() string {
	switch l {
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	default:
		return "normal"
	}
}

// PressureMonitor samples the process RSS periodically and classifies
// it against the configured thresholds. RSS rather than heap because it
// is comparable across runtimes and what the OS actually reclaims.
type PressureMonitor struct {
	warningMB  int
	criticalMB int

	level    atomic.Int32
	rssMB    atomic.Int64
	stopCh   chan struct{}
	stopOnce atomic.Bool
}

// NewPressureMonitor creates the monitor and starts sampling
func NewPressureMonitor(warningMB, criticalMB int) *PressureMonitor {
	m := &PressureMonitor{
		warningMB:  warningMB,
		criticalMB: criticalMB,
		stopCh:     make(chan struct{}),
	}
	m.sample()
	go m.run()
	return m
}

// Level returns the most recent classification
func (m *PressureMonitor) Level() PressureLevel {
	return PressureLevel(m.level.Load())
}

// RSSMB returns the most recent resident-set sample in MB
func (m *PressureMonitor) RSSMB() int64 {
	return m.rssMB.Load()
}

// Stop terminates sampling
func (m *PressureMonitor) Stop() {
	if m.stopOnce.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
}

func (m *PressureMonitor) run() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stopCh:
			return
		}
	}
}

func (m *PressureMonitor) sample() {
	rssMB := readRSSMB()
	m.rssMB.Store(rssMB)

	level := PressureNormal
	switch {
	case m.criticalMB > 0 && rssMB >= int64(m.criticalMB):
		level = PressureCritical
	case m.warningMB > 0 && rssMB >= int64(m.warningMB):
		level = PressureWarning
	}

	prev := PressureLevel(m.level.Swap(int32(level)))
	metrics.MemoryPressureLevel.Set(float64(level))
	if prev != level {
		logger := log.WithComponent("pressure")
		logger.Warn().
			Int64("rss_mb", rssMB).
			Str("level", level.String()).
			Msg("memory pressure level changed")
	}
}

// readRSSMB reads the resident set from /proc on linux and falls back
// to the runtime's OS-reserved bytes elsewhere
func readRSSMB() int64 {
	if f, err := os.Open("/proc/self/status"); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "VmRSS:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return kb / 1024
				}
			}
		}
	}

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int64(stats.Sys / (1 << 20))
}
