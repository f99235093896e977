package igor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		for i := 0; i < 50; i++ {
			d := retryDelay(attempt)
			assert.GreaterOrEqual(t, d, backoffBase/2, "attempt %d", attempt)
			assert.LessOrEqual(t, d, backoffMax, "attempt %d", attempt)
		}
	}
}

func TestRetryDelayGrows(t *testing.T) {
	// Jitter is ±20%, so the max of attempt n stays below the min of
	// attempt n+1 while the doubling is unclamped
	for attempt := 0; attempt < 3; attempt++ {
		lo := retryDelay(attempt + 1)
		hi := retryDelay(attempt)
		for i := 0; i < 50; i++ {
			if d := retryDelay(attempt + 1); d < lo {
				lo = d
			}
			if d := retryDelay(attempt); d > hi {
				hi = d
			}
		}
		assert.Greater(t, lo, hi, "attempt %d overlap", attempt)
	}
}

func TestRetryDelayClampsAtMax(t *testing.T) {
	seen := false
	for i := 0; i < 50; i++ {
		d := retryDelay(20)
		assert.LessOrEqual(t, d, backoffMax)
		if d > 25*time.Second {
			seen = true
		}
	}
	assert.True(t, seen, "large attempts should sit near the cap")
}
