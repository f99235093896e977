package breaker

import (
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		done, err := b.Allow()
		require.NoError(t, err, "attempt %d should be admitted", i)
		done(false)
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("doctor", Config{FailureThreshold: 3, ResetTimeout: time.Minute})

	failN(t, b, 3)

	assert.Equal(t, gobreaker.StateOpen, b.State())
	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
	assert.Greater(t, b.RemainingCooldown(), time.Duration(0))
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b := New("doctor", Config{FailureThreshold: 3, ResetTimeout: time.Minute})

	failN(t, b, 2)
	done, err := b.Allow()
	require.NoError(t, err)
	done(true)
	failN(t, b, 2)

	// 2 failures, success, 2 failures: never 3 consecutive
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b := New("doctor", Config{FailureThreshold: 2, ResetTimeout: 40 * time.Millisecond})

	failN(t, b, 2)
	require.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(50 * time.Millisecond)

	// Exactly one probe is admitted
	done, err := b.Allow()
	require.NoError(t, err)
	_, err2 := b.Allow()
	assert.ErrorIs(t, err2, ErrOpen)

	// Probe success closes the breaker and resets counters
	done(true)
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b := New("doctor", Config{FailureThreshold: 2, ResetTimeout: 40 * time.Millisecond})

	failN(t, b, 2)
	time.Sleep(50 * time.Millisecond)

	done, err := b.Allow()
	require.NoError(t, err)
	done(false)

	assert.Equal(t, gobreaker.StateOpen, b.State())
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestResetForcesClosed(t *testing.T) {
	var transitions []string
	b := New("doctor", Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnChange: func(name string, from, to gobreaker.State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	failN(t, b, 2)
	require.Equal(t, gobreaker.StateOpen, b.State())

	b.Reset()
	assert.Equal(t, gobreaker.StateClosed, b.State())
	done, err := b.Allow()
	require.NoError(t, err)
	done(true)

	assert.Contains(t, transitions, "closed->open")
	assert.Contains(t, transitions, "open->closed")
}

func TestRegistryLazyCreateAndSnapshot(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2, ResetTimeout: time.Minute})

	b := r.Get("doctor")
	assert.Same(t, b, r.Get("doctor"))
	r.Get("igor-1")

	failN(t, b, 2)

	snaps := r.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "doctor", snaps[0].Name)
	assert.Equal(t, "open", snaps[0].State)
	assert.Equal(t, "igor-1", snaps[1].Name)
	assert.Equal(t, "closed", snaps[1].State)

	assert.True(t, r.Reset("doctor"))
	assert.False(t, r.Reset("ghost"))
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
