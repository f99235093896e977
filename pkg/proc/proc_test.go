package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/fleetbridge/pkg/log"
)

func init() {
	log.Init(log.Config{Level: "error"})
}

func TestSpawnAndExitCallback(t *testing.T) {
	exitCh := make(chan ExitInfo, 1)
	c, err := Spawn(Options{
		ID:     "child-1",
		Binary: "sh",
		Args:   []string{"-c", "exit 3"},
		OnExit: func(info ExitInfo) { exitCh <- info },
	})
	require.NoError(t, err)
	assert.Greater(t, c.PID(), 0)

	select {
	case info := <-exitCh:
		assert.Equal(t, 3, info.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback never fired")
	}
	assert.False(t, c.Alive())
}

func TestTerminateGraceful(t *testing.T) {
	exitCh := make(chan ExitInfo, 1)
	c, err := Spawn(Options{
		ID:     "child-2",
		Binary: "sleep",
		Args:   []string{"30"},
		OnExit: func(info ExitInfo) { exitCh <- info },
	})
	require.NoError(t, err)
	require.True(t, c.Alive())

	c.Terminate(5 * time.Second)

	select {
	case info := <-exitCh:
		assert.Equal(t, "terminated", info.Signal)
	case <-time.After(5 * time.Second):
		t.Fatal("child did not die after SIGTERM")
	}
}

func TestSpawnUnknownBinary(t *testing.T) {
	_, err := Spawn(Options{ID: "child-3", Binary: "/nonexistent/binary"})
	require.Error(t, err)
}
