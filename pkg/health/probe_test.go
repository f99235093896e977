package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	assert.True(t, ProbePort(ln.Addr().String()).Ready(context.Background()))
	assert.False(t, ProbePort("127.0.0.1:1").Ready(context.Background()))
}

func TestEndpointProbe(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	probe := ProbeEndpoint(server.URL)
	assert.True(t, probe.Ready(context.Background()))

	// A picky path is still a live process
	status = http.StatusNotFound
	assert.True(t, probe.Ready(context.Background()))

	// A 5xx is not ready
	status = http.StatusInternalServerError
	assert.False(t, probe.Ready(context.Background()))

	server.Close()
	assert.False(t, probe.Ready(context.Background()))
}

func TestWaitReadyTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	probe := ProbePort(addr)
	probe.dialTimeout = 100 * time.Millisecond

	assert.False(t, WaitReady(context.Background(), probe, 20*time.Millisecond, 200*time.Millisecond))
}

func TestWaitReadySeesLateListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		ln2, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		defer ln2.Close()
		time.Sleep(2 * time.Second)
	}()

	probe := ProbePort(addr)
	probe.dialTimeout = 100 * time.Millisecond
	assert.True(t, WaitReady(context.Background(), probe, 20*time.Millisecond, 2*time.Second))
}

func TestWaitReadyHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	probe := ProbePort("127.0.0.1:1")
	probe.dialTimeout = 20 * time.Millisecond

	start := time.Now()
	assert.False(t, WaitReady(ctx, probe, 10*time.Millisecond, 10*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
}
