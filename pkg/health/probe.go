// Package health implements the readiness probes the cluster's child
// supervisors run against freshly spawned processes: a port probe for
// Supervisor children, which only need their reserved TCP port open,
// and an endpoint probe for worker-face children, which must answer on
// their HTTP control surface.
package health

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Probe asks one readiness question about a child process
type Probe interface {
	Ready(ctx context.Context) bool
}

// PortProbe is ready when the child's reserved TCP port accepts a
// connection. The dial is the whole check; nothing is sent.
type PortProbe struct {
	address     string
	dialTimeout time.Duration
}

// ProbePort creates a probe for addr ("localhost:9101")
func ProbePort(addr string) *PortProbe {
	return &PortProbe{address: addr, dialTimeout: 2 * time.Second}
}

// Ready dials the port once
func (p *PortProbe) Ready(ctx context.Context) bool {
	dialer := &net.Dialer{Timeout: p.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// EndpointProbe is ready when the child's control endpoint answers
// with a non-5xx status. 4xx counts as ready: the process is up and
// serving, even if the path is picky about the request.
type EndpointProbe struct {
	url    string
	client *http.Client
}

// ProbeEndpoint creates a probe for a control URL
// ("http://localhost:8686/health")
func ProbeEndpoint(url string) *EndpointProbe {
	return &EndpointProbe{
		url:    url,
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

// Ready issues one GET against the endpoint
func (p *EndpointProbe) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// WaitReady polls a probe until it reports ready or the deadline
// passes. Supervisors run this on a goroutine after spawning so the
// child's record flips out of its spawning state without blocking the
// spawner.
func WaitReady(ctx context.Context, probe Probe, interval, deadline time.Duration) bool {
	timeout := time.After(deadline)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if probe.Ready(ctx) {
			return true
		}
		select {
		case <-ticker.C:
		case <-timeout:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
