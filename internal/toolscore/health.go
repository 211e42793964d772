package toolscore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// HealthResult captures the outcome of one probe.
type HealthResult struct {
	Healthy bool
	Message string
	Latency time.Duration
}

// healthResponse is the body every tool server returns from GET /health.
type healthResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	CapabilitiesDigest string `json:"capabilities_digest"`
}

// HealthProber probes tool servers for readiness and liveness. HTTP
// servers answer GET /health; WebSocket servers are probed with a
// handshake.
type HealthProber struct {
	client *http.Client
	dialer *websocket.Dialer
}

// NewHealthProber creates a prober with short per-check timeouts.
func NewHealthProber(timeout time.Duration) *HealthProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthProber{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		dialer: &websocket.Dialer{HandshakeTimeout: timeout},
	}
}

// Probe checks a single server once.
func (p *HealthProber) Probe(ctx context.Context, server *ToolServer) HealthResult {
	start := time.Now()
	var err error
	if strings.HasPrefix(server.Endpoint, "ws://") || strings.HasPrefix(server.Endpoint, "wss://") {
		err = p.probeWS(ctx, server.Endpoint)
	} else {
		err = p.probeHTTP(ctx, server.Endpoint)
	}
	latency := time.Since(start)
	if err != nil {
		return HealthResult{Healthy: false, Message: err.Error(), Latency: latency}
	}
	return HealthResult{Healthy: true, Latency: latency}
}

func (p *HealthProber) probeHTTP(ctx context.Context, endpoint string) error {
	url := strings.TrimSuffix(endpoint, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health body: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("health status %q", body.Status)
	}
	return nil
}

func (p *HealthProber) probeWS(ctx context.Context, endpoint string) error {
	conn, resp, err := p.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket handshake: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn.Close()
}

// FetchCapabilities retrieves the server's declared capability catalog
// from GET /capabilities. WebSocket endpoints expose the same document
// over HTTP on the same port.
func (p *HealthProber) FetchCapabilities(ctx context.Context, server *ToolServer) ([]Capability, error) {
	endpoint := server.Endpoint
	endpoint = strings.Replace(endpoint, "ws://", "http://", 1)
	endpoint = strings.Replace(endpoint, "wss://", "https://", 1)
	url := strings.TrimSuffix(endpoint, "/") + "/capabilities"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch capabilities: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capabilities returned status %d", resp.StatusCode)
	}

	var caps []Capability
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	for i := range caps {
		caps[i].ServerID = server.ServerID
	}
	return caps, nil
}
