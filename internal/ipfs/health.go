package ipfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Probe is the outcome of one health check against the node.
type Probe struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Required bool          `json:"required"`
	Status   int           `json:"status,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Diagnostics aggregates the probes. Healthy is true when every required
// probe passed.
type Diagnostics struct {
	Healthy           bool      `json:"healthy"`
	CheckedAt         time.Time `json:"checked_at"`
	Probes            []Probe   `json:"probes"`
	PreferredStrategy string    `json:"preferred_strategy,omitempty"`
}

type probeSpec struct {
	name     string
	method   string
	path     string
	required bool
	pass     func(status int) bool
	headers  func(h http.Header)
}

func (c *Client) probes() []probeSpec {
	auth := c.strategyByName(c.PreferredStrategy()).Apply
	origin := c.opts.ProbeOrigin
	if origin == "" {
		origin = "http://localhost"
	}
	return []probeSpec{
		{
			name: "reachability", method: http.MethodGet, path: "/", required: true,
			pass: func(status int) bool { return status > 0 && status < 500 },
		},
		{
			name: "version", method: http.MethodPost, path: "/api/v0/version", required: true,
			pass:    func(status int) bool { return status == http.StatusOK },
			headers: auth,
		},
		{
			name: "cors-preflight", method: http.MethodOptions, path: "/api/v0/add",
			pass: func(status int) bool { return status >= 200 && status < 300 },
			headers: func(h http.Header) {
				h.Set("Origin", origin)
				h.Set("Access-Control-Request-Method", http.MethodPost)
			},
		},
		{
			name: "upload-endpoint", method: http.MethodPost, path: "/api/v0/add", required: true,
			pass: func(status int) bool {
				return status < 500 && status != http.StatusNotFound && status != http.StatusMethodNotAllowed
			},
			headers: auth,
		},
	}
}

// HealthCheck runs every probe concurrently. It never fails; problems are
// reported in the returned diagnostics.
func (c *Client) HealthCheck(ctx context.Context) Diagnostics {
	specs := c.probes()
	results := make([]Probe, len(specs))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			p := c.runProbe(gctx, spec)
			mu.Lock()
			results[i] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d := Diagnostics{
		Healthy:           true,
		CheckedAt:         time.Now().UTC(),
		Probes:            results,
		PreferredStrategy: c.PreferredStrategy(),
	}
	for _, p := range results {
		if p.Required && !p.OK {
			d.Healthy = false
		}
	}
	if !d.Healthy {
		c.logger.Warn(ctx, "content store unhealthy", "probes", results)
	}
	return d
}

func (c *Client) runProbe(ctx context.Context, spec probeSpec) Probe {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	p := Probe{Name: spec.name, Required: spec.required}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, spec.method, c.endpoint(spec.path, nil), nil)
	if err != nil {
		p.Error = err.Error()
		p.Duration = time.Since(start)
		return p
	}
	if spec.headers != nil {
		spec.headers(req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		p.Error = err.Error()
		p.Duration = time.Since(start)
		return p
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()

	p.Status = resp.StatusCode
	p.OK = spec.pass(resp.StatusCode)
	if !p.OK {
		p.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	p.Duration = time.Since(start)
	return p
}
