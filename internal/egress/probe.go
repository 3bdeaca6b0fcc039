package egress

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Prober checks connectivity through an egress URL.
type Prober interface {
	Probe(ctx context.Context, egressURL string) error
}

// HTTPProber issues a GET of a fixed target through the identity used as a proxy.
type HTTPProber struct {
	target string
}

// NewHTTPProber creates a prober fetching target.
func NewHTTPProber(target string) *HTTPProber {
	return &HTTPProber{target: target}
}

func (p *HTTPProber) Probe(ctx context.Context, egressURL string) error {
	proxy, err := url.Parse(egressURL)
	if err != nil {
		return fmt.Errorf("invalid egress url: %w", err)
	}

	transport := &http.Transport{Proxy: http.ProxyURL(proxy), DisableKeepAlives: true}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe through %s failed: %w", proxy.Host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe through %s returned status %d", proxy.Host, resp.StatusCode)
	}
	return nil
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, egressURL string) error

func (f ProberFunc) Probe(ctx context.Context, egressURL string) error {
	return f(ctx, egressURL)
}
