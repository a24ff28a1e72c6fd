package hostclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wisbric/chalorch/pkg/keychain"
)

// ProxyClient talks to a reverse-proxy host's dynamic-router control API
// over mTLS. Both operations are idempotent on the server side: adding an
// existing host and deleting a missing one are both no-ops.
type ProxyClient struct {
	http     *http.Client
	endpoint string
}

// NewProxyClient builds an mTLS client for the proxy described by kc.
func NewProxyClient(kc keychain.ProxyKeychain) (*ProxyClient, error) {
	cert, err := tls.X509KeyPair([]byte(kc.Cert), []byte(kc.Key))
	if err != nil {
		return nil, fmt.Errorf("parsing proxy client cert/key: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(kc.CACert)) {
		return nil, fmt.Errorf("parsing proxy CA certificate")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
		},
	}

	return &ProxyClient{
		http:     &http.Client{Transport: transport},
		endpoint: kc.Endpoint,
	}, nil
}

type routeRequest struct {
	Host     string `json:"host"`
	Upstream string `json:"upstream,omitempty"`
}

// AddRoute registers host -> upstream ("ip:port"). Idempotent.
func (p *ProxyClient) AddRoute(ctx context.Context, host, upstream string) error {
	return p.post(ctx, "/dynamic-router/add", routeRequest{Host: host, Upstream: upstream})
}

// DeleteRoute removes host's route, if any. Idempotent.
func (p *ProxyClient) DeleteRoute(ctx context.Context, host string) error {
	return p.post(ctx, "/dynamic-router/delete", routeRequest{Host: host})
}

func (p *ProxyClient) post(ctx context.Context, path string, body routeRequest) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling proxy %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("proxy %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
