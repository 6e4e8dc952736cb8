// Package qapi is the control-plane client: device registration, the broker
// trust anchor, broker discovery and usage limits.
//
// Every call authenticates with the pre-provisioned API key, never with the
// per-device broker credentials.
package qapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kardianos/qtel/qdef"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	pathRegister    = "/private/devices/"
	pathCertificate = "/private/devices/certificates/"
	pathBroker      = "/private/devices/config/"
	pathLimitsFmt   = "/private/devices/%s/app_config/"

	maxResponseSize = 1 << 20
	defaultTimeout  = 30 * time.Second
)

// StatusError is returned when the control plane answers with an unexpected status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("qapi: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("qapi: unexpected status %d: %s", e.Status, e.Body)
}

// Client talks to the control plane.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// New creates a control-plane client for baseURL authenticated with apiKey.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("qapi: base URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("qapi: API key is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		hc: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// RegisterRequest is the body of the registration call.
type RegisterRequest struct {
	MacAddressHash string `json:"mac_address_hash"`
	Application    string `json:"application"`
}

// RegisterDevice creates a new device identity. Only HTTP 201 is success.
func (c *Client) RegisterDevice(ctx context.Context, req RegisterRequest) (qdef.Identity, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return qdef.Identity{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, pathRegister, body, http.StatusCreated)
	if err != nil {
		return qdef.Identity{}, err
	}
	var id qdef.Identity
	if err := json.Unmarshal(resp, &id); err != nil {
		return qdef.Identity{}, fmt.Errorf("qapi: decode registration: %w", err)
	}
	return id, nil
}

// Certificate returns the PEM text of the broker CA certificate.
func (c *Client) Certificate(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, pathCertificate, nil, http.StatusOK)
}

type brokerResponse struct {
	Brokers string   `json:"brokers"`
	Port    flexPort `json:"port"`
}

// BrokerConfig discovers the broker endpoint.
func (c *Client) BrokerConfig(ctx context.Context) (qdef.Endpoint, error) {
	resp, err := c.do(ctx, http.MethodGet, pathBroker, nil, http.StatusOK)
	if err != nil {
		return qdef.Endpoint{}, err
	}
	var br brokerResponse
	if err := json.Unmarshal(resp, &br); err != nil {
		return qdef.Endpoint{}, fmt.Errorf("qapi: decode broker config: %w", err)
	}
	if br.Brokers == "" || br.Port <= 0 {
		return qdef.Endpoint{}, fmt.Errorf("qapi: broker config incomplete: %q", resp)
	}
	return qdef.Endpoint{Host: br.Brokers, Port: int(br.Port)}, nil
}

// UsageLimits returns the raw usage-limit document for appID with any
// {"config": ...} envelope removed. Decode it with DecodeLimits.
func (c *Client) UsageLimits(ctx context.Context, appID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf(pathLimitsFmt, appID), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return unwrapConfig(resp)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "JWT "+c.apiKey)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("qapi: read %s: %w", path, err)
	}
	if resp.StatusCode != want {
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// flexPort accepts the port as a JSON number or a numeric string.
type flexPort int

func (p *flexPort) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %s", b)
	}
	*p = flexPort(n)
	return nil
}
