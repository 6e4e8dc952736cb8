package qtel

import (
	"log/slog"
	"net/http"

	"github.com/kardianos/qtel/qdef"
	"github.com/kardianos/qtel/qquota"
	"github.com/prometheus/client_golang/prometheus"
)

// Option customizes an Agent.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	registerer  prometheus.Registerer
	observer    qdef.Observer
	dialer      qdef.BrokerDialer
	network     qquota.NetworkMonitor
	httpClient  *http.Client
	fingerprint func() (string, error)
}

// WithLogger sets the structured logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers the agent's metrics with reg.
// Without it no metrics are registered.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithObserver receives connection state changes and per-event outcomes.
func WithObserver(obs qdef.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithDialer replaces the broker connector chosen by Config.Broker.Protocol.
func WithDialer(d qdef.BrokerDialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithNetworkMonitor replaces the metered-link detection chosen by Config.Network.
func WithNetworkMonitor(n qquota.NetworkMonitor) Option {
	return func(o *options) { o.network = n }
}

// WithHTTPClient replaces the control-plane HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithFingerprint replaces the MAC address fingerprint sent at registration.
func WithFingerprint(fn func() (string, error)) Option {
	return func(o *options) { o.fingerprint = fn }
}
