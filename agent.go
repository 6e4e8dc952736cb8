// Package qtel is a device telemetry agent.
//
// An Agent registers the device with the control plane once, caches the
// sealed credentials and the broker trust anchor in its data directory, and
// then streams opaque event payloads to an MQTT or NATS broker. Every event
// is admitted by the usage quota governor, and confirmed deliveries are
// counted against the device's storage and cellular allowances.
//
//	agent, err := qtel.New(cfg, qtel.WithLogger(log))
//	if err != nil { ... }
//	if err := agent.Start(ctx); err != nil { ... }
//	defer agent.Close()
//	agent.Send(payload)
package qtel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kardianos/qtel/qapi"
	"github.com/kardianos/qtel/qbroker"
	"github.com/kardianos/qtel/qdef"
	"github.com/kardianos/qtel/qident"
	"github.com/kardianos/qtel/qquota"
	"github.com/kardianos/qtel/qstore"
	"github.com/kardianos/qtel/qtrust"
)

const defaultEmissionPeriod = time.Minute

// Agent wires the identity, trust, quota and transport components together.
// All state hangs off the Agent; several agents may share a process as long
// as their data directories differ.
type Agent struct {
	cfg     Config
	opt     options
	log     *slog.Logger
	metrics *metrics
	dir     string

	api    *qapi.Client
	ident  *qident.Manager
	trust  *qtrust.Manager
	quota  *qquota.Governor
	dialer qdef.BrokerDialer

	startMu sync.Mutex // serializes Start

	mu          sync.Mutex // guards broker, cancel, startCancel, closed
	broker      *qbroker.Client
	cancel      context.CancelFunc
	startCancel context.CancelFunc
	closed      bool
	wg          sync.WaitGroup
	closeOnce   sync.Once
	err         error
}

// New validates cfg and builds the agent's components. It creates the data
// directory but performs no network I/O.
func New(cfg Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log := o.logger
	if log == nil {
		log = slog.Default()
	}

	dir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, fmt.Errorf("qtel: data directory: %w", err)
	}
	sealer, err := qstore.NewSealer(cfg.AppID)
	if err != nil {
		return nil, fmt.Errorf("qtel: %w", err)
	}
	store, err := qstore.NewFileDataStore(dir, sealer)
	if err != nil {
		return nil, &qdef.StorageError{Op: "open", Path: dir, Err: err}
	}

	var apiOpts []qapi.Option
	if o.httpClient != nil {
		apiOpts = append(apiOpts, qapi.WithHTTPClient(o.httpClient))
	}
	api, err := qapi.New(cfg.BaseURL, cfg.APIKey, apiOpts...)
	if err != nil {
		return nil, fmt.Errorf("qtel: %w", err)
	}

	ident, err := qident.NewManager(qident.Config{
		AppID:       cfg.AppID,
		Store:       store,
		Registrar:   api,
		LockDir:     store.Path(),
		Fingerprint: o.fingerprint,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	policy, _ := qtrust.ParsePolicy(cfg.TrustPolicy)
	trust, err := qtrust.NewManager(qtrust.Config{
		Store:   store,
		Fetcher: api,
		Policy:  policy,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	network := o.network
	if network == nil {
		network, err = qquota.ParseNetworkMode(cfg.Network.Metered, cfg.Network.CellularPrefixes)
		if err != nil {
			return nil, err
		}
	}
	quota, err := qquota.New(qquota.Config{
		AppID:           cfg.AppID,
		Dir:             store.Path(),
		Store:           store,
		Source:          api,
		Network:         network,
		RefreshInterval: cfg.RefreshInterval,
		Logger:          log,
		Registerer:      o.registerer,
	})
	if err != nil {
		return nil, err
	}

	dialer := o.dialer
	if dialer == nil {
		switch cfg.Broker.Protocol {
		case ProtocolNATS:
			dialer = &qbroker.NATSDialer{
				Stream:         cfg.Broker.Stream,
				ConnectTimeout: cfg.Broker.DialTimeout,
			}
		default:
			dialer = &qbroker.MQTTDialer{
				KeepAlive:            cfg.Broker.KeepAlive,
				ConnectTimeout:       cfg.Broker.DialTimeout,
				MaxReconnectInterval: cfg.Broker.MaxBackoff,
			}
		}
	}

	return &Agent{
		cfg:     cfg,
		opt:     o,
		log:     log,
		metrics: newMetrics(o.registerer),
		dir:     store.Path(),
		api:     api,
		ident:   ident,
		trust:   trust,
		quota:   quota,
		dialer:  dialer,
	}, nil
}

// DataDir is the directory holding the agent's local state.
func (a *Agent) DataDir() string { return a.dir }

// Start resolves the identity, the trust anchor and the usage limits, in that
// order, and then starts the broker connection in the background. Any failure
// is returned and leaves the agent unstarted; the error wraps one of
// qdef.RegistrationError, StorageError, FetchError or ParseError.
// Calling Start on a started agent does nothing. Close cancels a Start in
// progress.
func (a *Agent) Start(ctx context.Context) error {
	a.startMu.Lock()
	defer a.startMu.Unlock()

	a.mu.Lock()
	closed, started := a.closed, a.broker != nil
	if closed || started {
		a.mu.Unlock()
		if closed {
			return qdef.ErrClosed
		}
		return nil
	}
	ctx, cancelStart := context.WithCancel(ctx)
	a.startCancel = cancelStart
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.startCancel = nil
		a.mu.Unlock()
		cancelStart()
	}()

	id, err := a.ident.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("qtel: resolve identity: %w", err)
	}
	anchor, err := a.trust.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("qtel: trust anchor: %w", err)
	}
	if err := a.quota.Load(ctx); err != nil {
		return fmt.Errorf("qtel: usage limits: %w", err)
	}

	bc, err := qbroker.New(qbroker.Options{
		Dialer:      a.dialer,
		Resolver:    a.api,
		Quota:       a.quota,
		Identity:    id,
		TLS:         anchor.TLSConfig,
		BufferSize:  a.cfg.Broker.BufferSize,
		DialTimeout: a.cfg.Broker.DialTimeout,
		AckTimeout:  a.cfg.Broker.AckTimeout,
		MaxBackoff:  a.cfg.Broker.MaxBackoff,
		Observer:    a.opt.observer,
		Logger:      a.log,
		Registerer:  a.opt.registerer,
	})
	if err != nil {
		return fmt.Errorf("qtel: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return qdef.ErrClosed
	}
	runCtx, cancel := context.WithCancel(context.Background())
	if err := bc.Connect(runCtx); err != nil {
		cancel()
		return fmt.Errorf("qtel: %w", err)
	}
	a.broker, a.cancel = bc, cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.quota.Run(runCtx)
	}()

	a.log.Info("agent started", "identity", id, "topic", bc.Topic(), "data_dir", a.dir)
	return nil
}

func (a *Agent) client() (*qbroker.Client, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.broker, a.closed
}

// Send submits one event payload. It never blocks on the network and never
// fails: events that are denied by the quota or cannot be accepted are
// logged and counted.
func (a *Agent) Send(payload []byte) {
	bc, closed := a.client()
	switch {
	case closed:
		a.drop("closed", len(payload), nil)
		return
	case bc == nil:
		a.drop("not_started", len(payload), nil)
		return
	}

	err := bc.Publish(bc.Topic(), payload)
	switch {
	case err == nil:
	case errors.Is(err, qdef.ErrQuotaDenied):
		a.metrics.dropped.WithLabelValues("quota").Inc()
	case errors.Is(err, qdef.ErrClosed):
		a.drop("closed", len(payload), nil)
	default:
		a.drop("transport", len(payload), err)
	}
}

func (a *Agent) drop(reason string, size int, err error) {
	a.metrics.dropped.WithLabelValues(reason).Inc()
	if err != nil {
		a.log.Warn("event dropped", "reason", reason, "bytes", size, "error", err)
		return
	}
	a.log.Debug("event dropped", "reason", reason, "bytes", size)
}

// Emit calls source once per emission period from the current usage limits
// and sends what it returns, until ctx is done. Source errors are logged and
// skipped. The agent must be started.
func (a *Agent) Emit(ctx context.Context, source func() ([]byte, error)) error {
	if bc, _ := a.client(); bc == nil {
		return qdef.ErrUninitialized
	}
	timer := time.NewTimer(a.emissionPeriod())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		payload, err := source()
		if err != nil {
			a.log.Warn("event source failed", "error", err)
		} else {
			a.metrics.emitted.Inc()
			a.Send(payload)
		}
		timer.Reset(a.emissionPeriod())
	}
}

func (a *Agent) emissionPeriod() time.Duration {
	if l, ok := a.quota.Limits(); ok && l.EmissionPeriod > 0 {
		return l.EmissionPeriod
	}
	return defaultEmissionPeriod
}

// State is the broker connection state. It is Disconnected before Start.
func (a *Agent) State() qdef.ConnState {
	bc, closed := a.client()
	switch {
	case bc != nil:
		return bc.State()
	case closed:
		return qdef.StateClosed
	}
	return qdef.StateDisconnected
}

// Identity resolves the device identity without starting the transport.
func (a *Agent) Identity(ctx context.Context) (qdef.Identity, error) {
	return a.ident.Resolve(ctx)
}

// Usage loads the limits if needed and returns the current counters and limits.
func (a *Agent) Usage(ctx context.Context) (qdef.Usage, qdef.Limits, error) {
	if _, ok := a.quota.Limits(); !ok {
		if err := a.quota.Load(ctx); err != nil {
			return qdef.Usage{}, qdef.Limits{}, err
		}
	}
	l, _ := a.quota.Limits()
	return a.quota.Usage(), l, nil
}

// ResetUsage zeroes the persisted usage counters.
func (a *Agent) ResetUsage(ctx context.Context) error {
	if _, ok := a.quota.Limits(); !ok {
		if err := a.quota.Load(ctx); err != nil {
			return err
		}
	}
	return a.quota.ResetUsage()
}

// Close stops the transport, the quota loop and the counter database.
// The broker disconnect is bounded by Config.Broker.CloseTimeout.
// Close is idempotent.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.err = a.close()
	})
	return a.err
}

func (a *Agent) close() error {
	a.mu.Lock()
	a.closed = true
	if a.startCancel != nil {
		a.startCancel()
	}
	a.mu.Unlock()

	a.startMu.Lock()
	defer a.startMu.Unlock()

	a.mu.Lock()
	bc, cancel := a.broker, a.cancel
	a.mu.Unlock()

	var errs []error
	if bc != nil {
		if err := bc.Close(a.cfg.Broker.CloseTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	if err := a.quota.Close(); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("agent stopped")
	return errors.Join(errs...)
}
