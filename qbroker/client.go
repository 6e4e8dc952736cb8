// Package qbroker delivers events to the message broker.
//
// A Client owns one broker session. Publish authorizes each event with the
// quota governor, then either hands it to the connector or keeps it in a
// bounded buffer until the session is up. Confirmed deliveries are reported
// back to the governor from a single confirm loop.
package qbroker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/kardianos/qtel/qdef"
	"github.com/kardianos/qtel/qstate"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultBufferSize     = 1000
	DefaultDialTimeout    = 60 * time.Second
	DefaultAckTimeout     = 60 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 2 * time.Minute
	DefaultCloseTimeout   = 3 * time.Second
)

// Resolver discovers the broker endpoint. *qapi.Client implements it.
type Resolver interface {
	BrokerConfig(ctx context.Context) (qdef.Endpoint, error)
}

// Quota admits events and receives confirmed sizes. *qquota.Governor implements it.
type Quota interface {
	Authorize(n int) bool
	ReportSent(n int)
}

// Options configures a Client.
type Options struct {
	Dialer   qdef.BrokerDialer
	Resolver Resolver
	Quota    Quota
	Identity qdef.Identity
	// TLS returns the client TLS configuration for the broker host.
	TLS func(serverName string) *tls.Config

	BufferSize     int
	DialTimeout    time.Duration
	AckTimeout     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Observer   qdef.Observer
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

type pendingAck struct {
	msg Message
	ack qdef.Ack
}

// Client is the broker transport.
type Client struct {
	opt     Options
	log     *slog.Logger
	metrics *metrics
	obs     *observerQueue
	topic   string
	sm      *qstate.Machine[qdef.ConnState]
	seq     atomic.Uint64

	mu       sync.Mutex // guards conn, buf, flushing
	conn     qdef.BrokerConn
	buf      *ring
	flushing bool

	ackMu     sync.Mutex
	pending   []pendingAck
	ackSignal chan struct{}
	kick      chan struct{}
	stop      chan struct{}

	ackCtx    context.Context
	ackCancel context.CancelFunc
	cancel    context.CancelFunc
	started   bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var transitions = []qstate.Transition[qdef.ConnState]{
	{From: qdef.StateDisconnected, To: qdef.StateConnecting, Name: "dial"},
	{From: qdef.StateConnecting, To: qdef.StateConnected, Name: "established"},
	{From: qdef.StateConnecting, To: qdef.StateDisconnected, Name: "dial failed"},
	{From: qdef.StateConnected, To: qdef.StateDisconnected, Name: "lost"},
	{Any: true, To: qdef.StateClosed, Name: "close"},
}

// New creates a Client in the Disconnected state. It performs no I/O.
func New(opt Options) (*Client, error) {
	if opt.Dialer == nil || opt.Resolver == nil || opt.Quota == nil {
		return nil, fmt.Errorf("qbroker: dialer, resolver and quota are required")
	}
	if !opt.Identity.IsSetUp() {
		return nil, qdef.ErrIncompleteIdentity
	}
	if opt.TLS == nil {
		return nil, fmt.Errorf("qbroker: TLS configuration is required")
	}
	if opt.BufferSize <= 0 {
		opt.BufferSize = DefaultBufferSize
	}
	if opt.DialTimeout <= 0 {
		opt.DialTimeout = DefaultDialTimeout
	}
	if opt.AckTimeout <= 0 {
		opt.AckTimeout = DefaultAckTimeout
	}
	if opt.InitialBackoff <= 0 {
		opt.InitialBackoff = DefaultInitialBackoff
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = DefaultMaxBackoff
	}
	log := opt.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		opt:       opt,
		log:       log.With("component", "broker"),
		metrics:   newMetrics(opt.Registerer),
		obs:       newObserverQueue(opt.Observer),
		topic:     opt.Dialer.Topic(opt.Identity),
		buf:       newRing(opt.BufferSize),
		ackSignal: make(chan struct{}, 1),
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	c.ackCtx, c.ackCancel = context.WithCancel(context.Background())
	c.sm = qstate.New(qdef.StateDisconnected, transitions, c.onStateChange)
	return c, nil
}

func (c *Client) onStateChange(from, to qdef.ConnState, name string) {
	c.log.Info("connection state changed", "from", from, "to", to, "event", name)
	c.metrics.state.Set(float64(to))
	c.obs.state(to)
}

func (c *Client) notify(o qdef.Outcome, size int) {
	c.metrics.outcome(o)
	c.obs.outcome(o, size)
}

// Topic is the destination for this device's events.
func (c *Client) Topic() string { return c.topic }

// State returns the current connection state.
func (c *Client) State() qdef.ConnState { return c.sm.Current() }

// Buffered returns the number of events waiting for a connection.
func (c *Client) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.len()
}

// WaitConnected blocks until the client is connected, closed, or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	s, err := c.sm.WaitFor(ctx, qdef.StateConnected, qdef.StateClosed)
	if err != nil {
		return err
	}
	if s == qdef.StateClosed {
		return qdef.ErrClosed
	}
	return nil
}

// Connect starts the connection supervisor and the confirm loop and returns
// immediately. The supervisor retries with exponential backoff until a
// session is established or the client is closed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sm.Current() == qdef.StateClosed {
		return qdef.ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.supervisor(ctx)
	go c.confirmLoop()
	return nil
}

// Publish submits payload for at-least-once delivery to topic.
// It returns qdef.ErrQuotaDenied when the governor refuses the event and
// *qdef.TransportError when the connector rejects it. It never waits for
// the network.
func (c *Client) Publish(topic string, payload []byte) error {
	if c.sm.Current() == qdef.StateClosed {
		return qdef.ErrClosed
	}
	n := len(payload)
	if !c.opt.Quota.Authorize(n) {
		c.notify(qdef.OutcomeDenied, n)
		c.log.Debug("event denied by quota", "bytes", n)
		return qdef.ErrQuotaDenied
	}

	msg := Message{
		ID:       uuid.New(),
		Seq:      c.seq.Add(1),
		Topic:    topic,
		Payload:  payload,
		Enqueued: time.Now(),
	}

	c.mu.Lock()
	if c.conn == nil || c.flushing || c.buf.len() > 0 || c.sm.Current() != qdef.StateConnected || !c.conn.IsConnected() {
		c.enqueueLocked(msg)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	return c.send(conn, msg)
}

func (c *Client) send(conn qdef.BrokerConn, msg Message) error {
	if msg.Duplicate {
		c.log.Debug("republishing possible duplicate", "id", msg.ID, "seq", msg.Seq)
	}
	ack, err := conn.Publish(msg.ID.String(), msg.Topic, msg.Payload)
	if err != nil {
		if errors.Is(err, qdef.ErrNotConnected) {
			c.mu.Lock()
			c.enqueueLocked(msg)
			c.mu.Unlock()
			return nil
		}
		c.notify(qdef.OutcomeFailed, len(msg.Payload))
		return &qdef.TransportError{Op: "publish", Err: err}
	}
	c.notify(qdef.OutcomePublished, len(msg.Payload))
	c.track(msg, ack)
	return nil
}

func (c *Client) enqueueLocked(msg Message) {
	if old, evicted := c.buf.push(msg); evicted {
		c.evicted(old, "overflow")
	}
	c.metrics.buffered.Set(float64(c.buf.len()))
	c.notify(qdef.OutcomeBuffered, len(msg.Payload))
}

func (c *Client) requeueLocked(msg Message) {
	if old, evicted := c.buf.requeue(msg); evicted {
		c.evicted(old, "overflow")
	}
	c.metrics.buffered.Set(float64(c.buf.len()))
}

func (c *Client) evicted(msg Message, reason string) {
	c.metrics.evictions.WithLabelValues(reason).Inc()
	c.notify(qdef.OutcomeEvicted, len(msg.Payload))
	c.log.Warn("buffered event dropped", "reason", reason, "seq", msg.Seq, "age", time.Since(msg.Enqueued))
}

func (c *Client) supervisor(ctx context.Context) {
	defer c.wg.Done()

	conn, err := c.dial(ctx)
	if err != nil {
		c.log.Debug("supervisor stopped before connecting", "error", err)
		return
	}

	c.mu.Lock()
	if err := c.sm.TransitionTo(qdef.StateConnected); err != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.flush(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
			c.flush(ctx)
		}
	}
}

// dial resolves and connects, retrying with exponential backoff until it
// succeeds or ctx is done.
func (c *Client) dial(ctx context.Context) (qdef.BrokerConn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opt.InitialBackoff
	b.MaxInterval = c.opt.MaxBackoff

	op := func() (qdef.BrokerConn, error) {
		if err := c.sm.TransitionTo(qdef.StateConnecting); err != nil {
			return nil, backoff.Permanent(err)
		}
		conn, err := c.dialOnce(ctx)
		if err != nil {
			c.metrics.connects.WithLabelValues("failure").Inc()
			c.sm.TransitionTo(qdef.StateDisconnected)
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		c.metrics.connects.WithLabelValues("success").Inc()
		return conn, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("broker connect failed, retrying", "error", err, "retry_in", next)
		}),
	)
}

func (c *Client) dialOnce(ctx context.Context) (qdef.BrokerConn, error) {
	ep, err := c.opt.Resolver.BrokerConfig(ctx)
	if err != nil {
		return nil, &qdef.TransportError{Op: "discover", Err: err}
	}
	dctx, cancel := context.WithTimeout(ctx, c.opt.DialTimeout)
	defer cancel()

	c.log.Info("connecting to broker", "addr", ep.Addr(), "identity", c.opt.Identity)
	conn, err := c.opt.Dialer.Dial(dctx, qdef.DialParams{
		Endpoint:   ep,
		Identity:   c.opt.Identity,
		TLSConfig:  c.opt.TLS(ep.Host),
		OnLost:     c.onLost,
		OnRestored: c.onRestored,
	})
	if err != nil {
		return nil, &qdef.TransportError{Op: "connect", Err: err}
	}
	return conn, nil
}

// onLost runs on the connector's goroutine when an established session drops.
func (c *Client) onLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sm.TransitionTo(qdef.StateDisconnected) != nil {
		return
	}
	c.log.Warn("broker connection lost", "error", err)
	c.sm.TransitionTo(qdef.StateConnecting)
}

// onRestored runs on the connector's goroutine after an automatic reconnect.
func (c *Client) onRestored() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.sm.TransitionTo(qdef.StateConnected)
	if c.sm.Current() == qdef.StateConnected {
		c.log.Info("broker connection restored")
		c.signalFlush()
	}
}

func (c *Client) signalFlush() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// flush publishes buffered events in order. New events are buffered behind
// them until the buffer is empty.
func (c *Client) flush(ctx context.Context) {
	var sent int
	defer func() {
		if sent > 0 {
			c.log.Info("buffered events flushed", "count", sent)
		}
	}()

	c.mu.Lock()
	c.flushing = true
	c.mu.Unlock()

	for {
		c.mu.Lock()
		conn := c.conn
		if ctx.Err() != nil || conn == nil || c.sm.Current() != qdef.StateConnected || !conn.IsConnected() {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		msg, ok := c.buf.pop()
		if !ok {
			c.flushing = false
			c.metrics.buffered.Set(0)
			c.mu.Unlock()
			return
		}
		c.metrics.buffered.Set(float64(c.buf.len()))
		c.mu.Unlock()

		if msg.Duplicate {
			c.log.Debug("republishing possible duplicate", "id", msg.ID, "seq", msg.Seq)
		}
		ack, err := conn.Publish(msg.ID.String(), msg.Topic, msg.Payload)
		if errors.Is(err, qdef.ErrNotConnected) {
			c.mu.Lock()
			c.requeueLocked(msg)
			c.flushing = false
			c.mu.Unlock()
			return
		}
		if err != nil {
			c.notify(qdef.OutcomeFailed, len(msg.Payload))
			c.log.Warn("publish buffered event", "seq", msg.Seq, "error", err)
			continue
		}
		sent++
		c.notify(qdef.OutcomePublished, len(msg.Payload))
		c.track(msg, ack)
	}
}

func (c *Client) track(msg Message, ack qdef.Ack) {
	c.ackMu.Lock()
	c.pending = append(c.pending, pendingAck{msg: msg, ack: ack})
	c.ackMu.Unlock()
	select {
	case c.ackSignal <- struct{}{}:
	default:
	}
}

// nextAck returns the oldest unconfirmed delivery. After stop it drains
// what is queued and then reports false.
func (c *Client) nextAck() (pendingAck, bool) {
	for {
		c.ackMu.Lock()
		if len(c.pending) > 0 {
			p := c.pending[0]
			c.pending[0] = pendingAck{}
			c.pending = c.pending[1:]
			c.ackMu.Unlock()
			return p, true
		}
		c.ackMu.Unlock()

		select {
		case <-c.ackSignal:
		case <-c.stop:
			c.ackMu.Lock()
			empty := len(c.pending) == 0
			c.ackMu.Unlock()
			if empty {
				return pendingAck{}, false
			}
		}
	}
}

func (c *Client) confirmLoop() {
	defer c.wg.Done()
	for {
		p, ok := c.nextAck()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.ackCtx, c.opt.AckTimeout)
		err := p.ack.Wait(ctx)
		cancel()
		c.settle(p.msg, err)
	}
}

func (c *Client) settle(msg Message, err error) {
	n := len(msg.Payload)
	switch {
	case err == nil:
		c.opt.Quota.ReportSent(n)
		c.metrics.confirmedBytes.Add(float64(n))
		c.notify(qdef.OutcomeConfirmed, n)
	case errors.Is(err, qdef.ErrNotConnected) && c.sm.Current() != qdef.StateClosed:
		msg.Duplicate = true
		c.mu.Lock()
		c.requeueLocked(msg)
		if c.sm.Current() == qdef.StateConnected {
			c.signalFlush()
		}
		c.mu.Unlock()
	case c.ackCtx.Err() != nil:
		c.log.Debug("delivery unconfirmed at shutdown", "seq", msg.Seq)
	default:
		c.notify(qdef.OutcomeFailed, n)
		c.log.Warn("delivery not confirmed", "seq", msg.Seq, "bytes", n, "error", err)
	}
}

// Close shuts the client down: a graceful disconnect bounded by timeout,
// then forced teardown. It waits for background work at most until the same
// deadline. Close is idempotent; only the first call does any work.
func (c *Client) Close(timeout time.Duration) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.close(timeout)
	})
	return err
}

func (c *Client) close(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	c.sm.TransitionTo(qdef.StateClosed)
	conn := c.conn
	dropped := c.buf.len()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dropped > 0 {
		c.log.Warn("discarding buffered events at shutdown", "count", dropped)
	}

	var errs []error
	if conn != nil {
		if err := c.disconnect(conn, deadline); err != nil {
			errs = append(errs, err)
		}
	}

	close(c.stop)
	stopAcks := time.AfterFunc(time.Until(deadline), c.ackCancel)
	defer stopAcks.Stop()
	defer c.ackCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		errs = append(errs, fmt.Errorf("qbroker: background tasks still running after %v", timeout))
	}
	c.obs.wait(time.After(time.Until(deadline)))
	return errors.Join(errs...)
}

// disconnect tries a graceful disconnect until deadline and then forces it.
func (c *Client) disconnect(conn qdef.BrokerConn, deadline time.Time) error {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Disconnect(ctx) }()
	var err error
	select {
	case err = <-done:
		if err == nil {
			return nil
		}
		c.log.Warn("graceful disconnect failed, forcing", "error", err)
	case <-ctx.Done():
		err = ctx.Err()
		c.log.Warn("graceful disconnect timed out, forcing")
	}
	go conn.Close()
	return &qdef.TransportError{Op: "disconnect", Err: err}
}
