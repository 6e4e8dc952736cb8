package qmock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kardianos/qtel/qdef"
)

// Published is one message accepted by the fake broker.
type Published struct {
	ID      string
	Topic   string
	Payload []byte
}

// Broker is a fake qdef.BrokerDialer. All sessions it hands out share its
// message log, so tests can assert delivery order across reconnects.
type Broker struct {
	mu          sync.Mutex
	failDials   int
	dials       int
	conn        *BrokerConn
	published   []Published
	holdAcks    bool
	ackErr      error
	pending     []*ack
	hangDisconn bool
	unblock     chan struct{}
	params      qdef.DialParams
}

func NewBroker() *Broker {
	return &Broker{unblock: make(chan struct{})}
}

// FailDials makes the next n dials fail.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// HoldAcks keeps acknowledgements pending until ReleaseAcks.
func (b *Broker) HoldAcks(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdAcks = hold
}

// SetAckError makes future acknowledgements resolve with err.
func (b *Broker) SetAckError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackErr = err
}

// HangDisconnect makes graceful disconnects block, ignoring their context,
// until Unblock is called.
func (b *Broker) HangDisconnect(hang bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hangDisconn = hang
}

// Unblock releases hung disconnects.
func (b *Broker) Unblock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.unblock:
	default:
		close(b.unblock)
	}
}

// ReleaseAcks resolves every pending acknowledgement with err.
func (b *Broker) ReleaseAcks(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, a := range pending {
		a.resolve(err)
	}
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Messages returns a copy of everything published so far.
func (b *Broker) Messages() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Params returns the parameters of the last successful dial.
func (b *Broker) Params() qdef.DialParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.params
}

// Conn returns the current session, or nil before the first successful dial.
func (b *Broker) Conn() *BrokerConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *Broker) Topic(id qdef.Identity) string {
	return fmt.Sprintf("events/%s/%s", id.Organization, id.Username)
}

func (b *Broker) Dial(ctx context.Context, p qdef.DialParams) (qdef.BrokerConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, fmt.Errorf("qmock: dial refused")
	}
	b.params = p
	b.conn = &BrokerConn{b: b, params: p, connected: true}
	return b.conn, nil
}

// BrokerConn is a session handed out by Broker.
type BrokerConn struct {
	b      *Broker
	params qdef.DialParams

	mu        sync.Mutex
	connected bool
	closed    bool
}

// Drop simulates a lost connection.
func (c *BrokerConn) Drop(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if c.params.OnLost != nil {
		c.params.OnLost(err)
	}
}

// Restore simulates the connector reconnecting on its own.
func (c *BrokerConn) Restore() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.params.OnRestored != nil {
		c.params.OnRestored()
	}
}

// Closed reports whether Close or Disconnect completed.
func (c *BrokerConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *BrokerConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *BrokerConn) Publish(id, topic string, payload []byte) (qdef.Ack, error) {
	if !c.IsConnected() {
		return nil, qdef.ErrNotConnected
	}
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, Published{ID: id, Topic: topic, Payload: append([]byte(nil), payload...)})
	a := &ack{done: make(chan struct{})}
	if b.holdAcks {
		b.pending = append(b.pending, a)
	} else {
		a.resolve(b.ackErr)
	}
	return a, nil
}

func (c *BrokerConn) Disconnect(ctx context.Context) error {
	c.b.mu.Lock()
	hang, unblock := c.b.hangDisconn, c.b.unblock
	c.b.mu.Unlock()
	if hang {
		<-unblock
	}
	return c.Close()
}

func (c *BrokerConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

type ack struct {
	once sync.Once
	done chan struct{}
	err  error
}

func (a *ack) resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
