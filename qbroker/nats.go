package qbroker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kardianos/qtel/qdef"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const DefaultReconnectWait = 2 * time.Second

// NATSDialer connects to a NATS server over TLS and publishes through
// JetStream so every event is acknowledged once stored.
type NATSDialer struct {
	// Stream, when set, is created or updated to capture events.> on connect.
	Stream         string
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

var _ qdef.BrokerDialer = (*NATSDialer)(nil)

// Topic returns events.{organization}.{username}.
func (d *NATSDialer) Topic(id qdef.Identity) string {
	return fmt.Sprintf("events.%s.%s", id.Organization, id.Username)
}

func (d *NATSDialer) Dial(ctx context.Context, p qdef.DialParams) (qdef.BrokerConn, error) {
	wait := d.ReconnectWait
	if wait <= 0 {
		wait = DefaultReconnectWait
	}
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	opts := []nats.Option{
		nats.Name("qtel-" + p.Identity.ClientID),
		nats.UserInfo(p.Identity.Username, p.Identity.Password),
		nats.Secure(p.TLSConfig),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if p.OnLost != nil {
				p.OnLost(err)
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			if p.OnRestored != nil {
				p.OnRestored()
			}
		}),
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := nats.Connect("tls://"+p.Endpoint.Addr(), opts...)
		ch <- result{nc, err}
	}()

	var nc *nats.Conn
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		nc = r.nc
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if d.Stream != "" {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     d.Stream,
			Subjects: []string{"events.>"},
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", d.Stream, err)
		}
	}
	return &natsConn{nc: nc, js: js}, nil
}

type natsConn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func (c *natsConn) IsConnected() bool {
	return c.nc.IsConnected()
}

// Publish sends asynchronously with id as the JetStream de-duplication key.
func (c *natsConn) Publish(id, topic string, payload []byte) (qdef.Ack, error) {
	if !c.nc.IsConnected() {
		return nil, qdef.ErrNotConnected
	}
	f, err := c.js.PublishMsgAsync(&nats.Msg{Subject: topic, Data: payload}, jetstream.WithMsgID(id))
	if err != nil {
		return nil, natsErr(err)
	}
	return natsAck{f: f}, nil
}

func (c *natsConn) Disconnect(ctx context.Context) error {
	select {
	case <-c.js.PublishAsyncComplete():
	case <-ctx.Done():
		c.nc.Close()
		return ctx.Err()
	}
	timeout := time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	var err error
	if timeout > 0 {
		err = c.nc.FlushTimeout(timeout)
	}
	c.nc.Close()
	return err
}

func (c *natsConn) Close() error {
	c.nc.Close()
	return nil
}

type natsAck struct {
	f jetstream.PubAckFuture
}

func (a natsAck) Wait(ctx context.Context) error {
	select {
	case <-a.f.Ok():
		return nil
	case err := <-a.f.Err():
		return natsErr(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func natsErr(err error) error {
	if errors.Is(err, nats.ErrDisconnected) || errors.Is(err, nats.ErrConnectionReconnecting) || errors.Is(err, nats.ErrConnectionClosed) {
		return qdef.ErrNotConnected
	}
	return err
}
