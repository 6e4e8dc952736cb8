package qbroker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kardianos/qtel/qdef"
)

const (
	mqttQoS            = 1
	mqttProtocol311    = 4
	DefaultKeepAlive   = 60 * time.Second
	defaultMQTTQuiesce = 250 * time.Millisecond
)

// MQTTDialer connects to an MQTT 3.1.1 broker over TLS with a persistent
// session and automatic reconnect.
type MQTTDialer struct {
	KeepAlive            time.Duration
	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration
}

var _ qdef.BrokerDialer = (*MQTTDialer)(nil)

// Topic returns events/{organization}/{username}.
func (d *MQTTDialer) Topic(id qdef.Identity) string {
	return fmt.Sprintf("events/%s/%s", id.Organization, id.Username)
}

func (d *MQTTDialer) Dial(ctx context.Context, p qdef.DialParams) (qdef.BrokerConn, error) {
	keepAlive := d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	connectTimeout := d.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultDialTimeout
	}

	var established atomic.Bool
	opts := mqtt.NewClientOptions().
		AddBroker("ssl://" + p.Endpoint.Addr()).
		SetClientID(p.Identity.ClientID).
		SetUsername(p.Identity.Username).
		SetPassword(p.Identity.Password).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetProtocolVersion(mqttProtocol311).
		SetTLSConfig(p.TLSConfig).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if p.OnLost != nil {
				p.OnLost(err)
			}
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			// The first call is the initial connect; later calls are reconnects.
			if !established.CompareAndSwap(false, true) && p.OnRestored != nil {
				p.OnRestored()
			}
		})
	if d.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(d.MaxReconnectInterval)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		go client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &mqttConn{client: client}, nil
}

type mqttConn struct {
	client mqtt.Client
}

func (c *mqttConn) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Publish sends with QoS 1. id is not carried on the wire; MQTT assigns its
// own packet identifiers.
func (c *mqttConn) Publish(id, topic string, payload []byte) (qdef.Ack, error) {
	if !c.client.IsConnectionOpen() {
		return nil, qdef.ErrNotConnected
	}
	return mqttAck{tok: c.client.Publish(topic, mqttQoS, false, payload)}, nil
}

func (c *mqttConn) Disconnect(ctx context.Context) error {
	quiesce := defaultMQTTQuiesce
	if dl, ok := ctx.Deadline(); ok {
		quiesce = time.Until(dl)
	}
	if quiesce < 0 {
		quiesce = 0
	}
	done := make(chan struct{})
	go func() {
		c.client.Disconnect(uint(quiesce.Milliseconds()))
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *mqttConn) Close() error {
	c.client.Disconnect(0)
	return nil
}

type mqttAck struct {
	tok mqtt.Token
}

func (a mqttAck) Wait(ctx context.Context) error {
	select {
	case <-a.tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	err := a.tok.Error()
	if errors.Is(err, mqtt.ErrNotConnected) {
		return qdef.ErrNotConnected
	}
	return err
}
