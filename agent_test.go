package qtel

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kardianos/qtel/qdef"
	"github.com/kardianos/qtel/qmock"
	"github.com/kardianos/qtel/qquota"
	"github.com/kardianos/qtel/qstore"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	testAPIKey = "test-key"
	testAppID  = "testapp"
)

type testEnv struct {
	cp     *qmock.ControlPlane
	broker *qmock.Broker
	obs    *qmock.Observer
	cfg    Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cp := qmock.NewControlPlane(t, testAPIKey, testAppID)
	cfg.AppID = testAppID
	cfg.APIKey = testAPIKey
	cfg.BaseURL = cp.URL()
	cfg.DataDir = t.TempDir()
	cfg.Broker.CloseTimeout = time.Second
	return &testEnv{
		cp:     cp,
		broker: qmock.NewBroker(),
		obs:    qmock.NewObserver(t),
		cfg:    cfg,
	}
}

func (e *testEnv) newAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(e.cfg,
		WithDialer(e.broker),
		WithObserver(e.obs),
		WithNetworkMonitor(qquota.FixedNetwork(false)),
		WithFingerprint(func() (string, error) { return "0123456789abcdef", nil }),
		WithRegistry(prometheus.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentDeliversEvents(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAgent(t)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !env.obs.WaitState(qdef.StateConnected, 5*time.Second) {
		t.Fatal("agent never connected")
	}

	a.Send([]byte("hello"))
	waitFor(t, "delivery", func() bool { return len(env.broker.Messages()) == 1 })
	msg := env.broker.Messages()[0]
	if msg.Topic != "events/org-1/device-1" || string(msg.Payload) != "hello" {
		t.Fatalf("delivered %q to %q", msg.Payload, msg.Topic)
	}

	waitFor(t, "usage", func() bool {
		u, _, err := a.Usage(context.Background())
		return err == nil && u.StorageUsed == 5
	})
	if got := env.broker.Params().Identity.Username; got != "device-1" {
		t.Fatalf("dialed as %q", got)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if n := env.cp.Calls(qmock.CallRegister); n != 1 {
		t.Fatalf("registrations = %d, want 1", n)
	}
}

func TestAgentRestartReusesState(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAgent(t)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b := env.newAgent(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	for _, call := range []string{qmock.CallRegister, qmock.CallCertificate, qmock.CallLimits} {
		if n := env.cp.Calls(call); n != 1 {
			t.Fatalf("%s calls = %d, want 1", call, n)
		}
	}
}

func TestAgentStartFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(cp *qmock.ControlPlane)
		check func(err error) bool
	}{
		{
			name:  "registration rejected",
			setup: func(cp *qmock.ControlPlane) { cp.SetRegistration(http.StatusInternalServerError, qdef.Identity{}) },
			check: func(err error) bool {
				var re *qdef.RegistrationError
				return errors.As(err, &re) && re.Status == http.StatusInternalServerError
			},
		},
		{
			name:  "certificate unavailable",
			setup: func(cp *qmock.ControlPlane) { cp.SetCertificate(http.StatusNotFound, nil) },
			check: func(err error) bool {
				var fe *qdef.FetchError
				return errors.As(err, &fe)
			},
		},
		{
			name:  "limits unavailable",
			setup: func(cp *qmock.ControlPlane) { cp.SetLimits(http.StatusBadGateway, "") },
			check: func(err error) bool {
				var fe *qdef.FetchError
				return errors.As(err, &fe)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env.cp)
			a := env.newAgent(t)
			err := a.Start(context.Background())
			if err == nil {
				t.Fatal("Start succeeded")
			}
			if !tt.check(err) || !qdef.IsStartupFatal(err) {
				t.Fatalf("unexpected error %T: %v", err, err)
			}
			if env.broker.Dials() != 0 {
				t.Fatal("dialed the broker after a failed start")
			}
			a.Send([]byte("dropped"))
		})
	}
}

func TestAgentQuotaDenial(t *testing.T) {
	env := newTestEnv(t)
	// A few bytes of storage.
	env.cp.SetLimits(http.StatusOK, `{"config":{"emission_period":60,"storage":{"storage_limit":0.000004},"data":{"cellular_data_limit":null,"normalized_cell_plan_date":1}}}`)
	a := env.newAgent(t)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !env.obs.WaitState(qdef.StateConnected, 5*time.Second) {
		t.Fatal("agent never connected")
	}

	a.Send([]byte("too large"))
	waitFor(t, "denial", func() bool { return env.obs.Count(qdef.OutcomeDenied) == 1 })
	a.Send([]byte("x"))
	waitFor(t, "delivery", func() bool { return len(env.broker.Messages()) == 1 })
	if got := string(env.broker.Messages()[0].Payload); got != "x" {
		t.Fatalf("delivered %q", got)
	}
}

func TestAgentEmit(t *testing.T) {
	env := newTestEnv(t)
	env.cp.SetLimits(http.StatusOK, `{"emission_period":0.01,"storage":{"storage_limit":null},"data":{"cellular_data_limit":null}}`)
	a := env.newAgent(t)

	if err := a.Emit(context.Background(), nil); !errors.Is(err, qdef.ErrUninitialized) {
		t.Fatalf("Emit before Start = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var calls atomic.Int32
	source := func() ([]byte, error) {
		if calls.Add(1)%2 == 0 {
			return nil, errors.New("sensor busy")
		}
		return []byte("sample"), nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Emit(ctx, source) }()

	waitFor(t, "emitted events", func() bool { return len(env.broker.Messages()) >= 2 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Emit = %v", err)
	}
}

func TestAgentClose(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAgent(t)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !env.obs.WaitState(qdef.StateConnected, 5*time.Second) {
		t.Fatal("agent never connected")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s := a.State(); s != qdef.StateClosed {
		t.Fatalf("state = %v", s)
	}
	if !env.broker.Conn().Closed() {
		t.Fatal("broker session left open")
	}
	if err := a.Start(context.Background()); !errors.Is(err, qdef.ErrClosed) {
		t.Fatalf("Start after Close = %v", err)
	}
	a.Send([]byte("late"))
	if n := len(env.broker.Messages()); n != 0 {
		t.Fatalf("published %d after close", n)
	}
}

func TestAgentCloseCancelsBlockedStart(t *testing.T) {
	env := newTestEnv(t)
	a := env.newAgent(t)

	// Another holder of the data directory keeps Start waiting.
	lock, err := qstore.Lock(context.Background(), a.DataDir())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer lock.Unlock()

	started := make(chan error, 1)
	go func() { started <- a.Start(context.Background()) }()
	time.Sleep(100 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked behind Start")
	}
	select {
	case err := <-started:
		if err == nil {
			t.Fatal("Start succeeded after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start never returned")
	}
	if n := env.cp.Calls(qmock.CallRegister); n != 0 {
		t.Fatalf("registered %d times", n)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AppID = "../escape"
	if _, err := New(cfg); err == nil {
		t.Fatal("New accepted an invalid config")
	}
}
