package qmock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kardianos/qtel/qdef"
)

// Names of the control-plane calls counted by ControlPlane.
const (
	CallRegister    = "register"
	CallCertificate = "certificate"
	CallBroker      = "broker"
	CallLimits      = "limits"
)

// ControlPlane is an in-process fake of the device control plane.
// Responses can be changed at any time; every handled call is counted.
type ControlPlane struct {
	Server *httptest.Server
	APIKey string
	AppID  string

	mu           sync.Mutex
	calls        map[string]int
	lastRegister map[string]string

	registerStatus int
	identity       qdef.Identity
	certStatus     int
	certPEM        []byte
	brokerStatus   int
	broker         qdef.Endpoint
	limitsStatus   int
	limitsJSON     []byte
}

// NewControlPlane starts a fake control plane that is closed with the test.
// It answers with a fresh identity, a test CA, a broker endpoint and a
// limits document that allows everything.
func NewControlPlane(t testing.TB, apiKey, appID string) *ControlPlane {
	t.Helper()
	ca, err := NewCA()
	if err != nil {
		t.Fatalf("create test CA: %v", err)
	}
	cp := &ControlPlane{
		APIKey:         apiKey,
		AppID:          appID,
		calls:          make(map[string]int),
		registerStatus: http.StatusCreated,
		identity: qdef.Identity{
			ClientID:     "client-1",
			Username:     "device-1",
			Password:     "secret-1",
			Organization: "org-1",
		},
		certStatus:   http.StatusOK,
		certPEM:      ca.PEM,
		brokerStatus: http.StatusOK,
		broker:       qdef.Endpoint{Host: "broker.test", Port: 8883},
		limitsStatus: http.StatusOK,
		limitsJSON:   []byte(`{"config":{"emission_period":60,"storage":{"storage_limit":null},"data":{"cellular_data_limit":null,"normalized_cell_plan_date":1}}}`),
	}
	cp.Server = httptest.NewServer(http.HandlerFunc(cp.serveHTTP))
	t.Cleanup(cp.Server.Close)
	return cp
}

// URL is the base URL of the fake.
func (cp *ControlPlane) URL() string { return cp.Server.URL }

// Calls returns how many times the named call was served.
func (cp *ControlPlane) Calls(name string) int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.calls[name]
}

// LastRegistration returns the body of the most recent registration request.
func (cp *ControlPlane) LastRegistration() map[string]string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.lastRegister
}

func (cp *ControlPlane) SetRegistration(status int, id qdef.Identity) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.registerStatus, cp.identity = status, id
}

func (cp *ControlPlane) SetCertificate(status int, pem []byte) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.certStatus, cp.certPEM = status, pem
}

func (cp *ControlPlane) SetBroker(status int, ep qdef.Endpoint) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.brokerStatus, cp.broker = status, ep
}

func (cp *ControlPlane) SetLimits(status int, doc string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.limitsStatus, cp.limitsJSON = status, []byte(doc)
}

// CertificatePEM returns the PEM currently served by the certificate call.
func (cp *ControlPlane) CertificatePEM() []byte {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.certPEM
}

func (cp *ControlPlane) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "JWT "+cp.APIKey {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	limitsPath := fmt.Sprintf("/private/devices/%s/app_config/", cp.AppID)
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/private/devices/":
		cp.calls[CallRegister]++
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cp.lastRegister = body
		if cp.registerStatus != http.StatusCreated {
			http.Error(w, "registration refused", cp.registerStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(cp.identity)
	case r.Method == http.MethodGet && r.URL.Path == "/private/devices/certificates/":
		cp.calls[CallCertificate]++
		if cp.certStatus != http.StatusOK {
			http.Error(w, "no certificate", cp.certStatus)
			return
		}
		w.Write(cp.certPEM)
	case r.Method == http.MethodGet && r.URL.Path == "/private/devices/config/":
		cp.calls[CallBroker]++
		if cp.brokerStatus != http.StatusOK {
			http.Error(w, "no broker", cp.brokerStatus)
			return
		}
		fmt.Fprintf(w, `{"brokers":%q,"port":"%d"}`, cp.broker.Host, cp.broker.Port)
	case r.Method == http.MethodGet && r.URL.Path == limitsPath:
		cp.calls[CallLimits]++
		if cp.limitsStatus != http.StatusOK {
			http.Error(w, "no limits", cp.limitsStatus)
			return
		}
		w.Write(cp.limitsJSON)
	default:
		http.NotFound(w, r)
	}
}

// Observer records transport events for tests.
type Observer struct {
	t      testing.TB
	States chan qdef.ConnState

	mu       sync.Mutex
	done     bool
	outcomes map[qdef.Outcome]int
}

func NewObserver(t testing.TB) *Observer {
	o := &Observer{
		t:        t,
		States:   make(chan qdef.ConnState, 100),
		outcomes: make(map[qdef.Outcome]int),
	}
	t.Cleanup(func() {
		o.mu.Lock()
		o.done = true
		o.mu.Unlock()
	})
	return o
}

func (o *Observer) OnStateChange(state qdef.ConnState) {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	o.t.Logf("%s: state %s", time.Now().Format("15:04:05.000"), state)
	o.mu.Unlock()

	select {
	case o.States <- state:
	default:
	}
}

func (o *Observer) OnOutcome(outcome qdef.Outcome, size int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

// Count returns how many times outcome was reported.
func (o *Observer) Count(outcome qdef.Outcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}

// WaitState blocks until state is observed or the timeout passes.
func (o *Observer) WaitState(state qdef.ConnState, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case s := <-o.States:
			if s == state {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
