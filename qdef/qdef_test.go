package qdef

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIdentity(t *testing.T) {
	id := Identity{ClientID: "c", Username: "u", Password: "hunter2", Organization: "o"}
	if !id.IsSetUp() {
		t.Fatal("complete identity not set up")
	}
	if s := id.String(); strings.Contains(s, "hunter2") {
		t.Fatalf("String leaks the password: %s", s)
	}
	id.Organization = ""
	if id.IsSetUp() {
		t.Fatal("identity without organization reported set up")
	}
}

func TestEndpointAddr(t *testing.T) {
	tests := []struct {
		ep   Endpoint
		want string
	}{
		{Endpoint{Host: "broker.example.com", Port: 8883}, "broker.example.com:8883"},
		{Endpoint{Host: "::1", Port: 4222}, "[::1]:4222"},
	}
	for _, tt := range tests {
		if got := tt.ep.Addr(); got != tt.want {
			t.Errorf("Addr(%+v) = %q, want %q", tt.ep, got, tt.want)
		}
	}
}

func TestIsStartupFatal(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"registration", &RegistrationError{Status: 500, Err: cause}, true},
		{"storage", fmt.Errorf("resolve: %w", &StorageError{Op: "read", Path: "/x", Err: ErrCorrupt}), true},
		{"fetch", &FetchError{Resource: "certificate", Err: cause}, true},
		{"parse", &ParseError{Resource: "usage limits", Err: cause}, true},
		{"transport", &TransportError{Op: "publish", Err: cause}, false},
		{"quota", ErrQuotaDenied, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStartupFatal(tt.err); got != tt.want {
				t.Fatalf("IsStartupFatal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	err := fmt.Errorf("start: %w", &StorageError{Op: "read", Path: "identity", Err: ErrCorrupt})
	if !errors.Is(err, ErrCorrupt) {
		t.Fatal("StorageError does not unwrap to its cause")
	}
	re := &RegistrationError{Err: ErrIncompleteIdentity}
	if !errors.Is(re, ErrIncompleteIdentity) {
		t.Fatal("RegistrationError does not unwrap to its cause")
	}
	if strings.Contains(re.Error(), "status") {
		t.Fatalf("status shown without one: %s", re.Error())
	}
}

func TestStateStrings(t *testing.T) {
	for s, want := range map[ConnState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateClosed:       "closed",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
	if OutcomeEvicted.String() != "evicted" {
		t.Errorf("OutcomeEvicted.String() = %q", OutcomeEvicted.String())
	}
}
