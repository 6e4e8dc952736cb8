package qdef

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

var (
	// ErrQuotaDenied is returned when the quota governor refuses an event.
	// It is an expected outcome and is never surfaced to the instrumented application.
	ErrQuotaDenied = fmt.Errorf("qtel: quota denied")

	// ErrNotConnected is returned when an operation requires an active broker connection.
	ErrNotConnected = fmt.Errorf("qtel: not connected")

	// ErrCorrupt is returned when stored data exists but cannot be decrypted or decoded.
	ErrCorrupt = fmt.Errorf("qtel: stored data corrupt")

	// ErrClosed is returned when the component has been shut down.
	ErrClosed = fmt.Errorf("qtel: closed")

	// ErrUninitialized is returned when usage limits have not been loaded.
	ErrUninitialized = fmt.Errorf("qtel: usage limits not loaded")

	// ErrIncompleteIdentity is returned when an identity is missing one of its fields.
	ErrIncompleteIdentity = fmt.Errorf("qtel: incomplete device identity")
)

// Identity holds the per-device broker credentials issued by the control plane.
// The JSON field names match the registration API response.
type Identity struct {
	ClientID     string `json:"client_id"`
	Username     string `json:"id"`
	Password     string `json:"client_password"`
	Organization string `json:"organization"`
}

// IsSetUp reports whether every field of the identity is present.
func (id Identity) IsSetUp() bool {
	return id.ClientID != "" && id.Username != "" && id.Password != "" && id.Organization != ""
}

// String never includes the password.
func (id Identity) String() string {
	return fmt.Sprintf("%s/%s (client %s)", id.Organization, id.Username, id.ClientID)
}

// Limits is the usage quota configuration for this application.
// A zero limit means the dimension is unlimited.
type Limits struct {
	EmissionPeriod       time.Duration
	StorageLimit         int64 // bytes
	CellularDataLimit    int64 // bytes
	CellularPlanResetDay int   // day of month, 1-31
}

// Usage holds the persisted consumption counters.
type Usage struct {
	StorageUsed  int64     `cbor:"1,keyasint" json:"storage_used"`
	CellularUsed int64     `cbor:"2,keyasint" json:"cellular_used"`
	CycleStart   time.Time `cbor:"3,keyasint" json:"cycle_start"`
}

// Endpoint is a broker address returned by discovery.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ConnState represents the connection state of the transport client.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome is what happened to a single event handed to the transport.
type Outcome int

const (
	OutcomePublished Outcome = iota
	OutcomeBuffered
	OutcomeDenied
	OutcomeEvicted
	OutcomeConfirmed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeDenied:
		return "denied"
	case OutcomeEvicted:
		return "evicted"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Observer receives lifecycle events from the transport client.
// Calls come from a single goroutine in the order the events happened, after
// the client has released its locks, so an observer may call back into the
// client. A slow observer delays later events but never the client. Nothing
// is delivered after StateClosed.
type Observer interface {
	OnStateChange(state ConnState)
	OnOutcome(outcome Outcome, size int)
}

// Ack resolves when the broker confirms or rejects one published message.
type Ack interface {
	Wait(ctx context.Context) error
}

// DialParams is everything a connector needs to open a broker session.
type DialParams struct {
	Endpoint  Endpoint
	Identity  Identity
	TLSConfig *tls.Config

	// OnLost is called when an established session drops.
	// The connector keeps reconnecting on its own afterwards.
	OnLost func(err error)
	// OnRestored is called when the connector re-establishes a dropped session.
	OnRestored func()
}

// BrokerConn is an established broker session with at-least-once delivery.
type BrokerConn interface {
	// Publish hands payload to the connector and returns without waiting for the broker.
	// id is unique per message and stable across retries of the same message.
	// It returns ErrNotConnected when the session is currently down.
	Publish(id, topic string, payload []byte) (Ack, error)
	// IsConnected reports whether the session is currently up. The client
	// buffers instead of publishing while it is false.
	IsConnected() bool
	// Disconnect closes the session gracefully, bounded by ctx.
	Disconnect(ctx context.Context) error
	// Close tears the session down immediately.
	Close() error
}

// BrokerDialer opens broker sessions.
type BrokerDialer interface {
	Dial(ctx context.Context, p DialParams) (BrokerConn, error)
	// Topic returns the destination for events of the given identity.
	Topic(id Identity) string
}

// RegistrationError is returned when the control plane rejects or cannot be
// reached during first-time identity creation.
type RegistrationError struct {
	Status int // HTTP status, zero if the request never completed
	Err    error
}

func (e *RegistrationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("qtel: device registration failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("qtel: device registration failed: %v", e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// StorageError is returned when local state exists but cannot be read or written.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("qtel: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// FetchError is returned when a resource cannot be obtained from the control plane.
type FetchError struct {
	Resource string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("qtel: fetch %s (status %d): %v", e.Resource, e.Status, e.Err)
	}
	return fmt.Sprintf("qtel: fetch %s: %v", e.Resource, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError is returned when a cached or fetched resource is malformed.
type ParseError struct {
	Resource string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("qtel: parse %s: %v", e.Resource, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransportError is returned for broker connection or publish failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("qtel: broker %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsStartupFatal reports whether err prevents the agent from starting.
func IsStartupFatal(err error) bool {
	var (
		re *RegistrationError
		se *StorageError
		fe *FetchError
		pe *ParseError
	)
	return errors.As(err, &re) || errors.As(err, &se) || errors.As(err, &fe) || errors.As(err, &pe)
}
