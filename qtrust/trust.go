// Package qtrust obtains and caches the broker trust anchor.
//
// The default policy trusts a cached anchor by its presence alone: a cached
// file is never revalidated and a corrupt one is reported, not refetched.
// VerifyDigest and RefreshExpired tighten that at the cost of extra fetches.
package qtrust

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kardianos/qtel/qapi"
	"github.com/kardianos/qtel/qdef"
	"github.com/kardianos/qtel/qstore"
)

const (
	KeyCA     = "CA"
	KeyDigest = "CA.b3"

	resourceCertificate = "certificate"
)

// Policy controls when a cached anchor is refetched.
type Policy int

const (
	// TrustCached uses any cached anchor as is.
	TrustCached Policy = iota
	// VerifyDigest refetches when the cached anchor does not match its digest sidecar.
	VerifyDigest
	// RefreshExpired refetches when the cached anchor has expired.
	RefreshExpired
)

func (p Policy) String() string {
	switch p {
	case TrustCached:
		return "cached"
	case VerifyDigest:
		return "digest"
	case RefreshExpired:
		return "expiry"
	default:
		return "unknown"
	}
}

// ParsePolicy parses the config form of a Policy. Empty means TrustCached.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "cached":
		return TrustCached, nil
	case "digest":
		return VerifyDigest, nil
	case "expiry":
		return RefreshExpired, nil
	}
	return 0, fmt.Errorf("qtrust: unknown policy %q", s)
}

// Fetcher downloads the anchor PEM. *qapi.Client implements it.
type Fetcher interface {
	Certificate(ctx context.Context) ([]byte, error)
}

// Config configures a Manager.
type Config struct {
	Store   qstore.DataStore
	Fetcher Fetcher
	Policy  Policy
	Now     func() time.Time
	Logger  *slog.Logger
}

// Manager owns the cached trust anchor.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	anchor *Anchor
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("qtrust: store is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("qtrust: fetcher is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log.With("component", "trust", "policy", cfg.Policy)}, nil
}

// Ensure returns the trust anchor, fetching it only when no usable cached copy exists.
// Errors wrap *qdef.FetchError, *qdef.ParseError or *qdef.StorageError.
func (m *Manager) Ensure(ctx context.Context) (*Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.anchor != nil && !m.stale(m.anchor) {
		return m.anchor, nil
	}
	m.anchor = nil

	a, err := m.cached()
	if err != nil {
		return nil, err
	}
	if a == nil {
		a, err = m.fetch(ctx)
		if err != nil {
			return nil, err
		}
	}
	m.anchor = a
	return a, nil
}

// Invalidate removes the cached anchor so the next Ensure fetches it again.
func (m *Manager) Invalidate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchor = nil
	return m.removeLocked()
}

func (m *Manager) removeLocked() error {
	if err := m.cfg.Store.Remove(KeyCA); err != nil {
		return &qdef.StorageError{Op: "remove", Path: m.path(KeyCA), Err: err}
	}
	if err := m.cfg.Store.Remove(KeyDigest); err != nil {
		return &qdef.StorageError{Op: "remove", Path: m.path(KeyDigest), Err: err}
	}
	return nil
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.cfg.Store.Path(), key)
}

func (m *Manager) stale(a *Anchor) bool {
	return m.cfg.Policy == RefreshExpired && a.Expired(m.cfg.Now())
}

// cached returns the cached anchor, or nil when it is absent or the policy
// rejects it.
func (m *Manager) cached() (*Anchor, error) {
	data, err := m.cfg.Store.Get(KeyCA, false)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &qdef.StorageError{Op: "read", Path: m.path(KeyCA), Err: err}
	}

	if m.cfg.Policy == VerifyDigest {
		want, err := m.cfg.Store.Get(KeyDigest, false)
		if err != nil || string(bytes.TrimSpace(want)) != digest(data) {
			m.log.Warn("cached trust anchor does not match digest, refetching")
			return nil, m.removeLocked()
		}
	}

	a, err := ParseAnchor(data)
	if err != nil {
		return nil, &qdef.ParseError{Resource: m.path(KeyCA), Err: err}
	}
	if m.stale(a) {
		m.log.Warn("cached trust anchor expired, refetching", "not_after", a.Cert.NotAfter)
		return nil, m.removeLocked()
	}
	return a, nil
}

func (m *Manager) fetch(ctx context.Context) (*Anchor, error) {
	data, err := m.cfg.Fetcher.Certificate(ctx)
	if err != nil {
		fe := &qdef.FetchError{Resource: resourceCertificate, Err: err}
		var se *qapi.StatusError
		if errors.As(err, &se) {
			fe.Status = se.Status
		}
		return nil, fe
	}
	a, err := ParseAnchor(data)
	if err != nil {
		return nil, &qdef.ParseError{Resource: resourceCertificate, Err: err}
	}

	if err := m.cfg.Store.Set(KeyCA, false, data); err != nil {
		return nil, &qdef.StorageError{Op: "write", Path: m.path(KeyCA), Err: err}
	}
	if err := m.cfg.Store.Set(KeyDigest, false, []byte(a.Digest())); err != nil {
		m.cfg.Store.Remove(KeyCA)
		return nil, &qdef.StorageError{Op: "write", Path: m.path(KeyDigest), Err: err}
	}
	m.log.Info("trust anchor fetched", "subject", a.Cert.Subject.String(), "not_after", a.Cert.NotAfter)
	return a, nil
}
