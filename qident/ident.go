// Package qident resolves the device identity: from the sealed local cache
// when present, otherwise by registering the device with the control plane.
package qident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/kardianos/qtel/qapi"
	"github.com/kardianos/qtel/qdef"
	"github.com/kardianos/qtel/qstore"
)

// KeyIdentity is the store key of the sealed identity.
const KeyIdentity = "identity"

// Registrar creates device identities. *qapi.Client implements it.
type Registrar interface {
	RegisterDevice(ctx context.Context, req qapi.RegisterRequest) (qdef.Identity, error)
}

// Config configures a Manager.
type Config struct {
	AppID     string
	Store     qstore.DataStore
	Registrar Registrar

	// LockDir, when set, is locked for the duration of a resolve so
	// processes sharing a data directory register at most once.
	LockDir string

	// Fingerprint returns the device fingerprint sent at registration.
	// Defaults to the MAC fingerprint of the host.
	Fingerprint func() (string, error)

	Logger *slog.Logger
}

// Manager owns the device identity for the process lifetime.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu sync.Mutex
	id *qdef.Identity
}

// NewManager validates cfg and returns a Manager. It performs no I/O.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("qident: app id is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("qident: store is required")
	}
	if cfg.Registrar == nil {
		return nil, fmt.Errorf("qident: registrar is required")
	}
	if cfg.Fingerprint == nil {
		cfg.Fingerprint = func() (string, error) { return MACFingerprint(nil) }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log.With("component", "identity")}, nil
}

// Identity returns the resolved identity, if Resolve has succeeded.
func (m *Manager) Identity() (qdef.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id == nil {
		return qdef.Identity{}, false
	}
	return *m.id, true
}

// Resolve returns the device identity, registering the device only when no
// cached identity exists. A cached identity that cannot be opened is an error,
// never a reason to register again.
func (m *Manager) Resolve(ctx context.Context) (qdef.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id != nil {
		return *m.id, nil
	}

	if m.cfg.LockDir != "" {
		lock, err := qstore.Lock(ctx, m.cfg.LockDir)
		if err != nil {
			return qdef.Identity{}, &qdef.StorageError{Op: "lock", Path: m.cfg.LockDir, Err: err}
		}
		defer lock.Unlock()
	}

	id, err := m.load()
	switch {
	case err == nil:
		m.log.Debug("identity loaded from cache", "identity", id)
	case errors.Is(err, fs.ErrNotExist):
		id, err = m.register(ctx)
		if err != nil {
			return qdef.Identity{}, err
		}
	default:
		return qdef.Identity{}, err
	}

	m.id = &id
	return id, nil
}

func (m *Manager) path() string {
	return filepath.Join(m.cfg.Store.Path(), KeyIdentity)
}

// load returns an error matching fs.ErrNotExist only when nothing is cached.
func (m *Manager) load() (qdef.Identity, error) {
	data, err := m.cfg.Store.Get(KeyIdentity, true)
	if errors.Is(err, fs.ErrNotExist) {
		return qdef.Identity{}, err
	}
	if err != nil {
		return qdef.Identity{}, &qdef.StorageError{Op: "read", Path: m.path(), Err: err}
	}
	var id qdef.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return qdef.Identity{}, &qdef.StorageError{Op: "decode", Path: m.path(), Err: fmt.Errorf("%w: %v", qdef.ErrCorrupt, err)}
	}
	if !id.IsSetUp() {
		return qdef.Identity{}, &qdef.StorageError{Op: "decode", Path: m.path(), Err: qdef.ErrIncompleteIdentity}
	}
	return id, nil
}

func (m *Manager) register(ctx context.Context) (qdef.Identity, error) {
	fp, err := m.cfg.Fingerprint()
	if err != nil {
		return qdef.Identity{}, &qdef.RegistrationError{Err: err}
	}

	m.log.Info("registering device", "app", m.cfg.AppID)
	id, err := m.cfg.Registrar.RegisterDevice(ctx, qapi.RegisterRequest{
		MacAddressHash: fp,
		Application:    m.cfg.AppID,
	})
	if err != nil {
		re := &qdef.RegistrationError{Err: err}
		var se *qapi.StatusError
		if errors.As(err, &se) {
			re.Status = se.Status
		}
		return qdef.Identity{}, re
	}
	if !id.IsSetUp() {
		return qdef.Identity{}, &qdef.RegistrationError{Err: qdef.ErrIncompleteIdentity}
	}

	data, err := json.Marshal(id)
	if err != nil {
		return qdef.Identity{}, err
	}
	if err := m.cfg.Store.Set(KeyIdentity, true, data); err != nil {
		return qdef.Identity{}, &qdef.StorageError{Op: "write", Path: m.path(), Err: err}
	}
	m.log.Info("device registered", "identity", id)
	return id, nil
}
