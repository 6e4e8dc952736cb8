// Package qquota decides whether each event may be sent and keeps the
// storage and cellular usage counters those decisions depend on.
//
// A Governor starts Uninitialized and denies everything until Load
// succeeds. Counters grow only on confirmed delivery and are persisted
// before ReportSent returns.
package qquota

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kardianos/qtel/qapi"
	"github.com/kardianos/qtel/qdef"
	"github.com/kardianos/qtel/qstore"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	KeyLimits   = "limits"
	UsageDBName = "usage.db"
	ResetMarker = "reset-usage"

	resourceLimits = "usage limits"

	DefaultRefreshInterval = time.Hour
)

// LimitsSource fetches the raw usage-limit document. *qapi.Client implements it.
type LimitsSource interface {
	UsageLimits(ctx context.Context, appID string) ([]byte, error)
}

// Config configures a Governor.
type Config struct {
	AppID string
	// Dir holds the counter database and the reset marker.
	Dir string
	// Store caches the limits document.
	Store  qstore.DataStore
	Source LimitsSource

	// Network defaults to an InterfaceMonitor.
	Network         NetworkMonitor
	RefreshInterval time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
	Registerer      prometheus.Registerer
}

// Governor is the quota authority for one agent.
type Governor struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics

	mu     sync.Mutex
	db     *counterDB
	loaded bool
	closed bool
	limits qdef.Limits
	usage  qdef.Usage
}

// New returns an Uninitialized Governor. It performs no I/O.
func New(cfg Config) (*Governor, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("qquota: app id is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("qquota: directory is required")
	}
	if cfg.Store == nil || cfg.Source == nil {
		return nil, fmt.Errorf("qquota: store and source are required")
	}
	if cfg.Network == nil {
		cfg.Network = &InterfaceMonitor{}
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Governor{
		cfg:     cfg,
		log:     log.With("component", "quota"),
		metrics: newMetrics(cfg.Registerer),
	}, nil
}

// Load opens the counter database and loads the limits, from the local cache
// when present and otherwise from the control plane. On success the Governor
// is Active.
func (g *Governor) Load(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return qdef.ErrClosed
	}
	if g.db == nil {
		path := filepath.Join(g.cfg.Dir, UsageDBName)
		db, err := openCounterDB(path)
		if err != nil {
			g.mu.Unlock()
			return &qdef.StorageError{Op: "open", Path: path, Err: err}
		}
		usage, err := db.load()
		if err != nil {
			db.close()
			g.mu.Unlock()
			return &qdef.StorageError{Op: "read", Path: path, Err: err}
		}
		g.db, g.usage = db, usage
	}
	g.mu.Unlock()

	limits, err := g.cachedLimits()
	if err != nil {
		limits, err = g.fetchLimits(ctx)
		if err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = limits
	g.loaded = true
	g.rollLocked()
	g.publishLocked()
	g.log.Info("usage limits loaded",
		"emission_period", limits.EmissionPeriod,
		"storage_limit", limits.StorageLimit,
		"cellular_limit", limits.CellularDataLimit,
		"plan_day", limits.CellularPlanResetDay,
		"storage_used", g.usage.StorageUsed,
		"cellular_used", g.usage.CellularUsed,
	)
	return nil
}

func (g *Governor) cachedLimits() (qdef.Limits, error) {
	data, err := g.cfg.Store.Get(KeyLimits, false)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			g.log.Warn("usage limits cache unreadable", "error", err)
		}
		return qdef.Limits{}, err
	}
	l, err := qapi.DecodeLimits(data)
	if err != nil {
		g.log.Warn("usage limits cache corrupt, fetching", "error", err)
		return qdef.Limits{}, err
	}
	return l, nil
}

// fetchLimits downloads, decodes and caches the limits.
func (g *Governor) fetchLimits(ctx context.Context) (qdef.Limits, error) {
	data, err := g.cfg.Source.UsageLimits(ctx, g.cfg.AppID)
	if err != nil {
		fe := &qdef.FetchError{Resource: resourceLimits, Err: err}
		var se *qapi.StatusError
		if errors.As(err, &se) {
			fe.Status = se.Status
		}
		return qdef.Limits{}, fe
	}
	l, err := qapi.DecodeLimits(data)
	if err != nil {
		return qdef.Limits{}, &qdef.ParseError{Resource: resourceLimits, Err: err}
	}
	if err := g.cfg.Store.Set(KeyLimits, false, data); err != nil {
		g.log.Warn("cache usage limits", "error", err)
	}
	return l, nil
}

// Refresh replaces the limits with a fresh copy from the control plane.
// On failure the current limits and counters are left untouched; the error
// is informational.
func (g *Governor) Refresh(ctx context.Context) error {
	l, err := g.fetchLimits(ctx)
	if err != nil {
		g.metrics.refreshes.WithLabelValues("failure").Inc()
		g.log.Warn("usage limits refresh failed, keeping current limits", "error", err)
		return err
	}
	g.metrics.refreshes.WithLabelValues("success").Inc()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limits != l {
		g.log.Info("usage limits changed", "old", fmt.Sprintf("%+v", g.limits), "new", fmt.Sprintf("%+v", l))
	}
	g.limits = l
	if g.loaded {
		g.rollLocked()
		g.publishLocked()
	}
	return nil
}

// Authorize reports whether an event of n bytes may be sent now.
// It never changes the counters.
func (g *Governor) Authorize(n int) bool {
	metered := g.cfg.Network.Metered()

	g.mu.Lock()
	defer g.mu.Unlock()
	ok := g.allowLocked(int64(n), metered)
	if ok {
		g.metrics.decisions.WithLabelValues("allowed").Inc()
	} else {
		g.metrics.decisions.WithLabelValues("denied").Inc()
	}
	return ok
}

func (g *Governor) allowLocked(n int64, metered bool) bool {
	if !g.loaded || g.closed {
		return false
	}
	g.rollLocked()
	l, u := g.limits, g.usage
	if l.StorageLimit > 0 && u.StorageUsed+n > l.StorageLimit {
		return false
	}
	if metered && l.CellularDataLimit > 0 && u.CellularUsed+n > l.CellularDataLimit {
		return false
	}
	return true
}

// ReportSent adds n confirmed bytes to the counters and persists them.
func (g *Governor) ReportSent(n int) {
	metered := g.cfg.Network.Metered()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil || g.closed {
		g.log.Debug("delivery reported while not active", "bytes", n)
		return
	}
	if g.loaded {
		g.rollLocked()
	}
	g.usage.StorageUsed += int64(n)
	if metered {
		g.usage.CellularUsed += int64(n)
	}
	g.saveLocked()
	g.publishLocked()
}

// ResetUsage clears both counters and starts a new cellular cycle.
func (g *Governor) ResetUsage() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil || g.closed {
		return qdef.ErrUninitialized
	}
	g.usage = qdef.Usage{CycleStart: CycleStart(g.cfg.Now(), g.limits.CellularPlanResetDay)}
	g.metrics.manualResets.Inc()
	g.log.Info("usage counters reset")
	g.publishLocked()
	return g.saveLocked()
}

// Usage returns a snapshot of the counters.
func (g *Governor) Usage() qdef.Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}

// Limits returns the current limits and whether they have been loaded.
func (g *Governor) Limits() (qdef.Limits, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits, g.loaded
}

// Close releases the counter database. Further decisions deny.
func (g *Governor) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if g.db == nil {
		return nil
	}
	return g.db.close()
}

// rollLocked starts a new cellular cycle when the stored one has ended.
func (g *Governor) rollLocked() {
	start := CycleStart(g.cfg.Now(), g.limits.CellularPlanResetDay)
	if !g.usage.CycleStart.Before(start) {
		return
	}
	if !g.usage.CycleStart.IsZero() {
		g.metrics.cycleResets.Inc()
		g.log.Info("cellular plan cycle reset", "cycle_start", start, "cellular_used", g.usage.CellularUsed)
	}
	g.usage.CellularUsed = 0
	g.usage.CycleStart = start
	g.saveLocked()
}

func (g *Governor) saveLocked() error {
	if err := g.db.save(g.usage); err != nil {
		g.log.Error("persist usage counters", "path", g.db.path, "error", err)
		return &qdef.StorageError{Op: "write", Path: g.db.path, Err: err}
	}
	return nil
}

func (g *Governor) publishLocked() {
	g.metrics.used.WithLabelValues("storage").Set(float64(g.usage.StorageUsed))
	g.metrics.used.WithLabelValues("cellular").Set(float64(g.usage.CellularUsed))
	g.metrics.limit.WithLabelValues("storage").Set(float64(g.limits.StorageLimit))
	g.metrics.limit.WithLabelValues("cellular").Set(float64(g.limits.CellularDataLimit))
}

// RequestReset asks a running agent using dir to reset its counters.
func RequestReset(dir string) error {
	return os.WriteFile(filepath.Join(dir, ResetMarker), nil, 0600)
}
