package qquota

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// NetworkMonitor reports whether traffic currently goes over a metered link.
type NetworkMonitor interface {
	Metered() bool
}

// FixedNetwork always reports the same answer.
type FixedNetwork bool

func (f FixedNetwork) Metered() bool { return bool(f) }

// DefaultCellularPrefixes are interface name prefixes used by cellular modems.
var DefaultCellularPrefixes = []string{"wwan", "wwp", "rmnet", "ccmni", "ppp"}

// DefaultInterfaceTTL is how long InterfaceMonitor reuses an interface scan.
const DefaultInterfaceTTL = 10 * time.Second

// InterfaceMonitor treats the link as metered when any active interface
// has a cellular name prefix. The answer is cached for TTL.
type InterfaceMonitor struct {
	Prefixes []string
	TTL      time.Duration
	List     func() ([]net.Interface, error)
	Now      func() time.Time

	mu      sync.Mutex
	checked time.Time
	metered bool
}

func (m *InterfaceMonitor) Metered() bool {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultInterfaceTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t := now()
	if !m.checked.IsZero() && t.Sub(m.checked) < ttl {
		return m.metered
	}
	m.metered = m.scan()
	m.checked = t
	return m.metered
}

func (m *InterfaceMonitor) scan() bool {
	list := m.List
	if list == nil {
		list = net.Interfaces
	}
	prefixes := m.Prefixes
	if prefixes == nil {
		prefixes = DefaultCellularPrefixes
	}
	ifaces, err := list()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		for _, p := range prefixes {
			if strings.HasPrefix(iface.Name, p) {
				return true
			}
		}
	}
	return false
}

// ParseNetworkMode returns the monitor for a config mode: "auto" (or empty),
// "always" or "never".
func ParseNetworkMode(mode string, prefixes []string) (NetworkMonitor, error) {
	switch strings.ToLower(mode) {
	case "", "auto":
		return &InterfaceMonitor{Prefixes: prefixes}, nil
	case "always":
		return FixedNetwork(true), nil
	case "never":
		return FixedNetwork(false), nil
	}
	return nil, fmt.Errorf("qquota: unknown metered mode %q", mode)
}
