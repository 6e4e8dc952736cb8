package qident

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// InterfaceLister returns the host network interfaces in system order.
type InterfaceLister func() ([]net.Interface, error)

// FormatMAC renders a hardware address as upper-case hex pairs joined by '-'.
func FormatMAC(hw net.HardwareAddr) string {
	parts := make([]string, len(hw))
	for i, b := range hw {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, "-")
}

// MACFingerprint returns the MD5 hex digest of the formatted hardware address
// of the first non-loopback interface that has one.
func MACFingerprint(list InterfaceLister) (string, error) {
	if list == nil {
		list = net.Interfaces
	}
	ifaces, err := list()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		sum := md5.Sum([]byte(FormatMAC(iface.HardwareAddr)))
		return hex.EncodeToString(sum[:]), nil
	}
	return "", fmt.Errorf("no interface with a hardware address")
}
