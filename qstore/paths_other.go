//go:build !windows

package qstore

import "path/filepath"

// DefaultDataDir is where agent state lives when no directory is configured.
func DefaultDataDir(appName string) (string, error) {
	if err := ValidateAppName(appName); err != nil {
		return "", err
	}
	return filepath.Join("/var/lib", appName), nil
}
