//go:build windows

package qstore

import (
	"os"
	"path/filepath"
)

// DefaultDataDir is where agent state lives when no directory is configured.
func DefaultDataDir(appName string) (string, error) {
	if err := ValidateAppName(appName); err != nil {
		return "", err
	}
	programData := os.Getenv("PROGRAMDATA")
	if programData == "" {
		programData = `C:\ProgramData`
	}
	return filepath.Join(programData, appName), nil
}
