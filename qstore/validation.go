package qstore

import (
	"fmt"
	"regexp"
)

// validAppNameRegex matches names that are safe to use as a directory name.
var validAppNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// ValidateAppName prevents path traversal through the configured application name.
func ValidateAppName(appName string) error {
	if appName == "" {
		return fmt.Errorf("app name cannot be empty")
	}
	if !validAppNameRegex.MatchString(appName) {
		return fmt.Errorf("invalid app name %q: must contain only alphanumeric characters, hyphens, and underscores, start with alphanumeric, and be 1-64 characters", appName)
	}
	return nil
}
