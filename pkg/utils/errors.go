// Package utils holds small helpers shared by cellmesh's ambient
// packages (config loading, env parsing) that don't warrant their own
// package.
package utils

import "fmt"

// Wrap prefixes err with message, returning nil if err is nil. Every
// config-loading failure in package config passes through here so
// callers see which load stage failed without package config needing
// its own error-wrapping helper.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
