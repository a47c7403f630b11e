//go:build !linux

package config

import "errors"

// TotalMemory is not supported on this platform, absolute memory budget
// must be configured.
func TotalMemory() (uint64, error) {
	return 0, errors.New("physical memory size is unknown on this platform")
}
