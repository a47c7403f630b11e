package config

import "golang.org/x/sys/unix"

// TotalMemory returns the amount of physical memory in bytes.
func TotalMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}
