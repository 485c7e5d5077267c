//go:build !windows

package sensor

import (
	"os"

	"golang.org/x/sys/unix"
)

// DeviceAccess reports whether the current user may read and write the device
// node. A missing node is undetermined; a node we cannot open is denied (on
// Linux this usually means the user is not in the dialout group).
func DeviceAccess(path string) Permission {
	if path == "" {
		return PermissionUndetermined
	}
	if _, err := os.Stat(path); err != nil {
		return PermissionUndetermined
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return PermissionDenied
	}
	return PermissionGranted
}
