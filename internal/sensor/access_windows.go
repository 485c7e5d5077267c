//go:build windows

package sensor

// DeviceAccess on Windows only checks that a port name was configured; COM
// ports carry no per-user permission bits.
func DeviceAccess(path string) Permission {
	if path == "" {
		return PermissionUndetermined
	}
	return PermissionGranted
}
