//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// On unsupported platforms we can still zero memory on release,
	// but we cannot prevent swapping.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
