//go:build !linux && !darwin

package secret

// Page pinning is best-effort; platforms without mlock still get wipe-on-close.

func lockMemory(b []byte) error   { return nil }
func unlockMemory(b []byte) error { return nil }
