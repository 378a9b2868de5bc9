//go:build !linux

package hardware

import "github.com/credvault/credvault/vaulterr"

// SelectProvider picks the key provider for this process. Only the dev
// provider exists off Linux; hardware mode fails closed.
func SelectProvider(devMode bool, statePath string) (Provider, error) {
	if devMode {
		return NewPersistentDevProvider(statePath)
	}
	return nil, vaulterr.New(vaulterr.HardwareUnavailable, "hardware.SelectProvider")
}
