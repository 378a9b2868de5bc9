//go:build linux

package hardware

// SelectProvider picks the key provider for this process. Dev mode gets
// the file-backed dev provider at statePath; otherwise the NSM provider
// is required and construction fails closed outside an enclave.
func SelectProvider(devMode bool, statePath string) (Provider, error) {
	if devMode {
		return NewPersistentDevProvider(statePath)
	}
	return NewNSMProvider(statePath)
}
