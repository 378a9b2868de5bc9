// Package config loads the crypto core configuration from a YAML file,
// starting from safe defaults. Parameters below the security floors are
// rejected at load time rather than silently raised.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/credvault/credvault/keyderive"
	"github.com/credvault/credvault/passhash"
)

// Config holds the crypto core configuration.
type Config struct {
	// DevMode selects the file-backed dev key provider instead of secure
	// hardware. NOT SECURE; refuses to be enabled implicitly.
	DevMode bool `yaml:"dev_mode"`

	// StorePath is the SQLite database path for the encrypted store.
	StorePath string `yaml:"store_path"`

	// KeystorePath is the key provider state file: the dev keystore, or
	// the seed file for NSM-derived keys.
	KeystorePath string `yaml:"keystore_path"`

	// KDF configures passphrase-to-MEK derivation.
	KDF KDFConfig `yaml:"kdf"`

	// PasswordHash configures the authentication-gate hashing.
	PasswordHash PasswordHashConfig `yaml:"password_hash"`

	// AutoLock configures the inactivity lock.
	AutoLock AutoLockConfig `yaml:"auto_lock"`
}

// KDFConfig holds PBKDF parameters.
type KDFConfig struct {
	Iterations int `yaml:"iterations"`
}

// PasswordHashConfig holds Argon2id parameters.
type PasswordHashConfig struct {
	MemoryKiB uint32 `yaml:"memory_kib"`
	Time      uint32 `yaml:"time"`
	Threads   uint8  `yaml:"threads"`
}

// AutoLockConfig holds the inactivity timeout.
type AutoLockConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		StorePath:    "credvault.db",
		KeystorePath: "credvault.keys",
		KDF: KDFConfig{
			Iterations: keyderive.MinIterations,
		},
		PasswordHash: PasswordHashConfig{
			MemoryKiB: passhash.MinMemoryKiB,
			Time:      passhash.MinTime,
			Threads:   4,
		},
		AutoLock: AutoLockConfig{
			TimeoutSeconds: 300,
		},
	}
}

// Load reads configuration from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the security floors.
func (c *Config) Validate() error {
	if c.KDF.Iterations < keyderive.MinIterations {
		return fmt.Errorf("config: kdf iterations %d below minimum %d", c.KDF.Iterations, keyderive.MinIterations)
	}
	if c.PasswordHash.MemoryKiB < passhash.MinMemoryKiB {
		return fmt.Errorf("config: password hash memory %d KiB below minimum %d", c.PasswordHash.MemoryKiB, passhash.MinMemoryKiB)
	}
	if c.PasswordHash.Time < passhash.MinTime {
		return fmt.Errorf("config: password hash time cost %d below minimum %d", c.PasswordHash.Time, passhash.MinTime)
	}
	if c.PasswordHash.Threads == 0 {
		return fmt.Errorf("config: password hash threads must be positive")
	}
	if c.StorePath == "" {
		return fmt.Errorf("config: store_path is required")
	}
	if c.KeystorePath == "" {
		return fmt.Errorf("config: keystore_path is required")
	}
	if c.AutoLock.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: auto_lock timeout must be positive")
	}
	return nil
}

// KDFParams converts to keyderive parameters.
func (c *Config) KDFParams() keyderive.Params {
	return keyderive.Params{Iterations: c.KDF.Iterations}
}

// HashParams converts to passhash parameters.
func (c *Config) HashParams() passhash.Params {
	return passhash.Params{
		MemoryKiB: c.PasswordHash.MemoryKiB,
		Time:      c.PasswordHash.Time,
		Threads:   c.PasswordHash.Threads,
	}
}

// AutoLockTimeout returns the inactivity timeout as a duration.
func (c *Config) AutoLockTimeout() time.Duration {
	return time.Duration(c.AutoLock.TimeoutSeconds) * time.Second
}
