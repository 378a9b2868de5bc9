// Package main implements vaultctl, a local administration tool for a
// credvault database. Every command runs against the vault on disk: it
// prompts for the passphrase, opens a session, performs the operation and
// locks again before exiting. No key material leaves the process.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/credvault/credvault/biometric"
	"github.com/credvault/credvault/config"
	"github.com/credvault/credvault/hardware"
	"github.com/credvault/credvault/keyderive"
	"github.com/credvault/credvault/passhash"
	"github.com/credvault/credvault/store"
	"github.com/credvault/credvault/vault"
)

// Version is set at build time
var Version = "dev"

const usage = `Usage: vaultctl [flags] <command> [args]

Commands:
  init                       Initialize a new vault
  status                     Show vault and biometric state
  change-passphrase          Change the vault passphrase
  rotate                     Rotate the store encryption key
  put <key>                  Store a value (read from stdin) as an encrypted item
  get <key>                  Print a stored item
  encrypt <purpose>          Encrypt stdin under a purpose subkey, print base64
  decrypt <purpose>          Decrypt base64 stdin under a purpose subkey

Flags:
`

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	dbPath := flag.String("db", "", "Path to the vault database (overrides config)")
	keystorePath := flag.String("keystore", "", "Path to the key provider state file (overrides config)")
	devMode := flag.Bool("dev-mode", false, "Use the file-backed dev key provider (NOT SECURE)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *devMode {
		cfg.DevMode = true
	}
	if *dbPath != "" {
		cfg.StorePath = *dbPath
	}
	if *keystorePath != "" {
		cfg.KeystorePath = *keystorePath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("version", Version).
		Bool("dev_mode", cfg.DevMode).
		Str("db", cfg.StorePath).
		Msg("vaultctl starting")

	provider, err := hardware.SelectProvider(cfg.DevMode, cfg.KeystorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("No usable key provider")
	}

	backend, err := store.NewSQLite(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer backend.Close()

	hashes, err := passhash.NewService(passhash.Argon2idEngine{}, cfg.HashParams())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build password hashing service")
	}

	svc := vault.NewService(cfg, provider, backend, hashes, noBiometric{})
	defer svc.Lock()

	if err := run(svc, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("Command failed")
	}
}

func run(svc *vault.Service, command string, args []string) error {
	switch command {
	case "init":
		return cmdInit(svc)
	case "status":
		return cmdStatus(svc)
	case "change-passphrase":
		return cmdChangePassphrase(svc)
	case "rotate":
		return withSession(svc, func() error {
			return svc.RotateStoreKey()
		})
	case "put":
		if len(args) != 1 {
			return fmt.Errorf("usage: vaultctl put <key>")
		}
		return withSession(svc, func() error { return cmdPut(svc, args[0]) })
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: vaultctl get <key>")
		}
		return withSession(svc, func() error { return cmdGet(svc, args[0]) })
	case "encrypt":
		if len(args) != 1 {
			return fmt.Errorf("usage: vaultctl encrypt <purpose>")
		}
		return withSession(svc, func() error { return cmdEncrypt(svc, args[0]) })
	case "decrypt":
		if len(args) != 1 {
			return fmt.Errorf("usage: vaultctl decrypt <purpose>")
		}
		return withSession(svc, func() error { return cmdDecrypt(svc, args[0]) })
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// withSession prompts for the passphrase, unlocks, runs fn and locks.
func withSession(svc *vault.Service, fn func() error) error {
	pass, err := promptPassphrase("Passphrase: ")
	if err != nil {
		return err
	}
	if err := svc.Unlock(pass); err != nil {
		return err
	}
	defer svc.Lock()
	return fn()
}

func cmdInit(svc *vault.Service) error {
	if svc.Initialized() {
		return fmt.Errorf("vault is already initialized")
	}
	pass, err := promptPassphrase("New passphrase: ")
	if err != nil {
		return err
	}
	if err := svc.InitializeVault(pass); err != nil {
		return err
	}
	defer svc.Lock()
	fmt.Println("Vault initialized")
	return nil
}

func cmdStatus(svc *vault.Service) error {
	fmt.Printf("initialized: %v\n", svc.Initialized())
	fmt.Printf("session:     %v\n", svc.State())
	fmt.Printf("biometric:   %v\n", svc.BiometricState())
	return nil
}

func cmdChangePassphrase(svc *vault.Service) error {
	oldPass, err := promptPassphrase("Current passphrase: ")
	if err != nil {
		return err
	}
	newPass, err := promptPassphrase("New passphrase: ")
	if err != nil {
		return err
	}
	if err := svc.ChangePassphrase(oldPass, newPass); err != nil {
		return err
	}
	fmt.Println("Passphrase changed; biometric unlock (if enabled) must be set up again")
	return nil
}

func cmdPut(svc *vault.Service, key string) error {
	value, err := readAllStdin()
	if err != nil {
		return err
	}
	return svc.Store().PutItem(key, value)
}

func cmdGet(svc *vault.Service, key string) error {
	value, err := svc.Store().GetItem(key)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(value)
	return err
}

func cmdEncrypt(svc *vault.Service, purposeName string) error {
	purpose, ok := keyderive.ParsePurpose(purposeName)
	if !ok {
		return fmt.Errorf("unknown purpose %q", purposeName)
	}
	plaintext, err := readAllStdin()
	if err != nil {
		return err
	}
	blob, err := svc.EncryptField(plaintext, purpose)
	if err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(blob))
	return nil
}

func cmdDecrypt(svc *vault.Service, purposeName string) error {
	purpose, ok := keyderive.ParsePurpose(purposeName)
	if !ok {
		return fmt.Errorf("unknown purpose %q", purposeName)
	}
	encoded, err := readAllStdin()
	if err != nil {
		return err
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	plaintext, err := svc.DecryptField(blob, purpose)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(plaintext)
	return err
}

// promptPassphrase reads one line from the terminal. The returned bytes
// are wiped by the vault operations that consume them.
func promptPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func readAllStdin() ([]byte, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return data, nil
}

// noBiometric rejects every ceremony; vaultctl has no biometric sensor.
type noBiometric struct{}

func (noBiometric) Authenticate(ctx context.Context, reason string) biometric.Result {
	return biometric.Result{Outcome: biometric.OutcomeError, Err: biometric.ErrCeremonyFailed}
}
