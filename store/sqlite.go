package store

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"

	"github.com/credvault/credvault/secret"
	"github.com/credvault/credvault/vaulterr"
)

// canaryPlaintext is the fixed check value encrypted under the DEK on
// first open and verified on every subsequent open, so a wrong key is
// detected before any item row is touched.
var canaryPlaintext = []byte("credvault/store-check/v1")

// ErrNotFound is returned for missing items, meta records and wrapped keys.
var ErrNotFound = errors.New("store: not found")

// SQLite is the encrypted store implementation. The metadata tables
// (wrapped keys, meta records) are readable while the store is locked;
// item rows are encrypted under the DEK and reachable only after Open.
type SQLite struct {
	db     *sql.DB
	dbPath string

	mu  sync.RWMutex
	dek *secret.Buffer // nil while locked
}

// NewSQLite opens (or creates) the store database. The store starts
// locked: metadata is accessible, item rows are not.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	-- Wrapped-key table, keyed by purpose. Each entry is a key encrypted
	-- under the hardware KEK: {algorithm, iv, ciphertext, version}.
	CREATE TABLE IF NOT EXISTS wrapped_keys (
		purpose TEXT PRIMARY KEY,
		algorithm INTEGER NOT NULL,
		iv BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Non-secret metadata records (device-salt record, verifier,
	-- optional biometric wrapped MEK).
	CREATE TABLE IF NOT EXISTS vault_meta (
		name TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Encrypted item rows. Value is XChaCha20-Poly1305 under the DEK
	-- with the nonce prepended.
	CREATE TABLE IF NOT EXISTS items (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Open canary: a fixed check value under the current DEK.
	CREATE TABLE IF NOT EXISTS store_check (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		value BLOB NOT NULL
	);

	-- Rotation audit trail. Fingerprints are SHA-256 prefixes, never key
	-- bytes.
	CREATE TABLE IF NOT EXISTS rotation_audit (
		id TEXT PRIMARY KEY,
		old_fingerprint BLOB NOT NULL,
		new_fingerprint BLOB NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database. The DEK is wiped first.
func (s *SQLite) Close() error {
	s.Lock()
	return s.db.Close()
}

// --- Store interface ---

// Open unlocks item access with the DEK. On first open the canary is
// created; afterwards a mismatched key fails with DecryptionFailed before
// any item row is read.
func (s *SQLite) Open(dek []byte) error {
	const op = "store.Open"

	if len(dek) != chacha20poly1305.KeySize {
		return vaulterr.New(vaulterr.DecryptionFailed, op)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var canary []byte
	err := s.db.QueryRow(`SELECT value FROM store_check WHERE id = 1`).Scan(&canary)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		sealed, err := sealWith(dek, canaryPlaintext)
		if err != nil {
			return fmt.Errorf("failed to create store canary: %w", err)
		}
		if _, err := s.db.Exec(`INSERT INTO store_check (id, value) VALUES (1, ?)`, sealed); err != nil {
			return fmt.Errorf("failed to persist store canary: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read store canary: %w", err)
	default:
		if _, err := openWith(dek, canary); err != nil {
			return vaulterr.New(vaulterr.DecryptionFailed, op)
		}
	}

	if s.dek != nil {
		s.dek.Close()
	}
	s.dek = secret.New(len(dek))
	copy(s.dek.Bytes(), dek)
	return nil
}

// IsOpen reports whether item access is unlocked.
func (s *SQLite) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dek != nil
}

// Lock wipes the in-memory DEK and closes item access. Metadata stays
// reachable.
func (s *SQLite) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dek != nil {
		s.dek.Close()
		s.dek = nil
	}
}

// Rekey re-encrypts the canary and every item row under newDEK inside a
// single transaction. Either the whole store moves to the new key or none
// of it does; the in-memory DEK switches only after the commit succeeds.
func (s *SQLite) Rekey(newDEK []byte) error {
	const op = "store.Rekey"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dek == nil {
		return vaulterr.New(vaulterr.RotationFailed, op)
	}
	if len(newDEK) != chacha20poly1305.KeySize {
		return vaulterr.New(vaulterr.RotationFailed, op)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}
	defer tx.Rollback()

	// Canary first: a wrong current key aborts before touching items.
	var canary []byte
	if err := tx.QueryRow(`SELECT value FROM store_check WHERE id = 1`).Scan(&canary); err != nil {
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}
	check, err := openWith(s.dek.Bytes(), canary)
	if err != nil {
		return vaulterr.New(vaulterr.RotationFailed, op)
	}
	secret.Wipe(check)

	newCanary, err := sealWith(newDEK, canaryPlaintext)
	if err != nil {
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}
	if _, err := tx.Exec(`UPDATE store_check SET value = ? WHERE id = 1`, newCanary); err != nil {
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}

	rows, err := tx.Query(`SELECT key, value FROM items`)
	if err != nil {
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}
	type reEncrypted struct {
		key   string
		value []byte
	}
	var updated []reEncrypted
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
		}
		plaintext, err := openWith(s.dek.Bytes(), value)
		if err != nil {
			rows.Close()
			return vaulterr.New(vaulterr.RotationFailed, op)
		}
		sealed, err := sealWith(newDEK, plaintext)
		secret.Wipe(plaintext)
		if err != nil {
			rows.Close()
			return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
		}
		updated = append(updated, reEncrypted{key: key, value: sealed})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}
	rows.Close()

	for _, u := range updated {
		if _, err := tx.Exec(`UPDATE items SET value = ?, updated_at = ? WHERE key = ?`,
			u.value, time.Now().Unix(), u.key); err != nil {
			return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}

	s.dek.Close()
	s.dek = secret.New(len(newDEK))
	copy(s.dek.Bytes(), newDEK)

	log.Info().Int("items", len(updated)).Msg("Store re-keyed")
	return nil
}

// --- Item access (requires open store) ---

// PutItem encrypts and stores a value under key.
func (s *SQLite) PutItem(key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dek == nil {
		return vaulterr.New(vaulterr.WrongCredential, "store.PutItem")
	}
	sealed, err := sealWith(s.dek.Bytes(), value)
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO items (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, sealed, time.Now().Unix())
	return err
}

// GetItem retrieves and decrypts a value.
func (s *SQLite) GetItem(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dek == nil {
		return nil, vaulterr.New(vaulterr.WrongCredential, "store.GetItem")
	}
	var sealed []byte
	err := s.db.QueryRow(`SELECT value FROM items WHERE key = ?`, key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	plaintext, err := openWith(s.dek.Bytes(), sealed)
	if err != nil {
		return nil, vaulterr.New(vaulterr.DecryptionFailed, "store.GetItem")
	}
	return plaintext, nil
}

// DeleteItem removes an item row.
func (s *SQLite) DeleteItem(key string) error {
	_, err := s.db.Exec(`DELETE FROM items WHERE key = ?`, key)
	return err
}

// --- Wrapped-key table (reachable while locked) ---

func (s *SQLite) SaveWrappedKey(purpose string, rec *WrappedKeyRecord) error {
	_, err := s.db.Exec(`INSERT INTO wrapped_keys (purpose, algorithm, iv, ciphertext, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(purpose) DO UPDATE SET
			algorithm = excluded.algorithm,
			iv = excluded.iv,
			ciphertext = excluded.ciphertext,
			version = excluded.version`,
		purpose, rec.Algorithm, rec.IV, rec.Ciphertext, rec.Version, time.Now().Unix())
	return err
}

func (s *SQLite) LoadWrappedKey(purpose string) (*WrappedKeyRecord, error) {
	rec := &WrappedKeyRecord{}
	err := s.db.QueryRow(`SELECT algorithm, iv, ciphertext, version FROM wrapped_keys WHERE purpose = ?`,
		purpose).Scan(&rec.Algorithm, &rec.IV, &rec.Ciphertext, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLite) DeleteWrappedKey(purpose string) error {
	_, err := s.db.Exec(`DELETE FROM wrapped_keys WHERE purpose = ?`, purpose)
	return err
}

// --- Meta records (reachable while locked) ---

func (s *SQLite) SetMeta(name string, value []byte) error {
	_, err := s.db.Exec(`INSERT INTO vault_meta (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, time.Now().Unix())
	return err
}

func (s *SQLite) GetMeta(name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM vault_meta WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *SQLite) DeleteMeta(name string) error {
	_, err := s.db.Exec(`DELETE FROM vault_meta WHERE name = ?`, name)
	return err
}

// --- Rotation audit ---

// RecordRotation appends a rotation audit row. Fingerprints are the first
// 8 bytes of SHA-256 over the wrapped records, never over plaintext keys.
func (s *SQLite) RecordRotation(oldFP, newFP []byte, startedAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO rotation_audit (id, old_fingerprint, new_fingerprint, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), oldFP, newFP, startedAt.Unix(), time.Now().Unix())
	return err
}

// RotationCount returns the number of completed rotations.
func (s *SQLite) RotationCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM rotation_audit`).Scan(&n)
	return n, err
}

// Fingerprint condenses a wrapped record for the audit trail.
func Fingerprint(rec *WrappedKeyRecord) []byte {
	h := sha256.New()
	h.Write([]byte{rec.Algorithm})
	h.Write(rec.IV)
	h.Write(rec.Ciphertext)
	return h.Sum(nil)[:8]
}

// --- Row encryption (XChaCha20-Poly1305, nonce prepended) ---

func sealWith(key, plaintext []byte) ([]byte, error) {
	primitive, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, primitive.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return primitive.Seal(nonce, nonce, plaintext, nil), nil
}

func openWith(key, sealed []byte) ([]byte, error) {
	primitive, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < primitive.NonceSize() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ciphertext := sealed[:primitive.NonceSize()], sealed[primitive.NonceSize():]
	return primitive.Open(nil, nonce, ciphertext, nil)
}
