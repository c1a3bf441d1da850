// Package vault stores user secrets encrypted at rest. Values are sealed with
// AES-256-GCM under a per-installation key; plaintext never touches the
// database or the logs.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// KeyFileName is the vault key file created inside the data directory.
const KeyFileName = ".env_key"

const keySize = 32 // AES-256

// ErrNotFound is returned when a secret does not exist.
var ErrNotFound = fmt.Errorf("secret not found")

// SecretMeta describes a secret without exposing its value.
type SecretMeta struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Vault encrypts and persists named secrets.
type Vault struct {
	db  *sql.DB
	gcm cipher.AEAD
	log zerolog.Logger
}

// New opens the vault, creating the encryption key on first use.
// The key lives at <dataDir>/.env_key with owner-only permissions.
func New(db *sql.DB, dataDir string, log zerolog.Logger) (*Vault, error) {
	key, err := loadOrCreateKey(filepath.Join(dataDir, KeyFileName))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise GCM: %w", err)
	}

	return &Vault{
		db:  db,
		gcm: gcm,
		log: log.With().Str("component", "vault").Logger(),
	}, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("vault key at %s has invalid length %d", path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read vault key: %w", err)
	}

	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate vault key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist vault key: %w", err)
	}
	return key, nil
}

// Set creates or replaces a secret.
func (v *Vault) Set(name, value, description string) error {
	sealed, err := v.seal(value)
	if err != nil {
		return err
	}

	_, err = v.db.Exec(
		`INSERT INTO environment_variables (name, value, description, created_at, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, description = excluded.description, updated_at = CURRENT_TIMESTAMP`,
		name, sealed, description,
	)
	if err != nil {
		return fmt.Errorf("failed to store secret %s: %w", name, err)
	}
	v.log.Info().Str("name", name).Msg("Secret stored")
	return nil
}

// Get returns the decrypted value of a secret.
func (v *Vault) Get(name string) (string, error) {
	var sealed string
	err := v.db.QueryRow(`SELECT value FROM environment_variables WHERE name = ?`, name).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load secret %s: %w", name, err)
	}
	return v.open(sealed)
}

// Delete removes a secret.
func (v *Vault) Delete(name string) error {
	res, err := v.db.Exec(`DELETE FROM environment_variables WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete secret %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	v.log.Info().Str("name", name).Msg("Secret deleted")
	return nil
}

// ListNames returns the names of all stored secrets.
func (v *Vault) ListNames() ([]string, error) {
	rows, err := v.db.Query(`SELECT name FROM environment_variables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secret names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan secret name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetMetadata returns one secret's metadata without its value.
func (v *Vault) GetMetadata(name string) (*SecretMeta, error) {
	var (
		meta        SecretMeta
		description sql.NullString
	)
	err := v.db.QueryRow(
		`SELECT id, name, description, created_at, updated_at FROM environment_variables WHERE name = ?`, name,
	).Scan(&meta.ID, &meta.Name, &description, &meta.CreatedAt, &meta.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secret metadata %s: %w", name, err)
	}
	meta.Description = description.String
	return &meta, nil
}

// ListMetadata returns all secrets without their values.
func (v *Vault) ListMetadata() ([]SecretMeta, error) {
	rows, err := v.db.Query(
		`SELECT id, name, description, created_at, updated_at FROM environment_variables ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var metas []SecretMeta
	for rows.Next() {
		var (
			meta        SecretMeta
			description sql.NullString
		)
		if err := rows.Scan(&meta.ID, &meta.Name, &description, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan secret metadata: %w", err)
		}
		meta.Description = description.String
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// AllDecrypted returns every secret as a name/value map, for injection into
// execution environments. Entries that no longer decrypt (key rotated by hand,
// corrupted row) are skipped rather than failing the whole set.
func (v *Vault) AllDecrypted() (map[string]string, error) {
	rows, err := v.db.Query(`SELECT name, value FROM environment_variables`)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, sealed string
		if err := rows.Scan(&name, &sealed); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		value, err := v.open(sealed)
		if err != nil {
			v.log.Warn().Str("name", name).Msg("Skipping secret that failed to decrypt")
			continue
		}
		out[name] = value
	}
	return out, rows.Err()
}

// seal encrypts a value and encodes it for TEXT storage. The random nonce is
// prepended to the ciphertext.
func (v *Vault) seal(value string) (string, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := v.gcm.Seal(nonce, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed secret: %w", err)
	}
	if len(raw) < v.gcm.NonceSize() {
		return "", fmt.Errorf("sealed secret too short")
	}
	nonce, ciphertext := raw[:v.gcm.NonceSize()], raw[v.gcm.NonceSize():]
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}
