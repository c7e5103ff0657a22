// Package secrets keeps credential material encrypted at rest in the store's
// secrets table.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// SecretStore is the persistence the vault writes ciphertext to.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// Config selects how the 32-byte AES key is obtained. Key wins over
// Passphrase.
type Config struct {
	Key        []byte
	Passphrase string
	Salt       []byte
	Iterations int // PBKDF2 rounds, default 100_000
}

// ParseConfig reads a vault_key setting: 32 bytes encoded as base64 or hex
// are used directly, anything else is treated as a passphrase.
func ParseConfig(vaultKey string) Config {
	s := strings.TrimSpace(vaultKey)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return Config{Key: b}
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return Config{Key: b}
	}
	return Config{Passphrase: s, Salt: []byte("chainflow/vault/v1")}
}

// Vault seals values with AES-256-GCM. The secret key name is bound as
// additional data, so a ciphertext copied under another name fails to open.
type Vault struct {
	store SecretStore
	aead  cipher.AEAD
}

// New builds a Vault over s.
func New(s SecretStore, cfg Config) (*Vault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "aes cipher").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "gcm").WithCause(err)
	}
	return &Vault{store: s, aead: aead}, nil
}

func deriveKey(cfg Config) ([]byte, error) {
	if len(cfg.Key) > 0 {
		if len(cfg.Key) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "vault key must be 32 bytes, got %d", len(cfg.Key))
		}
		return cfg.Key, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "vault key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

// Put encrypts value and stores it under key.
func (v *Vault) Put(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	return v.store.StoreSecret(ctx, key, v.aead.Seal(nonce, nonce, value, []byte(key)))
}

// Get loads and decrypts the value stored under key.
func (v *Vault) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q is truncated", key)
	}
	plain, err := v.aead.Open(nil, sealed[:n], sealed[n:], []byte(key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt secret %q", key).WithCause(err)
	}
	return plain, nil
}

// PutJSON encodes value as JSON before sealing it.
func (v *Vault) PutJSON(ctx context.Context, key string, value any) error {
	data, err := xjson.Marshal(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeVault, "encode secret %q", key).WithCause(err)
	}
	return v.Put(ctx, key, data)
}

// GetJSON opens the secret under key and decodes it into dst.
func (v *Vault) GetJSON(ctx context.Context, key string, dst any) error {
	data, err := v.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := xjson.Unmarshal(data, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeVault, "decode secret %q", key).WithCause(err)
	}
	return nil
}

func (v *Vault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

// List returns the stored key names that start with prefix.
func (v *Vault) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
