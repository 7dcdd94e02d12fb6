// Package credentials stores bearer tokens for capability endpoints in
// ~/.lexireport/credentials.yaml, encrypted at rest.
//
// Encryption Key Storage:
// The encryption key is stored using the system keyring:
// - macOS: Keychain
// - Windows: Credential Manager
// - Linux: Secret Service (libsecret)
//
// For CI/testing environments, set LEXIREPORT_ENCRYPTION_KEY to a 64-character
// hex string (32 bytes).
//
// Each capability's token is encrypted with its own key, derived from the
// master key, the capability name and a per-token generation.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential storage constants.
const (
	DefaultCredentialsDir  = ".lexireport"
	DefaultCredentialsFile = "credentials.yaml"

	// TokenEnvPrefix prefixes per-capability token overrides, e.g.
	// LEXIREPORT_TOKEN_SUMMARIZATION.
	TokenEnvPrefix = "LEXIREPORT_TOKEN_"
)

// Common errors.
var (
	// ErrNoCredentials is returned when no token is stored for a capability.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrExpiredToken is returned when the stored token has expired.
	ErrExpiredToken = errors.New("stored token has expired")
	// ErrEncryptionFailed is returned when encryption/decryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// Token is a stored capability credential.
type Token struct {
	// Value is the bearer token, encrypted at rest with the capability key.
	Value string `yaml:"value"`
	// Generation selects the capability key; RotateCapability bumps it.
	Generation int `yaml:"generation,omitempty"`
	// Endpoint is the endpoint the token was issued for, informational only.
	Endpoint string `yaml:"endpoint,omitempty"`
	// ExpiresAt is the token expiration time, zero for none.
	ExpiresAt   time.Time `yaml:"expires_at,omitempty"`
	LastUpdated time.Time `yaml:"last_updated"`
}

type file struct {
	Tokens map[string]Token `yaml:"tokens"`
}

// Store manages credential storage operations.
type Store struct {
	mu             sync.Mutex
	credentialsDir string
	encryptionKey  []byte
	keyProvider    KeyProvider
}

// NewStore creates a credential store in the default directory using the
// default key provider.
func NewStore() (*Store, error) {
	keyProvider, err := GetDefaultKeyProvider()
	if err != nil {
		return nil, fmt.Errorf("initializing key provider: %w", err)
	}
	return NewStoreWithKeyProvider(keyProvider)
}

// NewStoreWithKeyProvider creates a credential store with a custom key provider.
func NewStoreWithKeyProvider(keyProvider KeyProvider) (*Store, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}

	key, err := keyProvider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}

	return &Store{
		credentialsDir: dir,
		encryptionKey:  key,
		keyProvider:    keyProvider,
	}, nil
}

// CredentialsDir returns the credentials directory path.
// Uses $LEXIREPORT_CONFIG_DIR if set, otherwise ~/.lexireport
func CredentialsDir() (string, error) {
	if dir := os.Getenv("LEXIREPORT_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultCredentialsDir), nil
}

// CredentialsPath returns the full path to the credentials file.
func CredentialsPath() (string, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultCredentialsFile), nil
}

// KeySource describes where the encryption key comes from.
func (s *Store) KeySource() string {
	return s.keyProvider.Description()
}

// Set stores the token for a capability, replacing any previous one.
func (s *Store) Set(capability string, tok Token) error {
	if capability == "" {
		return errors.New("capability is required")
	}
	if tok.Value == "" {
		return errors.New("token value is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}

	if prev, ok := f.Tokens[capability]; ok {
		tok.Generation = prev.Generation
	}
	encrypted, err := s.encrypt(capability, tok.Generation, tok.Value)
	if err != nil {
		return fmt.Errorf("encrypting token: %w", err)
	}
	tok.Value = encrypted
	tok.LastUpdated = time.Now()
	f.Tokens[capability] = tok

	return s.write(f)
}

// Get returns the decrypted token for a capability.
func (s *Store) Get(capability string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	tok, ok := f.Tokens[capability]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoCredentials, capability)
	}

	value, err := s.decrypt(capability, tok.Generation, tok.Value)
	if err != nil {
		return nil, fmt.Errorf("decrypting token: %w", err)
	}
	tok.Value = value
	return &tok, nil
}

// Delete removes the token for a capability. Deleting a missing token is not an error.
func (s *Store) Delete(capability string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := f.Tokens[capability]; !ok {
		return nil
	}
	delete(f.Tokens, capability)
	return s.write(f)
}

// List returns the capabilities that have a stored token, sorted.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(f.Tokens))
	for name := range f.Tokens {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// BearerToken returns the active token for a capability. The environment
// variable LEXIREPORT_TOKEN_<CAPABILITY> wins over the stored token.
func (s *Store) BearerToken(capability string) (string, error) {
	if v := os.Getenv(EnvVar(capability)); v != "" {
		return v, nil
	}

	tok, err := s.Get(capability)
	if err != nil {
		return "", err
	}
	if !tok.ExpiresAt.IsZero() && time.Now().After(tok.ExpiresAt) {
		return "", fmt.Errorf("%w for %s", ErrExpiredToken, capability)
	}
	return tok.Value, nil
}

// Rotate replaces the master key through the key provider and re-encrypts
// every capability token under it.
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	plain := make(map[string]string, len(f.Tokens))
	for name, tok := range f.Tokens {
		v, err := s.decrypt(name, tok.Generation, tok.Value)
		if err != nil {
			return fmt.Errorf("decrypting token %s: %w", name, err)
		}
		plain[name] = v
	}

	key, err := s.keyProvider.ResetKey()
	if err != nil {
		return fmt.Errorf("resetting encryption key: %w", err)
	}
	s.encryptionKey = key

	for name, tok := range f.Tokens {
		enc, err := s.encrypt(name, tok.Generation, plain[name])
		if err != nil {
			return fmt.Errorf("encrypting token %s: %w", name, err)
		}
		tok.Value = enc
		f.Tokens[name] = tok
	}
	return s.write(f)
}

// RotateCapability re-encrypts one capability's token under the next key
// generation and returns that generation. The master key is untouched, so it
// works with a fixed LEXIREPORT_ENCRYPTION_KEY.
func (s *Store) RotateCapability(capability string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return 0, err
	}
	tok, ok := f.Tokens[capability]
	if !ok {
		return 0, fmt.Errorf("%w for %s", ErrNoCredentials, capability)
	}
	plain, err := s.decrypt(capability, tok.Generation, tok.Value)
	if err != nil {
		return 0, fmt.Errorf("decrypting token %s: %w", capability, err)
	}
	tok.Generation++
	if tok.Value, err = s.encrypt(capability, tok.Generation, plain); err != nil {
		return 0, fmt.Errorf("encrypting token %s: %w", capability, err)
	}
	tok.LastUpdated = time.Now()
	f.Tokens[capability] = tok
	if err := s.write(f); err != nil {
		return 0, err
	}
	return tok.Generation, nil
}

// EnvVar returns the override variable name for a capability.
func EnvVar(capability string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(capability))
	return TokenEnvPrefix + name
}

func (s *Store) read() (*file, error) {
	f := &file{Tokens: make(map[string]Token)}
	data, err := os.ReadFile(filepath.Join(s.credentialsDir, DefaultCredentialsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if f.Tokens == nil {
		f.Tokens = make(map[string]Token)
	}
	return f, nil
}

func (s *Store) write(f *file) error {
	if err := os.MkdirAll(s.credentialsDir, 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	// Write with restrictive permissions
	if err := os.WriteFile(filepath.Join(s.credentialsDir, DefaultCredentialsFile), data, 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// aead returns the AES-GCM cipher of one capability key generation.
func (s *Store) aead(capability string, generation int) (cipher.AEAD, error) {
	key, err := CapabilityKey(s.encryptionKey, capability, generation)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}
	return gcm, nil
}

// encrypt seals plaintext for capability. The capability name is bound as
// additional data, so a ciphertext copied to another entry fails to open.
func (s *Store) encrypt(capability string, generation int, plaintext string) (string, error) {
	gcm, err := s.aead(capability, generation)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(capability))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) decrypt(capability string, generation int, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}
	gcm, err := s.aead(capability, generation)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(capability))
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrEncryptionFailed, err)
	}
	return string(plaintext), nil
}

// MaskToken returns a masked token with first/last few characters visible.
func MaskToken(token string) string {
	if len(token) <= 20 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "..." + token[len(token)-8:]
}

// FormatExpiry formats the expiry time for display.
func FormatExpiry(expiresAt time.Time) string {
	if expiresAt.IsZero() {
		return "never"
	}

	remaining := time.Until(expiresAt)
	if remaining < 0 {
		return "expired"
	}

	if remaining < time.Hour {
		return fmt.Sprintf("%d minutes", int(remaining.Minutes()))
	}
	if remaining < 24*time.Hour {
		return fmt.Sprintf("%d hours", int(remaining.Hours()))
	}
	return fmt.Sprintf("%d days", int(remaining.Hours()/24))
}

// Fingerprint returns a short stable id for a token, for display.
func Fingerprint(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:4])
}
