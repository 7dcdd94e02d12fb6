package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/hkdf"
)

const (
	keyringService = "lexireport"
	keyringAccount = "capability-master-key"
	// keyLength is the AES-256 key size of both master and capability keys.
	keyLength = 32

	// EncryptionKeyEnv holds a hex master key for hosts without a keyring.
	EncryptionKeyEnv = "LEXIREPORT_ENCRYPTION_KEY"
)

// ErrKeyringUnavailable indicates the system keyring is not available.
var ErrKeyringUnavailable = errors.New("system keyring unavailable")

// ErrKeyFixed is returned by ResetKey when the master key is managed outside
// lexireport.
var ErrKeyFixed = errors.New("master key cannot be replaced here")

// KeyProvider supplies the master key that every capability key derives from.
type KeyProvider interface {
	// GetKey returns the 32-byte master key, creating it on first use.
	GetKey() ([]byte, error)
	// ResetKey replaces the master key. Store.Rotate re-encrypts every
	// capability token with it.
	ResetKey() ([]byte, error)
	// Description names where the master key lives.
	Description() string
}

// CapabilityKey derives the key that encrypts one capability's token at a
// given generation. Bumping the generation rotates that capability alone.
func CapabilityKey(master []byte, capability string, generation int) ([]byte, error) {
	if len(master) != keyLength {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrEncryptionFailed, keyLength, len(master))
	}
	if capability == "" {
		return nil, fmt.Errorf("%w: capability is required", ErrEncryptionFailed)
	}
	info := []byte("lexireport/capability-token/" + capability + "/" + strconv.Itoa(generation))
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, info), key); err != nil {
		return nil, fmt.Errorf("%w: deriving key for %s: %v", ErrEncryptionFailed, capability, err)
	}
	return key, nil
}

// KeyringKeyProvider keeps the master key in the system keyring.
type KeyringKeyProvider struct {
	mu sync.Mutex
}

// NewKeyringKeyProvider creates a KeyringKeyProvider.
func NewKeyringKeyProvider() *KeyringKeyProvider {
	return &KeyringKeyProvider{}
}

// GetKey reads the master key, generating one when the keyring has none or
// holds a malformed value.
func (p *KeyringKeyProvider) GetKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, err := keyring.Get(keyringService, keyringAccount)
	switch {
	case err == nil:
		if key, derr := hex.DecodeString(stored); derr == nil && len(key) == keyLength {
			return key, nil
		}
	case !errors.Is(err, keyring.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}
	return p.replace()
}

// ResetKey stores a fresh master key.
func (p *KeyringKeyProvider) ResetKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replace()
}

func (p *KeyringKeyProvider) replace() ([]byte, error) {
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := keyring.Set(keyringService, keyringAccount, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("%w: storing master key: %v", ErrKeyringUnavailable, err)
	}
	return key, nil
}

// Description names the platform keyring.
func (p *KeyringKeyProvider) Description() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "System Keyring (Secret Service)"
	}
}

// EnvKeyProvider reads a hex master key from an environment variable. Its
// key is fixed; capability rotation still works on top of it.
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider creates an EnvKeyProvider reading envVar.
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

// GetKey decodes the key in the environment variable.
func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	v := os.Getenv(p.envVar)
	if v == "" {
		return nil, fmt.Errorf("environment variable %s not set", p.envVar)
	}
	key, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid key in %s: %w", p.envVar, err)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("key in %s must be %d bytes, got %d", p.envVar, keyLength, len(key))
	}
	return key, nil
}

// ResetKey always fails with ErrKeyFixed.
func (p *EnvKeyProvider) ResetKey() ([]byte, error) {
	return nil, fmt.Errorf("%w: change %s instead", ErrKeyFixed, p.envVar)
}

// Description names the environment variable.
func (p *EnvKeyProvider) Description() string {
	return fmt.Sprintf("Environment variable (%s)", p.envVar)
}

// GetDefaultKeyProvider prefers LEXIREPORT_ENCRYPTION_KEY and falls back to
// the system keyring.
func GetDefaultKeyProvider() (KeyProvider, error) {
	if os.Getenv(EncryptionKeyEnv) != "" {
		return NewEnvKeyProvider(EncryptionKeyEnv), nil
	}

	provider := NewKeyringKeyProvider()
	if _, err := provider.GetKey(); err != nil {
		if errors.Is(err, ErrKeyringUnavailable) {
			return nil, fmt.Errorf("system keyring unavailable; set %s: %w", EncryptionKeyEnv, err)
		}
		return nil, err
	}
	return provider, nil
}
