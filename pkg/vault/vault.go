// Package vault is the key-provider abstraction that isolates cryptographic
// material from pipeline logic. A provider exposes a fixed capability set;
// the local file-backed vault implements all of it, the HSM stub exposes the
// same surface for a non-extractable backend. Callers always go through the
// registry's active provider so swapping implementations never touches
// pipeline code.
package vault

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Derivation describes where key material comes from.
type Derivation string

const (
	DerivationRandom     Derivation = "random"
	DerivationPassphrase Derivation = "passphrase"
	DerivationSignerKey  Derivation = "signer-key"
	DerivationHSM        Derivation = "hsm-managed"
	DerivationMPC        Derivation = "mpc-shared"
	DerivationExternal   Derivation = "external"
)

// Purpose describes what a key is for.
type Purpose string

const (
	PurposeEncryption Purpose = "encryption"
	PurposeSigning    Purpose = "signing"
	PurposeAnchoring  Purpose = "anchoring"
	PurposeIdentity   Purpose = "identity"
	PurposeTransport  Purpose = "transport"
)

var (
	ErrKeyNotFound        = errors.New("vault: key not found")
	ErrKeyDestroyed       = errors.New("vault: key destroyed")
	ErrBackendUnavailable = errors.New("vault: backend unavailable")
)

// KeyMetadata describes a key without exposing its material.
type KeyMetadata struct {
	KeyID       string     `json:"keyId"`
	Derivation  Derivation `json:"derivation"`
	Purpose     Purpose    `json:"purpose"`
	DocumentID  string     `json:"documentId,omitempty"`
	SKU         string     `json:"sku,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	Extractable bool       `json:"extractable"`
	Provider    string     `json:"provider"`
	Algorithm   string     `json:"algorithm"`
	KeyLength   int        `json:"keyLength"`
}

// GenerateParams parameterizes key generation.
type GenerateParams struct {
	Derivation Derivation
	Purpose    Purpose
	DocumentID string
	SKU        string
	// Passphrase is required for DerivationPassphrase.
	Passphrase string
	// SignerIdentityHash is required for DerivationSignerKey.
	SignerIdentityHash string
}

// EncryptResult carries everything needed to decrypt and to verify the
// plaintext round trip.
type EncryptResult struct {
	Ciphertext      string `json:"ciphertext"` // base64
	IV              string `json:"iv"`         // hex, 128-bit
	AuthTag         string `json:"authTag"`    // hex, 128-bit
	Algorithm       string `json:"algorithm"`
	KeyID           string `json:"keyId"`
	PlaintextSHA256 string `json:"plaintextSha256"`
	PlaintextSize   int    `json:"plaintextSize"`
}

// Stats summarizes a provider's key population.
type Stats struct {
	Provider      string         `json:"provider"`
	TotalKeys     int            `json:"totalKeys"`
	ActiveKeys    int            `json:"activeKeys"`
	DestroyedKeys int            `json:"destroyedKeys"`
	ByPurpose     map[string]int `json:"byPurpose"`
}

// Provider is the capability set every key backend implements.
type Provider interface {
	Name() string
	GenerateKey(params GenerateParams) (KeyMetadata, error)
	Encrypt(keyID string, plaintext []byte) (*EncryptResult, error)
	// Decrypt reverses Encrypt. expectedSHA256, when non-empty, is compared
	// against the recomputed plaintext hash.
	Decrypt(keyID string, result *EncryptResult, expectedSHA256 string) ([]byte, error)
	Sign(keyID, hash string) (string, error)
	Verify(keyID, hash, signature string) (bool, error)
	RotateKey(keyID string) (KeyMetadata, error)
	DestroyKey(keyID string) error
	GetKeyMetadata(keyID string) (KeyMetadata, error)
	ListKeys() []KeyMetadata
	GetStats() Stats
}

// Registry tracks registered providers and names one active.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	active    string
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. The first registered provider becomes active.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.active == "" {
		r.active = p.Name()
	}
}

// SetActive switches the active provider.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("vault: unknown provider %q", name)
	}
	r.active = name
	return nil
}

// Active returns the active provider.
func (r *Registry) Active() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[r.active]
	if !ok {
		return nil, errors.New("vault: no active provider")
	}
	return p, nil
}

// Get returns a named provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("vault: unknown provider %q", name)
	}
	return p, nil
}
