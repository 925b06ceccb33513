package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const (
	VaultFile = "sovereign-key-vault.json"

	pbkdf2Iterations = 100000
	saltSize         = 32
	ivSize           = 16
	tagSize          = 16
)

// vaultEntry is the on-disk form of one key. Raw material lives only here.
type vaultEntry struct {
	Metadata     KeyMetadata `json:"metadata"`
	KeyHex       string      `json:"keyHex"`
	SaltHex      string      `json:"saltHex,omitempty"`
	SupersededBy string      `json:"supersededBy,omitempty"`
	DestroyedAt  *time.Time  `json:"destroyedAt,omitempty"`
}

type vaultState struct {
	Engine  string       `json:"engine"`
	Version string       `json:"version"`
	Warning string       `json:"warning"`
	Entries []vaultEntry `json:"entries"`
}

// LocalVault is the file-backed provider. Every mutation is written through
// to the vault file.
type LocalVault struct {
	mu    sync.Mutex
	file  *store.File
	state vaultState
}

// NewLocalVault loads or creates the vault file under dataDir.
func NewLocalVault(dataDir string) (*LocalVault, error) {
	v := &LocalVault{file: store.NewFile(dataDir, VaultFile)}
	found, err := v.file.Load(&v.state)
	if err != nil {
		return nil, err
	}
	if !found {
		v.state = vaultState{
			Engine:  "doc-intelligence-engine",
			Version: "1.0.0",
			Warning: "DO NOT SHARE THIS FILE. It contains raw key material for document custody.",
		}
		if err := v.file.Write(&v.state); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *LocalVault) Name() string { return "local-vault" }

// GenerateKey derives or generates a 256-bit key per the requested derivation.
func (v *LocalVault) GenerateKey(params GenerateParams) (KeyMetadata, error) {
	var key []byte
	var saltHex string

	switch params.Derivation {
	case DerivationRandom, "":
		params.Derivation = DerivationRandom
		key = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return KeyMetadata{}, fmt.Errorf("vault: generate key: %w", err)
		}
	case DerivationPassphrase:
		if params.Passphrase == "" {
			return KeyMetadata{}, fmt.Errorf("vault: passphrase derivation requires a passphrase")
		}
		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return KeyMetadata{}, fmt.Errorf("vault: generate salt: %w", err)
		}
		key = pbkdf2.Key([]byte(params.Passphrase), salt, pbkdf2Iterations, 32, sha512.New)
		saltHex = hex.EncodeToString(salt)
	case DerivationSignerKey:
		if params.SignerIdentityHash == "" {
			return KeyMetadata{}, fmt.Errorf("vault: signer-key derivation requires an identity hash")
		}
		sum := sha512.Sum512([]byte(params.SignerIdentityHash))
		key = sum[:32]
	default:
		return KeyMetadata{}, fmt.Errorf("vault: derivation %q not supported by local vault", params.Derivation)
	}

	keyID, err := crypto.NewID()
	if err != nil {
		return KeyMetadata{}, err
	}

	meta := KeyMetadata{
		KeyID:       "key-" + keyID,
		Derivation:  params.Derivation,
		Purpose:     params.Purpose,
		DocumentID:  params.DocumentID,
		SKU:         params.SKU,
		CreatedAt:   time.Now().UTC(),
		Extractable: true,
		Provider:    v.Name(),
		Algorithm:   "AES-256-GCM",
		KeyLength:   256,
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.state.Entries = append(v.state.Entries, vaultEntry{
		Metadata: meta,
		KeyHex:   hex.EncodeToString(key),
		SaltHex:  saltHex,
	})
	if err := v.file.Write(&v.state); err != nil {
		return KeyMetadata{}, err
	}
	return meta, nil
}

// Encrypt seals plaintext under the named key with AES-256-GCM and a fresh
// 128-bit IV.
func (v *LocalVault) Encrypt(keyID string, plaintext []byte) (*EncryptResult, error) {
	key, err := v.keyMaterial(keyID)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("vault: iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &EncryptResult{
		Ciphertext:      base64.StdEncoding.EncodeToString(ct),
		IV:              hex.EncodeToString(iv),
		AuthTag:         hex.EncodeToString(tag),
		Algorithm:       "AES-256-GCM",
		KeyID:           keyID,
		PlaintextSHA256: canonicalize.HashBytes(plaintext),
		PlaintextSize:   len(plaintext),
	}, nil
}

// Decrypt opens an EncryptResult, verifying the auth tag and, when provided,
// the expected plaintext hash.
func (v *LocalVault) Decrypt(keyID string, result *EncryptResult, expectedSHA256 string) ([]byte, error) {
	key, err := v.keyMaterial(keyID)
	if err != nil {
		return nil, err
	}

	ct, err := base64.StdEncoding.DecodeString(result.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: decode ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(result.IV)
	if err != nil {
		return nil, fmt.Errorf("vault: decode iv: %w", err)
	}
	tag, err := hex.DecodeString(result.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("vault: decode auth tag: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}

	if expectedSHA256 != "" && canonicalize.HashBytes(plaintext) != expectedSHA256 {
		return nil, fmt.Errorf("vault: plaintext hash mismatch after decrypt")
	}
	return plaintext, nil
}

// Sign returns the HMAC-SHA256 of hash under the key.
func (v *LocalVault) Sign(keyID, hash string) (string, error) {
	key, err := v.keyMaterial(keyID)
	if err != nil {
		return "", err
	}
	return crypto.HMAC256(hex.EncodeToString(key), hash), nil
}

// Verify checks an HMAC produced by Sign.
func (v *LocalVault) Verify(keyID, hash, signature string) (bool, error) {
	expected, err := v.Sign(keyID, hash)
	if err != nil {
		return false, err
	}
	return crypto.ConstantTimeEquals(expected, signature), nil
}

// RotateKey creates a fresh random key for the same purpose and document and
// marks the old key superseded. The old key stays usable for decryption.
func (v *LocalVault) RotateKey(keyID string) (KeyMetadata, error) {
	v.mu.Lock()
	old := v.entry(keyID)
	if old == nil {
		v.mu.Unlock()
		return KeyMetadata{}, ErrKeyNotFound
	}
	purpose, docID, sku := old.Metadata.Purpose, old.Metadata.DocumentID, old.Metadata.SKU
	v.mu.Unlock()

	meta, err := v.GenerateKey(GenerateParams{
		Derivation: DerivationRandom,
		Purpose:    purpose,
		DocumentID: docID,
		SKU:        sku,
	})
	if err != nil {
		return KeyMetadata{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if e := v.entry(keyID); e != nil {
		e.SupersededBy = meta.KeyID
	}
	if err := v.file.Write(&v.state); err != nil {
		return KeyMetadata{}, err
	}
	return meta, nil
}

// DestroyKey overwrites the key material (zeros, then random garbage) and
// timestamps the destruction. Destroyed keys fail all cryptographic ops.
func (v *LocalVault) DestroyKey(keyID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	e := v.entry(keyID)
	if e == nil {
		return ErrKeyNotFound
	}
	if e.DestroyedAt != nil {
		return ErrKeyDestroyed
	}

	zero := make([]byte, 32)
	e.KeyHex = hex.EncodeToString(zero)
	garbage := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, garbage); err != nil {
		return fmt.Errorf("vault: destroy: %w", err)
	}
	e.KeyHex = hex.EncodeToString(garbage)
	now := time.Now().UTC()
	e.DestroyedAt = &now

	return v.file.Write(&v.state)
}

// GetKeyMetadata returns a key's metadata.
func (v *LocalVault) GetKeyMetadata(keyID string) (KeyMetadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e := v.entry(keyID)
	if e == nil {
		return KeyMetadata{}, ErrKeyNotFound
	}
	return e.Metadata, nil
}

// ListKeys returns metadata for every key, destroyed included.
func (v *LocalVault) ListKeys() []KeyMetadata {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]KeyMetadata, len(v.state.Entries))
	for i, e := range v.state.Entries {
		out[i] = e.Metadata
	}
	return out
}

// GetStats summarizes the vault population.
func (v *LocalVault) GetStats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	stats := Stats{Provider: v.Name(), ByPurpose: make(map[string]int)}
	for _, e := range v.state.Entries {
		stats.TotalKeys++
		if e.DestroyedAt != nil {
			stats.DestroyedKeys++
			continue
		}
		stats.ActiveKeys++
		stats.ByPurpose[string(e.Metadata.Purpose)]++
	}
	return stats
}

// keyMaterial returns usable key bytes or a not-found / destroyed error.
func (v *LocalVault) keyMaterial(keyID string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e := v.entry(keyID)
	if e == nil {
		return nil, ErrKeyNotFound
	}
	if e.DestroyedAt != nil {
		return nil, ErrKeyDestroyed
	}
	key, err := hex.DecodeString(e.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("vault: corrupt key material for %s: %w", keyID, err)
	}
	return key, nil
}

func (v *LocalVault) entry(keyID string) *vaultEntry {
	for i := range v.state.Entries {
		if v.state.Entries[i].Metadata.KeyID == keyID {
			return &v.state.Entries[i]
		}
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return gcm, nil
}
