package vault

import (
	"sync"
	"time"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
)

// HSMStub exposes the provider surface for a hardware-backed, non-extractable
// key store. Metadata bookkeeping works; cryptographic operations require a
// real backend and fail with ErrBackendUnavailable until one is attached.
type HSMStub struct {
	mu   sync.Mutex
	keys map[string]KeyMetadata
}

// NewHSMStub returns an empty HSM stub provider.
func NewHSMStub() *HSMStub {
	return &HSMStub{keys: make(map[string]KeyMetadata)}
}

func (h *HSMStub) Name() string { return "hsm" }

// GenerateKey records metadata for an HSM-managed key. The material never
// leaves the (future) hardware boundary.
func (h *HSMStub) GenerateKey(params GenerateParams) (KeyMetadata, error) {
	keyID, err := crypto.NewID()
	if err != nil {
		return KeyMetadata{}, err
	}
	meta := KeyMetadata{
		KeyID:       "hsm-" + keyID,
		Derivation:  DerivationHSM,
		Purpose:     params.Purpose,
		DocumentID:  params.DocumentID,
		SKU:         params.SKU,
		CreatedAt:   time.Now().UTC(),
		Extractable: false,
		Provider:    h.Name(),
		Algorithm:   "AES-256-GCM",
		KeyLength:   256,
	}
	h.mu.Lock()
	h.keys[meta.KeyID] = meta
	h.mu.Unlock()
	return meta, nil
}

func (h *HSMStub) Encrypt(string, []byte) (*EncryptResult, error) {
	return nil, ErrBackendUnavailable
}

func (h *HSMStub) Decrypt(string, *EncryptResult, string) ([]byte, error) {
	return nil, ErrBackendUnavailable
}

func (h *HSMStub) Sign(string, string) (string, error) {
	return "", ErrBackendUnavailable
}

func (h *HSMStub) Verify(string, string, string) (bool, error) {
	return false, ErrBackendUnavailable
}

func (h *HSMStub) RotateKey(string) (KeyMetadata, error) {
	return KeyMetadata{}, ErrBackendUnavailable
}

func (h *HSMStub) DestroyKey(keyID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.keys[keyID]; !ok {
		return ErrKeyNotFound
	}
	delete(h.keys, keyID)
	return nil
}

func (h *HSMStub) GetKeyMetadata(keyID string) (KeyMetadata, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	meta, ok := h.keys[keyID]
	if !ok {
		return KeyMetadata{}, ErrKeyNotFound
	}
	return meta, nil
}

func (h *HSMStub) ListKeys() []KeyMetadata {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]KeyMetadata, 0, len(h.keys))
	for _, meta := range h.keys {
		out = append(out, meta)
	}
	return out
}

func (h *HSMStub) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	stats := Stats{Provider: h.Name(), ByPurpose: make(map[string]int)}
	for _, meta := range h.keys {
		stats.TotalKeys++
		stats.ActiveKeys++
		stats.ByPurpose[string(meta.Purpose)]++
	}
	return stats
}
