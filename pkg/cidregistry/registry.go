// Package cidregistry keeps the content-address bookkeeping: a SKU-keyed
// registry of content-addressed artifacts and the single global hash-chained
// event log that audits every registration and lifecycle action.
package cidregistry

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const RegistryFile = "cid-registry.json"

var (
	ErrNotFound = errors.New("cidregistry: record not found")
	// ErrSplitBrain is returned when a CID is re-registered with a different
	// SHA-256, two bodies claiming one address.
	ErrSplitBrain = errors.New("cidregistry: cid already registered with different sha256")
)

// Record is one content-addressed artifact.
type Record struct {
	CID          string            `json:"cid"`
	SHA256       string            `json:"sha256"`
	MerkleRoot   string            `json:"merkleRoot,omitempty"`
	SourceFile   string            `json:"sourceFile,omitempty"`
	SKU          string            `json:"sku"`
	Size         int64             `json:"size"`
	RegisteredAt time.Time         `json:"registeredAt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RecordHash   string            `json:"recordHash"`
}

type registryState struct {
	Engine      string    `json:"engine"`
	Version     string    `json:"version"`
	Records     []Record  `json:"records"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Registry maps SKUs to content-addressed records.
type Registry struct {
	mu     sync.RWMutex
	file   *store.File
	state  registryState
	events *EventLog
}

// NewRegistry loads or creates the registry under dataDir.
func NewRegistry(dataDir string) (*Registry, error) {
	r := &Registry{file: store.NewFile(dataDir, RegistryFile)}
	found, err := r.file.Load(&r.state)
	if err != nil {
		return nil, err
	}
	if !found {
		r.state = registryState{Engine: "doc-intelligence-engine", Version: "1.0.0"}
	}
	return r, nil
}

// WithEventLog chains every new registration onto the global event log.
func (r *Registry) WithEventLog(ev *EventLog) *Registry {
	r.events = ev
	return r
}

// RegisterParams parameterizes a registration. CID may be empty, in which
// case a CIDv1 (raw, sha2-256) is derived from the SHA256 field.
type RegisterParams struct {
	CID        string
	SHA256     string
	MerkleRoot string
	SourceFile string
	SKU        string
	Size       int64
	Metadata   map[string]string
}

// Register records an artifact. A same-(CID, SHA-256) re-registration returns
// the existing record; a same-CID different-SHA registration is refused.
func (r *Registry) Register(params RegisterParams) (*Record, error) {
	if params.SHA256 == "" {
		return nil, fmt.Errorf("cidregistry: sha256 is required")
	}
	if params.CID == "" {
		derived, err := CIDFromSHA256(params.SHA256)
		if err != nil {
			return nil, err
		}
		params.CID = derived
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.state.Records {
		if r.state.Records[i].CID == params.CID {
			if r.state.Records[i].SHA256 != params.SHA256 {
				return nil, ErrSplitBrain
			}
			existing := r.state.Records[i]
			return &existing, nil
		}
	}

	rec := Record{
		CID:          params.CID,
		SHA256:       params.SHA256,
		MerkleRoot:   params.MerkleRoot,
		SourceFile:   params.SourceFile,
		SKU:          params.SKU,
		Size:         params.Size,
		RegisteredAt: time.Now().UTC(),
		Metadata:     params.Metadata,
	}
	hash, err := recordHash(rec)
	if err != nil {
		return nil, err
	}
	rec.RecordHash = hash

	r.state.Records = append(r.state.Records, rec)
	r.state.LastUpdated = rec.RegisteredAt
	if err := r.file.Write(&r.state); err != nil {
		return nil, err
	}
	if r.events != nil {
		details := map[string]string{"sku": rec.SKU, "sha256": rec.SHA256}
		if _, err := r.events.Append(EventCIDRegistered, "cid-registry", details, rec.RecordHash, rec.CID); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// LookupByCID returns the record for a CID.
func (r *Registry) LookupByCID(c string) (*Record, error) {
	return r.lookup(func(rec *Record) bool { return rec.CID == c })
}

// LookupBySHA256 returns the record for a SHA-256.
func (r *Registry) LookupBySHA256(h string) (*Record, error) {
	return r.lookup(func(rec *Record) bool { return rec.SHA256 == h })
}

// LookupBySKU returns the record for a SKU.
func (r *Registry) LookupBySKU(sku string) (*Record, error) {
	return r.lookup(func(rec *Record) bool { return rec.SKU == sku })
}

// Len returns the record count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.state.Records)
}

func (r *Registry) lookup(match func(*Record) bool) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.state.Records {
		if match(&r.state.Records[i]) {
			rec := r.state.Records[i]
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func recordHash(rec Record) (string, error) {
	return canonicalize.Hash(struct {
		CID          string `json:"cid"`
		SHA256       string `json:"sha256"`
		MerkleRoot   string `json:"merkleRoot"`
		SKU          string `json:"sku"`
		Size         int64  `json:"size"`
		RegisteredAt string `json:"registeredAt"`
	}{rec.CID, rec.SHA256, rec.MerkleRoot, rec.SKU, rec.Size, rec.RegisteredAt.UTC().Format(time.RFC3339)})
}

// CIDFromSHA256 derives a deterministic CIDv1 (raw codec, sha2-256) from an
// existing hex digest. This is the offline synthesis used when no
// content-addressed node is reachable.
func CIDFromSHA256(hexDigest string) (string, error) {
	if len(hexDigest) != 64 {
		return "", fmt.Errorf("cidregistry: sha256 must be 64 hex chars, got %d", len(hexDigest))
	}
	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("cidregistry: parse sha256: %w", err)
	}
	encoded, err := mh.Encode(digest, mh.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("cidregistry: multihash encode: %w", err)
	}
	return cid.NewCidV1(cid.Raw, encoded).String(), nil
}

// CIDFromBytes derives a CIDv1 (raw codec, sha2-256) directly from content.
func CIDFromBytes(data []byte) (string, error) {
	encoded, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("cidregistry: multihash sum: %w", err)
	}
	return cid.NewCidV1(cid.Raw, encoded).String(), nil
}
