// Package lifecycle is the authoritative per-document state machine. Every
// transformation of a document appends a transition carrying the new content
// hash, advances the stage along a fixed ordering, and re-derives the
// record's self-integrity hash.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/cidregistry"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const RegistryFile = "lifecycle-registry.json"

// Stage is a lifecycle stage. Order is fixed; transitions never regress.
type Stage string

const (
	StageIngested           Stage = "ingested"
	StageParsed             Stage = "parsed"
	StageCanonicalized      Stage = "canonicalized"
	StageComplianceInjected Stage = "compliance-injected"
	StageSigned             Stage = "signed"
	StageEncrypted          Stage = "encrypted"
	StageAnchored           Stage = "anchored"
	StageRegistered         Stage = "registered"
	StageArchived           Stage = "archived"
	StageSuperseded         Stage = "superseded"
)

// stageOrder is the fixed stage table consulted on every transition.
var stageOrder = map[Stage]int{
	StageIngested:           0,
	StageParsed:             1,
	StageCanonicalized:      2,
	StageComplianceInjected: 3,
	StageSigned:             4,
	StageEncrypted:          5,
	StageAnchored:           6,
	StageRegistered:         7,
	StageArchived:           8,
	StageSuperseded:         9,
}

var (
	ErrNotFound     = errors.New("lifecycle: document not found")
	ErrUnknownStage = errors.New("lifecycle: unknown stage")
	// ErrStageRegression is returned when a transition would move a document
	// backwards along the stage ordering.
	ErrStageRegression = errors.New("lifecycle: stage regression")
)

// Transition is one recorded state change.
type Transition struct {
	Stage       Stage             `json:"stage"`
	ContentHash string            `json:"contentHash"`
	CID         string            `json:"cid,omitempty"`
	LedgerTx    string            `json:"ledgerTx,omitempty"`
	Chain       string            `json:"chain,omitempty"`
	BlockHeight int64             `json:"blockHeight,omitempty"`
	Actor       string            `json:"actor"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Record is a document's identity across its life.
type Record struct {
	DocumentID       string       `json:"documentId"`
	SKU              string       `json:"sku"`
	Title            string       `json:"title"`
	SourceFile       string       `json:"sourceFile"`
	CurrentStage     Stage        `json:"currentStage"`
	Version          int          `json:"version"`
	DraftHash        string       `json:"draftHash"`
	ComplianceHash   string       `json:"complianceHash,omitempty"`
	SignedHash       string       `json:"signedHash,omitempty"`
	CanonicalHash    string       `json:"canonicalHash,omitempty"`
	MerkleRoot       string       `json:"merkleRoot,omitempty"`
	PlainCID         string       `json:"plainCid,omitempty"`
	EncryptedCID     string       `json:"encryptedCid,omitempty"`
	LedgerTx         string       `json:"ledgerTx,omitempty"`
	LedgerChain      string       `json:"ledgerChain,omitempty"`
	BlockHeight      int64        `json:"blockHeight,omitempty"`
	CertificateHash  string       `json:"certificateHash,omitempty"`
	PredecessorID    string       `json:"predecessorId,omitempty"`
	PredecessorHash  string       `json:"predecessorHash,omitempty"`
	Transitions      []Transition `json:"transitions"`
	CreatedAt        time.Time    `json:"createdAt"`
	LastTransitionAt time.Time    `json:"lastTransitionAt"`
	RecordHash       string       `json:"recordHash"`
}

// AdvancePayload carries the artifacts of a stage transition.
type AdvancePayload struct {
	ContentHash     string
	CID             string
	LedgerTx        string
	Chain           string
	BlockHeight     int64
	CertificateHash string
	Actor           string
	Evidence        map[string]string
}

// IntegrityReport is the result of the five-way deep verification.
type IntegrityReport struct {
	Valid                 bool     `json:"valid"`
	RecordHashValid       bool     `json:"recordHashValid"`
	StageChainValid       bool     `json:"stageChainValid"`
	HashContinuityValid   bool     `json:"hashContinuityValid"`
	CIDConsistencyValid   bool     `json:"cidConsistencyValid"`
	SignatureBindingValid bool     `json:"signatureBindingValid"`
	Issues                []string `json:"issues"`
}

type registryState struct {
	Engine      string    `json:"engine"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
	Records     []Record  `json:"records"`
}

// Registry owns lifecycle records.
type Registry struct {
	mu     sync.RWMutex
	file   *store.File
	state  registryState
	clock  func() time.Time
	events *cidregistry.EventLog
}

// NewRegistry loads or creates the registry under dataDir.
func NewRegistry(dataDir string) (*Registry, error) {
	r := &Registry{
		file:  store.NewFile(dataDir, RegistryFile),
		clock: time.Now,
	}
	found, err := r.file.Load(&r.state)
	if err != nil {
		return nil, err
	}
	if !found {
		r.state = registryState{
			Engine:    "doc-intelligence-engine",
			Version:   "1.0.0",
			CreatedAt: time.Now().UTC(),
		}
	}
	return r, nil
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithEventLog chains every creation and stage advance onto the global event
// log.
func (r *Registry) WithEventLog(ev *cidregistry.EventLog) *Registry {
	r.events = ev
	return r
}

// CreateParams parameterizes lifecycle creation.
type CreateParams struct {
	DocumentID        string
	SKU               string
	SourceFile        string
	Title             string
	DraftHash         string
	CanonicalHash     string
	MerkleRoot        string
	Actor             string
	PreviousVersionID string
}

// CreateLifecycle registers a document at stage ingested. Idempotent on
// document id: an existing record is returned unchanged.
func (r *Registry) CreateLifecycle(params CreateParams) (*Record, error) {
	if params.DocumentID == "" || params.DraftHash == "" {
		return nil, fmt.Errorf("lifecycle: documentId and draftHash are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.record(params.DocumentID); existing != nil {
		rec := *existing
		return &rec, nil
	}

	now := r.clock().UTC()
	version := 1
	var predHash string
	if params.PreviousVersionID != "" {
		if pred := r.record(params.PreviousVersionID); pred != nil {
			version = pred.Version + 1
			predHash = pred.RecordHash
		}
	}

	rec := Record{
		DocumentID:    params.DocumentID,
		SKU:           params.SKU,
		Title:         params.Title,
		SourceFile:    params.SourceFile,
		CurrentStage:  StageIngested,
		Version:       version,
		DraftHash:     params.DraftHash,
		CanonicalHash: params.CanonicalHash,
		MerkleRoot:    params.MerkleRoot,
		PredecessorID: params.PreviousVersionID,
		Transitions: []Transition{{
			Stage:       StageIngested,
			ContentHash: params.DraftHash,
			Actor:       params.Actor,
			Timestamp:   now,
		}},
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	rec.PredecessorHash = predHash

	hash, err := selfHash(&rec)
	if err != nil {
		return nil, err
	}
	rec.RecordHash = hash

	r.state.Records = append(r.state.Records, rec)
	r.state.LastUpdated = now
	if err := r.file.Write(&r.state); err != nil {
		return nil, err
	}
	if r.events != nil {
		details := map[string]string{"documentId": rec.DocumentID, "sku": rec.SKU, "stage": string(rec.CurrentStage)}
		if _, err := r.events.Append(cidregistry.EventLifecycleCreated, params.Actor, details, rec.RecordHash, ""); err != nil {
			return nil, err
		}
	}
	out := rec
	return &out, nil
}

// AdvanceStage appends a transition and updates the record's stage-specific
// top-level fields. Unknown documents are an error; callers create first.
func (r *Registry) AdvanceStage(docID string, target Stage, payload AdvancePayload) (*Record, error) {
	targetIdx, ok := stageOrder[target]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.record(docID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	if targetIdx < stageOrder[rec.CurrentStage] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrStageRegression, rec.CurrentStage, target)
	}

	now := r.clock().UTC()
	if now.Before(rec.LastTransitionAt) {
		now = rec.LastTransitionAt
	}

	rec.Transitions = append(rec.Transitions, Transition{
		Stage:       target,
		ContentHash: payload.ContentHash,
		CID:         payload.CID,
		LedgerTx:    payload.LedgerTx,
		Chain:       payload.Chain,
		BlockHeight: payload.BlockHeight,
		Actor:       payload.Actor,
		Evidence:    payload.Evidence,
		Timestamp:   now,
	})
	rec.CurrentStage = target
	rec.LastTransitionAt = now

	switch target {
	case StageCanonicalized:
		rec.CanonicalHash = payload.ContentHash
	case StageComplianceInjected:
		rec.ComplianceHash = payload.ContentHash
	case StageSigned:
		rec.SignedHash = payload.ContentHash
		if payload.CertificateHash != "" {
			rec.CertificateHash = payload.CertificateHash
		}
	case StageEncrypted:
		rec.EncryptedCID = payload.CID
	case StageAnchored:
		rec.LedgerTx = payload.LedgerTx
		rec.LedgerChain = payload.Chain
		rec.BlockHeight = payload.BlockHeight
	case StageRegistered:
		rec.PlainCID = payload.CID
	}

	hash, err := selfHash(rec)
	if err != nil {
		return nil, err
	}
	rec.RecordHash = hash

	r.state.LastUpdated = now
	if err := r.file.Write(&r.state); err != nil {
		return nil, err
	}
	if r.events != nil {
		details := map[string]string{"documentId": rec.DocumentID, "stage": string(target)}
		if _, err := r.events.Append(cidregistry.EventStageAdvanced, payload.Actor, details, rec.RecordHash, payload.CID); err != nil {
			return nil, err
		}
	}
	out := *rec
	return &out, nil
}

// GetLifecycle returns a document's record.
func (r *Registry) GetLifecycle(docID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.record(docID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	out := *rec
	return &out, nil
}

// GetLifecycleBySKU returns the record carrying a SKU.
func (r *Registry) GetLifecycleBySKU(sku string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.state.Records {
		if r.state.Records[i].SKU == sku {
			out := r.state.Records[i]
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: sku %s", ErrNotFound, sku)
}

// GetVersionChain walks the predecessor chain leaves-first, starting at the
// given document.
func (r *Registry) GetVersionChain(docID string) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chain []Record
	seen := make(map[string]bool)
	cur := r.record(docID)
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	for cur != nil && !seen[cur.DocumentID] {
		seen[cur.DocumentID] = true
		chain = append(chain, *cur)
		if cur.PredecessorID == "" {
			break
		}
		cur = r.record(cur.PredecessorID)
	}
	return chain, nil
}

// List returns all records.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.state.Records))
	copy(out, r.state.Records)
	return out
}

// Count returns the number of tracked documents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.state.Records)
}

// VerifyIntegrity runs the five-way deep check. Failures are reported, never
// repaired, and never block reads.
func (r *Registry) VerifyIntegrity(docID string) (*IntegrityReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec := r.record(docID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}

	report := &IntegrityReport{
		RecordHashValid:       true,
		StageChainValid:       true,
		HashContinuityValid:   true,
		CIDConsistencyValid:   true,
		SignatureBindingValid: true,
	}
	flag := func(field *bool, format string, args ...interface{}) {
		*field = false
		report.Issues = append(report.Issues, fmt.Sprintf(format, args...))
	}

	// (a) record hash matches recomputation
	computed, err := selfHash(rec)
	if err != nil {
		return nil, err
	}
	if computed != rec.RecordHash {
		flag(&report.RecordHashValid, "record hash mismatch: stored %s, recomputed %s", rec.RecordHash, computed)
	}

	// (b) stage order + timestamp monotonicity
	prevIdx := -1
	var prevTS time.Time
	for i, tr := range rec.Transitions {
		idx, ok := stageOrder[tr.Stage]
		if !ok {
			flag(&report.StageChainValid, "transition %d has unknown stage %q", i, tr.Stage)
			continue
		}
		if idx < prevIdx {
			flag(&report.StageChainValid, "transition %d regresses from index %d to %d", i, prevIdx, idx)
		}
		if i > 0 && tr.Timestamp.Before(prevTS) {
			flag(&report.StageChainValid, "transition %d timestamp precedes its predecessor", i)
		}
		prevIdx, prevTS = idx, tr.Timestamp
	}
	if n := len(rec.Transitions); n > 0 && rec.CurrentStage != rec.Transitions[n-1].Stage {
		flag(&report.StageChainValid, "currentStage %s does not match last transition %s", rec.CurrentStage, rec.Transitions[n-1].Stage)
	}

	// (c) hash continuity
	if len(rec.Transitions) == 0 {
		flag(&report.HashContinuityValid, "record has no transitions")
	} else {
		if rec.Transitions[0].ContentHash != rec.DraftHash {
			flag(&report.HashContinuityValid, "first transition content hash does not equal draft hash")
		}
		for i, tr := range rec.Transitions {
			if tr.ContentHash == "" {
				flag(&report.HashContinuityValid, "transition %d (%s) is missing a content hash", i, tr.Stage)
			}
		}
		if rec.SignedHash != "" && !hasStage(rec, StageSigned) {
			flag(&report.HashContinuityValid, "signedHash set without a signed transition")
		}
	}

	// (d) CID consistency
	if rec.PlainCID != "" {
		found := false
		for _, tr := range rec.Transitions {
			if tr.CID == rec.PlainCID {
				found = true
				break
			}
		}
		if !found {
			flag(&report.CIDConsistencyValid, "plainCid %s is not referenced by any transition", rec.PlainCID)
		}
	}
	if rec.EncryptedCID != "" && rec.EncryptedCID == rec.PlainCID {
		flag(&report.CIDConsistencyValid, "encryptedCid equals plainCid")
	}
	if rec.LedgerTx != "" && !hasStage(rec, StageAnchored) {
		flag(&report.CIDConsistencyValid, "ledgerTx set without an anchored transition")
	}

	// (e) signature-certificate binding
	if rec.CertificateHash != "" && rec.SignedHash == "" {
		flag(&report.SignatureBindingValid, "certificateHash set without a signedHash")
	}

	report.Valid = report.RecordHashValid && report.StageChainValid &&
		report.HashContinuityValid && report.CIDConsistencyValid && report.SignatureBindingValid
	return report, nil
}

func hasStage(rec *Record, stage Stage) bool {
	for _, tr := range rec.Transitions {
		if tr.Stage == stage {
			return true
		}
	}
	return false
}

func (r *Registry) record(docID string) *Record {
	for i := range r.state.Records {
		if r.state.Records[i].DocumentID == docID {
			return &r.state.Records[i]
		}
	}
	return nil
}

// selfHash derives the record's integrity hash from its identity, draft hash,
// and the (stage, contentHash, timestamp) triple of every transition.
func selfHash(rec *Record) (string, error) {
	type hashTransition struct {
		Stage       Stage  `json:"stage"`
		ContentHash string `json:"contentHash"`
		Timestamp   string `json:"timestamp"`
	}
	transitions := make([]hashTransition, len(rec.Transitions))
	for i, tr := range rec.Transitions {
		transitions[i] = hashTransition{tr.Stage, tr.ContentHash, tr.Timestamp.UTC().Format(time.RFC3339)}
	}
	return canonicalize.Hash(struct {
		DocumentID  string           `json:"documentId"`
		SKU         string           `json:"sku"`
		Version     int              `json:"version"`
		DraftHash   string           `json:"draftHash"`
		Transitions []hashTransition `json:"transitions"`
	}{rec.DocumentID, rec.SKU, rec.Version, rec.DraftHash, transitions})
}
