// Package anchor writes document fingerprints to external ledgers through
// pluggable chain adapters and keeps a single global hash chain of every
// anchor across all documents.
package anchor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/cidregistry"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const (
	StoreFile = "ledger-anchors.json"

	EngineID        = "doc-intelligence-engine"
	ProtocolVersion = "sovereign-anchor-v1"
)

var (
	ErrNotFound     = errors.New("anchor: not found")
	ErrUnknownChain = errors.New("anchor: unknown chain")
	ErrNoChains     = errors.New("anchor: no chains given")
)

// Fingerprint is the document digest pair an anchor commits to.
type Fingerprint struct {
	SHA256     string `json:"sha256"`
	MerkleRoot string `json:"merkleRoot"`
}

// Memo is the deterministic payload embedded in the anchor transaction.
type Memo struct {
	Engine        string `json:"engine"`
	Protocol      string `json:"protocol"`
	SHA256        string `json:"sha256"`
	MerkleRoot    string `json:"merkleRoot"`
	CanonicalHash string `json:"canonicalHash,omitempty"`
	SKU           string `json:"sku,omitempty"`
	AnchoredAt    string `json:"anchoredAt"`
	MemoHash      string `json:"memoHash"`
}

// RedundantAnchor is a secondary-chain copy of a primary anchor.
type RedundantAnchor struct {
	Chain      string    `json:"chain"`
	TxHash     string    `json:"txHash"`
	CID        string    `json:"cid,omitempty"`
	AnchoredAt time.Time `json:"anchoredAt"`
}

// Record is one link in the global anchor chain.
type Record struct {
	AnchorID           string            `json:"anchorId"`
	DocumentID         string            `json:"documentId"`
	SKU                string            `json:"sku,omitempty"`
	Chain              string            `json:"chain"`
	TxHash             string            `json:"txHash"`
	CID                string            `json:"cid,omitempty"`
	Memo               Memo              `json:"memo"`
	Fingerprint        Fingerprint       `json:"fingerprint"`
	SignatureHash      string            `json:"signatureHash,omitempty"`
	EncryptedCID       string            `json:"encryptedCid,omitempty"`
	PreviousAnchorHash string            `json:"previousAnchorHash"`
	Sequence           int               `json:"sequence"`
	RecordHash         string            `json:"recordHash"`
	AnchoredAt         time.Time         `json:"anchoredAt"`
	RedundantAnchors   []RedundantAnchor `json:"redundantAnchors,omitempty"`
}

// AnchorParams parameterizes a single-chain anchor.
type AnchorParams struct {
	DocumentID    string
	Fingerprint   Fingerprint
	Chain         string
	SKU           string
	CanonicalHash string
	SignatureHash string
	EncryptedCID  string
}

// MultiChainParams anchors to a primary chain plus best-effort secondaries.
type MultiChainParams struct {
	AnchorParams
	Chains []string
}

// AnchorReport is the per-field verdict for one anchor.
type AnchorReport struct {
	AnchorID        string   `json:"anchorId"`
	Valid           bool     `json:"valid"`
	RecordHashValid bool     `json:"recordHashValid"`
	MemoHashValid   bool     `json:"memoHashValid"`
	LinkageValid    bool     `json:"linkageValid"`
	Issues          []string `json:"issues,omitempty"`
}

// ChainReport is the verdict for the whole anchor chain.
type ChainReport struct {
	Anchors int      `json:"anchors"`
	Valid   bool     `json:"valid"`
	Issues  []string `json:"issues,omitempty"`
}

type anchorState struct {
	Engine  string   `json:"engine"`
	Version string   `json:"version"`
	Anchors []Record `json:"anchors"`
}

// Engine owns the anchor store and the adapter set.
type Engine struct {
	mu       sync.RWMutex
	file     *store.File
	state    anchorState
	adapters map[string]Adapter
	clock    func() time.Time
	log      *slog.Logger
	events   *cidregistry.EventLog
}

// NewEngine loads or creates the anchor store under dataDir and registers the
// default adapter set.
func NewEngine(dataDir string) (*Engine, error) {
	e := &Engine{
		file:     store.NewFile(dataDir, StoreFile),
		adapters: make(map[string]Adapter),
		clock:    time.Now,
		log:      slog.Default(),
	}
	found, err := e.file.Load(&e.state)
	if err != nil {
		return nil, err
	}
	if !found {
		e.state = anchorState{Engine: EngineID, Version: "1.0.0"}
	}
	for _, a := range defaultAdapters() {
		e.adapters[a.Name()] = a
	}
	return e, nil
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithLogger replaces the default logger.
func (e *Engine) WithLogger(log *slog.Logger) *Engine {
	e.log = log
	return e
}

// WithEventLog chains every primary anchor onto the global event log.
func (e *Engine) WithEventLog(ev *cidregistry.EventLog) *Engine {
	e.events = ev
	return e
}

// RegisterAdapter adds or replaces a chain adapter.
func (e *Engine) RegisterAdapter(a Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[a.Name()] = a
}

// Anchor writes one anchor to one chain and appends it to the global chain.
// The chain submission runs with no lock held; the link into the chain is
// computed only once the transaction has come back.
func (e *Engine) Anchor(params AnchorParams) (*Record, error) {
	if params.DocumentID == "" || params.Fingerprint.SHA256 == "" {
		return nil, fmt.Errorf("anchor: documentId and fingerprint sha256 are required")
	}
	return e.anchor(params)
}

// AnchorMultiChain anchors to the first chain and then attempts each
// secondary, folding successes into the primary record. Secondary failures
// are logged and skipped. Like Anchor, every submission runs unlocked.
func (e *Engine) AnchorMultiChain(params MultiChainParams) (*Record, error) {
	if len(params.Chains) == 0 {
		return nil, ErrNoChains
	}

	primaryParams := params.AnchorParams
	primaryParams.Chain = params.Chains[0]
	primary, err := e.Anchor(primaryParams)
	if err != nil {
		return nil, err
	}

	var redundant []RedundantAnchor
	for _, chain := range params.Chains[1:] {
		adapter, err := e.adapter(chain)
		if err != nil {
			e.log.Warn("secondary anchor skipped", "chain", chain, "err", err)
			continue
		}
		txHash, cid, err := adapter.Submit(primary.Memo)
		if err != nil {
			e.log.Warn("secondary anchor failed", "chain", chain, "err", err)
			continue
		}
		redundant = append(redundant, RedundantAnchor{
			Chain:      chain,
			TxHash:     txHash,
			CID:        cid,
			AnchoredAt: e.clock().UTC(),
		})
	}
	if len(redundant) == 0 {
		return primary, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	stored := e.find(primary.AnchorID)
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, primary.AnchorID)
	}
	stored.RedundantAnchors = append(stored.RedundantAnchors, redundant...)
	if err := e.file.Write(&e.state); err != nil {
		return nil, err
	}
	out := *stored
	return &out, nil
}

// GetAnchor returns an anchor copy by id.
func (e *Engine) GetAnchor(anchorID string) (*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec := e.find(anchorID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, anchorID)
	}
	out := *rec
	return &out, nil
}

// AnchorsForDocument returns every anchor recorded for a document.
func (e *Engine) AnchorsForDocument(documentID string) []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Record
	for _, rec := range e.state.Anchors {
		if rec.DocumentID == documentID {
			out = append(out, rec)
		}
	}
	return out
}

// VerifyAnchor recomputes one anchor's memo and record hashes and checks its
// linkage into the global chain.
func (e *Engine) VerifyAnchor(anchorID string) (*AnchorReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var rec *Record
	var prev *Record
	for i := range e.state.Anchors {
		if e.state.Anchors[i].AnchorID == anchorID {
			rec = &e.state.Anchors[i]
			if i > 0 {
				prev = &e.state.Anchors[i-1]
			}
			break
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, anchorID)
	}

	report := &AnchorReport{AnchorID: anchorID, RecordHashValid: true, MemoHashValid: true, LinkageValid: true}

	if memoHash(rec.Memo) != rec.Memo.MemoHash {
		report.MemoHashValid = false
		report.Issues = append(report.Issues, "memo hash does not match recomputation")
	}
	computed, err := recordHash(*rec)
	if err != nil || computed != rec.RecordHash {
		report.RecordHashValid = false
		report.Issues = append(report.Issues, "record hash does not match recomputation")
	}
	expectedPrev := canonicalize.GenesisHash
	if prev != nil {
		expectedPrev = prev.RecordHash
	}
	if rec.PreviousAnchorHash != expectedPrev {
		report.LinkageValid = false
		report.Issues = append(report.Issues, "previous anchor hash does not link to predecessor")
	}
	report.Valid = report.RecordHashValid && report.MemoHashValid && report.LinkageValid
	return report, nil
}

// VerifyFullChain walks the entire anchor list.
func (e *Engine) VerifyFullChain() *ChainReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	report := &ChainReport{Anchors: len(e.state.Anchors), Valid: true}
	expectedPrev := canonicalize.GenesisHash
	for i, rec := range e.state.Anchors {
		if rec.Sequence != i+1 {
			report.Valid = false
			report.Issues = append(report.Issues, fmt.Sprintf("anchor %d: sequence %d, expected %d", i+1, rec.Sequence, i+1))
		}
		if rec.PreviousAnchorHash != expectedPrev {
			report.Valid = false
			report.Issues = append(report.Issues, fmt.Sprintf("anchor %d: previous hash does not link", i+1))
		}
		if memoHash(rec.Memo) != rec.Memo.MemoHash {
			report.Valid = false
			report.Issues = append(report.Issues, fmt.Sprintf("anchor %d: memo hash mismatch", i+1))
		}
		computed, err := recordHash(rec)
		if err != nil || computed != rec.RecordHash {
			report.Valid = false
			report.Issues = append(report.Issues, fmt.Sprintf("anchor %d: record hash mismatch", i+1))
		}
		expectedPrev = rec.RecordHash
	}
	return report
}

// Count returns the number of stored anchors.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.state.Anchors)
}

func (e *Engine) adapter(chain string) (Adapter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	return a, nil
}

func (e *Engine) anchor(params AnchorParams) (*Record, error) {
	chain := params.Chain
	if chain == "" {
		chain = "xrpl"
	}
	adapter, err := e.adapter(chain)
	if err != nil {
		return nil, err
	}

	now := e.clock().UTC()
	memo := Memo{
		Engine:        EngineID,
		Protocol:      ProtocolVersion,
		SHA256:        params.Fingerprint.SHA256,
		MerkleRoot:    params.Fingerprint.MerkleRoot,
		CanonicalHash: params.CanonicalHash,
		SKU:           params.SKU,
		AnchoredAt:    now.Format(time.RFC3339),
	}
	memo.MemoHash = memoHash(memo)

	txHash, cid, err := adapter.Submit(memo)
	if err != nil {
		return nil, fmt.Errorf("anchor: chain %s: %w", chain, err)
	}

	id, err := crypto.NewID()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The chain head may have moved while the submission was in flight, so
	// the linkage fields are read from the head as it stands now.
	prevHash := canonicalize.GenesisHash
	if n := len(e.state.Anchors); n > 0 {
		prevHash = e.state.Anchors[n-1].RecordHash
	}
	rec := Record{
		AnchorID:           "anc-" + id,
		DocumentID:         params.DocumentID,
		SKU:                params.SKU,
		Chain:              chain,
		TxHash:             txHash,
		CID:                cid,
		Memo:               memo,
		Fingerprint:        params.Fingerprint,
		SignatureHash:      params.SignatureHash,
		EncryptedCID:       params.EncryptedCID,
		PreviousAnchorHash: prevHash,
		Sequence:           len(e.state.Anchors) + 1,
		AnchoredAt:         now,
	}
	rec.RecordHash, err = recordHash(rec)
	if err != nil {
		return nil, err
	}

	e.state.Anchors = append(e.state.Anchors, rec)
	if err := e.file.Write(&e.state); err != nil {
		return nil, err
	}
	if e.events != nil {
		details := map[string]string{"documentId": rec.DocumentID, "chain": rec.Chain, "txHash": rec.TxHash}
		if _, err := e.events.Append(cidregistry.EventLedgerAnchored, "anchor-engine", details, rec.RecordHash, rec.CID); err != nil {
			return nil, err
		}
	}
	out := rec
	return &out, nil
}

func (e *Engine) find(anchorID string) *Record {
	for i := range e.state.Anchors {
		if e.state.Anchors[i].AnchorID == anchorID {
			return &e.state.Anchors[i]
		}
	}
	return nil
}

// memoHash is the SHA-256 of the sorted-key pipe-joined memo body. The memo
// hash field itself is excluded.
func memoHash(m Memo) string {
	fields := map[string]string{
		"engine":     m.Engine,
		"protocol":   m.Protocol,
		"sha256":     m.SHA256,
		"merkleRoot": m.MerkleRoot,
		"anchoredAt": m.AnchoredAt,
	}
	if m.CanonicalHash != "" {
		fields["canonicalHash"] = m.CanonicalHash
	}
	if m.SKU != "" {
		fields["sku"] = m.SKU
	}
	return canonicalize.PipeJoinHash(fields)
}

// recordHash covers the fixed field set in fixed order. The redundant anchor
// list is excluded so secondary additions do not rewrite the chain.
func recordHash(r Record) (string, error) {
	return canonicalize.Hash(struct {
		AnchorID           string `json:"anchorId"`
		DocumentID         string `json:"documentId"`
		SKU                string `json:"sku"`
		Chain              string `json:"chain"`
		TxHash             string `json:"txHash"`
		CID                string `json:"cid"`
		MemoHash           string `json:"memoHash"`
		SHA256             string `json:"sha256"`
		MerkleRoot         string `json:"merkleRoot"`
		SignatureHash      string `json:"signatureHash"`
		EncryptedCID       string `json:"encryptedCid"`
		PreviousAnchorHash string `json:"previousAnchorHash"`
		Sequence           int    `json:"sequence"`
		AnchoredAt         string `json:"anchoredAt"`
	}{
		r.AnchorID, r.DocumentID, r.SKU, r.Chain, r.TxHash, r.CID,
		r.Memo.MemoHash, r.Fingerprint.SHA256, r.Fingerprint.MerkleRoot,
		r.SignatureHash, r.EncryptedCID, r.PreviousAnchorHash, r.Sequence,
		r.AnchoredAt.UTC().Format(time.RFC3339),
	})
}
