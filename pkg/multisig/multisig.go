// Package multisig collects threshold signatures around a document without
// the per-signer URL machinery of a signing session. Each accepted signature
// folds into the evolving document hash, so the workflow carries a continuous
// combined-hash chain from the original content to the final state.
package multisig

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const StoreFile = "multisig-workflows.json"

// Status is a workflow state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusPartial      Status = "partial"
	StatusThresholdMet Status = "threshold-met"
	StatusFinalized    Status = "finalized"
	StatusExpired      Status = "expired"
	StatusRejected     Status = "rejected"
	StatusCancelled    Status = "cancelled"
)

var (
	ErrNotFound         = errors.New("multisig: workflow not found")
	ErrWorkflowClosed   = errors.New("multisig: workflow closed")
	ErrDuplicateSigner  = errors.New("multisig: already signed")
	ErrTimestampRegress = errors.New("multisig: signature timestamp precedes last activity")
	ErrBelowThreshold   = errors.New("multisig: threshold not met")
)

// Counterparty is one invited signer.
type Counterparty struct {
	Email           string     `json:"email"`
	Name            string     `json:"name,omitempty"`
	Role            string     `json:"role,omitempty"`
	SignatureType   string     `json:"signatureType,omitempty"`
	Required        bool       `json:"required"`
	InvitedAt       time.Time  `json:"invitedAt"`
	Signed          bool       `json:"signed"`
	SignedAt        *time.Time `json:"signedAt,omitempty"`
	Rejected        bool       `json:"rejected"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
}

// Workflow is one threshold collection.
type Workflow struct {
	WorkflowID          string                      `json:"workflowId"`
	DocumentID          string                      `json:"documentId"`
	DocumentHash        string                      `json:"documentHash"`
	CurrentDocumentHash string                      `json:"currentDocumentHash"`
	SKU                 string                      `json:"sku,omitempty"`
	Initiator           string                      `json:"initiator"`
	Threshold           int                         `json:"threshold"`
	RequireAll          bool                        `json:"requireAll"`
	Ordering            string                      `json:"ordering"`
	Deadline            *time.Time                  `json:"deadline,omitempty"`
	Counterparties      []Counterparty              `json:"counterparties"`
	Signatures          map[string]crypto.Signature `json:"signatures"`
	SignatureCount      int                         `json:"signatureCount"`
	Status              Status                      `json:"status"`
	ThresholdMet        bool                        `json:"thresholdMet"`
	CreatedAt           time.Time                   `json:"createdAt"`
	LastActivityAt      time.Time                   `json:"lastActivityAt"`
	FinalizedAt         *time.Time                  `json:"finalizedAt,omitempty"`
	WorkflowHash        string                      `json:"workflowHash"`
}

// CounterpartyParams describes one invitee at creation.
type CounterpartyParams struct {
	Email         string
	Name          string
	Role          string
	SignatureType string
	Required      *bool
}

// CreateParams parameterizes workflow creation.
type CreateParams struct {
	DocumentID         string
	DocumentHash       string
	SKU                string
	Initiator          string
	RequiredSignatures int
	Counterparties     []CounterpartyParams
	RequireAll         bool
	Ordering           string
	Deadline           *time.Time
	InitiatorCounts    bool
}

// SignatureParams parameterizes an addSignature call.
type SignatureParams struct {
	Signer            crypto.SignerIdentity
	MerkleRoot        string
	SignedAt          time.Time
	DeviceFingerprint string
	Platform          string
}

// Certificate is the finalization artifact.
type Certificate struct {
	CertificateID   string              `json:"certificateId"`
	WorkflowID      string              `json:"workflowId"`
	DocumentID      string              `json:"documentId"`
	DocumentHash    string              `json:"documentHash"`
	FinalHash       string              `json:"finalHash"`
	Threshold       int                 `json:"threshold"`
	Signers         []CertificateSigner `json:"signers"`
	FinalizedAt     time.Time           `json:"finalizedAt"`
	CertificateHash string              `json:"certificateHash"`
}

// CertificateSigner is one certificate line, ordered by signing time.
type CertificateSigner struct {
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Role          string    `json:"role,omitempty"`
	SignatureType string    `json:"signatureType"`
	SignatureHash string    `json:"signatureHash"`
	SignedAt      time.Time `json:"signedAt"`
}

// ChainReport is the result of verifying a workflow's signature chain.
type ChainReport struct {
	WorkflowID string   `json:"workflowId"`
	Signatures int      `json:"signatures"`
	Valid      bool     `json:"valid"`
	Issues     []string `json:"issues,omitempty"`
}

type workflowState struct {
	Engine    string     `json:"engine"`
	Version   string     `json:"version"`
	Workflows []Workflow `json:"workflows"`
}

// Engine owns the workflow store.
type Engine struct {
	mu    sync.RWMutex
	file  *store.File
	state workflowState
	clock func() time.Time
}

// NewEngine loads or creates the workflow store under dataDir.
func NewEngine(dataDir string) (*Engine, error) {
	e := &Engine{
		file:  store.NewFile(dataDir, StoreFile),
		clock: time.Now,
	}
	found, err := e.file.Load(&e.state)
	if err != nil {
		return nil, err
	}
	if !found {
		e.state = workflowState{Engine: "doc-intelligence-engine", Version: "1.0.0"}
	}
	return e, nil
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// CreateWorkflow opens a threshold collection. InitiatorCounts prepends the
// initiator as a required counterparty.
func (e *Engine) CreateWorkflow(params CreateParams) (*Workflow, error) {
	if params.DocumentID == "" || params.DocumentHash == "" {
		return nil, fmt.Errorf("multisig: documentId and documentHash are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	var parties []Counterparty
	if params.InitiatorCounts {
		parties = append(parties, Counterparty{
			Email:         strings.ToLower(params.Initiator),
			Role:          "initiator",
			SignatureType: "author",
			Required:      true,
			InvitedAt:     now,
		})
	}
	for _, cp := range params.Counterparties {
		if cp.Email == "" {
			return nil, fmt.Errorf("multisig: counterparty email is required")
		}
		required := true
		if cp.Required != nil {
			required = *cp.Required
		}
		sigType := cp.SignatureType
		if sigType == "" {
			sigType = "counterparty"
		}
		parties = append(parties, Counterparty{
			Email:         strings.ToLower(cp.Email),
			Name:          cp.Name,
			Role:          cp.Role,
			SignatureType: sigType,
			Required:      required,
			InvitedAt:     now,
		})
	}
	if len(parties) == 0 {
		return nil, fmt.Errorf("multisig: at least one counterparty is required")
	}

	threshold := params.RequiredSignatures
	if threshold < 1 {
		return nil, fmt.Errorf("multisig: threshold must be at least 1")
	}
	if threshold > len(parties) {
		return nil, fmt.Errorf("multisig: threshold %d exceeds %d possible signers", threshold, len(parties))
	}
	ordering := params.Ordering
	if ordering == "" {
		ordering = "any"
	}
	if ordering != "any" && ordering != "strict" {
		return nil, fmt.Errorf("multisig: unknown ordering %q", ordering)
	}

	id, err := crypto.NewID()
	if err != nil {
		return nil, err
	}
	wf := Workflow{
		WorkflowID:          "wfl-" + id,
		DocumentID:          params.DocumentID,
		DocumentHash:        params.DocumentHash,
		CurrentDocumentHash: params.DocumentHash,
		SKU:                 params.SKU,
		Initiator:           params.Initiator,
		Threshold:           threshold,
		RequireAll:          params.RequireAll,
		Ordering:            ordering,
		Deadline:            params.Deadline,
		Counterparties:      parties,
		Signatures:          make(map[string]crypto.Signature),
		Status:              StatusPending,
		CreatedAt:           now,
		LastActivityAt:      now,
	}
	wf.WorkflowHash = selfHash(&wf)

	e.state.Workflows = append(e.state.Workflows, wf)
	if err := e.file.Write(&e.state); err != nil {
		return nil, err
	}
	out := wf
	return &out, nil
}

// GetWorkflow returns a workflow copy by id.
func (e *Engine) GetWorkflow(workflowID string) (*Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	wf := e.find(workflowID)
	if wf == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	out := *wf
	return &out, nil
}

// WorkflowsForDocument returns copies of every workflow over a document, in
// creation order.
func (e *Engine) WorkflowsForDocument(documentID string) []Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Workflow
	for i := range e.state.Workflows {
		if e.state.Workflows[i].DocumentID == documentID {
			out = append(out, e.state.Workflows[i])
		}
	}
	return out
}

// AddSignature builds a canonical signature over the workflow's current
// document hash and folds it into the chain. The signing timestamp must not
// precede the workflow's last activity.
func (e *Engine) AddSignature(workflowID string, params SignatureParams) (*crypto.Signature, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf := e.find(workflowID)
	if wf == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	switch wf.Status {
	case StatusFinalized, StatusCancelled, StatusExpired, StatusRejected:
		return nil, fmt.Errorf("%w: status %s", ErrWorkflowClosed, wf.Status)
	}

	now := e.clock().UTC()
	if wf.Deadline != nil && now.After(*wf.Deadline) {
		wf.Status = StatusExpired
		wf.WorkflowHash = selfHash(wf)
		_ = e.file.Write(&e.state)
		return nil, fmt.Errorf("%w: deadline passed", ErrWorkflowClosed)
	}

	email := strings.ToLower(params.Signer.Email)
	party := wf.counterparty(email)
	if party == nil {
		return nil, fmt.Errorf("multisig: %s is not a counterparty", email)
	}
	if _, dup := wf.Signatures[email]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSigner, email)
	}
	if party.Rejected {
		return nil, fmt.Errorf("multisig: %s already rejected", email)
	}
	if wf.Ordering == "strict" {
		for i := range wf.Counterparties {
			cp := &wf.Counterparties[i]
			if !cp.Required || cp.Signed {
				continue
			}
			if cp.Email != email {
				return nil, fmt.Errorf("Strict ordering: %s must sign first", cp.Email)
			}
			break
		}
	}

	signedAt := params.SignedAt
	if signedAt.IsZero() {
		signedAt = now
	}
	signedAt = signedAt.UTC()
	if signedAt.Before(wf.LastActivityAt) {
		return nil, fmt.Errorf("%w: %s < %s", ErrTimestampRegress,
			crypto.Timestamp(signedAt), crypto.Timestamp(wf.LastActivityAt))
	}

	prevSigHash := ""
	if last := wf.lastSignature(); last != nil {
		prevSigHash = last.SignatureHash
	}
	sig, err := crypto.NewSignature(
		params.Signer,
		wf.CurrentDocumentHash,
		params.MerkleRoot,
		signedAt,
		params.DeviceFingerprint,
		params.Platform,
		prevSigHash,
		wf.SignatureCount+1,
	)
	if err != nil {
		return nil, err
	}

	wf.Signatures[email] = sig
	wf.SignatureCount++
	wf.CurrentDocumentHash = sig.CombinedHash
	wf.LastActivityAt = signedAt
	party.Signed = true
	party.SignedAt = &signedAt

	e.recomputeStatus(wf, now)
	wf.WorkflowHash = selfHash(wf)
	if err := e.file.Write(&e.state); err != nil {
		return nil, err
	}
	out := sig
	return &out, nil
}

// RejectSignature records a refusal. A required counterparty's rejection
// closes the whole workflow.
func (e *Engine) RejectSignature(workflowID, email, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf := e.find(workflowID)
	if wf == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	switch wf.Status {
	case StatusFinalized, StatusCancelled, StatusExpired, StatusRejected:
		return fmt.Errorf("%w: status %s", ErrWorkflowClosed, wf.Status)
	}

	email = strings.ToLower(email)
	party := wf.counterparty(email)
	if party == nil {
		return fmt.Errorf("multisig: %s is not a counterparty", email)
	}
	if party.Signed {
		return fmt.Errorf("multisig: %s already signed", email)
	}

	now := e.clock().UTC()
	party.Rejected = true
	party.RejectedAt = &now
	party.RejectionReason = reason
	wf.LastActivityAt = now
	if party.Required {
		wf.Status = StatusRejected
	}
	wf.WorkflowHash = selfHash(wf)
	return e.file.Write(&e.state)
}

// Cancel withdraws an open workflow. Closed workflows stay closed.
func (e *Engine) Cancel(workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf := e.find(workflowID)
	if wf == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	switch wf.Status {
	case StatusFinalized, StatusCancelled, StatusExpired, StatusRejected:
		return fmt.Errorf("%w: status %s", ErrWorkflowClosed, wf.Status)
	}

	wf.Status = StatusCancelled
	wf.LastActivityAt = e.clock().UTC()
	wf.WorkflowHash = selfHash(wf)
	return e.file.Write(&e.state)
}

// Finalize closes a threshold-met workflow. Calling it twice is harmless.
func (e *Engine) Finalize(workflowID string) (*Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf := e.find(workflowID)
	if wf == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if wf.Status == StatusFinalized {
		out := *wf
		return &out, nil
	}
	if !wf.ThresholdMet {
		return nil, fmt.Errorf("%w: %d of %d", ErrBelowThreshold, wf.SignatureCount, wf.Threshold)
	}
	now := e.clock().UTC()
	wf.Status = StatusFinalized
	wf.FinalizedAt = &now
	wf.WorkflowHash = selfHash(wf)
	if err := e.file.Write(&e.state); err != nil {
		return nil, err
	}
	out := *wf
	return &out, nil
}

// ExportCertificate builds the finalization certificate. Signers appear in
// signing order and the certificate hash binds the full set.
func (e *Engine) ExportCertificate(workflowID string) (*Certificate, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	wf := e.find(workflowID)
	if wf == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if wf.Status != StatusFinalized || wf.FinalizedAt == nil {
		return nil, fmt.Errorf("multisig: workflow %s is not finalized", workflowID)
	}

	sigs := wf.sortedSignatures()
	signers := make([]CertificateSigner, 0, len(sigs))
	parts := []string{wf.DocumentID, wf.DocumentHash}
	for _, sig := range sigs {
		signers = append(signers, CertificateSigner{
			Name:          sig.SignerName,
			Email:         sig.SignerEmail,
			Role:          sig.SignerRole,
			SignatureType: sig.SignatureType,
			SignatureHash: sig.SignatureHash,
			SignedAt:      sig.SignedAt,
		})
		parts = append(parts, sig.SignerEmail+":"+sig.SignatureHash+":"+crypto.Timestamp(sig.SignedAt))
	}
	parts = append(parts, strconv.Itoa(wf.Threshold), crypto.Timestamp(*wf.FinalizedAt))

	certID, err := crypto.NewID()
	if err != nil {
		return nil, err
	}
	return &Certificate{
		CertificateID:   "crt-" + certID,
		WorkflowID:      wf.WorkflowID,
		DocumentID:      wf.DocumentID,
		DocumentHash:    wf.DocumentHash,
		FinalHash:       wf.CurrentDocumentHash,
		Threshold:       wf.Threshold,
		Signers:         signers,
		FinalizedAt:     *wf.FinalizedAt,
		CertificateHash: canonicalize.HashJoin(parts...),
	}, nil
}

// VerifyChain re-derives every signature and walks the combined-hash chain
// from the original document hash to the workflow's current hash.
func (e *Engine) VerifyChain(workflowID string) (*ChainReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	wf := e.find(workflowID)
	if wf == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}

	sigs := wf.sortedSignatures()
	report := &ChainReport{WorkflowID: wf.WorkflowID, Signatures: len(sigs), Valid: true}

	expectedDocHash := wf.DocumentHash
	expectedPrev := canonicalize.GenesisHash
	for i, sig := range sigs {
		if sig.Sequence != i+1 {
			report.Valid = false
			report.Issues = append(report.Issues, fmt.Sprintf("signature %d: sequence %d, expected %d", i+1, sig.Sequence, i+1))
		}
		if sig.DocumentHash != expectedDocHash {
			report.Valid = false
			report.Issues = append(report.Issues, fmt.Sprintf("signature %d: document hash does not continue the combined chain", i+1))
		}
		if sig.PreviousSignature != expectedPrev {
			report.Valid = false
			report.Issues = append(report.Issues, fmt.Sprintf("signature %d: previous signature hash does not link", i+1))
		}
		if !crypto.VerifySignature(sig) {
			report.Valid = false
			report.Issues = append(report.Issues, fmt.Sprintf("signature %d: hash does not match recomputation", i+1))
		}
		expectedDocHash = sig.CombinedHash
		expectedPrev = sig.SignatureHash
	}
	if len(sigs) > 0 && expectedDocHash != wf.CurrentDocumentHash {
		report.Valid = false
		report.Issues = append(report.Issues, "current document hash does not match chain head")
	}
	return report, nil
}

// Count returns the number of stored workflows.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.state.Workflows)
}

func (e *Engine) find(workflowID string) *Workflow {
	for i := range e.state.Workflows {
		if e.state.Workflows[i].WorkflowID == workflowID {
			return &e.state.Workflows[i]
		}
	}
	return nil
}

func (e *Engine) recomputeStatus(wf *Workflow, now time.Time) {
	requiredSigned := 0
	requiredTotal := 0
	for i := range wf.Counterparties {
		cp := &wf.Counterparties[i]
		if cp.Required {
			requiredTotal++
			if cp.Signed {
				requiredSigned++
			}
		}
	}
	wf.ThresholdMet = requiredSigned >= wf.Threshold

	switch {
	case wf.ThresholdMet && wf.RequireAll && requiredSigned == requiredTotal:
		wf.Status = StatusFinalized
		wf.FinalizedAt = &now
	case wf.ThresholdMet:
		wf.Status = StatusThresholdMet
	case wf.SignatureCount > 0:
		wf.Status = StatusPartial
	default:
		wf.Status = StatusPending
	}
}

func (wf *Workflow) counterparty(email string) *Counterparty {
	for i := range wf.Counterparties {
		if wf.Counterparties[i].Email == email {
			return &wf.Counterparties[i]
		}
	}
	return nil
}

// lastSignature returns the highest-sequence signature, or nil.
func (wf *Workflow) lastSignature() *crypto.Signature {
	var last *crypto.Signature
	for email := range wf.Signatures {
		sig := wf.Signatures[email]
		if last == nil || sig.Sequence > last.Sequence {
			s := sig
			last = &s
		}
	}
	return last
}

// sortedSignatures orders by signedAt, breaking ties by sequence.
func (wf *Workflow) sortedSignatures() []crypto.Signature {
	sigs := make([]crypto.Signature, 0, len(wf.Signatures))
	for _, sig := range wf.Signatures {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].SignedAt.Equal(sigs[j].SignedAt) {
			return sigs[i].Sequence < sigs[j].Sequence
		}
		return sigs[i].SignedAt.Before(sigs[j].SignedAt)
	})
	return sigs
}

// selfHash covers identity, threshold, count, the sorted signature tuples,
// and status.
func selfHash(wf *Workflow) string {
	tuples := make([]string, 0, len(wf.Signatures))
	for _, sig := range wf.Signatures {
		tuples = append(tuples, sig.SignerEmail+":"+sig.SignatureHash+":"+crypto.Timestamp(sig.SignedAt))
	}
	sort.Strings(tuples)

	parts := []string{
		wf.WorkflowID,
		wf.DocumentID,
		wf.DocumentHash,
		strconv.Itoa(wf.Threshold),
		strconv.Itoa(wf.SignatureCount),
	}
	parts = append(parts, tuples...)
	parts = append(parts, string(wf.Status))
	return canonicalize.HashJoin(parts...)
}
