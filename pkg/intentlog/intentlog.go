// Package intentlog records every signer action as a link in a per-(session,
// signer) hash chain. The chains are the forensic backbone of a signing
// session: a record that cannot be re-derived from its predecessors is
// evidence of tampering by construction.
package intentlog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const LogFile = "intent-log.json"

// Action is a forensic action category.
type Action string

const (
	ActionSessionViewed      Action = "session-viewed"
	ActionDocumentViewed     Action = "document-viewed"
	ActionSectionInitialed   Action = "section-initialed"
	ActionSignatureSubmitted Action = "signature-submitted"
	ActionConsentGiven       Action = "consent-given"
	ActionConsentRevoked     Action = "consent-revoked"
	ActionOTPRequested       Action = "otp-requested"
	ActionOTPVerified        Action = "otp-verified"
	ActionOTPFailed          Action = "otp-failed"
	ActionRejectionSubmitted Action = "rejection-submitted"
	ActionLinkAccessed       Action = "link-accessed"
	ActionPageScrolled       Action = "page-scrolled"
	ActionDownloadRequested  Action = "download-requested"
)

// DeviceEvidence captures what is knowable about the signer's client.
type DeviceEvidence struct {
	UserAgent         string `json:"userAgent,omitempty"`
	Client            string `json:"client,omitempty"`
	OS                string `json:"os,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	Platform          string `json:"platform,omitempty"`
	Language          string `json:"language,omitempty"`
}

// ConsentEvidence captures the consent text and the moment it was accepted.
type ConsentEvidence struct {
	Text      string    `json:"text"`
	Method    string    `json:"method"`
	Scope     string    `json:"scope,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is a single forensic action log entry.
type Record struct {
	RecordID           string            `json:"recordId"`
	SessionID          string            `json:"sessionId"`
	DocumentID         string            `json:"documentId,omitempty"`
	SignerID           string            `json:"signerId"`
	SignerEmail        string            `json:"signerEmail,omitempty"`
	SignerName         string            `json:"signerName,omitempty"`
	Action             Action            `json:"action"`
	Timestamp          time.Time         `json:"timestamp"`
	IPAddress          string            `json:"ipAddress,omitempty"`
	Device             DeviceEvidence    `json:"device"`
	Consent            *ConsentEvidence  `json:"consent,omitempty"`
	SectionID          string            `json:"sectionId,omitempty"`
	Context            map[string]string `json:"context,omitempty"`
	RecordHash         string            `json:"recordHash"`
	PreviousRecordHash string            `json:"previousRecordHash"`
	Sequence           int               `json:"sequence"`
}

// LogParams parameterizes an append.
type LogParams struct {
	SessionID   string
	DocumentID  string
	SignerID    string
	SignerEmail string
	SignerName  string
	Action      Action
	IPAddress   string
	Device      DeviceEvidence
	Consent     *ConsentEvidence
	SectionID   string
	Context     map[string]string
}

// ChainReport is the result of verifying one signer's subchain.
type ChainReport struct {
	SignerID string   `json:"signerId"`
	Records  int      `json:"records"`
	Valid    bool     `json:"valid"`
	Issues   []string `json:"issues,omitempty"`
}

type logState struct {
	Engine  string   `json:"engine"`
	Version string   `json:"version"`
	Records []Record `json:"records"`
}

// Logger owns the intent record store.
type Logger struct {
	mu    sync.RWMutex
	file  *store.File
	state logState
	clock func() time.Time
}

// NewLogger loads or creates the intent log under dataDir.
func NewLogger(dataDir string) (*Logger, error) {
	l := &Logger{
		file:  store.NewFile(dataDir, LogFile),
		clock: time.Now,
	}
	found, err := l.file.Load(&l.state)
	if err != nil {
		return nil, err
	}
	if !found {
		l.state = logState{Engine: "doc-intelligence-engine", Version: "1.0.0"}
	}
	return l, nil
}

// WithClock overrides the clock for testing.
func (l *Logger) WithClock(clock func() time.Time) *Logger {
	l.clock = clock
	return l
}

// Log appends a record to the (session, signer) subchain and persists.
func (l *Logger) Log(params LogParams) (*Record, error) {
	if params.SessionID == "" || params.SignerID == "" || params.Action == "" {
		return nil, fmt.Errorf("intentlog: sessionId, signerId, and action are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := canonicalize.GenesisHash
	sequence := 1
	for i := len(l.state.Records) - 1; i >= 0; i-- {
		r := &l.state.Records[i]
		if r.SessionID == params.SessionID && r.SignerID == params.SignerID {
			prevHash = r.RecordHash
			sequence = r.Sequence + 1
			break
		}
	}

	rec := Record{
		RecordID:           uuid.New().String(),
		SessionID:          params.SessionID,
		DocumentID:         params.DocumentID,
		SignerID:           params.SignerID,
		SignerEmail:        params.SignerEmail,
		SignerName:         params.SignerName,
		Action:             params.Action,
		Timestamp:          l.clock().UTC(),
		IPAddress:          params.IPAddress,
		Device:             params.Device,
		Consent:            params.Consent,
		SectionID:          params.SectionID,
		Context:            params.Context,
		PreviousRecordHash: prevHash,
		Sequence:           sequence,
	}
	hash, err := recordHash(rec)
	if err != nil {
		return nil, err
	}
	rec.RecordHash = hash

	l.state.Records = append(l.state.Records, rec)
	if err := l.file.Write(&l.state); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetSessionLog returns all of a session's records in insertion order along
// with the chain-validity verdict.
func (l *Logger) GetSessionLog(sessionID string) ([]Record, bool) {
	records := l.sessionRecords(sessionID)
	reports := l.VerifyChain(sessionID)
	valid := true
	for _, r := range reports {
		valid = valid && r.Valid
	}
	return records, valid
}

// VerifyChain groups a session's records per signer and walks each subchain,
// checking linkage and recomputing every record hash.
func (l *Logger) VerifyChain(sessionID string) []ChainReport {
	records := l.sessionRecords(sessionID)

	bySigner := make(map[string][]Record)
	var order []string
	for _, r := range records {
		if _, seen := bySigner[r.SignerID]; !seen {
			order = append(order, r.SignerID)
		}
		bySigner[r.SignerID] = append(bySigner[r.SignerID], r)
	}

	reports := make([]ChainReport, 0, len(order))
	for _, signerID := range order {
		chain := bySigner[signerID]
		report := ChainReport{SignerID: signerID, Records: len(chain), Valid: true}

		expectedPrev := canonicalize.GenesisHash
		for i, r := range chain {
			if r.Sequence != i+1 {
				report.Valid = false
				report.Issues = append(report.Issues, fmt.Sprintf("record %d: sequence %d, expected %d", i+1, r.Sequence, i+1))
			}
			if r.PreviousRecordHash != expectedPrev {
				report.Valid = false
				report.Issues = append(report.Issues, fmt.Sprintf("record %d: previous hash does not link to predecessor", i+1))
			}
			computed, err := recordHash(r)
			if err != nil || computed != r.RecordHash {
				report.Valid = false
				report.Issues = append(report.Issues, fmt.Sprintf("record %d: stored hash does not match recomputation", i+1))
			}
			expectedPrev = r.RecordHash
		}
		reports = append(reports, report)
	}
	return reports
}

// GenerateEvidenceReport renders a deterministic, human-readable log of a
// session's forensic chains with a verification summary.
func (l *Logger) GenerateEvidenceReport(sessionID string) string {
	records := l.sessionRecords(sessionID)
	reports := l.VerifyChain(sessionID)

	var b strings.Builder
	b.WriteString("FORENSIC EVIDENCE REPORT\n")
	b.WriteString("========================\n")
	fmt.Fprintf(&b, "Session: %s\n", sessionID)
	fmt.Fprintf(&b, "Records: %d\n\n", len(records))

	for _, r := range records {
		fmt.Fprintf(&b, "[%s] signer=%s seq=%d action=%s", r.Timestamp.UTC().Format(time.RFC3339), r.SignerEmail, r.Sequence, r.Action)
		if r.SectionID != "" {
			fmt.Fprintf(&b, " section=%s", r.SectionID)
		}
		if r.IPAddress != "" {
			fmt.Fprintf(&b, " ip=%s", r.IPAddress)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nCHAIN VERIFICATION\n")
	allValid := true
	for _, report := range reports {
		status := "INTACT"
		if !report.Valid {
			status = "BROKEN"
			allValid = false
		}
		fmt.Fprintf(&b, "  signer %s: %d records, %s\n", report.SignerID, report.Records, status)
		for _, issue := range report.Issues {
			fmt.Fprintf(&b, "    - %s\n", issue)
		}
	}
	if allValid {
		b.WriteString("All chains verified.\n")
	} else {
		b.WriteString("ONE OR MORE CHAINS FAILED VERIFICATION.\n")
	}
	return b.String()
}

// Bundle is an exportable, hash-bound set of a session's intent records.
type Bundle struct {
	BundleID   string   `json:"bundleId"`
	SessionID  string   `json:"sessionId"`
	CreatedAt  string   `json:"createdAt"`
	Records    []Record `json:"records"`
	BundleHash string   `json:"bundleHash"`
}

// ExportBundle packages a session's records with a hash over the record set.
func (l *Logger) ExportBundle(sessionID string) (*Bundle, error) {
	records := l.sessionRecords(sessionID)
	if len(records) == 0 {
		return nil, fmt.Errorf("intentlog: no records for session %s", sessionID)
	}

	bundle := &Bundle{
		BundleID:  uuid.New().String(),
		SessionID: sessionID,
		CreatedAt: l.clock().UTC().Format(time.RFC3339),
		Records:   records,
	}
	hash, err := canonicalize.Hash(bundle.Records)
	if err != nil {
		return nil, err
	}
	bundle.BundleHash = hash
	return bundle, nil
}

// VerifyBundle rechecks a bundle's record-set hash.
func VerifyBundle(bundle *Bundle) error {
	hash, err := canonicalize.Hash(bundle.Records)
	if err != nil {
		return err
	}
	if hash != bundle.BundleHash {
		return fmt.Errorf("intentlog: bundle hash mismatch")
	}
	return nil
}

// CountForSession returns the number of records logged against a session.
func (l *Logger) CountForSession(sessionID string) int {
	return len(l.sessionRecords(sessionID))
}

// Len returns the total record count.
func (l *Logger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.state.Records)
}

func (l *Logger) sessionRecords(sessionID string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, r := range l.state.Records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}

// recordHash covers the fixed forensic field set. Device evidence beyond the
// fingerprint is carried but not hashed, matching the canonical formula.
func recordHash(r Record) (string, error) {
	return canonicalize.Hash(struct {
		RecordID           string `json:"recordId"`
		SessionID          string `json:"sessionId"`
		SignerID           string `json:"signerId"`
		Action             Action `json:"action"`
		Timestamp          string `json:"timestamp"`
		IPAddress          string `json:"ipAddress"`
		DeviceFingerprint  string `json:"deviceFingerprint"`
		PreviousRecordHash string `json:"previousRecordHash"`
		Sequence           int    `json:"sequence"`
	}{r.RecordID, r.SessionID, r.SignerID, r.Action, r.Timestamp.UTC().Format(time.RFC3339), r.IPAddress, r.Device.DeviceFingerprint, r.PreviousRecordHash, r.Sequence})
}
