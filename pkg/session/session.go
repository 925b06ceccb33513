// Package session implements the signing session engine. A session binds one
// document hash to a fixed set of signers, each holding an unguessable access
// token, and enforces ordering, initials, and threshold rules as signatures
// arrive.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const (
	StoreFile = "signing-sessions.json"

	DefaultExpiry = 72 * time.Hour
)

// Status is a session lifecycle state.
type Status string

const (
	StatusCreated      Status = "created"
	StatusDistributed  Status = "distributed"
	StatusPending      Status = "pending"
	StatusPartial      Status = "partial"
	StatusThresholdMet Status = "threshold-met"
	StatusCompleted    Status = "completed"
	StatusExpired      Status = "expired"
	StatusCancelled    Status = "cancelled"
)

// SignerStatus is a per-signer state. It only moves forward.
type SignerStatus string

const (
	SignerPending   SignerStatus = "pending"
	SignerViewed    SignerStatus = "viewed"
	SignerInitialed SignerStatus = "initialed"
	SignerSigned    SignerStatus = "signed"
	SignerRejected  SignerStatus = "rejected"
	SignerExpired   SignerStatus = "expired"
)

// Ordering controls whether signers must sign in list order.
type Ordering string

const (
	OrderingStrict Ordering = "strict"
	OrderingAny    Ordering = "any"
)

var (
	ErrNotFound       = errors.New("session: not found")
	ErrSignerNotFound = errors.New("session: signer not found")
	ErrSessionClosed  = errors.New("session: session complete")
)

// signerRank orders signer states so status can only advance.
var signerRank = map[SignerStatus]int{
	SignerPending:   0,
	SignerViewed:    1,
	SignerInitialed: 2,
	SignerSigned:    3,
	SignerRejected:  3,
	SignerExpired:   3,
}

// DistributionRecord is one delivery attempt over one channel.
type DistributionRecord struct {
	Channel     string    `json:"channel"`
	Destination string    `json:"destination"`
	SentAt      time.Time `json:"sentAt"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
}

// Signer is one party within a session.
type Signer struct {
	SignerID          string               `json:"signerId"`
	Name              string               `json:"name"`
	Email             string               `json:"email"`
	Phone             string               `json:"phone,omitempty"`
	Telegram          string               `json:"telegram,omitempty"`
	Wallet            string               `json:"wallet,omitempty"`
	Organization      string               `json:"organization,omitempty"`
	Role              string               `json:"role,omitempty"`
	SignatureType     string               `json:"signatureType"`
	Required          bool                 `json:"required"`
	PreferredChannels []string             `json:"preferredChannels,omitempty"`
	AccessToken       string               `json:"accessToken"`
	TokenExpiresAt    time.Time            `json:"tokenExpiresAt"`
	Status            SignerStatus         `json:"status"`
	RequiredInitials  []string             `json:"requiredInitials,omitempty"`
	CompletedInitials []string             `json:"completedInitials,omitempty"`
	SignedAt          *time.Time           `json:"signedAt,omitempty"`
	SignatureHash     string               `json:"signatureHash,omitempty"`
	RejectedAt        *time.Time           `json:"rejectedAt,omitempty"`
	RejectionReason   string               `json:"rejectionReason,omitempty"`
	DistributionLog   []DistributionRecord `json:"distributionLog,omitempty"`
	ViewCount         int                  `json:"viewCount"`
	LastViewedAt      *time.Time           `json:"lastViewedAt,omitempty"`
}

// Config holds a session's signing policy.
type Config struct {
	Threshold        int       `json:"threshold"`
	RequireAll       bool      `json:"requireAll"`
	Ordering         Ordering  `json:"ordering"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RequireIntent    bool      `json:"requireIntent"`
	RequireOTP       bool      `json:"requireOtp"`
	BaseURL          string    `json:"baseUrl,omitempty"`
	RequiredInitials []string  `json:"requiredInitials,omitempty"`
	AutoAnchor       bool      `json:"autoAnchor,omitempty"`
	AutoFinalize     bool      `json:"autoFinalize,omitempty"`
	AutoNotify       bool      `json:"autoNotify,omitempty"`
}

// Artifacts are the completion outputs. Once set they never change.
type Artifacts struct {
	FinalPDF    string `json:"finalPdf,omitempty"`
	Certificate string `json:"certificate,omitempty"`
	AuditReport string `json:"auditReport,omitempty"`
	CID         string `json:"cid,omitempty"`
	LedgerTx    string `json:"ledgerTx,omitempty"`
	MerkleProof string `json:"merkleProof,omitempty"`
}

// Session is one distribution of one document to a fixed signer set.
type Session struct {
	SessionID      string     `json:"sessionId"`
	DocumentID     string     `json:"documentId"`
	DocumentTitle  string     `json:"documentTitle,omitempty"`
	DocumentHash   string     `json:"documentHash"`
	SKU            string     `json:"sku,omitempty"`
	Creator        string     `json:"creator"`
	Signers        []Signer   `json:"signers"`
	Config         Config     `json:"config"`
	Status         Status     `json:"status"`
	SignatureCount int        `json:"signatureCount"`
	ThresholdMet   bool       `json:"thresholdMet"`
	Artifacts      *Artifacts `json:"artifacts,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	SessionHash    string     `json:"sessionHash"`
}

// SignerParams describes one signer at session creation.
type SignerParams struct {
	Name              string
	Email             string
	Phone             string
	Telegram          string
	Wallet            string
	Organization      string
	Role              string
	SignatureType     string
	Required          *bool
	PreferredChannels []string
	RequiredInitials  []string
}

// CreateParams parameterizes session creation.
type CreateParams struct {
	DocumentID       string
	DocumentTitle    string
	DocumentHash     string
	SKU              string
	Creator          string
	Signers          []SignerParams
	Threshold        int
	RequireAll       bool
	Ordering         Ordering
	ExpiresIn        time.Duration
	RequireIntent    bool
	RequireOTP       bool
	BaseURL          string
	RequiredInitials []string
	AutoAnchor       bool
	AutoFinalize     bool
	AutoNotify       bool
}

// SigningLink pairs a signer with their capability URL.
type SigningLink struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	URL   string `json:"url"`
}

type sessionState struct {
	Engine   string    `json:"engine"`
	Version  string    `json:"version"`
	Sessions []Session `json:"sessions"`
}

// Engine owns the session store.
type Engine struct {
	mu    sync.RWMutex
	file  *store.File
	state sessionState
	clock func() time.Time
}

// NewEngine loads or creates the session store under dataDir.
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
		e.state = sessionState{Engine: "doc-intelligence-engine", Version: "1.0.0"}
	}
	return e, nil
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// CreateSession mints a session with a fresh 128-bit id and a 256-bit access
// token per signer. Token expiry tracks session expiry.
func (e *Engine) CreateSession(params CreateParams) (*Session, error) {
	if params.DocumentID == "" || params.DocumentHash == "" {
		return nil, fmt.Errorf("session: documentId and documentHash are required")
	}
	if len(params.Signers) == 0 {
		return nil, fmt.Errorf("session: at least one signer is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	expiresIn := params.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = DefaultExpiry
	}
	expiresAt := now.Add(expiresIn)

	signers := make([]Signer, 0, len(params.Signers))
	requiredCount := 0
	for _, sp := range params.Signers {
		if sp.Email == "" {
			return nil, fmt.Errorf("session: signer email is required")
		}
		token, err := crypto.NewToken()
		if err != nil {
			return nil, err
		}
		id, err := crypto.NewID()
		if err != nil {
			return nil, err
		}
		required := true
		if sp.Required != nil {
			required = *sp.Required
		}
		if required {
			requiredCount++
		}
		sigType := sp.SignatureType
		if sigType == "" {
			sigType = "counterparty"
		}
		initials := sp.RequiredInitials
		if initials == nil {
			initials = params.RequiredInitials
		}
		signers = append(signers, Signer{
			SignerID:          "sgn-" + id,
			Name:              sp.Name,
			Email:             strings.ToLower(sp.Email),
			Phone:             sp.Phone,
			Telegram:          sp.Telegram,
			Wallet:            sp.Wallet,
			Organization:      sp.Organization,
			Role:              sp.Role,
			SignatureType:     sigType,
			Required:          required,
			PreferredChannels: sp.PreferredChannels,
			AccessToken:       token,
			TokenExpiresAt:    expiresAt,
			Status:            SignerPending,
			RequiredInitials:  initials,
		})
	}

	threshold := params.Threshold
	if threshold <= 0 {
		threshold = requiredCount
	}
	if threshold > requiredCount {
		return nil, fmt.Errorf("session: threshold %d exceeds required signer count %d", threshold, requiredCount)
	}
	ordering := params.Ordering
	if ordering == "" {
		ordering = OrderingAny
	}
	if ordering != OrderingStrict && ordering != OrderingAny {
		return nil, fmt.Errorf("session: unknown ordering %q", ordering)
	}

	sessionID, err := crypto.NewID()
	if err != nil {
		return nil, err
	}

	sess := Session{
		SessionID:     "ses-" + sessionID,
		DocumentID:    params.DocumentID,
		DocumentTitle: params.DocumentTitle,
		DocumentHash:  params.DocumentHash,
		SKU:           params.SKU,
		Creator:       params.Creator,
		Signers:       signers,
		Config: Config{
			Threshold:        threshold,
			RequireAll:       params.RequireAll,
			Ordering:         ordering,
			ExpiresAt:        expiresAt,
			RequireIntent:    params.RequireIntent,
			RequireOTP:       params.RequireOTP,
			BaseURL:          params.BaseURL,
			RequiredInitials: params.RequiredInitials,
			AutoAnchor:       params.AutoAnchor,
			AutoFinalize:     params.AutoFinalize,
			AutoNotify:       params.AutoNotify,
		},
		Status:    StatusCreated,
		CreatedAt: now,
	}
	sess.SessionHash = selfHash(&sess)

	e.state.Sessions = append(e.state.Sessions, sess)
	if err := e.file.Write(&e.state); err != nil {
		return nil, err
	}
	out := sess
	return &out, nil
}

// SigningLinks returns the per-signer capability URLs for a session.
func (e *Engine) SigningLinks(sessionID string) ([]SigningLink, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sess := e.find(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	base := strings.TrimRight(sess.Config.BaseURL, "/")
	links := make([]SigningLink, 0, len(sess.Signers))
	for _, s := range sess.Signers {
		links = append(links, SigningLink{
			Name:  s.Name,
			Email: s.Email,
			URL:   base + "/" + s.AccessToken,
		})
	}
	return links, nil
}

// ResolveToken scans live sessions for a matching access token. An elapsed
// token expiry marks the signer expired and resolves to nothing, same as an
// unknown token.
func (e *Engine) ResolveToken(token string) (*Session, *Signer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	for i := range e.state.Sessions {
		sess := &e.state.Sessions[i]
		if sess.Status == StatusCancelled || sess.Status == StatusExpired {
			continue
		}
		for j := range sess.Signers {
			signer := &sess.Signers[j]
			if !crypto.ConstantTimeEquals(signer.AccessToken, token) {
				continue
			}
			if now.After(signer.TokenExpiresAt) {
				if signerRank[signer.Status] < signerRank[SignerExpired] {
					signer.Status = SignerExpired
					e.rehashAndWrite(sess)
				}
				return nil, nil
			}
			s, g := *sess, *signer
			return &s, &g
		}
	}
	return nil, nil
}

// GetSession returns a session copy by id.
func (e *Engine) GetSession(sessionID string) (*Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sess := e.find(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	out := *sess
	return &out, nil
}

// RecordView bumps the signer's view count and lifts pending to viewed.
func (e *Engine) RecordView(sessionID, signerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, signer, err := e.lookup(sessionID, signerID)
	if err != nil {
		return err
	}
	now := e.clock().UTC()
	signer.ViewCount++
	signer.LastViewedAt = &now
	if signer.Status == SignerPending {
		signer.Status = SignerViewed
	}
	return e.rehashAndWrite(sess)
}

// RecordInitial marks one required section initialed by the signer.
func (e *Engine) RecordInitial(sessionID, signerID, sectionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, signer, err := e.lookup(sessionID, signerID)
	if err != nil {
		return err
	}
	if isTerminal(signer.Status) {
		return fmt.Errorf("session: signer %s is %s", signer.Email, signer.Status)
	}
	if !contains(signer.RequiredInitials, sectionID) {
		return fmt.Errorf("session: section %s is not a required initial", sectionID)
	}
	if contains(signer.CompletedInitials, sectionID) {
		return fmt.Errorf("session: section %s already initialed", sectionID)
	}
	signer.CompletedInitials = append(signer.CompletedInitials, sectionID)
	if signerRank[signer.Status] <= signerRank[SignerViewed] {
		signer.Status = SignerInitialed
	}
	return e.rehashAndWrite(sess)
}

// SignatureOutcome reports the session state after an accepted signature.
type SignatureOutcome struct {
	SessionStatus Status `json:"sessionStatus"`
	ThresholdMet  bool   `json:"thresholdMet"`
	SignatureHash string `json:"signatureHash"`
}

// RecordSignature accepts a signer's signature hash, enforcing initials
// completion and strict ordering, then recomputes the threshold state.
func (e *Engine) RecordSignature(sessionID, signerID, signatureHash string) (*SignatureOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, signer, err := e.lookup(sessionID, signerID)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusCompleted {
		return nil, ErrSessionClosed
	}
	if signer.Status == SignerSigned {
		return nil, fmt.Errorf("session: signer %s already signed", signer.Email)
	}
	if isTerminal(signer.Status) {
		return nil, fmt.Errorf("session: signer %s is %s", signer.Email, signer.Status)
	}
	if missing := difference(signer.RequiredInitials, signer.CompletedInitials); len(missing) > 0 {
		return nil, fmt.Errorf("session: required initials incomplete: %s", strings.Join(missing, ", "))
	}
	if sess.Config.Ordering == OrderingStrict {
		for i := range sess.Signers {
			prior := &sess.Signers[i]
			if prior.SignerID == signer.SignerID {
				break
			}
			if prior.Required && prior.Status != SignerSigned {
				name := prior.Name
				if name == "" {
					name = prior.Email
				}
				return nil, fmt.Errorf("Strict ordering: %s must sign first", name)
			}
		}
	}

	now := e.clock().UTC()
	signer.Status = SignerSigned
	signer.SignedAt = &now
	signer.SignatureHash = signatureHash
	sess.SignatureCount++

	recomputeThreshold(sess)
	if err := e.rehashAndWrite(sess); err != nil {
		return nil, err
	}
	return &SignatureOutcome{
		SessionStatus: sess.Status,
		ThresholdMet:  sess.ThresholdMet,
		SignatureHash: signatureHash,
	}, nil
}

// RecordRejection marks a signer rejected. When a required rejection makes the
// threshold unreachable the whole session is cancelled.
func (e *Engine) RecordRejection(sessionID, signerID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, signer, err := e.lookup(sessionID, signerID)
	if err != nil {
		return err
	}
	if isTerminal(signer.Status) {
		return fmt.Errorf("session: signer %s is %s", signer.Email, signer.Status)
	}
	now := e.clock().UTC()
	signer.Status = SignerRejected
	signer.RejectedAt = &now
	signer.RejectionReason = reason

	if signer.Required {
		achievable := 0
		for i := range sess.Signers {
			s := &sess.Signers[i]
			if s.Required && s.Status != SignerRejected && s.Status != SignerExpired {
				achievable++
			}
		}
		if achievable < effectiveThreshold(sess) {
			sess.Status = StatusCancelled
		}
	}
	return e.rehashAndWrite(sess)
}

// CompleteSession stores the final artifacts. Only a threshold-met session
// may complete; artifacts are never overwritten afterwards.
func (e *Engine) CompleteSession(sessionID string, artifacts Artifacts) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.find(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.Status == StatusCompleted {
		return ErrSessionClosed
	}
	if !sess.ThresholdMet {
		return fmt.Errorf("session: threshold not met, cannot complete")
	}
	now := e.clock().UTC()
	sess.Status = StatusCompleted
	sess.CompletedAt = &now
	sess.Artifacts = &artifacts
	return e.rehashAndWrite(sess)
}

// RecordDistribution appends a delivery attempt to the signer's log and lifts
// a created session to distributed.
func (e *Engine) RecordDistribution(sessionID, signerID string, record DistributionRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, signer, err := e.lookup(sessionID, signerID)
	if err != nil {
		return err
	}
	if record.SentAt.IsZero() {
		record.SentAt = e.clock().UTC()
	}
	signer.DistributionLog = append(signer.DistributionLog, record)
	if sess.Status == StatusCreated {
		sess.Status = StatusDistributed
	}
	return e.rehashAndWrite(sess)
}

// ExpireStale marks every past-deadline non-terminal session, and its
// non-terminal signers, as expired. Returns the number of sessions touched.
func (e *Engine) ExpireStale() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	expired := 0
	for i := range e.state.Sessions {
		sess := &e.state.Sessions[i]
		switch sess.Status {
		case StatusCompleted, StatusExpired, StatusCancelled:
			continue
		}
		if !now.After(sess.Config.ExpiresAt) {
			continue
		}
		sess.Status = StatusExpired
		for j := range sess.Signers {
			signer := &sess.Signers[j]
			if !isTerminal(signer.Status) {
				signer.Status = SignerExpired
			}
		}
		sess.SessionHash = selfHash(sess)
		expired++
	}
	if expired > 0 {
		_ = e.file.Write(&e.state)
	}
	return expired
}

// Count returns the number of stored sessions.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.state.Sessions)
}

// VerifySessionHash recomputes a session's self-hash against the stored one.
func (e *Engine) VerifySessionHash(sessionID string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sess := e.find(sessionID)
	if sess == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return selfHash(sess) == sess.SessionHash, nil
}

func (e *Engine) find(sessionID string) *Session {
	for i := range e.state.Sessions {
		if e.state.Sessions[i].SessionID == sessionID {
			return &e.state.Sessions[i]
		}
	}
	return nil
}

func (e *Engine) lookup(sessionID, signerID string) (*Session, *Signer, error) {
	sess := e.find(sessionID)
	if sess == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	for i := range sess.Signers {
		if sess.Signers[i].SignerID == signerID {
			return sess, &sess.Signers[i], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrSignerNotFound, signerID)
}

func (e *Engine) rehashAndWrite(sess *Session) error {
	sess.SessionHash = selfHash(sess)
	return e.file.Write(&e.state)
}

func isTerminal(s SignerStatus) bool {
	return s == SignerSigned || s == SignerRejected || s == SignerExpired
}

func effectiveThreshold(sess *Session) int {
	if sess.Config.RequireAll {
		required := 0
		for i := range sess.Signers {
			if sess.Signers[i].Required {
				required++
			}
		}
		return required
	}
	return sess.Config.Threshold
}

// recomputeThreshold derives thresholdMet and the pending/partial/threshold-met
// status from signer state. Completed, expired, and cancelled stay put.
func recomputeThreshold(sess *Session) {
	signed := 0
	for i := range sess.Signers {
		if sess.Signers[i].Required && sess.Signers[i].Status == SignerSigned {
			signed++
		}
	}
	sess.ThresholdMet = signed >= effectiveThreshold(sess)

	switch sess.Status {
	case StatusCompleted, StatusExpired, StatusCancelled:
		return
	}
	switch {
	case sess.ThresholdMet:
		sess.Status = StatusThresholdMet
	case sess.SignatureCount > 0:
		sess.Status = StatusPartial
	default:
		sess.Status = StatusPending
	}
}

// selfHash covers identity, status, count, and each signer's
// email:status:signatureHash tuple in list order.
func selfHash(sess *Session) string {
	parts := []string{
		sess.SessionID,
		sess.DocumentID,
		sess.DocumentHash,
		string(sess.Status),
		strconv.Itoa(sess.SignatureCount),
	}
	for i := range sess.Signers {
		s := &sess.Signers[i]
		sig := s.SignatureHash
		if sig == "" {
			sig = "none"
		}
		parts = append(parts, s.Email+":"+string(s.Status)+":"+sig)
	}
	return canonicalize.HashJoin(parts...)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func difference(want, have []string) []string {
	var missing []string
	for _, w := range want {
		if !contains(have, w) {
			missing = append(missing, w)
		}
	}
	return missing
}
