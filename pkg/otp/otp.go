// Package otp issues rate-limited, time-bound 6-digit codes consumed by the
// signing session engine when a session demands second-factor verification.
package otp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const (
	StoreFile = "otp-store.json"

	DefaultTTL        = 10 * time.Minute
	DefaultAttempts   = 5
	MinGenerateWindow = 30 * time.Second
)

// ErrRateLimited is returned when a new code is requested inside the minimum
// generation window.
var ErrRateLimited = errors.New("otp: rate limited")

// Record is one issued code.
type Record struct {
	OTPID             string     `json:"otpId"`
	SessionID         string     `json:"sessionId"`
	SignerID          string     `json:"signerId"`
	SignerEmail       string     `json:"signerEmail,omitempty"`
	Code              string     `json:"code"`
	DeliveryChannel   string     `json:"deliveryChannel,omitempty"`
	RequestIP         string     `json:"requestIp,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	RemainingAttempts int        `json:"remainingAttempts"`
	Verified          bool       `json:"verified"`
	VerifiedAt        *time.Time `json:"verifiedAt,omitempty"`
	Invalidated       bool       `json:"invalidated"`
}

// GenerateParams parameterizes code issuance.
type GenerateParams struct {
	SessionID       string
	SignerID        string
	SignerEmail     string
	DeliveryChannel string
	RequestIP       string
}

// GenerateResult is the successful issuance payload.
type GenerateResult struct {
	OTPID     string    `json:"otpId"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsRetry   bool      `json:"isRetry"`
}

// VerifyResult reports a verification attempt.
type VerifyResult struct {
	Valid             bool   `json:"valid"`
	OTPID             string `json:"otpId,omitempty"`
	Message           string `json:"message"`
	RemainingAttempts int    `json:"remainingAttempts"`
}

type otpState struct {
	Engine  string   `json:"engine"`
	Version string   `json:"version"`
	Records []Record `json:"records"`
}

// Engine owns the OTP store.
type Engine struct {
	mu    sync.Mutex
	file  *store.File
	state otpState
	clock func() time.Time
	ttl   time.Duration
}

// NewEngine loads or creates the OTP store under dataDir.
func NewEngine(dataDir string) (*Engine, error) {
	e := &Engine{
		file:  store.NewFile(dataDir, StoreFile),
		clock: time.Now,
		ttl:   DefaultTTL,
	}
	found, err := e.file.Load(&e.state)
	if err != nil {
		return nil, err
	}
	if !found {
		e.state = otpState{Engine: "doc-intelligence-engine", Version: "1.0.0"}
	}
	return e, nil
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Generate issues a new code for a (session, signer) pair, invalidating any
// prior unverified code. A request inside the minimum window fails with
// ErrRateLimited.
func (e *Engine) Generate(params GenerateParams) (*GenerateResult, error) {
	if params.SessionID == "" || params.SignerID == "" {
		return nil, fmt.Errorf("otp: sessionId and signerId are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	isRetry := false
	for i := range e.state.Records {
		r := &e.state.Records[i]
		if r.SessionID != params.SessionID || r.SignerID != params.SignerID {
			continue
		}
		if now.Sub(r.CreatedAt) < MinGenerateWindow {
			wait := MinGenerateWindow - now.Sub(r.CreatedAt)
			return nil, fmt.Errorf("%w: retry in %s", ErrRateLimited, wait.Round(time.Second))
		}
		if !r.Verified && !r.Invalidated && now.Before(r.ExpiresAt) {
			r.Invalidated = true
			isRetry = true
		}
	}

	code, err := sixDigits()
	if err != nil {
		return nil, err
	}
	otpID, err := crypto.NewID()
	if err != nil {
		return nil, err
	}

	rec := Record{
		OTPID:             "otp-" + otpID,
		SessionID:         params.SessionID,
		SignerID:          params.SignerID,
		SignerEmail:       params.SignerEmail,
		Code:              code,
		DeliveryChannel:   params.DeliveryChannel,
		RequestIP:         params.RequestIP,
		CreatedAt:         now,
		ExpiresAt:         now.Add(e.ttl),
		RemainingAttempts: DefaultAttempts,
	}
	e.state.Records = append(e.state.Records, rec)
	if err := e.file.Write(&e.state); err != nil {
		return nil, err
	}

	return &GenerateResult{OTPID: rec.OTPID, Code: code, ExpiresAt: rec.ExpiresAt, IsRetry: isRetry}, nil
}

// Verify checks a submitted code with a constant-time comparison. A mismatch
// burns one attempt.
func (e *Engine) Verify(sessionID, signerID, code string) *VerifyResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	active := e.activeRecord(sessionID, signerID, now)
	if active == nil {
		return &VerifyResult{Valid: false, Message: "no active code"}
	}
	if active.RemainingAttempts <= 0 {
		return &VerifyResult{Valid: false, OTPID: active.OTPID, Message: "attempts exhausted"}
	}

	if !crypto.ConstantTimeEquals(active.Code, code) {
		active.RemainingAttempts--
		_ = e.file.Write(&e.state)
		return &VerifyResult{
			Valid:             false,
			OTPID:             active.OTPID,
			Message:           "invalid code",
			RemainingAttempts: active.RemainingAttempts,
		}
	}

	active.Verified = true
	active.VerifiedAt = &now
	if err := e.file.Write(&e.state); err != nil {
		return &VerifyResult{Valid: false, OTPID: active.OTPID, Message: "persistence failure"}
	}
	return &VerifyResult{
		Valid:             true,
		OTPID:             active.OTPID,
		Message:           "verified",
		RemainingAttempts: active.RemainingAttempts,
	}
}

// IsVerified reports whether a matching verified, unexpired record exists.
func (e *Engine) IsVerified(sessionID, signerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	for i := range e.state.Records {
		r := &e.state.Records[i]
		if r.SessionID == sessionID && r.SignerID == signerID && r.Verified && now.Before(r.ExpiresAt) {
			return true
		}
	}
	return false
}

// RecordsForSession returns copies of every record issued for a session, in
// issuance order. The delivery layer reads the code from here; it is never
// returned over HTTP.
func (e *Engine) RecordsForSession(sessionID string) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Record
	for _, r := range e.state.Records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}

// PurgeExpired drops records past expiry. Unexpired records are never
// deleted, verified or not.
func (e *Engine) PurgeExpired() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	kept := e.state.Records[:0]
	purged := 0
	for _, r := range e.state.Records {
		if now.After(r.ExpiresAt) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	e.state.Records = kept
	if purged > 0 {
		_ = e.file.Write(&e.state)
	}
	return purged
}

// activeRecord returns the single unverified, unexpired, uninvalidated record
// for the pair.
func (e *Engine) activeRecord(sessionID, signerID string, now time.Time) *Record {
	for i := len(e.state.Records) - 1; i >= 0; i-- {
		r := &e.state.Records[i]
		if r.SessionID == sessionID && r.SignerID == signerID &&
			!r.Verified && !r.Invalidated && now.Before(r.ExpiresAt) {
			return r
		}
	}
	return nil
}

func sixDigits() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("otp: random: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
