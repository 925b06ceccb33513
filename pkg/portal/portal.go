// Package portal serves the counterparty-facing verification and remote
// signing surface. Verification endpoints are public reads; signing requires
// a short-lived bearer token minted for that purpose.
package portal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/anchor"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/api"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/cidregistry"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/lifecycle"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/multisig"
)

const (
	TokenTTL  = 30 * time.Minute
	MaxTokens = 100

	PurposeSign   = "sign"
	PurposeVerify = "verify"
	PurposeAdmin  = "admin"
)

var errTokenCapacity = errors.New("portal: token capacity reached")

// accessToken is one minted bearer token.
type accessToken struct {
	Token     string
	Purpose   string
	Email     string
	ExpiresAt time.Time
}

// tokenStore holds live tokens in memory. Tokens do not survive a restart;
// counterparties mint a fresh one per visit.
type tokenStore struct {
	mu     sync.Mutex
	tokens map[string]accessToken
	clock  func() time.Time
}

func newTokenStore(clock func() time.Time) *tokenStore {
	return &tokenStore{tokens: make(map[string]accessToken), clock: clock}
}

func (s *tokenStore) mint(purpose, email string) (*accessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	s.pruneLocked(now)
	if len(s.tokens) >= MaxTokens {
		return nil, errTokenCapacity
	}

	raw, err := crypto.NewToken()
	if err != nil {
		return nil, err
	}
	tok := accessToken{
		Token:     raw,
		Purpose:   purpose,
		Email:     email,
		ExpiresAt: now.Add(TokenTTL),
	}
	s.tokens[raw] = tok
	out := tok
	return &out, nil
}

// check resolves a bearer token for a purpose. An admin token satisfies any
// purpose. The failure modes stay distinct for status codes but the response
// text is generic either way.
func (s *tokenStore) check(raw, purpose string) (tok *accessToken, known, allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(s.clock().UTC())
	t, ok := s.tokens[raw]
	if !ok {
		return nil, false, false
	}
	out := t
	return &out, true, t.Purpose == purpose || t.Purpose == PurposeAdmin
}

func (s *tokenStore) pruneLocked(now time.Time) {
	for k, t := range s.tokens {
		if now.After(t.ExpiresAt) {
			delete(s.tokens, k)
		}
	}
}

func (s *tokenStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Portal wires the verification and remote signing surface.
type Portal struct {
	lifecycles *lifecycle.Registry
	cids       *cidregistry.Registry
	anchors    *anchor.Engine
	workflows  *multisig.Engine
	log        *slog.Logger
	tokens     *tokenStore
	clock      func() time.Time
	handler    http.Handler
}

// New builds a portal over the given engines.
func New(lifecycles *lifecycle.Registry, cids *cidregistry.Registry, anchors *anchor.Engine, workflows *multisig.Engine, log *slog.Logger) *Portal {
	p := &Portal{
		lifecycles: lifecycles,
		cids:       cids,
		anchors:    anchors,
		workflows:  workflows,
		log:        log,
		clock:      time.Now,
	}
	p.tokens = newTokenStore(func() time.Time { return p.clock() })

	r := mux.NewRouter()
	r.HandleFunc("/", p.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/health", p.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/token", p.handleMintToken).Methods(http.MethodPost)
	r.HandleFunc("/verify/cid/{cid}", p.handleVerifyCID).Methods(http.MethodGet)
	r.HandleFunc("/verify/{documentId}", p.handleVerifyDocument).Methods(http.MethodGet)
	r.HandleFunc("/sign/{documentId}", p.handleSign).Methods(http.MethodPost)
	r.HandleFunc("/status/{workflowId}", p.handleWorkflowStatus).Methods(http.MethodGet)

	limiter := api.NewRateLimiter(20, 40)
	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	p.handler = limiter.Middleware(corsWrapper.Handler(r))
	return p
}

// WithClock overrides the clock for testing.
func (p *Portal) WithClock(clock func() time.Time) *Portal {
	p.clock = clock
	return p
}

// Handler returns the fully wrapped HTTP handler.
func (p *Portal) Handler() http.Handler { return p.handler }

func (p *Portal) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, dashboardHTML, p.lifecycles.Count(), p.workflows.Count(), p.tokens.len())
}

func (p *Portal) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"documents": p.lifecycles.Count(),
		"workflows": p.workflows.Count(),
		"tokens":    p.tokens.len(),
	})
}

func (p *Portal) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email   string `json:"email"`
		Purpose string `json:"purpose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	switch body.Purpose {
	case PurposeSign, PurposeVerify, PurposeAdmin:
	default:
		api.WriteError(w, http.StatusBadRequest, "unknown purpose")
		return
	}

	tok, err := p.tokens.mint(body.Purpose, strings.ToLower(body.Email))
	if err != nil {
		if errors.Is(err, errTokenCapacity) {
			api.WriteError(w, http.StatusTooManyRequests, "token capacity reached, retry later")
			return
		}
		api.WriteError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]any{
		"token":     tok.Token,
		"expiresAt": tok.ExpiresAt,
		"purpose":   tok.Purpose,
	})
}

func (p *Portal) handleVerifyDocument(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["documentId"]
	rec, err := p.lifecycles.GetLifecycle(docID)
	if err != nil {
		api.WriteError(w, http.StatusNotFound, "document not found")
		return
	}
	report, err := p.lifecycles.VerifyIntegrity(docID)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "verification failed")
		return
	}

	anchors := p.anchors.AnchorsForDocument(docID)
	anchorSummaries := make([]map[string]any, 0, len(anchors))
	for _, a := range anchors {
		anchorSummaries = append(anchorSummaries, map[string]any{
			"anchorId":   a.AnchorID,
			"chain":      a.Chain,
			"txHash":     a.TxHash,
			"cid":        a.CID,
			"anchoredAt": a.AnchoredAt,
		})
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"documentId":   rec.DocumentID,
		"sku":          rec.SKU,
		"title":        rec.Title,
		"currentStage": rec.CurrentStage,
		"version":      rec.Version,
		"integrity":    report,
		"hashes": map[string]string{
			"draft":      rec.DraftHash,
			"compliance": rec.ComplianceHash,
			"signed":     rec.SignedHash,
			"canonical":  rec.CanonicalHash,
			"merkleRoot": rec.MerkleRoot,
		},
		"cids": map[string]string{
			"plain":     rec.PlainCID,
			"encrypted": rec.EncryptedCID,
		},
		"ledgerTx":    rec.LedgerTx,
		"ledgerChain": rec.LedgerChain,
		"transitions": rec.Transitions,
		"anchors":     anchorSummaries,
	})
}

func (p *Portal) handleVerifyCID(w http.ResponseWriter, r *http.Request) {
	c := mux.Vars(r)["cid"]
	rec, err := p.cids.LookupByCID(c)
	if err != nil {
		api.WriteError(w, http.StatusNotFound, "cid not registered")
		return
	}

	out := map[string]any{
		"cid":          rec.CID,
		"sha256":       rec.SHA256,
		"merkleRoot":   rec.MerkleRoot,
		"sku":          rec.SKU,
		"sourceFile":   rec.SourceFile,
		"size":         rec.Size,
		"registeredAt": rec.RegisteredAt,
	}
	// Cross-reference the lifecycle when the SKU resolves to a document.
	if life, err := p.lifecycles.GetLifecycleBySKU(rec.SKU); err == nil {
		out["documentId"] = life.DocumentID
		out["currentStage"] = life.CurrentStage
		out["ledgerTx"] = life.LedgerTx
	}
	api.WriteJSON(w, http.StatusOK, out)
}

// signRequest is the POST /sign/{documentId} body. The signer's email is
// bound to the bearer token, not the body.
type signRequest struct {
	WorkflowID        string `json:"workflowId"`
	Name              string `json:"name"`
	Role              string `json:"role"`
	SignatureType     string `json:"signatureType"`
	MerkleRoot        string `json:"merkleRoot"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

func (p *Portal) handleSign(w http.ResponseWriter, r *http.Request) {
	tok := p.authorize(w, r, PurposeSign)
	if tok == nil {
		return
	}

	docID := mux.Vars(r)["documentId"]
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if tok.Email == "" {
		api.WriteError(w, http.StatusBadRequest, "token carries no signer email")
		return
	}

	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = openWorkflowID(p.workflows.WorkflowsForDocument(docID))
		if workflowID == "" {
			api.WriteError(w, http.StatusNotFound, "no open workflow for document")
			return
		}
	}

	sig, err := p.workflows.AddSignature(workflowID, multisig.SignatureParams{
		Signer: crypto.SignerIdentity{
			Name:          req.Name,
			Email:         tok.Email,
			Role:          req.Role,
			SignatureType: req.SignatureType,
		},
		MerkleRoot:        req.MerkleRoot,
		DeviceFingerprint: req.DeviceFingerprint,
		Platform:          "portal",
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, multisig.ErrNotFound) {
			status = http.StatusNotFound
		}
		if errors.Is(err, multisig.ErrWorkflowClosed) || errors.Is(err, multisig.ErrDuplicateSigner) {
			status = http.StatusConflict
		}
		api.WriteError(w, status, err.Error())
		return
	}

	wf, err := p.workflows.GetWorkflow(workflowID)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "workflow lookup failed")
		return
	}
	// Threshold reached through the portal finalizes the workflow.
	if wf.ThresholdMet && wf.Status == multisig.StatusThresholdMet {
		if finalized, ferr := p.workflows.Finalize(workflowID); ferr != nil {
			p.log.Error("auto-finalize failed", "workflow", workflowID, "err", ferr)
		} else {
			wf = finalized
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"workflowId":     wf.WorkflowID,
		"workflowStatus": wf.Status,
		"signatureHash":  sig.SignatureHash,
		"combinedHash":   sig.CombinedHash,
		"signatureCount": wf.SignatureCount,
		"threshold":      wf.Threshold,
		"thresholdMet":   wf.ThresholdMet,
	})
}

func (p *Portal) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	wf, err := p.workflows.GetWorkflow(mux.Vars(r)["workflowId"])
	if err != nil {
		api.WriteError(w, http.StatusNotFound, "workflow not found")
		return
	}

	parties := make([]map[string]any, 0, len(wf.Counterparties))
	for _, cp := range wf.Counterparties {
		parties = append(parties, map[string]any{
			"email":    cp.Email,
			"name":     cp.Name,
			"role":     cp.Role,
			"required": cp.Required,
			"signed":   cp.Signed,
			"signedAt": cp.SignedAt,
			"rejected": cp.Rejected,
		})
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"workflowId":     wf.WorkflowID,
		"documentId":     wf.DocumentID,
		"status":         wf.Status,
		"threshold":      wf.Threshold,
		"signatureCount": wf.SignatureCount,
		"thresholdMet":   wf.ThresholdMet,
		"counterparties": parties,
		"finalizedAt":    wf.FinalizedAt,
	})
}

// authorize enforces a bearer token with the given purpose. Failure responses
// never say whether the token was unknown, expired, or mispurposed beyond the
// status code.
func (p *Portal) authorize(w http.ResponseWriter, r *http.Request, purpose string) *accessToken {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		api.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	tok, known, allowed := p.tokens.check(raw, purpose)
	if !known {
		api.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	if !allowed {
		api.WriteError(w, http.StatusForbidden, "forbidden")
		return nil
	}
	return tok
}

const dashboardHTML = `<!doctype html>
<html><head><title>Sovereign Portal</title></head><body>
<h1>Sovereign Portal</h1>
<p>Documents: %d</p>
<p>Workflows: %d</p>
<p>Live tokens: %d</p>
</body></html>
`

// openWorkflowID picks the most recent workflow still accepting signatures.
func openWorkflowID(workflows []multisig.Workflow) string {
	for i := len(workflows) - 1; i >= 0; i-- {
		switch workflows[i].Status {
		case multisig.StatusFinalized, multisig.StatusCancelled,
			multisig.StatusExpired, multisig.StatusRejected:
			continue
		}
		return workflows[i].WorkflowID
	}
	return ""
}
