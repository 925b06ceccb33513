// Package gateway serves the per-signer signing surface: token-addressed
// signing pages, initials, OTP, signature submission, and session status.
// Every signer action lands in the intent log before the session mutates.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/api"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/intentlog"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/otp"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/session"
)

// Gateway wires the session, intent, and OTP engines behind the signing
// HTTP surface.
type Gateway struct {
	sessions *session.Engine
	intents  *intentlog.Logger
	otps     *otp.Engine
	dist     *session.Distributor
	log      *slog.Logger
	schema   *jsonschema.Schema
	validate *validator.Validate
	handler  http.Handler
}

// New builds a gateway over the given engines.
func New(sessions *session.Engine, intents *intentlog.Logger, otps *otp.Engine, log *slog.Logger) (*Gateway, error) {
	schema, err := jsonschema.CompileString("session-create.json", sessionCreateSchema)
	if err != nil {
		return nil, fmt.Errorf("gateway: compile schema: %w", err)
	}
	g := &Gateway{
		sessions: sessions,
		intents:  intents,
		otps:     otps,
		log:      log,
		schema:   schema,
		validate: validator.New(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", g.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/sign/{token}", g.handleSigningPage).Methods(http.MethodGet)
	r.HandleFunc("/sign/{token}/initial", g.handleInitial).Methods(http.MethodPost)
	r.HandleFunc("/sign/{token}/otp", g.handleOTPRequest).Methods(http.MethodPost)
	r.HandleFunc("/sign/{token}/verify-otp", g.handleOTPVerify).Methods(http.MethodPost)
	r.HandleFunc("/sign/{token}", g.handleSignature).Methods(http.MethodPost)
	r.HandleFunc("/session/{id}", g.handleSessionStatus).Methods(http.MethodGet)
	r.HandleFunc("/session/{id}/evidence", g.handleEvidence).Methods(http.MethodGet)
	r.HandleFunc("/session", g.handleCreateSession).Methods(http.MethodPost)

	limiter := api.NewRateLimiter(20, 40)
	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	})
	g.handler = limiter.Middleware(corsWrapper.Handler(r))
	return g, nil
}

// WithDistributor fans signing links out over each signer's preferred
// channels as soon as a session is created.
func (g *Gateway) WithDistributor(d *session.Distributor) *Gateway {
	g.dist = d
	return g
}

// Handler returns the fully wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.handler }

func (g *Gateway) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = dashboardTmpl.Execute(w, map[string]any{
		"Sessions": g.sessions.Count(),
		"Intents":  g.intents.Len(),
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": g.sessions.Count(),
		"intents":  g.intents.Len(),
	})
}

func (g *Gateway) handleSigningPage(w http.ResponseWriter, r *http.Request) {
	sess, signer := g.resolve(r)
	if sess == nil {
		g.renderErrorPage(w)
		return
	}

	g.logIntent(r, sess, signer, intentlog.ActionDocumentViewed, nil, "")
	if err := g.sessions.RecordView(sess.SessionID, signer.SignerID); err != nil {
		g.log.Error("record view failed", "session", sess.SessionID, "err", err)
	}

	remaining := missingInitials(signer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = signingPageTmpl.Execute(w, map[string]any{
		"Title":            sess.DocumentTitle,
		"SignerName":       signer.Name,
		"SignerEmail":      signer.Email,
		"RequiredInitials": remaining,
		"RequireOTP":       sess.Config.RequireOTP,
		"ConsentText":      consentText,
	})
}

func (g *Gateway) handleInitial(w http.ResponseWriter, r *http.Request) {
	sess, signer := g.resolve(r)
	if sess == nil {
		api.WriteError(w, http.StatusNotFound, "invalid or expired signing link")
		return
	}

	var body struct {
		SectionID string `json:"sectionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SectionID == "" {
		api.WriteError(w, http.StatusBadRequest, "sectionId is required")
		return
	}
	if err := g.sessions.RecordInitial(sess.SessionID, signer.SignerID, body.SectionID); err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.logIntent(r, sess, signer, intentlog.ActionSectionInitialed, nil, body.SectionID)
	api.WriteJSON(w, http.StatusOK, map[string]string{"sectionId": body.SectionID})
}

func (g *Gateway) handleOTPRequest(w http.ResponseWriter, r *http.Request) {
	sess, signer := g.resolve(r)
	if sess == nil {
		api.WriteError(w, http.StatusNotFound, "invalid or expired signing link")
		return
	}

	res, err := g.otps.Generate(otp.GenerateParams{
		SessionID:       sess.SessionID,
		SignerID:        signer.SignerID,
		SignerEmail:     signer.Email,
		DeliveryChannel: "email",
		RequestIP:       api.ClientIP(r),
	})
	if err != nil {
		if errors.Is(err, otp.ErrRateLimited) {
			api.WriteError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.logIntent(r, sess, signer, intentlog.ActionOTPRequested, nil, "")
	// The code travels over the delivery channel, never in the response.
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"expiresAt": res.ExpiresAt,
		"isRetry":   res.IsRetry,
	})
}

func (g *Gateway) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	sess, signer := g.resolve(r)
	if sess == nil {
		api.WriteError(w, http.StatusNotFound, "invalid or expired signing link")
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" {
		api.WriteError(w, http.StatusBadRequest, "code is required")
		return
	}

	res := g.otps.Verify(sess.SessionID, signer.SignerID, body.Code)
	if !res.Valid {
		g.logIntent(r, sess, signer, intentlog.ActionOTPFailed, nil, "")
		api.WriteRaw(w, http.StatusBadRequest, map[string]any{
			"error":             res.Message,
			"remainingAttempts": res.RemainingAttempts,
		})
		return
	}
	g.logIntent(r, sess, signer, intentlog.ActionOTPVerified, nil, "")
	api.WriteJSON(w, http.StatusOK, map[string]string{"message": res.Message})
}

func (g *Gateway) handleSignature(w http.ResponseWriter, r *http.Request) {
	sess, signer := g.resolve(r)
	if sess == nil {
		api.WriteError(w, http.StatusNotFound, "invalid or expired signing link")
		return
	}

	var body struct {
		Consent     bool   `json:"consent"`
		ConsentText string `json:"consentText"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if sess.Config.RequireIntent && !body.Consent {
		api.WriteError(w, http.StatusBadRequest, "signing consent is required")
		return
	}
	if sess.Config.RequireOTP && !g.otps.IsVerified(sess.SessionID, signer.SignerID) {
		api.WriteError(w, http.StatusBadRequest, "verification code required before signing")
		return
	}

	if body.Consent {
		text := body.ConsentText
		if text == "" {
			text = consentText
		}
		g.logIntent(r, sess, signer, intentlog.ActionConsentGiven, &intentlog.ConsentEvidence{
			Text:      text,
			Method:    "checkbox",
			Timestamp: time.Now().UTC(),
		}, "")
	}

	sig, err := crypto.NewSignature(
		crypto.SignerIdentity{
			Name:          signer.Name,
			Email:         signer.Email,
			Role:          signer.Role,
			SignatureType: signer.SignatureType,
		},
		sess.DocumentHash,
		"",
		time.Now().UTC(),
		requestFingerprint(r),
		"web",
		lastSignatureHash(sess),
		sess.SignatureCount+1,
	)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "signature construction failed")
		return
	}

	outcome, err := g.sessions.RecordSignature(sess.SessionID, signer.SignerID, sig.SignatureHash)
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			api.WriteError(w, http.StatusBadRequest, "session complete")
			return
		}
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.logIntent(r, sess, signer, intentlog.ActionSignatureSubmitted, nil, "")

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"signatureHash": outcome.SignatureHash,
		"sessionStatus": outcome.SessionStatus,
		"thresholdMet":  outcome.ThresholdMet,
	})
}

func (g *Gateway) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.GetSession(mux.Vars(r)["id"])
	if err != nil {
		api.WriteError(w, http.StatusNotFound, "session not found")
		return
	}

	signers := make([]map[string]any, 0, len(sess.Signers))
	for _, s := range sess.Signers {
		signers = append(signers, map[string]any{
			"name":      s.Name,
			"email":     s.Email,
			"role":      s.Role,
			"status":    s.Status,
			"signedAt":  s.SignedAt,
			"viewCount": s.ViewCount,
		})
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"sessionId":      sess.SessionID,
		"status":         sess.Status,
		"signatureCount": sess.SignatureCount,
		"threshold":      sess.Config.Threshold,
		"thresholdMet":   sess.ThresholdMet,
		"signers":        signers,
		"artifacts":      sess.Artifacts,
	})
}

func (g *Gateway) handleEvidence(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if _, err := g.sessions.GetSession(sessionID); err != nil {
		api.WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(g.intents.GenerateEvidenceReport(sessionID)))
}

// createSessionRequest is the POST /session body.
type createSessionRequest struct {
	DocumentID       string                `json:"documentId" validate:"required"`
	DocumentTitle    string                `json:"documentTitle"`
	DocumentHash     string                `json:"documentHash" validate:"required,len=64,hexadecimal"`
	SKU              string                `json:"sku"`
	Creator          string                `json:"creator" validate:"required"`
	Signers          []createSignerRequest `json:"signers" validate:"required,min=1,dive"`
	Threshold        int                   `json:"threshold" validate:"gte=0"`
	RequireAll       bool                  `json:"requireAll"`
	Ordering         string                `json:"ordering" validate:"omitempty,oneof=strict any"`
	ExpiresInHours   int                   `json:"expiresInHours" validate:"gte=0"`
	RequireIntent    *bool                 `json:"requireIntent"`
	RequireOTP       bool                  `json:"requireOTP"`
	RequiredInitials []string              `json:"requiredInitials"`
}

type createSignerRequest struct {
	Name          string `json:"name" validate:"required"`
	Email         string `json:"email" validate:"required,email"`
	Role          string `json:"role"`
	SignatureType string `json:"signatureType"`
	Required      *bool  `json:"required"`
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var raw any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		api.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := g.schema.Validate(raw); err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Re-decode into the typed request now that the shape is known good.
	data, err := json.Marshal(raw)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	var req createSessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := g.validate.Struct(req); err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	signers := make([]session.SignerParams, 0, len(req.Signers))
	for _, s := range req.Signers {
		signers = append(signers, session.SignerParams{
			Name:          s.Name,
			Email:         s.Email,
			Role:          s.Role,
			SignatureType: s.SignatureType,
			Required:      s.Required,
		})
	}
	requireIntent := true
	if req.RequireIntent != nil {
		requireIntent = *req.RequireIntent
	}
	sess, err := g.sessions.CreateSession(session.CreateParams{
		DocumentID:       req.DocumentID,
		DocumentTitle:    req.DocumentTitle,
		DocumentHash:     req.DocumentHash,
		SKU:              req.SKU,
		Creator:          req.Creator,
		Signers:          signers,
		Threshold:        req.Threshold,
		RequireAll:       req.RequireAll,
		Ordering:         session.Ordering(req.Ordering),
		ExpiresIn:        time.Duration(req.ExpiresInHours) * time.Hour,
		RequireIntent:    requireIntent,
		RequireOTP:       req.RequireOTP,
		BaseURL:          g.baseURL(r),
		RequiredInitials: req.RequiredInitials,
	})
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	links, err := g.sessions.SigningLinks(sess.SessionID)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"sessionId":    sess.SessionID,
		"signingLinks": links,
		"expiresAt":    sess.Config.ExpiresAt,
	}
	if g.dist != nil {
		// Delivery failures do not fail creation; the links in the response
		// remain usable either way.
		deliveries, err := g.dist.Distribute(sess.SessionID)
		if err != nil {
			g.log.Warn("link distribution failed", "session", sess.SessionID, "err", err)
		}
		resp["deliveries"] = deliveries
	}
	api.WriteJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) resolve(r *http.Request) (*session.Session, *session.Signer) {
	return g.sessions.ResolveToken(mux.Vars(r)["token"])
}

func (g *Gateway) logIntent(r *http.Request, sess *session.Session, signer *session.Signer, action intentlog.Action, consent *intentlog.ConsentEvidence, sectionID string) {
	_, err := g.intents.Log(intentlog.LogParams{
		SessionID:   sess.SessionID,
		DocumentID:  sess.DocumentID,
		SignerID:    signer.SignerID,
		SignerEmail: signer.Email,
		SignerName:  signer.Name,
		Action:      action,
		IPAddress:   api.ClientIP(r),
		Device: intentlog.DeviceEvidence{
			UserAgent:         r.UserAgent(),
			DeviceFingerprint: requestFingerprint(r),
			Language:          r.Header.Get("Accept-Language"),
		},
		Consent:   consent,
		SectionID: sectionID,
	})
	if err != nil {
		g.log.Error("intent log append failed", "session", sess.SessionID, "action", action, "err", err)
	}
}

// baseURL prefers the configured session base; new sessions derive it from
// the request host so links work behind proxies.
func (g *Gateway) baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/sign"
}

func requestFingerprint(r *http.Request) string {
	if fp := r.Header.Get("X-Device-Fingerprint"); fp != "" {
		return fp
	}
	return ""
}

func missingInitials(signer *session.Signer) []string {
	var out []string
	for _, want := range signer.RequiredInitials {
		done := false
		for _, have := range signer.CompletedInitials {
			if have == want {
				done = true
				break
			}
		}
		if !done {
			out = append(out, want)
		}
	}
	return out
}

func lastSignatureHash(sess *session.Session) string {
	var latest *session.Signer
	for i := range sess.Signers {
		s := &sess.Signers[i]
		if s.Status != session.SignerSigned || s.SignedAt == nil {
			continue
		}
		if latest == nil || s.SignedAt.After(*latest.SignedAt) {
			latest = s
		}
	}
	if latest == nil {
		return ""
	}
	return latest.SignatureHash
}

func (g *Gateway) renderErrorPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_ = errorPageTmpl.Execute(w, nil)
}

const consentText = "I agree to sign this document electronically and " +
	"acknowledge that my electronic signature carries the same legal weight " +
	"as a handwritten signature."

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html><head><title>Signing Gateway</title></head><body>
<h1>Signing Gateway</h1>
<p>Active sessions: {{.Sessions}}</p>
<p>Intent records: {{.Intents}}</p>
</body></html>`))

var signingPageTmpl = template.Must(template.New("sign").Parse(`<!doctype html>
<html><head><title>Sign: {{.Title}}</title></head><body>
<h1>{{.Title}}</h1>
<p>Signer: {{.SignerName}} &lt;{{.SignerEmail}}&gt;</p>
{{if .RequiredInitials}}<h2>Required initials</h2><ul>
{{range .RequiredInitials}}<li>{{.}}</li>{{end}}
</ul>{{end}}
{{if .RequireOTP}}<p>A verification code is required before signing.</p>{{end}}
<p class="consent">{{.ConsentText}}</p>
</body></html>`))

var errorPageTmpl = template.Must(template.New("error").Parse(`<!doctype html>
<html><head><title>Signing link unavailable</title></head><body>
<h1>This signing link is unavailable</h1>
<p>The link may have expired or been revoked. Contact the document sender.</p>
</body></html>`))
