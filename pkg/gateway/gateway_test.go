package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/audit"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/intentlog"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/otp"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/session"
)

const testDocHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	sessions, err := session.NewEngine(dir)
	require.NoError(t, err)
	intents, err := intentlog.NewLogger(dir)
	require.NoError(t, err)
	otps, err := otp.NewEngine(dir)
	require.NoError(t, err)

	g, err := New(sessions, intents, otps, audit.NewLogger(io.Discard, "error"))
	require.NoError(t, err)

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return g, srv
}

func createSession(t *testing.T, srv *httptest.Server, body map[string]any) map[string]any {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/session", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var env struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.True(t, env.Success)
	return env.Data
}

func signerTokens(t *testing.T, data map[string]any) []string {
	t.Helper()
	links, ok := data["signingLinks"].([]any)
	require.True(t, ok)
	tokens := make([]string, 0, len(links))
	for _, l := range links {
		link := l.(map[string]any)
		url := link["url"].(string)
		tokens = append(tokens, url[strings.LastIndex(url, "/")+1:])
	}
	return tokens
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader = strings.NewReader("{}")
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	resp, err := http.Post(url, "application/json", reader)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.True(t, env.Success)
	assert.Equal(t, "ok", env.Data["status"])
}

func TestCreateSessionRejectsBadHash(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, _ := postJSON(t, srv.URL+"/session", map[string]any{
		"documentId":   "doc-1",
		"documentHash": "not-hex",
		"creator":      "ops@example.com",
		"signers":      []map[string]any{{"name": "A", "email": "a@example.com"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateSessionDistributesLinks(t *testing.T) {
	g, srv := newTestGateway(t)
	g.WithDistributor(session.NewDistributor(g.sessions, g.log))

	data := createSession(t, srv, map[string]any{
		"documentId":   "doc-1",
		"documentHash": testDocHash,
		"creator":      "ops@example.com",
		"signers":      []map[string]any{{"name": "Alice", "email": "alice@example.com"}},
	})

	deliveries, ok := data["deliveries"].([]any)
	require.True(t, ok)
	require.Len(t, deliveries, 1)
	first := deliveries[0].(map[string]any)
	assert.Equal(t, "email", first["channel"])
	assert.Equal(t, "queued", first["status"])

	// Delivery lifts the session out of created.
	sess, err := g.sessions.GetSession(data["sessionId"].(string))
	require.NoError(t, err)
	assert.Equal(t, session.StatusDistributed, sess.Status)
}

func TestSingleSignerFlow(t *testing.T) {
	_, srv := newTestGateway(t)

	data := createSession(t, srv, map[string]any{
		"documentId":   "doc-1",
		"documentHash": testDocHash,
		"creator":      "ops@example.com",
		"signers":      []map[string]any{{"name": "Alice", "email": "alice@example.com"}},
	})
	tokens := signerTokens(t, data)
	require.Len(t, tokens, 1)

	// View the signing page first.
	resp, err := http.Get(srv.URL + "/sign/" + tokens[0])
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp, out := postJSON(t, srv.URL+"/sign/"+tokens[0], map[string]any{
		"consent":     true,
		"consentText": "I agree.",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := out["data"].(map[string]any)
	assert.NotEmpty(t, payload["signatureHash"])
	assert.Equal(t, true, payload["thresholdMet"])
	assert.Equal(t, "threshold-met", payload["sessionStatus"])

	// Status endpoint reflects the signature.
	sessionID := data["sessionId"].(string)
	resp, err = http.Get(srv.URL + "/session/" + sessionID)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, float64(1), env.Data["signatureCount"])
}

func TestConsentRequiredBeforeSigning(t *testing.T) {
	_, srv := newTestGateway(t)

	data := createSession(t, srv, map[string]any{
		"documentId":   "doc-1",
		"documentHash": testDocHash,
		"creator":      "ops@example.com",
		"signers":      []map[string]any{{"name": "Alice", "email": "alice@example.com"}},
	})
	tokens := signerTokens(t, data)

	resp, out := postJSON(t, srv.URL+"/sign/"+tokens[0], map[string]any{"consent": false})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "consent")
}

func TestStrictOrderingViolation(t *testing.T) {
	_, srv := newTestGateway(t)

	data := createSession(t, srv, map[string]any{
		"documentId":   "doc-1",
		"documentHash": testDocHash,
		"creator":      "ops@example.com",
		"ordering":     "strict",
		"signers": []map[string]any{
			{"name": "Alice", "email": "alice@example.com"},
			{"name": "Bob", "email": "bob@example.com"},
		},
	})
	tokens := signerTokens(t, data)
	require.Len(t, tokens, 2)

	resp, out := postJSON(t, srv.URL+"/sign/"+tokens[1], map[string]any{"consent": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Strict ordering: Alice must sign first", out["error"])

	// Alice signs, then Bob succeeds.
	resp, _ = postJSON(t, srv.URL+"/sign/"+tokens[0], map[string]any{"consent": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, out = postJSON(t, srv.URL+"/sign/"+tokens[1], map[string]any{"consent": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["data"].(map[string]any)["thresholdMet"])
}

func TestInitialsGateSignature(t *testing.T) {
	_, srv := newTestGateway(t)

	data := createSession(t, srv, map[string]any{
		"documentId":       "doc-1",
		"documentHash":     testDocHash,
		"creator":          "ops@example.com",
		"requiredInitials": []string{"sec-3"},
		"signers":          []map[string]any{{"name": "Alice", "email": "alice@example.com"}},
	})
	tokens := signerTokens(t, data)

	resp, out := postJSON(t, srv.URL+"/sign/"+tokens[0], map[string]any{"consent": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "initials incomplete")

	resp, _ = postJSON(t, srv.URL+"/sign/"+tokens[0]+"/initial", map[string]any{"sectionId": "sec-3"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, srv.URL+"/sign/"+tokens[0], map[string]any{"consent": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOTPRequiredAndRateLimited(t *testing.T) {
	g, srv := newTestGateway(t)

	data := createSession(t, srv, map[string]any{
		"documentId":   "doc-1",
		"documentHash": testDocHash,
		"creator":      "ops@example.com",
		"requireOTP":   true,
		"signers":      []map[string]any{{"name": "Alice", "email": "alice@example.com"}},
	})
	tokens := signerTokens(t, data)

	// Signing without verification is refused.
	resp, out := postJSON(t, srv.URL+"/sign/"+tokens[0], map[string]any{"consent": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "verification code")

	resp, _ = postJSON(t, srv.URL+"/sign/"+tokens[0]+"/otp", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// An immediate re-request trips the per-signer generation window.
	resp, _ = postJSON(t, srv.URL+"/sign/"+tokens[0]+"/otp", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// A wrong code burns an attempt and reports the remainder.
	resp, out = postJSON(t, srv.URL+"/sign/"+tokens[0]+"/verify-otp", map[string]any{"code": "000000"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, float64(4), out["remainingAttempts"])

	// The gateway never exposes the code; fetch it from the engine directly.
	code := issuedCode(t, g, data["sessionId"].(string))
	resp, _ = postJSON(t, srv.URL+"/sign/"+tokens[0]+"/verify-otp", map[string]any{"code": code})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out = postJSON(t, srv.URL+"/sign/"+tokens[0], map[string]any{"consent": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, out["data"].(map[string]any)["signatureHash"])
}

func issuedCode(t *testing.T, g *Gateway, sessionID string) string {
	t.Helper()
	recs := g.otps.RecordsForSession(sessionID)
	require.NotEmpty(t, recs)
	return recs[len(recs)-1].Code
}

func TestUnknownTokenRendersGenericPage(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/sign/deadbeef")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "unavailable")
	assert.NotContains(t, string(body), "expired token")
}

func TestEvidenceReportEndpoint(t *testing.T) {
	_, srv := newTestGateway(t)

	data := createSession(t, srv, map[string]any{
		"documentId":   "doc-1",
		"documentHash": testDocHash,
		"creator":      "ops@example.com",
		"signers":      []map[string]any{{"name": "Alice", "email": "alice@example.com"}},
	})
	tokens := signerTokens(t, data)

	resp, err := http.Get(srv.URL + "/sign/" + tokens[0])
	require.NoError(t, err)
	resp.Body.Close()
	resp, _ = postJSON(t, srv.URL+"/sign/"+tokens[0], map[string]any{"consent": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("%s/session/%s/evidence", srv.URL, data["sessionId"]))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	report := string(body)
	assert.Contains(t, report, "FORENSIC EVIDENCE REPORT")
	assert.Contains(t, report, "document-viewed")
	assert.Contains(t, report, "consent-given")
	assert.Contains(t, report, "signature-submitted")
	assert.Contains(t, report, "All chains verified.")
}
