package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(t.TempDir())
	require.NoError(t, err)
	return e
}

func twoSignerParams() CreateParams {
	return CreateParams{
		DocumentID:   "doc-1",
		DocumentHash: canonicalize.HashString("content"),
		Creator:      "ops@example.com",
		BaseURL:      "https://sign.example.com/sign",
		Signers: []SignerParams{
			{Name: "Alice", Email: "alice@example.com", Role: "ceo"},
			{Name: "Bob", Email: "bob@example.com", Role: "cfo"},
		},
		Threshold: 2,
	}
}

func TestCreateSessionMintsTokens(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	assert.Equal(t, StatusCreated, sess.Status)
	require.Len(t, sess.Signers, 2)
	assert.Len(t, sess.Signers[0].AccessToken, 64)
	assert.NotEqual(t, sess.Signers[0].AccessToken, sess.Signers[1].AccessToken)
	assert.Equal(t, sess.Config.ExpiresAt, sess.Signers[0].TokenExpiresAt)
	assert.NotEmpty(t, sess.SessionHash)
}

func TestCreateSessionRejectsOversizedThreshold(t *testing.T) {
	e := newTestEngine(t)
	params := twoSignerParams()
	params.Threshold = 3
	_, err := e.CreateSession(params)
	assert.Error(t, err)
}

func TestSigningLinksJoinBaseURLAndToken(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	links, err := e.SigningLinks(sess.SessionID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "https://sign.example.com/sign/"+sess.Signers[0].AccessToken, links[0].URL)
}

func TestResolveToken(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	got, signer := e.ResolveToken(sess.Signers[1].AccessToken)
	require.NotNil(t, got)
	require.NotNil(t, signer)
	assert.Equal(t, sess.SessionID, got.SessionID)
	assert.Equal(t, "bob@example.com", signer.Email)

	got, signer = e.ResolveToken("not-a-token")
	assert.Nil(t, got)
	assert.Nil(t, signer)
}

func TestResolveTokenExpiryMarksSignerExpired(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e.WithClock(func() time.Time { return now })
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	now = now.Add(DefaultExpiry + time.Hour)
	got, signer := e.ResolveToken(sess.Signers[0].AccessToken)
	assert.Nil(t, got)
	assert.Nil(t, signer)

	stored, err := e.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SignerExpired, stored.Signers[0].Status)
}

func TestRecordViewLiftsPending(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	require.NoError(t, e.RecordView(sess.SessionID, sess.Signers[0].SignerID))
	require.NoError(t, e.RecordView(sess.SessionID, sess.Signers[0].SignerID))

	stored, err := e.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SignerViewed, stored.Signers[0].Status)
	assert.Equal(t, 2, stored.Signers[0].ViewCount)
}

func TestRecordInitialEnforcesRequiredSet(t *testing.T) {
	e := newTestEngine(t)
	params := twoSignerParams()
	params.RequiredInitials = []string{"sec-1", "sec-2"}
	sess, err := e.CreateSession(params)
	require.NoError(t, err)
	signerID := sess.Signers[0].SignerID

	assert.Error(t, e.RecordInitial(sess.SessionID, signerID, "sec-9"))
	require.NoError(t, e.RecordInitial(sess.SessionID, signerID, "sec-1"))
	assert.Error(t, e.RecordInitial(sess.SessionID, signerID, "sec-1"))

	stored, err := e.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SignerInitialed, stored.Signers[0].Status)
}

func TestRecordSignatureRequiresInitialsComplete(t *testing.T) {
	e := newTestEngine(t)
	params := twoSignerParams()
	params.RequiredInitials = []string{"sec-1"}
	sess, err := e.CreateSession(params)
	require.NoError(t, err)
	signerID := sess.Signers[0].SignerID

	_, err = e.RecordSignature(sess.SessionID, signerID, "sig-hash")
	assert.ErrorContains(t, err, "initials incomplete")

	require.NoError(t, e.RecordInitial(sess.SessionID, signerID, "sec-1"))
	_, err = e.RecordSignature(sess.SessionID, signerID, "sig-hash")
	assert.NoError(t, err)
}

func TestRecordSignatureThresholdProgression(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	out, err := e.RecordSignature(sess.SessionID, sess.Signers[0].SignerID, "sig-a")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, out.SessionStatus)
	assert.False(t, out.ThresholdMet)

	out, err = e.RecordSignature(sess.SessionID, sess.Signers[1].SignerID, "sig-b")
	require.NoError(t, err)
	assert.Equal(t, StatusThresholdMet, out.SessionStatus)
	assert.True(t, out.ThresholdMet)

	_, err = e.RecordSignature(sess.SessionID, sess.Signers[0].SignerID, "sig-a")
	assert.ErrorContains(t, err, "already signed")
}

func TestStrictOrderingRejectsOutOfOrder(t *testing.T) {
	e := newTestEngine(t)
	params := twoSignerParams()
	params.Ordering = OrderingStrict
	sess, err := e.CreateSession(params)
	require.NoError(t, err)

	_, err = e.RecordSignature(sess.SessionID, sess.Signers[1].SignerID, "sig-b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Alice must sign first")

	stored, err := e.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SignerPending, stored.Signers[1].Status)

	_, err = e.RecordSignature(sess.SessionID, sess.Signers[0].SignerID, "sig-a")
	require.NoError(t, err)
	out, err := e.RecordSignature(sess.SessionID, sess.Signers[1].SignerID, "sig-b")
	require.NoError(t, err)
	assert.Equal(t, StatusThresholdMet, out.SessionStatus)
}

func TestRequiredRejectionCancelsUnreachableSession(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	require.NoError(t, e.RecordRejection(sess.SessionID, sess.Signers[0].SignerID, "terms unacceptable"))

	stored, err := e.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, "terms unacceptable", stored.Signers[0].RejectionReason)
}

func TestOptionalRejectionKeepsSessionAlive(t *testing.T) {
	e := newTestEngine(t)
	optional := false
	params := CreateParams{
		DocumentID:   "doc-1",
		DocumentHash: canonicalize.HashString("content"),
		Signers: []SignerParams{
			{Name: "Alice", Email: "alice@example.com"},
			{Name: "Carol", Email: "carol@example.com", Required: &optional},
		},
		Threshold: 1,
	}
	sess, err := e.CreateSession(params)
	require.NoError(t, err)

	require.NoError(t, e.RecordRejection(sess.SessionID, sess.Signers[1].SignerID, "observer only"))
	stored, err := e.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.NotEqual(t, StatusCancelled, stored.Status)
}

func TestCompleteSessionGatedOnThreshold(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	err = e.CompleteSession(sess.SessionID, Artifacts{Certificate: "cert.json"})
	assert.ErrorContains(t, err, "threshold not met")

	_, err = e.RecordSignature(sess.SessionID, sess.Signers[0].SignerID, "sig-a")
	require.NoError(t, err)
	_, err = e.RecordSignature(sess.SessionID, sess.Signers[1].SignerID, "sig-b")
	require.NoError(t, err)

	require.NoError(t, e.CompleteSession(sess.SessionID, Artifacts{Certificate: "cert.json", LedgerTx: "tx-1"}))

	stored, err := e.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, "tx-1", stored.Artifacts.LedgerTx)

	// Completed is terminal for both completion and signing.
	assert.True(t, errors.Is(e.CompleteSession(sess.SessionID, Artifacts{}), ErrSessionClosed))
	_, err = e.RecordSignature(sess.SessionID, sess.Signers[0].SignerID, "sig-x")
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestRecordDistributionLiftsCreated(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	err = e.RecordDistribution(sess.SessionID, sess.Signers[0].SignerID, DistributionRecord{
		Channel: "email", Destination: "alice@example.com", Status: "sent",
	})
	require.NoError(t, err)

	stored, err := e.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusDistributed, stored.Status)
	require.Len(t, stored.Signers[0].DistributionLog, 1)
	assert.False(t, stored.Signers[0].DistributionLog[0].SentAt.IsZero())
}

func TestExpireStale(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e.WithClock(func() time.Time { return now })
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	assert.Equal(t, 0, e.ExpireStale())
	now = now.Add(DefaultExpiry + time.Minute)
	assert.Equal(t, 1, e.ExpireStale())

	stored, err := e.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
	assert.Equal(t, SignerExpired, stored.Signers[0].Status)
}

func TestSessionHashTracksMutations(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	before := sess.SessionHash
	_, err = e.RecordSignature(sess.SessionID, sess.Signers[0].SignerID, "sig-a")
	require.NoError(t, err)

	stored, err := e.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.NotEqual(t, before, stored.SessionHash)

	ok, err := e.VerifySessionHash(sess.SessionID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnginePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir)
	require.NoError(t, err)
	sess, err := e.CreateSession(twoSignerParams())
	require.NoError(t, err)

	reopened, err := NewEngine(dir)
	require.NoError(t, err)
	got, signer := reopened.ResolveToken(sess.Signers[0].AccessToken)
	require.NotNil(t, got)
	assert.Equal(t, "alice@example.com", signer.Email)
}
