package multisig

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
)

func newTestEngine(t *testing.T) (*Engine, *time.Time) {
	t.Helper()
	e, err := NewEngine(t.TempDir())
	require.NoError(t, err)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	e.WithClock(func() time.Time { return now })
	return e, &now
}

func createTwoPartyWorkflow(t *testing.T, e *Engine, ordering string) *Workflow {
	t.Helper()
	wf, err := e.CreateWorkflow(CreateParams{
		DocumentID:         "doc-1",
		DocumentHash:       canonicalize.HashString("agreement-v1"),
		Initiator:          "ops@example.com",
		RequiredSignatures: 2,
		Ordering:           ordering,
		Counterparties: []CounterpartyParams{
			{Email: "alice@example.com", Name: "Alice", Role: "ceo"},
			{Email: "bob@example.com", Name: "Bob", Role: "cfo"},
		},
	})
	require.NoError(t, err)
	return wf
}

func signAs(t *testing.T, e *Engine, wfID, name, email string, at time.Time) *crypto.Signature {
	t.Helper()
	sig, err := e.AddSignature(wfID, SignatureParams{
		Signer:            crypto.SignerIdentity{Name: name, Email: email, Role: "exec", SignatureType: "counterparty"},
		SignedAt:          at,
		DeviceFingerprint: "fp-" + email,
	})
	require.NoError(t, err)
	return sig
}

func TestCreateWorkflowValidatesThreshold(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.CreateWorkflow(CreateParams{
		DocumentID: "doc-1", DocumentHash: "h", RequiredSignatures: 0,
		Counterparties: []CounterpartyParams{{Email: "a@example.com"}},
	})
	assert.Error(t, err)

	_, err = e.CreateWorkflow(CreateParams{
		DocumentID: "doc-1", DocumentHash: "h", RequiredSignatures: 3,
		Counterparties: []CounterpartyParams{{Email: "a@example.com"}, {Email: "b@example.com"}},
	})
	assert.Error(t, err)
}

func TestCreateWorkflowRejectsUnknownOrdering(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.CreateWorkflow(CreateParams{
		DocumentID: "doc-1", DocumentHash: "h", RequiredSignatures: 1,
		Ordering:       "alphabetical",
		Counterparties: []CounterpartyParams{{Email: "a@example.com"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ordering")
}

func TestCancelClosesWorkflow(t *testing.T) {
	e, now := newTestEngine(t)
	wf := createTwoPartyWorkflow(t, e, "any")

	require.NoError(t, e.Cancel(wf.WorkflowID))

	got, err := e.GetWorkflow(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// A cancelled workflow accepts no further activity.
	_, err = e.AddSignature(wf.WorkflowID, SignatureParams{
		Signer:   crypto.SignerIdentity{Name: "Alice", Email: "alice@example.com"},
		SignedAt: *now,
	})
	assert.True(t, errors.Is(err, ErrWorkflowClosed))
	assert.True(t, errors.Is(e.Cancel(wf.WorkflowID), ErrWorkflowClosed))
}

func TestInitiatorCountsAddsCounterparty(t *testing.T) {
	e, _ := newTestEngine(t)
	wf, err := e.CreateWorkflow(CreateParams{
		DocumentID: "doc-1", DocumentHash: "h", Initiator: "Ops@example.com",
		RequiredSignatures: 2, InitiatorCounts: true,
		Counterparties: []CounterpartyParams{{Email: "a@example.com"}},
	})
	require.NoError(t, err)
	require.Len(t, wf.Counterparties, 2)
	assert.Equal(t, "ops@example.com", wf.Counterparties[0].Email)
	assert.Equal(t, "author", wf.Counterparties[0].SignatureType)
}

func TestAddSignatureFoldsCombinedChain(t *testing.T) {
	e, now := newTestEngine(t)
	wf := createTwoPartyWorkflow(t, e, "any")

	first := signAs(t, e, wf.WorkflowID, "Alice", "alice@example.com", *now)
	assert.Equal(t, wf.DocumentHash, first.DocumentHash)
	assert.Equal(t, canonicalize.GenesisHash, first.PreviousSignature)
	assert.Equal(t, 1, first.Sequence)

	*now = now.Add(time.Minute)
	second := signAs(t, e, wf.WorkflowID, "Bob", "bob@example.com", *now)
	assert.Equal(t, first.CombinedHash, second.DocumentHash)
	assert.Equal(t, first.SignatureHash, second.PreviousSignature)
	assert.Equal(t, 2, second.Sequence)

	stored, err := e.GetWorkflow(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, second.CombinedHash, stored.CurrentDocumentHash)
	assert.True(t, stored.ThresholdMet)
	assert.Equal(t, StatusThresholdMet, stored.Status)
}

func TestAddSignatureRejectsDuplicate(t *testing.T) {
	e, now := newTestEngine(t)
	wf := createTwoPartyWorkflow(t, e, "any")
	signAs(t, e, wf.WorkflowID, "Alice", "alice@example.com", *now)

	*now = now.Add(time.Minute)
	_, err := e.AddSignature(wf.WorkflowID, SignatureParams{
		Signer:   crypto.SignerIdentity{Name: "Alice", Email: "alice@example.com"},
		SignedAt: *now,
	})
	assert.True(t, errors.Is(err, ErrDuplicateSigner))
}

func TestAddSignatureRejectsTimestampRegression(t *testing.T) {
	e, now := newTestEngine(t)
	wf := createTwoPartyWorkflow(t, e, "any")
	signAs(t, e, wf.WorkflowID, "Alice", "alice@example.com", *now)

	_, err := e.AddSignature(wf.WorkflowID, SignatureParams{
		Signer:   crypto.SignerIdentity{Name: "Bob", Email: "bob@example.com"},
		SignedAt: now.Add(-time.Hour),
	})
	assert.True(t, errors.Is(err, ErrTimestampRegress))
}

func TestStrictOrderingEnforced(t *testing.T) {
	e, now := newTestEngine(t)
	wf := createTwoPartyWorkflow(t, e, "strict")

	_, err := e.AddSignature(wf.WorkflowID, SignatureParams{
		Signer:   crypto.SignerIdentity{Name: "Bob", Email: "bob@example.com"},
		SignedAt: *now,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alice@example.com must sign first")

	signAs(t, e, wf.WorkflowID, "Alice", "alice@example.com", *now)
	*now = now.Add(time.Minute)
	signAs(t, e, wf.WorkflowID, "Bob", "bob@example.com", *now)
}

func TestDeadlineExpiresWorkflow(t *testing.T) {
	e, now := newTestEngine(t)
	deadline := now.Add(time.Hour)
	wf, err := e.CreateWorkflow(CreateParams{
		DocumentID: "doc-1", DocumentHash: "h", RequiredSignatures: 1,
		Deadline:       &deadline,
		Counterparties: []CounterpartyParams{{Email: "a@example.com"}},
	})
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	_, err = e.AddSignature(wf.WorkflowID, SignatureParams{
		Signer: crypto.SignerIdentity{Email: "a@example.com"}, SignedAt: *now,
	})
	assert.True(t, errors.Is(err, ErrWorkflowClosed))

	stored, err := e.GetWorkflow(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
}

func TestRequiredRejectionClosesWorkflow(t *testing.T) {
	e, _ := newTestEngine(t)
	wf := createTwoPartyWorkflow(t, e, "any")

	require.NoError(t, e.RejectSignature(wf.WorkflowID, "Bob@example.com", "price clause"))
	stored, err := e.GetWorkflow(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, stored.Status)
	assert.Equal(t, "price clause", stored.Counterparties[1].RejectionReason)

	_, err = e.AddSignature(wf.WorkflowID, SignatureParams{
		Signer: crypto.SignerIdentity{Email: "alice@example.com"},
	})
	assert.True(t, errors.Is(err, ErrWorkflowClosed))
}

func TestFinalizeGatedOnThresholdAndIdempotent(t *testing.T) {
	e, now := newTestEngine(t)
	wf := createTwoPartyWorkflow(t, e, "any")

	_, err := e.Finalize(wf.WorkflowID)
	assert.True(t, errors.Is(err, ErrBelowThreshold))

	signAs(t, e, wf.WorkflowID, "Alice", "alice@example.com", *now)
	*now = now.Add(time.Minute)
	signAs(t, e, wf.WorkflowID, "Bob", "bob@example.com", *now)

	first, err := e.Finalize(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, first.Status)

	second, err := e.Finalize(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, first.FinalizedAt, second.FinalizedAt)
}

func TestRequireAllAutoFinalizes(t *testing.T) {
	e, now := newTestEngine(t)
	wf, err := e.CreateWorkflow(CreateParams{
		DocumentID: "doc-1", DocumentHash: "h", RequiredSignatures: 2, RequireAll: true,
		Counterparties: []CounterpartyParams{
			{Email: "alice@example.com"},
			{Email: "bob@example.com"},
		},
	})
	require.NoError(t, err)

	signAs(t, e, wf.WorkflowID, "Alice", "alice@example.com", *now)
	*now = now.Add(time.Minute)
	signAs(t, e, wf.WorkflowID, "Bob", "bob@example.com", *now)

	stored, err := e.GetWorkflow(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, stored.Status)
	require.NotNil(t, stored.FinalizedAt)
}

func TestExportCertificateOrdersBySignedAt(t *testing.T) {
	e, now := newTestEngine(t)
	wf := createTwoPartyWorkflow(t, e, "any")

	// Bob signs first in wall-clock terms.
	signAs(t, e, wf.WorkflowID, "Bob", "bob@example.com", *now)
	*now = now.Add(time.Minute)
	signAs(t, e, wf.WorkflowID, "Alice", "alice@example.com", *now)
	_, err := e.Finalize(wf.WorkflowID)
	require.NoError(t, err)

	cert, err := e.ExportCertificate(wf.WorkflowID)
	require.NoError(t, err)
	require.Len(t, cert.Signers, 2)
	assert.Equal(t, "bob@example.com", cert.Signers[0].Email)
	assert.Equal(t, "alice@example.com", cert.Signers[1].Email)
	assert.NotEmpty(t, cert.CertificateHash)
	assert.Equal(t, wf.DocumentHash, cert.DocumentHash)
}

func TestExportCertificateRequiresFinalized(t *testing.T) {
	e, now := newTestEngine(t)
	wf := createTwoPartyWorkflow(t, e, "any")
	signAs(t, e, wf.WorkflowID, "Alice", "alice@example.com", *now)

	_, err := e.ExportCertificate(wf.WorkflowID)
	assert.Error(t, err)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	e, now := newTestEngine(t)
	wf := createTwoPartyWorkflow(t, e, "any")
	signAs(t, e, wf.WorkflowID, "Alice", "alice@example.com", *now)
	*now = now.Add(time.Minute)
	signAs(t, e, wf.WorkflowID, "Bob", "bob@example.com", *now)

	report, err := e.VerifyChain(wf.WorkflowID)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	sig := e.state.Workflows[0].Signatures["alice@example.com"]
	sig.SignerRole = "forged"
	e.state.Workflows[0].Signatures["alice@example.com"] = sig

	report, err = e.VerifyChain(wf.WorkflowID)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Issues)
}

func TestEnginePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir)
	require.NoError(t, err)
	wf, err := e.CreateWorkflow(CreateParams{
		DocumentID: "doc-1", DocumentHash: "h", RequiredSignatures: 1,
		Counterparties: []CounterpartyParams{{Email: "a@example.com"}},
	})
	require.NoError(t, err)
	_, err = e.AddSignature(wf.WorkflowID, SignatureParams{
		Signer: crypto.SignerIdentity{Email: "a@example.com"},
	})
	require.NoError(t, err)

	reopened, err := NewEngine(dir)
	require.NoError(t, err)
	stored, err := reopened.GetWorkflow(wf.WorkflowID)
	require.NoError(t, err)
	assert.True(t, stored.ThresholdMet)
	report, err := reopened.VerifyChain(wf.WorkflowID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}
