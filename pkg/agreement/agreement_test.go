package agreement

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *time.Time) {
	t.Helper()
	e, err := NewEngine(t.TempDir())
	require.NoError(t, err)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	e.WithClock(func() time.Time { return now })
	return e, &now
}

func createActive(t *testing.T, e *Engine) *Agreement {
	t.Helper()
	ag, err := e.CreateAgreement("doc-1", "Supply Agreement", []string{"alpha", "beta"})
	require.NoError(t, err)
	for _, to := range []Status{StatusPendingSignature, StatusSigned, StatusActive} {
		ag, err = e.TransitionStatus(ag.AgreementID, to, "ops", "", "")
		require.NoError(t, err)
	}
	return ag
}

func TestCreateAgreementStartsDraft(t *testing.T) {
	e, _ := newTestEngine(t)
	ag, err := e.CreateAgreement("doc-1", "Supply Agreement", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, ag.Status)
	assert.Empty(t, ag.History)
}

func TestTransitionStatusFollowsGraph(t *testing.T) {
	e, _ := newTestEngine(t)
	ag := createActive(t, e)

	assert.Equal(t, StatusActive, ag.Status)
	require.Len(t, ag.History, 3)
	assert.Equal(t, StatusDraft, ag.History[0].From)
	assert.Equal(t, StatusActive, ag.History[2].To)
}

func TestTransitionStatusRejectsIllegalPair(t *testing.T) {
	e, _ := newTestEngine(t)
	ag, err := e.CreateAgreement("doc-1", "Supply Agreement", nil)
	require.NoError(t, err)

	_, err = e.TransitionStatus(ag.AgreementID, StatusCompleted, "ops", "", "")
	require.Error(t, err)
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, StatusDraft, ite.From)
	assert.Contains(t, ite.Allowed, StatusPendingReview)
}

func TestArchivedIsTerminal(t *testing.T) {
	e, _ := newTestEngine(t)
	ag, err := e.CreateAgreement("doc-1", "Supply Agreement", nil)
	require.NoError(t, err)
	_, err = e.TransitionStatus(ag.AgreementID, StatusArchived, "ops", "", "")
	require.NoError(t, err)

	for _, to := range []Status{StatusDraft, StatusActive, StatusArchived} {
		_, err = e.TransitionStatus(ag.AgreementID, to, "ops", "", "")
		assert.Error(t, err)
	}
}

func TestDisputeLoop(t *testing.T) {
	e, _ := newTestEngine(t)
	ag := createActive(t, e)

	for _, to := range []Status{StatusBreached, StatusDisputed, StatusActive, StatusCompleted, StatusArchived} {
		var err error
		ag, err = e.TransitionStatus(ag.AgreementID, to, "ops", "", "")
		require.NoError(t, err)
	}
	assert.Equal(t, StatusArchived, ag.Status)
}

func TestOverdueObligationSweep(t *testing.T) {
	e, now := newTestEngine(t)
	ag := createActive(t, e)

	_, err := e.AddObligation(ag.AgreementID, "deliver goods", "alpha", now.Add(24*time.Hour))
	require.NoError(t, err)
	ob2, err := e.AddObligation(ag.AgreementID, "pay invoice", "beta", now.Add(48*time.Hour))
	require.NoError(t, err)
	require.NoError(t, e.FulfillObligation(ag.AgreementID, ob2.ID))

	findings, err := e.GetOverdueObligations()
	require.NoError(t, err)
	assert.Empty(t, findings)

	*now = now.Add(72 * time.Hour)
	findings, err = e.GetOverdueObligations()
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "deliver goods", findings[0].Obligation.Description)
	assert.Equal(t, ObligationOverdue, findings[0].Obligation.Status)

	// Fulfilled obligations never flip.
	stored, err := e.GetAgreement(ag.AgreementID)
	require.NoError(t, err)
	assert.Equal(t, ObligationFulfilled, stored.Obligations[1].Status)
}

func TestCheckDeadlinesFlipsMissedAndOverduePayments(t *testing.T) {
	e, now := newTestEngine(t)
	ag := createActive(t, e)

	_, err := e.AddDeadline(ag.AgreementID, now.Add(time.Hour), DeadlineHard)
	require.NoError(t, err)
	_, err = e.AddPaymentTrigger(ag.AgreementID, 2500, "USD", "on delivery", now.Add(time.Hour))
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	findings, err := e.CheckDeadlines()
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, DeadlineMissed, findings[0].Deadline.Status)

	stored, err := e.GetAgreement(ag.AgreementID)
	require.NoError(t, err)
	assert.Equal(t, PaymentOverdue, stored.Payments[0].Status)
}

func TestSweepsSkipArchivedAgreements(t *testing.T) {
	e, now := newTestEngine(t)
	ag, err := e.CreateAgreement("doc-1", "Old Agreement", nil)
	require.NoError(t, err)
	_, err = e.AddObligation(ag.AgreementID, "stale duty", "alpha", now.Add(time.Hour))
	require.NoError(t, err)
	_, err = e.TransitionStatus(ag.AgreementID, StatusArchived, "ops", "", "")
	require.NoError(t, err)

	*now = now.Add(48 * time.Hour)
	findings, err := e.GetOverdueObligations()
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestAmendmentChainTracksPredecessor(t *testing.T) {
	e, now := newTestEngine(t)
	ag := createActive(t, e)

	first, err := e.AddAmendment(ag.AgreementID, "1.1.0", "price update", "hash-1", *now, []string{"alpha"})
	require.NoError(t, err)
	assert.Empty(t, first.PredecessorVersion)

	second, err := e.AddAmendment(ag.AgreementID, "1.2.0", "term extension", "hash-2", *now, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", second.PredecessorVersion)
}

func TestEnginePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir)
	require.NoError(t, err)
	ag, err := e.CreateAgreement("doc-1", "Supply Agreement", nil)
	require.NoError(t, err)
	_, err = e.TransitionStatus(ag.AgreementID, StatusPendingReview, "ops", "", "")
	require.NoError(t, err)

	reopened, err := NewEngine(dir)
	require.NoError(t, err)
	stored, err := reopened.GetAgreement(ag.AgreementID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingReview, stored.Status)
	require.Len(t, stored.History, 1)
}
