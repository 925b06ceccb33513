package anchor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/cidregistry"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(t.TempDir())
	require.NoError(t, err)
	return e
}

func testParams(docID, chain string) AnchorParams {
	return AnchorParams{
		DocumentID: docID,
		Chain:      chain,
		SKU:        "SKU-" + docID,
		Fingerprint: Fingerprint{
			SHA256:     canonicalize.HashString("content-" + docID),
			MerkleRoot: canonicalize.HashString("root-" + docID),
		},
	}
}

func TestAnchorBuildsDeterministicMemo(t *testing.T) {
	e := newTestEngine(t)
	rec, err := e.Anchor(testParams("doc-1", "xrpl"))
	require.NoError(t, err)

	assert.Equal(t, EngineID, rec.Memo.Engine)
	assert.Equal(t, ProtocolVersion, rec.Memo.Protocol)
	assert.Equal(t, memoHash(rec.Memo), rec.Memo.MemoHash)
	assert.Equal(t, canonicalize.GenesisHash, rec.PreviousAnchorHash)
	assert.Equal(t, 1, rec.Sequence)
	assert.Contains(t, rec.TxHash, "xrpl-tx-")
}

func TestAnchorChainsGlobally(t *testing.T) {
	e := newTestEngine(t)
	first, err := e.Anchor(testParams("doc-1", "xrpl"))
	require.NoError(t, err)
	second, err := e.Anchor(testParams("doc-2", "stellar"))
	require.NoError(t, err)

	// One global chain across documents.
	assert.Equal(t, first.RecordHash, second.PreviousAnchorHash)
	assert.Equal(t, 2, second.Sequence)
}

func TestAnchorUnknownChain(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Anchor(testParams("doc-1", "dogecoin"))
	assert.True(t, errors.Is(err, ErrUnknownChain))
}

func TestAnchorIPFSOfflineSynthesizesCID(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterAdapter(NewIPFSAdapter("http://127.0.0.1:1"))

	rec, err := e.Anchor(testParams("doc-1", "ipfs"))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.CID)
	assert.Contains(t, rec.CID, "baf")
}

type failingAdapter struct{ name string }

func (a *failingAdapter) Name() string { return a.name }
func (a *failingAdapter) Submit(Memo) (string, string, error) {
	return "", "", fmt.Errorf("node unreachable")
}

func TestAnchorMultiChain(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterAdapter(&failingAdapter{name: "ethereum"})

	params := MultiChainParams{
		AnchorParams: testParams("doc-1", ""),
		Chains:       []string{"xrpl", "stellar", "ethereum"},
	}
	rec, err := e.AnchorMultiChain(params)
	require.NoError(t, err)

	assert.Equal(t, "xrpl", rec.Chain)
	// Stellar succeeded, ethereum failed non-fatally.
	require.Len(t, rec.RedundantAnchors, 1)
	assert.Equal(t, "stellar", rec.RedundantAnchors[0].Chain)

	// Redundant additions must not break the record hash.
	report, err := e.VerifyAnchor(rec.AnchorID)
	require.NoError(t, err)
	assert.True(t, report.Valid, "issues: %v", report.Issues)
}

func TestAnchorAppendsToEventLog(t *testing.T) {
	dir := t.TempDir()
	events, err := cidregistry.NewEventLog(dir)
	require.NoError(t, err)
	e, err := NewEngine(dir)
	require.NoError(t, err)
	e.WithEventLog(events)

	rec, err := e.Anchor(testParams("doc-1", "xrpl"))
	require.NoError(t, err)

	entries := events.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, cidregistry.EventLedgerAnchored, entries[0].Action)
	assert.Equal(t, rec.TxHash, entries[0].Details["txHash"])
	assert.Equal(t, rec.RecordHash, entries[0].Fingerprint)
	require.NoError(t, events.VerifyChain())
}

type gatedAdapter struct {
	name    string
	entered chan struct{}
	release chan struct{}
}

func (a *gatedAdapter) Name() string { return a.name }
func (a *gatedAdapter) Submit(memo Memo) (string, string, error) {
	close(a.entered)
	<-a.release
	return a.name + "-tx-" + memo.MemoHash[:16], "", nil
}

func TestSlowChainDoesNotBlockStore(t *testing.T) {
	e := newTestEngine(t)
	slow := &gatedAdapter{name: "tendermint", entered: make(chan struct{}), release: make(chan struct{})}
	e.RegisterAdapter(slow)

	done := make(chan error, 1)
	var stalled *Record
	go func() {
		var err error
		stalled, err = e.Anchor(testParams("doc-slow", "tendermint"))
		done <- err
	}()
	<-slow.entered

	// Reads and anchors on other chains proceed while the submission is in
	// flight.
	assert.Equal(t, 0, e.Count())
	fast, err := e.Anchor(testParams("doc-fast", "xrpl"))
	require.NoError(t, err)
	assert.Equal(t, 1, fast.Sequence)

	close(slow.release)
	require.NoError(t, <-done)

	// The stalled anchor links behind the one that landed during its flight.
	assert.Equal(t, 2, stalled.Sequence)
	assert.Equal(t, fast.RecordHash, stalled.PreviousAnchorHash)
	assert.True(t, e.VerifyFullChain().Valid)
}

func TestVerifyAnchorDetectsTamper(t *testing.T) {
	e := newTestEngine(t)
	rec, err := e.Anchor(testParams("doc-1", "xrpl"))
	require.NoError(t, err)

	e.state.Anchors[0].TxHash = "forged"
	report, err := e.VerifyAnchor(rec.AnchorID)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.False(t, report.RecordHashValid)
	assert.True(t, report.MemoHashValid)
}

func TestVerifyFullChain(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 4; i++ {
		_, err := e.Anchor(testParams(fmt.Sprintf("doc-%d", i), "xrpl"))
		require.NoError(t, err)
	}

	report := e.VerifyFullChain()
	assert.True(t, report.Valid)
	assert.Equal(t, 4, report.Anchors)

	e.state.Anchors[1].Memo.SKU = "forged"
	report = e.VerifyFullChain()
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Issues)
}

func TestEnginePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir)
	require.NoError(t, err)
	first, err := e.Anchor(testParams("doc-1", "xrpl"))
	require.NoError(t, err)

	reopened, err := NewEngine(dir)
	require.NoError(t, err)
	second, err := reopened.Anchor(testParams("doc-2", "xrpl"))
	require.NoError(t, err)
	assert.Equal(t, first.RecordHash, second.PreviousAnchorHash)
	assert.True(t, reopened.VerifyFullChain().Valid)
}
