package cidregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
)

func TestEventLogAppendChains(t *testing.T) {
	l, err := NewEventLog(t.TempDir())
	require.NoError(t, err)

	e1, err := l.Append("document-registered", "system", map[string]string{"sku": "SKU-1"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, e1.Sequence)
	assert.Equal(t, canonicalize.GenesisHash, e1.PreviousChainHash)

	e2, err := l.Append("document-anchored", "system", nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, e2.Sequence)
	assert.Equal(t, e1.ChainHash, e2.PreviousChainHash)

	require.NoError(t, l.VerifyChain())
}

func TestEventLogDetectsTamper(t *testing.T) {
	l, err := NewEventLog(t.TempDir())
	require.NoError(t, err)
	l.Append("a", "sys", nil, "", "")
	l.Append("b", "sys", nil, "", "")

	l.state.Entries[0].Action = "tampered"
	assert.Error(t, l.VerifyChain())
}

func TestEventLogPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := NewEventLog(dir)
	require.NoError(t, err)
	l.Append("a", "sys", nil, "", "")

	reopened, err := NewEventLog(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
	require.NoError(t, reopened.VerifyChain())

	// The reloaded chain keeps extending from the persisted head.
	e, err := reopened.Append("b", "sys", nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Sequence)
	require.NoError(t, reopened.VerifyChain())
}
